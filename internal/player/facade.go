package player

import (
	"context"

	"github.com/altheris/kagura/internal/track"
)

// TrackResolver turns a user query into playable tracks. fromSearch marks
// free-text results, of which only the top hit is queued.
type TrackResolver interface {
	Resolve(ctx context.Context, query, requester string) (tracks []track.Track, fromSearch bool, err error)
}

type EnqueueResult struct {
	AddedCount          int
	FirstTitle          string
	WillPlayImmediately bool
}

type QueueView struct {
	Current *track.Track
	Pending []track.Track
	Total   int
}

// Engine is the destination-keyed facade over the session registry. Enqueue
// creates sessions; every other operation requires one to exist already.
type Engine struct {
	registry *Registry
	resolver TrackResolver
}

func NewEngine(registry *Registry, resolver TrackResolver) *Engine {
	return &Engine{registry: registry, resolver: resolver}
}

func (e *Engine) Enqueue(ctx context.Context, dest, query, requester string) (EnqueueResult, error) {
	tracks, fromSearch, err := e.resolver.Resolve(ctx, query, requester)
	if err != nil {
		return EnqueueResult{}, err
	}
	if fromSearch {
		tracks = tracks[:1]
	}

	sess := e.registry.GetOrCreate(dest)

	if limit := e.playlistLimit(ctx, sess.guildID); limit > 0 && len(tracks) > limit {
		tracks = tracks[:limit]
	}

	willPlay := func() bool {
		sess.mu.Lock()
		defer sess.mu.Unlock()
		return sess.play == nil && sess.current == nil
	}()

	if err := sess.Enqueue(ctx, tracks...); err != nil {
		return EnqueueResult{}, err
	}
	return EnqueueResult{
		AddedCount:          len(tracks),
		FirstTitle:          tracks[0].Title,
		WillPlayImmediately: willPlay,
	}, nil
}

func (e *Engine) playlistLimit(ctx context.Context, guildID string) int {
	if e.registry.settings == nil {
		return 0
	}
	set, err := e.registry.settings.Settings(ctx, guildID)
	if err != nil {
		return 0
	}
	return set.PlaylistLimit
}

func (e *Engine) session(dest string) (*Session, error) {
	if s := e.registry.Peek(dest); s != nil {
		return s, nil
	}
	return nil, ErrNoActiveSession
}

func (e *Engine) Pause(dest string) error {
	s, err := e.session(dest)
	if err != nil {
		return err
	}
	return s.Pause()
}

func (e *Engine) Resume(dest string) error {
	s, err := e.session(dest)
	if err != nil {
		return err
	}
	return s.Resume()
}

func (e *Engine) Skip(ctx context.Context, dest string) error {
	s, err := e.session(dest)
	if err != nil {
		return err
	}
	return s.Skip(ctx)
}

// Stop tears the destination's session down outright: playback halts, the
// queue is dropped, and the sink disconnects. Later calls for the same
// destination fail until Enqueue recreates the session.
func (e *Engine) Stop(dest string) error {
	if _, err := e.session(dest); err != nil {
		return err
	}
	e.registry.Destroy(dest)
	return nil
}

func (e *Engine) QueueView(dest string, page, pageSize int) (QueueView, error) {
	s, err := e.session(dest)
	if err != nil {
		return QueueView{}, err
	}
	var view QueueView
	if now, ok := s.NowPlaying(); ok {
		view.Current = &now
	}
	view.Pending, view.Total = s.QueuePage(page, pageSize)
	return view, nil
}

func (e *Engine) SetVolume(dest string, percent int) error {
	s, err := e.session(dest)
	if err != nil {
		return err
	}
	return s.SetVolume(percent)
}

func (e *Engine) Volume(dest string) (int, error) {
	s, err := e.session(dest)
	if err != nil {
		return 0, err
	}
	return s.Volume(), nil
}

func (e *Engine) Shuffle(dest string) error {
	s, err := e.session(dest)
	if err != nil {
		return err
	}
	return s.Shuffle()
}

func (e *Engine) Remove(dest string, pos, count int) ([]track.Track, error) {
	s, err := e.session(dest)
	if err != nil {
		return nil, err
	}
	return s.Remove(pos, count)
}
