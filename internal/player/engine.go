package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/altheris/kagura/internal/track"
	"github.com/altheris/kagura/internal/utils"
)

// Enqueue appends tracks and, when nothing is playing, drives the first
// transition synchronously so callers see spawn and handshake failures.
func (s *Session) Enqueue(ctx context.Context, tracks ...track.Track) error {
	if len(tracks) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return errors.New("session is gone")
	}
	s.queue = append(s.queue, tracks...)
	s.cancelIdleLocked()
	s.mu.Unlock()

	return s.advance(ctx)
}

// advance runs one playback transition under the per-destination guard.
// Overlapping triggers queue up FIFO behind it; each sees the committed
// state of its predecessor and backs off when there is nothing left to do.
func (s *Session) advance(ctx context.Context) error {
	return s.guard.With(ctx, s.dest, func() error {
		return s.advanceOnce(ctx)
	})
}

func (s *Session) advanceOnce(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed || s.play != nil {
		playing := s.play != nil && !s.destroyed
		s.mu.Unlock()
		if playing {
			// Already playing; make sure the new queue head is warming up.
			s.armPrefetch()
		}
		return nil
	}
	if len(s.queue) == 0 {
		s.current = nil
		s.status = StatusIdle
		s.mu.Unlock()
		s.scheduleIdleTeardown()
		return nil
	}
	next := s.queue[0]
	s.queue = s.queue[1:]
	vol := s.volume
	pf := s.prefetch
	s.prefetch = nil
	s.mu.Unlock()

	stream, err := s.streamFor(ctx, next.URL, vol, pf)
	if err != nil {
		return err
	}

	// Fill enough of the buffer that playback does not stutter at start.
	// A short stream or a slow source resolves this wait on its own.
	if err := stream.WaitMin(ctx, s.cfg.PreBufferBytes, s.cfg.PreBufferTimeout); err != nil {
		stream.Destroy()
		return fmt.Errorf("pre-buffer: %w", err)
	}

	sink, err := s.ensureSink(ctx)
	if err != nil {
		stream.Destroy()
		return err
	}
	if err := sink.WaitReady(ctx, s.cfg.ReadyTimeout); err != nil {
		stream.Destroy()
		return fmt.Errorf("%w: %v", ErrReadyTimeout, err)
	}

	playCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ps := &playSession{
		ctx:    playCtx,
		cancel: cancel,
		stream: stream,
		doneCh: make(chan struct{}),
	}

	s.mu.Lock()
	if s.destroyed || s.play != nil {
		// Another transition won while we were preparing; hand the track
		// back and drop our work.
		if !s.destroyed {
			s.queue = append([]track.Track{next}, s.queue...)
		}
		s.mu.Unlock()
		cancel()
		stream.Destroy()
		return nil
	}
	cur := next
	s.current = &cur
	s.play = ps
	s.status = StatusPlaying
	s.cancelIdleLocked()
	s.mu.Unlock()

	sink.SetPaused(false)
	go s.runPlayback(ps, sink)
	s.armPrefetch()

	slog.Info("playback started", "dest", s.dest, "title", cur.Title, "url", cur.URL)
	return nil
}

// streamFor consumes a matching prefetched pipeline or opens a fresh one.
func (s *Session) streamFor(ctx context.Context, url string, vol int, pf *prefetchEntry) (Stream, error) {
	if pf != nil {
		if pf.url == url {
			return pf.stream, nil
		}
		pf.stream.Destroy()
	}
	stream, err := s.opener.Open(ctx, url, vol)
	if err != nil {
		return nil, fmt.Errorf("open pipeline: %w", err)
	}
	return stream, nil
}

func (s *Session) runPlayback(ps *playSession, sink OutputSink) {
	defer close(ps.doneCh)
	err := sink.Stream(ps.ctx, ps.stream)

	s.mu.Lock()
	if s.play != ps {
		// A newer transition already took over; it owns the state now.
		s.mu.Unlock()
		return
	}
	s.play = nil
	finished := s.current
	s.current = nil
	if s.loopTrack && finished != nil && err == nil {
		s.queue = append([]track.Track{*finished}, s.queue...)
	}
	s.mu.Unlock()

	ps.cancel()
	ps.stream.Destroy()

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("playback ended with error", "dest", s.dest, "err", err)
	}
	s.advanceDraining(context.Background())
}

// advanceDraining drives transitions until one commits or the queue
// drains. A track whose pipeline or sink handshake fails is dropped and
// the next one is tried, so one bad source cannot stall the queue.
func (s *Session) advanceDraining(ctx context.Context) {
	for {
		err := s.advance(ctx)
		if err == nil {
			return
		}
		slog.Error("dropping track after failed transition", "dest", s.dest, "err", err)
		s.mu.Lock()
		stop := s.destroyed || s.play != nil
		s.mu.Unlock()
		if stop {
			return
		}
	}
}

// armPrefetch opens the pipeline for the upcoming track in the background.
// The entry is dropped whenever the queue head or the volume changes.
func (s *Session) armPrefetch() {
	s.mu.Lock()
	if s.destroyed || s.prefetch != nil || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	url := s.queue[0].URL
	vol := s.volume
	s.mu.Unlock()

	go func() {
		stream, err := s.opener.Open(context.Background(), url, vol)
		if err != nil {
			slog.Debug("prefetch open failed", "dest", s.dest, "url", url, "err", err)
			return
		}
		s.mu.Lock()
		stale := s.destroyed || s.prefetch != nil ||
			len(s.queue) == 0 || s.queue[0].URL != url || s.volume != vol
		if stale {
			s.mu.Unlock()
			stream.Destroy()
			return
		}
		s.prefetch = &prefetchEntry{url: url, stream: stream}
		s.mu.Unlock()
	}()
}

func (s *Session) ensureSink(ctx context.Context) (OutputSink, error) {
	s.mu.Lock()
	if s.sink != nil {
		sink := s.sink
		s.mu.Unlock()
		return sink, nil
	}
	s.mu.Unlock()

	sink, err := s.connector.Connect(ctx, s.dest)
	if err != nil {
		return nil, fmt.Errorf("connect sink: %w", err)
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		sink.Destroy()
		return nil, errors.New("session is gone")
	}
	if s.sink != nil {
		existing := s.sink
		s.mu.Unlock()
		sink.Destroy()
		return existing, nil
	}
	s.sink = sink
	s.mu.Unlock()
	return sink, nil
}

func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.play == nil || s.status != StatusPlaying {
		return ErrNoActiveSession
	}
	s.status = StatusPaused
	if s.sink != nil {
		s.sink.SetPaused(true)
	}
	return nil
}

func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.play == nil || s.status != StatusPaused {
		return ErrNoActiveSession
	}
	s.status = StatusPlaying
	if s.sink != nil {
		s.sink.SetPaused(false)
	}
	return nil
}

// Skip drops the current track and starts the next one. With an empty
// queue there is nothing to move to, so the current track keeps playing
// and the call is a no-op.
func (s *Session) Skip(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed || len(s.queue) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.stopPlayLocked()
	s.current = nil
	s.status = StatusIdle
	s.mu.Unlock()

	return s.advance(ctx)
}

// Stop halts playback and clears all pending tracks.
func (s *Session) Stop() error {
	s.mu.Lock()
	hadActive := s.play != nil || s.current != nil || len(s.queue) > 0
	s.stopPlayLocked()
	s.invalidatePrefetchLocked()
	s.queue = nil
	s.current = nil
	s.loopTrack = false
	s.status = StatusIdle
	s.mu.Unlock()

	if !hadActive {
		return ErrNoActiveSession
	}
	s.scheduleIdleTeardown()
	return nil
}

func (s *Session) Shuffle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) < 2 {
		return errors.New("not enough tracks to shuffle")
	}
	utils.ShuffleSlice(s.queue)
	s.invalidatePrefetchLocked()
	return nil
}

// Remove drops count tracks starting at pos (1-based within the upcoming
// queue). Removing the head invalidates the prefetched pipeline.
func (s *Session) Remove(pos, count int) ([]track.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos < 1 {
		return nil, errors.New("position must be at least 1")
	}
	if count < 1 {
		return nil, errors.New("range must be at least 1")
	}
	if len(s.queue) == 0 {
		return nil, errors.New("queue is empty")
	}
	begin := pos - 1
	if begin >= len(s.queue) {
		return nil, errors.New("position out of range")
	}
	end := begin + count
	if end > len(s.queue) {
		end = len(s.queue)
	}
	removed := make([]track.Track, end-begin)
	copy(removed, s.queue[begin:end])
	s.queue = append(s.queue[:begin], s.queue[end:]...)
	if begin == 0 {
		s.invalidatePrefetchLocked()
	}
	return removed, nil
}

// QueuePage returns one page of the upcoming queue plus the total count.
func (s *Session) QueuePage(page, pageSize int) ([]track.Track, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	total := len(s.queue)
	start := (page - 1) * pageSize
	if start >= total {
		return []track.Track{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	out := make([]track.Track, end-start)
	copy(out, s.queue[start:end])
	return out, total
}

// SetVolume stores the level for the next pipeline open; a live transcode
// keeps its baked-in volume.
func (s *Session) SetVolume(percent int) error {
	if percent < 0 || percent > 200 {
		return fmt.Errorf("volume %d out of range 0-200", percent)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if percent != s.volume {
		s.volume = percent
		s.invalidatePrefetchLocked()
	}
	return nil
}

func (s *Session) Volume() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// ToggleLoop flips single-track looping and returns the new value. The
// looped track is re-queued when it finishes naturally.
func (s *Session) ToggleLoop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loopTrack = !s.loopTrack
	return s.loopTrack
}

func (s *Session) Looping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loopTrack
}

func (s *Session) cancelIdleLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// scheduleIdleTeardown arms the disconnect timer once the session went
// idle with an empty queue. Any enqueue before it fires disarms it.
func (s *Session) scheduleIdleTeardown() {
	wait := time.Duration(s.cfg.IdleTimeoutSeconds) * time.Second
	if s.settings != nil {
		if set, err := s.settings.Settings(context.Background(), s.guildID); err == nil && set.SecondsWaitAfterEmpty > 0 {
			wait = time.Duration(set.SecondsWaitAfterEmpty) * time.Second
		}
	}
	if wait <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.play != nil || len(s.queue) > 0 {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(wait, func() {
		s.mu.Lock()
		tearDown := !s.destroyed && s.status == StatusIdle && s.play == nil && len(s.queue) == 0
		sink := s.sink
		if tearDown {
			s.sink = nil
		}
		s.mu.Unlock()

		if !tearDown {
			return
		}
		slog.Info("idle timeout reached, leaving", "dest", s.dest)
		if sink != nil {
			sink.Destroy()
		}
		if s.onIdle != nil {
			s.onIdle(s.dest)
		}
	})
}
