package player

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/altheris/kagura/internal/config"
	"github.com/altheris/kagura/internal/guard"
	"github.com/altheris/kagura/internal/track"
	"github.com/altheris/kagura/internal/voice"
)

type Status int

const (
	StatusIdle Status = iota
	StatusPlaying
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusPlaying:
		return "playing"
	case StatusPaused:
		return "paused"
	default:
		return "idle"
	}
}

const DefaultVolume = 50

// Session owns playback state for one destination. All mutable state sits
// behind mu; the advance loop is additionally serialized by the guard so
// that racing triggers collapse into a single transition.
type Session struct {
	dest    string
	guildID string

	cfg       *config.Config
	opener    PipelineOpener
	connector SinkConnector
	settings  SettingsSource
	guard     *guard.Guard
	onIdle    func(dest string)

	mu        sync.Mutex
	status    Status
	queue     []track.Track
	current   *track.Track
	loopTrack bool
	volume    int
	sink      OutputSink
	play      *playSession
	prefetch  *prefetchEntry
	idleTimer *time.Timer
	destroyed bool
}

// playSession is one running pipeline-to-sink transfer. It is identified by
// pointer: state transitions compare s.play against the session they belong
// to and back off when another transition got there first.
type playSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream Stream
	doneCh chan struct{}
}

type prefetchEntry struct {
	url    string
	stream Stream
}

func NewSession(cfg *config.Config, opener PipelineOpener, connector SinkConnector, settings SettingsSource, g *guard.Guard, dest string) *Session {
	guildID, _, err := voice.SplitDestination(dest)
	if err != nil {
		guildID = dest
	}
	s := &Session{
		dest:      dest,
		guildID:   guildID,
		cfg:       cfg,
		opener:    opener,
		connector: connector,
		settings:  settings,
		guard:     g,
		status:    StatusIdle,
		volume:    DefaultVolume,
	}
	if settings != nil {
		if set, err := settings.Settings(context.Background(), guildID); err == nil && set.DefaultVolume > 0 {
			s.volume = set.DefaultVolume
		}
	}
	return s
}

func (s *Session) Destination() string { return s.dest }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) NowPlaying() (track.Track, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return track.Track{}, false
	}
	return *s.current, true
}

func (s *Session) QueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// stopPlayLocked detaches and cancels the running play session, if any.
// Caller must hold s.mu; the lock is released while waiting for the
// transfer goroutine to wind down.
func (s *Session) stopPlayLocked() {
	if s.play == nil {
		return
	}
	ps := s.play
	s.play = nil

	ps.cancel()
	ps.stream.Destroy()

	done := ps.doneCh
	s.mu.Unlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		slog.Warn("playback goroutine did not stop in time", "dest", s.dest)
	}
	s.mu.Lock()
}

func (s *Session) invalidatePrefetchLocked() {
	if s.prefetch == nil {
		return
	}
	pf := s.prefetch
	s.prefetch = nil
	if pf.stream != nil {
		pf.stream.Destroy()
	}
}

// Destroy tears the whole session down: playback, prefetch, sink.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.stopPlayLocked()
	s.invalidatePrefetchLocked()
	s.cancelIdleLocked()
	s.queue = nil
	s.current = nil
	s.status = StatusIdle
	sink := s.sink
	s.sink = nil
	s.mu.Unlock()

	if sink != nil {
		sink.Destroy()
	}
}
