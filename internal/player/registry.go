package player

import (
	"strings"
	"sync"

	"github.com/altheris/kagura/internal/config"
	"github.com/altheris/kagura/internal/guard"
)

// Registry maps destination ids to live sessions. Sessions remove
// themselves after idle teardown.
type Registry struct {
	cfg       *config.Config
	opener    PipelineOpener
	connector SinkConnector
	settings  SettingsSource
	guard     *guard.Guard

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(cfg *config.Config, opener PipelineOpener, connector SinkConnector, settings SettingsSource) *Registry {
	return &Registry{
		cfg:       cfg,
		opener:    opener,
		connector: connector,
		settings:  settings,
		guard:     guard.New(),
		sessions:  make(map[string]*Session),
	}
}

func (r *Registry) GetOrCreate(dest string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[dest]; ok {
		return s
	}
	s := NewSession(r.cfg, r.opener, r.connector, r.settings, r.guard, dest)
	s.onIdle = r.remove
	r.sessions[dest] = s
	return s
}

// Peek returns the session for dest without creating one.
func (r *Registry) Peek(dest string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[dest]
}

// FindByGuild returns the live session whose destination belongs to
// guildID, if any. A guild has at most one at a time in practice.
func (r *Registry) FindByGuild(guildID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := guildID + ":"
	for dest, s := range r.sessions {
		if strings.HasPrefix(dest, prefix) {
			return s
		}
	}
	return nil
}

func (r *Registry) remove(dest string) {
	r.mu.Lock()
	delete(r.sessions, dest)
	r.mu.Unlock()
}

// Destroy tears down the session for dest, if any.
func (r *Registry) Destroy(dest string) {
	r.mu.Lock()
	s := r.sessions[dest]
	delete(r.sessions, dest)
	r.mu.Unlock()
	if s != nil {
		s.Destroy()
	}
}

// DestroyAll tears down every live session, used at shutdown.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Destroy()
	}
}
