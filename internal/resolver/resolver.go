// Package resolver turns user queries and URLs into ordered lists of Tracks.
// A primary metadata backend is tried first; an external extraction tool in
// info/search mode is the fallback. The resolver never touches playback
// state.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/altheris/kagura/internal/spotify"
	"github.com/altheris/kagura/internal/track"
	"github.com/altheris/kagura/internal/utils"
)

var (
	ErrNoResults     = errors.New("no results found")
	ErrInvalidSource = errors.New("invalid source")
)

const searchLimit = 5

// Candidate is one resolvable media item as reported by a backend.
type Candidate struct {
	Title    string
	URL      string
	Duration time.Duration
	Live     bool
}

// Backend is the primary metadata service. Any method may fail; the
// resolver falls back to the external tool. A nil Backend means "absent".
type Backend interface {
	Search(ctx context.Context, query string, limit int) ([]Candidate, error)
	VideoInfo(ctx context.Context, url string) (Candidate, error)
	PlaylistInfo(ctx context.Context, url string) ([]Candidate, error)
}

// FallbackTool wraps the external extraction tool's info and search modes.
type FallbackTool interface {
	Info(ctx context.Context, url string) (Candidate, error)
	Search(ctx context.Context, query string, limit int) ([]Candidate, error)
}

type Resolver struct {
	backend  Backend
	fallback FallbackTool
	sp       *spotify.Client // nil when not configured

	infoTimeout   time.Duration
	playlistLimit int
}

func New(backend Backend, fallback FallbackTool, sp *spotify.Client, infoTimeout time.Duration, playlistLimit int) *Resolver {
	return &Resolver{
		backend:       backend,
		fallback:      fallback,
		sp:            sp,
		infoTimeout:   infoTimeout,
		playlistLimit: playlistLimit,
	}
}

// Resolve maps a query to tracks. fromSearch is true when the result came
// from free-text search, in which case callers decide between "take the
// first" and "offer the candidates".
func (r *Resolver) Resolve(ctx context.Context, query, requester string) (tracks []track.Track, fromSearch bool, err error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, false, ErrNoResults
	}

	if spotify.IsSpotifyQuery(q) {
		tracks, err = r.resolveSpotify(ctx, q, requester)
		return tracks, false, err
	}

	if strings.HasPrefix(q, "http://") || strings.HasPrefix(q, "https://") {
		u, perr := url.Parse(q)
		if perr != nil || u.Host == "" {
			return nil, false, fmt.Errorf("%w: %s", ErrInvalidSource, q)
		}
		if u.Query().Get("list") != "" {
			tracks, err = r.resolvePlaylist(ctx, q, requester)
			return tracks, false, err
		}
		tracks, err = r.resolveURL(ctx, q, requester)
		return tracks, false, err
	}

	if strings.Contains(q, "://") {
		// A scheme we do not speak (ftp:, file:, ...).
		return nil, false, fmt.Errorf("%w: %s", ErrInvalidSource, q)
	}

	tracks, err = r.resolveSearch(ctx, q, requester)
	return tracks, true, err
}

func (r *Resolver) resolveURL(ctx context.Context, q, requester string) ([]track.Track, error) {
	if r.backend != nil {
		if c, err := r.backend.VideoInfo(ctx, q); err == nil {
			return []track.Track{r.toTrack(c, requester)}, nil
		} else {
			slog.Debug("primary backend video info failed, falling back", "url", q, "err", err)
		}
	}

	infoCtx, cancel := context.WithTimeout(ctx, r.infoTimeout)
	defer cancel()
	c, err := r.fallback.Info(infoCtx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoResults, q)
	}
	return []track.Track{r.toTrack(c, requester)}, nil
}

// resolvePlaylist expands a playlist URL; expansion failure is non-fatal and
// degrades to single-URL resolution.
func (r *Resolver) resolvePlaylist(ctx context.Context, q, requester string) ([]track.Track, error) {
	if r.backend != nil {
		cs, err := r.backend.PlaylistInfo(ctx, q)
		if err == nil && len(cs) > 0 {
			if r.playlistLimit > 0 && len(cs) > r.playlistLimit {
				cs = cs[:r.playlistLimit]
			}
			out := make([]track.Track, 0, len(cs))
			for _, c := range cs {
				out = append(out, r.toTrack(c, requester))
			}
			return out, nil
		}
		if err != nil {
			slog.Debug("playlist expansion failed, treating as single track", "url", q, "err", err)
		}
	}
	return r.resolveURL(ctx, q, requester)
}

func (r *Resolver) resolveSearch(ctx context.Context, q, requester string) ([]track.Track, error) {
	var cs []Candidate
	if r.backend != nil {
		var err error
		cs, err = r.backend.Search(ctx, q, searchLimit)
		if err != nil {
			slog.Debug("primary backend search failed, falling back", "query", q, "err", err)
			cs = nil
		}
	}
	if len(cs) == 0 {
		searchCtx, cancel := context.WithTimeout(ctx, r.infoTimeout)
		defer cancel()
		var err error
		cs, err = r.fallback.Search(searchCtx, q, searchLimit)
		if err != nil || len(cs) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoResults, q)
		}
	}
	if len(cs) > searchLimit {
		cs = cs[:searchLimit]
	}
	out := make([]track.Track, 0, len(cs))
	for _, c := range cs {
		out = append(out, r.toTrack(c, requester))
	}
	return out, nil
}

func (r *Resolver) resolveSpotify(ctx context.Context, q, requester string) ([]track.Track, error) {
	if r.sp == nil {
		return nil, fmt.Errorf("%w: spotify is not configured", ErrInvalidSource)
	}
	typ, id, err := spotify.ParseID(q)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	entries, err := r.sp.Entries(ctx, typ, id, r.playlistLimit)
	if err != nil {
		return nil, fmt.Errorf("spotify lookup: %w", err)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoResults, q)
	}

	var out []track.Track
	for _, e := range entries {
		query := strings.TrimSpace(e.Name + " " + e.Artist)
		ts, serr := r.resolveSearch(ctx, query, requester)
		if serr != nil {
			slog.Debug("spotify entry not found", "name", e.Name, "artist", e.Artist)
			continue
		}
		out = append(out, ts[0])
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoResults, q)
	}
	return out, nil
}

func (r *Resolver) toTrack(c Candidate, requester string) track.Track {
	dur := "live"
	if !c.Live {
		dur = utils.PrettyTime(int(c.Duration.Seconds()))
	}
	return track.Track{
		Title:       c.Title,
		URL:         c.URL,
		Duration:    dur,
		RequestedBy: requester,
	}
}
