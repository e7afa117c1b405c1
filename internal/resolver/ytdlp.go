package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ytdlp "github.com/lrstanley/go-ytdlp"
)

// InfoCache stores resolved metadata keyed by URL so repeated enqueues of
// the same source skip the external tool entirely.
type InfoCache interface {
	GetJSON(ctx context.Context, key string, v any) (bool, error)
	PutJSON(ctx context.Context, key string, v any) error
}

// YtdlpTool shells out to yt-dlp in JSON dump mode. It is the fallback for
// sources the primary backend cannot handle.
type YtdlpTool struct {
	cache InfoCache // nil disables caching

	installOnce sync.Once
}

func NewYtdlpTool(cache InfoCache) *YtdlpTool {
	return &YtdlpTool{cache: cache}
}

// helpers to safely read pointer fields with defaults
func s(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func f(ptr *float64) float64 {
	if ptr == nil {
		return 0
	}
	return *ptr
}

func b(ptr *bool) bool {
	if ptr == nil {
		return false
	}
	return *ptr
}

func (t *YtdlpTool) ensureInstalled(ctx context.Context) {
	t.installOnce.Do(func() {
		ytdlp.MustInstall(ctx, nil)
	})
}

func (t *YtdlpTool) Info(ctx context.Context, url string) (Candidate, error) {
	key := "ytdlp:info:" + url
	if t.cache != nil {
		var c Candidate
		if ok, err := t.cache.GetJSON(ctx, key, &c); err == nil && ok {
			return c, nil
		}
	}

	cs, err := t.dump(ctx, url, 1)
	if err != nil {
		return Candidate{}, err
	}
	if len(cs) == 0 {
		return Candidate{}, fmt.Errorf("yt-dlp: no info returned for %s", url)
	}
	c := cs[0]
	if t.cache != nil {
		if err := t.cache.PutJSON(ctx, key, c); err != nil {
			slog.Debug("info cache write failed", "key", key, "err", err)
		}
	}
	return c, nil
}

func (t *YtdlpTool) Search(ctx context.Context, query string, limit int) ([]Candidate, error) {
	return t.dump(ctx, fmt.Sprintf("ytsearch%d:%s", limit, query), limit)
}

func (t *YtdlpTool) dump(ctx context.Context, target string, limit int) ([]Candidate, error) {
	t.ensureInstalled(ctx)

	cmd := ytdlp.New().
		Format("ba[acodec^=opus]/ba[ext=m4a]/bestaudio/best").
		NoCheckCertificates().
		DumpJSON()

	res, err := cmd.Run(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("yt-dlp run: %w", err)
	}

	infos, err := res.GetExtractedInfo()
	if err != nil {
		return nil, fmt.Errorf("parse yt-dlp json: %w", err)
	}
	if len(infos) == 0 || infos[0] == nil {
		return nil, fmt.Errorf("parse yt-dlp json: no info returned")
	}
	ext := infos[0]

	// Playlist/search container
	if len(ext.Entries) > 0 {
		out := make([]Candidate, 0, limit)
		for _, e := range ext.Entries {
			if e == nil {
				continue
			}
			if len(out) >= limit {
				break
			}
			out = append(out, extractedCandidate(e))
		}
		return out, nil
	}

	return []Candidate{extractedCandidate(ext)}, nil
}

func extractedCandidate(e *ytdlp.ExtractedInfo) Candidate {
	url := s(e.WebpageURL)
	if url == "" {
		url = s(e.URL)
	}
	return Candidate{
		Title:    s(e.Title),
		URL:      url,
		Duration: time.Duration(f(e.Duration)) * time.Second,
		Live:     b(e.IsLive),
	}
}
