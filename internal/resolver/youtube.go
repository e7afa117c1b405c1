package resolver

import (
	"context"
	"fmt"
	"time"

	"github.com/kkdai/youtube/v2"
	"github.com/raitonoberu/ytsearch"
)

// YouTubeBackend resolves metadata through the innertube API without
// spawning a subprocess.
type YouTubeBackend struct {
	client youtube.Client
}

func NewYouTubeBackend() *YouTubeBackend {
	return &YouTubeBackend{}
}

func watchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

func (b *YouTubeBackend) Search(ctx context.Context, query string, limit int) ([]Candidate, error) {
	search := ytsearch.VideoSearch(query)
	results, err := search.Next()
	if err != nil {
		return nil, fmt.Errorf("video search: %w", err)
	}
	out := make([]Candidate, 0, limit)
	for _, v := range results.Videos {
		if len(out) >= limit {
			break
		}
		out = append(out, Candidate{
			Title:    v.Title,
			URL:      watchURL(v.ID),
			Duration: time.Duration(v.Duration) * time.Second,
			Live:     v.Duration == 0,
		})
	}
	return out, nil
}

func (b *YouTubeBackend) VideoInfo(ctx context.Context, url string) (Candidate, error) {
	video, err := b.client.GetVideoContext(ctx, url)
	if err != nil {
		return Candidate{}, fmt.Errorf("video info: %w", err)
	}
	return Candidate{
		Title:    video.Title,
		URL:      watchURL(video.ID),
		Duration: video.Duration,
		Live:     video.Duration == 0,
	}, nil
}

func (b *YouTubeBackend) PlaylistInfo(ctx context.Context, url string) ([]Candidate, error) {
	pl, err := b.client.GetPlaylistContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("playlist info: %w", err)
	}
	out := make([]Candidate, 0, len(pl.Videos))
	for _, entry := range pl.Videos {
		out = append(out, Candidate{
			Title:    entry.Title,
			URL:      watchURL(entry.ID),
			Duration: entry.Duration,
			Live:     entry.Duration == 0,
		})
	}
	return out, nil
}
