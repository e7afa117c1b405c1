// Package spotify resolves Spotify URLs and URIs to plain name/artist pairs
// that the track resolver turns into search queries. The engine never streams
// from Spotify itself.
package spotify

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2/clientcredentials"
)

type Entry struct {
	Name   string
	Artist string
}

type Client struct {
	raw *spotify.Client
}

func NewClientCredentials(clientID, clientSecret string) (*Client, error) {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     spotifyauth.TokenURL,
	}
	httpClient := cfg.Client(context.Background())
	return &Client{raw: spotify.New(httpClient, spotify.WithRetry(true))}, nil
}

// IsSpotifyQuery reports whether q refers to Spotify at all.
func IsSpotifyQuery(q string) bool {
	return strings.HasPrefix(q, "spotify:") || strings.Contains(q, "open.spotify.com")
}

// ParseID extracts the resource type and id from a spotify: URI or an
// open.spotify.com URL.
func ParseID(raw string) (typ string, id spotify.ID, err error) {
	if strings.HasPrefix(raw, "spotify:") {
		parts := strings.Split(raw, ":")
		if len(parts) == 3 {
			return parts[1], spotify.ID(parts[2]), nil
		}
		return "", "", fmt.Errorf("invalid spotify URI")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Host != "open.spotify.com" && u.Host != "www.open.spotify.com" {
		return "", "", fmt.Errorf("not a spotify URL")
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("invalid spotify URL path")
	}
	switch parts[0] {
	case "album", "playlist", "track":
		return parts[0], spotify.ID(parts[1]), nil
	}
	return "", "", fmt.Errorf("unsupported spotify type %q", parts[0])
}

// Entries expands a parsed Spotify reference into its member tracks, capped
// at limit when limit > 0.
func (c *Client) Entries(ctx context.Context, typ string, id spotify.ID, limit int) ([]Entry, error) {
	switch typ {
	case "track":
		t, err := c.raw.GetTrack(ctx, id)
		if err != nil {
			return nil, err
		}
		return []Entry{fullTrackEntry(t)}, nil
	case "album":
		return c.albumEntries(ctx, id, limit)
	case "playlist":
		return c.playlistEntries(ctx, id, limit)
	}
	return nil, fmt.Errorf("unsupported spotify type %q", typ)
}

func (c *Client) albumEntries(ctx context.Context, id spotify.ID, limit int) ([]Entry, error) {
	page, err := c.raw.GetAlbumTracks(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for {
		for _, t := range page.Tracks {
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
			out = append(out, Entry{Name: t.Name, Artist: firstArtist(t.Artists)})
		}
		if page.Next == "" {
			return out, nil
		}
		if err := c.raw.NextPage(ctx, page); err != nil {
			return out, nil
		}
	}
}

func (c *Client) playlistEntries(ctx context.Context, id spotify.ID, limit int) ([]Entry, error) {
	page, err := c.raw.GetPlaylistItems(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for {
		for _, it := range page.Items {
			if it.Track.Track == nil {
				continue
			}
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
			out = append(out, fullTrackEntry(it.Track.Track))
		}
		if page.Next == "" {
			return out, nil
		}
		if err := c.raw.NextPage(ctx, page); err != nil {
			return out, nil
		}
	}
}

func fullTrackEntry(t *spotify.FullTrack) Entry {
	return Entry{Name: t.Name, Artist: firstArtist(t.Artists)}
}

func firstArtist(artists []spotify.SimpleArtist) string {
	if len(artists) == 0 {
		return ""
	}
	return artists[0].Name
}
