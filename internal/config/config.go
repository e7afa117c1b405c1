package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// Config holds all process-level settings. Playback tuning values are
// deliberately configuration rather than constants; the defaults match what
// smooth playback needs at the fixed encode bitrate.
type Config struct {
	DiscordToken string `env:"DISCORD_TOKEN, required"`

	DataDir  string `env:"DATA_DIR, default=./data"`
	CacheDir string `env:"-"`

	CacheLimitBytes int64 `env:"CACHE_LIMIT, default=2147483648"`

	SpotifyClientID     string `env:"SPOTIFY_CLIENT_ID"`
	SpotifyClientSecret string `env:"SPOTIFY_CLIENT_SECRET"`

	RegisterCommandsOnBot bool `env:"REGISTER_COMMANDS_ON_BOT, default=false"`

	// Transcode parameters. These feed the ffmpeg argument list and are not
	// user-facing.
	SampleRate int `env:"SAMPLE_RATE, default=48000"`
	Channels   int `env:"CHANNELS, default=2"`
	BitrateBps int `env:"BITRATE, default=64000"`

	// PreBufferBytes is the minimum buffered before audible start;
	// PreBufferTimeout caps how long we wait for it.
	PreBufferBytes   int           `env:"PREBUFFER_BYTES, default=1048576"`
	PreBufferTimeout time.Duration `env:"PREBUFFER_TIMEOUT, default=15s"`

	// ReadyTimeout caps the wait for the voice transport to become ready.
	ReadyTimeout time.Duration `env:"READY_TIMEOUT, default=15s"`

	// BufferHighWater bounds the transcoded byte buffer per pipeline.
	BufferHighWater int `env:"BUFFER_HIGH_WATER, default=4194304"`

	// ResolveInfoTimeout bounds a single fallback yt-dlp info/search run.
	ResolveInfoTimeout time.Duration `env:"RESOLVE_INFO_TIMEOUT, default=20s"`

	// IdleTimeoutSeconds is the default silence period before an empty
	// session is torn down; per-guild settings override it. 0 disables.
	IdleTimeoutSeconds int `env:"IDLE_TIMEOUT_SECONDS, default=30"`

	YtdlpPath  string `env:"YTDLP_PATH, default=yt-dlp"`
	FFmpegPath string `env:"FFMPEG_PATH, default=ffmpeg"`
}

func Load(ctx context.Context) (*Config, error) {
	// Best effort; a missing .env just means plain environment variables.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}

	cfg.CacheDir = filepath.Join(cfg.DataDir, "cache")
	for _, dir := range []string{cfg.DataDir, cfg.CacheDir, filepath.Join(cfg.CacheDir, "tmp")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &cfg, nil
}
