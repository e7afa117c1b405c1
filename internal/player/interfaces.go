package player

import (
	"context"
	"io"
	"time"
)

// Stream is one open transcode pipeline. Reads consume buffered audio;
// Destroy kills the underlying processes and releases the buffer.
type Stream interface {
	io.Reader
	Buffered() int
	WaitMin(ctx context.Context, min int, timeout time.Duration) error
	Destroy()
}

// PipelineOpener spawns a pipeline for a source URL. The volume percent is
// baked into the transcode, so it applies from the start of the stream.
type PipelineOpener interface {
	Open(ctx context.Context, sourceURL string, volumePercent int) (Stream, error)
}

// OutputSink is the downstream consumer of transcoded audio, one voice
// connection in practice.
type OutputSink interface {
	WaitReady(ctx context.Context, timeout time.Duration) error
	Stream(ctx context.Context, src io.Reader) error
	SetPaused(paused bool)
	Destroy()
}

// SinkConnector establishes a sink for a destination id.
type SinkConnector interface {
	Connect(ctx context.Context, dest string) (OutputSink, error)
}

// Settings are the per-guild knobs the session consults.
type Settings struct {
	DefaultVolume         int
	SecondsWaitAfterEmpty int
	QueuePageSize         int
	PlaylistLimit         int
}

// SettingsSource loads guild settings. Implementations may block.
type SettingsSource interface {
	Settings(ctx context.Context, guildID string) (Settings, error)
}
