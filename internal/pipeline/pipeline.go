// Package pipeline spawns the extractor and transcoder subprocess chain and
// exposes its output as a bounded, backpressured byte stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/altheris/kagura/internal/config"
)

// SpawnError reports a child process that failed to start.
type SpawnError struct {
	Process string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Process, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Stream is the buffered ogg/opus output of a running pipeline. It is safe
// to Destroy concurrently with reads; reads then fail and both child
// processes are killed.
type Stream struct {
	buf    *Buffer
	cancel context.CancelFunc

	extractor  *exec.Cmd
	transcoder *exec.Cmd

	destroyOnce sync.Once
}

type Opener struct {
	cfg *config.Config
}

func NewOpener(cfg *config.Config) *Opener {
	return &Opener{cfg: cfg}
}

// Open starts the extractor (lowest-bitrate audio-only, no playlist
// expansion) piped into the transcoder (strip video, resample, fixed-bitrate
// opus in an ogg container). volumePercent scales gain at encode time;
// 100 is unity.
func (o *Opener) Open(ctx context.Context, sourceURL string, volumePercent int) (*Stream, error) {
	// The stream's lifetime is owned by Destroy, not the caller's context:
	// prefetched pipelines outlive the enqueue call that started them.
	ctx2, cancel := context.WithCancel(context.WithoutCancel(ctx))

	extract := exec.CommandContext(ctx2, o.cfg.YtdlpPath,
		"-o", "-",
		"-f", "worstaudio/worst",
		"--no-playlist",
		"-N", "4",
		"--buffer-size", "16K",
		"--no-warnings",
		"-q",
		sourceURL,
	)

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-vn",
		"-map", "0:a",
		"-acodec", "libopus",
		"-ar", fmt.Sprint(o.cfg.SampleRate),
		"-ac", fmt.Sprint(o.cfg.Channels),
		"-b:a", fmt.Sprint(o.cfg.BitrateBps),
		"-application", "audio",
		"-frame_duration", "20",
	}
	if volumePercent != 100 {
		args = append(args, "-filter:a", fmt.Sprintf("volume=%.2f", float64(volumePercent)/100))
	}
	args = append(args, "-f", "ogg", "pipe:1")
	transcode := exec.CommandContext(ctx2, o.cfg.FFmpegPath, args...)

	mediaOut, err := extract.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &SpawnError{Process: "extractor", Err: err}
	}
	transcode.Stdin = mediaOut

	oggOut, err := transcode.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &SpawnError{Process: "transcoder", Err: err}
	}

	if err := extract.Start(); err != nil {
		cancel()
		return nil, &SpawnError{Process: "extractor", Err: err}
	}
	if err := transcode.Start(); err != nil {
		_ = extract.Process.Kill()
		_ = extract.Wait()
		cancel()
		return nil, &SpawnError{Process: "transcoder", Err: err}
	}

	s := &Stream{
		buf:        NewBuffer(o.cfg.BufferHighWater),
		cancel:     cancel,
		extractor:  extract,
		transcoder: transcode,
	}

	// A dying extractor closes the transcoder's stdin, which is a graceful
	// end of stream, not an error; log and move on.
	go func() {
		if err := extract.Wait(); err != nil && !benignTeardownErr(err) {
			slog.Debug("extractor exited", "url", sourceURL, "err", err)
		}
	}()

	go func() {
		_, copyErr := io.Copy(s.buf, oggOut)
		waitErr := transcode.Wait()
		if benignTeardownErr(copyErr) {
			copyErr = nil
		}
		if benignTeardownErr(waitErr) {
			waitErr = nil
		}
		if copyErr == nil {
			copyErr = waitErr
		}
		s.buf.CloseWrite(copyErr)
	}()

	return s, nil
}

func (s *Stream) Read(p []byte) (int, error) { return s.buf.Read(p) }

func (s *Stream) Buffered() int { return s.buf.Buffered() }

// WaitMin is the pre-buffer gate; see Buffer.WaitMin.
func (s *Stream) WaitMin(ctx context.Context, min int, timeout time.Duration) error {
	return s.buf.WaitMin(ctx, min, timeout)
}

// Destroy kills both child processes and releases the buffer. It is the
// single place where teardown-time pipe errors are absorbed.
func (s *Stream) Destroy() {
	s.destroyOnce.Do(func() {
		s.cancel()
		if s.extractor.Process != nil {
			_ = s.extractor.Process.Kill()
		}
		if s.transcoder.Process != nil {
			_ = s.transcoder.Process.Kill()
		}
		s.buf.Close()
	})
}

// benignTeardownErr reports errors that are expected when either side of the
// pipe goes away first: broken pipes, closed files, and kill signals.
func benignTeardownErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "file already closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "signal: killed")
}
