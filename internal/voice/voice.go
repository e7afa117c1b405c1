// Package voice delivers opus packets from a transcoded stream into a
// Discord voice connection.
package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/jonas747/ogg"
)

const (
	frameDuration = 20 * time.Millisecond
	sendTimeout   = time.Second
)

// Connector joins voice channels and hands back sinks. Destination ids are
// opaque "guildID:channelID" strings.
type Connector struct {
	session *discordgo.Session
}

func NewConnector(session *discordgo.Session) *Connector {
	return &Connector{session: session}
}

func SplitDestination(dest string) (guildID, channelID string, err error) {
	guildID, channelID, ok := strings.Cut(dest, ":")
	if !ok || guildID == "" || channelID == "" {
		return "", "", fmt.Errorf("malformed destination %q", dest)
	}
	return guildID, channelID, nil
}

func (c *Connector) Connect(ctx context.Context, dest string) (*Sink, error) {
	guildID, channelID, err := SplitDestination(dest)
	if err != nil {
		return nil, err
	}

	vc, err := c.session.ChannelVoiceJoin(guildID, channelID, false, true)
	if err != nil {
		return nil, fmt.Errorf("voice join: %w", err)
	}

	// This prevents the panic in Kill() when channels are closed
	if vc.OpusSend == nil {
		vc.OpusSend = make(chan []byte, 2)
	}
	if vc.OpusRecv == nil {
		vc.OpusRecv = make(chan *discordgo.Packet, 2)
	}

	return &Sink{vc: vc, guildID: guildID}, nil
}

// Sink owns one voice connection. Stream may be called repeatedly on the
// same sink; Destroy tears the connection down.
type Sink struct {
	vc      *discordgo.VoiceConnection
	guildID string

	mu        sync.Mutex
	paused    bool
	destroyed bool
}

// WaitReady blocks until the voice handshake completes.
func (s *Sink) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		s.vc.RLock()
		ready := s.vc.Ready
		s.vc.RUnlock()
		if ready {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.New("voice connection was not ready in time")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Stream demuxes the ogg container from src and paces one opus packet onto
// the wire per frame interval. It returns nil when src is exhausted.
func (s *Sink) Stream(ctx context.Context, src io.Reader) error {
	if err := s.vc.Speaking(true); err != nil {
		return fmt.Errorf("set speaking: %w", err)
	}
	defer func() {
		_ = s.vc.Speaking(false)
	}()

	decoder := ogg.NewPacketDecoder(ogg.NewDecoder(src))

	// Skip the first 2 ogg metadata packets (opus head and tags).
	skip := 2

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		if err := s.waitWhilePaused(ctx); err != nil {
			return err
		}

		packet, _, err := decoder.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("ogg decode: %w", err)
		}
		if skip > 0 {
			skip--
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		select {
		case s.vc.OpusSend <- packet:
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sendTimeout):
			return errors.New("opus send timed out")
		}
	}
}

func (s *Sink) waitWhilePaused(ctx context.Context) error {
	for {
		s.mu.Lock()
		paused, destroyed := s.paused, s.destroyed
		s.mu.Unlock()
		if destroyed {
			return io.ErrClosedPipe
		}
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (s *Sink) SetPaused(paused bool) {
	s.mu.Lock()
	s.paused = paused
	s.mu.Unlock()
}

func (s *Sink) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Destroy stops speaking and leaves the channel. Safe to call more than
// once.
func (s *Sink) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("voice disconnect panic recovered", "panic", r, "guild_id", s.guildID)
		}
	}()

	// Ensure channels exist before disconnecting so the library's close
	// path does not panic on nil channels.
	if s.vc.OpusSend == nil {
		s.vc.OpusSend = make(chan []byte, 2)
	}
	if s.vc.OpusRecv == nil {
		s.vc.OpusRecv = make(chan *discordgo.Packet, 2)
	}

	_ = s.vc.Speaking(false)

	if err := s.vc.Disconnect(); err != nil {
		slog.Debug("voice disconnect", "guild_id", s.guildID, "err", err)
	}
}
