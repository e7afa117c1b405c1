package handlers

import (
	"context"

	"github.com/altheris/kagura/internal/pipeline"
	"github.com/altheris/kagura/internal/player"
	"github.com/altheris/kagura/internal/repository"
	"github.com/altheris/kagura/internal/voice"
)

// Thin adapters so the player package depends on interfaces, not on the
// pipeline, voice, or repository implementations. Each returns an explicit
// nil interface on error to avoid typed-nil surprises.

type pipelineOpener struct {
	opener *pipeline.Opener
}

func (p pipelineOpener) Open(ctx context.Context, sourceURL string, volumePercent int) (player.Stream, error) {
	st, err := p.opener.Open(ctx, sourceURL, volumePercent)
	if err != nil {
		return nil, err
	}
	return st, nil
}

type sinkConnector struct {
	conn *voice.Connector
}

func (c sinkConnector) Connect(ctx context.Context, dest string) (player.OutputSink, error) {
	sink, err := c.conn.Connect(ctx, dest)
	if err != nil {
		return nil, err
	}
	return sink, nil
}

type settingsSource struct {
	repo *repository.Repo
}

func (s settingsSource) Settings(ctx context.Context, guildID string) (player.Settings, error) {
	set, err := s.repo.UpsertSettings(ctx, guildID)
	if err != nil {
		return player.Settings{}, err
	}
	return player.Settings{
		DefaultVolume:         set.DefaultVolume,
		SecondsWaitAfterEmpty: set.SecondsWaitAfterEmpty,
		QueuePageSize:         set.DefaultQueuePageSize,
		PlaylistLimit:         set.PlaylistLimit,
	}, nil
}
