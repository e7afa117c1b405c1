package handlers

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/altheris/kagura/internal/cache"
	"github.com/altheris/kagura/internal/config"
	"github.com/altheris/kagura/internal/pipeline"
	"github.com/altheris/kagura/internal/player"
	"github.com/altheris/kagura/internal/repository"
	"github.com/altheris/kagura/internal/resolver"
	"github.com/altheris/kagura/internal/spotify"
	"github.com/altheris/kagura/internal/voice"
)

type Bot struct {
	cfg   *config.Config
	repo  *repository.Repo
	cache *cache.FileCache
}

func NewBot(cfg *config.Config, repo *repository.Repo, cache *cache.FileCache) *Bot {
	return &Bot{cfg: cfg, repo: repo, cache: cache}
}

func (b *Bot) Run(ctx context.Context) error {
	dg, err := discordgo.New("Bot " + b.cfg.DiscordToken)
	if err != nil {
		return err
	}
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	var sp *spotify.Client
	if b.cfg.SpotifyClientID != "" && b.cfg.SpotifyClientSecret != "" {
		sp, err = spotify.NewClientCredentials(b.cfg.SpotifyClientID, b.cfg.SpotifyClientSecret)
		if err != nil {
			slog.Warn("spotify client init failed, spotify links disabled", "err", err)
			sp = nil
		}
	}

	res := resolver.New(
		resolver.NewYouTubeBackend(),
		resolver.NewYtdlpTool(b.cache),
		sp,
		b.cfg.ResolveInfoTimeout,
		50,
	)
	registry := player.NewRegistry(
		b.cfg,
		pipelineOpener{opener: pipeline.NewOpener(b.cfg)},
		sinkConnector{conn: voice.NewConnector(dg)},
		settingsSource{repo: b.repo},
	)
	cmd := NewCommandHandler(b.cfg, b.repo, registry, res)

	dg.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		slog.Info("connected", "user", s.State.User.Username)
		appID := s.State.User.ID

		if b.cfg.RegisterCommandsOnBot {
			if err := cmd.RegisterCommands(s, appID, ""); err != nil {
				slog.Error("register global commands", "err", err)
			} else {
				slog.Info("registered global application commands")
			}
			return
		}

		var wg sync.WaitGroup
		for _, g := range s.State.Guilds {
			wg.Add(1)
			go func(guildID string) {
				defer wg.Done()
				if err := cmd.RegisterCommands(s, appID, guildID); err != nil {
					slog.Error("register guild commands", "guild", guildID, "err", err)
				}
			}(g.ID)
		}
		wg.Wait()

		if _, err := s.ApplicationCommandBulkOverwrite(appID, "", []*discordgo.ApplicationCommand{}); err != nil {
			slog.Error("clear global commands", "err", err)
		}
		slog.Info("registered commands on all guilds")
	})

	dg.AddHandler(func(s *discordgo.Session, g *discordgo.GuildCreate) {
		if b.cfg.RegisterCommandsOnBot {
			return
		}
		appID := s.State.User.ID
		if err := cmd.RegisterCommands(s, appID, g.ID); err != nil {
			slog.Error("register guild commands on join", "guild", g.ID, "err", err)
		}
	})

	dg.AddHandler(cmd.HandleInteraction)

	if err := dg.Open(); err != nil {
		return err
	}
	defer dg.Close()

	<-ctx.Done()
	registry.DestroyAll()
	return nil
}
