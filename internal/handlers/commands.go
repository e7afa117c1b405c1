package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/altheris/kagura/internal/config"
	"github.com/altheris/kagura/internal/player"
	"github.com/altheris/kagura/internal/repository"
	"github.com/altheris/kagura/internal/resolver"
	"github.com/altheris/kagura/internal/utils"
)

type CommandHandler struct {
	cfg      *config.Config
	repo     *repository.Repo
	registry *player.Registry
	engine   *player.Engine
}

func NewCommandHandler(cfg *config.Config, repo *repository.Repo, registry *player.Registry, res *resolver.Resolver) *CommandHandler {
	return &CommandHandler{
		cfg:      cfg,
		repo:     repo,
		registry: registry,
		engine:   player.NewEngine(registry, res),
	}
}

var minVolume float64

func (h *CommandHandler) RegisterCommands(s *discordgo.Session, appID string, guildID string) error {
	start := time.Now()
	slog.Info("registering application commands", "appID", appID, "guildID", guildID)

	cmds := []*discordgo.ApplicationCommand{
		{
			Name:        "play",
			Description: "Play a track (URL, playlist, Spotify link, or search)",
			Options: []*discordgo.ApplicationCommandOption{
				{Name: "query", Description: "query or URL", Type: discordgo.ApplicationCommandOptionString, Required: true},
			},
		},
		{Name: "pause", Description: "Pause the current track"},
		{Name: "resume", Description: "Resume playback"},
		{Name: "skip", Description: "Skip to the next track"},
		{Name: "stop", Description: "Stop playback and clear the queue"},
		{Name: "now-playing", Description: "Show the current track"},
		{Name: "loop", Description: "Toggle looping the current track"},
		{Name: "shuffle", Description: "Shuffle the queue"},
		{Name: "disconnect", Description: "Leave the voice channel"},
		{
			Name:        "queue",
			Description: "Show the queue",
			Options: []*discordgo.ApplicationCommandOption{
				{Name: "page", Description: "page to show [default: 1]", Type: discordgo.ApplicationCommandOptionInteger},
				{Name: "page-size", Description: "items per page [default: 10, max: 30]", Type: discordgo.ApplicationCommandOptionInteger},
			},
		},
		{
			Name:        "volume",
			Description: "Show the playback volume, or set it for upcoming tracks",
			Options: []*discordgo.ApplicationCommandOption{
				{Name: "level", Description: "0-200, 50 is normal [default: show current]", Type: discordgo.ApplicationCommandOptionInteger, MinValue: &minVolume, MaxValue: 200},
			},
		},
		{
			Name:        "remove",
			Description: "Remove tracks from the queue",
			Options: []*discordgo.ApplicationCommandOption{
				{Name: "position", Description: "position of the track to remove [default: 1]", Type: discordgo.ApplicationCommandOptionInteger},
				{Name: "range", Description: "number of tracks to remove [default: 1]", Type: discordgo.ApplicationCommandOptionInteger},
			},
		},
		{
			Name:        "config",
			Description: "Configure per-guild settings",
			Options: []*discordgo.ApplicationCommandOption{
				{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "get", Description: "show settings"},
				{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "set-default-volume", Description: "volume new sessions start with", Options: []*discordgo.ApplicationCommandOption{
					{Name: "level", Description: "0-200", Type: discordgo.ApplicationCommandOptionInteger, Required: true},
				}},
				{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "set-wait-after-queue-empties", Description: "seconds before leaving an idle channel", Options: []*discordgo.ApplicationCommandOption{
					{Name: "delay", Description: "seconds (0 never leave)", Type: discordgo.ApplicationCommandOptionInteger, Required: true},
				}},
				{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "set-playlist-limit", Description: "max tracks added from one playlist", Options: []*discordgo.ApplicationCommandOption{
					{Name: "limit", Description: "max tracks", Type: discordgo.ApplicationCommandOptionInteger, Required: true},
				}},
				{Type: discordgo.ApplicationCommandOptionSubCommand, Name: "set-default-queue-page-size", Description: "queue page size", Options: []*discordgo.ApplicationCommandOption{
					{Name: "page_size", Description: "1-30", Type: discordgo.ApplicationCommandOptionInteger, Required: true},
				}},
			},
		},
	}

	for _, c := range cmds {
		if _, err := s.ApplicationCommandCreate(appID, guildID, c); err != nil {
			slog.Error("failed to create application command", "guildID", guildID, "command", c.Name, "err", err)
			return err
		}
	}

	slog.Info("finished registering commands", "guildID", guildID, "count", len(cmds), "took", time.Since(start))
	return nil
}

func (h *CommandHandler) HandleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	slog.Debug("interaction: application command", "guildID", i.GuildID, "userID", userIDOf(i), "command", data.Name)
	switch data.Name {
	case "play":
		h.cmdPlay(s, i)
	case "pause":
		h.cmdPause(s, i)
	case "resume":
		h.cmdResume(s, i)
	case "skip":
		h.cmdSkip(s, i)
	case "stop":
		h.cmdStop(s, i)
	case "now-playing":
		h.cmdNowPlaying(s, i)
	case "loop":
		h.cmdLoop(s, i)
	case "shuffle":
		h.cmdShuffle(s, i)
	case "disconnect":
		h.cmdDisconnect(s, i)
	case "queue":
		h.cmdQueue(s, i)
	case "volume":
		h.cmdVolume(s, i)
	case "remove":
		h.cmdRemove(s, i)
	case "config":
		h.cmdConfig(s, i)
	default:
		slog.Debug("unknown command", "name", data.Name, "guildID", i.GuildID)
	}
}

func (h *CommandHandler) cmdPlay(s *discordgo.Session, i *discordgo.InteractionCreate) {
	query := optString(i, "query")
	guildID := i.GuildID
	memberID := userIDOf(i)

	chID, ok := userInVoice(s, guildID, memberID)
	if !ok {
		h.reply(s, i, "gotta be in a voice channel", true)
		return
	}

	h.deferReply(s, i, false)

	ctx := context.Background()
	res, err := h.engine.Enqueue(ctx, guildID+":"+chID, query, memberID)
	if err != nil {
		switch {
		case errors.Is(err, resolver.ErrNoResults):
			h.editReply(s, i, "no results found")
		case errors.Is(err, resolver.ErrInvalidSource):
			h.editReply(s, i, "that doesn't look like something I can play")
		case errors.Is(err, player.ErrReadyTimeout):
			h.editReply(s, i, "couldn't get the voice connection ready in time")
		default:
			slog.Error("play failed", "guildID", guildID, "query", query, "err", err)
			h.editReply(s, i, "playback failed to start")
		}
		return
	}

	if res.AddedCount == 1 {
		h.editReply(s, i, fmt.Sprintf("**%s** added to the queue", utils.EscapeMd(res.FirstTitle)))
	} else {
		h.editReply(s, i, fmt.Sprintf("**%s** and %d more added to the queue", utils.EscapeMd(res.FirstTitle), res.AddedCount-1))
	}
}

func (h *CommandHandler) cmdPause(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.registry.FindByGuild(i.GuildID)
	if sess == nil {
		h.reply(s, i, "nothing is playing", true)
		return
	}
	if err := sess.Pause(); err != nil {
		h.reply(s, i, "nothing is playing", true)
		return
	}
	h.reply(s, i, "paused", false)
}

func (h *CommandHandler) cmdResume(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.registry.FindByGuild(i.GuildID)
	if sess == nil {
		h.reply(s, i, "nothing to resume", true)
		return
	}
	if err := sess.Resume(); err != nil {
		h.reply(s, i, "nothing to resume", true)
		return
	}
	h.reply(s, i, "resumed", false)
}

func (h *CommandHandler) cmdSkip(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.registry.FindByGuild(i.GuildID)
	if sess == nil {
		h.reply(s, i, "nothing to skip", true)
		return
	}
	if sess.QueueSize() == 0 {
		h.reply(s, i, "nothing queued to skip to", true)
		return
	}
	h.deferReply(s, i, false)
	if err := sess.Skip(context.Background()); err != nil {
		slog.Error("skip failed", "guildID", i.GuildID, "err", err)
		h.editReply(s, i, "skip failed")
		return
	}
	if now, ok := sess.NowPlaying(); ok {
		h.editReply(s, i, fmt.Sprintf("skipped, now playing **%s**", utils.EscapeMd(now.Title)))
	} else {
		h.editReply(s, i, "skipped, queue is empty")
	}
}

func (h *CommandHandler) cmdStop(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.registry.FindByGuild(i.GuildID)
	if sess == nil {
		h.reply(s, i, "nothing is playing", true)
		return
	}
	if err := h.engine.Stop(sess.Destination()); err != nil {
		h.reply(s, i, "nothing is playing", true)
		return
	}
	h.reply(s, i, "stopped and cleared the queue", false)
}

func (h *CommandHandler) cmdNowPlaying(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.registry.FindByGuild(i.GuildID)
	if sess == nil {
		h.reply(s, i, "nothing is playing", true)
		return
	}
	now, ok := sess.NowPlaying()
	if !ok {
		h.reply(s, i, "nothing is playing", true)
		return
	}
	state := ""
	if sess.Status() == player.StatusPaused {
		state = " (paused)"
	}
	h.reply(s, i, fmt.Sprintf("**%s** [%s]%s, requested by <@%s>",
		utils.EscapeMd(now.Title), now.Duration, state, now.RequestedBy), false)
}

func (h *CommandHandler) cmdLoop(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.registry.FindByGuild(i.GuildID)
	if sess == nil {
		h.reply(s, i, "nothing is playing", true)
		return
	}
	if sess.ToggleLoop() {
		h.reply(s, i, "looping the current track", false)
	} else {
		h.reply(s, i, "loop off", false)
	}
}

func (h *CommandHandler) cmdShuffle(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.registry.FindByGuild(i.GuildID)
	if sess == nil {
		h.reply(s, i, "queue is empty", true)
		return
	}
	if err := sess.Shuffle(); err != nil {
		h.reply(s, i, err.Error(), true)
		return
	}
	h.reply(s, i, "queue shuffled", false)
}

func (h *CommandHandler) cmdDisconnect(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.registry.FindByGuild(i.GuildID)
	if sess == nil {
		h.reply(s, i, "not connected", true)
		return
	}
	h.registry.Destroy(sess.Destination())
	h.reply(s, i, "bye", false)
}

func (h *CommandHandler) cmdQueue(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.registry.FindByGuild(i.GuildID)
	if sess == nil {
		h.reply(s, i, "queue is empty", true)
		return
	}

	page := optIntDefault(i, "page", 1)
	pageSize := optIntDefault(i, "page-size", 0)
	if pageSize == 0 {
		pageSize = 10
		if set, err := h.repo.GetSettings(context.Background(), i.GuildID); err == nil && set.DefaultQueuePageSize > 0 {
			pageSize = set.DefaultQueuePageSize
		}
	}
	if pageSize > 30 {
		pageSize = 30
	}

	var sb strings.Builder
	if now, ok := sess.NowPlaying(); ok {
		fmt.Fprintf(&sb, "now playing: **%s** [%s]\n", utils.EscapeMd(now.Title), now.Duration)
	}
	tracks, total := sess.QueuePage(page, pageSize)
	if total == 0 {
		sb.WriteString("the queue is empty")
	} else {
		fmt.Fprintf(&sb, "up next (%d total):\n", total)
		for n, t := range tracks {
			fmt.Fprintf(&sb, "%d. %s [%s]\n", (page-1)*pageSize+n+1, utils.EscapeMd(t.Title), t.Duration)
		}
	}
	h.reply(s, i, sb.String(), false)
}

func (h *CommandHandler) cmdVolume(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.registry.FindByGuild(i.GuildID)
	if sess == nil {
		h.reply(s, i, "nothing is playing", true)
		return
	}
	level := optIntDefault(i, "level", -1)
	if level < 0 {
		h.reply(s, i, fmt.Sprintf("volume is %d%%", sess.Volume()), false)
		return
	}
	if err := sess.SetVolume(level); err != nil {
		h.reply(s, i, err.Error(), true)
		return
	}
	h.reply(s, i, fmt.Sprintf("volume set to %d%%, applies from the next track", level), false)
}

func (h *CommandHandler) cmdRemove(s *discordgo.Session, i *discordgo.InteractionCreate) {
	sess := h.registry.FindByGuild(i.GuildID)
	if sess == nil {
		h.reply(s, i, "queue is empty", true)
		return
	}
	pos := optIntDefault(i, "position", 1)
	count := optIntDefault(i, "range", 1)
	removed, err := sess.Remove(pos, count)
	if err != nil {
		h.reply(s, i, err.Error(), true)
		return
	}
	if len(removed) == 1 {
		h.reply(s, i, fmt.Sprintf("removed **%s**", utils.EscapeMd(removed[0].Title)), false)
	} else {
		h.reply(s, i, fmt.Sprintf("removed %d tracks", len(removed)), false)
	}
}

func (h *CommandHandler) cmdConfig(s *discordgo.Session, i *discordgo.InteractionCreate) {
	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		return
	}
	sub := data.Options[0]
	ctx := context.Background()

	set, err := h.repo.UpsertSettings(ctx, i.GuildID)
	if err != nil {
		slog.Error("load settings failed", "guildID", i.GuildID, "err", err)
		h.reply(s, i, "internal error", true)
		return
	}

	switch sub.Name {
	case "get":
		h.reply(s, i, fmt.Sprintf(
			"default volume: %d%%\nwait after queue empties: %ds\nplaylist limit: %d\nqueue page size: %d",
			set.DefaultVolume, set.SecondsWaitAfterEmpty, set.PlaylistLimit, set.DefaultQueuePageSize), true)
		return
	case "set-default-volume":
		level := int(sub.Options[0].IntValue())
		if level < 0 || level > 200 {
			h.reply(s, i, "volume must be between 0 and 200", true)
			return
		}
		set.DefaultVolume = level
	case "set-wait-after-queue-empties":
		delay := int(sub.Options[0].IntValue())
		if delay < 0 {
			h.reply(s, i, "delay can't be negative", true)
			return
		}
		set.SecondsWaitAfterEmpty = delay
	case "set-playlist-limit":
		limit := int(sub.Options[0].IntValue())
		if limit < 1 {
			h.reply(s, i, "limit must be at least 1", true)
			return
		}
		set.PlaylistLimit = limit
	case "set-default-queue-page-size":
		size := int(sub.Options[0].IntValue())
		if size < 1 || size > 30 {
			h.reply(s, i, "page size must be between 1 and 30", true)
			return
		}
		set.DefaultQueuePageSize = size
	default:
		return
	}

	if err := h.repo.UpdateSettings(ctx, set); err != nil {
		slog.Error("update settings failed", "guildID", i.GuildID, "err", err)
		h.reply(s, i, "internal error", true)
		return
	}
	h.reply(s, i, "setting saved", true)
}

func (h *CommandHandler) reply(s *discordgo.Session, i *discordgo.InteractionCreate, content string, ephemeral bool) {
	flags := uint64(0)
	if ephemeral {
		flags = 1 << 6
	}
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlags(flags),
		},
	}); err != nil {
		slog.Warn("reply failed", "guildID", i.GuildID, "userID", userIDOf(i), "err", err)
	}
}

func (h *CommandHandler) deferReply(s *discordgo.Session, i *discordgo.InteractionCreate, ephemeral bool) {
	flags := uint64(0)
	if ephemeral {
		flags = 1 << 6
	}
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlags(flags),
		},
	}); err != nil {
		slog.Warn("defer reply failed", "guildID", i.GuildID, "userID", userIDOf(i), "err", err)
	}
}

func (h *CommandHandler) editReply(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	if _, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{
		Content: &content,
	}); err != nil {
		slog.Warn("edit reply failed", "guildID", i.GuildID, "userID", userIDOf(i), "err", err)
	}
}

func userIDOf(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func userInVoice(s *discordgo.Session, guildID, userID string) (channelID string, ok bool) {
	g, _ := s.State.Guild(guildID)
	if g == nil {
		g, _ = s.Guild(guildID)
	}
	if g == nil {
		return "", false
	}
	for _, vs := range g.VoiceStates {
		if vs.UserID == userID && vs.ChannelID != "" {
			return vs.ChannelID, true
		}
	}
	return "", false
}

func optString(i *discordgo.InteractionCreate, name string) string {
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == name {
			return opt.StringValue()
		}
	}
	return ""
}

func optIntDefault(i *discordgo.InteractionCreate, name string, def int) int {
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Name == name {
			return int(opt.IntValue())
		}
	}
	return def
}
