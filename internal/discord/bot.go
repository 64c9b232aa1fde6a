// Package discord is the gateway adapter: it owns the discordgo session,
// routes interactions to commands and feeds voice and presence events into
// the playback engine.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/keshon/playdeck/internal/command"
	"github.com/keshon/playdeck/internal/config"
	"github.com/keshon/playdeck/internal/music/events"
	"github.com/keshon/playdeck/internal/music/manager"
	"github.com/keshon/playdeck/internal/music/node"
	"github.com/keshon/playdeck/pkg/cmd"
	"github.com/keshon/playdeck/pkg/util"
)

// Bot is a Discord bot
type Bot struct {
	dg       *discordgo.Session
	cfg      *config.Config
	registry *cmd.Registry
	log      zerolog.Logger

	userID string

	node       node.Node
	manager    *manager.Manager
	dispatcher *events.Dispatcher
}

// New creates the discordgo session without connecting it.
func New(cfg *config.Config, logger zerolog.Logger) (*Bot, error) {
	dg, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildPresences |
		discordgo.IntentsGuildMembers
	dg.State.TrackPresences = true
	dg.State.TrackVoice = true

	return &Bot{
		dg:       dg,
		cfg:      cfg,
		registry: cmd.DefaultRegistry,
		log:      logger,
	}, nil
}

// Session exposes the underlying discordgo session.
func (b *Bot) Session() *discordgo.Session { return b.dg }

// UserID returns the bot's user id, or "" before FetchUserID or the gateway
// ready event.
func (b *Bot) UserID() string {
	if b.userID != "" {
		return b.userID
	}
	if b.dg.State != nil && b.dg.State.User != nil {
		return b.dg.State.User.ID
	}
	return ""
}

// FetchUserID resolves the bot's user id over REST. The audio node needs it
// before the gateway connects.
func (b *Bot) FetchUserID() (string, error) {
	u, err := b.dg.User("@me")
	if err != nil {
		return "", fmt.Errorf("failed to fetch bot user: %w", err)
	}
	b.userID = u.ID
	return u.ID, nil
}

// Attach wires the playback engine into the gateway handlers. It must be
// called before Run.
func (b *Bot) Attach(n node.Node, m *manager.Manager, d *events.Dispatcher) {
	b.node = n
	b.manager = m
	b.dispatcher = d
}

// Run connects to the gateway and blocks until ctx is done.
func (b *Bot) Run(ctx context.Context) error {
	if b.manager == nil || b.dispatcher == nil || b.node == nil {
		return fmt.Errorf("bot is not attached to a playback engine")
	}
	b.dg.AddHandler(b.onReady)
	b.dg.AddHandler(b.onGuildCreate)
	b.dg.AddHandler(b.onInteractionCreate)
	b.dg.AddHandler(b.onVoiceStateUpdate)
	b.dg.AddHandler(b.onVoiceServerUpdate)
	b.dg.AddHandler(b.onPresenceUpdate)

	if err := b.dg.Open(); err != nil {
		return fmt.Errorf("failed to open Discord session: %w", err)
	}
	defer b.dg.Close()

	<-ctx.Done()
	b.log.Info().Msg("[Discord] shutdown signal received, cleaning up")
	return nil
}

// registerWorkers bounds concurrent per-guild command registration on ready.
const registerWorkers = 4

func (b *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	var guilds []string
	for _, g := range r.Guilds {
		if !b.leaveIfBlacklisted(s, g.ID) {
			guilds = append(guilds, g.ID)
		}
	}
	if b.cfg.InitSlashCommands {
		err := util.Parallel(context.Background(), guilds, registerWorkers, func(_ context.Context, guildID string) error {
			if err := b.registerCommands(guildID); err != nil {
				return fmt.Errorf("guild %s: %w", guildID, err)
			}
			return nil
		})
		if err != nil {
			b.log.Error().Err(err).Msg("[Discord] failed to register slash commands")
		}
	}
	b.log.Info().Str("user", r.User.Username).Int("guilds", len(r.Guilds)).Msg("[Discord] bot is running")
}

func (b *Bot) onGuildCreate(s *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Guild == nil || b.leaveIfBlacklisted(s, g.ID) {
		return
	}
	b.log.Info().Str("guild", g.ID).Str("name", g.Name).Msg("[Discord] guild available")
	if !b.cfg.InitSlashCommands {
		return
	}
	if err := b.registerCommands(g.ID); err != nil {
		b.log.Error().Err(err).Str("guild", g.ID).Msg("[Discord] failed to register slash commands")
	}
}

func (b *Bot) leaveIfBlacklisted(s *discordgo.Session, guildID string) bool {
	if !b.cfg.IsGuildBlacklisted(guildID) {
		return false
	}
	b.log.Info().Str("guild", guildID).Msg("[Discord] leaving blacklisted guild")
	if err := s.GuildLeave(guildID); err != nil {
		b.log.Error().Err(err).Str("guild", guildID).Msg("[Discord] failed to leave guild")
	}
	return true
}

func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx := context.Background()
	var (
		c    cmd.Command
		data any
	)

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		name := i.ApplicationCommandData().Name
		c = b.registry.Get(name)
		data = &command.SlashInteractionContext{Session: s, Event: i, Logger: b.log}
	case discordgo.InteractionMessageComponent:
		id := i.MessageComponentData().CustomID
		c = command.OwnerOf(b.registry, id)
		data = &command.ComponentInteractionContext{Session: s, Event: i, CustomID: id, Logger: b.log}
	case discordgo.InteractionModalSubmit:
		id := i.ModalSubmitData().CustomID
		c = command.OwnerOf(b.registry, id)
		data = &command.ComponentInteractionContext{Session: s, Event: i, CustomID: id, Logger: b.log}
	default:
		b.log.Debug().Int("type", int(i.Type)).Msg("[Discord] unhandled interaction type")
		return
	}

	if c == nil {
		b.log.Warn().Int("type", int(i.Type)).Msg("[Discord] no command for interaction")
		return
	}
	if err := c.Run(ctx, &cmd.Invocation{Data: data}); err != nil {
		if rerr := RespondError(s, i, err); rerr != nil {
			b.log.Warn().Err(rerr).Str("command", c.Name()).Msg("[Discord] failed to report error")
		}
	}
}
