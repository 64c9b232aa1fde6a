package music

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/keshon/playdeck/internal/command"
	"github.com/keshon/playdeck/internal/discord"
	"github.com/keshon/playdeck/internal/music/events"
	"github.com/keshon/playdeck/internal/music/manager"
	"github.com/keshon/playdeck/internal/music/presence"
	"github.com/keshon/playdeck/internal/music/track"
)

var errMissingSubcommand = errors.New("missing subcommand")

// Guilds answers questions about guild members from the gateway cache.
type Guilds interface {
	UserVoiceState(guildID, userID string) (channelID string, deafened bool, ok bool)
	Listeners(guildID, channelID string) []string
	IsDJ(guildID string, m *discordgo.Member) bool
}

// Channels persists the guild's music channel.
type Channels interface {
	SetMusicChannel(guildID, channelID string) error
}

type MusicCommand struct {
	Manager    *manager.Manager
	Dispatcher *events.Dispatcher
	Presence   *presence.Synchronizer
	Guilds     Guilds
	Channels   Channels
	Logger     zerolog.Logger
}

func (c *MusicCommand) Name() string             { return "music" }
func (c *MusicCommand) Description() string      { return "Control music playback" }
func (c *MusicCommand) Group() string            { return "music" }
func (c *MusicCommand) Category() string         { return "🎵 Music" }
func (c *MusicCommand) UserPermissions() []int64 { return []int64{} }

func (c *MusicCommand) SlashDefinition() *discordgo.ApplicationCommand {
	minVolume := float64(1)
	minPosition := float64(1)
	return &discordgo.ApplicationCommand{
		Name:        c.Name(),
		Description: c.Description(),
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "play",
				Description: "Play a track or playlist",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "query",
						Description: "Link or search query",
						Required:    true,
					},
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "source",
						Description: "Where to search when the query is not a link",
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "YouTube Music", Value: string(track.SourceYouTubeMusic)},
							{Name: "YouTube", Value: string(track.SourceYouTube)},
							{Name: "SoundCloud", Value: string(track.SourceSoundCloud)},
							{Name: "Spotify", Value: string(track.SourceSpotify)},
						},
					},
					{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        "force",
						Description: "Play right away instead of queueing",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "skip",
				Description: "Skip to the next track",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "forceskip",
				Description: "Skip even a looping track (DJ only)",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "seek",
				Description: "Seek to a position of the current track",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "timestamp",
						Description: "Position as H:M:S, M:S or seconds",
						Required:    true,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "volume",
				Description: "Change the player volume",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "level",
						Description: "Volume from 1 to 100",
						Required:    true,
						MinValue:    &minVolume,
						MaxValue:    100,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "loop",
				Description: "Change the loop mode",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "mode",
						Description: "Loop mode",
						Required:    true,
						Choices: []*discordgo.ApplicationCommandOptionChoice{
							{Name: "Normal", Value: "normal"},
							{Name: "Loop Track", Value: "track"},
							{Name: "Loop Queue", Value: "queue"},
						},
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "shuffle",
				Description: "Toggle shuffle mode",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "listen-together-start",
				Description: "Mirror what a member is listening to on Spotify",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionUser,
						Name:        "user",
						Description: "Member to listen along with, yourself by default",
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "listen-together-stop",
				Description: "Stop listening together",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "jump-to",
				Description: "Jump to a track in the queue",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "position",
						Description: "Position in the upcoming tracks",
						Required:    true,
						MinValue:    &minPosition,
					},
				},
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "back",
				Description: "Play the previous track",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "stop",
				Description: "Stop playback and clear the queue",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "connect",
				Description: "Join your voice channel and bind the panel to this channel",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "leave",
				Description: "Disconnect and clear the queue",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "pause",
				Description: "Pause or resume the current track",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "cleanupleft",
				Description: "Remove tracks requested by members who left the voice channel",
			},
			{
				Type:        discordgo.ApplicationCommandOptionSubCommand,
				Name:        "queue",
				Description: "Show the queue",
				Options: []*discordgo.ApplicationCommandOption{
					{
						Type:        discordgo.ApplicationCommandOptionInteger,
						Name:        "page",
						Description: "Page to show",
						MinValue:    &minPosition,
					},
				},
			},
		},
	}
}

func (c *MusicCommand) Run(ctx context.Context, data any) error {
	sc, ok := data.(*command.SlashInteractionContext)
	if !ok {
		return nil
	}
	s, e := sc.Session, sc.Event

	inv, err := parseInvocation(e)
	if err != nil {
		return err
	}
	if err := discord.RespondDeferred(s, e, false); err != nil {
		return fmt.Errorf("failed to defer response: %w", err)
	}

	var out reply
	err = c.Dispatcher.Do(ctx, inv.GuildID, func(ctx context.Context) error {
		var err error
		out, err = c.execute(ctx, inv)
		return err
	})
	if err != nil {
		c.followupError(s, e, inv.Sub, err)
		return nil
	}

	embed := &discordgo.MessageEmbed{Title: out.Title, Description: out.Text, Color: discord.EmbedColor}
	if out.Footer != "" {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: out.Footer}
	}
	return discord.FollowupEmbed(s, e, embed)
}

// followupError replaces the deferred answer with an ephemeral error.
func (c *MusicCommand) followupError(s *discordgo.Session, e *discordgo.InteractionCreate, action string, err error) {
	msg, known := userMessage(err)
	if !known {
		c.Logger.Error().Err(err).Str("guild", e.GuildID).Str("action", action).Msg("[Music] command failed")
	}
	if derr := s.InteractionResponseDelete(e.Interaction); derr != nil {
		c.Logger.Debug().Err(derr).Msg("[Music] failed to delete deferred response")
	}
	embed := &discordgo.MessageEmbed{Description: msg, Color: discord.EmbedColor}
	if ferr := discord.FollowupEmbedEphemeral(s, e, embed); ferr != nil {
		c.Logger.Warn().Err(ferr).Msg("[Music] failed to send error")
	}
}

func parseInvocation(e *discordgo.InteractionCreate) (invocation, error) {
	data := e.ApplicationCommandData()
	if len(data.Options) == 0 {
		return invocation{}, errMissingSubcommand
	}
	sub := data.Options[0]

	inv := invocation{
		Sub:       sub.Name,
		GuildID:   e.GuildID,
		ChannelID: e.ChannelID,
		Member:    e.Member,
		Source:    track.SourceYouTubeMusic,
	}
	switch {
	case e.Member != nil && e.Member.User != nil:
		inv.UserID = e.Member.User.ID
	case e.User != nil:
		inv.UserID = e.User.ID
	}

	for _, opt := range sub.Options {
		switch opt.Name {
		case "query":
			inv.Query = opt.StringValue()
		case "source":
			inv.Source = track.ParseSourceKind(opt.StringValue())
		case "force":
			inv.Force = opt.BoolValue()
		case "timestamp":
			inv.Timestamp = opt.StringValue()
		case "level":
			inv.Volume = int(opt.IntValue())
		case "mode":
			inv.Mode = opt.StringValue()
		case "position":
			inv.Position = int(opt.IntValue())
		case "page":
			inv.Page = int(opt.IntValue())
		case "user":
			if u := opt.UserValue(nil); u != nil {
				inv.Target = u.ID
			}
		}
	}
	return inv, nil
}
