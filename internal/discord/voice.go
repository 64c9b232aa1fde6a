package discord

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/playdeck/internal/music/node"
)

// Join asks the gateway to move the bot into channelID. The node receives
// the resulting voice state and server updates through the handlers below.
func (b *Bot) Join(_ context.Context, guildID, channelID string) error {
	if err := b.dg.ChannelVoiceJoinManual(guildID, channelID, false, true); err != nil {
		return fmt.Errorf("join voice channel: %w", err)
	}
	return nil
}

// Leave disconnects the bot from voice in guildID.
func (b *Bot) Leave(_ context.Context, guildID string) error {
	if err := b.dg.ChannelVoiceJoinManual(guildID, "", false, false); err != nil {
		return fmt.Errorf("leave voice channel: %w", err)
	}
	return nil
}

// UserVoiceState reports the voice channel of userID and whether they are
// deafened.
func (b *Bot) UserVoiceState(guildID, userID string) (channelID string, deafened bool, ok bool) {
	vs, err := b.dg.State.VoiceState(guildID, userID)
	if err != nil || vs == nil || vs.ChannelID == "" {
		return "", false, false
	}
	return vs.ChannelID, vs.Deaf || vs.SelfDeaf, true
}

// Listeners returns the users in channelID, the bot excluded.
func (b *Bot) Listeners(guildID, channelID string) []string {
	g, err := b.dg.State.Guild(guildID)
	if err != nil {
		return nil
	}
	self := b.UserID()
	var out []string
	for _, vs := range g.VoiceStates {
		if vs.ChannelID == channelID && vs.UserID != self {
			out = append(out, vs.UserID)
		}
	}
	return out
}

// IsDJ reports whether m may override voice checks: administrators and
// holders of the configured DJ role.
func (b *Bot) IsDJ(guildID string, m *discordgo.Member) bool {
	if m == nil {
		return false
	}
	if m.Permissions&discordgo.PermissionAdministrator != 0 {
		return true
	}
	for _, id := range m.Roles {
		role, err := b.dg.State.Role(guildID, id)
		if err == nil && role != nil && strings.EqualFold(role.Name, b.cfg.DJRoleName) {
			return true
		}
	}
	return false
}

func (b *Bot) onVoiceStateUpdate(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v.VoiceState == nil || v.UserID != b.UserID() {
		return
	}
	ctx := context.Background()
	log := b.log.With().Str("guild", v.GuildID).Logger()

	if v.ChannelID == "" {
		log.Info().Msg("[Discord] bot left voice")
		if err := b.node.UpdateVoice(ctx, v.GuildID, node.VoiceUpdate{ChannelID: node.LeftChannel}); err != nil {
			log.Warn().Err(err).Msg("[Discord] failed to forward voice leave")
		}
		b.dispatcher.Exec(v.GuildID, func(ctx context.Context) {
			b.manager.VoiceLeft(ctx, v.GuildID)
		})
		return
	}

	if sess := b.manager.Session(v.GuildID); sess != nil {
		sess.SetVoiceChannel(v.ChannelID)
	}
	err := b.node.UpdateVoice(ctx, v.GuildID, node.VoiceUpdate{SessionID: v.SessionID, ChannelID: v.ChannelID})
	if err != nil {
		log.Warn().Err(err).Msg("[Discord] failed to forward voice state")
	}
}

func (b *Bot) onVoiceServerUpdate(_ *discordgo.Session, v *discordgo.VoiceServerUpdate) {
	err := b.node.UpdateVoice(context.Background(), v.GuildID, node.VoiceUpdate{Token: v.Token, Endpoint: v.Endpoint})
	if err != nil {
		b.log.Warn().Err(err).Str("guild", v.GuildID).Msg("[Discord] failed to forward voice server")
	}
}
