// Package middleware holds the cmd.Middleware used by the Discord commands.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/keshon/playdeck/internal/command"
	"github.com/keshon/playdeck/pkg/cmd"
)

var ErrGuildOnly = errors.New("this command only works inside a server")

// PermissionError is returned when the invoking member lacks every one of
// the command's required permissions.
type PermissionError struct {
	Required []int64
}

func (e *PermissionError) Error() string {
	names := make([]string, 0, len(e.Required))
	for _, p := range e.Required {
		name, ok := PermissionNames[p]
		if !ok {
			name = fmt.Sprintf("0x%x", p)
		}
		names = append(names, name)
	}
	return fmt.Sprintf("You need at least one of the following permissions to run this command:\n`%s`",
		strings.Join(names, "`, `"))
}

var PermissionNames = map[int64]string{
	discordgo.PermissionAdministrator:      "Administrator",
	discordgo.PermissionManageGuild:        "Manage Server",
	discordgo.PermissionManageChannels:     "Manage Channels",
	discordgo.PermissionManageMessages:     "Manage Messages",
	discordgo.PermissionSendMessages:       "Send Messages",
	discordgo.PermissionEmbedLinks:         "Embed Links",
	discordgo.PermissionVoiceConnect:       "Connect to Voice Channel",
	discordgo.PermissionVoiceSpeak:         "Speak",
	discordgo.PermissionVoiceMuteMembers:   "Mute Members",
	discordgo.PermissionVoiceDeafenMembers: "Deafen Members",
	discordgo.PermissionVoiceMoveMembers:   "Move Members",
}

// WithGuildOnly rejects interactions that did not come from a guild.
func WithGuildOnly() cmd.Middleware {
	return func(c cmd.Command) cmd.Command {
		return cmd.Wrap(c, func(ctx context.Context, inv *cmd.Invocation) error {
			if e := command.Interaction(inv.Data); e != nil && e.GuildID == "" {
				return ErrGuildOnly
			}
			return c.Run(ctx, inv)
		})
	}
}

// WithUserPermissionCheck enforces the command's UserPermissions. Members
// with Administrator and users for whom isDeveloper is true always pass.
func WithUserPermissionCheck(isDeveloper func(userID string) bool) cmd.Middleware {
	return func(c cmd.Command) cmd.Command {
		return cmd.Wrap(c, func(ctx context.Context, inv *cmd.Invocation) error {
			e := command.Interaction(inv.Data)
			if e == nil || e.Member == nil || e.Member.User == nil {
				return c.Run(ctx, inv)
			}
			meta, ok := cmd.Root(c).(command.DiscordMeta)
			if !ok || len(meta.UserPermissions()) == 0 {
				return c.Run(ctx, inv)
			}
			perms := e.Member.Permissions
			if perms&discordgo.PermissionAdministrator != 0 {
				return c.Run(ctx, inv)
			}
			if isDeveloper != nil && isDeveloper(e.Member.User.ID) {
				return c.Run(ctx, inv)
			}
			for _, p := range meta.UserPermissions() {
				if perms&p != 0 {
					return c.Run(ctx, inv)
				}
			}
			return &PermissionError{Required: meta.UserPermissions()}
		})
	}
}

// WithCommandLogger logs every invocation with its outcome and duration.
func WithCommandLogger(logger zerolog.Logger) cmd.Middleware {
	return func(c cmd.Command) cmd.Command {
		return cmd.Wrap(c, func(ctx context.Context, inv *cmd.Invocation) error {
			start := time.Now()
			err := c.Run(ctx, inv)

			ev := logger.Info()
			if err != nil {
				ev = logger.Warn().Err(err)
			}
			ev = ev.Str("command", c.Name()).Dur("took", time.Since(start))
			if e := command.Interaction(inv.Data); e != nil {
				user := resolveUser(e)
				ev = ev.Str("guild", e.GuildID).Str("channel", e.ChannelID).Str("user", user.ID).Str("username", user.Username)
				if cc, ok := inv.Data.(*command.ComponentInteractionContext); ok {
					ev = ev.Str("custom_id", cc.CustomID)
				}
			}
			ev.Msg("[Command] handled")
			return err
		})
	}
}

func resolveUser(e *discordgo.InteractionCreate) *discordgo.User {
	if e.Member != nil && e.Member.User != nil {
		return e.Member.User
	}
	if e.User != nil {
		return e.User
	}
	return &discordgo.User{ID: "unknown", Username: "Unknown"}
}
