package music

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/playdeck/internal/command"
	"github.com/keshon/playdeck/internal/discord"
	"github.com/keshon/playdeck/internal/music/panel"
)

var errPanelInactive = errors.New("the player is not active, start one with `/music play`")

// member describes the clicking user for the panel's checks.
func (c *MusicCommand) member(e *discordgo.InteractionCreate) panel.Member {
	m := panel.Member{}
	if e.Member == nil || e.Member.User == nil {
		return m
	}
	m.UserID = e.Member.User.ID
	m.VoiceChannelID, m.Deafened, _ = c.Guilds.UserVoiceState(e.GuildID, m.UserID)
	m.DJ = c.Guilds.IsDJ(e.GuildID, e.Member)
	return m
}

// Component handles the panel buttons.
func (c *MusicCommand) Component(ctx context.Context, ic *command.ComponentInteractionContext) error {
	s, e := ic.Session, ic.Event
	action, ok := panel.ParseCustomID(ic.CustomID)
	if !ok {
		return fmt.Errorf("%w: %s", panel.ErrUnknownAction, ic.CustomID)
	}
	p := c.Manager.Panel(e.GuildID)
	sess := c.Manager.Session(e.GuildID)
	if p == nil || sess == nil {
		return c.componentError(action, errPanelInactive)
	}
	m := c.member(e)

	// The dialog must be the first response, so the volume button skips
	// the deferred acknowledgement.
	if action == panel.ActionVolume {
		resp, err := p.Handle(ctx, m, action, "")
		if err != nil {
			return c.componentError(action, err)
		}
		if resp.VolumeModal {
			return discord.RespondModal(s, e, discord.VolumeModal(sess.Volume()))
		}
		return nil
	}

	if err := discord.RespondDeferredUpdate(s, e); err != nil {
		return fmt.Errorf("failed to acknowledge button: %w", err)
	}
	var resp panel.Response
	err := c.Dispatcher.Do(ctx, e.GuildID, func(ctx context.Context) error {
		var err error
		resp, err = p.Handle(ctx, m, action, "")
		return err
	})
	if err != nil {
		msg, known := userMessage(err)
		if !known {
			c.Logger.Error().Err(err).Str("guild", e.GuildID).Str("action", string(action)).Msg("[Music] panel action failed")
		}
		return discord.FollowupEmbedEphemeral(s, e, &discordgo.MessageEmbed{Description: msg, Color: discord.EmbedColor})
	}
	return c.followupResponse(s, e, resp)
}

// ModalSubmit applies the volume dialog.
func (c *MusicCommand) ModalSubmit(ctx context.Context, ic *command.ComponentInteractionContext) error {
	s, e := ic.Session, ic.Event
	if ic.CustomID != discord.VolumeModalID {
		return fmt.Errorf("%w: %s", panel.ErrUnknownAction, ic.CustomID)
	}
	p := c.Manager.Panel(e.GuildID)
	if p == nil {
		return c.componentError(panel.ActionVolume, errPanelInactive)
	}
	value := discord.ModalValue(e.ModalSubmitData(), discord.VolumeInputID)
	m := c.member(e)

	if err := discord.RespondDeferredUpdate(s, e); err != nil {
		return fmt.Errorf("failed to acknowledge dialog: %w", err)
	}
	var resp panel.Response
	err := c.Dispatcher.Do(ctx, e.GuildID, func(ctx context.Context) error {
		var err error
		resp, err = p.Handle(ctx, m, panel.ActionVolume, value)
		if err != nil {
			return err
		}
		if sess := c.Manager.Session(e.GuildID); sess != nil {
			c.Manager.RememberVolume(e.GuildID, sess.Volume())
		}
		return nil
	})
	if err != nil {
		msg, _ := userMessage(err)
		return discord.FollowupEmbedEphemeral(s, e, &discordgo.MessageEmbed{Description: msg, Color: discord.EmbedColor})
	}
	return c.followupResponse(s, e, resp)
}

func (c *MusicCommand) followupResponse(s *discordgo.Session, e *discordgo.InteractionCreate, resp panel.Response) error {
	if resp.Text == "" {
		return nil
	}
	embed := &discordgo.MessageEmbed{Description: resp.Text, Color: discord.EmbedColor}
	if resp.Ephemeral {
		return discord.FollowupEmbedEphemeral(s, e, embed)
	}
	return discord.FollowupEmbed(s, e, embed)
}

// componentError maps err before the interaction was acknowledged; the
// gateway reports the returned error ephemerally.
func (c *MusicCommand) componentError(action panel.Action, err error) error {
	msg, known := userMessage(err)
	if !known {
		c.Logger.Error().Err(err).Str("action", string(action)).Msg("[Music] panel action failed")
	}
	return errors.New(msg)
}
