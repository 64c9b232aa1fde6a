package discord

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/playdeck/internal/music/presence"
)

const spotify = "Spotify"

// ListeningActivities keeps the Spotify listening activities of a presence.
func ListeningActivities(acts []*discordgo.Activity) []presence.Activity {
	var out []presence.Activity
	for _, a := range acts {
		if a == nil || a.Type != discordgo.ActivityTypeListening || a.Name != spotify || a.Details == "" {
			continue
		}
		pa := presence.Activity{
			Title:  a.Details,
			Artist: strings.ReplaceAll(a.State, "; ", ", "),
		}
		if a.Timestamps.StartTimestamp > 0 {
			pa.Start = time.UnixMilli(a.Timestamps.StartTimestamp)
		}
		if a.Timestamps.EndTimestamp > 0 {
			pa.End = time.UnixMilli(a.Timestamps.EndTimestamp)
		}
		out = append(out, pa)
	}
	return out
}

// Activity implements presence.ActivitySource from the gateway state cache.
func (b *Bot) Activity(_ context.Context, guildID, userID string) (presence.Activity, bool) {
	p, err := b.dg.State.Presence(guildID, userID)
	if err != nil || p == nil {
		return presence.Activity{}, false
	}
	acts := ListeningActivities(p.Activities)
	if len(acts) == 0 {
		return presence.Activity{}, false
	}
	return acts[0], true
}

func (b *Bot) onPresenceUpdate(_ *discordgo.Session, p *discordgo.PresenceUpdate) {
	if p.User == nil || p.GuildID == "" {
		return
	}
	b.dispatcher.OnPresence(presence.Update{
		GuildID:    p.GuildID,
		UserID:     p.User.ID,
		Activities: ListeningActivities(p.Activities),
	})
}
