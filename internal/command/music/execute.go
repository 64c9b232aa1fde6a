package music

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/keshon/playdeck/internal/music/manager"
	"github.com/keshon/playdeck/internal/music/panel"
	"github.com/keshon/playdeck/internal/music/player"
	"github.com/keshon/playdeck/internal/music/queue"
	"github.com/keshon/playdeck/internal/music/track"
)

var (
	errListenTogether    = errors.New("this command is unavailable while listening together")
	errNotDJ             = errors.New("only a DJ can do that")
	errUnknownSubcommand = errors.New("unknown subcommand")
	errUnknownLoopMode   = errors.New("unknown loop mode")
	errInvalidTimestamp  = errors.New("invalid timestamp, use H:M:S, M:S or seconds")
	errListenUnavailable = errors.New("listen together is not available")
	errMissingQuery      = errors.New("a query is required")
)

// blockedWhileListening lists the subcommands that would fight the mirrored
// activity.
var blockedWhileListening = map[string]bool{
	"pause":     true,
	"loop":      true,
	"shuffle":   true,
	"seek":      true,
	"skip":      true,
	"forceskip": true,
	"jump-to":   true,
	"back":      true,
}

// invocation is one /music call without its transport.
type invocation struct {
	Sub       string
	GuildID   string
	ChannelID string
	UserID    string
	Member    *discordgo.Member

	Query     string
	Source    track.SourceKind
	Force     bool
	Timestamp string
	Volume    int
	Mode      string
	Position  int
	Page      int
	Target    string
}

type reply struct {
	Title     string
	Text      string
	Footer    string
	Ephemeral bool
}

func (c *MusicCommand) execute(ctx context.Context, inv invocation) (reply, error) {
	switch inv.Sub {
	case "play":
		return c.play(ctx, inv)
	case "connect":
		return c.connect(ctx, inv)
	case "listen-together-start":
		return c.listenStart(ctx, inv)
	}

	sess := c.Manager.Session(inv.GuildID)
	if sess == nil {
		return reply{}, manager.ErrNotConnected
	}
	if inv.Sub == "queue" {
		return formatQueue(sess.Snapshot(), inv.Page), nil
	}
	if err := c.requireListener(inv, sess); err != nil {
		return reply{}, err
	}
	if blockedWhileListening[inv.Sub] && sess.ListenTogether().Enabled {
		return reply{}, errListenTogether
	}

	switch inv.Sub {
	case "skip":
		return skip(ctx, sess, false)

	case "forceskip":
		if !c.isDJ(inv, sess) {
			return reply{}, errNotDJ
		}
		return skip(ctx, sess, true)

	case "seek":
		pos, err := parseTimestamp(inv.Timestamp)
		if err != nil {
			return reply{}, err
		}
		if err := sess.Seek(ctx, pos); err != nil {
			return reply{}, err
		}
		return reply{Text: "Seeked to position `" + panel.FormatDuration(pos) + "`"}, nil

	case "volume":
		if inv.Volume < 1 || inv.Volume > 100 {
			return reply{}, player.ErrInvalidVolume
		}
		if err := sess.SetVolume(ctx, inv.Volume); err != nil {
			return reply{}, err
		}
		c.Manager.RememberVolume(inv.GuildID, inv.Volume)
		return reply{Text: fmt.Sprintf("Volume set to **%d%%**.", inv.Volume)}, nil

	case "loop":
		mode, ok := queue.ParseMode(inv.Mode)
		if !ok {
			return reply{}, fmt.Errorf("%w: %q", errUnknownLoopMode, inv.Mode)
		}
		sess.SetLoopMode(ctx, mode)
		return reply{Text: "Loop Mode changed to `" + mode.String() + "`"}, nil

	case "shuffle":
		state := "off"
		if sess.ToggleShuffle(ctx) {
			state = "on"
		}
		return reply{Text: "Shuffle is now **" + state + "**."}, nil

	case "listen-together-stop":
		if c.Presence == nil {
			return reply{}, errListenUnavailable
		}
		if err := c.Presence.StopListening(ctx, sess); err != nil {
			return reply{}, err
		}
		return reply{Text: "Stopped listening together and left the channel."}, nil

	case "jump-to":
		if inv.Position < 1 {
			return reply{}, player.ErrIndexOutOfRange
		}
		if err := sess.JumpTo(ctx, inv.Position-1); err != nil {
			return reply{}, err
		}
		return reply{Text: "Jumped to " + nowPlaying(sess) + "."}, nil

	case "back":
		if err := sess.Back(ctx); err != nil {
			return reply{}, err
		}
		return reply{Text: "Playing the previous track " + nowPlaying(sess) + "."}, nil

	case "stop":
		if err := sess.Stop(ctx); err != nil {
			return reply{}, err
		}
		return reply{Text: "Stopped Track and cleaned up queue."}, nil

	case "leave":
		if err := c.Manager.Leave(ctx, inv.GuildID); err != nil {
			return reply{}, err
		}
		return reply{Text: "Disconnected Channel and cleaned up the queue."}, nil

	case "pause":
		paused, err := sess.TogglePause(ctx)
		if err != nil {
			return reply{}, err
		}
		if paused {
			return reply{Text: "Paused Track " + nowPlaying(sess)}, nil
		}
		return reply{Text: "Resumed Track " + nowPlaying(sess)}, nil

	case "cleanupleft":
		listeners := c.Guilds.Listeners(inv.GuildID, sess.Snapshot().VoiceChannelID)
		n, err := sess.CleanupAbsentListeners(ctx, listeners)
		if err != nil {
			return reply{}, err
		}
		return reply{Text: fmt.Sprintf("Cleaned up the queue. Removed **%d** tracks.", n)}, nil
	}
	return reply{}, fmt.Errorf("%w: %s", errUnknownSubcommand, inv.Sub)
}

func (c *MusicCommand) play(ctx context.Context, inv invocation) (reply, error) {
	if strings.TrimSpace(inv.Query) == "" {
		return reply{}, errMissingQuery
	}
	vc, _, inVoice := c.Guilds.UserVoiceState(inv.GuildID, inv.UserID)
	if sess := c.Manager.Session(inv.GuildID); sess != nil {
		if err := c.requireListener(inv, sess); err != nil {
			return reply{}, err
		}
	} else if !inVoice {
		return reply{}, panel.ErrNotInVoice
	}

	sess, err := c.Manager.Ensure(ctx, inv.GuildID, vc, inv.ChannelID)
	if err != nil {
		return reply{}, err
	}
	res, err := sess.Enqueue(ctx, player.Request{
		Query:       inv.Query,
		Source:      inv.Source,
		RequesterID: inv.UserID,
		Force:       inv.Force,
	})
	if err != nil {
		return reply{}, err
	}

	first := res.Tracks[0]
	switch {
	case res.Playlist != "":
		return reply{Text: fmt.Sprintf("Added **%d** tracks from playlist **%s** to the queue.", len(res.Tracks), res.Playlist)}, nil
	case res.Started:
		return reply{Text: "Now playing " + link(first) + "."}, nil
	}
	return reply{Text: "Added " + link(first) + " to the queue."}, nil
}

func (c *MusicCommand) connect(ctx context.Context, inv invocation) (reply, error) {
	if c.Manager.Session(inv.GuildID) != nil {
		return reply{}, manager.ErrAlreadyConnected
	}
	vc, _, ok := c.Guilds.UserVoiceState(inv.GuildID, inv.UserID)
	if !ok {
		return reply{}, panel.ErrNotInVoice
	}
	if c.Channels != nil {
		if err := c.Channels.SetMusicChannel(inv.GuildID, inv.ChannelID); err != nil {
			return reply{}, fmt.Errorf("bind music channel: %w", err)
		}
	}
	if _, err := c.Manager.Connect(ctx, inv.GuildID, vc, inv.ChannelID); err != nil {
		return reply{}, err
	}
	return reply{Text: "Connected and bound to <#" + inv.ChannelID + ">"}, nil
}

func (c *MusicCommand) listenStart(ctx context.Context, inv invocation) (reply, error) {
	if c.Presence == nil {
		return reply{}, errListenUnavailable
	}
	target := inv.Target
	if target == "" {
		target = inv.UserID
	}

	vc, _, inVoice := c.Guilds.UserVoiceState(inv.GuildID, inv.UserID)
	if sess := c.Manager.Session(inv.GuildID); sess != nil {
		if err := c.requireListener(inv, sess); err != nil {
			return reply{}, err
		}
	} else if !inVoice {
		return reply{}, panel.ErrNotInVoice
	}

	sess, err := c.Manager.Ensure(ctx, inv.GuildID, vc, inv.ChannelID)
	if err != nil {
		return reply{}, err
	}
	t, err := c.Presence.Start(ctx, sess, target, inv.UserID)
	if err != nil {
		return reply{}, err
	}
	return reply{Text: fmt.Sprintf("Listening together with <@%s>: %s", target, link(t))}, nil
}

func skip(ctx context.Context, sess *player.Session, force bool) (reply, error) {
	err := sess.Skip(ctx, force)
	if errors.Is(err, player.ErrEmptyQueue) {
		return reply{Text: "The queue is empty, stopping playback."}, nil
	}
	if err != nil {
		return reply{}, err
	}
	return reply{Text: "Skipped to " + nowPlaying(sess) + "."}, nil
}

// isDJ reports whether the caller may bypass voice checks.
func (c *MusicCommand) isDJ(inv invocation, sess *player.Session) bool {
	if sess != nil && sess.Snapshot().DJUserID == inv.UserID {
		return true
	}
	return c.Guilds.IsDJ(inv.GuildID, inv.Member)
}

// requireListener lets DJs through and otherwise demands that the caller
// hears the bot.
func (c *MusicCommand) requireListener(inv invocation, sess *player.Session) error {
	if c.isDJ(inv, sess) {
		return nil
	}
	ch, deaf, ok := c.Guilds.UserVoiceState(inv.GuildID, inv.UserID)
	switch {
	case !ok:
		return panel.ErrNotInVoice
	case ch != sess.Snapshot().VoiceChannelID:
		return panel.ErrWrongChannel
	case deaf:
		return panel.ErrDeafened
	}
	return nil
}

// parseTimestamp reads "H:M:S", "M:S" or plain seconds.
func parseTimestamp(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if s == "" || len(parts) > 3 {
		return 0, errInvalidTimestamp
	}
	var total time.Duration
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || (i > 0 && n > 59) {
			return 0, errInvalidTimestamp
		}
		total = total*60 + time.Duration(n)
	}
	return total * time.Second, nil
}

func nowPlaying(sess *player.Session) string {
	cur, _ := sess.Current()
	if cur == nil {
		return "nothing"
	}
	return link(cur)
}

func link(t *track.Track) string {
	if t.URI() == "" {
		return "**" + t.Title() + "**"
	}
	return "[" + t.Title() + "](" + t.URI() + ")"
}
