package music

import (
	"errors"
	"fmt"
	"strings"

	"github.com/keshon/playdeck/internal/music/manager"
	"github.com/keshon/playdeck/internal/music/panel"
	"github.com/keshon/playdeck/internal/music/player"
	"github.com/keshon/playdeck/internal/music/presence"
	"github.com/keshon/playdeck/internal/music/track"
)

const (
	queuePageSize  = 30
	maxTitleLength = 60
)

// userMessage translates err into what the user is told. ok is false for
// errors nobody anticipated; those deserve a log line.
func userMessage(err error) (msg string, ok bool) {
	var rl *panel.RateLimitError
	switch {
	case errors.As(err, &rl):
		return capitalize(rl.Error()) + ".", true
	case errors.Is(err, manager.ErrNotConnected):
		return "I'm not connected to a voice channel. Use `/music play` or `/music connect` first.", true
	case errors.Is(err, manager.ErrAlreadyConnected):
		return "I'm already connected to a voice channel.", true
	case errors.Is(err, panel.ErrNotInVoice):
		return "You must be in a voice channel to use this command.", true
	case errors.Is(err, panel.ErrWrongChannel):
		return "You must be in the same voice channel as me.", true
	case errors.Is(err, panel.ErrDeafened):
		return "You can't control the player while deafened.", true
	case errors.Is(err, panel.ErrLikesDisabled):
		return "Liked songs are not available.", true
	case errors.Is(err, player.ErrSearchFailed):
		return "Could not find any tracks for your query.", true
	case errors.Is(err, player.ErrBlacklisted):
		return "This track is blacklisted.", true
	case errors.Is(err, player.ErrEmptyQueue):
		return "The queue is empty.", true
	case errors.Is(err, player.ErrIndexOutOfRange):
		return "There is no track at that position.", true
	case errors.Is(err, player.ErrInvalidSeek):
		return "Cannot seek to that position.", true
	case errors.Is(err, player.ErrInvalidVolume):
		return "Volume must be between 1 and 100.", true
	case errors.Is(err, player.ErrNothingPlaying):
		return "Nothing is playing right now.", true
	case errors.Is(err, player.ErrDisconnected):
		return "The player was disconnected.", true
	case errors.Is(err, presence.ErrNoActivity):
		return "That user is not listening to anything on Spotify.", true
	case errors.Is(err, presence.ErrNotListening):
		return "Listen together is not active.", true
	case errors.Is(err, errListenTogether),
		errors.Is(err, errNotDJ),
		errors.Is(err, errUnknownLoopMode),
		errors.Is(err, errInvalidTimestamp),
		errors.Is(err, errListenUnavailable),
		errors.Is(err, errMissingQuery),
		errors.Is(err, errUnknownSubcommand),
		errors.Is(err, errPanelInactive):
		return capitalize(err.Error()) + ".", true
	}
	return "Something went wrong, please try again later.", false
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// formatQueue lists one page of upcoming tracks.
func formatQueue(snap player.Snapshot, page int) reply {
	pages := max(1, (len(snap.Pending)+queuePageSize-1)/queuePageSize)
	page = min(max(page, 1), pages)

	var b strings.Builder
	b.WriteString("**╔ Now Playing:**\n")
	if cur := snap.Current; cur != nil && snap.State.Active() {
		fmt.Fprintf(&b, "%s `%s`\n", shortLink(cur.Title(), cur.URI()), length(cur))
	} else {
		b.WriteString("Nothing\n")
	}

	b.WriteString("\n**╠ Up Next:**\n")
	start := (page - 1) * queuePageSize
	end := min(start+queuePageSize, len(snap.Pending))
	if start >= end {
		b.WriteString("The queue is empty.\n")
	}
	for i, t := range snap.Pending[start:end] {
		fmt.Fprintf(&b, "`%d.` %s `%s`", start+i+1, shortLink(t.Title(), t.URI()), length(t))
		if t.RequesterID() != "" {
			fmt.Fprintf(&b, " • <@%s>", t.RequesterID())
		}
		b.WriteString("\n")
	}

	shuffle := "off"
	if snap.Shuffle {
		shuffle = "on"
	}
	fmt.Fprintf(&b, "\n**╚ Settings:** DJ <@%s> • Loop `%s` • Shuffle `%s` • Volume `%d%%`",
		snap.DJUserID, snap.Mode, shuffle, snap.Volume)

	return reply{
		Title:  "Music Queue",
		Text:   b.String(),
		Footer: fmt.Sprintf("Page %d/%d • Total: %d • History: %d", page, pages, snap.Total, len(snap.History)),
	}
}

func shortLink(title, uri string) string {
	if r := []rune(title); len(r) > maxTitleLength {
		title = string(r[:maxTitleLength-1]) + "…"
	}
	if uri == "" {
		return title
	}
	return "[" + title + "](" + uri + ")"
}

func length(t *track.Track) string {
	if t.IsStream() {
		return "LIVE"
	}
	return panel.FormatDuration(t.Length())
}
