package panel

import (
	"fmt"
	"strings"
	"time"

	"github.com/keshon/playdeck/internal/music/player"
	"github.com/keshon/playdeck/internal/music/queue"
	"github.com/keshon/playdeck/internal/music/track"
)

const (
	panelTitle = "Music Player Panel"
	panelColor = 0xb01e66

	activeDescription = "This is the bot's control panel where you can easily perform actions " +
		"of the bot without using a command."
	closedDescription = "The control panel was closed, the queue is currently empty and I got nothing to do.\n" +
		"You can start a new player session with `/music play`.\n\n" +
		"*Once you play a new track, this message becomes the new player panel if it's not deleted, " +
		"otherwise I'm going to create a new panel.*"
)

type ButtonStyle int

const (
	StylePrimary ButtonStyle = iota + 1
	StyleSecondary
	StyleSuccess
	StyleDanger
)

type Button struct {
	Action   Action
	Emoji    string
	Label    string
	Style    ButtonStyle
	Disabled bool
}

type Field struct {
	Name   string
	Value  string
	Inline bool
}

// Payload is a chat-agnostic rendering of the panel.
type Payload struct {
	Title       string
	Description string
	Color       int
	Fields      []Field
	Thumbnail   string
	Footer      string
	Timestamp   time.Time
	Buttons     []Button
}

// Active reports whether the payload shows a running session.
func (p Payload) Active() bool { return len(p.Fields) > 0 }

// Build renders a session snapshot. It has no side effects.
func Build(snap player.Snapshot, now time.Time) Payload {
	p := Payload{
		Title:     panelTitle,
		Color:     panelColor,
		Timestamp: now,
		Buttons:   buttons(snap),
	}

	cur := snap.Current
	if !snap.State.Active() || cur == nil {
		p.Description = closedDescription
		p.Footer = "last updated"
		return p
	}

	p.Description = activeDescription
	p.Fields = append(p.Fields, Field{
		Name: "Now Playing:",
		Value: fmt.Sprintf("**Track:** %s\n**Artist:** %s\n**Bound to:** %s\n**Position in Queue:** %d/%d",
			link(cur.Title(), cur.URI()), orUnknown(cur.Author()), channel(snap.VoiceChannelID), snap.Index, snap.Total),
	})

	if snap.ListenTogether.Enabled {
		p.Fields = append(p.Fields, Field{
			Name:  "Listening-together with:",
			Value: fmt.Sprintf("<@%s>'s Spotify", snap.ListenTogether.UserID),
		})
	}

	status := "```swift\n[ 🔴 LIVE STREAM ]```"
	if !cur.IsStream() {
		status = "```swift\n" + PlayerStamp(cur.Length(), snap.Position) + "```"
	}
	if snap.State == player.StatePaused {
		status = "⏸ **Paused**\n" + status
	}
	p.Fields = append(p.Fields,
		Field{Name: "Status:", Value: status},
		Field{Name: "Loop Mode:", Value: "`" + strings.ToUpper(snap.Mode.String()) + "`", Inline: true},
		Field{Name: "Shuffle Mode:", Value: onOff(snap.Shuffle), Inline: true},
		Field{Name: "Volume:", Value: fmt.Sprintf("```swift\n%s [ %d%% ]```", Bar(snap.Volume, 100, 20), snap.Volume)},
	)

	if cur.Recommended() {
		p.Fields = append(p.Fields, Field{Name: "Recommended via:", Value: "**`" + sourceName(cur.Source()) + "`**"})
	}
	if next := snap.UpNext; next != nil && next != cur {
		eta := now.Add(cur.Length() - snap.Position)
		p.Fields = append(p.Fields, Field{
			Name:  "Next Track:",
			Value: fmt.Sprintf("%s <t:%d:R>", link(next.Title(), next.URI()), eta.Unix()),
		})
	}
	decorate(p.Fields)

	p.Thumbnail = cur.ArtworkURL()
	if snap.Autoplay == player.AutoplayEnabled {
		p.Footer = "Auto-Playing • last updated"
	} else {
		p.Footer = "Manual-Playing • last updated"
	}
	return p
}

// decorate draws the box-drawing frame along the field names.
func decorate(fields []Field) {
	for i := range fields {
		prefix := "╠ "
		switch {
		case i == len(fields)-1:
			prefix = "╚ "
		case i == 0:
			prefix = "╔ "
		}
		fields[i].Name = prefix + fields[i].Name
	}
}

func buttons(snap player.Snapshot) []Button {
	closed := !snap.State.Active() || snap.Total == 0

	shuffle := Button{Action: ActionShuffle, Emoji: "🔀", Style: StyleSecondary, Disabled: closed}
	if snap.Shuffle {
		shuffle.Style = StyleSuccess
	}
	pause := Button{Action: ActionPause, Emoji: "⏸️", Style: StylePrimary, Disabled: closed}
	if snap.State != player.StatePlaying {
		pause.Emoji = "▶️"
	}
	loop := Button{Action: ActionLoop, Emoji: "🔁", Style: StyleSecondary, Disabled: closed}
	switch snap.Mode {
	case queue.ModeLoopTrack:
		loop.Emoji, loop.Style = "🔂", StyleSuccess
	case queue.ModeLoopQueue:
		loop.Style = StyleSuccess
	}

	return []Button{
		shuffle,
		{Action: ActionBack, Emoji: "⏮️", Style: StylePrimary, Disabled: closed || snap.HistoryEmpty},
		pause,
		{Action: ActionNext, Emoji: "⏭️", Style: StylePrimary, Disabled: closed || len(snap.Pending) == 0},
		loop,
		{Action: ActionStop, Emoji: "⏹️", Label: "Stop", Style: StyleDanger, Disabled: closed},
		{Action: ActionVolume, Emoji: "🔊", Label: "Adjust Volume", Style: StyleSecondary, Disabled: closed},
		{Action: ActionLike, Emoji: "🤍", Style: StyleSuccess, Disabled: closed},
	}
}

// PlayerStamp renders "01:05 ▬▬▬🔘▬▬▬▬ 03:20".
func PlayerStamp(length, pos time.Duration) string {
	if pos < 0 {
		pos = 0
	}
	if pos > length {
		pos = length
	}
	return FormatDuration(pos) + " " + Bar(int(pos/time.Second), int(length/time.Second), 20) + " " + FormatDuration(length)
}

// Bar draws a slider of width cells with the knob at cur/total.
func Bar(cur, total, width int) string {
	knob := 0
	if total > 0 {
		knob = cur * width / total
	}
	knob = min(max(knob, 0), width)
	return strings.Repeat("▬", knob) + "🔘" + strings.Repeat("▬", width-knob)
}

// FormatDuration prints mm:ss, or hh:mm:ss from one hour on.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func link(title, uri string) string {
	if uri == "" {
		return title
	}
	return "[" + title + "](" + uri + ")"
}

func channel(id string) string {
	if id == "" {
		return "nowhere"
	}
	return "<#" + id + ">"
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func onOff(on bool) string {
	if on {
		return "**`On`**"
	}
	return "**`Off`**"
}

func sourceName(k track.SourceKind) string {
	switch k {
	case track.SourceYouTube:
		return "YouTube"
	case track.SourceYouTubeMusic:
		return "YouTube Music"
	case track.SourceSoundCloud:
		return "SoundCloud"
	case track.SourceSpotify:
		return "Spotify"
	}
	return "Unknown"
}
