// Package panel keeps a guild's music control panel message in sync with its
// playback session and handles the panel's buttons.
package panel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/keshon/playdeck/internal/music/player"
	"github.com/keshon/playdeck/internal/music/track"
)

var (
	ErrRateLimited     = errors.New("you are being rate limited")
	ErrDeafened        = errors.New("you are deafened")
	ErrWrongChannel    = errors.New("you must be in the bot's voice channel")
	ErrNotInVoice      = errors.New("you must be in a voice channel")
	ErrMessageNotFound = errors.New("panel message not found")
	ErrNoChannel       = errors.New("panel has no channel to post in")
	ErrLikesDisabled   = errors.New("liked songs are not available")
	ErrUnknownAction   = errors.New("unknown panel action")
)

// RateLimitError is returned by CanInteract when a user clicks too fast.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s, try again in %.2f seconds", ErrRateLimited, e.RetryAfter.Seconds())
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

type Action string

const (
	ActionShuffle Action = "shuffle"
	ActionBack    Action = "back"
	ActionPause   Action = "pause"
	ActionNext    Action = "next"
	ActionLoop    Action = "loop"
	ActionStop    Action = "stop"
	ActionVolume  Action = "volume"
	ActionLike    Action = "like"
)

// CustomIDPrefix prefixes the custom id of every panel button.
const CustomIDPrefix = "music:panel:"

func CustomID(a Action) string { return CustomIDPrefix + string(a) }

// ParseCustomID extracts the action from a button custom id.
func ParseCustomID(id string) (Action, bool) {
	a, ok := strings.CutPrefix(id, CustomIDPrefix)
	if !ok {
		return "", false
	}
	switch Action(a) {
	case ActionShuffle, ActionBack, ActionPause, ActionNext, ActionLoop, ActionStop, ActionVolume, ActionLike:
		return Action(a), true
	}
	return "", false
}

// Binding is where the panel message lives.
type Binding struct {
	ChannelID string
	MessageID string
}

type BindingStore interface {
	Binding(ctx context.Context, guildID string) (Binding, error)
	SaveBinding(ctx context.Context, guildID string, b Binding) error
}

// Renderer posts panel payloads to the chat service. Edit returns
// ErrMessageNotFound when the message was deleted.
type Renderer interface {
	Send(ctx context.Context, channelID string, p Payload) (string, error)
	Edit(ctx context.Context, channelID, messageID string, p Payload) error
	Notify(ctx context.Context, channelID, text string) error
}

type LikeStore interface {
	ToggleLike(ctx context.Context, userID string, t *track.Track) (bool, error)
}

// Member is the clicking user's voice situation.
type Member struct {
	UserID         string
	VoiceChannelID string
	Deafened       bool
	DJ             bool
}

// Response is what the gateway should answer an interaction with. An empty
// Text means the panel update is the only feedback.
type Response struct {
	Text      string
	Ephemeral bool
	// VolumeModal asks the gateway to open the volume dialog.
	VolumeModal bool
}

type Options struct {
	Session  *player.Session
	Bindings BindingStore
	Renderer Renderer
	Likes    LikeStore
	Cooldown *Cooldown
	Now      func() time.Time
	Logger   zerolog.Logger
}

type Panel struct {
	sess     *player.Session
	bindings BindingStore
	renderer Renderer
	likes    LikeStore
	cooldown *Cooldown
	now      func() time.Time
	log      zerolog.Logger

	// mu serializes renders so two updates never both post a new message.
	mu      sync.Mutex
	binding Binding
	loaded  bool
}

func New(opts Options) *Panel {
	if opts.Cooldown == nil {
		opts.Cooldown = NewCooldown(CooldownOptions{})
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Panel{
		sess:     opts.Session,
		bindings: opts.Bindings,
		renderer: opts.Renderer,
		likes:    opts.Likes,
		cooldown: opts.Cooldown,
		now:      opts.Now,
		log:      opts.Logger.With().Str("guild", opts.Session.GuildID()).Logger(),
	}
}

func (p *Panel) Binding() Binding {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.binding
}

func (p *Panel) bindingLocked(ctx context.Context, snap player.Snapshot) Binding {
	if !p.loaded && p.bindings != nil {
		b, err := p.bindings.Binding(ctx, snap.GuildID)
		if err != nil {
			p.log.Warn().Err(err).Msg("[Panel] failed to load binding")
		} else {
			p.binding = b
		}
		p.loaded = true
	}
	if p.binding.ChannelID == "" {
		p.binding.ChannelID = snap.TextChannelID
	}
	return p.binding
}

// Update renders the session into the panel message. A deleted message is
// replaced by a new one whose id is persisted.
func (p *Panel) Update(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := p.sess.Snapshot()
	b := p.bindingLocked(ctx, snap)
	if b.ChannelID == "" {
		return ErrNoChannel
	}
	payload := Build(snap, p.now())

	if b.MessageID != "" {
		err := p.renderer.Edit(ctx, b.ChannelID, b.MessageID, payload)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrMessageNotFound) {
			return fmt.Errorf("edit panel: %w", err)
		}
		p.log.Debug().Str("message", b.MessageID).Msg("[Panel] panel message is gone, posting a new one")
	}

	id, err := p.renderer.Send(ctx, b.ChannelID, payload)
	if err != nil {
		return fmt.Errorf("send panel: %w", err)
	}
	p.binding.MessageID = id
	if p.bindings != nil {
		if err := p.bindings.SaveBinding(ctx, snap.GuildID, p.binding); err != nil {
			p.log.Warn().Err(err).Msg("[Panel] failed to save binding")
		}
	}
	return nil
}

// Notify posts a plain notice next to the panel.
func (p *Panel) Notify(ctx context.Context, text string) error {
	p.mu.Lock()
	b := p.bindingLocked(ctx, p.sess.Snapshot())
	p.mu.Unlock()
	if b.ChannelID == "" {
		return ErrNoChannel
	}
	return p.renderer.Notify(ctx, b.ChannelID, text)
}

// CanInteract decides whether m may use the panel. Checks run in order:
// cooldown, DJ override, deafened, channel mismatch, not in voice.
func (p *Panel) CanInteract(m Member) error {
	if wait, ok := p.cooldown.Allow(m.UserID); !ok {
		return &RateLimitError{RetryAfter: wait}
	}

	snap := p.sess.Snapshot()
	botVC := ""
	if snap.State != player.StateDisconnected {
		botVC = snap.VoiceChannelID
	}
	dj := m.DJ || (snap.DJUserID != "" && m.UserID == snap.DJUserID)

	switch {
	case dj && botVC != "" && m.VoiceChannelID == "":
		return nil
	case botVC != "" && m.VoiceChannelID == botVC && m.Deafened:
		return ErrDeafened
	case botVC != "" && m.VoiceChannelID != botVC:
		return ErrWrongChannel
	case m.VoiceChannelID == "":
		return ErrNotInVoice
	}
	return nil
}

// Handle runs a button action for m. value carries the volume dialog input.
func (p *Panel) Handle(ctx context.Context, m Member, action Action, value string) (Response, error) {
	if err := p.CanInteract(m); err != nil {
		return Response{}, err
	}
	p.log.Debug().Str("user", m.UserID).Str("action", string(action)).Msg("[Panel] action")

	switch action {
	case ActionShuffle:
		p.sess.ToggleShuffle(ctx)
		return Response{}, nil

	case ActionBack:
		return Response{}, p.sess.Back(ctx)

	case ActionPause:
		_, err := p.sess.TogglePause(ctx)
		return Response{}, err

	case ActionNext:
		err := p.sess.Skip(ctx, true)
		if errors.Is(err, player.ErrEmptyQueue) {
			return Response{Text: "The queue is empty, stopping playback.", Ephemeral: true}, nil
		}
		return Response{}, err

	case ActionLoop:
		p.sess.CycleLoopMode(ctx)
		return Response{}, nil

	case ActionStop:
		if err := p.sess.Disconnect(ctx); err != nil {
			return Response{}, err
		}
		return Response{Text: "Stopped the track and cleaned up the queue."}, nil

	case ActionVolume:
		if strings.TrimSpace(value) == "" {
			return Response{VolumeModal: true}, nil
		}
		v, err := ParseVolume(value)
		if err != nil {
			return Response{}, err
		}
		if err := p.sess.SetVolume(ctx, v); err != nil {
			return Response{}, err
		}
		return Response{Text: fmt.Sprintf("Volume set to **%d%%**.", v), Ephemeral: true}, nil

	case ActionLike:
		return p.like(ctx, m.UserID)
	}
	return Response{}, fmt.Errorf("%w: %q", ErrUnknownAction, action)
}

func (p *Panel) like(ctx context.Context, userID string) (Response, error) {
	if p.likes == nil {
		return Response{}, ErrLikesDisabled
	}
	cur, _ := p.sess.Current()
	if cur == nil {
		return Response{}, player.ErrNothingPlaying
	}
	liked, err := p.likes.ToggleLike(ctx, userID, cur)
	if err != nil {
		return Response{}, fmt.Errorf("toggle like: %w", err)
	}
	if liked {
		return Response{Text: fmt.Sprintf("Added `%s` to your liked songs.", cur.Title()), Ephemeral: true}, nil
	}
	return Response{Text: fmt.Sprintf("Removed `%s` from your liked songs.", cur.Title()), Ephemeral: true}, nil
}

// ParseVolume reads the volume dialog input, which accepts 1 to 100.
func ParseVolume(s string) (int, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "%")
	v, err := strconv.Atoi(s)
	if err != nil || v < 1 || v > 100 {
		return 0, player.ErrInvalidVolume
	}
	return v, nil
}
