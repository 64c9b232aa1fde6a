package panel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/playdeck/internal/music/node"
	"github.com/keshon/playdeck/internal/music/player"
	"github.com/keshon/playdeck/internal/music/queue"
	"github.com/keshon/playdeck/internal/music/track"
)

type nopPlayer struct{}

func (nopPlayer) Play(context.Context, *track.Track, node.PlayOptions) error { return nil }
func (nopPlayer) Stop(context.Context) error                                 { return nil }
func (nopPlayer) Seek(context.Context, time.Duration) error                  { return nil }
func (nopPlayer) SetVolume(context.Context, int) error                       { return nil }
func (nopPlayer) Pause(context.Context, bool) error                          { return nil }
func (nopPlayer) Destroy(context.Context) error                              { return nil }

// catalog resolves every query to one track named after it.
type catalog struct{}

func (catalog) Search(_ context.Context, q string, _ track.SourceKind) (*node.SearchResult, error) {
	t := track.MustNew(track.Info{
		Encoded:  "enc:" + q,
		Title:    q,
		URI:      "https://example.com/" + q,
		Author:   "Artist",
		Length:   3 * time.Minute,
		Seekable: true,
	})
	return &node.SearchResult{LoadType: node.LoadTrack, Tracks: []*track.Track{t}}, nil
}
func (catalog) Player(string) node.Player { return nopPlayer{} }
func (catalog) Events() <-chan node.Event { return nil }
func (catalog) UpdateVoice(context.Context, string, node.VoiceUpdate) error {
	return nil
}

type fakeRenderer struct {
	mu       sync.Mutex
	next     int
	messages map[string]Payload
	sends    int
	edits    int
	notices  []string
	last     Payload
}

func newRenderer() *fakeRenderer { return &fakeRenderer{messages: map[string]Payload{}} }

func (r *fakeRenderer) Send(_ context.Context, _ string, p Payload) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	id := fmt.Sprintf("m%d", r.next)
	r.messages[id] = p
	r.sends++
	r.last = p
	return id, nil
}

func (r *fakeRenderer) Edit(_ context.Context, _, id string, p Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.messages[id]; !ok {
		return ErrMessageNotFound
	}
	r.messages[id] = p
	r.edits++
	r.last = p
	return nil
}

func (r *fakeRenderer) Notify(_ context.Context, _, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, text)
	return nil
}

func (r *fakeRenderer) delete(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.messages, id)
}

func (r *fakeRenderer) lastPayload() Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

type memBindings struct {
	mu sync.Mutex
	m  map[string]Binding
}

func (s *memBindings) Binding(_ context.Context, guildID string) (Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[guildID], nil
}

func (s *memBindings) SaveBinding(_ context.Context, guildID string, b Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[guildID] = b
	return nil
}

type likes struct {
	liked map[string]bool
}

func (l *likes) ToggleLike(_ context.Context, userID string, t *track.Track) (bool, error) {
	k := userID + "|" + t.URI()
	l.liked[k] = !l.liked[k]
	return l.liked[k], nil
}

type fixture struct {
	sess     *player.Session
	panel    *Panel
	renderer *fakeRenderer
	bindings *memBindings
}

func newFixture(t *testing.T, cd *Cooldown) *fixture {
	t.Helper()
	f := &fixture{
		renderer: newRenderer(),
		bindings: &memBindings{m: map[string]Binding{}},
	}
	f.sess = player.New(player.Options{
		GuildID:        "g",
		VoiceChannelID: "vc",
		TextChannelID:  "tc",
		DJUserID:       "bot",
		Node:           catalog{},
		Logger:         zerolog.Nop(),
	})
	if cd == nil {
		cd = NewCooldown(CooldownOptions{Rate: 1000, Per: time.Second})
	}
	f.panel = New(Options{
		Session:  f.sess,
		Bindings: f.bindings,
		Renderer: f.renderer,
		Likes:    &likes{liked: map[string]bool{}},
		Cooldown: cd,
		Logger:   zerolog.Nop(),
	})
	f.sess.SetPanel(f.panel)
	return f
}

func (f *fixture) play(t *testing.T, queries ...string) {
	t.Helper()
	for _, q := range queries {
		_, err := f.sess.Enqueue(context.Background(), player.Request{Query: q, RequesterID: "u1"})
		require.NoError(t, err)
	}
}

var listener = Member{UserID: "u1", VoiceChannelID: "vc"}

func TestCooldownAllowsRateWithinWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cd := NewCooldown(CooldownOptions{Rate: 2, Per: 5 * time.Second, Now: func() time.Time { return now }})

	_, ok := cd.Allow("a")
	assert.True(t, ok)
	_, ok = cd.Allow("a")
	assert.True(t, ok)
	wait, ok := cd.Allow("a")
	assert.False(t, ok)
	assert.Equal(t, 5*time.Second, wait)

	_, ok = cd.Allow("b")
	assert.True(t, ok, "users are limited independently")

	start := now
	for _, at := range []time.Duration{2500 * time.Millisecond, 4999 * time.Millisecond} {
		now = start.Add(at)
		_, ok = cd.Allow("a")
		assert.False(t, ok, "third action at %s is still inside the window", at)
	}

	now = start.Add(5 * time.Second)
	_, ok = cd.Allow("a")
	assert.True(t, ok)
}

func TestCooldownIsBounded(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cd := NewCooldown(CooldownOptions{Rate: 2, Per: 5 * time.Second, MaxEntries: 2, Now: func() time.Time { return now }})

	cd.Allow("a")
	now = now.Add(time.Second)
	cd.Allow("b")
	now = now.Add(time.Second)
	cd.Allow("c")
	assert.Equal(t, 2, cd.Len())

	now = now.Add(10 * time.Second)
	assert.Equal(t, 2, cd.Sweep())
	assert.Equal(t, 0, cd.Len())
}

func TestParseCustomID(t *testing.T) {
	a, ok := ParseCustomID(CustomID(ActionLoop))
	require.True(t, ok)
	assert.Equal(t, ActionLoop, a)

	_, ok = ParseCustomID("music:panel:dance")
	assert.False(t, ok)
	_, ok = ParseCustomID("other:loop")
	assert.False(t, ok)
}

func TestBuildClosedPanel(t *testing.T) {
	sess := player.New(player.Options{GuildID: "g", Node: catalog{}, Logger: zerolog.Nop()})
	p := Build(sess.Snapshot(), time.Now())

	assert.False(t, p.Active())
	assert.Equal(t, closedDescription, p.Description)
	require.Len(t, p.Buttons, 8)
	for _, b := range p.Buttons {
		assert.True(t, b.Disabled, b.Action)
	}
}

func TestBuildPlayingPanel(t *testing.T) {
	f := newFixture(t, nil)
	f.play(t, "one", "two")

	p := Build(f.sess.Snapshot(), time.Now())
	require.True(t, p.Active())
	assert.Equal(t, "Auto-Playing • last updated", p.Footer)
	assert.True(t, strings.HasPrefix(p.Fields[0].Name, "╔ Now Playing"))
	assert.True(t, strings.HasPrefix(p.Fields[len(p.Fields)-1].Name, "╚ Next Track"))
	assert.Contains(t, p.Fields[0].Value, "[one](https://example.com/one)")
	assert.Contains(t, p.Fields[0].Value, "1/2")
	assert.Contains(t, p.Fields[0].Value, "<#vc>")

	byAction := map[Action]Button{}
	for _, b := range p.Buttons {
		byAction[b.Action] = b
	}
	assert.True(t, byAction[ActionBack].Disabled, "nothing to go back to")
	assert.False(t, byAction[ActionNext].Disabled)
	assert.False(t, byAction[ActionStop].Disabled)
	assert.Equal(t, "⏸️", byAction[ActionPause].Emoji)
}

func TestUpdateRecreatesMissingMessage(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.panel.Update(ctx))
	first := f.panel.Binding()
	assert.Equal(t, Binding{ChannelID: "tc", MessageID: "m1"}, first)

	require.NoError(t, f.panel.Update(ctx))
	assert.Equal(t, 1, f.renderer.sends)
	assert.Equal(t, 1, f.renderer.edits)

	f.renderer.delete("m1")
	require.NoError(t, f.panel.Update(ctx))
	assert.Equal(t, 2, f.renderer.sends)
	assert.Equal(t, "m2", f.panel.Binding().MessageID)

	saved, _ := f.bindings.Binding(ctx, "g")
	assert.Equal(t, "m2", saved.MessageID)
}

func TestUpdateUsesStoredBinding(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.renderer.messages["m9"] = Payload{}
	require.NoError(t, f.bindings.SaveBinding(ctx, "g", Binding{ChannelID: "music", MessageID: "m9"}))

	require.NoError(t, f.panel.Update(ctx))
	assert.Equal(t, 0, f.renderer.sends)
	assert.Equal(t, 1, f.renderer.edits)
	assert.Equal(t, "music", f.panel.Binding().ChannelID)
}

func TestCanInteract(t *testing.T) {
	f := newFixture(t, nil)
	f.play(t, "one")

	cases := []struct {
		name string
		m    Member
		want error
	}{
		{"listener in channel", listener, nil},
		{"dj role outside voice", Member{UserID: "u2", DJ: true}, nil},
		{"dj user outside voice", Member{UserID: "bot"}, nil},
		{"deafened in channel", Member{UserID: "u2", VoiceChannelID: "vc", Deafened: true}, ErrDeafened},
		{"deafened elsewhere", Member{UserID: "u2", VoiceChannelID: "other", Deafened: true}, ErrWrongChannel},
		{"other channel", Member{UserID: "u2", VoiceChannelID: "other"}, ErrWrongChannel},
		{"dj in other channel", Member{UserID: "u2", VoiceChannelID: "other", DJ: true}, ErrWrongChannel},
		{"absent", Member{UserID: "u2"}, ErrWrongChannel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := f.panel.CanInteract(tc.m)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}

	require.NoError(t, f.sess.Disconnect(context.Background()))
	assert.ErrorIs(t, f.panel.CanInteract(Member{UserID: "u2"}), ErrNotInVoice)
	assert.NoError(t, f.panel.CanInteract(Member{UserID: "u2", VoiceChannelID: "any"}))
}

func TestCanInteractRateLimited(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, NewCooldown(CooldownOptions{Rate: 2, Per: 5 * time.Second, Now: func() time.Time { return now }}))
	f.play(t, "one")

	require.NoError(t, f.panel.CanInteract(listener))
	require.NoError(t, f.panel.CanInteract(listener))

	err := f.panel.CanInteract(listener)
	assert.ErrorIs(t, err, ErrRateLimited)
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 5*time.Second, rl.RetryAfter)
}

func TestHandleToggles(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.play(t, "one", "two")

	_, err := f.panel.Handle(ctx, listener, ActionShuffle, "")
	require.NoError(t, err)
	assert.True(t, f.sess.Snapshot().Shuffle)

	_, err = f.panel.Handle(ctx, listener, ActionLoop, "")
	require.NoError(t, err)
	assert.Equal(t, queue.ModeLoopTrack, f.sess.Snapshot().Mode)

	_, err = f.panel.Handle(ctx, listener, ActionPause, "")
	require.NoError(t, err)
	assert.Equal(t, player.StatePaused, f.sess.State())
	for _, b := range f.renderer.lastPayload().Buttons {
		if b.Action == ActionPause {
			assert.Equal(t, "▶️", b.Emoji)
		}
	}
}

func TestHandleNextAndBack(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.play(t, "one", "two")

	_, err := f.panel.Handle(ctx, listener, ActionNext, "")
	require.NoError(t, err)
	cur, _ := f.sess.Current()
	assert.Equal(t, "two", cur.Title())

	_, err = f.panel.Handle(ctx, listener, ActionBack, "")
	require.NoError(t, err)
	cur, _ = f.sess.Current()
	assert.Equal(t, "one", cur.Title())

	_, err = f.panel.Handle(ctx, listener, ActionBack, "")
	assert.ErrorIs(t, err, player.ErrEmptyQueue)
}

func TestHandleVolume(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.play(t, "one")

	resp, err := f.panel.Handle(ctx, listener, ActionVolume, "")
	require.NoError(t, err)
	assert.True(t, resp.VolumeModal)

	_, err = f.panel.Handle(ctx, listener, ActionVolume, "150")
	assert.ErrorIs(t, err, player.ErrInvalidVolume)
	_, err = f.panel.Handle(ctx, listener, ActionVolume, "loud")
	assert.ErrorIs(t, err, player.ErrInvalidVolume)

	resp, err = f.panel.Handle(ctx, listener, ActionVolume, " 40% ")
	require.NoError(t, err)
	assert.Equal(t, 40, f.sess.Volume())
	assert.True(t, resp.Ephemeral)
}

func TestHandleLikeToggles(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.play(t, "one")

	resp, err := f.panel.Handle(ctx, listener, ActionLike, "")
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "Added `one`")

	resp, err = f.panel.Handle(ctx, listener, ActionLike, "")
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "Removed `one`")
}

func TestHandleStopClosesPanel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.play(t, "one")
	require.True(t, f.renderer.lastPayload().Active())

	resp, err := f.panel.Handle(ctx, listener, ActionStop, "")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Text)
	assert.Equal(t, player.StateDisconnected, f.sess.State())
	assert.False(t, f.renderer.lastPayload().Active())
}

func TestNotifyUsesBoundChannel(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.panel.Notify(context.Background(), "hello"))
	assert.Equal(t, []string{"hello"}, f.renderer.notices)
}

func TestStamps(t *testing.T) {
	assert.Equal(t, "03:05", FormatDuration(185*time.Second))
	assert.Equal(t, "01:00:01", FormatDuration(time.Hour+time.Second))
	assert.Equal(t, "🔘"+strings.Repeat("▬", 4), Bar(0, 10, 4))
	assert.Equal(t, strings.Repeat("▬", 2)+"🔘"+strings.Repeat("▬", 2), Bar(5, 10, 4))
	assert.Equal(t, strings.Repeat("▬", 4)+"🔘", Bar(50, 10, 4))
	assert.True(t, strings.HasPrefix(PlayerStamp(time.Minute, 2*time.Minute), "01:00 "))
}
