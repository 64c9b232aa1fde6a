package music

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/playdeck/internal/music/manager"
	"github.com/keshon/playdeck/internal/music/node"
	"github.com/keshon/playdeck/internal/music/panel"
	"github.com/keshon/playdeck/internal/music/player"
	"github.com/keshon/playdeck/internal/music/presence"
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

// catalog resolves every query to a fresh three minute track named after
// it. Queries starting with "list:" resolve to a two track playlist.
type catalog struct{}

func (catalog) Search(_ context.Context, q string, _ track.SourceKind) (*node.SearchResult, error) {
	mk := func(title string) *track.Track {
		return track.MustNew(track.Info{
			Encoded:  "enc:" + title,
			Title:    title,
			URI:      "https://tracks.example/" + title,
			Length:   3 * time.Minute,
			Seekable: true,
		})
	}
	if name, ok := strings.CutPrefix(q, "list:"); ok {
		return &node.SearchResult{
			LoadType:     node.LoadPlaylist,
			PlaylistName: name,
			Tracks:       []*track.Track{mk(name + "-1"), mk(name + "-2")},
			Selected:     -1,
		}, nil
	}
	return &node.SearchResult{LoadType: node.LoadSearch, Tracks: []*track.Track{mk(q)}}, nil
}
func (catalog) Player(string) node.Player { return nopPlayer{} }
func (catalog) Events() <-chan node.Event { return nil }
func (catalog) UpdateVoice(context.Context, string, node.VoiceUpdate) error {
	return nil
}

type voice struct {
	mu     sync.Mutex
	joined map[string]string
}

func (v *voice) Join(_ context.Context, guildID, channelID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.joined[guildID] = channelID
	return nil
}

func (v *voice) Leave(_ context.Context, guildID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.joined, guildID)
	return nil
}

type renderer struct{}

func (renderer) Send(context.Context, string, panel.Payload) (string, error) { return "msg", nil }
func (renderer) Edit(context.Context, string, string, panel.Payload) error   { return nil }
func (renderer) Notify(context.Context, string, string) error                { return nil }

type volumes struct {
	mu   sync.Mutex
	vols map[string]int
}

func (v *volumes) Volume(guildID string, def int) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n, ok := v.vols[guildID]; ok {
		return n
	}
	return def
}

func (v *volumes) SetVolume(guildID string, n int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vols[guildID] = n
	return nil
}

type guilds struct {
	voice     map[string]string
	deaf      map[string]bool
	djs       map[string]bool
	listeners []string
}

func (g *guilds) UserVoiceState(_, userID string) (string, bool, bool) {
	ch, ok := g.voice[userID]
	return ch, g.deaf[userID], ok
}

func (g *guilds) Listeners(string, string) []string { return g.listeners }

func (g *guilds) IsDJ(_ string, m *discordgo.Member) bool {
	return m != nil && m.User != nil && g.djs[m.User.ID]
}

type channels map[string]string

func (c channels) SetMusicChannel(guildID, channelID string) error {
	c[guildID] = channelID
	return nil
}

type activities map[string]presence.Activity

func (a activities) Activity(_ context.Context, _, userID string) (presence.Activity, bool) {
	act, ok := a[userID]
	return act, ok
}

type fixture struct {
	cmd      *MusicCommand
	voice    *voice
	vols     *volumes
	guilds   *guilds
	channels channels
	acts     activities
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		voice: &voice{joined: map[string]string{}},
		vols:  &volumes{vols: map[string]int{}},
		guilds: &guilds{
			voice: map[string]string{"alice": "vc", "bob": "vc", "carol": "elsewhere"},
			deaf:  map[string]bool{},
			djs:   map[string]bool{"dj": true},
		},
		channels: channels{},
		acts:     activities{},
	}
	m := manager.New(manager.Options{
		Node:      catalog{},
		Voice:     f.voice,
		Renderer:  renderer{},
		Volumes:   f.vols,
		BotUserID: func() string { return "bot" },
		Logger:    zerolog.Nop(),
	})
	ps := presence.New(presence.Options{Source: f.acts, Logger: zerolog.Nop()})
	t.Cleanup(func() {
		_ = m.Close(context.Background())
		ps.Close()
	})
	f.cmd = &MusicCommand{
		Manager:  m,
		Presence: ps,
		Guilds:   f.guilds,
		Channels: f.channels,
		Logger:   zerolog.Nop(),
	}
	return f
}

func (f *fixture) run(t *testing.T, user, sub string, mod ...func(*invocation)) (reply, error) {
	t.Helper()
	inv := invocation{
		Sub:       sub,
		GuildID:   "g",
		ChannelID: "tc",
		UserID:    user,
		Member:    &discordgo.Member{User: &discordgo.User{ID: user}},
		Source:    track.SourceYouTubeMusic,
	}
	for _, fn := range mod {
		fn(&inv)
	}
	return f.cmd.execute(context.Background(), inv)
}

func query(q string) func(*invocation) { return func(i *invocation) { i.Query = q } }

func (f *fixture) mustPlay(t *testing.T, queries ...string) *player.Session {
	t.Helper()
	for _, q := range queries {
		_, err := f.run(t, "alice", "play", query(q))
		require.NoError(t, err)
	}
	sess := f.cmd.Manager.Session("g")
	require.NotNil(t, sess)
	return sess
}

func TestPlay(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "alice", "play", query("first"))
	require.NoError(t, err)
	assert.Equal(t, "Now playing [first](https://tracks.example/first).", out.Text)
	assert.Equal(t, "vc", f.voice.joined["g"])

	out, err = f.run(t, "bob", "play", query("second"))
	require.NoError(t, err)
	assert.Equal(t, "Added [second](https://tracks.example/second) to the queue.", out.Text)

	out, err = f.run(t, "alice", "play", query("list:mix"))
	require.NoError(t, err)
	assert.Equal(t, "Added **2** tracks from playlist **mix** to the queue.", out.Text)

	snap := f.cmd.Manager.Session("g").Snapshot()
	require.Len(t, snap.Pending, 3)
	assert.Equal(t, "bob", snap.Pending[0].RequesterID())
}

func TestPlayVoiceChecks(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "nobody", "play", query("x"))
	assert.ErrorIs(t, err, panel.ErrNotInVoice)
	assert.Nil(t, f.cmd.Manager.Session("g"))

	_, err = f.run(t, "alice", "play", query(" "))
	assert.ErrorIs(t, err, errMissingQuery)

	f.mustPlay(t, "first")

	_, err = f.run(t, "carol", "play", query("x"))
	assert.ErrorIs(t, err, panel.ErrWrongChannel)

	f.guilds.deaf["bob"] = true
	_, err = f.run(t, "bob", "play", query("x"))
	assert.ErrorIs(t, err, panel.ErrDeafened)

	_, err = f.run(t, "dj", "play", query("from-dj"))
	assert.NoError(t, err, "DJs need not be in voice")
}

func TestCommandsNeedSession(t *testing.T) {
	f := newFixture(t)
	for _, sub := range []string{"skip", "pause", "stop", "leave", "queue", "cleanupleft"} {
		_, err := f.run(t, "alice", sub)
		assert.ErrorIs(t, err, manager.ErrNotConnected, sub)
	}
}

func TestSkip(t *testing.T) {
	f := newFixture(t)
	sess := f.mustPlay(t, "first", "second")

	out, err := f.run(t, "alice", "skip")
	require.NoError(t, err)
	assert.Equal(t, "Skipped to [second](https://tracks.example/second).", out.Text)

	out, err = f.run(t, "alice", "skip")
	require.NoError(t, err)
	assert.Equal(t, "The queue is empty, stopping playback.", out.Text)
	assert.Equal(t, player.StateStopped, sess.State())
}

func TestForceSkipNeedsDJ(t *testing.T) {
	f := newFixture(t)
	sess := f.mustPlay(t, "first", "second")
	sess.SetLoopMode(context.Background(), queue.ModeLoopTrack)

	_, err := f.run(t, "alice", "forceskip")
	assert.ErrorIs(t, err, errNotDJ)

	out, err := f.run(t, "dj", "forceskip")
	require.NoError(t, err)
	assert.Contains(t, out.Text, "second")
}

func TestSeek(t *testing.T) {
	f := newFixture(t)
	f.mustPlay(t, "first")

	out, err := f.run(t, "alice", "seek", func(i *invocation) { i.Timestamp = "1:30" })
	require.NoError(t, err)
	assert.Equal(t, "Seeked to position `01:30`", out.Text)

	_, err = f.run(t, "alice", "seek", func(i *invocation) { i.Timestamp = "soon" })
	assert.ErrorIs(t, err, errInvalidTimestamp)

	_, err = f.run(t, "alice", "seek", func(i *invocation) { i.Timestamp = "10:00" })
	assert.ErrorIs(t, err, player.ErrInvalidSeek)
}

func TestParseTimestamp(t *testing.T) {
	cases := map[string]time.Duration{
		"45":      45 * time.Second,
		"2:05":    2*time.Minute + 5*time.Second,
		"1:02:03": time.Hour + 2*time.Minute + 3*time.Second,
		"90":      90 * time.Second,
	}
	for in, want := range cases {
		got, err := parseTimestamp(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "1:60", "a:b", "-1", "1:2:3:4"} {
		_, err := parseTimestamp(in)
		assert.ErrorIs(t, err, errInvalidTimestamp, in)
	}
}

func TestVolumeIsRemembered(t *testing.T) {
	f := newFixture(t)
	sess := f.mustPlay(t, "first")

	_, err := f.run(t, "alice", "volume", func(i *invocation) { i.Volume = 0 })
	assert.ErrorIs(t, err, player.ErrInvalidVolume)

	out, err := f.run(t, "alice", "volume", func(i *invocation) { i.Volume = 40 })
	require.NoError(t, err)
	assert.Equal(t, "Volume set to **40%**.", out.Text)
	assert.Equal(t, 40, sess.Volume())
	assert.Equal(t, 40, f.vols.Volume("g", 0))
}

func TestLoopAndShuffle(t *testing.T) {
	f := newFixture(t)
	sess := f.mustPlay(t, "first")

	out, err := f.run(t, "alice", "loop", func(i *invocation) { i.Mode = "track" })
	require.NoError(t, err)
	assert.Equal(t, "Loop Mode changed to `loop track`", out.Text)
	assert.Equal(t, queue.ModeLoopTrack, sess.Snapshot().Mode)

	_, err = f.run(t, "alice", "loop", func(i *invocation) { i.Mode = "forever" })
	assert.ErrorIs(t, err, errUnknownLoopMode)

	out, err = f.run(t, "alice", "shuffle")
	require.NoError(t, err)
	assert.Equal(t, "Shuffle is now **on**.", out.Text)
	out, err = f.run(t, "alice", "shuffle")
	require.NoError(t, err)
	assert.Equal(t, "Shuffle is now **off**.", out.Text)
}

func TestPauseToggles(t *testing.T) {
	f := newFixture(t)
	sess := f.mustPlay(t, "first")

	out, err := f.run(t, "alice", "pause")
	require.NoError(t, err)
	assert.Equal(t, "Paused Track [first](https://tracks.example/first)", out.Text)
	assert.Equal(t, player.StatePaused, sess.State())

	out, err = f.run(t, "alice", "pause")
	require.NoError(t, err)
	assert.Equal(t, "Resumed Track [first](https://tracks.example/first)", out.Text)
}

func TestJumpToAndBack(t *testing.T) {
	f := newFixture(t)
	f.mustPlay(t, "a", "b", "c", "d")

	_, err := f.run(t, "alice", "jump-to", func(i *invocation) { i.Position = 9 })
	assert.ErrorIs(t, err, player.ErrIndexOutOfRange)

	out, err := f.run(t, "alice", "jump-to", func(i *invocation) { i.Position = 2 })
	require.NoError(t, err)
	assert.Equal(t, "Jumped to [c](https://tracks.example/c).", out.Text)

	out, err = f.run(t, "alice", "back")
	require.NoError(t, err)
	assert.Contains(t, out.Text, "Playing the previous track")
}

func TestStopAndLeave(t *testing.T) {
	f := newFixture(t)
	sess := f.mustPlay(t, "first", "second")

	out, err := f.run(t, "alice", "stop")
	require.NoError(t, err)
	assert.Equal(t, "Stopped Track and cleaned up queue.", out.Text)
	assert.Equal(t, player.StateStopped, sess.State())
	assert.Empty(t, sess.Snapshot().Pending)

	out, err = f.run(t, "alice", "leave")
	require.NoError(t, err)
	assert.Equal(t, "Disconnected Channel and cleaned up the queue.", out.Text)
	assert.Nil(t, f.cmd.Manager.Session("g"))
	assert.Empty(t, f.voice.joined)
}

func TestConnectBindsChannel(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, "nobody", "connect")
	assert.ErrorIs(t, err, panel.ErrNotInVoice)

	out, err := f.run(t, "alice", "connect")
	require.NoError(t, err)
	assert.Equal(t, "Connected and bound to <#tc>", out.Text)
	assert.Equal(t, "tc", f.channels["g"])
	assert.Equal(t, "vc", f.voice.joined["g"])

	_, err = f.run(t, "alice", "connect")
	assert.ErrorIs(t, err, manager.ErrAlreadyConnected)
}

func TestCleanupLeft(t *testing.T) {
	f := newFixture(t)
	f.mustPlay(t, "first")
	_, err := f.run(t, "bob", "play", query("bobs"))
	require.NoError(t, err)
	f.guilds.listeners = []string{"alice"}

	out, err := f.run(t, "alice", "cleanupleft")
	require.NoError(t, err)
	assert.Equal(t, "Cleaned up the queue. Removed **1** tracks.", out.Text)
	assert.Empty(t, f.cmd.Manager.Session("g").Snapshot().Pending)
}

func TestListenTogether(t *testing.T) {
	f := newFixture(t)
	f.acts["bob"] = presence.Activity{Title: "Song", Artist: "Band", Start: time.Now()}

	_, err := f.run(t, "alice", "listen-together-start")
	assert.ErrorIs(t, err, presence.ErrNoActivity)

	out, err := f.run(t, "alice", "listen-together-start", func(i *invocation) { i.Target = "bob" })
	require.NoError(t, err)
	assert.Equal(t, "Listening together with <@bob>: [Song Band](https://tracks.example/Song Band)", out.Text)

	sess := f.cmd.Manager.Session("g")
	require.NotNil(t, sess)
	assert.Equal(t, queue.ListenTogether{Enabled: true, UserID: "bob", Title: "Song"}, sess.ListenTogether())

	for _, sub := range []string{"pause", "loop", "shuffle", "seek", "skip", "forceskip", "jump-to", "back"} {
		_, err := f.run(t, "dj", sub)
		assert.ErrorIs(t, err, errListenTogether, sub)
	}

	out, err = f.run(t, "alice", "listen-together-stop")
	require.NoError(t, err)
	assert.Equal(t, "Stopped listening together and left the channel.", out.Text)
	assert.Equal(t, player.StateDisconnected, sess.State())
}

func TestQueueListing(t *testing.T) {
	f := newFixture(t)
	f.mustPlay(t, "first", "second")

	out, err := f.run(t, "carol", "queue")
	require.NoError(t, err, "anyone may look at the queue")
	assert.Equal(t, "Music Queue", out.Title)
	assert.Contains(t, out.Text, "**╔ Now Playing:**\n[first](https://tracks.example/first) `03:00`")
	assert.Contains(t, out.Text, "`1.` [second](https://tracks.example/second) `03:00` • <@alice>")
	assert.Contains(t, out.Text, "**╚ Settings:** DJ <@bot>")
	assert.Equal(t, "Page 1/1 • Total: 2 • History: 1", out.Footer)
}

func TestFormatQueuePages(t *testing.T) {
	var pending []*track.Track
	for i := range 65 {
		pending = append(pending, track.MustNew(track.Info{Encoded: "e", Title: strings.Repeat("x", i%3+1)}))
	}
	snap := player.Snapshot{Pending: pending, Total: 65}

	out := formatQueue(snap, 3)
	assert.Equal(t, "Page 3/3 • Total: 65 • History: 0", out.Footer)
	assert.Contains(t, out.Text, "`61.`")
	assert.NotContains(t, out.Text, "`60.`")

	out = formatQueue(snap, 99)
	assert.True(t, strings.HasPrefix(out.Footer, "Page 3/3"), "clamped to the last page")

	out = formatQueue(player.Snapshot{}, 1)
	assert.Contains(t, out.Text, "Nothing")
	assert.Contains(t, out.Text, "The queue is empty.")
}

func TestShortLinkTruncates(t *testing.T) {
	long := strings.Repeat("é", 100)
	got := shortLink(long, "")
	assert.Len(t, []rune(got), maxTitleLength)
	assert.True(t, strings.HasSuffix(got, "…"))
}

func TestUserMessage(t *testing.T) {
	msg, ok := userMessage(&panel.RateLimitError{RetryAfter: 1500 * time.Millisecond})
	assert.True(t, ok)
	assert.Equal(t, "You are being rate limited, try again in 1.50 seconds.", msg)

	msg, ok = userMessage(errListenTogether)
	assert.True(t, ok)
	assert.Equal(t, "This command is unavailable while listening together.", msg)

	_, ok = userMessage(assert.AnError)
	assert.False(t, ok)
}

func TestParseInvocation(t *testing.T) {
	e := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:      discordgo.InteractionApplicationCommand,
		GuildID:   "g",
		ChannelID: "tc",
		Member:    &discordgo.Member{User: &discordgo.User{ID: "alice"}},
		Data: discordgo.ApplicationCommandInteractionData{
			Name: "music",
			Options: []*discordgo.ApplicationCommandInteractionDataOption{{
				Name: "play",
				Type: discordgo.ApplicationCommandOptionSubCommand,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{Name: "query", Type: discordgo.ApplicationCommandOptionString, Value: "song"},
					{Name: "source", Type: discordgo.ApplicationCommandOptionString, Value: "soundcloud"},
					{Name: "force", Type: discordgo.ApplicationCommandOptionBoolean, Value: true},
				},
			}},
		},
	}}

	inv, err := parseInvocation(e)
	require.NoError(t, err)
	assert.Equal(t, "play", inv.Sub)
	assert.Equal(t, "alice", inv.UserID)
	assert.Equal(t, "song", inv.Query)
	assert.Equal(t, track.SourceSoundCloud, inv.Source)
	assert.True(t, inv.Force)

	e.Data = discordgo.ApplicationCommandInteractionData{Name: "music"}
	_, err = parseInvocation(e)
	assert.ErrorIs(t, err, errMissingSubcommand)
}

func TestSlashDefinitionListsSubcommands(t *testing.T) {
	def := (&MusicCommand{}).SlashDefinition()
	var names []string
	for _, o := range def.Options {
		names = append(names, o.Name)
	}
	assert.ElementsMatch(t, []string{
		"play", "skip", "forceskip", "seek", "volume", "loop", "shuffle",
		"listen-together-start", "listen-together-stop", "jump-to", "back",
		"stop", "connect", "leave", "pause", "cleanupleft", "queue",
	}, names)
}
