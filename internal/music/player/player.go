// Package player holds the per-guild playback session: the state machine that
// owns a track queue and a node player handle and reacts to commands, node
// callbacks and presence changes.
package player

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/keshon/playdeck/internal/music/node"
	"github.com/keshon/playdeck/internal/music/queue"
	"github.com/keshon/playdeck/internal/music/track"
)

type State int

const (
	StateIdle State = iota
	StatePlaying
	StatePaused
	StateStopped
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateDisconnected:
		return "disconnected"
	}
	return "idle"
}

// Active reports whether the node is (or should be) producing audio.
func (s State) Active() bool { return s == StatePlaying || s == StatePaused }

type Autoplay int

const (
	AutoplayEnabled Autoplay = iota
	AutoplayDisabled
)

// Status is a playback notification emitted to Statuses.
type Status string

const (
	StatusPlaying Status = "Playing"
	StatusAdded   Status = "Track(s) Added"
	StatusStopped Status = "Playback Stopped"
	StatusPaused  Status = "Playback Paused"
	StatusResumed Status = "Playback Resumed"
	StatusError   Status = "Error"
)

func (s Status) StringEmoji() string {
	m := map[Status]string{
		StatusPlaying: "▶️",
		StatusAdded:   "🎶",
		StatusStopped: "⏹",
		StatusPaused:  "⏸",
		StatusResumed: "▶️",
		StatusError:   "❌",
	}
	return m[s]
}

type StatusChange struct {
	GuildID string
	Status  Status
	Track   *track.Track
}

var (
	ErrSearchFailed        = errors.New("no track could be resolved")
	ErrBlacklisted         = errors.New("track is blacklisted")
	ErrEmptyQueue          = queue.ErrEmptyQueue
	ErrIndexOutOfRange     = queue.ErrIndexOutOfRange
	ErrInvalidSeek         = errors.New("invalid seek position")
	ErrInvalidVolume       = errors.New("volume must be between 0 and 100")
	ErrNothingPlaying      = errors.New("no track is currently playing")
	ErrDisconnected        = errors.New("session is disconnected")
	ErrAbnormalNodeClosure = errors.New("audio node closed the player abnormally")
)

// Blacklist reports whether a track URI may not be played.
type Blacklist interface {
	IsBlacklisted(ctx context.Context, uri string) (bool, error)
}

// Panel is the UI surface a session keeps in sync.
type Panel interface {
	Update(ctx context.Context) error
	Notify(ctx context.Context, text string) error
}

// ListenTogetherResolver re-resolves the mirrored user's current activity
// when a listen-together track ends.
type ListenTogetherResolver interface {
	Resolve(ctx context.Context, s *Session) error
}

type Options struct {
	GuildID        string
	VoiceChannelID string
	TextChannelID  string
	// DJUserID defaults to the bot's own user id.
	DJUserID string
	Volume   int

	Node      node.Node
	Blacklist Blacklist
	// Leave disconnects the bot from voice.
	Leave  func(ctx context.Context) error
	Logger zerolog.Logger
	// Intn draws shuffle ticks; defaults to math/rand.
	Intn func(n int) int
}

type Session struct {
	mu sync.Mutex

	guildID        string
	voiceChannelID string
	textChannelID  string
	dj             string

	node   node.Node
	handle node.Player
	queue  *queue.Queue

	current  *track.Track
	position time.Duration
	volume   int
	autoplay Autoplay
	state    State

	// generation is bumped by Stop, Disconnect and queue resets. Work that
	// released mu around node I/O compares it before committing.
	generation uint64

	done      chan struct{}
	closeOnce sync.Once

	statusMu     sync.Mutex
	statuses     chan StatusChange
	statusClosed bool

	blacklist Blacklist
	panel     Panel
	resolver  ListenTogetherResolver
	leave     func(ctx context.Context) error
	intn      func(int) int
	log       zerolog.Logger
}

func New(opts Options) *Session {
	if opts.Intn == nil {
		opts.Intn = rand.IntN
	}
	if opts.Volume < 0 || opts.Volume > 100 {
		opts.Volume = 70
	}
	return &Session{
		guildID:        opts.GuildID,
		voiceChannelID: opts.VoiceChannelID,
		textChannelID:  opts.TextChannelID,
		dj:             opts.DJUserID,
		node:           opts.Node,
		handle:         opts.Node.Player(opts.GuildID),
		queue:          queue.New(),
		volume:         opts.Volume,
		autoplay:       AutoplayEnabled,
		state:          StateIdle,
		done:           make(chan struct{}),
		statuses:       make(chan StatusChange, 10),
		blacklist:      opts.Blacklist,
		leave:          opts.Leave,
		intn:           opts.Intn,
		log:            opts.Logger.With().Str("guild", opts.GuildID).Logger(),
	}
}

func (s *Session) SetPanel(p Panel) {
	s.mu.Lock()
	s.panel = p
	s.mu.Unlock()
}

func (s *Session) SetResolver(r ListenTogetherResolver) {
	s.mu.Lock()
	s.resolver = r
	s.mu.Unlock()
}

func (s *Session) GuildID() string { return s.guildID }

// Done is closed once the session is disconnected.
func (s *Session) Done() <-chan struct{} { return s.done }

// Statuses delivers playback notifications. Slow readers lose updates. The
// channel is closed once the session is disconnected.
func (s *Session) Statuses() <-chan StatusChange { return s.statuses }

func (s *Session) SetTextChannel(id string) {
	s.mu.Lock()
	s.textChannelID = id
	s.mu.Unlock()
}

func (s *Session) SetVoiceChannel(id string) {
	s.mu.Lock()
	s.voiceChannelID = id
	s.mu.Unlock()
}

func (s *Session) SetDJ(userID string) {
	s.mu.Lock()
	s.dj = userID
	s.mu.Unlock()
}

func (s *Session) SetAutoplay(a Autoplay) {
	s.mu.Lock()
	s.autoplay = a
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ListenTogether() queue.ListenTogether {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.ListenTogether()
}

// Snapshot is a consistent read-only view of a session used for rendering.
type Snapshot struct {
	GuildID        string
	VoiceChannelID string
	TextChannelID  string
	DJUserID       string

	State    State
	Current  *track.Track
	Position time.Duration
	Volume   int
	Autoplay Autoplay

	Mode           queue.Mode
	Shuffle        bool
	ListenTogether queue.ListenTogether

	// Index is the 1-based position of Current in the whole queue, 0 if absent.
	Index        int
	Total        int
	Pending      []*track.Track
	History      []*track.Track
	UpNext       *track.Track
	Remaining    time.Duration
	HistoryEmpty bool
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		GuildID:        s.guildID,
		VoiceChannelID: s.voiceChannelID,
		TextChannelID:  s.textChannelID,
		DJUserID:       s.dj,
		State:          s.state,
		Current:        s.current,
		Position:       s.position,
		Volume:         s.volume,
		Autoplay:       s.autoplay,
		Mode:           s.queue.Mode(),
		Shuffle:        s.queue.Shuffle(),
		ListenTogether: s.queue.ListenTogether(),
		Total:          s.queue.Len(),
		Pending:        s.queue.Pending(),
		History:        s.queue.History(),
		UpNext:         s.queue.UpNext(),
		Remaining:      s.queue.Duration(),
		HistoryEmpty:   s.queue.HistoryEmpty(),
	}
	if s.current != nil {
		snap.Index = s.queue.IndexOf(s.current) + 1
	}
	return snap
}

// render refreshes the panel. It must be called without mu held.
func (s *Session) render(ctx context.Context) {
	s.mu.Lock()
	p := s.panel
	s.mu.Unlock()
	if p == nil {
		return
	}
	if err := p.Update(ctx); err != nil {
		s.log.Warn().Err(err).Msg("[Player] panel update failed")
	}
}

// Notify posts a plain notice through the panel, if one is attached.
func (s *Session) Notify(ctx context.Context, text string) {
	s.mu.Lock()
	p := s.panel
	s.mu.Unlock()
	if p == nil {
		return
	}
	if err := p.Notify(ctx, text); err != nil {
		s.log.Warn().Err(err).Msg("[Player] panel notice failed")
	}
}

func (s *Session) emitStatus(status Status, t *track.Track) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if s.statusClosed {
		return
	}
	select {
	case s.statuses <- StatusChange{GuildID: s.guildID, Status: status, Track: t}:
	default:
		s.log.Debug().Str("status", string(status)).Msg("[Player] status signal dropped (channel full)")
	}
}

func (s *Session) closeStatuses() {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if !s.statusClosed {
		s.statusClosed = true
		close(s.statuses)
	}
}
