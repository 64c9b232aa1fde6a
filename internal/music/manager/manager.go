// Package manager owns the playback session and control panel of every
// guild the bot is connected in.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/keshon/playdeck/internal/music/node"
	"github.com/keshon/playdeck/internal/music/panel"
	"github.com/keshon/playdeck/internal/music/player"
	"github.com/keshon/playdeck/pkg/util"
)

var (
	ErrAlreadyConnected = errors.New("already connected to a voice channel")
	ErrNotConnected     = errors.New("not connected to a voice channel")
)

// Voice joins and leaves voice channels on the chat gateway.
type Voice interface {
	Join(ctx context.Context, guildID, channelID string) error
	Leave(ctx context.Context, guildID string) error
}

// Volumes remembers a guild's volume between sessions.
type Volumes interface {
	Volume(guildID string, def int) int
	SetVolume(guildID string, v int) error
}

// StatusSink consumes a session's status notifications.
type StatusSink interface {
	Forward(ctx context.Context, statuses <-chan player.StatusChange)
}

type Options struct {
	Node      node.Node
	Voice     Voice
	Blacklist player.Blacklist
	Resolver  player.ListenTogetherResolver

	Bindings panel.BindingStore
	Renderer panel.Renderer
	Likes    panel.LikeStore
	Cooldown *panel.Cooldown

	Volumes       Volumes
	DefaultVolume int
	Statuses      StatusSink
	// BotUserID is the default DJ of new sessions.
	BotUserID func() string
	Logger    zerolog.Logger
}

type entry struct {
	sess  *player.Session
	panel *panel.Panel
}

type Manager struct {
	opts Options
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	guilds map[string]*entry
}

func New(opts Options) *Manager {
	if opts.Cooldown == nil {
		opts.Cooldown = panel.NewCooldown(panel.CooldownOptions{})
	}
	if opts.DefaultVolume <= 0 || opts.DefaultVolume > 100 {
		opts.DefaultVolume = 70
	}
	if opts.BotUserID == nil {
		opts.BotUserID = func() string { return "" }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:   opts,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		guilds: make(map[string]*entry),
	}
}

// Session returns the guild's live session, or nil.
func (m *Manager) Session(guildID string) *player.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.guilds[guildID]; ok {
		return e.sess
	}
	return nil
}

func (m *Manager) Panel(guildID string) *panel.Panel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.guilds[guildID]; ok {
		return e.panel
	}
	return nil
}

// Connect joins voiceChannelID and creates the guild's session bound to
// textChannelID. It fails when the guild already has a session.
func (m *Manager) Connect(ctx context.Context, guildID, voiceChannelID, textChannelID string) (*player.Session, error) {
	if m.Session(guildID) != nil {
		return nil, ErrAlreadyConnected
	}
	return m.connect(ctx, guildID, voiceChannelID, textChannelID)
}

// Ensure returns the guild's session, connecting to voiceChannelID first
// when there is none.
func (m *Manager) Ensure(ctx context.Context, guildID, voiceChannelID, textChannelID string) (*player.Session, error) {
	if sess := m.Session(guildID); sess != nil {
		sess.SetTextChannel(textChannelID)
		return sess, nil
	}
	return m.connect(ctx, guildID, voiceChannelID, textChannelID)
}

func (m *Manager) connect(ctx context.Context, guildID, voiceChannelID, textChannelID string) (*player.Session, error) {
	if err := m.opts.Voice.Join(ctx, guildID, voiceChannelID); err != nil {
		return nil, fmt.Errorf("join voice: %w", err)
	}

	volume := m.opts.DefaultVolume
	if m.opts.Volumes != nil {
		volume = m.opts.Volumes.Volume(guildID, volume)
	}
	sess := player.New(player.Options{
		GuildID:        guildID,
		VoiceChannelID: voiceChannelID,
		TextChannelID:  textChannelID,
		DJUserID:       m.opts.BotUserID(),
		Volume:         volume,
		Node:           m.opts.Node,
		Blacklist:      m.opts.Blacklist,
		Leave: func(ctx context.Context) error {
			return m.opts.Voice.Leave(ctx, guildID)
		},
		Logger: m.log,
	})
	if m.opts.Resolver != nil {
		sess.SetResolver(m.opts.Resolver)
	}
	p := panel.New(panel.Options{
		Session:  sess,
		Bindings: m.opts.Bindings,
		Renderer: m.opts.Renderer,
		Likes:    m.opts.Likes,
		Cooldown: m.opts.Cooldown,
		Logger:   m.log,
	})
	sess.SetPanel(p)

	m.mu.Lock()
	if _, ok := m.guilds[guildID]; ok {
		m.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	m.guilds[guildID] = &entry{sess: sess, panel: p}
	m.mu.Unlock()

	if m.opts.Statuses != nil {
		go m.opts.Statuses.Forward(m.ctx, sess.Statuses())
	}
	go func() {
		select {
		case <-sess.Done():
			m.forget(guildID, sess)
		case <-m.ctx.Done():
		}
	}()

	m.log.Info().Str("guild", guildID).Str("channel", voiceChannelID).Msg("[Manager] session created")
	if err := p.Update(ctx); err != nil {
		m.log.Warn().Err(err).Str("guild", guildID).Msg("[Manager] initial panel render failed")
	}
	return sess, nil
}

func (m *Manager) forget(guildID string, sess *player.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.guilds[guildID]; ok && e.sess == sess {
		delete(m.guilds, guildID)
		m.log.Info().Str("guild", guildID).Msg("[Manager] session removed")
	}
}

// Leave disconnects the guild's session.
func (m *Manager) Leave(ctx context.Context, guildID string) error {
	sess := m.Session(guildID)
	if sess == nil {
		return ErrNotConnected
	}
	err := sess.Disconnect(ctx)
	m.forget(guildID, sess)
	return err
}

// RememberVolume stores v as the guild's volume for future sessions.
func (m *Manager) RememberVolume(guildID string, v int) {
	if m.opts.Volumes == nil {
		return
	}
	if err := m.opts.Volumes.SetVolume(guildID, v); err != nil {
		m.log.Warn().Err(err).Str("guild", guildID).Msg("[Manager] failed to save volume")
	}
}

// VoiceLeft handles the bot being removed from voice by someone else.
func (m *Manager) VoiceLeft(ctx context.Context, guildID string) {
	sess := m.Session(guildID)
	if sess == nil {
		return
	}
	m.log.Info().Str("guild", guildID).Msg("[Manager] bot left voice, disconnecting session")
	if err := sess.Disconnect(ctx); err != nil {
		m.log.Warn().Err(err).Str("guild", guildID).Msg("[Manager] disconnect failed")
	}
	m.forget(guildID, sess)
}

// Guilds lists the guilds with a live session.
func (m *Manager) Guilds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.guilds))
	for id := range m.guilds {
		ids = append(ids, id)
	}
	return ids
}

// closeWorkers bounds how many guilds are disconnected at once on shutdown.
const closeWorkers = 8

// Close disconnects every session.
func (m *Manager) Close(ctx context.Context) error {
	err := util.Parallel(ctx, m.Guilds(), closeWorkers, func(ctx context.Context, id string) error {
		if err := m.Leave(ctx, id); err != nil && !errors.Is(err, ErrNotConnected) {
			return fmt.Errorf("guild %s: %w", id, err)
		}
		return nil
	})
	m.cancel()
	return err
}
