// Package events serializes everything that happens to a guild (commands,
// node callbacks, presence changes) onto one worker per guild.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/keshon/playdeck/internal/music/node"
	"github.com/keshon/playdeck/internal/music/player"
	"github.com/keshon/playdeck/internal/music/presence"
)

var ErrClosed = errors.New("dispatcher is closed")

// Sessions looks up the live session of a guild.
type Sessions interface {
	Session(guildID string) *player.Session
}

type PresenceHandler interface {
	OnPresence(ctx context.Context, sess *player.Session, u presence.Update) error
}

// Hook observes node events after the guild's session handled them.
type Hook func(ctx context.Context, ev node.Event)

type Options struct {
	Sessions Sessions
	Presence PresenceHandler
	Hook     Hook
	// Idle is how long a guild worker waits for work before exiting.
	Idle   time.Duration
	Logger zerolog.Logger
}

type Dispatcher struct {
	sessions Sessions
	presence PresenceHandler
	hook     Hook
	idle     time.Duration
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
}

type worker struct {
	guildID string
	queue   []func(ctx context.Context)
	wake    chan struct{}
}

func New(opts Options) *Dispatcher {
	if opts.Idle <= 0 {
		opts.Idle = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sessions: opts.Sessions,
		presence: opts.Presence,
		hook:     opts.Hook,
		idle:     opts.Idle,
		log:      opts.Logger,
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[string]*worker),
	}
}

// SetPresence attaches the presence handler. The synchronizer needs the
// dispatcher to exist first, so it is wired afterwards.
func (d *Dispatcher) SetPresence(p PresenceHandler) {
	d.mu.Lock()
	d.presence = p
	d.mu.Unlock()
}

// Submit queues fn on guildID's worker and returns immediately. Tasks of one
// guild run one at a time in submission order.
func (d *Dispatcher) Submit(guildID string, fn func(ctx context.Context)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	w, ok := d.workers[guildID]
	if !ok {
		w = &worker{guildID: guildID, wake: make(chan struct{}, 1)}
		d.workers[guildID] = w
		d.wg.Add(1)
		go d.run(w)
	}
	w.queue = append(w.queue, fn)
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Exec is Submit without the error, in the shape the presence synchronizer
// expects.
func (d *Dispatcher) Exec(guildID string, fn func(ctx context.Context)) {
	if err := d.Submit(guildID, fn); err != nil {
		d.log.Debug().Err(err).Str("guild", guildID).Msg("[Events] task dropped")
	}
}

// Do runs fn on guildID's worker and waits for it. It must not be called
// from a task of the same guild.
func (d *Dispatcher) Do(ctx context.Context, guildID string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	err := d.Submit(guildID, func(wctx context.Context) {
		done <- fn(wctx)
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.ctx.Done():
		return ErrClosed
	}
}

func (d *Dispatcher) run(w *worker) {
	defer d.wg.Done()
	timer := time.NewTimer(d.idle)
	defer timer.Stop()

	for {
		d.mu.Lock()
		if len(w.queue) > 0 {
			fn := w.queue[0]
			w.queue[0] = nil
			w.queue = w.queue[1:]
			d.mu.Unlock()
			d.exec(w.guildID, fn)
			continue
		}
		d.mu.Unlock()

		timer.Reset(d.idle)
		select {
		case <-d.ctx.Done():
			return
		case <-w.wake:
		case <-timer.C:
			d.mu.Lock()
			if len(w.queue) == 0 {
				delete(d.workers, w.guildID)
				d.mu.Unlock()
				return
			}
			d.mu.Unlock()
		}
	}
}

func (d *Dispatcher) exec(guildID string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Str("guild", guildID).Interface("panic", r).Msg("[Events] task panicked")
		}
	}()
	fn(d.ctx)
}

// Workers returns the number of live guild workers.
func (d *Dispatcher) Workers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// Close stops every worker. Queued tasks that have not started are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}

// Run routes node events to the sessions until events is closed or ctx is
// done.
func (d *Dispatcher) Run(ctx context.Context, events <-chan node.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.route(ev)
		}
	}
}

func (d *Dispatcher) route(ev node.Event) {
	if ev.Type == node.EventNodeReady {
		d.log.Info().Str("session", ev.SessionID).Bool("resumed", ev.Resumed).Msg("[Events] audio node ready")
		if d.hook != nil {
			d.hook(d.ctx, ev)
		}
		return
	}
	if ev.GuildID == "" {
		return
	}
	d.Exec(ev.GuildID, func(ctx context.Context) {
		sess := d.sessions.Session(ev.GuildID)
		if sess == nil {
			return
		}
		if err := handle(ctx, sess, ev); err != nil {
			d.log.Warn().Err(err).Str("guild", ev.GuildID).Str("event", ev.Type.String()).Msg("[Events] event handling failed")
		}
		if d.hook != nil {
			d.hook(ctx, ev)
		}
	})
}

func handle(ctx context.Context, sess *player.Session, ev node.Event) error {
	switch ev.Type {
	case node.EventPlayerUpdate:
		sess.UpdatePosition(ev.Position)
		return nil
	case node.EventTrackStart:
		return sess.OnTrackStart(ctx, ev.Encoded)
	case node.EventTrackEnd:
		return sess.OnTrackEnd(ctx, ev.Encoded, ev.Reason)
	case node.EventTrackException, node.EventTrackStuck, node.EventWebsocketClosed:
		return sess.OnAbnormalClose(ctx, ev)
	}
	return fmt.Errorf("unhandled node event %s", ev.Type)
}

// OnPresence routes a presence change to the guild's session when that
// session is mirroring someone.
func (d *Dispatcher) OnPresence(u presence.Update) {
	d.Exec(u.GuildID, func(ctx context.Context) {
		d.mu.Lock()
		p := d.presence
		d.mu.Unlock()
		if p == nil {
			return
		}
		sess := d.sessions.Session(u.GuildID)
		if sess == nil || !sess.ListenTogether().Enabled {
			return
		}
		if err := p.OnPresence(ctx, sess, u); err != nil {
			d.log.Warn().Err(err).Str("guild", u.GuildID).Msg("[Events] presence update failed")
		}
	})
}
