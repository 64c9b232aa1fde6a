// Package presence mirrors a user's listening activity into a playback
// session ("listen together").
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/keshon/playdeck/internal/music/player"
	"github.com/keshon/playdeck/internal/music/track"
)

var (
	ErrNoActivity   = errors.New("user has no listening activity")
	ErrNotListening = errors.New("listen together is not active")
)

// Activity is a third-party listening activity, e.g. a Spotify presence.
type Activity struct {
	Title  string
	Artist string
	// TrackRef is a URL or query the node can resolve.
	TrackRef string
	Start    time.Time
	End      time.Time
}

// Update is a presence change for one guild member. Activities holds only
// listening activities, most relevant first.
type Update struct {
	GuildID    string
	UserID     string
	Activities []Activity
}

func (u Update) listening() (Activity, bool) {
	if len(u.Activities) == 0 {
		return Activity{}, false
	}
	return u.Activities[0], true
}

// ActivitySource looks up a member's current listening activity.
type ActivitySource interface {
	Activity(ctx context.Context, guildID, userID string) (Activity, bool)
}

// Exec runs fn on the guild's serialized worker.
type Exec func(guildID string, fn func(ctx context.Context))

type Options struct {
	Source ActivitySource
	Exec   Exec
	// Grace is how long a vanished activity may stay away before the session
	// is disconnected; Poll is how often it is checked meanwhile.
	Grace  time.Duration
	Poll   time.Duration
	Now    func() time.Time
	Logger zerolog.Logger
}

type Synchronizer struct {
	src   ActivitySource
	exec  Exec
	grace time.Duration
	poll  time.Duration
	now   func() time.Time
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	graces map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Synchronizer {
	if opts.Grace <= 0 {
		opts.Grace = 20 * time.Second
	}
	if opts.Poll <= 0 {
		opts.Poll = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Exec == nil {
		opts.Exec = func(_ string, fn func(ctx context.Context)) { fn(context.Background()) }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		src:    opts.Source,
		exec:   opts.Exec,
		grace:  opts.Grace,
		poll:   opts.Poll,
		now:    opts.Now,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		graces: make(map[string]context.CancelFunc),
	}
}

// Close cancels every pending grace window and waits for the pollers.
func (s *Synchronizer) Close() {
	s.cancel()
	s.wg.Wait()
}

// SeekOffset is how far into a track the activity currently is, clamped to
// [0, length]. When length is unknown the activity's own span is used.
func SeekOffset(a Activity, now time.Time, length time.Duration) time.Duration {
	if length <= 0 && a.End.After(a.Start) {
		length = a.End.Sub(a.Start)
	}
	off := now.Sub(a.Start)
	if off < 0 {
		off = 0
	}
	if length > 0 && off > length {
		off = length
	}
	return off
}

func (s *Synchronizer) lookup(ctx context.Context, sess *player.Session, a Activity, requester string) (*track.Track, error) {
	ref := a.TrackRef
	if ref == "" {
		ref = a.Title + " " + a.Artist
	}
	return sess.Lookup(ctx, ref, track.SourceSpotify, requester)
}

// Start begins mirroring userID into sess.
func (s *Synchronizer) Start(ctx context.Context, sess *player.Session, userID, requester string) (*track.Track, error) {
	a, ok := s.src.Activity(ctx, sess.GuildID(), userID)
	if !ok {
		return nil, ErrNoActivity
	}
	t, err := s.lookup(ctx, sess, a, requester)
	if err != nil {
		return nil, err
	}
	s.cancelGrace(sess.GuildID())
	if err := sess.StartListenTogether(ctx, userID, a.Title, t, SeekOffset(a, s.now(), t.Length())); err != nil {
		return nil, err
	}
	s.log.Info().Str("guild", sess.GuildID()).Str("user", userID).Str("title", a.Title).Msg("[Presence] listen together started")
	return t, nil
}

// StopListening ends mirroring by disconnecting the session.
func (s *Synchronizer) StopListening(ctx context.Context, sess *player.Session) error {
	if !sess.ListenTogether().Enabled {
		return ErrNotListening
	}
	s.cancelGrace(sess.GuildID())
	return sess.Disconnect(ctx)
}

// OnPresence applies a presence change of the mirrored user.
func (s *Synchronizer) OnPresence(ctx context.Context, sess *player.Session, u Update) error {
	lt := sess.ListenTogether()
	if !lt.Enabled || lt.UserID != u.UserID {
		return nil
	}

	a, ok := u.listening()
	if !ok {
		s.beginGrace(ctx, sess, u.UserID)
		return nil
	}
	resumed := s.cancelGrace(sess.GuildID())
	return s.apply(ctx, sess, a, lt.Title, lt.UserID, resumed)
}

// apply brings sess in line with activity a. prevTitle is the title being
// mirrored so far.
func (s *Synchronizer) apply(ctx context.Context, sess *player.Session, a Activity, prevTitle, userID string, resume bool) error {
	if a.Title == prevTitle {
		if resume {
			if err := sess.Pause(ctx, false); err != nil && !errors.Is(err, player.ErrNothingPlaying) {
				return err
			}
		}
		cur, _ := sess.Current()
		if cur == nil {
			return nil
		}
		err := sess.Seek(ctx, SeekOffset(a, s.now(), cur.Length()))
		if errors.Is(err, player.ErrInvalidSeek) || errors.Is(err, player.ErrNothingPlaying) {
			return nil
		}
		return err
	}

	t, err := s.lookup(ctx, sess, a, userID)
	if err != nil {
		s.log.Debug().Err(err).Str("title", a.Title).Msg("[Presence] could not resolve activity")
		if perr := sess.Pause(ctx, true); perr != nil && !errors.Is(perr, player.ErrNothingPlaying) {
			s.log.Warn().Err(perr).Msg("[Presence] pause failed")
		}
		sess.Notify(ctx, fmt.Sprintf("I couldn't find the track <@%s> is listening to.", userID))
		return nil
	}
	return sess.ReplaceWith(ctx, t, a.Title, SeekOffset(a, s.now(), t.Length()))
}

// Resolve re-reads the mirrored user's activity after a track ended.
func (s *Synchronizer) Resolve(ctx context.Context, sess *player.Session) error {
	lt := sess.ListenTogether()
	if !lt.Enabled {
		return nil
	}
	a, ok := s.src.Activity(ctx, sess.GuildID(), lt.UserID)
	if !ok {
		sess.Notify(ctx, "The host has stopped listening.")
		return sess.Disconnect(ctx)
	}
	// force a re-resolve even when the title did not change (repeat)
	return s.apply(ctx, sess, a, "", lt.UserID, false)
}

func (s *Synchronizer) cancelGrace(guildID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.graces[guildID]
	if ok {
		cancel()
		delete(s.graces, guildID)
	}
	return ok
}

// GraceActive reports whether guildID is waiting for its host to come back.
func (s *Synchronizer) GraceActive(guildID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.graces[guildID]
	return ok
}

// beginGrace pauses playback and polls for the activity to come back. The
// session is disconnected when the window runs out.
func (s *Synchronizer) beginGrace(ctx context.Context, sess *player.Session, userID string) {
	guildID := sess.GuildID()

	s.mu.Lock()
	if _, running := s.graces[guildID]; running {
		s.mu.Unlock()
		return
	}
	gctx, cancel := context.WithCancel(s.ctx)
	s.graces[guildID] = cancel
	s.mu.Unlock()

	if err := sess.Pause(ctx, true); err != nil && !errors.Is(err, player.ErrNothingPlaying) {
		s.log.Warn().Err(err).Msg("[Presence] pause failed")
	}
	sess.Notify(ctx, fmt.Sprintf("The host stopped listening. Waiting %s for them to come back.", s.grace))
	s.log.Info().Str("guild", guildID).Dur("grace", s.grace).Msg("[Presence] grace window started")

	s.wg.Add(1)
	go s.pollGrace(gctx, cancel, sess, userID)
}

func (s *Synchronizer) pollGrace(gctx context.Context, cancel context.CancelFunc, sess *player.Session, userID string) {
	defer s.wg.Done()
	guildID := sess.GuildID()

	// finish removes this window from the registry if it is still the
	// registered one and reports whether it was.
	finish := func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gctx.Err() != nil {
			return false
		}
		delete(s.graces, guildID)
		return true
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	deadline := time.NewTimer(s.grace)
	defer deadline.Stop()

	for {
		select {
		case <-gctx.Done():
			return
		case <-sess.Done():
			finish()
			cancel()
			return
		case <-ticker.C:
			a, ok := s.src.Activity(gctx, guildID, userID)
			if !ok {
				continue
			}
			if !finish() {
				return
			}
			cancel()
			s.exec(guildID, func(ctx context.Context) {
				lt := sess.ListenTogether()
				if !lt.Enabled || lt.UserID != userID {
					return
				}
				if err := s.apply(ctx, sess, a, lt.Title, userID, true); err != nil {
					s.log.Warn().Err(err).Msg("[Presence] resume after grace failed")
					return
				}
				sess.Notify(ctx, "The host is back. Resuming playback.")
			})
			return
		case <-deadline.C:
			if !finish() {
				return
			}
			cancel()
			s.log.Info().Str("guild", guildID).Msg("[Presence] grace window expired")
			s.exec(guildID, func(ctx context.Context) {
				if !sess.ListenTogether().Enabled {
					return
				}
				sess.Notify(ctx, "The host has stopped listening.")
				if err := sess.Disconnect(ctx); err != nil {
					s.log.Warn().Err(err).Msg("[Presence] disconnect after grace failed")
				}
			})
			return
		}
	}
}
