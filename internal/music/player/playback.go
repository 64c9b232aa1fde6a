package player

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/keshon/playdeck/internal/music/node"
	"github.com/keshon/playdeck/internal/music/queue"
	"github.com/keshon/playdeck/internal/music/track"
)

// Request is a play command.
type Request struct {
	Query       string
	Source      track.SourceKind
	RequesterID string
	// Force puts the tracks at the front of the queue and skips to them.
	Force bool
}

type EnqueueResult struct {
	Tracks   []*track.Track
	Playlist string
	Started  bool
}

// Enqueue resolves a query, queues the result and starts playback when the
// session is not already playing.
func (s *Session) Enqueue(ctx context.Context, req Request) (*EnqueueResult, error) {
	res, err := s.node.Search(ctx, req.Query, req.Source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}
	if res == nil || len(res.Tracks) == 0 {
		return nil, ErrSearchFailed
	}

	found := res.Tracks
	if !res.IsPlaylist() {
		found = found[:1]
	}

	var tracks []*track.Track
	for _, t := range found {
		blocked, err := s.isBlacklisted(ctx, t)
		if err != nil {
			return nil, err
		}
		if blocked {
			s.log.Info().Str("uri", t.URI()).Msg("[Player] skipping blacklisted track")
			continue
		}
		tracks = append(tracks, t.WithRequester(req.RequesterID))
	}
	if len(tracks) == 0 {
		return nil, ErrBlacklisted
	}

	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return nil, ErrDisconnected
	}
	s.autoplay = AutoplayEnabled
	if req.Force {
		for i := len(tracks) - 1; i >= 0; i-- {
			_ = s.queue.PushFront(tracks[i])
		}
	} else {
		for _, t := range tracks {
			_ = s.queue.PushBack(t)
		}
	}
	state := s.state
	s.mu.Unlock()

	s.log.Info().Int("count", len(tracks)).Bool("force", req.Force).Msg("[Player] tracks added to queue")
	out := &EnqueueResult{Tracks: tracks, Playlist: res.PlaylistName}

	if !state.Active() || req.Force {
		out.Started = true
		if err := s.advance(ctx, false, req.Force); err != nil {
			return out, err
		}
		s.render(ctx)
		return out, nil
	}
	s.emitStatus(StatusAdded, tracks[0])
	s.render(ctx)
	return out, nil
}

func (s *Session) isBlacklisted(ctx context.Context, t *track.Track) (bool, error) {
	if s.blacklist == nil || t.URI() == "" {
		return false, nil
	}
	blocked, err := s.blacklist.IsBlacklisted(ctx, t.URI())
	if err != nil {
		// the store is advisory; a lookup failure should not stop the music
		s.log.Warn().Err(err).Msg("[Player] blacklist lookup failed")
		return false, nil
	}
	return blocked, nil
}

// Play starts t on the node, optionally changing the volume first. t must
// already be part of the queue.
func (s *Session) Play(ctx context.Context, t *track.Track, volume *int) error {
	if volume != nil && (*volume < 0 || *volume > 100) {
		return ErrInvalidVolume
	}
	return s.play(ctx, t, volume, 0)
}

func (s *Session) play(ctx context.Context, t *track.Track, volume *int, pos time.Duration) error {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	return s.playAt(ctx, gen, t, volume, pos)
}

// playAt starts t unless the session generation has moved past gen, in which
// case the request is silently abandoned.
func (s *Session) playAt(ctx context.Context, gen uint64, t *track.Track, volume *int, pos time.Duration) error {
	if t == nil {
		return ErrSearchFailed
	}
	blocked, err := s.isBlacklisted(ctx, t)
	if err != nil {
		return err
	}
	if blocked {
		return ErrBlacklisted
	}
	if !t.IsSeekable() {
		pos = 0
	}

	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return ErrDisconnected
	}
	if gen != s.generation {
		s.mu.Unlock()
		s.log.Debug().Str("track", t.Title()).Msg("[Player] play superseded before start")
		return nil
	}
	if volume != nil {
		s.volume = *volume
	}
	vol := s.volume
	s.mu.Unlock()

	err = s.handle.Play(ctx, t, node.PlayOptions{Volume: vol, Position: pos})

	s.mu.Lock()
	if gen != s.generation {
		idle := !s.state.Active()
		s.mu.Unlock()
		s.log.Debug().Str("track", t.Title()).Msg("[Player] play superseded by stop")
		if err == nil && idle {
			// nothing legitimate is playing; make sure the orphan does not either
			_ = s.handle.Stop(ctx)
		}
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		s.emitStatus(StatusError, t)
		return fmt.Errorf("play %q: %w", t.Title(), err)
	}
	s.current = t
	s.position = pos
	s.state = StatePlaying
	s.mu.Unlock()

	s.log.Info().Str("track", t.Title()).Dur("position", pos).Msg("[Player] now playing")
	s.emitStatus(StatusPlaying, t)
	return nil
}

// advance consumes the next queued track and plays it. shuffle applies a
// shuffle tick first when shuffle is on; bypassLoop ignores loop-track.
// Blacklisted entries are dropped and the next one is tried.
func (s *Session) advance(ctx context.Context, shuffle, bypassLoop bool) error {
	for {
		s.mu.Lock()
		if s.state == StateDisconnected {
			s.mu.Unlock()
			return ErrDisconnected
		}
		if shuffle && s.queue.Shuffle() {
			s.queue.ApplyShuffleTick(s.intn)
		}
		t, err := s.nextLocked(bypassLoop)
		gen := s.generation
		s.mu.Unlock()
		if err != nil {
			return err
		}

		err = s.playAt(ctx, gen, t, nil, 0)
		if !errors.Is(err, ErrBlacklisted) {
			return err
		}
		s.mu.Lock()
		s.queue.Remove(func(x *track.Track) bool { return x == t })
		s.mu.Unlock()
		s.Notify(ctx, fmt.Sprintf("Skipped blacklisted track **%s**.", t.Title()))
		bypassLoop = true
	}
}

func (s *Session) nextLocked(bypassLoop bool) (*track.Track, error) {
	if bypassLoop && s.queue.Mode() == queue.ModeLoopTrack {
		s.queue.SetMode(queue.ModeNormal)
		defer s.queue.SetMode(queue.ModeLoopTrack)
	}
	return s.queue.Next()
}

// Skip moves to the next track. force also leaves a looping track. An
// exhausted queue stops the session and returns ErrEmptyQueue.
func (s *Session) Skip(ctx context.Context, force bool) error {
	err := s.advance(ctx, false, force)
	if errors.Is(err, ErrEmptyQueue) {
		if stopErr := s.Stop(ctx); stopErr != nil && !errors.Is(stopErr, ErrDisconnected) {
			s.log.Warn().Err(stopErr).Msg("[Player] stop after empty skip failed")
		}
		return ErrEmptyQueue
	}
	if err != nil {
		return err
	}
	s.render(ctx)
	return nil
}

// JumpTo skips the first k pending tracks and plays the next one.
func (s *Session) JumpTo(ctx context.Context, k int) error {
	s.mu.Lock()
	if s.queue.IsEmpty() {
		s.mu.Unlock()
		return ErrEmptyQueue
	}
	ok := s.queue.JumpTo(k)
	s.mu.Unlock()
	if !ok {
		return ErrIndexOutOfRange
	}
	if err := s.advance(ctx, false, true); err != nil {
		return err
	}
	s.render(ctx)
	return nil
}

// Back replays the previous track.
func (s *Session) Back(ctx context.Context) error {
	s.mu.Lock()
	ok := s.queue.Back()
	s.mu.Unlock()
	if !ok {
		return ErrEmptyQueue
	}
	if err := s.advance(ctx, false, true); err != nil {
		return err
	}
	s.render(ctx)
	return nil
}

func (s *Session) Seek(ctx context.Context, pos time.Duration) error {
	s.mu.Lock()
	cur := s.current
	if cur == nil || !s.state.Active() {
		s.mu.Unlock()
		return ErrNothingPlaying
	}
	if cur.IsStream() || pos < 0 || pos > cur.Length() {
		s.mu.Unlock()
		return ErrInvalidSeek
	}
	gen := s.generation
	s.mu.Unlock()

	if err := s.handle.Seek(ctx, pos); err != nil {
		return fmt.Errorf("seek: %w", err)
	}

	s.mu.Lock()
	if gen == s.generation && s.current == cur {
		s.position = pos
	}
	s.mu.Unlock()
	s.render(ctx)
	return nil
}

func (s *Session) SetVolume(ctx context.Context, v int) error {
	if v < 0 || v > 100 {
		return ErrInvalidVolume
	}
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return ErrDisconnected
	}
	s.mu.Unlock()

	if err := s.handle.SetVolume(ctx, v); err != nil {
		return fmt.Errorf("set volume: %w", err)
	}
	s.mu.Lock()
	s.volume = v
	s.mu.Unlock()
	s.render(ctx)
	return nil
}

func (s *Session) Volume() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// Pause pauses or resumes the current track.
func (s *Session) Pause(ctx context.Context, paused bool) error {
	s.mu.Lock()
	if s.current == nil || !s.state.Active() {
		s.mu.Unlock()
		return ErrNothingPlaying
	}
	gen := s.generation
	s.mu.Unlock()

	if err := s.handle.Pause(ctx, paused); err != nil {
		return fmt.Errorf("pause: %w", err)
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return nil
	}
	cur := s.current
	if paused {
		s.state = StatePaused
	} else {
		s.state = StatePlaying
	}
	s.mu.Unlock()

	if paused {
		s.emitStatus(StatusPaused, cur)
	} else {
		s.emitStatus(StatusResumed, cur)
	}
	s.render(ctx)
	return nil
}

// TogglePause flips the pause state and reports whether playback is now paused.
func (s *Session) TogglePause(ctx context.Context) (bool, error) {
	paused := s.State() != StatePaused
	return paused, s.Pause(ctx, paused)
}

func (s *Session) SetLoopMode(ctx context.Context, m queue.Mode) {
	s.mu.Lock()
	s.queue.SetMode(m)
	s.mu.Unlock()
	s.render(ctx)
}

func (s *Session) CycleLoopMode(ctx context.Context) queue.Mode {
	s.mu.Lock()
	m := s.queue.CycleMode()
	s.mu.Unlock()
	s.render(ctx)
	return m
}

func (s *Session) SetShuffle(ctx context.Context, on bool) {
	s.mu.Lock()
	s.queue.SetShuffle(on)
	s.mu.Unlock()
	s.render(ctx)
}

func (s *Session) ToggleShuffle(ctx context.Context) bool {
	s.mu.Lock()
	on := !s.queue.Shuffle()
	s.queue.SetShuffle(on)
	s.mu.Unlock()
	s.render(ctx)
	return on
}

// Stop halts playback and clears the queue, leaving the bot connected.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return ErrDisconnected
	}
	s.generation++
	s.queue.Reset()
	cur := s.current
	s.current = nil
	s.position = 0
	s.state = StateStopped
	s.mu.Unlock()

	err := s.handle.Stop(ctx)
	s.log.Info().Msg("[Player] stopped")
	s.emitStatus(StatusStopped, cur)
	s.render(ctx)
	if err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	return nil
}

// Disconnect tears the session down for good. It is idempotent.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.generation++
	wasActive := s.state.Active()
	cur := s.current
	s.queue.Reset()
	s.current = nil
	s.position = 0
	s.state = StateDisconnected
	leave := s.leave
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.done) })

	var errs []error
	if wasActive {
		if err := s.handle.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop: %w", err))
		}
	}
	s.render(ctx)
	if err := s.handle.Destroy(ctx); err != nil {
		errs = append(errs, fmt.Errorf("destroy player: %w", err))
	}
	if leave != nil {
		if err := leave(ctx); err != nil {
			errs = append(errs, fmt.Errorf("leave voice: %w", err))
		}
	}
	s.emitStatus(StatusStopped, cur)
	s.closeStatuses()
	s.log.Info().Msg("[Player] disconnected")
	return errors.Join(errs...)
}

// CleanupAbsentListeners drops every queued track whose requester is not in
// listeners. When the current track's requester has left it is skipped
// right away. It returns the number of removed tracks.
func (s *Session) CleanupAbsentListeners(ctx context.Context, listeners []string) (int, error) {
	present := make(map[string]struct{}, len(listeners))
	for _, id := range listeners {
		present[id] = struct{}{}
	}
	absent := func(t *track.Track) bool {
		if t.RequesterID() == "" {
			return false
		}
		_, ok := present[t.RequesterID()]
		return !ok
	}

	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return 0, ErrDisconnected
	}
	cur := s.current
	removed := s.queue.Remove(func(t *track.Track) bool { return t != cur && absent(t) })
	skipCurrent := cur != nil && s.state.Active() && absent(cur)
	s.mu.Unlock()

	n := len(removed)
	if skipCurrent {
		n++
		err := s.Skip(ctx, true)
		s.mu.Lock()
		s.queue.Remove(func(t *track.Track) bool { return t == cur })
		s.mu.Unlock()
		if err != nil && !errors.Is(err, ErrEmptyQueue) {
			return n, err
		}
		s.render(ctx)
		return n, nil
	}
	s.render(ctx)
	return n, nil
}

// StartListenTogether replaces the whole queue with t, mirroring userID's
// activity, and starts it at offset. Autoplay is disabled.
func (s *Session) StartListenTogether(ctx context.Context, userID, title string, t *track.Track, offset time.Duration) error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return ErrDisconnected
	}
	s.generation++
	s.queue.Reset()
	s.queue.SetListenTogether(queue.ListenTogether{Enabled: true, UserID: userID, Title: title})
	s.autoplay = AutoplayDisabled
	s.mu.Unlock()

	return s.replace(ctx, t, offset)
}

// ReplaceWith swaps the listen-together track for t, keeping the descriptor
// but recording the new title.
func (s *Session) ReplaceWith(ctx context.Context, t *track.Track, title string, offset time.Duration) error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return ErrDisconnected
	}
	s.generation++
	s.queue.ResetTracks()
	lt := s.queue.ListenTogether()
	lt.Title = title
	s.queue.SetListenTogether(lt)
	s.mu.Unlock()

	return s.replace(ctx, t, offset)
}

func (s *Session) replace(ctx context.Context, t *track.Track, offset time.Duration) error {
	s.mu.Lock()
	if err := s.queue.PushBack(t); err != nil {
		s.mu.Unlock()
		return err
	}
	next, err := s.queue.Next()
	gen := s.generation
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.playAt(ctx, gen, next, nil, offset); err != nil {
		return err
	}
	s.render(ctx)
	return nil
}

// ClearListenTogether turns mirroring off without touching playback.
func (s *Session) ClearListenTogether() {
	s.mu.Lock()
	s.queue.SetListenTogether(queue.ListenTogether{})
	s.mu.Unlock()
}

// Current returns the playing track and its last known position.
func (s *Session) Current() (*track.Track, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.position
}

// Lookup resolves query to a single playable track stamped with requesterID
// without queueing it.
func (s *Session) Lookup(ctx context.Context, query string, source track.SourceKind, requesterID string) (*track.Track, error) {
	res, err := s.node.Search(ctx, query, source)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSearchFailed, err)
	}
	if res == nil || len(res.Tracks) == 0 {
		return nil, ErrSearchFailed
	}
	t := res.Tracks[0]
	if res.IsPlaylist() && res.Selected >= 0 && res.Selected < len(res.Tracks) {
		t = res.Tracks[res.Selected]
	}
	blocked, err := s.isBlacklisted(ctx, t)
	if err != nil {
		return nil, err
	}
	if blocked {
		return nil, ErrBlacklisted
	}
	return t.WithRequester(requesterID), nil
}
