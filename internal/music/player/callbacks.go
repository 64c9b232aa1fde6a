package player

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/keshon/playdeck/internal/music/node"
	"github.com/keshon/playdeck/internal/music/track"
)

// benignCloseCodes are voice websocket close codes that follow a normal
// disconnect: 1000 normal closure, 4006 session invalid, 4014 disconnected.
var benignCloseCodes = []int{1000, 4006, 4014}

// IsBenignClose reports whether a voice websocket close code needs no action.
func IsBenignClose(code int) bool {
	return slices.Contains(benignCloseCodes, code)
}

// OnTrackStart confirms that the node started encoded. A start for a track
// that is no longer current (a stop raced the play) is ignored.
func (s *Session) OnTrackStart(ctx context.Context, encoded string) error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	cur := s.current
	if cur == nil || cur.Encoded() != encoded {
		s.mu.Unlock()
		s.log.Debug().Msg("[Player] start event for a track that is no longer current")
		return nil
	}
	if cur.Recommended() && !s.queue.Contains(cur) {
		_ = s.queue.PushHistory(cur)
	}
	if !s.queue.Contains(cur) {
		s.mu.Unlock()
		return nil
	}
	if s.state != StatePaused {
		s.state = StatePlaying
	}
	s.mu.Unlock()

	s.render(ctx)
	return nil
}

// OnTrackEnd advances the queue after a track finished or failed to load.
func (s *Session) OnTrackEnd(ctx context.Context, encoded string, reason node.EndReason) error {
	if !reason.MayStartNext() {
		return nil
	}

	s.mu.Lock()
	if !s.state.Active() {
		s.mu.Unlock()
		return nil
	}
	if s.current != nil && encoded != "" && s.current.Encoded() != encoded {
		s.mu.Unlock()
		return nil
	}
	lt := s.queue.ListenTogether()
	resolver := s.resolver
	autoplay := s.autoplay
	s.mu.Unlock()

	if lt.Enabled && resolver != nil {
		return resolver.Resolve(ctx, s)
	}

	err := s.advance(ctx, true, false)
	if err == nil {
		s.render(ctx)
		return nil
	}
	if !errors.Is(err, ErrEmptyQueue) {
		return err
	}

	if autoplay == AutoplayEnabled {
		started, err := s.playRecommendation(ctx)
		if err != nil {
			s.log.Warn().Err(err).Msg("[Player] autoplay failed")
		}
		if started {
			s.render(ctx)
			return nil
		}
	}

	s.log.Info().Msg("[Player] queue finished")
	if err := s.Stop(ctx); err != nil && !errors.Is(err, ErrDisconnected) {
		return err
	}
	s.Notify(ctx, "The queue is empty. Add more tracks with `/music play`.")
	return nil
}

// playRecommendation searches for a track related to the last played one
// that is not already in history and plays it.
func (s *Session) playRecommendation(ctx context.Context) (bool, error) {
	s.mu.Lock()
	seed := s.current
	if seed == nil {
		if h := s.queue.History(); len(h) > 0 {
			seed = h[len(h)-1]
		}
	}
	history := s.queue.History()
	gen := s.generation
	s.mu.Unlock()
	if seed == nil {
		return false, nil
	}

	res, err := s.node.Search(ctx, RecommendationQuery(seed), track.SourceYouTubeMusic)
	if err != nil {
		return false, err
	}
	if res == nil {
		return false, nil
	}

	played := make(map[string]struct{}, len(history))
	for _, t := range history {
		played[t.Identifier()] = struct{}{}
		played[t.Title()] = struct{}{}
	}
	for _, cand := range res.Tracks {
		if _, ok := played[cand.Identifier()]; ok && cand.Identifier() != "" {
			continue
		}
		if _, ok := played[cand.Title()]; ok {
			continue
		}
		if blocked, _ := s.isBlacklisted(ctx, cand); blocked {
			continue
		}

		rec := cand.AsRecommended()
		s.mu.Lock()
		if gen != s.generation {
			s.mu.Unlock()
			return false, nil
		}
		err := s.queue.PushHistory(rec)
		s.mu.Unlock()
		if err != nil {
			return false, err
		}
		if err := s.playAt(ctx, gen, rec, nil, 0); err != nil {
			return false, err
		}
		s.log.Info().Str("track", rec.Title()).Str("seed", seed.Title()).Msg("[Player] autoplaying recommendation")
		return true, nil
	}
	return false, nil
}

// RecommendationQuery builds the search used to find a track similar to
// seed: a radio mix for YouTube tracks, an artist search otherwise.
func RecommendationQuery(seed *track.Track) string {
	switch seed.Source() {
	case track.SourceYouTube, track.SourceYouTubeMusic:
		if id := seed.Identifier(); id != "" {
			return "https://music.youtube.com/watch?v=" + id + "&list=RDAMVM" + id
		}
	}
	if seed.Author() != "" {
		return seed.Author()
	}
	return seed.Title()
}

// OnAbnormalClose handles track exceptions, stuck tracks and voice websocket
// closures. Benign closures are ignored; everything else tears the session
// down and is reported as ErrAbnormalNodeClosure.
func (s *Session) OnAbnormalClose(ctx context.Context, ev node.Event) error {
	if ev.Type == node.EventWebsocketClosed && IsBenignClose(ev.Code) {
		s.log.Debug().Int("code", ev.Code).Msg("[Player] benign voice close")
		return nil
	}

	cause := fmt.Errorf("%w: %s code=%d %s", ErrAbnormalNodeClosure, ev.Type, ev.Code, ev.Message)
	s.log.Error().Err(cause).Msg("[Player] tearing down session")
	s.Notify(ctx, "Playback stopped because of an audio node error.")
	if err := s.Disconnect(ctx); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// UpdatePosition records the node's reported playback position.
func (s *Session) UpdatePosition(pos time.Duration) {
	s.mu.Lock()
	if s.current != nil {
		s.position = pos
	}
	s.mu.Unlock()
}
