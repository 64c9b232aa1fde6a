// Package queue implements the per-guild track queue: a pending run, a played
// history, loop and shuffle modes and the listen-together descriptor.
package queue

import (
	"errors"
	"slices"
	"time"

	"github.com/keshon/playdeck/internal/music/track"
)

var (
	ErrEmptyQueue      = errors.New("queue is empty")
	ErrDuplicateTrack  = errors.New("track instance already queued")
	ErrIndexOutOfRange = errors.New("queue index out of range")
	ErrNilTrack        = errors.New("nil track")
)

// Mode is the loop mode applied when a track is consumed.
type Mode int

const (
	ModeNormal Mode = iota
	ModeLoopTrack
	ModeLoopQueue
)

func (m Mode) String() string {
	switch m {
	case ModeLoopTrack:
		return "loop track"
	case ModeLoopQueue:
		return "loop queue"
	default:
		return "normal"
	}
}

// ParseMode maps the command choices normal/track/queue to a Mode.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "normal":
		return ModeNormal, true
	case "track":
		return ModeLoopTrack, true
	case "queue":
		return ModeLoopQueue, true
	}
	return ModeNormal, false
}

// ListenTogether describes a mirrored user's activity.
type ListenTogether struct {
	Enabled bool
	UserID  string
	Title   string
}

// Queue is not safe for concurrent use; the owning session serializes access.
type Queue struct {
	pending []*track.Track
	history []*track.Track
	loaded  *track.Track

	mode           Mode
	shuffle        bool
	listenTogether ListenTogether
}

func New() *Queue {
	return &Queue{}
}

// PushBack appends t to the pending run.
func (q *Queue) PushBack(t *track.Track) error {
	if err := q.checkNew(t); err != nil {
		return err
	}
	q.pending = append(q.pending, t)
	return nil
}

// PushFront puts t at the head of the pending run (force-play).
func (q *Queue) PushFront(t *track.Track) error {
	return q.InsertAt(0, t)
}

// InsertAt inserts t into the pending run at index i.
func (q *Queue) InsertAt(i int, t *track.Track) error {
	if err := q.checkNew(t); err != nil {
		return err
	}
	if i < 0 || i > len(q.pending) {
		return ErrIndexOutOfRange
	}
	q.pending = slices.Insert(q.pending, i, t)
	return nil
}

// PushHistory records t as played and loaded without it passing through
// pending. Autoplay recommendations enter the queue this way.
func (q *Queue) PushHistory(t *track.Track) error {
	if err := q.checkNew(t); err != nil {
		return err
	}
	q.history = append(q.history, t)
	q.loaded = t
	return nil
}

func (q *Queue) checkNew(t *track.Track) error {
	if t == nil {
		return ErrNilTrack
	}
	if q.Contains(t) {
		return ErrDuplicateTrack
	}
	return nil
}

// Next consumes the next track according to the loop mode.
func (q *Queue) Next() (*track.Track, error) {
	switch {
	case q.mode == ModeLoopTrack && q.loaded != nil && q.Contains(q.loaded):
		return q.loaded, nil

	case q.mode == ModeLoopQueue:
		if len(q.pending) == 0 {
			q.pending, q.history = q.history, nil
		}
		if len(q.pending) == 0 {
			return nil, ErrEmptyQueue
		}
		t := q.pending[0]
		q.pending = append(q.pending[1:], t)
		q.loaded = t
		return t, nil
	}

	if len(q.pending) == 0 {
		return nil, ErrEmptyQueue
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	q.history = append(q.history, t)
	q.loaded = t
	return t, nil
}

// JumpTo moves pending[:k] into history so that the former k-th track is
// next. It reports false when k is out of range.
func (q *Queue) JumpTo(k int) bool {
	if k < 0 || k >= len(q.pending) {
		return false
	}
	if q.mode == ModeLoopQueue {
		q.pending = append(slices.Clone(q.pending[k:]), q.pending[:k]...)
		return true
	}
	q.history = append(q.history, q.pending[:k]...)
	q.pending = slices.Clone(q.pending[k:])
	return true
}

// Back re-surfaces exactly one previous track: the previous history entry and
// the loaded track are pushed to the front of pending, previous first.
func (q *Queue) Back() bool {
	if q.mode == ModeLoopQueue {
		return q.backRotation()
	}
	n := len(q.history)
	loadedLast := n > 0 && q.history[n-1] == q.loaded

	switch {
	case loadedLast && n >= 2:
		prev, cur := q.history[n-2], q.history[n-1]
		q.history = q.history[:n-2]
		q.pending = append([]*track.Track{prev, cur}, q.pending...)
	case !loadedLast && n >= 1:
		prev := q.history[n-1]
		q.history = q.history[:n-1]
		if i := slices.Index(q.pending, q.loaded); q.loaded != nil && i >= 0 {
			q.pending = slices.Delete(q.pending, i, i+1)
			q.pending = append([]*track.Track{prev, q.loaded}, q.pending...)
		} else {
			q.pending = append([]*track.Track{prev}, q.pending...)
		}
	default:
		return false
	}
	q.loaded = nil
	return true
}

// backRotation is Back under loop-queue, where the loaded track sits at the
// back of pending and the previous one just before it.
func (q *Queue) backRotation() bool {
	n := len(q.pending)
	if n < 2 || q.loaded == nil || q.pending[n-1] != q.loaded {
		return false
	}
	prev, cur := q.pending[n-2], q.pending[n-1]
	q.pending = append([]*track.Track{prev, cur}, q.pending[:n-2]...)
	q.loaded = nil
	return true
}

// ApplyShuffleTick picks a uniform index k over All() and splits there:
// everything before k becomes history, k and after become pending. Under
// loop-queue the head is rotated to the back of pending instead. Relative
// order is untouched so disabling shuffle restores insertion order. The
// loaded track stays loaded, so loop-track still replays it.
func (q *Queue) ApplyShuffleTick(intn func(n int) int) {
	all := q.All()
	if len(all) == 0 {
		return
	}
	k := intn(len(all))
	if k < 0 || k >= len(all) {
		k = 0
	}
	if q.mode == ModeLoopQueue {
		q.history = nil
		q.pending = append(slices.Clone(all[k:]), all[:k]...)
		return
	}
	q.history = slices.Clone(all[:k])
	q.pending = slices.Clone(all[k:])
}

// Remove drops every track matching pred from history and pending.
func (q *Queue) Remove(pred func(*track.Track) bool) []*track.Track {
	var removed []*track.Track
	keep := func(list []*track.Track) []*track.Track {
		return slices.DeleteFunc(list, func(t *track.Track) bool {
			if pred(t) {
				removed = append(removed, t)
				return true
			}
			return false
		})
	}
	q.history = keep(q.history)
	q.pending = keep(q.pending)
	if q.loaded != nil && !q.Contains(q.loaded) {
		q.loaded = nil
	}
	return removed
}

// Reset clears both sequences and restores default modes.
func (q *Queue) Reset() {
	*q = Queue{}
}

// ResetTracks clears both sequences but keeps modes and the listen-together descriptor.
func (q *Queue) ResetTracks() {
	q.pending = nil
	q.history = nil
	q.loaded = nil
}

// CycleMode advances normal → loop-track → loop-queue → normal.
func (q *Queue) CycleMode() Mode {
	q.SetMode((q.mode + 1) % 3)
	return q.mode
}

// SetMode switches the loop mode. Entering loop-queue folds history into the
// rotation after the pending run, so the loaded track ends up last and every
// queued track comes round again. Leaving it puts the loaded track back at
// the end of history.
func (q *Queue) SetMode(m Mode) {
	switch {
	case m == ModeLoopQueue && q.mode != ModeLoopQueue:
		q.pending = append(q.pending, q.history...)
		q.history = nil
	case m != ModeLoopQueue && q.mode == ModeLoopQueue:
		if n := len(q.pending); n > 0 && q.loaded != nil && q.pending[n-1] == q.loaded {
			q.pending = q.pending[:n-1]
			q.history = append(q.history, q.loaded)
		}
	}
	q.mode = m
}

func (q *Queue) Mode() Mode                     { return q.mode }
func (q *Queue) Shuffle() bool                  { return q.shuffle }
func (q *Queue) SetShuffle(on bool)             { q.shuffle = on }
func (q *Queue) ListenTogether() ListenTogether { return q.listenTogether }

func (q *Queue) SetListenTogether(lt ListenTogether) {
	q.listenTogether = lt
}

// Loaded returns the track most recently yielded by Next, if still queued.
func (q *Queue) Loaded() *track.Track {
	if q.loaded != nil && q.Contains(q.loaded) {
		return q.loaded
	}
	return nil
}

// Pending returns a copy of the pending run.
func (q *Queue) Pending() []*track.Track { return slices.Clone(q.pending) }

// History returns a copy of the history, oldest first.
func (q *Queue) History() []*track.Track { return slices.Clone(q.history) }

// All returns history followed by pending.
func (q *Queue) All() []*track.Track {
	all := make([]*track.Track, 0, len(q.history)+len(q.pending))
	all = append(all, q.history...)
	return append(all, q.pending...)
}

func (q *Queue) Len() int { return len(q.history) + len(q.pending) }

func (q *Queue) IsEmpty() bool { return len(q.pending) == 0 }

// HistoryEmpty reports whether there is no previous track to go back to.
func (q *Queue) HistoryEmpty() bool {
	if q.mode == ModeLoopQueue {
		return len(q.pending) < 2
	}
	n := len(q.history)
	if n > 0 && q.history[n-1] == q.loaded {
		n--
	}
	return n == 0
}

func (q *Queue) Contains(t *track.Track) bool {
	return slices.Contains(q.history, t) || slices.Contains(q.pending, t)
}

// IndexOf returns the position of t in All(), or -1.
func (q *Queue) IndexOf(t *track.Track) int {
	if i := slices.Index(q.history, t); i >= 0 {
		return i
	}
	if i := slices.Index(q.pending, t); i >= 0 {
		return len(q.history) + i
	}
	return -1
}

// UpNext returns the track Next would yield without consuming it.
func (q *Queue) UpNext() *track.Track {
	if q.mode == ModeLoopTrack && q.Loaded() != nil {
		return q.loaded
	}
	if len(q.pending) == 0 {
		return nil
	}
	return q.pending[0]
}

// Duration sums the length of every queued track except the loaded one.
func (q *Queue) Duration() time.Duration {
	var d time.Duration
	for _, t := range q.All() {
		if t != q.loaded {
			d += t.Length()
		}
	}
	return d
}
