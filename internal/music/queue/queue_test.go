package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/playdeck/internal/music/track"
)

func newTracks(n int) []*track.Track {
	out := make([]*track.Track, n)
	for i := range out {
		out[i] = track.MustNew(track.Info{
			Encoded: fmt.Sprintf("enc-%d", i),
			Title:   fmt.Sprintf("Track %d", i),
			Length:  time.Duration(i+1) * time.Minute,
		})
	}
	return out
}

func filled(t *testing.T, tracks []*track.Track) *Queue {
	t.Helper()
	q := New()
	for _, tr := range tracks {
		require.NoError(t, q.PushBack(tr))
	}
	return q
}

func TestPushRejectsDuplicatesAndNil(t *testing.T) {
	tr := newTracks(2)
	q := filled(t, tr)

	assert.ErrorIs(t, q.PushBack(tr[0]), ErrDuplicateTrack)
	assert.ErrorIs(t, q.PushFront(tr[1]), ErrDuplicateTrack)
	assert.ErrorIs(t, q.PushBack(nil), ErrNilTrack)

	// a new instance with identical metadata is a different track
	assert.NoError(t, q.PushBack(tr[0].WithRequester("u1")))
	assert.Equal(t, 3, q.Len())
}

func TestInsertAt(t *testing.T) {
	tr := newTracks(4)
	q := filled(t, tr[:2])

	require.NoError(t, q.InsertAt(1, tr[2]))
	require.NoError(t, q.PushFront(tr[3]))
	assert.Equal(t, []*track.Track{tr[3], tr[0], tr[2], tr[1]}, q.Pending())

	assert.ErrorIs(t, q.InsertAt(9, track.MustNew(track.Info{Encoded: "x", Title: "x"})), ErrIndexOutOfRange)
	assert.ErrorIs(t, q.InsertAt(-1, track.MustNew(track.Info{Encoded: "y", Title: "y"})), ErrIndexOutOfRange)
}

func TestNextNormalMode(t *testing.T) {
	tr := newTracks(3)
	q := filled(t, tr)

	for i := range tr {
		got, err := q.Next()
		require.NoError(t, err)
		assert.Same(t, tr[i], got)
		assert.Same(t, got, q.Loaded())
		assert.True(t, q.Contains(got))
	}
	_, err := q.Next()
	assert.ErrorIs(t, err, ErrEmptyQueue)
	assert.Equal(t, tr, q.History())
}

func TestShuffleTickPreservesTracksAndOrder(t *testing.T) {
	for n := 0; n <= 8; n++ {
		for k := 0; k < max(n, 1); k++ {
			tr := newTracks(n)
			q := filled(t, tr)
			// consume a couple so history is populated too
			for i := 0; i < n/3; i++ {
				_, _ = q.Next()
			}
			before := q.All()

			q.ApplyShuffleTick(func(int) int { return k })

			assert.Equal(t, n, len(q.History())+len(q.Pending()), "n=%d k=%d", n, k)
			assert.Equal(t, before, q.All(), "relative order must be unchanged n=%d k=%d", n, k)
			if n > 0 {
				assert.Len(t, q.History(), k)
				assert.Same(t, before[k], q.Pending()[0])
			}
		}
	}
}

func TestShuffleOffRecoversInsertionOrder(t *testing.T) {
	tr := newTracks(5)
	q := filled(t, tr)
	q.SetShuffle(true)

	q.ApplyShuffleTick(func(int) int { return 3 })
	got, err := q.Next()
	require.NoError(t, err)
	assert.Same(t, tr[3], got)

	q.SetShuffle(false)
	assert.Equal(t, tr, q.All())
}

func TestJumpTo(t *testing.T) {
	for n := 1; n <= 6; n++ {
		for k := 0; k < n; k++ {
			tr := newTracks(n)
			q := filled(t, tr)

			require.True(t, q.JumpTo(k))
			assert.Equal(t, tr[:k], q.History(), "n=%d k=%d", n, k)
			assert.Same(t, tr[k], q.Pending()[0])
			assert.Equal(t, n, q.Len())
		}
	}
}

func TestJumpToOutOfRange(t *testing.T) {
	q := New()
	assert.False(t, q.JumpTo(0))

	q = filled(t, newTracks(2))
	before := q.All()
	assert.False(t, q.JumpTo(2))
	assert.False(t, q.JumpTo(-1))
	assert.Equal(t, before, q.All())
}

func TestBackIsInverseOfOneStep(t *testing.T) {
	tr := newTracks(4)
	q := filled(t, tr)

	x, _ := q.Next()
	y, _ := q.Next()
	require.Same(t, tr[1], y)

	require.True(t, q.Back())
	assert.Equal(t, 4, q.Len())
	assert.Equal(t, []*track.Track{x, y, tr[2], tr[3]}, q.Pending())

	cur, err := q.Next()
	require.NoError(t, err)
	assert.Same(t, x, cur)
	assert.Same(t, y, q.Pending()[0])
	assert.Equal(t, []*track.Track{x}, q.History())
}

func TestBackWithoutPrevious(t *testing.T) {
	q := New()
	assert.False(t, q.Back())
	assert.True(t, q.HistoryEmpty())

	q = filled(t, newTracks(2))
	_, _ = q.Next()
	assert.True(t, q.HistoryEmpty())
	assert.False(t, q.Back())
	assert.Equal(t, 2, q.Len())
}

func TestLoopTrackNeverRemoves(t *testing.T) {
	tr := newTracks(3)
	q := filled(t, tr)
	q.SetMode(ModeLoopTrack)

	first, err := q.Next()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		got, err := q.Next()
		require.NoError(t, err)
		assert.Same(t, first, got)
		assert.True(t, q.Contains(first))
	}
	assert.Equal(t, 3, q.Len())
}

func TestLoopQueueRotates(t *testing.T) {
	tr := newTracks(4)
	q := filled(t, tr)
	q.SetMode(ModeLoopQueue)

	for i := 0; i < len(tr); i++ {
		got, err := q.Next()
		require.NoError(t, err)
		assert.Same(t, tr[i], got)
		assert.True(t, q.Contains(got))
	}
	assert.ElementsMatch(t, tr, q.Pending())
	assert.Equal(t, tr, q.Pending())
	assert.Empty(t, q.History())
}

func TestCycleMode(t *testing.T) {
	q := New()
	assert.Equal(t, ModeLoopTrack, q.CycleMode())
	assert.Equal(t, ModeLoopQueue, q.CycleMode())
	assert.Equal(t, ModeNormal, q.CycleMode())
}

func TestRemoveAndReset(t *testing.T) {
	tr := newTracks(4)
	q := New()
	for i, x := range tr {
		owner := "stay"
		if i%2 == 1 {
			owner = "gone"
		}
		require.NoError(t, q.PushBack(x.WithRequester(owner)))
	}
	_, _ = q.Next()

	removed := q.Remove(func(x *track.Track) bool { return x.RequesterID() == "gone" })
	assert.Len(t, removed, 2)
	assert.Equal(t, 2, q.Len())

	q.SetMode(ModeLoopQueue)
	q.SetShuffle(true)
	q.SetListenTogether(ListenTogether{Enabled: true, UserID: "u"})
	q.Reset()
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, ModeNormal, q.Mode())
	assert.False(t, q.Shuffle())
	assert.False(t, q.ListenTogether().Enabled)
}

func TestPushHistoryLoadsTrack(t *testing.T) {
	tr := newTracks(2)
	q := filled(t, tr[:1])

	require.NoError(t, q.PushHistory(tr[1]))
	assert.Same(t, tr[1], q.Loaded())
	assert.Equal(t, []*track.Track{tr[1]}, q.History())
	assert.ErrorIs(t, q.PushHistory(tr[0]), ErrDuplicateTrack)
}

func TestDurationExcludesLoaded(t *testing.T) {
	tr := newTracks(3)
	q := filled(t, tr)
	_, _ = q.Next()
	assert.Equal(t, 5*time.Minute, q.Duration())
	assert.Same(t, tr[1], q.UpNext())
	assert.Equal(t, 0, q.IndexOf(tr[0]))
	assert.Equal(t, 2, q.IndexOf(tr[2]))
}

func TestLoopQueueFoldsHistoryIn(t *testing.T) {
	t.Run("mid queue", func(t *testing.T) {
		tr := newTracks(2)
		q := filled(t, tr)
		playing, err := q.Next()
		require.NoError(t, err)
		require.Same(t, tr[0], playing)

		q.SetMode(ModeLoopQueue)
		assert.Empty(t, q.History())
		assert.Equal(t, []*track.Track{tr[1], tr[0]}, q.Pending())

		var got []*track.Track
		for range 4 {
			next, err := q.Next()
			require.NoError(t, err)
			got = append(got, next)
		}
		assert.Equal(t, []*track.Track{tr[1], tr[0], tr[1], tr[0]}, got)
	})

	t.Run("last track", func(t *testing.T) {
		tr := newTracks(2)
		q := filled(t, tr)
		_, _ = q.Next()
		_, _ = q.Next()
		require.True(t, q.IsEmpty())

		assert.Equal(t, ModeLoopTrack, q.CycleMode())
		assert.Equal(t, ModeLoopQueue, q.CycleMode())
		next, err := q.Next()
		require.NoError(t, err)
		assert.Same(t, tr[0], next)
	})
}

func TestLeavingLoopQueueReturnsLoadedToHistory(t *testing.T) {
	tr := newTracks(3)
	q := filled(t, tr)
	q.SetMode(ModeLoopQueue)
	_, _ = q.Next()

	q.SetMode(ModeNormal)
	assert.Equal(t, []*track.Track{tr[0]}, q.History())
	assert.Equal(t, []*track.Track{tr[1], tr[2]}, q.Pending())
	assert.Same(t, tr[0], q.Loaded())
}

func TestLoopQueueRefillsFromHistory(t *testing.T) {
	tr := newTracks(1)
	q := New()
	q.SetMode(ModeLoopQueue)
	require.NoError(t, q.PushHistory(tr[0]))

	got, err := q.Next()
	require.NoError(t, err)
	assert.Same(t, tr[0], got)
	assert.Equal(t, []*track.Track{tr[0]}, q.Pending())
}

func TestJumpAndBackUnderLoopQueue(t *testing.T) {
	tr := newTracks(4)
	q := filled(t, tr)
	q.SetMode(ModeLoopQueue)
	_, _ = q.Next()
	assert.False(t, q.HistoryEmpty())

	require.True(t, q.JumpTo(1))
	got, err := q.Next()
	require.NoError(t, err)
	assert.Same(t, tr[2], got)
	assert.Equal(t, 4, q.Len())

	require.True(t, q.Back())
	got, _ = q.Next()
	assert.Same(t, tr[1], got)
	got, _ = q.Next()
	assert.Same(t, tr[2], got)
}

func TestShuffleTickKeepsLoadedTrack(t *testing.T) {
	tr := newTracks(3)
	q := filled(t, tr)
	q.SetMode(ModeLoopTrack)
	playing, _ := q.Next()

	q.ApplyShuffleTick(func(int) int { return 2 })
	got, err := q.Next()
	require.NoError(t, err)
	assert.Same(t, playing, got)

	q.SetMode(ModeLoopQueue)
	require.Equal(t, []*track.Track{tr[2], tr[0], tr[1]}, q.Pending())
	q.ApplyShuffleTick(func(int) int { return 2 })
	assert.Empty(t, q.History())
	assert.Equal(t, []*track.Track{tr[1], tr[2], tr[0]}, q.Pending())
}
