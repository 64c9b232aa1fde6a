package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keshon/playdeck/internal/music/panel"
)

func newStore(t *testing.T, path string) *Storage {
	t.Helper()
	s, err := New(path)
	require.NoError(t, err)
	return s
}

func TestBindingRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, filepath.Join(t.TempDir(), "datastore.json"))
	defer s.Close()

	b, err := s.Binding(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, panel.Binding{}, b)

	require.NoError(t, s.SaveBinding(ctx, "g", panel.Binding{ChannelID: "c", MessageID: "m"}))
	b, err = s.Binding(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, panel.Binding{ChannelID: "c", MessageID: "m"}, b)

	other, err := s.Binding(ctx, "h")
	require.NoError(t, err)
	assert.Empty(t, other.ChannelID)
}

func TestSetMusicChannelForgetsMessage(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, filepath.Join(t.TempDir(), "datastore.json"))
	defer s.Close()

	require.NoError(t, s.SaveBinding(ctx, "g", panel.Binding{ChannelID: "c", MessageID: "m"}))
	require.NoError(t, s.SetMusicChannel("g", "c"))
	b, _ := s.Binding(ctx, "g")
	assert.Equal(t, "m", b.MessageID, "same channel keeps the message")

	require.NoError(t, s.SetMusicChannel("g", "d"))
	b, _ = s.Binding(ctx, "g")
	assert.Equal(t, panel.Binding{ChannelID: "d"}, b)
}

func TestVolume(t *testing.T) {
	s := newStore(t, filepath.Join(t.TempDir(), "datastore.json"))
	defer s.Close()

	assert.Equal(t, 70, s.Volume("g", 70))
	require.NoError(t, s.SetVolume("g", 35))
	assert.Equal(t, 35, s.Volume("g", 70))
}

func TestRecordsSurviveReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "datastore.json")

	s := newStore(t, path)
	require.NoError(t, s.SaveBinding(ctx, "g", panel.Binding{ChannelID: "c", MessageID: "m"}))
	require.NoError(t, s.Close())

	s = newStore(t, path)
	defer s.Close()
	b, err := s.Binding(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, panel.Binding{ChannelID: "c", MessageID: "m"}, b)
}
