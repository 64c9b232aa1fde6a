package retrylimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr int

func (s statusErr) Error() string   { return "status" }
func (s statusErr) StatusCode() int { return int(s) }

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialDelay = time.Millisecond
	cfg.MaxDelay = 2 * time.Millisecond
	cfg.RateLimitDelay = time.Millisecond
	cfg.Jitter = false
	return cfg
}

func TestDoRetriesServerErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), nil, fastConfig(), func() error {
		calls++
		if calls < 3 {
			return statusErr(503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnClientError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), nil, fastConfig(), func() error {
		calls++
		return statusErr(404)
	})
	var he HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, 404, he.StatusCode())
	assert.Equal(t, 1, calls)
}

func TestDoStopsOnFatal(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := Do(context.Background(), nil, fastConfig(), func() error {
		calls++
		return Fatal(boom)
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDoGivesUp(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	calls := 0
	err := Do(context.Background(), nil, cfg, func() error {
		calls++
		return statusErr(500)
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	var he HTTPError
	assert.ErrorAs(t, err, &he)
}

func TestRateLimitedLowersLimit(t *testing.T) {
	lim := NewAdaptiveLimiter(8, 1, 10, 1, 0.5)
	calls := 0
	err := Do(context.Background(), lim, fastConfig(), func() error {
		calls++
		if calls == 1 {
			return statusErr(429)
		}
		return nil
	})
	require.NoError(t, err)
	assert.InDelta(t, 4.0, lim.CurrentLimit(), 0.001)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig()
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour
	calls := 0
	err := Do(ctx, nil, cfg, func() error {
		calls++
		cancel()
		return errors.New("transport")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
