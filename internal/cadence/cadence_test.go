package cadence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noJitter makes the math deterministic for assertions.
var noJitter = Options{SpeedFactor: 1.0, Jitter: false}

func i64(v int64) *int64 { return &v }

func TestValidate(t *testing.T) {
	for _, good := range []string{"every:900", "every:1", "window:3600:2", " every:60 "} {
		assert.NoError(t, Validate(good), good)
	}
	for _, bad := range []string{"", "every", "every:0", "every:-5", "every:abc",
		"window:3600", "window:0:2", "window:3600:0", "hourly:3", "every:900:1"} {
		assert.ErrorIs(t, Validate(bad), ErrInvalidCadence, bad)
	}
}

func TestEveryAnchorsOnScheduledInstant(t *testing.T) {
	// A run scheduled for 1900 that finishes late at 2000 still chains
	// from 1900: next fire is 2800, not 2900.
	next, ws, err := ComputeNextRun(i64(1000), i64(1900), "every:900", 2000, nil, noJitter)
	require.NoError(t, err)
	assert.Nil(t, ws)
	assert.Equal(t, int64(2800), next)
}

func TestEveryFallbackAnchors(t *testing.T) {
	// Without a scheduled instant, chain from the last run.
	next, _, err := ComputeNextRun(i64(1000), nil, "every:900", 2000, nil, noJitter)
	require.NoError(t, err)
	assert.Equal(t, int64(1900), next)

	// First ever run chains from now.
	next, _, err = ComputeNextRun(nil, nil, "every:900", 5000, nil, noJitter)
	require.NoError(t, err)
	assert.Equal(t, int64(5900), next)
}

func TestEveryJitterBounds(t *testing.T) {
	opts := Options{SpeedFactor: 1.0, Jitter: true}
	for i := 0; i < 200; i++ {
		next, _, err := ComputeNextRun(nil, i64(0), "every:900", 0, nil, opts)
		require.NoError(t, err)
		// ±5% of 900 is ±45.
		assert.GreaterOrEqual(t, next, int64(855))
		assert.LessOrEqual(t, next, int64(945))
	}
}

func TestEverySpeedFactor(t *testing.T) {
	next, _, err := ComputeNextRun(nil, i64(100), "every:900", 100, nil, Options{SpeedFactor: 0.01, Jitter: false})
	require.NoError(t, err)
	assert.Equal(t, int64(109), next)

	// The floor keeps intervals at least one second.
	next, _, err = ComputeNextRun(nil, i64(100), "every:10", 100, nil, Options{SpeedFactor: 0.001, Jitter: false})
	require.NoError(t, err)
	assert.Equal(t, int64(101), next)
}

func TestWindowEvenSpacing(t *testing.T) {
	// window:3600:2 spaces runs 1800 s apart from the window start.
	next, ws, err := ComputeNextRun(nil, nil, "window:3600:2", 0, nil, noJitter)
	require.NoError(t, err)
	require.NotNil(t, ws)
	assert.Equal(t, int64(0), next)
	assert.Equal(t, 1, ws.RunsInWindow)

	next, ws, err = ComputeNextRun(i64(0), nil, "window:3600:2", 5, ws, noJitter)
	require.NoError(t, err)
	assert.Equal(t, int64(1800), next)
	assert.Equal(t, 2, ws.RunsInWindow)

	// Window exhausted: the next slot starts the following window.
	next, ws, err = ComputeNextRun(i64(1800), nil, "window:3600:2", 1805, ws, noJitter)
	require.NoError(t, err)
	assert.Equal(t, int64(3600), next)
	assert.Equal(t, int64(3600), ws.WindowStartTS)
	assert.Equal(t, 1, ws.RunsInWindow)
}

func TestWindowResetsWhenElapsed(t *testing.T) {
	stale := &WindowState{WindowStartTS: 100, RunsInWindow: 1}
	// The whole window has passed: bookkeeping restarts at now.
	next, ws, err := ComputeNextRun(i64(100), nil, "window:3600:2", 7200, stale, noJitter)
	require.NoError(t, err)
	assert.Equal(t, int64(7200), next)
	assert.Equal(t, int64(7200), ws.WindowStartTS)
	assert.Equal(t, 1, ws.RunsInWindow)
}

func TestWindowStateRoundTrip(t *testing.T) {
	ws := &WindowState{WindowStartTS: 1234, RunsInWindow: 2}
	raw, err := ws.Encode()
	require.NoError(t, err)

	parsed, err := ParseWindowState(&raw)
	require.NoError(t, err)
	assert.Equal(t, ws, parsed)

	parsed, err = ParseWindowState(nil)
	require.NoError(t, err)
	assert.Nil(t, parsed)

	empty := "  "
	parsed, err = ParseWindowState(&empty)
	require.NoError(t, err)
	assert.Nil(t, parsed)

	garbage := "{nope"
	_, err = ParseWindowState(&garbage)
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("BARTH_SPEED_FACTOR", "0.01")
	assert.Equal(t, 0.01, FromEnv().SpeedFactor)

	t.Setenv("BARTH_SPEED_FACTOR", "0.00001")
	assert.Equal(t, 1.0, FromEnv().SpeedFactor, "below the floor is ignored")

	t.Setenv("BARTH_SPEED_FACTOR", "junk")
	assert.Equal(t, 1.0, FromEnv().SpeedFactor)
}

func TestComputeNextRunInvalidCadence(t *testing.T) {
	_, _, err := ComputeNextRun(nil, nil, "every:nope", 0, nil, noJitter)
	assert.ErrorIs(t, err, ErrInvalidCadence)
}
