package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"bartholomew/internal/config"
	"bartholomew/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.ExportsDir = filepath.Join(dir, "exports")
	cfg.LoopIntervalSeconds = 1
	cfg.AllowDegradedFTS = true
	return cfg
}

func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	d, err := New(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { d.Stop() })
	return d
}

func TestStartStopLeaksNothing(t *testing.T) {
	defer goleak.VerifyNone(t)

	d, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, d.Stop())

	// Stop is idempotent.
	require.NoError(t, d.Stop())
}

func TestStopTruncatesWAL(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	_, err = d.Store().UpsertMemory("note", "k", "v", "", "")
	require.NoError(t, err)
	require.NoError(t, d.Stop())

	for _, suffix := range []string{"-wal", "-shm"} {
		_, err := os.Stat(cfg.DBPath() + suffix)
		assert.True(t, os.IsNotExist(err), "sidecar %s should be gone", suffix)
	}
}

func TestInQuietHoursSpansMidnight(t *testing.T) {
	d := newTestDaemon(t)
	// Default quiet hours 21:30-07:00 cross midnight.
	at := func(h, m int) time.Time {
		return time.Date(2025, 6, 2, h, m, 0, 0, time.UTC)
	}
	assert.True(t, d.InQuietHours(at(22, 0)))
	assert.True(t, d.InQuietHours(at(23, 59)))
	assert.True(t, d.InQuietHours(at(0, 30)))
	assert.True(t, d.InQuietHours(at(6, 59)))
	assert.False(t, d.InQuietHours(at(7, 0)))
	assert.False(t, d.InQuietHours(at(12, 0)))
	assert.False(t, d.InQuietHours(at(21, 29)))
}

// pendingOfKind filters out nudges the live scheduler's own drives may
// create while a started daemon runs alongside the test.
func pendingOfKind(t *testing.T, d *Daemon, kind string) []store.Nudge {
	t.Helper()
	pending, err := d.Store().ListPendingNudges(100)
	require.NoError(t, err)
	var out []store.Nudge
	for _, n := range pending {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func TestEmitSystemNudgePersistsViaBus(t *testing.T) {
	d := newTestDaemon(t)
	// Keep quiet hours away from the test clock.
	d.cfg.QuietHours = config.QuietHoursConfig{Start: "00:00", End: "00:01"}
	now := time.Now().UTC()
	if now.Hour() == 0 && now.Minute() == 0 {
		t.Skip("inside the synthetic quiet minute")
	}
	require.NoError(t, d.Start(context.Background()))

	d.EmitSystemNudge("test_kind", "hello there", nil, "unit test")

	require.Eventually(t, func() bool {
		return len(pendingOfKind(t, d, "test_kind")) == 1
	}, 3*time.Second, 20*time.Millisecond, "consumer loop should persist the nudge")

	got := pendingOfKind(t, d, "test_kind")
	require.Len(t, got, 1)
	assert.Equal(t, "hello there", got[0].Message)
}

func TestEmitSystemNudgeSuppressedInQuietHours(t *testing.T) {
	d := newTestDaemon(t)
	// Quiet span covering the whole day.
	d.cfg.QuietHours = config.QuietHoursConfig{Start: "00:00", End: "23:59"}
	require.NoError(t, d.Start(context.Background()))

	d.EmitSystemNudge("test_kind", "should not land", nil, "unit test")
	time.Sleep(150 * time.Millisecond)

	assert.Empty(t, pendingOfKind(t, d, "test_kind"))
}

func TestHandleCommand(t *testing.T) {
	d := newTestDaemon(t)

	require.NoError(t, d.HandleCommand("water_log_250"))
	require.NoError(t, d.HandleCommand("water_log_500"))
	assert.Error(t, d.HandleCommand("make_coffee"))

	day := time.Now().UTC().Format("2006-01-02")
	total, err := d.Store().WaterTotalBetween(day+"T00:00:00Z", day+"T23:59:59Z")
	require.NoError(t, err)
	assert.Equal(t, 750, total)
	require.NotNil(t, d.LastWaterTS())
}

func TestDailyReflectionOncePerDate(t *testing.T) {
	d := newTestDaemon(t)
	now := time.Date(2025, 6, 2, 21, 30, 0, 0, time.UTC)

	due, err := d.dailyDue(now)
	require.NoError(t, err)
	assert.True(t, due, "inside the nightly window, nothing written yet")

	require.NoError(t, d.runDailyReflection(now))

	due, err = d.dailyDue(now)
	require.NoError(t, err)
	assert.False(t, due, "already reflected today")

	r, err := d.Store().LatestReflection(store.ReflectionDailyJournal)
	require.NoError(t, err)
	assert.Contains(t, r.Content, "# Daily Reflection - 2025-06-02")
	assert.Contains(t, r.Content, "Hydration: 0 mL logged today")

	// The export copy landed under sessions/.
	_, err = os.Stat(filepath.Join(d.cfg.ExportsDir, "sessions", "2025-06-02.md"))
	assert.NoError(t, err)
}

func TestDailyDueRespectsWindow(t *testing.T) {
	d := newTestDaemon(t)

	due, err := d.dailyDue(time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, due, "noon is outside 21:00-23:00")

	due, err = d.dailyDue(time.Date(2025, 6, 2, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, due, "the window end is exclusive")
}

func TestDailyDueSurvivesRestart(t *testing.T) {
	cfg := testConfig(t)
	now := time.Date(2025, 6, 2, 21, 30, 0, 0, time.UTC)

	d, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, d.runDailyReflection(now))
	require.NoError(t, d.Stop())

	// A fresh process has no in-memory marker; the persisted row guards.
	d2, err := New(cfg)
	require.NoError(t, err)
	defer d2.Stop()

	due, err := d2.dailyDue(now)
	require.NoError(t, err)
	assert.False(t, due)
}

func TestWeeklyAudit(t *testing.T) {
	d := newTestDaemon(t)
	// Default weekly slot: Sunday 21:30. 2025-06-01 is a Sunday.
	sunday := time.Date(2025, 6, 1, 21, 45, 0, 0, time.UTC)

	due, err := d.weeklyDue(sunday)
	require.NoError(t, err)
	assert.True(t, due, "within 60 minutes after the slot")

	require.NoError(t, d.runWeeklyReflection(sunday))

	due, err = d.weeklyDue(sunday)
	require.NoError(t, err)
	assert.False(t, due)

	r, err := d.Store().LatestReflection(store.ReflectionWeeklyAudit)
	require.NoError(t, err)
	assert.Contains(t, r.Content, "# Weekly Alignment Audit - Week 22, 2025")
	assert.True(t, r.Pinned)
	assert.Equal(t, float64(22), r.Meta["week"])

	// Wrong weekday and past the tolerance are both not due.
	monday := time.Date(2025, 6, 2, 21, 45, 0, 0, time.UTC)
	due, err = d.weeklyDue(monday)
	require.NoError(t, err)
	assert.False(t, due)

	late := time.Date(2025, 6, 8, 22, 31, 0, 0, time.UTC)
	due, err = d.weeklyDue(late)
	require.NoError(t, err)
	assert.False(t, due)
}

func TestReloadDrivesSwapsCadences(t *testing.T) {
	d := newTestDaemon(t)
	require.NoError(t, d.Start(context.Background()))

	fresh := testConfig(t)
	fresh.Drives = map[string]string{"self_check": "every:120"}
	require.NoError(t, d.ReloadDrives(fresh))

	tasks, err := d.Store().ListScheduledTasks()
	require.NoError(t, err)
	found := false
	for _, task := range tasks {
		if task.ID == "self_check" {
			found = true
			assert.Equal(t, "every:120", task.Cadence)
		}
	}
	assert.True(t, found)

	// A broken cadence rejects the reload and keeps the old map.
	bad := testConfig(t)
	bad.Drives = map[string]string{"self_check": "hourly:nope"}
	require.Error(t, d.ReloadDrives(bad))

	tasks, err = d.Store().ListScheduledTasks()
	require.NoError(t, err)
	for _, task := range tasks {
		if task.ID == "self_check" {
			assert.Equal(t, "every:120", task.Cadence, "rejected reload leaves the last good cadence")
		}
	}
}

func TestHealthSummary(t *testing.T) {
	d := newTestDaemon(t)

	h := d.Health()
	assert.True(t, h.KernelOnline)
	assert.Equal(t, d.Store().Path(), h.DBPath)
	assert.Equal(t, int64(0), h.NudgesPendingCount)
	assert.Nil(t, h.LastDailyReflection)

	_, err := d.Store().CreateNudge("curiosity", "hm", nil, "", "")
	require.NoError(t, err)
	require.NoError(t, d.runDailyReflection(time.Now().UTC()))

	h = d.Health()
	assert.Equal(t, int64(1), h.NudgesPendingCount)
	require.NotNil(t, h.LastDailyReflection)
}

func TestSpeedFactorDrivesTicksQuickly(t *testing.T) {
	t.Setenv("BARTH_SPEED_FACTOR", "0.001")
	t.Setenv("DRIVE_SELF_CHECK", "every:1")

	d, err := New(testConfig(t))
	require.NoError(t, err)
	defer d.Stop()
	require.NoError(t, d.Start(context.Background()))

	require.Eventually(t, func() bool {
		ticks, err := d.Store().ListRecentTicks("self_check", 5)
		return err == nil && len(ticks) >= 1
	}, 10*time.Second, 100*time.Millisecond, "scheduler should tick at high speed")
}
