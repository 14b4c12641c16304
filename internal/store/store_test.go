package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "barth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenCreatesSchema(t *testing.T) {
	st := openTestStore(t)
	assert.True(t, st.DBOk())

	stats, err := st.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["memories"])
	assert.Equal(t, int64(0), stats["nudges"])
	assert.Equal(t, int64(0), stats["ticks"])
}

func TestCloseRemovesWALSidecars(t *testing.T) {
	path := filepath.Join(t.TempDir(), "barth.db")
	st, err := Open(path)
	require.NoError(t, err)

	// Touch the database so the WAL has something to checkpoint.
	_, err = st.UpsertMemory("note", "k", "v", "", "")
	require.NoError(t, err)
	require.NoError(t, st.Close())

	for _, suffix := range []string{"-wal", "-shm"} {
		_, err := os.Stat(path + suffix)
		assert.True(t, os.IsNotExist(err), "sidecar %s should be gone after Close", suffix)
	}
}

func TestUpsertMemoryKeepsIDStable(t *testing.T) {
	st := openTestStore(t)

	id1, err := st.UpsertMemory("prefs", "editor", "vim", "editor pref", "")
	require.NoError(t, err)
	id2, err := st.UpsertMemory("prefs", "editor", "emacs", "editor pref", "")
	require.NoError(t, err)
	assert.Equal(t, id1, id2, "upsert must not change the row id")

	m, err := st.GetMemory("prefs", "editor")
	require.NoError(t, err)
	assert.Equal(t, "emacs", m.Value)

	n, err := st.MemoryCount()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestDeleteMemory(t *testing.T) {
	st := openTestStore(t)

	_, err := st.UpsertMemory("note", "gone", "x", "", "")
	require.NoError(t, err)
	require.NoError(t, st.DeleteMemory("note", "gone"))

	_, err = st.GetMemory("note", "gone")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, st.DeleteMemory("note", "gone"), ErrNotFound)
}

func TestNudgeLifecycle(t *testing.T) {
	st := openTestStore(t)

	actions := []NudgeAction{{Label: "Reflect", Cmd: "reflect_now"}, {Label: "Later", Cmd: "snooze"}}
	id, err := st.CreateNudge("drift", "self-check found drift", actions, "high_pending_nudges:12", "")
	require.NoError(t, err)

	pending, err := st.ListPendingNudges(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, NudgeStatusPending, pending[0].Status)
	assert.Equal(t, actions, pending[0].Actions)
	assert.Nil(t, pending[0].ActedTS)

	require.NoError(t, st.SetNudgeStatus(id, NudgeStatusAcked, ""))

	n, err := st.GetNudge(id)
	require.NoError(t, err)
	assert.Equal(t, NudgeStatusAcked, n.Status)
	require.NotNil(t, n.ActedTS)

	// Acting twice is refused; unknown ids are distinct from that.
	assert.ErrorIs(t, st.SetNudgeStatus(id, NudgeStatusDismissed, ""), ErrNotPending)
	assert.ErrorIs(t, st.SetNudgeStatus(9999, NudgeStatusAcked, ""), ErrNotFound)

	count, err := st.PendingNudgeCount()
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestSetNudgeStatusRejectsInvalid(t *testing.T) {
	st := openTestStore(t)
	assert.Error(t, st.SetNudgeStatus(1, "pending", ""))
	assert.Error(t, st.SetNudgeStatus(1, "bogus", ""))
}

func TestFlagsRoundTrip(t *testing.T) {
	st := openTestStore(t)

	_, err := st.GetFlag("parking_brake")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, st.SetFlag("parking_brake", `{"engaged":true,"scopes":["global"]}`))
	v, err := st.GetFlag("parking_brake")
	require.NoError(t, err)
	assert.Equal(t, `{"engaged":true,"scopes":["global"]}`, v)

	require.NoError(t, st.SetFlag("parking_brake", `{"engaged":false,"scopes":[]}`))
	v, err = st.GetFlag("parking_brake")
	require.NoError(t, err)
	assert.Equal(t, `{"engaged":false,"scopes":[]}`, v)
}

func TestWaterLog(t *testing.T) {
	st := openTestStore(t)

	_, err := st.LogWater(0, "")
	assert.Error(t, err)

	_, err = st.LogWater(250, "2025-06-01T08:00:00Z")
	require.NoError(t, err)
	_, err = st.LogWater(500, "2025-06-01T12:30:00Z")
	require.NoError(t, err)
	_, err = st.LogWater(250, "2025-06-02T09:00:00Z")
	require.NoError(t, err)

	total, err := st.WaterTotalBetween("2025-06-01T00:00:00Z", "2025-06-01T23:59:59Z")
	require.NoError(t, err)
	assert.Equal(t, 750, total)

	last, err := st.LastWaterTS()
	require.NoError(t, err)
	assert.Equal(t, "2025-06-02T09:00:00Z", last)
}

func TestReflections(t *testing.T) {
	st := openTestStore(t)

	_, err := st.LatestReflection(ReflectionDailyJournal)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = st.InsertReflection(ReflectionDailyJournal, "# Daily Reflection - 2025-06-01",
		map[string]interface{}{"date": "2025-06-01"}, "2025-06-01T21:05:00Z", false)
	require.NoError(t, err)
	_, err = st.InsertReflection(ReflectionDailyJournal, "# Daily Reflection - 2025-06-02",
		map[string]interface{}{"date": "2025-06-02"}, "2025-06-02T21:10:00Z", false)
	require.NoError(t, err)

	latest, err := st.LatestReflection(ReflectionDailyJournal)
	require.NoError(t, err)
	assert.Contains(t, latest.Content, "2025-06-02")
	assert.Equal(t, "2025-06-02", latest.Meta["date"])

	ok, err := st.ReflectionExistsOnDate(ReflectionDailyJournal, "2025-06-01")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.ReflectionExistsOnDate(ReflectionDailyJournal, "2025-06-03")
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := st.ListRecentReflections("", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestConsentRows(t *testing.T) {
	st := openTestStore(t)

	id, err := st.UpsertMemory("health.note", "allergy", "peanuts", "", "")
	require.NoError(t, err)

	ok, err := st.HasConsent(id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.GrantConsent(id))
	require.NoError(t, st.GrantConsent(id)) // idempotent

	ok, err = st.HasConsent(id)
	require.NoError(t, err)
	assert.True(t, ok)
}
