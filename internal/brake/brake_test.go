package brake

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bartholomew/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "barth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestNewDefaultsDisengaged(t *testing.T) {
	st := openTestStore(t)
	b, err := New(st, st)
	require.NoError(t, err)

	assert.False(t, b.State().Engaged)
	for _, scope := range KnownScopes {
		assert.False(t, b.IsBlocked(scope))
	}
}

func TestEngagePersistsAcrossInstances(t *testing.T) {
	st := openTestStore(t)

	b, err := New(st, st)
	require.NoError(t, err)
	require.NoError(t, b.Engage(ScopeScheduler, ScopeVoice))

	// A second brake over the same store sees the committed state.
	b2, err := New(st, st)
	require.NoError(t, err)
	s := b2.State()
	assert.True(t, s.Engaged)
	assert.Equal(t, []string{"scheduler", "voice"}, s.ScopeList())
	assert.True(t, b2.IsBlocked(ScopeScheduler))
	assert.False(t, b2.IsBlocked(ScopeSkills))
}

func TestEngageDefaultsToGlobal(t *testing.T) {
	st := openTestStore(t)
	b, err := New(st, st)
	require.NoError(t, err)

	require.NoError(t, b.Engage())
	assert.Equal(t, []string{"global"}, b.State().ScopeList())
}

func TestGlobalSupersedesScopes(t *testing.T) {
	st := openTestStore(t)
	b, err := New(st, st)
	require.NoError(t, err)

	require.NoError(t, b.Engage(ScopeGlobal))
	for _, scope := range KnownScopes {
		assert.True(t, b.IsBlocked(scope), scope)
	}
}

func TestDisengageClearsEverything(t *testing.T) {
	st := openTestStore(t)
	b, err := New(st, st)
	require.NoError(t, err)

	require.NoError(t, b.Engage(ScopeSkills))
	require.NoError(t, b.Disengage())

	assert.False(t, b.State().Engaged)
	assert.Empty(t, b.State().ScopeList())
	assert.False(t, b.IsBlocked(ScopeSkills))

	raw, err := st.GetFlag(FlagKey)
	require.NoError(t, err)
	assert.JSONEq(t, `{"engaged":false,"scopes":[]}`, raw)
}

func TestTransitionsLeaveAuditMemories(t *testing.T) {
	st := openTestStore(t)
	b, err := New(st, st)
	require.NoError(t, err)

	require.NoError(t, b.Engage(ScopeSight))
	require.NoError(t, b.Disengage())

	n, err := st.MemoryCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n, "one safety.audit memory per transition")
}

func TestNilAuditSinkStillMutates(t *testing.T) {
	st := openTestStore(t)
	b, err := New(st, nil)
	require.NoError(t, err)

	require.NoError(t, b.Engage(ScopeVoice))
	assert.True(t, b.IsBlocked(ScopeVoice))

	n, err := st.MemoryCount()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestReloadPicksUpExternalChange(t *testing.T) {
	st := openTestStore(t)
	b, err := New(st, st)
	require.NoError(t, err)

	// Another process (the CLI) flips the flag underneath us.
	require.NoError(t, st.SetFlag(FlagKey, `{"engaged":true,"scopes":["global"]}`))
	assert.False(t, b.IsBlocked(ScopeSkills), "cache is stale until Reload")

	require.NoError(t, b.Reload())
	assert.True(t, b.IsBlocked(ScopeSkills))
}

func TestBlockedSentinel(t *testing.T) {
	err := Blocked("scheduler")
	assert.ErrorIs(t, err, ErrBlocked)
	assert.Contains(t, err.Error(), "scheduler blocked")
}
