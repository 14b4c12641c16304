package consent

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bartholomew/internal/fts"
)

const testRules = `
never_store:
  - match:
      kind: secrets
ask_before_store:
  - match:
      content: "(?i)allerg"
    metadata:
      privacy_class: health
context_only:
  - match:
      kind: journal.raw
    metadata:
      privacy_class: personal
`

// fakeConsents records which memory ids carry an explicit consent row.
type fakeConsents map[int64]bool

func (f fakeConsents) HasConsent(id int64) (bool, error) { return f[id], nil }

func newTestGate(t *testing.T, consents Consents) *Gate {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory_rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testRules), 0o644))
	g, err := NewGate(consents, path)
	require.NoError(t, err)
	return g
}

func TestMissingRulesFileIsPermissive(t *testing.T) {
	g, err := NewGate(fakeConsents{}, filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	p, err := g.Evaluate(1, "secrets", "api_key", "hunter2")
	require.NoError(t, err)
	assert.True(t, p.Include)
}

func TestNeverStoreExcludes(t *testing.T) {
	g := newTestGate(t, fakeConsents{})

	p, err := g.Evaluate(1, "secrets", "api_key", "hunter2")
	require.NoError(t, err)
	assert.False(t, p.Include)
	assert.Equal(t, "never_store", p.RecallPolicy)
}

func TestAskBeforeStoreNeedsConsentRow(t *testing.T) {
	g := newTestGate(t, fakeConsents{7: true})

	p, err := g.Evaluate(1, "health.note", "x", "Allergic to peanuts")
	require.NoError(t, err)
	assert.False(t, p.Include, "no consent row")
	assert.Equal(t, "health", p.PrivacyClass)

	p, err = g.Evaluate(7, "health.note", "x", "allergy: pollen")
	require.NoError(t, err)
	assert.True(t, p.Include, "explicit consent granted")
}

func TestContextOnlyFlagsButIncludes(t *testing.T) {
	g := newTestGate(t, fakeConsents{})

	p, err := g.Evaluate(1, "journal.raw", "2025-06-01", "rough day")
	require.NoError(t, err)
	assert.True(t, p.Include)
	assert.True(t, p.ContextOnly)
	assert.Equal(t, "personal", p.PrivacyClass)
}

func TestUnmatchedMemoryIncluded(t *testing.T) {
	g := newTestGate(t, fakeConsents{})

	p, err := g.Evaluate(1, "prefs", "editor", "vim")
	require.NoError(t, err)
	assert.True(t, p.Include)
	assert.Empty(t, p.RecallPolicy)
}

func TestFilterResultsPreservesOrder(t *testing.T) {
	g := newTestGate(t, fakeConsents{})

	in := []fts.Result{
		{ID: 1, Kind: "prefs", Key: "a", Value: "vim"},
		{ID: 2, Kind: "secrets", Key: "b", Value: "token"},
		{ID: 3, Kind: "journal.raw", Key: "c", Value: "rough day"},
		{ID: 4, Kind: "prefs", Key: "d", Value: "dark mode"},
	}
	out, err := g.FilterResults(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, []int64{1, 3, 4}, []int64{out[0].ID, out[1].ID, out[2].ID})
	assert.True(t, out[1].ContextOnly)
	assert.Equal(t, "context_only", out[1].RecallPolicy)
}

func TestInvalidRegexDisablesRuleOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
never_store:
  - match:
      content: "([unclosed"
  - match:
      kind: secrets
`), 0o644))

	g, err := NewGate(fakeConsents{}, path)
	require.NoError(t, err)

	// The broken regex rule matches nothing; the kind rule still works.
	p, err := g.Evaluate(1, "secrets", "k", "v")
	require.NoError(t, err)
	assert.False(t, p.Include)

	p, err = g.Evaluate(1, "prefs", "k", "v")
	require.NoError(t, err)
	assert.True(t, p.Include)
}
