package filter

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"logcollector/internal/registry"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	store := registry.NewStore(filepath.Join(dir, "sources.json"), filepath.Join(dir, "policy.json"), filepath.Join(dir, "filters.json"))
	eng, err := New(store)
	require.NoError(t, err)
	return eng
}

// S5: records equal to the configured value are dropped, others pass.
func TestPassesDropsMatchingValue(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.AddRule("src1", "user", "bob", true))

	assert.True(t, eng.Passes("user=alice", "src1"))
	assert.False(t, eng.Passes("user=bob", "src1"))
	assert.True(t, eng.Passes("user=carol", "src1"))
}

func TestPassesIgnoresDisabledRule(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.AddRule("src1", "user", "bob", false))
	assert.True(t, eng.Passes("user=bob", "src1"))
}

// P5: filter idempotence.
func TestPassesIsIdempotent(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.AddRule("src1", "user", "bob", true))

	record := "user=bob"
	first := eng.Passes(record, "src1")
	second := eng.Passes(record, "src1")
	assert.Equal(t, first, second)
}

func TestAddRuleEnforcesOneRulePerField(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.AddRule("src1", "user", "bob", true))
	require.NoError(t, eng.AddRule("src1", "user", "carol", true))

	rules := eng.Rules("src1")
	require.Len(t, rules, 1)
	assert.Equal(t, "carol", rules[0].Value)
}

func TestPassesHandlesJSONRecords(t *testing.T) {
	eng := newTestEngine(t)
	require.NoError(t, eng.AddRule("src1", "user", "bob", true))
	assert.False(t, eng.Passes(`{"user":"bob"}`, "src1"))
}
