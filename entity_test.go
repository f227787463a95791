package emdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Invariant 4: entity.get(k) called twice while the first result is still
// referenced returns the identical object (identity-map hit, no GC involved).
func TestGetReturnsIdenticalObjectWhileReferenced(t *testing.T) {
	mgr := newTestManager(t)
	e, err := mgr.Declare("ident", "key", []FieldSpec{
		{Name: "key", Spec: Text("!*")},
	})
	require.NoError(t, err)
	require.NoError(t, e.Create())

	_, err = e.New(map[string]any{"key": "a"})
	require.NoError(t, err)
	_, err = mgr.Flush()
	require.NoError(t, err)

	first, err := e.Get("a")
	require.NoError(t, err)
	second, err := e.Get("a")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

// Invariant 3: the unique cache always points at the one row holding a
// given unique value, and a duplicate is rejected before it ever reaches
// the database.
func TestUniqueCacheRejectsDuplicateBeforeFlush(t *testing.T) {
	mgr := newTestManager(t)
	e, err := mgr.Declare("uniq", "key", []FieldSpec{
		{Name: "key", Spec: Text("!*")},
	})
	require.NoError(t, err)
	require.NoError(t, e.Create())

	first, err := e.New(map[string]any{"key": "a"})
	require.NoError(t, err)

	_, err = e.New(map[string]any{"key": "a"})
	require.Error(t, err)
	assert.True(t, IsKind(err, KindUniqueness))

	cached, ok := e.uniqueCaches["key"].get("a")
	require.True(t, ok)
	assert.Same(t, first, cached)
}

// Changing a unique field rekeys the cache instead of leaving a stale entry.
func TestUniqueCacheRekeysOnSet(t *testing.T) {
	mgr := newTestManager(t)
	e, err := mgr.Declare("rekey", "key", []FieldSpec{
		{Name: "key", Spec: Text("!*")},
	})
	require.NoError(t, err)
	require.NoError(t, e.Create())

	row, err := e.New(map[string]any{"key": "a"})
	require.NoError(t, err)

	require.NoError(t, row.Set("key", "b"))

	_, stillThere := e.uniqueCaches["key"].get("a")
	assert.False(t, stillThere)
	cached, ok := e.uniqueCaches["key"].get("b")
	require.True(t, ok)
	assert.Same(t, row, cached)
}

// Round-trip property (spec.md §8): set(f, raw(f)) leaves the row exactly
// as dirty as it was before the call.
func TestSetToOwnRawValueDoesNotDirty(t *testing.T) {
	mgr := newTestManager(t)
	e, err := mgr.Declare("roundtrip", "key", []FieldSpec{
		{Name: "key", Spec: Text("!*")},
		{Name: "value", Spec: Text("")},
	})
	require.NoError(t, err)
	require.NoError(t, e.Create())

	_, err = e.New(map[string]any{"key": "a", "value": "b"})
	require.NoError(t, err)
	_, err = mgr.Flush()
	require.NoError(t, err)

	row, err := e.Get("a")
	require.NoError(t, err)
	assert.False(t, mgr.PendingChanges())

	raw, err := row.Raw("value")
	require.NoError(t, err)
	require.NoError(t, row.Set("value", raw))

	assert.False(t, mgr.PendingChanges())
	_, isDirty := e.dirty[row]
	assert.False(t, isDirty)
}

// Round-trip property (spec.md §8): flush(); flush() on a clean state is a
// no-op (no error, nothing left dirty).
func TestDoubleFlushOnCleanStateIsNoOp(t *testing.T) {
	mgr := newTestManager(t)
	e, err := mgr.Declare("doubleflush", "key", []FieldSpec{
		{Name: "key", Spec: Text("!*")},
	})
	require.NoError(t, err)
	require.NoError(t, e.Create())

	_, err = e.New(map[string]any{"key": "a"})
	require.NoError(t, err)

	remaining, err := mgr.Flush()
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	remaining, err = mgr.Flush()
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)
}
