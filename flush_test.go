package emdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Deleting a row before its first flush must free its unique-cache slot
// even though no SQL DELETE is ever issued for it (spec.md §4.6/§8
// "remove from caches" is unconditional on delete).
func TestDeleteBeforeFlushFreesUniqueCacheSlot(t *testing.T) {
	mgr := newTestManager(t)
	e, err := mgr.Declare("predelete", "key", []FieldSpec{
		{Name: "key", Spec: Text("!*")},
	})
	require.NoError(t, err)
	require.NoError(t, e.Create())

	row1, err := e.New(map[string]any{"key": "a"})
	require.NoError(t, err)
	require.NoError(t, row1.Delete())

	remaining, err := mgr.Flush()
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	_, stillCached := e.uniqueCaches["key"].get("a")
	assert.False(t, stillCached)

	row2, err := e.New(map[string]any{"key": "a"})
	require.NoError(t, err)
	assert.NotNil(t, row2)
}

// A non-required fkey pointing at a not-yet-flushed row exercises the
// skip_fkeys partial-bind pass (NULL on insert) followed by a correcting
// UPDATE once the referent has a rowid (spec.md §4.6, steps 2-3).
func TestFlushResolvesForwardReferenceWithCorrectingUpdate(t *testing.T) {
	mgr := newTestManager(t)
	widget, err := mgr.Declare("widget_fwd", nil, []FieldSpec{
		{Name: "maker", Spec: Fkey("maker_fwd", "")},
	})
	require.NoError(t, err)
	maker, err := mgr.Declare("maker_fwd", nil, []FieldSpec{
		{Name: "name", Spec: Text("")},
	})
	require.NoError(t, err)
	require.NoError(t, widget.Create())
	require.NoError(t, maker.Create())

	makerRow, err := maker.New(map[string]any{"name": "acme"})
	require.NoError(t, err)
	widgetRow, err := widget.New(map[string]any{"maker": makerRow})
	require.NoError(t, err)

	// The forward reference is still an unflushed *Row at this point: the
	// assignment above can only have recorded it as such, since makerRow
	// has no rowid yet.
	raw, err := widgetRow.Raw("maker")
	require.NoError(t, err)
	assert.Nil(t, raw)

	remaining, err := mgr.Flush()
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	makerPK, err := makerRow.pkLookupValue()
	require.NoError(t, err)

	it, err := mgr.DB().Query(`SELECT "maker" FROM "widget_fwd" WHERE rowid = :rid`, map[string]any{"rid": widgetRow.rowid})
	require.NoError(t, err)
	defer it.Close()
	require.True(t, it.Next())
	vals, err := it.Values()
	require.NoError(t, err)
	persisted, ok := toFloat(vals[0])
	require.True(t, ok)
	assert.Equal(t, float64(makerPK.(int64)), persisted)

	resolved, err := widgetRow.Get("maker")
	require.NoError(t, err)
	assert.Same(t, makerRow, resolved)
}

// Two rows with non-required fkeys pointing at each other, both unflushed,
// must drain in two passes: the first pass inserts cycle_a with its fkey
// bound NULL and then cycle_b with cycle_a's new rowid, the second pass
// issues the correcting UPDATE on cycle_a (spec.md §4.6's skip_fkeys
// protocol is not limited to acyclic graphs so long as neither edge is
// required).
func TestFlushDrainsMutualNonRequiredCycle(t *testing.T) {
	mgr := newTestManager(t)
	a, err := mgr.Declare("cycle_a", nil, []FieldSpec{
		{Name: "b", Spec: Fkey("cycle_b", "")},
	})
	require.NoError(t, err)
	b, err := mgr.Declare("cycle_b", nil, []FieldSpec{
		{Name: "a", Spec: Fkey("cycle_a", "")},
	})
	require.NoError(t, err)
	require.NoError(t, a.Create())
	require.NoError(t, b.Create())

	rowA, err := a.New(nil)
	require.NoError(t, err)
	rowB, err := b.New(nil)
	require.NoError(t, err)
	require.NoError(t, rowA.Set("b", rowB))
	require.NoError(t, rowB.Set("a", rowA))

	remaining, err := mgr.Flush()
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	gotB, err := rowA.Get("b")
	require.NoError(t, err)
	assert.Same(t, rowB, gotB)

	gotA, err := rowB.Get("a")
	require.NoError(t, err)
	assert.Same(t, rowA, gotA)
}
