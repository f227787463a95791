package emdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func declareParentChild(t *testing.T, mgr *Manager) (*Entity, *Entity) {
	t.Helper()
	parent, err := mgr.Declare("parent", "key", []FieldSpec{
		{Name: "key", Spec: Text("!*")},
		{Name: "name", Spec: Text("")},
		{Name: "child", Spec: VirtualKind("child")},
	})
	require.NoError(t, err)
	child, err := mgr.Declare("child", "data", []FieldSpec{
		{Name: "parent", Spec: Fkey("parent", "!*")},
		{Name: "data", Spec: Text("!*")},
	})
	require.NoError(t, err)
	require.NoError(t, parent.Create())
	require.NoError(t, child.Create())
	return parent, child
}

// Scenario 2: foreign-key navigation and child field.
func TestVirtualForeignKeyNavigation(t *testing.T) {
	mgr := newTestManager(t)
	parent, child := declareParentChild(t, mgr)

	_, err := parent.New(map[string]any{"key": "a", "name": "Alice"})
	require.NoError(t, err)
	_, err = parent.New(map[string]any{"key": "b", "name": "Bob"})
	require.NoError(t, err)
	kid, err := child.New(map[string]any{"parent": "a", "data": "blah"})
	require.NoError(t, err)

	_, err = mgr.Flush()
	require.NoError(t, err)

	a, err := parent.Get("a")
	require.NoError(t, err)
	childRow, err := a.Get("child")
	require.NoError(t, err)
	require.NotNil(t, childRow)
	data, err := childRow.(*Row).Get("data")
	require.NoError(t, err)
	assert.Equal(t, "blah", data)

	b, err := parent.Get("b")
	require.NoError(t, err)
	bChild, err := b.Get("child")
	require.NoError(t, err)
	assert.Nil(t, bChild)

	require.NoError(t, kid.Set("parent", "b"))
	_, err = mgr.Flush()
	require.NoError(t, err)

	a, err = parent.Get("a")
	require.NoError(t, err)
	aChild, err := a.Get("child")
	require.NoError(t, err)
	assert.Nil(t, aChild)

	b, err = parent.Get("b")
	require.NoError(t, err)
	bChild, err = b.Get("child")
	require.NoError(t, err)
	assert.Equal(t, kid, bChild)
}

// Scenario 4: a virtual-fkey collection merges flushed and dirty in-memory
// rows.
func TestDirtyQueryMerge(t *testing.T) {
	mgr := newTestManager(t)
	parent, err := mgr.Declare("parent", "key", []FieldSpec{
		{Name: "key", Spec: Text("!*")},
		{Name: "children", Spec: VirtualKind("kid")},
	})
	require.NoError(t, err)
	kid, err := mgr.Declare("kid", FieldSpec{Name: "id", Spec: ID("")}, []FieldSpec{
		{Name: "parent", Spec: Fkey("parent", "!")},
	})
	require.NoError(t, err)
	require.NoError(t, parent.Create())
	require.NoError(t, kid.Create())

	_, err = parent.New(map[string]any{"key": "a"})
	require.NoError(t, err)
	_, err = parent.New(map[string]any{"key": "b"})
	require.NoError(t, err)

	kids := make([]*Row, 0, 6)
	for i := 0; i < 5; i++ {
		k, err := kid.New(map[string]any{"parent": "a"})
		require.NoError(t, err)
		kids = append(kids, k)
	}
	_, err = mgr.Flush()
	require.NoError(t, err)

	kid6, err := kid.New(map[string]any{"parent": "a"})
	require.NoError(t, err)
	kids = append(kids, kid6)

	a, err := parent.Get("a")
	require.NoError(t, err)
	aChildren, err := a.Get("children")
	require.NoError(t, err)
	assert.Len(t, aChildren.([]*Row), 6)

	require.NoError(t, kids[0].Set("parent", "b"))
	b, err := parent.Get("b")
	require.NoError(t, err)
	bChildren, err := b.Get("children")
	require.NoError(t, err)
	assert.Len(t, bChildren.([]*Row), 1)

	require.NoError(t, kid6.Set("parent", "b"))
	bChildren, err = b.Get("children")
	require.NoError(t, err)
	assert.Len(t, bChildren.([]*Row), 2)
}

func TestTransactionRollbackRestoresCommitted(t *testing.T) {
	mgr := newTestManager(t)
	e, err := mgr.Declare("thing", "key", []FieldSpec{
		{Name: "key", Spec: Text("!*")},
		{Name: "value", Spec: Text("")},
	})
	require.NoError(t, err)
	require.NoError(t, e.Create())

	_, err = e.New(map[string]any{"key": "a", "value": "one"})
	require.NoError(t, err)
	_, err = mgr.Flush()
	require.NoError(t, err)

	row, err := e.Get("a")
	require.NoError(t, err)

	require.NoError(t, mgr.Begin(true))
	require.NoError(t, row.Set("value", "two"))
	v, _ := row.Get("value")
	assert.Equal(t, "two", v)

	require.NoError(t, mgr.Rollback())
	v, _ = row.Get("value")
	assert.Equal(t, "one", v)
	assert.False(t, mgr.InTransaction())
}

func TestJSONRoundTrip(t *testing.T) {
	mgr := newTestManager(t)
	mgr.SetJSONCodec(NewJSONIterCodec())
	e, err := mgr.Declare("doc", "key", []FieldSpec{
		{Name: "key", Spec: Text("!*")},
		{Name: "payload", Spec: JSONKind("")},
	})
	require.NoError(t, err)
	require.NoError(t, e.Create())

	row, err := e.New(map[string]any{"key": "a", "payload": map[string]any{"n": 1.0}})
	require.NoError(t, err)

	payload, err := row.Get("payload")
	require.NoError(t, err)
	jv := payload.(*jsonValue)
	require.NoError(t, jv.Set("n", 2.0))

	_, err = mgr.Flush()
	require.NoError(t, err)

	fetched, err := e.Get("a")
	require.NoError(t, err)
	fetchedPayload, err := fetched.Get("payload")
	require.NoError(t, err)
	raw := fetchedPayload.(*jsonValue).Raw()
	assert.Equal(t, map[string]any{"n": 2.0}, raw)
}
