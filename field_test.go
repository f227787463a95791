package emdb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringify(t *testing.T) {
	s, ok := stringify("hi")
	assert.True(t, ok)
	assert.Equal(t, "hi", s)

	s, ok = stringify(42)
	assert.True(t, ok)
	assert.Equal(t, "42", s)

	s, ok = stringify([]byte("blob"))
	assert.True(t, ok)
	assert.Equal(t, "blob", s)

	_, ok = stringify(map[string]int{"a": 1})
	assert.False(t, ok)

	_, ok = stringify(struct{ X int }{X: 1})
	assert.False(t, ok)
}

func TestToFloat(t *testing.T) {
	f, ok := toFloat("3.5")
	assert.True(t, ok)
	assert.InDelta(t, 3.5, f, 1e-9)

	f, ok = toFloat(int32(7))
	assert.True(t, ok)
	assert.Equal(t, 7.0, f)

	_, ok = toFloat("not a number")
	assert.False(t, ok)

	_, ok = toFloat(true)
	assert.False(t, ok)
}

func TestIsOpaque(t *testing.T) {
	assert.True(t, isOpaque(func() {}))
	assert.True(t, isOpaque(make(chan int)))
	assert.False(t, isOpaque("fine"))
	assert.False(t, isOpaque(42))
}

func TestCoerceIntTruncates(t *testing.T) {
	def := &FieldDef{Name: "n", Kind: KindFieldInt}
	stored, lookup, err := coerceInt(def, "5.9")
	require.NoError(t, err)
	assert.Equal(t, int64(5), stored)
	assert.Equal(t, int64(5), lookup)
}

func TestCoerceFieldRequiredNil(t *testing.T) {
	def := &FieldDef{Name: "n", Kind: KindFieldText, Required: true}
	_, _, err := coerceField(nil, def, nil)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValue))
}

func TestCoerceFieldOptionalNil(t *testing.T) {
	def := &FieldDef{Name: "n", Kind: KindFieldText}
	stored, lookup, err := coerceField(nil, def, nil)
	require.NoError(t, err)
	assert.Nil(t, stored)
	assert.Nil(t, lookup)
}

func TestCoerceEntityUninsertedRow(t *testing.T) {
	mgr := newTestManager(t)
	target, err := mgr.Declare("target", "key", []FieldSpec{{Name: "key", Spec: Text("!*")}})
	require.NoError(t, err)
	require.NoError(t, target.Create())

	row, err := target.New(map[string]any{"key": "a"})
	require.NoError(t, err)

	def := &FieldDef{Name: "ref", Kind: KindFieldEntity, RefEntity: "target"}
	stored, lookup, err := coerceEntity(mgr, def, row)
	require.NoError(t, err)
	assert.Same(t, row, stored)
	assert.Nil(t, lookup)
}

func TestCoerceEntityWrongTargetRejected(t *testing.T) {
	mgr := newTestManager(t)
	a, err := mgr.Declare("a_ent", "key", []FieldSpec{{Name: "key", Spec: Text("!*")}})
	require.NoError(t, err)
	require.NoError(t, a.Create())
	row, err := a.New(map[string]any{"key": "a"})
	require.NoError(t, err)

	def := &FieldDef{Name: "ref", Kind: KindFieldEntity, RefEntity: "other_ent"}
	_, _, err = coerceEntity(nil, def, row)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindValue))
}

func TestSqlTypeFor(t *testing.T) {
	mgr := newTestManager(t)
	parent, err := mgr.Declare("parent_sql", "key", []FieldSpec{{Name: "key", Spec: Text("!*")}})
	require.NoError(t, err)
	child, err := mgr.Declare("child_sql", nil, []FieldSpec{
		{Name: "p", Spec: Fkey("parent_sql", "")},
	})
	require.NoError(t, err)

	assert.Equal(t, "TEXT", sqlTypeFor(mgr.registry, parent.fields["key"]))
	assert.Equal(t, "INTEGER", sqlTypeFor(mgr.registry, &FieldDef{Kind: KindFieldID}))
	assert.Equal(t, "TEXT", sqlTypeFor(mgr.registry, child.fields["p"]))
}
