package emdb

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCreateTableSQLColumnsAndForeignKey(t *testing.T) {
	mgr := newTestManager(t)
	parent, err := mgr.Declare("author", "key", []FieldSpec{
		{Name: "key", Spec: Text("!*")},
	})
	require.NoError(t, err)
	book, err := mgr.Declare("book", nil, []FieldSpec{
		{Name: "title", Spec: Text("!")},
		{Name: "author", Spec: Fkey("author", "!")},
	})
	require.NoError(t, err)
	require.NoError(t, parent.Create())

	ddl := buildCreateTableSQL(book)
	assert.Contains(t, ddl, `CREATE TABLE IF NOT EXISTS "book"`)
	assert.Contains(t, ddl, `"title" TEXT NOT NULL`)
	assert.Contains(t, ddl, `"author" TEXT NOT NULL`)
	assert.Contains(t, ddl, `FOREIGN KEY("author") REFERENCES "author"("key") ON UPDATE CASCADE ON DELETE CASCADE`)
}

func TestBuildCreateTableSQLForwardReferenceSkipsForeignKey(t *testing.T) {
	mgr := newTestManager(t)
	a, err := mgr.Declare("fwd_a", nil, []FieldSpec{
		{Name: "b", Spec: Fkey("fwd_b", "")},
	})
	require.NoError(t, err)

	ddl := buildCreateTableSQL(a)
	assert.False(t, strings.Contains(ddl, "FOREIGN KEY"))
}

func TestBuildCreateTableSQLExplicitKeyColumn(t *testing.T) {
	mgr := newTestManager(t)
	e, err := mgr.Declare("keyed", FieldSpec{Name: "id", Spec: ID("")}, []FieldSpec{
		{Name: "name", Spec: Text("")},
	})
	require.NoError(t, err)

	ddl := buildCreateTableSQL(e)
	assert.Contains(t, ddl, `"id" INTEGER PRIMARY KEY`)
}
