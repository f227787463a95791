package emdb

import "strings"

// buildCreateTableSQL emits the CREATE TABLE IF NOT EXISTS statement for an
// entity (spec.md §4.8): one column per persisted field, NOT NULL for
// required fields, UNIQUE for unique (non-primary-key) fields, a PRIMARY
// KEY column of the key field's own SQL type when the entity declared its
// own key field rather than using the implicit rowid, and a FOREIGN KEY
// clause per persisted ENTITY field whose target has a declared key column,
// referencing that column with ON UPDATE CASCADE ON DELETE CASCADE.
func buildCreateTableSQL(e *Entity) string {
	var cols []string
	if e.pkName != "rowid" {
		pk := e.fields[e.pkName]
		cols = append(cols, `"`+pk.Name+`" `+sqlTypeFor(e.mgr.registry, pk)+" PRIMARY KEY")
	}
	for _, name := range e.fieldOrder {
		if name == e.pkName {
			continue
		}
		def := e.fields[name]
		col := `"` + name + `" ` + sqlTypeFor(e.mgr.registry, def)
		if def.Required {
			col += " NOT NULL"
		}
		if def.Unique {
			col += " UNIQUE"
		}
		cols = append(cols, col)
	}
	for _, name := range e.fieldOrder {
		if name == e.pkName {
			continue
		}
		def := e.fields[name]
		if def.Kind != KindFieldEntity {
			continue
		}
		if fk, ok := buildForeignKeyClause(e, def); ok {
			cols = append(cols, fk)
		}
	}
	if len(cols) == 0 {
		return "CREATE TABLE IF NOT EXISTS " + e.quotedName() + " (rowid_placeholder INTEGER)"
	}
	return "CREATE TABLE IF NOT EXISTS " + e.quotedName() + " (\n  " + strings.Join(cols, ",\n  ") + "\n)"
}

// buildForeignKeyClause emits `FOREIGN KEY("field") REFERENCES "target"(pk)
// ON UPDATE CASCADE ON DELETE CASCADE` for a persisted ENTITY field. Returns
// ok=false when the target entity isn't registered yet (a forward reference
// still outstanding at Create time): the clause is skipped rather than
// referencing a table that doesn't exist. It also returns ok=false when the
// target is keyed by the implicit rowid, since SQLite only accepts a named
// column as a foreign-key parent key.
func buildForeignKeyClause(e *Entity, def *FieldDef) (string, bool) {
	target, ok := e.mgr.registry.get(def.RefEntity)
	if !ok || target.pkName == "rowid" {
		return "", false
	}
	clause := `FOREIGN KEY("` + def.Name + `") REFERENCES "` + target.name + `"("` + target.pkName + `")` +
		" ON UPDATE CASCADE ON DELETE CASCADE"
	return clause, true
}
