package emdb

import (
	"fmt"
	"strings"
)

// Entity is the declared schema object from spec.md §3: field model, primary
// key, the identity-mapped row caches, and the dirty set feeding the flush
// engine.
type Entity struct {
	mgr    *Manager
	name   string
	pkName string // "rowid" sentinel or a declared field name

	fields        map[string]*FieldDef
	fieldOrder    []string // persisted fields, declaration order
	uniqueFields  []string
	virtualFields map[string]*FieldDef

	rows         *weakCache // keyed by rowid (int64)
	uniqueCaches map[string]*weakCache
	dirty        map[*Row]struct{}
	stmts        *statementCache
}

func (e *Entity) Name() string { return e.name }

func (e *Entity) pkFieldDef() *FieldDef {
	if e.pkName == "rowid" {
		return nil
	}
	return e.fields[e.pkName]
}

func toRowID(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}

// coerceStoredFromDB turns a raw driver scan value into a field's
// (stored, lookup) pair, the read-side counterpart of field.go's
// coerceField.
func coerceStoredFromDB(def *FieldDef, v any) (stored, lookup any, err error) {
	if v == nil {
		return nil, nil, nil
	}
	switch def.Kind {
	case KindFieldText, KindFieldBlob, KindFieldJSON:
		switch t := v.(type) {
		case string:
			return t, t, nil
		case []byte:
			return string(t), string(t), nil
		default:
			s := fmt.Sprintf("%v", t)
			return s, s, nil
		}
	case KindFieldNumeric, KindFieldReal:
		f, ok := toFloat(v)
		if !ok {
			return nil, nil, driverErrorf(nil, "column %q: cannot interpret %v as a number", def.Name, v)
		}
		return f, f, nil
	case KindFieldInt, KindFieldID:
		if i, ok := toRowID(v); ok {
			return i, i, nil
		}
		f, ok := toFloat(v)
		if !ok {
			return nil, nil, driverErrorf(nil, "column %q: cannot interpret %v as an integer", def.Name, v)
		}
		return int64(f), int64(f), nil
	case KindFieldEntity:
		return v, v, nil
	default:
		return v, v, nil
	}
}

// New creates an in-memory row for this entity (spec.md §4.3's "construct a
// new row object, bound to no rowid yet, and mark it dirty"). Keys of data
// are matched case-insensitively against declared fields.
func (e *Entity) New(data map[string]any) (*Row, error) {
	lower := make(map[string]any, len(data))
	for k, v := range data {
		lower[strings.ToLower(k)] = v
	}
	for name := range lower {
		if _, ok := e.fields[name]; ok {
			continue
		}
		if _, ok := e.virtualFields[name]; ok {
			return nil, valueErrorf(name, "virtual field %q cannot be set at creation", name)
		}
		return nil, valueErrorf(name, "unknown field %q", name)
	}

	row := newRow(e)
	for _, name := range e.fieldOrder {
		v, ok := lower[name]
		if !ok {
			continue
		}
		if err := row.setField(name, v, false); err != nil {
			return nil, err
		}
	}
	for _, name := range e.fieldOrder {
		def := e.fields[name]
		if def.Required {
			if _, has := row.effective(name); !has {
				return nil, valueErrorf(name, "required field missing")
			}
		}
	}
	e.dirty[row] = struct{}{}
	e.mgr.noteDirty()
	return row, nil
}

// Get resolves a row by primary-key value, consulting the identity map
// before the driver (spec.md §3 invariant 1).
func (e *Entity) Get(pk any) (*Row, error) {
	if pk == nil {
		return nil, nil
	}
	if e.pkName == "rowid" {
		rowid, ok := toRowID(pk)
		if !ok {
			return nil, valueErrorf("rowid", "cannot use %v as a rowid", pk)
		}
		if row, ok := e.rows.get(rowid); ok {
			return row, nil
		}
		vals, found, err := e.stmts.getByRowid(rowid)
		if err != nil || !found {
			return nil, err
		}
		return e.materializeRow(vals)
	}
	def := e.fields[e.pkName]
	_, lookup, err := coerceField(e.mgr, def, pk)
	if err != nil {
		return nil, err
	}
	if row, ok := e.uniqueCaches[e.pkName].get(lookup); ok {
		return row, nil
	}
	vals, found, err := e.stmts.getByField(e.pkName, lookup)
	if err != nil || !found {
		return nil, err
	}
	return e.materializeRow(vals)
}

// Has reports whether pk resolves to a row, without forcing the caller to
// special-case the nil-row-vs-error shape of Get.
func (e *Entity) Has(pk any) (bool, error) {
	row, err := e.Get(pk)
	if err != nil {
		return false, err
	}
	return row != nil, nil
}

// materializeRow builds or reuses a Row from a [rowid, field...] scan tuple,
// registering it in the identity map and every unique-field cache.
func (e *Entity) materializeRow(vals []any) (*Row, error) {
	if len(vals) != len(e.fieldOrder)+1 {
		return nil, driverErrorf(nil, "entity %q: expected %d columns, got %d", e.name, len(e.fieldOrder)+1, len(vals))
	}
	rowid, ok := toRowID(vals[0])
	if !ok {
		return nil, driverErrorf(nil, "entity %q: non-integer rowid scanned", e.name)
	}
	if row, ok := e.rows.get(rowid); ok {
		return row, nil
	}
	row := newRow(e)
	row.rowid = rowid
	for i, name := range e.fieldOrder {
		def := e.fields[name]
		stored, lookup, err := coerceStoredFromDB(def, vals[i+1])
		if err != nil {
			return nil, err
		}
		row.committed[name] = fieldValue{stored: stored, lookup: lookup}
	}
	e.rows.set(rowid, row)
	for _, u := range e.uniqueFields {
		if v, has := row.committed[u]; has && v.lookup != nil {
			e.uniqueCaches[u].set(v.lookup, row)
		}
	}
	return row, nil
}

func (e *Entity) quotedName() string {
	return `"` + e.name + `"`
}

func (e *Entity) buildSelectSQL(whereSQL string) string {
	cols := make([]string, 0, len(e.fieldOrder)+1)
	cols = append(cols, "rowid")
	for _, f := range e.fieldOrder {
		cols = append(cols, `"`+f+`"`)
	}
	return "SELECT " + strings.Join(cols, ", ") + " FROM " + e.quotedName() + " WHERE " + whereSQL
}

// CreateSQL returns the CREATE TABLE IF NOT EXISTS statement for this entity
// (spec.md §4.8), delegating to ddl.go.
func (e *Entity) CreateSQL() string {
	return buildCreateTableSQL(e)
}

// Create issues CreateSQL against the manager's connection.
func (e *Entity) Create() error {
	_, err := e.mgr.conn.Exec(e.CreateSQL())
	return err
}

// Flush drains this entity's dirty rows only (spec.md §6 "entity.flush()"),
// never touching Manager.pendingChanges (spec §9's Open Question decision).
func (e *Entity) Flush(skipFkeys bool) (int, error) {
	return flushEntity(e, skipFkeys)
}

// resolveVirtualField locates the real ENTITY field on the referenced
// ("child") entity that points back at parent, and caches the navigation
// metadata on def (spec.md §4.4, §9 "Virtual foreign keys").
func (def *FieldDef) resolveVirtualField(parent *Entity) error {
	if def.resolvedChild != nil {
		return nil
	}
	child, ok := parent.mgr.registry.get(def.RefEntity)
	if !ok {
		return schemaErrorf("virtual field %q: entity %q is not declared", def.Name, def.RefEntity)
	}
	var found *FieldDef
	for _, fname := range child.fieldOrder {
		cdef := child.fields[fname]
		if cdef.Kind != KindFieldEntity || cdef.RefEntity != parent.name {
			continue
		}
		if def.ChildField != "" && cdef.Name != def.ChildField {
			continue
		}
		if found != nil {
			return schemaErrorf("virtual field %q: entity %q has more than one field referencing %q; set ChildField to disambiguate", def.Name, def.RefEntity, parent.name)
		}
		found = cdef
	}
	if found == nil {
		return schemaErrorf("virtual field %q: entity %q has no field referencing %q", def.Name, def.RefEntity, parent.name)
	}
	inferredMulti := !found.Unique
	if def.multiExplicit && def.Multi != inferredMulti {
		return schemaErrorf("virtual field %q: declared multi=%v contradicts inferred multi=%v from field %q's uniqueness", def.Name, def.Multi, inferredMulti, found.Name)
	}
	def.Multi = inferredMulti
	def.ChildField = found.Name
	def.resolvedChild = found
	def.resolvedChildEntity = child
	return nil
}
