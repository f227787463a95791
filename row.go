package emdb

import (
	"reflect"
	"strings"
)

// fieldValue is one field's stored/lookup pair, the split spec.md §3
// describes for every row: "committed values" and "overlay values" are
// both maps of field name to fieldValue.
type fieldValue struct {
	stored any
	lookup any
}

type cacheRevertEntry struct {
	old, new any
}

// Row is the identity-mapped record type from spec.md §3/§4.4: at most one
// live Row per (entity, rowid) and per (entity, unique field, lookup).
type Row struct {
	entity    *Entity
	rowid     int64
	committed map[string]fieldValue
	overlay   map[string]fieldValue
	jsonCache map[string]*jsonValue

	deleted              bool
	overlayActive        bool
	preTxDirty           bool
	deletedOverlayActive bool
	preTxDeleted         bool
	cacheRevert          map[string]*cacheRevertEntry
}

func newRow(e *Entity) *Row {
	return &Row{entity: e, committed: make(map[string]fieldValue)}
}

func (row *Row) effective(name string) (fieldValue, bool) {
	if row.overlayActive {
		if v, ok := row.overlay[name]; ok {
			return v, true
		}
	}
	v, ok := row.committed[name]
	return v, ok
}

func (row *Row) write(name string, v fieldValue) {
	if row.entity.mgr.txDepth > 0 {
		if row.overlay == nil {
			row.overlay = make(map[string]fieldValue)
		}
		row.overlay[name] = v
		return
	}
	row.committed[name] = v
}

// Entity returns the row's owning entity (spec §6 Row.entity).
func (row *Row) Entity() *Entity {
	return row.entity
}

// Deleted reports spec §6's `deleted() -> bool`.
func (row *Row) Deleted() bool {
	return row.deleted
}

// Get resolves a field by case-insensitive name (spec §4.4). A leading
// underscore switches to the raw lookup value; a plain ENTITY field
// resolves to the referent row, and a plain JSON field resolves to its
// decoded mutation-tracking proxy.
func (row *Row) Get(name string) (any, error) {
	lname := strings.ToLower(name)
	raw := strings.HasPrefix(lname, "_")
	if raw {
		lname = lname[1:]
	}
	if def, ok := row.entity.fields[lname]; ok {
		if raw {
			return row.rawValue(def)
		}
		return row.resolvedValue(def)
	}
	if vdef, ok := row.entity.virtualFields[lname]; ok {
		if raw {
			return nil, valueErrorf(lname, "virtual field %q has no raw value", lname)
		}
		return row.resolveVirtual(vdef)
	}
	return nil, valueErrorf(lname, "unknown field %q", lname)
}

// resolveVirtual follows a virtual navigation field to its referent rows
// (spec §4.4, §9 "Virtual foreign keys"): a single *Row when the child-side
// field is unique, otherwise a []*Row.
func (row *Row) resolveVirtual(def *FieldDef) (any, error) {
	if err := def.resolveVirtualField(row.entity); err != nil {
		return nil, err
	}
	pk, err := row.pkLookupValue()
	if err != nil {
		return nil, err
	}
	matches, err := def.resolvedChildEntity.queryByField(def.resolvedChild.Name, pk)
	if err != nil {
		return nil, err
	}
	if def.Multi {
		return matches, nil
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return matches[0], nil
}

// Raw returns the field's raw lookup value regardless of a leading
// underscore in name (spec §6 Row.raw(name)).
func (row *Row) Raw(name string) (any, error) {
	lname := strings.ToLower(strings.TrimPrefix(name, "_"))
	def, ok := row.entity.fields[lname]
	if !ok {
		return nil, valueErrorf(lname, "unknown field %q", lname)
	}
	return row.rawValue(def)
}

func (row *Row) rawValue(def *FieldDef) (any, error) {
	if def.Kind == KindFieldJSON {
		return row.currentJSONText(def)
	}
	v, has := row.effective(def.Name)
	if !has {
		return nil, nil
	}
	return v.lookup, nil
}

func (row *Row) resolvedValue(def *FieldDef) (any, error) {
	v, has := row.effective(def.Name)
	if !has {
		return nil, nil
	}
	switch def.Kind {
	case KindFieldEntity:
		if v.stored == nil {
			return nil, nil
		}
		if refRow, ok := v.stored.(*Row); ok {
			return refRow, nil
		}
		target, ok := row.entity.mgr.registry.get(def.RefEntity)
		if !ok {
			return nil, schemaErrorf("field %q references unknown entity %q", def.Name, def.RefEntity)
		}
		return target.Get(v.lookup)
	case KindFieldJSON:
		if v.stored == nil {
			return nil, nil
		}
		text, ok := v.stored.(string)
		if !ok {
			return v.stored, nil
		}
		return row.decodeJSON(def, text)
	default:
		return v.stored, nil
	}
}

func (row *Row) decodeJSON(def *FieldDef, text string) (*jsonValue, error) {
	if jv, ok := row.jsonCache[def.Name]; ok {
		return jv, nil
	}
	var decoded any
	if err := row.entity.mgr.jsonCodec.Decode([]byte(text), &decoded); err != nil {
		return nil, valueErrorf(def.Name, "invalid JSON content: %v", err)
	}
	jv := newJSONValue(row, def.Name, decoded)
	jv.encoded = text
	jv.encodedValid = true
	if row.jsonCache == nil {
		row.jsonCache = make(map[string]*jsonValue)
	}
	row.jsonCache[def.Name] = jv
	return jv, nil
}

// currentJSONText returns the latest encoded form of a JSON field, folding
// in any mutation made through a previously-decoded proxy (spec §9 "JSON as
// a mutation-tracking proxy").
func (row *Row) currentJSONText(def *FieldDef) (any, error) {
	if jv, ok := row.jsonCache[def.Name]; ok {
		text, err := jv.encodeWith(row.entity.mgr.jsonCodec)
		if err != nil {
			return nil, err
		}
		return text, nil
	}
	v, has := row.effective(def.Name)
	if !has || v.stored == nil {
		return nil, nil
	}
	return v.stored, nil
}

// Set assigns a field by case-insensitive name, running the full pipeline
// from spec §4.4: unknown-field rejection, coercion, uniqueness check,
// unique-cache swap, overlay-or-committed write, and dirty marking.
func (row *Row) Set(name string, value any) error {
	return row.setField(name, value, false)
}

func (row *Row) setField(name string, value any, skipUniqueCheck bool) error {
	lname := strings.ToLower(name)
	if _, isVirtual := row.entity.virtualFields[lname]; isVirtual {
		return valueErrorf(lname, "virtual field %q cannot be set directly", lname)
	}
	def, ok := row.entity.fields[lname]
	if !ok {
		return valueErrorf(lname, "unknown field %q", lname)
	}
	stored, lookup, err := coerceField(row.entity.mgr, def, value)
	if err != nil {
		return err
	}
	if def.Unique && !skipUniqueCheck {
		if err := row.checkUnique(def, lookup); err != nil {
			return err
		}
	}
	var oldLookup any
	cur, hadValue := row.effective(def.Name)
	if hadValue {
		oldLookup = cur.lookup
	}
	if hadValue && reflect.DeepEqual(cur.stored, stored) && reflect.DeepEqual(cur.lookup, lookup) {
		// set(f, raw(f)): spec.md §8's round-trip property — re-setting a
		// field to its own value leaves the row exactly as dirty as it was.
		return nil
	}
	row.write(def.Name, fieldValue{stored: stored, lookup: lookup})
	if def.Kind == KindFieldJSON && row.jsonCache != nil {
		delete(row.jsonCache, def.Name)
	}
	if def.Unique {
		row.noteCacheRevert(def.Name, oldLookup, lookup)
		row.entity.uniqueCaches[def.Name].rekey(oldLookup, lookup, row)
	}
	row.markFieldDirty(def.Name)
	return nil
}

func (row *Row) checkUnique(def *FieldDef, lookup any) error {
	if lookup == nil {
		return nil
	}
	if existing, ok := row.entity.uniqueCaches[def.Name].get(lookup); ok && existing != row {
		return uniquenessErrorf(def.Name, lookup)
	}
	exists, err := row.entity.stmts.checkUniqueExists(def.Name, lookup, row.rowid)
	if err != nil {
		return err
	}
	if exists {
		return uniquenessErrorf(def.Name, lookup)
	}
	return nil
}

func (row *Row) noteCacheRevert(field string, oldLookup, newLookup any) {
	if row.entity.mgr.txDepth == 0 {
		return
	}
	entry, ok := row.cacheRevert[field]
	if !ok {
		if row.cacheRevert == nil {
			row.cacheRevert = make(map[string]*cacheRevertEntry)
		}
		entry = &cacheRevertEntry{old: oldLookup}
		row.cacheRevert[field] = entry
	}
	entry.new = newLookup
}

// markFieldDirty marks the row dirty-in-memory, fires on_change on a
// clean-to-dirty transition, and (inside a transaction) registers the row
// so Commit/Rollback can resolve its overlay (spec §4.5).
func (row *Row) markFieldDirty(field string) {
	mgr := row.entity.mgr
	_, wasDirty := row.entity.dirty[row]
	if !wasDirty {
		row.entity.dirty[row] = struct{}{}
		mgr.noteDirty()
	}
	if mgr.txDepth > 0 && !row.overlayActive {
		row.overlayActive = true
		row.preTxDirty = wasDirty
		mgr.registerTxRow(row)
	}
}

// Delete marks the row for deletion on the next flush (spec §6 Row.delete).
func (row *Row) Delete() error {
	mgr := row.entity.mgr
	if mgr.txDepth > 0 && !row.deletedOverlayActive {
		row.deletedOverlayActive = true
		row.preTxDeleted = row.deleted
	}
	row.deleted = true
	row.markFieldDirty("")
	return nil
}

// Flush drains just this row (spec §6 "row.flush(skip_fkeys?) -> bool"),
// outside the whole-manager transaction wrapper and without touching
// Manager.pendingChanges (spec §9's Open Question decision).
func (row *Row) Flush(skipFkeys bool) (bool, error) {
	stillDirty, err := flushRow(row.entity, row, skipFkeys)
	if err != nil {
		return false, flushErrorf(err, "flush failed for a row of entity %q", row.entity.name)
	}
	if !stillDirty {
		delete(row.entity.dirty, row)
	}
	return !stillDirty, nil
}

// promoteOverlay merges transaction-local overlay writes into committed on
// a real COMMIT (spec §4.5).
func (row *Row) promoteOverlay() {
	for k, v := range row.overlay {
		row.committed[k] = v
	}
	row.overlay = nil
	row.overlayActive = false
	row.deletedOverlayActive = false
	row.cacheRevert = nil
}

// discardOverlay reverts overlay writes and unique-cache swaps made during
// the rolled-back transaction (spec §4.5, §8 invariant 5).
func (row *Row) discardOverlay() {
	for field, entry := range row.cacheRevert {
		row.entity.uniqueCaches[field].rekey(entry.new, entry.old, row)
	}
	row.cacheRevert = nil
	row.overlay = nil
	if row.deletedOverlayActive {
		row.deleted = row.preTxDeleted
		row.deletedOverlayActive = false
	}
	if row.overlayActive && !row.preTxDirty {
		delete(row.entity.dirty, row)
	}
	row.overlayActive = false
}

// pkLookupValue resolves the row's own primary-key scalar, used by
// coerceEntity to turn a row object reference into a storable lookup value
// (spec §4.2). For a rowid-keyed entity it returns an error until the row
// has been inserted; for a declared key it returns that field's lookup
// value, and an error only while the key field has no value.
func (row *Row) pkLookupValue() (any, error) {
	if row.entity.pkName == "rowid" {
		if row.rowid == 0 {
			return nil, stateErrorf("row of entity %q has not been inserted yet", row.entity.name)
		}
		return row.rowid, nil
	}
	v, has := row.effective(row.entity.pkName)
	if !has {
		return nil, stateErrorf("row of entity %q has no primary key value yet", row.entity.name)
	}
	return v.lookup, nil
}

// Debug returns an introspection snapshot (SPEC_FULL.md §5, spec §6
// Row.__debug()).
func (row *Row) Debug() map[string]any {
	committed := make(map[string]any, len(row.committed))
	for k, v := range row.committed {
		committed[k] = v.stored
	}
	overlay := make(map[string]any, len(row.overlay))
	for k, v := range row.overlay {
		overlay[k] = v.stored
	}
	_, dirty := row.entity.dirty[row]
	return map[string]any{
		"committed":   committed,
		"overlay":     overlay,
		"dirty":       dirty,
		"deletedFlag": row.deleted,
		"rowid":       row.rowid,
	}
}

// Fields iterates the row's persisted field names (spec §6 Row.fields()).
func (row *Row) Fields(yield func(string) bool) {
	for _, name := range row.entity.fieldOrder {
		if !yield(name) {
			return
		}
	}
}
