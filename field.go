package emdb

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// FieldKind is the closed set of field kinds from spec.md §3.
type FieldKind int

const (
	KindFieldText FieldKind = iota
	KindFieldNumeric
	KindFieldInt
	KindFieldReal
	KindFieldBlob
	KindFieldID
	KindFieldEntity
	KindFieldJSON
)

func (k FieldKind) String() string {
	switch k {
	case KindFieldText:
		return "TEXT"
	case KindFieldNumeric:
		return "NUMERIC"
	case KindFieldInt:
		return "INT"
	case KindFieldReal:
		return "REAL"
	case KindFieldBlob:
		return "BLOB"
	case KindFieldID:
		return "ID"
	case KindFieldEntity:
		return "ENTITY"
	case KindFieldJSON:
		return "JSON"
	default:
		return "UNKNOWN"
	}
}

// FieldDef is the spec.md §3 field definition: kind, flags, and (for ENTITY
// and virtual fkeys) the navigation metadata.
type FieldDef struct {
	Name     string
	Kind     FieldKind
	Required bool
	Unique   bool
	Virtual  bool

	// RefEntity is the referenced entity name, set only for Kind==KindFieldEntity.
	RefEntity string

	// ChildField and Multi are virtual-fkey navigation metadata (spec §4.4,
	// §9 "Virtual foreign keys"). ChildField empty means "infer it";
	// multiExplicit records whether Multi was declared by the caller so it
	// can be checked for consistency against the inferred value.
	ChildField    string
	Multi         bool
	multiExplicit bool

	resolvedChild       *FieldDef // resolved+cached by resolveVirtualField
	resolvedChildEntity *Entity
}

// createFieldBindSetter-style closure factory: every field kind gets one
// coercion function shaped like the teacher's column_setter.go
// create*FieldBindSetter functions (func(v any) (any, error)), generalized
// here to also return the field's separate lookup value (spec §4.2).
type fieldCoercer func(mgr *Manager, def *FieldDef, v any) (stored, lookup any, err error)

func coerceField(mgr *Manager, def *FieldDef, v any) (stored, lookup any, err error) {
	if v == nil {
		if def.Required {
			return nil, nil, valueErrorf(def.Name, "required field missing")
		}
		return nil, nil, nil
	}
	switch def.Kind {
	case KindFieldText, KindFieldBlob:
		return coerceTextOrBlob(def, v)
	case KindFieldNumeric, KindFieldReal:
		return coerceNumeric(def, v)
	case KindFieldInt, KindFieldID:
		return coerceInt(def, v)
	case KindFieldEntity:
		return coerceEntity(mgr, def, v)
	case KindFieldJSON:
		return coerceJSON(mgr, def, v)
	default:
		return nil, nil, schemaErrorf("field %q has unknown kind", def.Name)
	}
}

// isOpaque flags the "composite value" rejected for every field kind per
// spec §4.2: functions, channels, and other non-data handles (including a
// raw driver Conn, which an application might mistakenly hand in).
func isOpaque(v any) bool {
	if _, ok := v.(Conn); ok {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return true
	}
	return false
}

func coerceTextOrBlob(def *FieldDef, v any) (stored, lookup any, err error) {
	if isOpaque(v) {
		return nil, nil, valueErrorf(def.Name, "composite value of type %T not allowed", v)
	}
	s, ok := stringify(v)
	if !ok {
		return nil, nil, valueErrorf(def.Name, "cannot coerce %T to text", v)
	}
	return s, s, nil
}

func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return fmt.Sprintf("%v", t), true
	default:
		switch reflect.ValueOf(v).Kind() {
		case reflect.Map, reflect.Slice, reflect.Struct, reflect.Array:
			return "", false
		}
		return fmt.Sprintf("%v", v), true
	}
}

func coerceNumeric(def *FieldDef, v any) (stored, lookup any, err error) {
	if isOpaque(v) {
		return nil, nil, valueErrorf(def.Name, "composite value of type %T not allowed", v)
	}
	f, ok := toFloat(v)
	if !ok {
		return nil, nil, valueErrorf(def.Name, "cannot parse %v as a number", v)
	}
	return f, f, nil
}

func coerceInt(def *FieldDef, v any) (stored, lookup any, err error) {
	if isOpaque(v) {
		return nil, nil, valueErrorf(def.Name, "composite value of type %T not allowed", v)
	}
	f, ok := toFloat(v)
	if !ok {
		return nil, nil, valueErrorf(def.Name, "cannot parse %v as an integer", v)
	}
	i := int64(math.Floor(f))
	return i, i, nil
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// coerceEntity implements spec §4.2's ENTITY transform: a row object is
// unwrapped to its primary-key lookup scalar (or, pre-insert, kept as the
// stored value with a nil lookup so the flush engine can detect the forward
// reference); any other value passes through unchanged as both stored and
// lookup.
func coerceEntity(mgr *Manager, def *FieldDef, v any) (stored, lookup any, err error) {
	if row, ok := v.(*Row); ok {
		if row.entity.name != def.RefEntity {
			return nil, nil, valueErrorf(def.Name, "row belongs to entity %q, field references %q", row.entity.name, def.RefEntity)
		}
		if row.rowid == 0 {
			return row, nil, nil
		}
		pk, err := row.pkLookupValue()
		if err != nil {
			return nil, nil, err
		}
		return pk, pk, nil
	}
	if isOpaque(v) {
		return nil, nil, valueErrorf(def.Name, "composite value of type %T not allowed", v)
	}
	return v, v, nil
}

func coerceJSON(mgr *Manager, def *FieldDef, v any) (stored, lookup any, err error) {
	if mgr.jsonCodec == nil {
		return nil, nil, schemaErrorf("field %q is kind JSON but no JSON codec is registered", def.Name)
	}
	switch t := v.(type) {
	case string:
		return t, t, nil
	case *jsonValue:
		encoded, err := t.encodeWith(mgr.jsonCodec)
		if err != nil {
			return nil, nil, valueErrorf(def.Name, "invalid JSON content: %v", err)
		}
		return encoded, encoded, nil
	default:
		if isOpaque(v) {
			return nil, nil, valueErrorf(def.Name, "composite value of type %T not allowed", v)
		}
		encoded, err := mgr.jsonCodec.Encode(v)
		if err != nil {
			return nil, nil, valueErrorf(def.Name, "invalid JSON content: %v", err)
		}
		return string(encoded), string(encoded), nil
	}
}

// sqlTypeFor returns the DDL column type for a field, per spec §4.8: ID fields
// are INTEGER, ENTITY fields adopt the referenced primary key's type.
func sqlTypeFor(reg *registryData, def *FieldDef) string {
	switch def.Kind {
	case KindFieldText, KindFieldJSON:
		return "TEXT"
	case KindFieldBlob:
		return "BLOB"
	case KindFieldNumeric, KindFieldReal:
		return "REAL"
	case KindFieldInt, KindFieldID:
		return "INTEGER"
	case KindFieldEntity:
		target, ok := reg.entities[def.RefEntity]
		if !ok {
			return "INTEGER"
		}
		pk := target.pkFieldDef()
		if pk == nil {
			return "INTEGER"
		}
		return sqlTypeFor(reg, pk)
	default:
		return "TEXT"
	}
}
