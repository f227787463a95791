package emdb

import (
	jsoniter "github.com/json-iterator/go"
)

// JSONCodec is the optional collaborator for the JSON field kind (spec.md
// §1 "any optional JSON encoder/decoder", §4.2, §9 "JSON as a
// mutation-tracking proxy"). When a Manager has none registered,
// Manager.Declare rejects any JSON-kind field, so no entity carries one and
// JSON-path query expressions fail to compile (spec §9 open question).
type JSONCodec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, out any) error
}

var jsoniterConfig = jsoniter.ConfigCompatibleWithStandardLibrary

type jsonIterCodec struct{}

// NewJSONIterCodec returns a JSONCodec backed by json-iterator/go, the
// teacher's own JSON dependency (used for event payloads in the source
// repo's background consumer).
func NewJSONIterCodec() JSONCodec {
	return jsonIterCodec{}
}

func (jsonIterCodec) Encode(v any) ([]byte, error) {
	return jsoniterConfig.Marshal(v)
}

func (jsonIterCodec) Decode(data []byte, out any) error {
	return jsoniterConfig.Unmarshal(data, out)
}

// jsonValue is the mutation-tracking proxy design note 9 describes: reads
// lazily decode the stored TEXT into nested jsonMap/jsonSlice wrappers;
// any write through those wrappers marks the owning row dirty and drops
// the cached encoded form so the next flush re-encodes.
type jsonValue struct {
	row          *Row
	field        string
	root         any // *jsonMap, *jsonSlice, or a JSON scalar
	encoded      string
	encodedValid bool
}

func newJSONValue(row *Row, field string, decoded any) *jsonValue {
	jv := &jsonValue{row: row, field: field}
	jv.root = wrapJSON(jv, decoded)
	return jv
}

func (jv *jsonValue) invalidate() {
	jv.encodedValid = false
	if jv.row != nil {
		jv.row.markFieldDirty(jv.field)
	}
}

// encodeWith returns the current encoded TEXT form, recomputing it only if
// a mutation invalidated the cache since the last encode.
func (jv *jsonValue) encodeWith(codec JSONCodec) (string, error) {
	if jv.encodedValid {
		return jv.encoded, nil
	}
	b, err := codec.Encode(unwrapJSON(jv.root))
	if err != nil {
		return "", err
	}
	jv.encoded = string(b)
	jv.encodedValid = true
	return jv.encoded, nil
}

// Get returns the value at key for an object-rooted JSON value, or nil if
// the root is not an object or the key is absent.
func (jv *jsonValue) Get(key string) any {
	if m, ok := jv.root.(*jsonMap); ok {
		return m.data[key]
	}
	return nil
}

// Set assigns key to v on an object-rooted JSON value. Nested maps/slices
// in v are wrapped so their own future mutations are tracked too.
func (jv *jsonValue) Set(key string, v any) error {
	m, ok := jv.root.(*jsonMap)
	if !ok {
		return valueErrorf(jv.field, "JSON value at %q is not an object", jv.field)
	}
	m.data[key] = wrapJSON(jv, v)
	jv.invalidate()
	return nil
}

// Index/SetIndex/Len/Append mirror Get/Set for array-rooted JSON values.
func (jv *jsonValue) Index(i int) any {
	if s, ok := jv.root.(*jsonSlice); ok && i >= 0 && i < len(s.data) {
		return s.data[i]
	}
	return nil
}

func (jv *jsonValue) SetIndex(i int, v any) error {
	s, ok := jv.root.(*jsonSlice)
	if !ok || i < 0 || i >= len(s.data) {
		return valueErrorf(jv.field, "JSON value at %q has no index %d", jv.field, i)
	}
	s.data[i] = wrapJSON(jv, v)
	jv.invalidate()
	return nil
}

func (jv *jsonValue) Append(v any) error {
	s, ok := jv.root.(*jsonSlice)
	if !ok {
		return valueErrorf(jv.field, "JSON value at %q is not an array", jv.field)
	}
	s.data = append(s.data, wrapJSON(jv, v))
	jv.invalidate()
	return nil
}

func (jv *jsonValue) Len() int {
	switch t := jv.root.(type) {
	case *jsonSlice:
		return len(t.data)
	case *jsonMap:
		return len(t.data)
	default:
		return 0
	}
}

// Raw deep-unwraps the proxy back into plain map[string]any/[]any/scalars,
// suitable for comparison in round-trip tests.
func (jv *jsonValue) Raw() any {
	return unwrapJSON(jv.root)
}

type jsonMap struct {
	owner *jsonValue
	data  map[string]any
}

type jsonSlice struct {
	owner *jsonValue
	data  []any
}

func wrapJSON(owner *jsonValue, v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := &jsonMap{owner: owner, data: make(map[string]any, len(t))}
		for k, vv := range t {
			m.data[k] = wrapJSON(owner, vv)
		}
		return m
	case []any:
		s := &jsonSlice{owner: owner, data: make([]any, len(t))}
		for i, vv := range t {
			s.data[i] = wrapJSON(owner, vv)
		}
		return s
	default:
		return v
	}
}

func unwrapJSON(v any) any {
	switch t := v.(type) {
	case *jsonMap:
		m := make(map[string]any, len(t.data))
		for k, vv := range t.data {
			m[k] = unwrapJSON(vv)
		}
		return m
	case *jsonSlice:
		s := make([]any, len(t.data))
		for i, vv := range t.data {
			s[i] = unwrapJSON(vv)
		}
		return s
	default:
		return v
	}
}
