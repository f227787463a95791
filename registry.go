package emdb

import (
	"sort"
	"strings"
)

// FieldSpec is one ordered field declaration passed to Manager.Declare,
// following spec.md §4.1's "ordered list or unordered map" of field specs.
// Spec is either a bare kind name ("text", "id", ...) or the "<tag><flags>"
// shorthand described in §4.1, flags drawn from {?, !, *}.
type FieldSpec struct {
	Name string
	Spec string
}

// KeySpec is the optional key specifier for Manager.Declare: nil means
// "use rowid", a string names an existing field from the field list, and a
// FieldSpec describes a field to synthesize (and prepend) as the primary
// key — spec.md §4.1's "string, an ID field descriptor, or nil".
type KeySpec any

var builtinKindNames = map[string]FieldKind{
	"text":    KindFieldText,
	"numeric": KindFieldNumeric,
	"int":     KindFieldInt,
	"real":    KindFieldReal,
	"blob":    KindFieldBlob,
	"id":      KindFieldID,
	"json":    KindFieldJSON,
}

// parseFieldShorthand expands "<tag><flags>" (spec §4.1). If tag matches a
// builtin kind name the field is that scalar kind; otherwise tag is taken
// as a referenced entity name and the field becomes a real, persisted
// ENTITY-kind fkey field.
//
// Flag resolution (a syntax detail spec.md leaves to the implementer,
// recorded in DESIGN.md): '!' sets Required, '?' is an explicit (and
// otherwise redundant) "not required" marker, '*' sets Unique — uniformly
// across every kind, including ENTITY, so a real fkey field can itself be
// unique (the one-to-one side of a virtual navigation pair, spec §4.4).
// Virtual navigation fields are a separate declarative form entirely (see
// VirtualKind/resolveFieldSpec below), since "is this field virtual" is
// orthogonal to "is this field unique" and both can't share one flag.
func parseFieldShorthand(name, spec string) (*FieldDef, error) {
	i := 0
	for i < len(spec) {
		c := spec[i]
		if c == '?' || c == '!' || c == '*' {
			break
		}
		i++
	}
	tag := spec[:i]
	flags := spec[i:]
	if tag == "" {
		return nil, schemaErrorf("field %q has an empty type tag", name)
	}
	seen := map[byte]bool{}
	for j := 0; j < len(flags); j++ {
		c := flags[j]
		if c != '?' && c != '!' && c != '*' {
			return nil, schemaErrorf("field %q has unknown flag %q", name, string(c))
		}
		if seen[c] {
			return nil, schemaErrorf("field %q repeats flag %q", name, string(c))
		}
		seen[c] = true
	}

	def := &FieldDef{Name: strings.ToLower(name)}
	if kind, ok := builtinKindNames[strings.ToLower(tag)]; ok {
		def.Kind = kind
		def.Required = seen['!']
		def.Unique = seen['*']
		return def, nil
	}
	def.Kind = KindFieldEntity
	def.RefEntity = strings.ToLower(tag)
	def.Required = seen['!']
	def.Unique = seen['*']
	return def, nil
}

// virtualSpecPrefix marks a FieldSpec.Spec as a virtual navigation field
// rather than a persisted one. Produced by VirtualKind; never written by
// hand since the flag characters alone can't carry this bit (see
// parseFieldShorthand's comment).
const virtualSpecPrefix = "virtual:"

func resolveFieldSpec(fs FieldSpec) (*FieldDef, error) {
	if target, ok := strings.CutPrefix(fs.Spec, virtualSpecPrefix); ok {
		if target == "" {
			return nil, schemaErrorf("field %q: virtual fkey has no target entity", fs.Name)
		}
		return &FieldDef{
			Name:      strings.ToLower(fs.Name),
			Kind:      KindFieldEntity,
			RefEntity: strings.ToLower(target),
			Virtual:   true,
		}, nil
	}
	if kind, ok := builtinKindNames[strings.ToLower(fs.Spec)]; ok {
		return &FieldDef{Name: strings.ToLower(fs.Name), Kind: kind}, nil
	}
	return parseFieldShorthand(fs.Name, fs.Spec)
}

// normalizeFields accepts an ordered []FieldSpec or an unordered
// map[string]string (sorted by name for determinism, per §4.1 "ordered
// list or unordered map").
func normalizeFields(fields any) ([]FieldSpec, error) {
	switch t := fields.(type) {
	case []FieldSpec:
		return t, nil
	case map[string]string:
		names := make([]string, 0, len(t))
		for n := range t {
			names = append(names, n)
		}
		sort.Strings(names)
		out := make([]FieldSpec, 0, len(names))
		for _, n := range names {
			out = append(out, FieldSpec{Name: n, Spec: t[n]})
		}
		return out, nil
	default:
		return nil, schemaErrorf("fields must be []FieldSpec or map[string]string, got %T", fields)
	}
}

// registryData holds every declared entity for a Manager. Entities are
// added one at a time by declare, each immediately closure-checked, as
// spec.md §4.1 describes ("for each newly declared entity ... if the walk
// reaches the new entity's own name, reject").
type registryData struct {
	entities map[string]*Entity
	order    []string
}

func newRegistryData() *registryData {
	return &registryData{entities: make(map[string]*Entity)}
}

func (r *registryData) get(name string) (*Entity, bool) {
	e, ok := r.entities[strings.ToLower(name)]
	return e, ok
}

// remove unregisters an entity, used to unwind a declare that fails a
// post-registration check (the JSON-codec-absent check in manager.go).
func (r *registryData) remove(name string) {
	lname := strings.ToLower(name)
	delete(r.entities, lname)
	for i, n := range r.order {
		if n == lname {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// iterate walks declared entities in registration order (spec §6
// "entities() -> iterator", resolved in SPEC_FULL.md §5 as a range-over-func
// iterator).
func (r *registryData) iterate(yield func(string, *Entity) bool) {
	for _, name := range r.order {
		if !yield(name, r.entities[name]) {
			return
		}
	}
}

// declare validates and registers one entity, mutating r only on success.
func (r *registryData) declare(mgr *Manager, name string, key KeySpec, fields any) (*Entity, error) {
	lname := strings.ToLower(name)
	if lname == "" {
		return nil, schemaErrorf("entity name must not be empty")
	}
	if lname == "rowid" {
		return nil, schemaErrorf("entity name %q is reserved", lname)
	}
	if _, exists := r.entities[lname]; exists {
		return nil, schemaErrorf("entity %q already registered", lname)
	}

	specs, err := normalizeFields(fields)
	if err != nil {
		return nil, err
	}

	defs := make(map[string]*FieldDef, len(specs))
	order := make([]string, 0, len(specs))
	for _, fs := range specs {
		fname := strings.ToLower(fs.Name)
		if fname == "rowid" {
			return nil, schemaErrorf("field name %q is reserved", fname)
		}
		if _, dup := defs[fname]; dup {
			return nil, schemaErrorf("entity %q declares field %q twice", lname, fname)
		}
		def, err := resolveFieldSpec(fs)
		if err != nil {
			return nil, err
		}
		if def.Kind == KindFieldID {
			return nil, schemaErrorf("field %q: kind ID may only be used on the primary key", fname)
		}
		def.Name = fname
		defs[fname] = def
		order = append(order, fname)
	}

	pkName := "rowid"
	switch k := key.(type) {
	case nil:
		// rowid sentinel
	case string:
		pkName = strings.ToLower(k)
		def, ok := defs[pkName]
		if !ok {
			return nil, schemaErrorf("entity %q: key field %q not declared", lname, pkName)
		}
		def.Unique = true
	case FieldSpec:
		def, err := resolveFieldSpec(k)
		if err != nil {
			return nil, err
		}
		if def.Kind != KindFieldID {
			return nil, schemaErrorf("entity %q: key field descriptor must be kind ID", lname)
		}
		pkName = strings.ToLower(k.Name)
		if _, dup := defs[pkName]; dup {
			return nil, schemaErrorf("entity %q declares field %q twice", lname, pkName)
		}
		def.Name = pkName
		def.Unique = true
		defs[pkName] = def
		order = append([]string{pkName}, order...)
	default:
		return nil, schemaErrorf("entity %q: unsupported key specifier %T", lname, key)
	}

	persisted := make([]string, 0, len(order))
	virtual := make(map[string]*FieldDef)
	unique := make([]string, 0)
	for _, fname := range order {
		def := defs[fname]
		if def.Virtual {
			virtual[fname] = def
			continue
		}
		persisted = append(persisted, fname)
		if def.Unique {
			unique = append(unique, fname)
		}
	}

	ent := &Entity{
		mgr:           mgr,
		name:          lname,
		pkName:        pkName,
		fields:        defs,
		fieldOrder:    persisted,
		uniqueFields:  unique,
		virtualFields: virtual,
		rows:          newWeakCache(),
		uniqueCaches:  make(map[string]*weakCache),
		dirty:         make(map[*Row]struct{}),
	}
	for _, u := range unique {
		ent.uniqueCaches[u] = newWeakCache()
	}
	ent.stmts = newStatementCache(ent)

	r.entities[lname] = ent
	r.order = append(r.order, lname)

	if err := checkRequiredFkeyCycle(r, ent); err != nil {
		delete(r.entities, lname)
		r.order = r.order[:len(r.order)-1]
		return nil, err
	}

	return ent, nil
}

// checkRequiredFkeyCycle walks required ENTITY fields transitively from
// start; a walk that reaches start's own name is a circular dependency
// (spec §3 invariant 6, §4.1, §9 "Circular foreign-key detection").
func checkRequiredFkeyCycle(r *registryData, start *Entity) error {
	visited := make(map[string]bool)
	var walk func(e *Entity) error
	walk = func(e *Entity) error {
		for _, fname := range e.fieldOrder {
			def := e.fields[fname]
			if def.Kind != KindFieldEntity || !def.Required {
				continue
			}
			if def.RefEntity == start.name {
				return schemaErrorf("entity %q: circular required foreign-key dependency through field %q", start.name, fname)
			}
			if visited[def.RefEntity] {
				continue
			}
			visited[def.RefEntity] = true
			next, ok := r.entities[def.RefEntity]
			if !ok {
				continue // forward reference to an entity not yet declared: dead end for now
			}
			if err := walk(next); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(start)
}
