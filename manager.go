package emdb

import "strings"

// Manager is the module-level object from spec.md §5/§6: it owns the
// driver connection, the schema registry, and all process-wide state
// (current transaction, pending-change flag, and the three registers).
// Single-threaded per spec §5: no locking anywhere in this type.
type Manager struct {
	conn      Conn
	registry  *registryData
	jsonCodec JSONCodec

	defaultKey string
	onChange   func()
	retry      RetryPolicy

	tx             *txState
	txDepth        int
	pendingChanges bool
}

// Open opens the embedded database (spec §6 "open(filename?)"; an empty
// filename opens a private in-memory database).
func Open(filename string) (*Manager, error) {
	conn, err := OpenSQLite(filename)
	if err != nil {
		return nil, err
	}
	return &Manager{conn: conn, registry: newRegistryData(), retry: RetryNever()}, nil
}

// Close closes the underlying connection (spec §6 "close()").
func (mgr *Manager) Close() error {
	return mgr.conn.Close()
}

// SetJSONCodec registers the optional JSON codec. Without one, the JSON
// field kind cannot be declared (spec §9 "JSON codec is optional; when
// absent, json kind is not registered").
func (mgr *Manager) SetJSONCodec(codec JSONCodec) {
	mgr.jsonCodec = codec
}

// SetDefaultKey is the `default_key` register (spec §6): the key specifier
// used by Declare when the caller passes a nil KeySpec. An empty string
// restores the "rowid" sentinel.
func (mgr *Manager) SetDefaultKey(key string) {
	mgr.defaultKey = strings.ToLower(key)
}

// OnChange is the `on_change` register (spec §4.5/§6): fn fires exactly
// once per clean-to-dirty transition. A nil fn disables the callback.
func (mgr *Manager) OnChange(fn func()) {
	mgr.onChange = fn
}

// SetRetry is the `retry` register (spec §4.6/§6).
func (mgr *Manager) SetRetry(policy RetryPolicy) {
	mgr.retry = policy
}

// Declare registers a new entity (spec §6 "new(name, key, fields,
// options?)"; renamed Declare here since New is reserved for
// (*Entity).New's row-construction role).
func (mgr *Manager) Declare(name string, key KeySpec, fields any) (*Entity, error) {
	if key == nil && mgr.defaultKey != "" {
		key = mgr.defaultKey
	}
	ent, err := mgr.registry.declare(mgr, name, key, fields)
	if err != nil {
		return nil, err
	}
	if mgr.jsonCodec == nil {
		for _, fname := range ent.fieldOrder {
			if ent.fields[fname].Kind == KindFieldJSON {
				mgr.registry.remove(ent.name)
				return nil, schemaErrorf("field %q: JSON kind requires a registered JSON codec", fname)
			}
		}
	}
	return ent, nil
}

// Get resolves a declared entity by name (spec §6 "get(name)").
func (mgr *Manager) Get(name string) (*Entity, bool) {
	return mgr.registry.get(name)
}

// Entities iterates declared entities in registration order (spec §6
// "entities() -> iterator", SPEC_FULL.md §5's range-over-func resolution).
func (mgr *Manager) Entities(yield func(string, *Entity) bool) {
	mgr.registry.iterate(yield)
}

// Version and VersionString are spec §6's introspection surface.
func (mgr *Manager) Version() int          { return 1 }
func (mgr *Manager) VersionString() string { return "emdb/1" }

// DB exposes the raw driver handle (spec §6 "db").
func (mgr *Manager) DB() Conn { return mgr.conn }

// Built-in kind factories (spec §6): each returns the "<tag><flags>"
// shorthand string consumed by registry.go's parseFieldShorthand, so they
// compose directly into a []FieldSpec literal.
func Text(flags string) string    { return "text" + flags }
func Numeric(flags string) string { return "numeric" + flags }
func Int(flags string) string     { return "int" + flags }
func Real(flags string) string    { return "real" + flags }
func Blob(flags string) string    { return "blob" + flags }
func ID(flags string) string      { return "id" + flags }
func JSONKind(flags string) string { return "json" + flags }

/// Fkey is the `fkey(target, …)` factory (spec §6): target is a declared (or
// forward-referenced) entity name. The flags string takes the same '!'/'?'/'*'
// vocabulary as the scalar kind factories above — '*' makes the fkey field
// itself unique, which is how a one-to-one relationship is declared on the
// owning side (spec §4.4, §9 "Virtual foreign keys").
func Fkey(target, flags string) string { return strings.ToLower(target) + flags }

// VirtualKind declares a read-only navigation field (spec §4.4's "virtual
// foreign keys"): never persisted, resolved at read time by finding the
// single ENTITY field on target that points back at the declaring entity.
// Multiplicity follows from whether that child-side field is itself unique.
func VirtualKind(target string) string { return virtualSpecPrefix + strings.ToLower(target) }
