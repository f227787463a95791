package emdb

import (
	"runtime"
	"weak"
)

// weakCache is the identity-map building block from spec.md §3 invariant 1
// and §9 "Row identity with weak caches": entries are held weakly so a row
// with nothing else referencing it (and not in its entity's strong dirty
// set) is collectible. Single-threaded per spec §5, so no locking — the
// teacher's own local_cache.go wraps an LRU behind a small keyed struct;
// this is the same shape with a GC-weak eviction policy instead of a
// capacity bound, since no library in the pack does GC-integrated weak
// identity maps (see DESIGN.md).
type weakCache struct {
	entries map[any]weakEntry
}

type weakEntry struct {
	ptr     weak.Pointer[Row]
	cleanup runtime.Cleanup
}

func newWeakCache() *weakCache {
	return &weakCache{entries: make(map[any]weakEntry)}
}

func (c *weakCache) get(key any) (*Row, bool) {
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	row := entry.ptr.Value()
	if row == nil {
		delete(c.entries, key)
		return nil, false
	}
	return row, true
}

// set installs row under key and arms a GC cleanup that removes the map
// entry once row becomes unreachable (weak.Pointer alone doesn't shrink the
// map — runtime.AddCleanup is what reclaims the slot so the cache doesn't
// accumulate dead keys).
func (c *weakCache) set(key any, row *Row) {
	if old, ok := c.entries[key]; ok {
		old.cleanup.Stop()
	}
	cache := c
	cleanup := runtime.AddCleanup(row, func(k any) {
		if cur, ok := cache.entries[k]; ok && cur.ptr.Value() == nil {
			delete(cache.entries, k)
		}
	}, key)
	c.entries[key] = weakEntry{ptr: weak.Make(row), cleanup: cleanup}
}

func (c *weakCache) delete(key any) {
	if entry, ok := c.entries[key]; ok {
		entry.cleanup.Stop()
	}
	delete(c.entries, key)
}

// rekey moves the cache entry at oldKey to newKey, used when a unique
// field's lookup value changes on Row.Set (spec §4.4 "(d) updates the
// unique cache by swapping the old lookup for the new").
func (c *weakCache) rekey(oldKey, newKey any, row *Row) {
	if oldKey != nil {
		c.delete(oldKey)
	}
	if newKey != nil {
		c.set(newKey, row)
	}
}
