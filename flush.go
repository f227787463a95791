package emdb

// flushRow performs one flush attempt for a single row (spec.md §4.6's
// per-row protocol): DELETE if marked deleted, else bind every field and
// INSERT or UPDATE. Returns stillDirty=true when the row needs another pass
// (a required forward fkey is still unresolved, or a non-required one was
// bound NULL under skipFkeys and needs a later correcting UPDATE).
func flushRow(e *Entity, row *Row, skipFkeys bool) (stillDirty bool, err error) {
	mgr := e.mgr

	if row.deleted {
		if row.rowid != 0 {
			stmt, err := e.stmts.deleteStmt()
			if err != nil {
				return true, err
			}
			if _, err := stmt.Exec(row.rowid); err != nil {
				return true, err
			}
			e.rows.delete(row.rowid)
		}
		// Cache removal is unconditional (spec.md §4.6): a row New'd then
		// Delete'd before its first flush never issues a SQL DELETE, but it
		// was already entered into uniqueCaches at New/Set time and must not
		// keep occupying that slot.
		for _, u := range e.uniqueFields {
			if v, has := row.effective(u); has && v.lookup != nil {
				e.uniqueCaches[u].delete(v.lookup)
			}
		}
		return false, nil
	}

	args := make([]any, len(e.fieldOrder))
	partial := false
	for i, name := range e.fieldOrder {
		def := e.fields[name]
		v, has := row.effective(name)
		if !has {
			args[i] = nil
			continue
		}
		switch def.Kind {
		case KindFieldEntity:
			if refRow, ok := v.stored.(*Row); ok {
				if refRow.rowid == 0 {
					if skipFkeys && !def.Required {
						args[i] = nil
						partial = true
						continue
					}
					return true, nil // required referent unresolved: retry a later pass
				}
				pk, err := refRow.pkLookupValue()
				if err != nil {
					return true, err
				}
				args[i] = pk
				resolved := fieldValue{stored: pk, lookup: pk}
				row.committed[name] = resolved
				if row.overlayActive {
					if _, inOverlay := row.overlay[name]; inOverlay {
						row.overlay[name] = resolved
					}
				}
				continue
			}
			args[i] = v.lookup
		case KindFieldJSON:
			text, err := row.currentJSONText(def)
			if err != nil {
				return true, err
			}
			args[i] = text
		default:
			args[i] = v.stored
		}
	}

	op := func() error {
		if row.rowid == 0 {
			stmt, err := e.stmts.insertStmt()
			if err != nil {
				return err
			}
			res, err := stmt.Exec(args...)
			if err != nil {
				return err
			}
			row.rowid = res.LastInsertRowID()
			return nil
		}
		stmt, err := e.stmts.updateStmt()
		if err != nil {
			return err
		}
		updateArgs := make([]any, 0, len(args)+1)
		updateArgs = append(updateArgs, args...)
		updateArgs = append(updateArgs, row.rowid)
		_, err = stmt.Exec(updateArgs...)
		return err
	}

	// BUSY retries are governed by the retry register, but never while any
	// transaction is open (spec §4.6), including the one Manager.Flush opens
	// around RawFlush.
	var execErr error
	if mgr.txDepth > 0 {
		execErr = op()
	} else {
		execErr = mgr.retry.run(op)
	}
	if execErr != nil {
		return true, execErr
	}

	if row.rowid != 0 {
		e.rows.set(row.rowid, row)
		if pk := e.pkFieldDef(); pk != nil && pk.Kind == KindFieldID {
			row.committed[e.pkName] = fieldValue{stored: row.rowid, lookup: row.rowid}
		}
		for _, u := range e.uniqueFields {
			if v, has := row.committed[u]; has && v.lookup != nil {
				e.uniqueCaches[u].set(v.lookup, row)
			}
		}
	}
	return partial, nil
}

// flushEntity walks one entity's dirty set once (one pass), removing rows
// that are now fully persisted and leaving the rest for the next pass.
func flushEntity(e *Entity, skipFkeys bool) (remaining int, err error) {
	for row := range e.dirty {
		stillDirty, err := flushRow(e, row, skipFkeys)
		if err != nil {
			return remaining, flushErrorf(err, "flush failed for entity %q", e.name)
		}
		if stillDirty {
			remaining++
			continue
		}
		delete(e.dirty, row)
	}
	return remaining, nil
}

// RawFlush drains dirty sets across every declared entity with the
// skip-fkeys two-pass protocol (spec.md §4.6, steps 1-4): alternate
// skipFkeys on each pass, stopping on a skipFkeys=false pass that reaches
// zero remaining or makes no progress versus the previous such pass.
func (mgr *Manager) RawFlush() (int, error) {
	toFlush := make([]*Entity, 0, len(mgr.registry.order))
	for _, name := range mgr.registry.order {
		toFlush = append(toFlush, mgr.registry.entities[name])
	}

	skipFkeys := false
	prevTotal := -1
	for {
		skipFkeys = !skipFkeys
		total := 0
		next := make([]*Entity, 0, len(toFlush))
		for _, e := range toFlush {
			remaining, err := flushEntity(e, skipFkeys)
			if err != nil {
				return total, err
			}
			total += remaining
			if remaining > 0 {
				next = append(next, e)
			}
		}
		toFlush = next
		if !skipFkeys {
			if total == 0 {
				return 0, nil
			}
			if total == prevTotal {
				return total, flushErrorf(nil, "unresolvable circular dependency: %d rows still dirty", total)
			}
			prevTotal = total
		}
	}
}

// Flush is RawFlush wrapped in a real transaction (spec.md §4.6 "flush is
// raw_flush wrapped in a strict transaction; any raised error triggers a
// rollback and re-raise"). It composes with an already-open user
// transaction via the shared begin-depth counter rather than rejecting
// nesting outright, so retry-disabled-in-transaction (§4.6) applies
// uniformly to flush's own writes too.
func (mgr *Manager) Flush() (int, error) {
	if err := mgr.Begin(false); err != nil {
		return 0, err
	}
	remaining, err := mgr.RawFlush()
	if err != nil {
		_ = mgr.Rollback()
		return remaining, err
	}
	if err := mgr.Commit(false); err != nil {
		return remaining, err
	}
	if remaining == 0 {
		mgr.pendingChanges = false
	}
	return remaining, nil
}
