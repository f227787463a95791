package emdb

// txState accumulates the rows touched by the single active transaction
// (spec.md §4.5: "the manager owns at most one active transaction"). Rows
// are registered the first time a field write lands in their overlay
// during this transaction; Commit promotes overlay into committed for all
// of them, Rollback discards it.
type txState struct {
	rows map[*Row]struct{}
}

func newTxState() *txState {
	return &txState{rows: make(map[*Row]struct{})}
}

// Begin starts or nests the active transaction (spec §4.5, §6
// "begin(strict?)"). strict rejects nesting outright; otherwise a second
// Begin merely increments the depth counter and reuses the physical driver
// transaction already open.
func (mgr *Manager) Begin(strict bool) error {
	if mgr.txDepth > 0 {
		if strict {
			return stateErrorf("already in a transaction")
		}
		mgr.txDepth++
		return nil
	}
	if err := mgr.conn.Begin(); err != nil {
		return err
	}
	mgr.tx = newTxState()
	mgr.txDepth = 1
	return nil
}

// Commit decrements the begin-depth counter and, only on reaching zero (or
// when force is set), issues the underlying COMMIT and runs commit hooks
// that promote every touched row's overlay into its committed map (spec
// §4.5).
func (mgr *Manager) Commit(force bool) error {
	if mgr.txDepth == 0 {
		return stateErrorf("no active transaction to commit")
	}
	mgr.txDepth--
	if force {
		mgr.txDepth = 0
	}
	if mgr.txDepth > 0 {
		return nil
	}
	if err := mgr.conn.Commit(); err != nil {
		mgr.txDepth = 1 // the physical transaction is still open; leave state consistent
		return err
	}
	tx := mgr.tx
	mgr.tx = nil
	for row := range tx.rows {
		row.promoteOverlay()
	}
	return nil
}

// Rollback unconditionally issues ROLLBACK and runs rollback hooks that
// discard overlay state and revert unique-cache swaps made during the
// transaction, regardless of begin depth (spec §4.5: "rollback
// unconditionally issues ROLLBACK").
func (mgr *Manager) Rollback() error {
	if mgr.txDepth == 0 {
		return stateErrorf("no active transaction to roll back")
	}
	err := mgr.conn.Rollback()
	mgr.txDepth = 0
	tx := mgr.tx
	mgr.tx = nil
	if tx != nil {
		for row := range tx.rows {
			row.discardOverlay()
		}
	}
	return err
}

// InTransaction reports spec §6's `transaction() -> bool`.
func (mgr *Manager) InTransaction() bool {
	return mgr.txDepth > 0
}

func (mgr *Manager) registerTxRow(row *Row) {
	if mgr.tx != nil {
		mgr.tx.rows[row] = struct{}{}
	}
}

// noteDirty fires the on_change register exactly once per clean-to-dirty
// transition (spec §4.5).
func (mgr *Manager) noteDirty() {
	if !mgr.pendingChanges {
		mgr.pendingChanges = true
		if mgr.onChange != nil {
			mgr.onChange()
		}
	}
}

// PendingChanges reports spec §6's `pending_changes() -> bool`.
func (mgr *Manager) PendingChanges() bool {
	return mgr.pendingChanges
}
