package emdb

import "strings"

// statementCache lazily prepares and reuses the fixed set of per-entity
// statements the row/flush machinery needs: insert, update, delete, get (by
// rowid or by a named field), and unique-existence checks. Single-threaded
// per spec.md §5, so no locking, mirroring driver.go's sqliteConn.
type statementCache struct {
	ent *Entity

	insert PreparedStmt
	update PreparedStmt
	delete PreparedStmt

	getByRowidStmt PreparedStmt
	getByFieldStmt map[string]PreparedStmt
	existsStmt     map[string]PreparedStmt
}

func newStatementCache(ent *Entity) *statementCache {
	return &statementCache{
		ent:            ent,
		getByFieldStmt: make(map[string]PreparedStmt),
		existsStmt:     make(map[string]PreparedStmt),
	}
}

func buildInsertSQL(e *Entity) string {
	if len(e.fieldOrder) == 0 {
		return "INSERT INTO " + e.quotedName() + " DEFAULT VALUES"
	}
	cols := make([]string, len(e.fieldOrder))
	placeholders := make([]string, len(e.fieldOrder))
	for i, f := range e.fieldOrder {
		cols[i] = `"` + f + `"`
		placeholders[i] = "?"
	}
	return "INSERT INTO " + e.quotedName() + " (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(placeholders, ", ") + ")"
}

func buildUpdateSQL(e *Entity) string {
	sets := make([]string, len(e.fieldOrder))
	for i, f := range e.fieldOrder {
		sets[i] = `"` + f + `" = ?`
	}
	return "UPDATE " + e.quotedName() + " SET " + strings.Join(sets, ", ") + " WHERE rowid = ?"
}

func buildDeleteSQL(e *Entity) string {
	return "DELETE FROM " + e.quotedName() + " WHERE rowid = ?"
}

func buildGetByRowidSQL(e *Entity) string {
	return e.buildSelectSQL("rowid = ?")
}

func buildGetByFieldSQL(e *Entity, field string) string {
	return e.buildSelectSQL(`"` + field + `" = ?`)
}

func buildExistsSQL(e *Entity, field string) string {
	return `SELECT 1 FROM ` + e.quotedName() + ` WHERE "` + field + `" = ? AND rowid <> ? LIMIT 1`
}

func (s *statementCache) insertStmt() (PreparedStmt, error) {
	if s.insert == nil {
		stmt, err := s.ent.mgr.conn.Prepare(buildInsertSQL(s.ent))
		if err != nil {
			return nil, err
		}
		s.insert = stmt
	}
	return s.insert, nil
}

func (s *statementCache) updateStmt() (PreparedStmt, error) {
	if s.update == nil {
		stmt, err := s.ent.mgr.conn.Prepare(buildUpdateSQL(s.ent))
		if err != nil {
			return nil, err
		}
		s.update = stmt
	}
	return s.update, nil
}

func (s *statementCache) deleteStmt() (PreparedStmt, error) {
	if s.delete == nil {
		stmt, err := s.ent.mgr.conn.Prepare(buildDeleteSQL(s.ent))
		if err != nil {
			return nil, err
		}
		s.delete = stmt
	}
	return s.delete, nil
}

// getByRowid returns the [rowid, field...] tuple for a row, or found=false.
func (s *statementCache) getByRowid(rowid int64) ([]any, bool, error) {
	if s.getByRowidStmt == nil {
		stmt, err := s.ent.mgr.conn.Prepare(buildGetByRowidSQL(s.ent))
		if err != nil {
			return nil, false, err
		}
		s.getByRowidStmt = stmt
	}
	return s.getByRowidStmt.QueryRow(rowid)
}

func (s *statementCache) getByField(field string, lookup any) ([]any, bool, error) {
	stmt, ok := s.getByFieldStmt[field]
	if !ok {
		var err error
		stmt, err = s.ent.mgr.conn.Prepare(buildGetByFieldSQL(s.ent, field))
		if err != nil {
			return nil, false, err
		}
		s.getByFieldStmt[field] = stmt
	}
	return stmt.QueryRow(lookup)
}

// checkUniqueExists reports whether a different row already persists value
// lookup for field (spec.md §4.4's persisted-duplicate check, used when the
// in-memory unique cache alone can't rule out a collision against rows not
// currently live in memory).
func (s *statementCache) checkUniqueExists(field string, lookup any, excludeRowid int64) (bool, error) {
	stmt, ok := s.existsStmt[field]
	if !ok {
		var err error
		stmt, err = s.ent.mgr.conn.Prepare(buildExistsSQL(s.ent, field))
		if err != nil {
			return false, err
		}
		s.existsStmt[field] = stmt
	}
	_, found, err := stmt.QueryRow(lookup, excludeRowid)
	if err != nil {
		return false, err
	}
	return found, nil
}
