package emdb

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	log2 "github.com/apex/log"
	"github.com/pkg/errors"
	sqlitedriver "modernc.org/sqlite"
)

// sqliteBusyCode is SQLITE_BUSY from sqlite3.h. modernc.org/sqlite surfaces
// it through (*sqlitedriver.Error).Code().
const sqliteBusyCode = 5

// Result is the uniform result of a write statement, mirroring the
// exec/last-insert-id vocabulary of spec.md §6's driver contract.
type Result interface {
	LastInsertRowID() int64
	RowsAffected() int64
}

// PreparedStmt is a lazily-bound statement. Write statements (INSERT,
// UPDATE, DELETE) call Exec; single-row read statements (GET, EXISTS,
// UNIQUE) call QueryRow. There is deliberately no multi-row step() on this
// type: the only multi-row reads in this system go through the query
// compiler's own Conn.Query, not through the entity statement cache.
type PreparedStmt interface {
	Exec(args ...any) (Result, error)
	QueryRow(args ...any) (values []any, found bool, err error)
	Close() error
}

// RowIterator is the cursor returned by Conn.Query for the query compiler's
// SQL-side evaluation (spec.md §4.7).
type RowIterator interface {
	Next() bool
	Values() ([]any, error)
	Columns() ([]string, error)
	Err() error
	Close() error
}

// Conn is the sole downward dependency of the whole system (spec.md §1,
// §6): "a thin SQL driver abstraction". Everything else in this module is
// built on top of it.
type Conn interface {
	Exec(sqlText string, args ...any) (Result, error)
	Prepare(sqlText string) (PreparedStmt, error)
	Query(sqlText string, params map[string]any) (RowIterator, error)
	Begin() error
	Commit() error
	Rollback() error
	IsOpen() bool
	Close() error
}

// QueryLogger receives one structured entry per driver operation, following
// the teacher's apex/log-based fillLogFields idiom. Nil by default: the
// core is silent unless an application opts in.
type QueryLogger interface {
	LogQuery(operation, sqlText string, args []any, duration time.Duration, err error)
}

type execResult struct {
	r sql.Result
}

func (e *execResult) LastInsertRowID() int64 {
	id, err := e.r.LastInsertId()
	if err != nil {
		return 0
	}
	return id
}

func (e *execResult) RowsAffected() int64 {
	n, err := e.r.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}

type sqliteConn struct {
	db     *sql.DB
	tx     *sql.Tx
	logger QueryLogger
}

// OpenSQLite opens the embedded engine. An empty filename opens a private
// in-memory database, matching spec.md §6's "open(filename?) -> handle
// (memory database when filename absent)".
func OpenSQLite(filename string) (Conn, error) {
	dsn := filename
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, driverErrorf(err, "open %q failed", filename)
	}
	db.SetMaxOpenConns(1) // spec §5: single-threaded, no pool
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, driverErrorf(err, "enabling foreign_keys pragma failed")
	}
	return &sqliteConn{db: db}, nil
}

// SetLogger attaches a QueryLogger to an already-open connection returned
// by OpenSQLite.
func SetLogger(c Conn, l QueryLogger) {
	if sc, ok := c.(*sqliteConn); ok {
		sc.logger = l
	}
}

func (c *sqliteConn) client() interface {
	Exec(string, ...any) (sql.Result, error)
	Query(string, ...any) (*sql.Rows, error)
	Prepare(string) (*sql.Stmt, error)
} {
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

func (c *sqliteConn) log(operation, sqlText string, args []any, start time.Time, err error) {
	if c.logger == nil {
		return
	}
	c.logger.LogQuery(operation, sqlText, args, time.Since(start), err)
}

func (c *sqliteConn) Exec(sqlText string, args ...any) (Result, error) {
	start := time.Now()
	r, err := c.client().Exec(sqlText, args...)
	c.log("EXEC", sqlText, args, start, err)
	if err != nil {
		return nil, wrapDriverErr(err, sqlText)
	}
	return &execResult{r: r}, nil
}

func (c *sqliteConn) Prepare(sqlText string) (PreparedStmt, error) {
	start := time.Now()
	stmt, err := c.client().Prepare(sqlText)
	c.log("PREPARE", sqlText, nil, start, err)
	if err != nil {
		return nil, wrapDriverErr(err, sqlText)
	}
	return &preparedStmt{stmt: stmt, conn: c, sqlText: sqlText}, nil
}

func (c *sqliteConn) Query(sqlText string, params map[string]any) (RowIterator, error) {
	start := time.Now()
	args := make([]any, 0, len(params))
	for name, val := range params {
		name = strings.TrimPrefix(name, ":")
		if strings.HasPrefix(name, "_") {
			// database/sql only accepts argument names that begin with a
			// letter, so the query compiler's ":_N" constants are bound
			// under an alias that is substituted into the SQL text.
			alias := "emdb_const" + name
			sqlText = regexp.MustCompile(":"+regexp.QuoteMeta(name)+`\b`).ReplaceAllString(sqlText, ":"+alias)
			name = alias
		}
		args = append(args, sql.Named(name, val))
	}
	rows, err := c.client().Query(sqlText, args...)
	c.log("QUERY", sqlText, args, start, err)
	if err != nil {
		return nil, wrapDriverErr(err, sqlText)
	}
	return &rowIterator{rows: rows}, nil
}

func (c *sqliteConn) Begin() error {
	if c.tx != nil {
		return stateErrorf("already in a driver transaction")
	}
	tx, err := c.db.Begin()
	if err != nil {
		return wrapDriverErr(err, "BEGIN")
	}
	c.tx = tx
	return nil
}

func (c *sqliteConn) Commit() error {
	if c.tx == nil {
		return stateErrorf("no active driver transaction to commit")
	}
	err := c.tx.Commit()
	c.tx = nil
	if err != nil {
		return wrapDriverErr(err, "COMMIT")
	}
	return nil
}

func (c *sqliteConn) Rollback() error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback()
	c.tx = nil
	if err != nil {
		return wrapDriverErr(err, "ROLLBACK")
	}
	return nil
}

func (c *sqliteConn) IsOpen() bool {
	return c.db != nil && c.db.Ping() == nil
}

func (c *sqliteConn) Close() error {
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

type preparedStmt struct {
	stmt    *sql.Stmt
	conn    *sqliteConn
	sqlText string
}

func (p *preparedStmt) Exec(args ...any) (Result, error) {
	start := time.Now()
	r, err := p.stmt.Exec(args...)
	p.conn.log("PREPARED EXEC", p.sqlText, args, start, err)
	if err != nil {
		return nil, wrapDriverErr(err, p.sqlText)
	}
	return &execResult{r: r}, nil
}

func (p *preparedStmt) QueryRow(args ...any) (values []any, found bool, err error) {
	start := time.Now()
	rows, err := p.stmt.Query(args...)
	if err != nil {
		p.conn.log("PREPARED QUERY", p.sqlText, args, start, err)
		return nil, false, wrapDriverErr(err, p.sqlText)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, false, wrapDriverErr(err, p.sqlText)
	}
	if !rows.Next() {
		p.conn.log("PREPARED QUERY", p.sqlText, args, start, rows.Err())
		return nil, false, rows.Err()
	}
	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, false, wrapDriverErr(err, p.sqlText)
	}
	p.conn.log("PREPARED QUERY", p.sqlText, args, start, nil)
	return dest, true, nil
}

func (p *preparedStmt) Close() error {
	return p.stmt.Close()
}

type rowIterator struct {
	rows *sql.Rows
	cols []string
}

func (r *rowIterator) Next() bool {
	has := r.rows.Next()
	if !has {
		_ = r.rows.Close()
	}
	return has
}

func (r *rowIterator) Columns() ([]string, error) {
	if r.cols != nil {
		return r.cols, nil
	}
	cols, err := r.rows.Columns()
	if err != nil {
		return nil, err
	}
	r.cols = cols
	return cols, nil
}

func (r *rowIterator) Values() ([]any, error) {
	cols, err := r.Columns()
	if err != nil {
		return nil, err
	}
	dest := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range dest {
		ptrs[i] = &dest[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return dest, nil
}

func (r *rowIterator) Err() error {
	return r.rows.Err()
}

func (r *rowIterator) Close() error {
	return r.rows.Close()
}

// isBusy reports whether err represents the embedded engine's BUSY signal
// (spec.md §6), unwrapping the modernc.org/sqlite error type.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlitedriver.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqliteBusyCode
	}
	return strings.Contains(err.Error(), "database is locked")
}

func wrapDriverErr(err error, sqlText string) *Error {
	if isBusy(err) {
		return &Error{Kind: KindDriver, Message: fmt.Sprintf("database is busy: %s", sqlText), Code: sqliteBusyCode, cause: err}
	}
	return driverErrorf(err, "driver error executing: %s", sqlText)
}

// defaultTextQueryLogger is a ready-made QueryLogger built on apex/log,
// following the teacher's local_cache.go/db.go fillLogFields convention.
// Nothing registers it automatically; applications opt in via SetLogger.
type defaultTextQueryLogger struct {
	log *log2.Logger
}

// NewTextQueryLogger builds a QueryLogger that writes one apex/log entry per
// driver call.
func NewTextQueryLogger(handler log2.Handler) QueryLogger {
	return &defaultTextQueryLogger{log: &log2.Logger{Handler: handler, Level: log2.DebugLevel}}
}

func (l *defaultTextQueryLogger) LogQuery(operation, sqlText string, args []any, duration time.Duration, err error) {
	entry := l.log.WithFields(log2.Fields{
		"operation": operation,
		"sql":       sqlText,
		"duration":  duration.String(),
	})
	if len(args) > 0 {
		entry = entry.WithField("args", fmt.Sprintf("%v", args))
	}
	if err != nil {
		entry.WithError(err).Warn("query failed")
		return
	}
	entry.Debug("query")
}
