// Package oracle executes gate-approved statements against the MIMIC-IV
// Oracle schema. Every run is bounded twice: an outer ROWNUM wrapper unless
// the statement already carries one, and a per-statement context timeout.
// The executor never issues DDL or DML; the policy gate runs upstream and
// the SELECT/WITH prefix is re-asserted here.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ashita-ai/karte/internal/model"
)

var (
	// ErrNotSelect rejects anything that is not a SELECT or WITH query.
	ErrNotSelect = errors.New("oracle: statement is not a query")
	// ErrTimeout marks statements cancelled by the per-statement deadline.
	ErrTimeout = errors.New("oracle: statement timed out")
	// ErrDisconnected marks failures that survived the pool re-create.
	ErrDisconnected = errors.New("oracle: database unavailable")
)

// Config carries the connection and bounding settings.
type Config struct {
	DSN           string
	User          string
	Password      string
	DefaultSchema string
	RowCap        int
	Timeout       time.Duration
}

// url splices the credentials into the DSN. A DSN that already embeds
// credentials wins over the separate fields.
func (c Config) url() string {
	if c.User == "" || strings.Contains(c.DSN, "@") {
		return c.DSN
	}
	rest := strings.TrimPrefix(c.DSN, "oracle://")
	return "oracle://" + url.UserPassword(c.User, c.Password).String() + "@" + rest
}

var schemaIdentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$#]*$`)

// Executor owns the sqlx pool. Safe for concurrent use; the pool pointer is
// swapped under the mutex when a disconnect forces a re-create.
type Executor struct {
	cfg Config

	mu sync.Mutex
	db *sqlx.DB
}

// New opens the pool. The go-ora driver must be registered by the caller
// (blank import in cmd).
func New(cfg Config) (*Executor, error) {
	if cfg.DefaultSchema != "" && !schemaIdentRe.MatchString(cfg.DefaultSchema) {
		return nil, fmt.Errorf("oracle: invalid default schema %q", cfg.DefaultSchema)
	}
	e := &Executor{cfg: cfg}
	db, err := openPool(cfg)
	if err != nil {
		return nil, err
	}
	e.db = db
	return e, nil
}

func openPool(cfg Config) (*sqlx.DB, error) {
	db, err := sqlx.Open("oracle", cfg.url())
	if err != nil {
		return nil, fmt.Errorf("oracle: open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// Close releases the pool.
func (e *Executor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db == nil {
		return nil
	}
	err := e.db.Close()
	e.db = nil
	return err
}

// Health checks connectivity with a trivial query.
func (e *Executor) Health(ctx context.Context) error {
	db := e.pool()
	if db == nil {
		return ErrDisconnected
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	var one int
	if err := db.GetContext(ctx, &one, "SELECT 1 FROM DUAL"); err != nil {
		return fmt.Errorf("oracle: health: %w", err)
	}
	return nil
}

// Run executes one read-only statement and returns the rows in column
// order. Recoverable pool errors trigger one pool re-create and a single
// retry; everything else is classified and returned.
func (e *Executor) Run(ctx context.Context, sqlText string) (model.Table, error) {
	stmt := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(sqlText), ";"))
	if !isReadOnly(stmt) {
		return model.Table{}, ErrNotSelect
	}
	stmt, args := e.capped(stmt)

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	table, err := e.query(ctx, stmt, args)
	if err == nil {
		return table, nil
	}
	if isDisconnect(err) {
		slog.Warn("oracle: pool re-create after disconnect", "error", err)
		if rerr := e.reconnect(); rerr != nil {
			return model.Table{}, fmt.Errorf("%w: %v", ErrDisconnected, rerr)
		}
		if table, err = e.query(ctx, stmt, args); err == nil {
			return table, nil
		}
	}
	return model.Table{}, e.classify(err)
}

var rownumWordRe = regexp.MustCompile(`(?i)\bROWNUM\b`)

// capped wraps the statement in the row-cap inline view unless it already
// bounds itself.
func (e *Executor) capped(stmt string) (string, []any) {
	if e.cfg.RowCap <= 0 || rownumWordRe.MatchString(stmt) {
		return stmt, nil
	}
	return "SELECT * FROM (" + stmt + ") WHERE ROWNUM <= :1", []any{e.cfg.RowCap}
}

func (e *Executor) query(ctx context.Context, stmt string, args []any) (model.Table, error) {
	db := e.pool()
	if db == nil {
		return model.Table{}, ErrDisconnected
	}
	conn, err := db.Connx(ctx)
	if err != nil {
		return model.Table{}, err
	}
	defer conn.Close()

	// The pool hands back arbitrary sessions, so the schema is asserted on
	// every checkout. The identifier was validated in New.
	if e.cfg.DefaultSchema != "" {
		if _, err := conn.ExecContext(ctx, "ALTER SESSION SET CURRENT_SCHEMA = "+e.cfg.DefaultSchema); err != nil {
			return model.Table{}, fmt.Errorf("oracle: set current_schema: %w", err)
		}
	}

	rows, err := conn.QueryxContext(ctx, stmt, args...)
	if err != nil {
		return model.Table{}, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return model.Table{}, err
	}
	table := model.Table{Columns: cols, Rows: []map[string]any{}}
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return model.Table{}, err
		}
		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}
		table.Rows = append(table.Rows, row)
	}
	return table, rows.Err()
}

func (e *Executor) pool() *sqlx.DB {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.db
}

func (e *Executor) reconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.db != nil {
		_ = e.db.Close()
		e.db = nil
	}
	db, err := openPool(e.cfg)
	if err != nil {
		return err
	}
	e.db = db
	return nil
}

// classify maps driver failures onto the package sentinels while keeping
// the driver text, which the error-template repair keys on.
func (e *Executor) classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || isTimeoutText(err):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case isDisconnect(err):
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	default:
		return fmt.Errorf("oracle: query: %w", err)
	}
}

func isReadOnly(stmt string) bool {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return false
	}
	switch strings.ToUpper(fields[0]) {
	case "SELECT", "WITH":
		return true
	default:
		return false
	}
}

// disconnectMarks are the driver texts that mean the session pool died
// underneath us, not that the statement was wrong.
var disconnectMarks = []string{
	"DPY-4011", "DPY-6005", "ORA-03113", "ORA-03114", "database is closed",
}

func isDisconnect(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, mark := range disconnectMarks {
		if strings.Contains(s, mark) {
			return true
		}
	}
	return false
}

var timeoutMarks = []string{"DPY-4024", "ORA-03156", "ORA-01013"}

func isTimeoutText(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	for _, mark := range timeoutMarks {
		if strings.Contains(s, mark) {
			return true
		}
	}
	return false
}
