package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	// Database drivers registered by side effect; the DSN's backend
	// selects one at runtime.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore persists sessions through database/sql. Supported backends:
// sqlite, postgres, mysql.
type SQLStore struct {
	db      *sql.DB
	backend string
}

var driverNames = map[string]string{
	"sqlite":   "sqlite3",
	"postgres": "postgres",
	"mysql":    "mysql",
}

// NewSQLStore opens the database and ensures the schema exists.
func NewSQLStore(backend, dsn string) (*SQLStore, error) {
	driver, ok := driverNames[backend]
	if !ok {
		return nil, fmt.Errorf("unsupported session backend: %s", backend)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s session store: %w", backend, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s session store: %w", backend, err)
	}

	s := &SQLStore{db: db, backend: backend}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	idType := "TEXT"
	if s.backend == "mysql" {
		// MySQL cannot index an unbounded TEXT primary key.
		idType = "VARCHAR(64)"
	}
	stateType := "TEXT"
	if s.backend == "mysql" {
		stateType = "LONGTEXT"
	}

	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sessions (
		task_id %s PRIMARY KEY,
		user_id %s NOT NULL,
		domain_id %s NOT NULL,
		status %s NOT NULL,
		is_complete BOOLEAN NOT NULL,
		error TEXT NOT NULL,
		graph_state %s,
		last_access TIMESTAMP NOT NULL,
		revision BIGINT NOT NULL
	)`, idType, idType, idType, idType, stateType)

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	return nil
}

// rebind converts ?-placeholders to the backend's syntax.
func (s *SQLStore) rebind(query string) string {
	if s.backend != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Save performs the conditional write: update wins only over a lower
// revision; a fresh task inserts. Losing either way is ErrStaleRevision.
func (s *SQLStore) Save(ctx context.Context, rec *Record) error {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE sessions
		 SET user_id = ?, domain_id = ?, status = ?, is_complete = ?, error = ?,
		     graph_state = ?, last_access = ?, revision = ?
		 WHERE task_id = ? AND revision < ?`),
		rec.UserID, rec.DomainID, rec.Status, rec.IsComplete, rec.Error,
		string(rec.GraphState), now, rec.Revision,
		rec.TaskID, rec.Revision)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	// Either the task is new or our revision lost; the insert decides.
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO sessions
		 (task_id, user_id, domain_id, status, is_complete, error, graph_state, last_access, revision)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.TaskID, rec.UserID, rec.DomainID, rec.Status, rec.IsComplete, rec.Error,
		string(rec.GraphState), now, rec.Revision)
	if err != nil {
		// The insert only conflicts when a concurrent writer holds an
		// equal or newer revision.
		return fmt.Errorf("%w: %v", ErrStaleRevision, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, taskID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT task_id, user_id, domain_id, status, is_complete, error, graph_state, last_access, revision
		 FROM sessions WHERE task_id = ?`), taskID)
	return scanRecord(row)
}

func (s *SQLStore) UpdateStatus(ctx context.Context, taskID, status, errMsg string) error {
	// One runner goroutine writes per task, so read-then-update does not
	// race within a process.
	var current string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT status FROM sessions WHERE task_id = ?`), taskID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read session status: %w", err)
	}
	if !ValidTransition(current, status) {
		return fmt.Errorf("invalid status transition %s to %s", current, status)
	}

	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE sessions SET status = ?, error = ?, is_complete = ?, last_access = ?
		 WHERE task_id = ?`),
		status, errMsg, Terminal(status), time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) ListActive(ctx context.Context) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT task_id, user_id, domain_id, status, is_complete, error, graph_state, last_access, revision
		 FROM sessions WHERE status NOT IN (?, ?)`),
		StatusCompleted, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM sessions WHERE task_id = ?`), taskID)
	return err
}

func (s *SQLStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle so other SQL-backed components can
// share the connection pool.
func (s *SQLStore) DB() *sql.DB { return s.db }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var state sql.NullString
	err := row.Scan(&rec.TaskID, &rec.UserID, &rec.DomainID, &rec.Status,
		&rec.IsComplete, &rec.Error, &state, &rec.LastAccess, &rec.Revision)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if state.Valid {
		rec.GraphState = []byte(state.String)
	}
	return &rec, nil
}
