package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SQLGate persists balances and the debit ledger through database/sql.
// The caller opens the database (it is shared with the session store's
// backend selection).
type SQLGate struct {
	db      *sql.DB
	backend string
}

func NewSQLGate(db *sql.DB, backend string) (*SQLGate, error) {
	g := &SQLGate{db: db, backend: backend}
	if err := g.migrate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *SQLGate) migrate() error {
	idType := "TEXT"
	if g.backend == "mysql" {
		idType = "VARCHAR(64)"
	}

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS quota_balances (
			user_id %s PRIMARY KEY,
			balance BIGINT NOT NULL
		)`, idType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS quota_ledger (
			user_id %s NOT NULL,
			task_id %s NOT NULL,
			debited_at TIMESTAMP NOT NULL
		)`, idType, idType),
	}
	for _, stmt := range statements {
		if _, err := g.db.Exec(stmt); err != nil {
			return fmt.Errorf("create quota tables: %w", err)
		}
	}
	return nil
}

func (g *SQLGate) rebind(query string) string {
	if g.backend != "postgres" {
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

func (g *SQLGate) Check(ctx context.Context, userID string) error {
	balance, err := g.Balance(ctx, userID)
	if err != nil {
		return err
	}
	if balance <= 0 {
		return ErrQuotaExhausted
	}
	return nil
}

// Deduct debits one credit and appends the ledger entry in one
// transaction.
func (g *SQLGate) Deduct(ctx context.Context, userID, taskID string) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("deduct quota: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, g.rebind(
		`UPDATE quota_balances SET balance = balance - 1 WHERE user_id = ?`), userID); err != nil {
		return fmt.Errorf("deduct quota: %w", err)
	}
	if _, err := tx.ExecContext(ctx, g.rebind(
		`INSERT INTO quota_ledger (user_id, task_id, debited_at) VALUES (?, ?, ?)`),
		userID, taskID, time.Now().UTC()); err != nil {
		return fmt.Errorf("record quota ledger: %w", err)
	}
	return tx.Commit()
}

func (g *SQLGate) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := g.db.QueryRowContext(ctx, g.rebind(
		`SELECT balance FROM quota_balances WHERE user_id = ?`), userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read quota balance: %w", err)
	}
	return balance, nil
}

func (g *SQLGate) Grant(ctx context.Context, userID string, credits int64) error {
	res, err := g.db.ExecContext(ctx, g.rebind(
		`UPDATE quota_balances SET balance = balance + ? WHERE user_id = ?`), credits, userID)
	if err != nil {
		return fmt.Errorf("grant quota: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}
	_, err = g.db.ExecContext(ctx, g.rebind(
		`INSERT INTO quota_balances (user_id, balance) VALUES (?, ?)`), userID, credits)
	if err != nil {
		return fmt.Errorf("grant quota: %w", err)
	}
	return nil
}

func (g *SQLGate) Close() error { return nil }
