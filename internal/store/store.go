// Package store holds the Postgres plumbing the FestiBox services share:
// connection setup, keyset cursors and the first-page list cache.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"festibox/shop/internal/config"
)

// ErrNotConfigured is returned by Connect when neither a URL nor a host is set.
var ErrNotConfigured = errors.New("missing DATABASE_URL or DB_HOST")

// DSN renders the connection string for cfg.
func DSN(cfg config.DatabaseSection) (string, error) {
	if dsn := strings.TrimSpace(cfg.URL); dsn != "" {
		return dsn, nil
	}
	if strings.TrimSpace(cfg.Host) == "" {
		return "", ErrNotConfigured
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Name, cfg.SSLMode), nil
}

// Connect opens a pgx-backed pool and pings it.
func Connect(ctx context.Context, cfg config.DatabaseSection) (*sql.DB, error) {
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdle)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// ApplySchema runs each statement in order. Statements must be idempotent.
func ApplySchema(ctx context.Context, db *sql.DB, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// ExplainJSON runs EXPLAIN (FORMAT JSON) for query and returns the parsed plan,
// or the raw text when it is not valid JSON.
func ExplainJSON(ctx context.Context, db *sql.DB, query string, args ...any) (any, error) {
	var planRaw []byte
	if err := db.QueryRowContext(ctx, "EXPLAIN (ANALYZE FALSE, FORMAT JSON) "+query, args...).Scan(&planRaw); err != nil {
		return nil, err
	}
	return decodePlan(planRaw), nil
}

// NilIfEmpty maps "" to SQL NULL.
func NilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Where accumulates numbered Postgres predicates.
type Where struct {
	clauses []string
	args    []any
}

// Add appends a predicate; each "?" in expr is replaced by the next $n.
func (w *Where) Add(expr string, args ...any) {
	for _, a := range args {
		w.args = append(w.args, a)
		expr = strings.Replace(expr, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.clauses = append(w.clauses, expr)
}

// Arg appends a bare argument and returns its placeholder.
func (w *Where) Arg(v any) string {
	w.args = append(w.args, v)
	return fmt.Sprintf("$%d", len(w.args))
}

func (w *Where) SQL() string {
	if len(w.clauses) == 0 {
		return "TRUE"
	}
	return strings.Join(w.clauses, " AND ")
}

func (w *Where) Args() []any { return w.args }
