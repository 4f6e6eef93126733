// Package postgres implements the repositories on PostgreSQL through database/sql and the
// pgx driver. Guards that must hold under concurrent ticks and requests are single
// conditional statements; the reported bool says whether a row changed.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"classroll/internal/geofence"
)

//go:embed schema.sql
var schema string

// Store is the Postgres-backed repository.
type Store struct {
	db    *sql.DB
	fence geofence.Config
}

// New wraps db. fence is returned by GeoFence until an admin saves one.
func New(db *sql.DB, fence geofence.Config) *Store {
	return &Store{db: db, fence: fence}
}

// Migrate applies the schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// execChanged runs a conditional statement and reports whether it touched a row.
func (s *Store) execChanged(ctx context.Context, query string, args ...any) (bool, error) {
	n, err := s.execCount(ctx, query, args...)
	return n > 0, err
}

func (s *Store) execCount(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// jsonArg encodes v for a JSONB parameter; nil pointers become SQL NULL.
func jsonArg[T any](v *T) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// jsonValue decodes a nullable JSONB column into a fresh *T.
func jsonValue[T any](b []byte) (*T, error) {
	if len(b) == 0 {
		return nil, nil
	}
	v := new(T)
	if err := json.Unmarshal(b, v); err != nil {
		return nil, err
	}
	return v, nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func notFound(err error, sentinel error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return sentinel
	}
	return err
}
