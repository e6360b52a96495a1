// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite journal store for single-node use.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tombee/tickflow/internal/journal"
	tferrors "github.com/tombee/tickflow/pkg/errors"
	"github.com/tombee/tickflow/pkg/workflow"
)

var _ journal.Store = (*Store)(nil)

// timeFormat is fixed width so created_at sorts lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store is a SQLite-backed journal.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens (creating if needed) the journal database.
func New(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, &tferrors.ConfigError{Key: "journal.path", Reason: "sqlite journal needs a path"}
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS outcomes (
			instance_id TEXT PRIMARY KEY,
			module TEXT NOT NULL,
			workflow TEXT NOT NULL,
			status TEXT NOT NULL,
			stages INTEGER NOT NULL,
			stage INTEGER NOT NULL,
			requested_tick INTEGER NOT NULL,
			finished_tick INTEGER NOT NULL,
			error TEXT,
			error_type TEXT,
			output TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_key ON outcomes(module, workflow)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_status ON outcomes(status)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_created_at ON outcomes(created_at)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Append implements journal.Store.
func (s *Store) Append(ctx context.Context, rec *journal.Record) error {
	if rec == nil || rec.InstanceID == "" {
		return &tferrors.ValidationError{Field: "instance_id", Message: "record needs an instance ID"}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (instance_id, module, workflow, status, stages, stage,
			requested_tick, finished_tick, error, error_type, output, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.InstanceID, rec.Module, rec.Workflow, string(rec.Status), rec.Stages, rec.Stage,
		int64(rec.RequestedTick), int64(rec.FinishedTick),
		nullString(rec.Error), nullString(rec.ErrorType), nullString(string(rec.Output)),
		rec.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("failed to append record %s: %w", rec.InstanceID, err)
	}
	return nil
}

const selectColumns = `SELECT instance_id, module, workflow, status, stages, stage,
	requested_tick, finished_tick, error, error_type, output, created_at FROM outcomes`

// Get implements journal.Store.
func (s *Store) Get(ctx context.Context, instanceID string) (*journal.Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE instance_id = ?`, instanceID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &tferrors.NotFoundError{Resource: "record", ID: instanceID}
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List implements journal.Store.
func (s *Store) List(ctx context.Context, q journal.Query) ([]*journal.Record, error) {
	var where []string
	var args []any
	if q.Module != "" {
		where = append(where, "module = ?")
		args = append(args, q.Module)
	}
	if q.Workflow != "" {
		where = append(where, "workflow = ?")
		args = append(args, q.Workflow)
	}
	if q.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(q.Status))
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UTC().Format(timeFormat))
	}

	query := selectColumns
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if q.Limit > 0 || q.Offset > 0 {
		limit := q.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var out []*journal.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close implements journal.Store.
func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*journal.Record, error) {
	var rec journal.Record
	var status, createdAt string
	var requested, finished int64
	var errStr, errType, output sql.NullString

	err := row.Scan(&rec.InstanceID, &rec.Module, &rec.Workflow, &status, &rec.Stages, &rec.Stage,
		&requested, &finished, &errStr, &errType, &output, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}

	rec.Status = workflow.Status(status)
	rec.RequestedTick = uint64(requested)
	rec.FinishedTick = uint64(finished)
	rec.Error = errStr.String
	rec.ErrorType = errType.String
	if output.Valid && output.String != "" {
		rec.Output = []byte(output.String)
	}
	if rec.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at %q: %w", createdAt, err)
	}
	return &rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
