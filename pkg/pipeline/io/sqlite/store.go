// Package sqlitestore records normalization runs and their bucketed output in a SQLite file.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shpitdev/labour-choropleth/pkg/normalize"
)

// Run is one recorded pipeline execution.
type Run struct {
	ID         string
	Source     string
	StartedAt  time.Time
	FinishedAt time.Time

	InputRows int
	Filtered  int
	Deduped   int
	Bucketed  int

	SkippedInvalidEstimate int
	SkippedUnknownIncome   int
}

// NewRun fills the row counts of a Run from a pipeline result.
func NewRun(id, source string, inputRows int, res normalize.Result, started, finished time.Time) Run {
	counts := res.SkipCounts()
	return Run{
		ID:                     id,
		Source:                 source,
		StartedAt:              started,
		FinishedAt:             finished,
		InputRows:              inputRows,
		Filtered:               len(res.Filtered),
		Deduped:                len(res.Deduped),
		Bucketed:               len(res.Bucketed),
		SkippedInvalidEstimate: counts[normalize.SkipInvalidEstimate],
		SkippedUnknownIncome:   counts[normalize.SkipUnknownIncome],
	}
}

type Store struct {
	db *sql.DB
}

// Open opens (or creates) the history database at path and applies migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			input_rows INTEGER NOT NULL,
			filtered_rows INTEGER NOT NULL,
			deduped_rows INTEGER NOT NULL,
			bucketed_rows INTEGER NOT NULL,
			skipped_invalid_estimate INTEGER NOT NULL DEFAULT 0,
			skipped_unknown_income INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS bucketed_rows (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			country TEXT NOT NULL,
			income_tertile INTEGER NOT NULL CHECK (income_tertile BETWEEN 0 AND 2),
			labour_tertile INTEGER NOT NULL CHECK (labour_tertile BETWEEN 0 AND 2),
			PRIMARY KEY (run_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS skipped_rows (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			country TEXT NOT NULL,
			income_label TEXT NOT NULL,
			labour_rate REAL,
			reason TEXT NOT NULL,
			PRIMARY KEY (run_id, position)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// RecordRun stores a run with its bucketed and skipped rows in one transaction.
func (s *Store) RecordRun(ctx context.Context, run Run, rows []normalize.BucketedRecord, skipped []normalize.Skipped) (err error) {
	if run.ID == "" {
		return errors.New("run id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `INSERT INTO runs (
			id, source, started_at, finished_at, input_rows, filtered_rows, deduped_rows, bucketed_rows,
			skipped_invalid_estimate, skipped_unknown_income
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Source, formatTime(run.StartedAt), formatTime(run.FinishedAt),
		run.InputRows, run.Filtered, run.Deduped, run.Bucketed,
		run.SkippedInvalidEstimate, run.SkippedUnknownIncome,
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	rowStmt, err := tx.PrepareContext(ctx, `INSERT INTO bucketed_rows (run_id, position, country, income_tertile, labour_tertile) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer rowStmt.Close()
	for i, r := range rows {
		if _, err = rowStmt.ExecContext(ctx, run.ID, i, r.DisplayCountry, int(r.IncomeTertile), int(r.LabourTertile)); err != nil {
			return fmt.Errorf("insert bucketed row %d: %w", i, err)
		}
	}

	skipStmt, err := tx.PrepareContext(ctx, `INSERT INTO skipped_rows (run_id, position, country, income_label, labour_rate, reason) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer skipStmt.Close()
	for i, sk := range skipped {
		rate := sql.NullFloat64{Float64: sk.Record.LabourRate, Valid: !math.IsNaN(sk.Record.LabourRate) && !math.IsInf(sk.Record.LabourRate, 0)}
		if _, err = skipStmt.ExecContext(ctx, run.ID, i, sk.Record.DisplayCountry, sk.Record.IncomeLabel, rate, string(sk.Reason)); err != nil {
			return fmt.Errorf("insert skipped row %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// DeleteRun removes a run and its rows. Deleting an unknown run is not an error.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID); err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	return nil
}

// Runs lists recorded runs, newest first. limit <= 0 returns all.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	q := `SELECT id, source, started_at, finished_at, input_rows, filtered_rows, deduped_rows, bucketed_rows,
		skipped_invalid_estimate, skipped_unknown_income FROM runs ORDER BY started_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started, finished string
		if err := rows.Scan(&r.ID, &r.Source, &started, &finished, &r.InputRows, &r.Filtered, &r.Deduped, &r.Bucketed,
			&r.SkippedInvalidEstimate, &r.SkippedUnknownIncome); err != nil {
			return nil, err
		}
		if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("run %s started_at: %w", r.ID, err)
		}
		if r.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
			return nil, fmt.Errorf("run %s finished_at: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Bucketed returns a run's bucketed rows in their original order.
func (s *Store) Bucketed(ctx context.Context, runID string) ([]normalize.BucketedRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT country, income_tertile, labour_tertile FROM bucketed_rows WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []normalize.BucketedRecord
	for rows.Next() {
		var r normalize.BucketedRecord
		var income, labour int
		if err := rows.Scan(&r.DisplayCountry, &income, &labour); err != nil {
			return nil, err
		}
		r.IncomeTertile, r.LabourTertile = normalize.Tertile(income), normalize.Tertile(labour)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Skipped returns a run's excluded rows. Rates that were not finite come back as NaN.
func (s *Store) Skipped(ctx context.Context, runID string) ([]normalize.Skipped, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT country, income_label, labour_rate, reason FROM skipped_rows WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []normalize.Skipped
	for rows.Next() {
		var sk normalize.Skipped
		var rate sql.NullFloat64
		var reason string
		if err := rows.Scan(&sk.Record.DisplayCountry, &sk.Record.IncomeLabel, &rate, &reason); err != nil {
			return nil, err
		}
		sk.Record.LabourRate = math.NaN()
		if rate.Valid {
			sk.Record.LabourRate = rate.Float64
		}
		sk.Reason = normalize.SkipReason(reason)
		out = append(out, sk)
	}
	return out, rows.Err()
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
