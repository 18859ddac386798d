package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"expenseview/internal/core"
	"expenseview/internal/log"

	_ "modernc.org/sqlite"
)

// SQLiteRepository stores the latest snapshot in a SQLite file.
type SQLiteRepository struct {
	db     *sql.DB
	logger *log.Logger
}

func NewSQLiteRepository(dbPath string, logger *log.Logger) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// Single writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if logger == nil {
		logger = log.Default()
	}
	if err := RunMigrations(dbPath, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{
		db:     db,
		logger: logger.WithComponent(log.ComponentStorage),
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// SaveSnapshot replaces the stored snapshot atomically.
func (r *SQLiteRepository) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_expenses`); err != nil {
		return fmt.Errorf("clear snapshot expenses: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO snapshot_expenses
		(position, expense_id, amount_cents, category, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for i, e := range snap.Expenses {
		if _, err := stmt.ExecContext(ctx, i, e.ID, e.Amount.Cents, e.Category, e.Description,
			e.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert snapshot expense %s: %w", e.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO snapshot_meta (id, list_version, taken_at, expense_count)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			list_version = excluded.list_version,
			taken_at = excluded.taken_at,
			expense_count = excluded.expense_count`,
		int64(snap.Version), snap.TakenAt.UTC().Format(time.RFC3339Nano), len(snap.Expenses)); err != nil {
		return fmt.Errorf("upsert snapshot meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}

	r.logger.DebugContext(ctx, "Snapshot saved",
		log.FieldListVersion, snap.Version,
		log.FieldExpenseCount, len(snap.Expenses))
	return nil
}

// LoadSnapshot returns the stored snapshot or ErrNoSnapshot.
func (r *SQLiteRepository) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	var (
		version int64
		takenAt string
		count   int
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT list_version, taken_at, expense_count FROM snapshot_meta WHERE id = 1`).
		Scan(&version, &takenAt, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, ErrNoSnapshot
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot meta: %w", err)
	}

	snap := Snapshot{Version: uint64(version)}
	if snap.TakenAt, err = time.Parse(time.RFC3339Nano, takenAt); err != nil {
		return Snapshot{}, fmt.Errorf("parse snapshot time: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT expense_id, amount_cents, category, description, created_at
		FROM snapshot_expenses ORDER BY position`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query snapshot expenses: %w", err)
	}
	defer rows.Close()

	snap.Expenses = make([]core.Expense, 0, count)
	for rows.Next() {
		var (
			e       core.Expense
			created string
		)
		if err := rows.Scan(&e.ID, &e.Amount.Cents, &e.Category, &e.Description, &created); err != nil {
			return Snapshot{}, fmt.Errorf("scan snapshot expense: %w", err)
		}
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return Snapshot{}, fmt.Errorf("parse timestamp of %s: %w", e.ID, err)
		}
		snap.Expenses = append(snap.Expenses, e)
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate snapshot expenses: %w", err)
	}
	return snap, nil
}
