package storage

import (
	"context"
	"errors"
	"time"

	"expenseview/internal/core"
)

// ErrNoSnapshot is returned by LoadSnapshot before anything was saved.
var ErrNoSnapshot = errors.New("no snapshot stored")

// Snapshot is the last successfully fetched expense list.
type Snapshot struct {
	Version  uint64
	TakenAt  time.Time
	Expenses []core.Expense
}

// SnapshotStore persists the canonical list so a failed fetch can fall back
// to the last known data.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context) (Snapshot, error)
	Close() error
}
