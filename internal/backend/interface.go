package backend

import (
	"context"

	"expenseview/internal/amqp"
	"expenseview/internal/sheets"
	"expenseview/internal/storage"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// StoreResult contains the snapshot store and its cleanup function
type StoreResult struct {
	Store   storage.SnapshotStore
	Cleanup CleanupFunc
}

// Factory creates the outbound adapters selected by configuration.
type Factory interface {
	// CreateSnapshotStore opens the store that keeps the last good list.
	CreateSnapshotStore(ctx context.Context, config Config) (*StoreResult, error)
	// CreateRollupWriter returns the Sheets writer, or the in-memory one
	// when no spreadsheet is configured.
	CreateRollupWriter(ctx context.Context, config Config) (sheets.RollupWriter, error)
	// CreateEventClient connects to the broker. It returns nil, nil when
	// no AMQP URL is configured.
	CreateEventClient(config Config) (*amqp.Client, error)
}

// Config holds configuration for adapter creation
type Config struct {
	// Snapshot store
	SnapshotBackend SnapshotBackend
	SQLiteDBPath    string

	// Change events
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Rollup export
	GoogleSpreadsheetID      string
	GoogleSheetName          string
	GoogleServiceAccountJSON string
	GoogleServiceAccountFile string
}

// SnapshotBackend represents the type of snapshot store
type SnapshotBackend string

const (
	SQLiteBackend SnapshotBackend = "sqlite"
	MemoryBackend SnapshotBackend = "memory"
)

// String implements fmt.Stringer
func (b SnapshotBackend) String() string {
	return string(b)
}

// IsValid returns true if the backend type is valid
func (b SnapshotBackend) IsValid() bool {
	switch b {
	case SQLiteBackend, MemoryBackend:
		return true
	default:
		return false
	}
}
