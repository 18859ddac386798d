package backend

import (
	"context"
	"fmt"

	"expenseview/internal/amqp"
	"expenseview/internal/log"
	"expenseview/internal/sheets"
	gsheet "expenseview/internal/sheets/google"
	"expenseview/internal/sheets/memory"
	"expenseview/internal/storage"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
}

// NewFactory creates a new backend factory
func NewFactory(logger *log.Logger) Factory {
	if logger == nil {
		logger = log.Default()
	}
	return &DefaultFactory{
		logger: logger.WithComponent(log.ComponentStorage),
	}
}

// CreateSnapshotStore implements Factory.CreateSnapshotStore
func (f *DefaultFactory) CreateSnapshotStore(ctx context.Context, config Config) (*StoreResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.SnapshotBackend {
	case SQLiteBackend:
		repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath, f.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
		}
		f.logger.InfoContext(ctx, "Initialized SQLite snapshot store", "db_path", config.SQLiteDBPath)
		return &StoreResult{Store: repo, Cleanup: repo.Close}, nil
	case MemoryBackend:
		f.logger.InfoContext(ctx, "Initialized memory snapshot store")
		store := storage.NewMemoryStore()
		return &StoreResult{Store: store, Cleanup: store.Close}, nil
	default:
		return nil, fmt.Errorf("unsupported snapshot backend: %s", config.SnapshotBackend)
	}
}

// CreateRollupWriter implements Factory.CreateRollupWriter
func (f *DefaultFactory) CreateRollupWriter(ctx context.Context, config Config) (sheets.RollupWriter, error) {
	if config.GoogleSpreadsheetID == "" {
		f.logger.InfoContext(ctx, "No spreadsheet configured, keeping rollups in memory")
		return memory.New(), nil
	}

	cli, err := gsheet.New(ctx, gsheet.Options{
		SpreadsheetID:   config.GoogleSpreadsheetID,
		SheetName:       config.GoogleSheetName,
		CredentialsJSON: config.GoogleServiceAccountJSON,
		CredentialsFile: config.GoogleServiceAccountFile,
	}, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Google Sheets client: %w", err)
	}
	f.logger.InfoContext(ctx, "Initialized Google Sheets rollup writer", "sheet", config.GoogleSheetName)
	return cli, nil
}

// CreateEventClient implements Factory.CreateEventClient
func (f *DefaultFactory) CreateEventClient(config Config) (*amqp.Client, error) {
	if config.AMQPURL == "" {
		return nil, nil
	}
	client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue, f.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize AMQP client: %w", err)
	}
	f.logger.Info("Initialized AMQP client",
		"exchange", config.AMQPExchange,
		"queue", config.AMQPQueue)
	return client, nil
}
