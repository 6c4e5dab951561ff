package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NCAR/tacc-backup/internal/model"
	"go.uber.org/zap"
)

var (
	// ErrRecordNotFound is returned by Get when no record exists for a file.
	ErrRecordNotFound = errors.New("record not found")
	// ErrRecordExists is returned by Insert when the file already has a record.
	ErrRecordExists = errors.New("record already exists")
)

// Store is the typed view of the tacc_backups table.
type Store interface {
	Get(ctx context.Context, file string) (*model.TransferRecord, error)
	// Insert fails with ErrRecordExists when a record for rec.File is present.
	Insert(ctx context.Context, rec *model.TransferRecord) error
	// UpdateStatus sets the status. A non-nil completion is written only if the
	// record has none yet.
	UpdateStatus(ctx context.Context, file string, status model.Status, completion *time.Time) error
	List(ctx context.Context) ([]model.TransferRecord, error)
	Close() error
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open returns the store selected by driver.
func Open(ctx context.Context, driver, dsn string, logger *zap.Logger) (Store, error) {
	switch driver {
	case "", DriverSQLite:
		return New(dsn, logger)
	case DriverPostgres:
		return NewPostgres(ctx, dsn, logger)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

const recordColumns = `file, task_id, status, request_time, completion_time,
	source_endpoint, destination_endpoint,
	source_endpoint_display_name, destination_endpoint_display_name`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.TransferRecord, error) {
	var (
		rec    model.TransferRecord
		status string
	)
	err := row.Scan(
		&rec.File, &rec.TaskID, &status, &rec.RequestTime, &rec.CompletionTime,
		&rec.SourceEndpoint, &rec.DestinationEndpoint,
		&rec.SourceEndpointDisplayName, &rec.DestinationEndpointDisplayName,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = model.Status(status)
	return &rec, nil
}

func completionArg(completion *time.Time) any {
	if completion == nil {
		return nil
	}
	return completion.UTC()
}
