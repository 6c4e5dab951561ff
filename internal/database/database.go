package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/NCAR/tacc-backup/internal/model"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Database is the SQLite-backed Store.
type Database struct {
	db     *sql.DB
	logger *zap.Logger
}

func New(dbPath string, logger *zap.Logger) (*Database, error) {
	if dbPath == "" {
		return nil, errors.New("database path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	schema, err := schemaFS.ReadFile("schema/sqlite.sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read schema: %w", err)
	}

	if _, err := db.Exec(string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("execute schema: %w", err)
	}

	return &Database{
		db:     db,
		logger: logger,
	}, nil
}

func (d *Database) Get(ctx context.Context, file string) (*model.TransferRecord, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM tacc_backups WHERE file = ?", file)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", file, err)
	}
	return rec, nil
}

func (d *Database) Insert(ctx context.Context, rec *model.TransferRecord) error {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO tacc_backups (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (file) DO NOTHING`,
		rec.File, rec.TaskID, string(rec.Status), rec.RequestTime.UTC(), rec.CompletionTime,
		rec.SourceEndpoint, rec.DestinationEndpoint,
		rec.SourceEndpointDisplayName, rec.DestinationEndpointDisplayName)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.File, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.File, err)
	}
	if n == 0 {
		return ErrRecordExists
	}
	return nil
}

func (d *Database) UpdateStatus(ctx context.Context, file string, status model.Status, completion *time.Time) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE tacc_backups
		SET status = ?, completion_time = COALESCE(completion_time, ?)
		WHERE file = ?`,
		string(status), completionArg(completion), file)
	if err != nil {
		return fmt.Errorf("update record %s: %w", file, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record %s: %w", file, err)
	}
	if n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (d *Database) List(ctx context.Context) ([]model.TransferRecord, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM tacc_backups ORDER BY request_time, file")
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var records []model.TransferRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func (d *Database) Close() error {
	return d.db.Close()
}
