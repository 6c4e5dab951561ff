package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NCAR/tacc-backup/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Postgres is the PostgreSQL-backed Store, for sites that keep tacc_backups in
// the shared archive database.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewPostgres(ctx context.Context, connStr string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	schema, err := schemaFS.ReadFile("schema/postgres.sql")
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("read schema: %w", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("execute schema: %w", err)
	}

	return &Postgres{pool: pool, logger: logger}, nil
}

func (p *Postgres) Get(ctx context.Context, file string) (*model.TransferRecord, error) {
	row := p.pool.QueryRow(ctx,
		"SELECT "+recordColumns+" FROM tacc_backups WHERE file = $1", file)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", file, err)
	}
	return rec, nil
}

func (p *Postgres) Insert(ctx context.Context, rec *model.TransferRecord) error {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO tacc_backups (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (file) DO NOTHING`,
		rec.File, rec.TaskID, string(rec.Status), rec.RequestTime.UTC(), rec.CompletionTime,
		rec.SourceEndpoint, rec.DestinationEndpoint,
		rec.SourceEndpointDisplayName, rec.DestinationEndpointDisplayName)
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.File, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordExists
	}
	return nil
}

func (p *Postgres) UpdateStatus(ctx context.Context, file string, status model.Status, completion *time.Time) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE tacc_backups
		SET status = $1, completion_time = COALESCE(completion_time, $2::timestamptz)
		WHERE file = $3`,
		string(status), completionArg(completion), file)
	if err != nil {
		return fmt.Errorf("update record %s: %w", file, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (p *Postgres) List(ctx context.Context) ([]model.TransferRecord, error) {
	rows, err := p.pool.Query(ctx,
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

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
