package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
)

// DefaultArchiveRetention is how long archived executions are kept.
const DefaultArchiveRetention = 30 * 24 * time.Hour

// PostgresArchive stores a durable copy of execution records in PostgreSQL.
type PostgresArchive struct {
	db        *sql.DB
	retention time.Duration
	now       func() time.Time
}

// NewPostgresArchive creates an archive over an open database handle.
func NewPostgresArchive(db *sql.DB, retention time.Duration) *PostgresArchive {
	if retention <= 0 {
		retention = DefaultArchiveRetention
	}
	return &PostgresArchive{db: db, retention: retention, now: time.Now}
}

// OpenPostgresArchive connects through the pgx driver and ensures the schema exists.
func OpenPostgresArchive(ctx context.Context, url string, retention time.Duration) (*PostgresArchive, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping archive database: %w", err)
	}

	a := NewPostgresArchive(db, retention)
	if err := a.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

// EnsureSchema creates the archive table and index if missing.
func (a *PostgresArchive) EnsureSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS job_executions (
			id          BIGSERIAL PRIMARY KEY,
			job_name    TEXT        NOT NULL,
			instance_id TEXT        NOT NULL,
			started_at  TIMESTAMPTZ NOT NULL,
			duration_ms BIGINT      NOT NULL,
			outcome     TEXT        NOT NULL,
			detail      TEXT        NOT NULL DEFAULT '',
			archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("create archive table: %w", err)
	}

	_, err = a.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS job_executions_job_started_idx ON job_executions (job_name, started_at DESC)`)
	if err != nil {
		return fmt.Errorf("create archive index: %w", err)
	}
	return nil
}

// Archive implements Archiver.
func (a *PostgresArchive) Archive(ctx context.Context, record Record) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO job_executions (job_name, instance_id, started_at, duration_ms, outcome, detail)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		record.JobName,
		record.InstanceID,
		record.StartedAt,
		record.DurationMillis,
		string(record.Outcome),
		record.Detail,
	)
	if err != nil {
		return fmt.Errorf("archive execution of %q: %w", record.JobName, err)
	}
	return nil
}

// Count returns how many archived executions exist for jobName.
func (a *PostgresArchive) Count(ctx context.Context, jobName string) (int64, error) {
	var count int64
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_executions WHERE job_name = $1`, jobName).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count archived executions of %q: %w", jobName, err)
	}
	return count, nil
}

// Cleanup removes archived executions older than the retention window.
func (a *PostgresArchive) Cleanup(ctx context.Context) (int64, error) {
	cutoff := a.now().Add(-a.retention)
	result, err := a.db.ExecContext(ctx, `DELETE FROM job_executions WHERE started_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup archived executions: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database handle.
func (a *PostgresArchive) Close() error {
	return a.db.Close()
}
