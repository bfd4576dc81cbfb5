package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	aggregation "meterflow/internal/aggregation/domain"
)

const defaultAggregateTable = "telemetry_aggregates"

// AggregateRepository persists flushed window aggregates.
// Writes are upserts keyed by (source_id, granularity, window_start) so a
// retried batch after a partial failure is safe: the same key carries the
// same or superseding values, never a duplicate row.
type AggregateRepository struct {
	db    *sql.DB
	table string
}

// RepositoryOption configures the repository.
type RepositoryOption func(*AggregateRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *AggregateRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewAggregateRepository creates a repository using the default table name.
func NewAggregateRepository(db *sql.DB, opts ...RepositoryOption) *AggregateRepository {
	repo := &AggregateRepository{db: db, table: defaultAggregateTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// WriteAggregates upserts a flush batch in one statement.
func (r *AggregateRepository) WriteAggregates(ctx context.Context, records []aggregation.AggregateRecord) error {
	if len(records) == 0 {
		return nil
	}

	const columns = 9
	placeholders := make([]string, 0, len(records))
	args := make([]any, 0, len(records)*columns)
	for i, record := range records {
		base := i * columns
		placeholders = append(placeholders, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			record.SourceID,
			string(record.Granularity),
			record.WindowStart.UTC(),
			record.Count,
			record.Sum,
			record.Avg,
			record.Min,
			record.Max,
			record.FlushedAt.UTC(),
		)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	source_id,
	granularity,
	window_start,
	reading_count,
	value_sum,
	value_avg,
	value_min,
	value_max,
	flushed_at
)
VALUES %s
ON CONFLICT (source_id, granularity, window_start)
DO UPDATE SET
	reading_count = EXCLUDED.reading_count,
	value_sum = EXCLUDED.value_sum,
	value_avg = EXCLUDED.value_avg,
	value_min = EXCLUDED.value_min,
	value_max = EXCLUDED.value_max,
	flushed_at = EXCLUDED.flushed_at`, r.table, strings.Join(placeholders, ",\n"))

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("write aggregates: %w", err)
	}
	return nil
}

// ListDay loads all aggregates of one granularity for a UTC day, ordered
// by source and window start. Used by report export.
func (r *AggregateRepository) ListDay(ctx context.Context, g aggregation.Granularity, day time.Time, sourceIDs []string) ([]aggregation.AggregateRecord, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	query := fmt.Sprintf(`
SELECT
	source_id,
	granularity,
	window_start,
	reading_count,
	value_sum,
	value_avg,
	value_min,
	value_max,
	flushed_at
FROM %s
WHERE granularity = $1
	AND window_start >= $2
	AND window_start < $3`, r.table)
	args := []any{string(g), dayStart, dayEnd}
	if len(sourceIDs) > 0 {
		query += fmt.Sprintf("\n\tAND source_id = ANY($%d)", len(args)+1)
		args = append(args, sourceIDs)
	}
	query += "\nORDER BY source_id, window_start"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list day aggregates: %w", err)
	}
	defer rows.Close()

	var records []aggregation.AggregateRecord
	for rows.Next() {
		var record aggregation.AggregateRecord
		var granularity string
		if err := rows.Scan(
			&record.SourceID,
			&granularity,
			&record.WindowStart,
			&record.Count,
			&record.Sum,
			&record.Avg,
			&record.Min,
			&record.Max,
			&record.FlushedAt,
		); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		record.Granularity = aggregation.Granularity(granularity)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// EnsureSchema creates the aggregate table when missing. Tools and tests
// call this; production deploys manage schema out of band.
func (r *AggregateRepository) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	source_id TEXT NOT NULL,
	granularity TEXT NOT NULL,
	window_start TIMESTAMPTZ NOT NULL,
	reading_count BIGINT NOT NULL,
	value_sum DOUBLE PRECISION NOT NULL,
	value_avg DOUBLE PRECISION NOT NULL,
	value_min DOUBLE PRECISION NOT NULL,
	value_max DOUBLE PRECISION NOT NULL,
	flushed_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source_id, granularity, window_start)
)`, r.table)
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("ensure aggregate schema: %w", err)
	}
	return nil
}
