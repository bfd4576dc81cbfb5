package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	aggregation "meterflow/internal/aggregation/domain"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func TestAggregateRepository_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("db open: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo := NewAggregateRepository(db, WithTable("telemetry_aggregates_test"))
	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	defer func() {
		_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS telemetry_aggregates_test")
	}()

	windowStart := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	record := aggregation.AggregateRecord{
		SourceID:    "m-1",
		Granularity: aggregation.GranularityMinute,
		WindowStart: windowStart,
		Count:       2,
		Sum:         12,
		Avg:         6,
		Min:         5,
		Max:         7,
		FlushedAt:   windowStart.Add(time.Minute),
	}

	if err := repo.WriteAggregates(ctx, []aggregation.AggregateRecord{record}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	// Retried write with the same key must upsert, not duplicate.
	if err := repo.WriteAggregates(ctx, []aggregation.AggregateRecord{record}); err != nil {
		t.Fatalf("retried write: %v", err)
	}

	records, err := repo.ListDay(ctx, aggregation.GranularityMinute, windowStart, []string{"m-1"})
	if err != nil {
		t.Fatalf("list day: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("rows = %d, want 1 after retried upsert", len(records))
	}
	got := records[0]
	if got.Count != 2 || got.Sum != 12 || got.Min != 5 || got.Max != 7 {
		t.Fatalf("record = count %d sum %v min %v max %v", got.Count, got.Sum, got.Min, got.Max)
	}
}
