package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ArchiveSchema is the SQL DDL for the latency_events table. Execute it via
// [Archive.Migrate] or apply it manually during deployment.
const ArchiveSchema = `
CREATE TABLE IF NOT EXISTS latency_events (
    id          BIGSERIAL PRIMARY KEY,
    schema      INT NOT NULL,
    call_id     TEXT NOT NULL,
    turn_id     TEXT NOT NULL,
    milestone   TEXT NOT NULL,
    ts_ms       BIGINT NOT NULL,
    received_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_latency_events_call ON latency_events(call_id, turn_id);
CREATE INDEX IF NOT EXISTS idx_latency_events_received ON latency_events(received_at);
`

// DB is the database interface used by [Archive]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Archive is a durable event sink backed by PostgreSQL. It satisfies [Sink]
// so the Recorder can fan out to it alongside the in-memory Aggregator.
// Inserts are best-effort: failures are logged and never surfaced to the
// pipeline.
type Archive struct {
	db  DB
	log *slog.Logger
}

// Compile-time interface check.
var _ Sink = (*Archive)(nil)

// NewArchive creates an Archive writing to the given database connection or
// pool. The caller is responsible for calling [Archive.Migrate] to ensure
// the schema exists before events flow.
func NewArchive(db DB, log *slog.Logger) *Archive {
	return &Archive{db: db, log: log}
}

// Migrate executes the [ArchiveSchema] DDL against the database.
func (a *Archive) Migrate(ctx context.Context) error {
	if _, err := a.db.Exec(ctx, ArchiveSchema); err != nil {
		return fmt.Errorf("telemetry: migrate archive: %w", err)
	}
	return nil
}

// Ingest implements Sink. The recorder's delivery goroutine is the only
// caller, so a short per-insert timeout keeps a slow database from backing
// up the queue indefinitely.
func (a *Archive) Ingest(e LatencyEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := a.db.Exec(ctx,
		`INSERT INTO latency_events (schema, call_id, turn_id, milestone, ts_ms)
		 VALUES ($1, $2, $3, $4, $5)`,
		e.Schema, e.CallID, e.TurnID, e.Milestone.String(), int64(e.TsMs))
	if err != nil {
		a.log.Warn("archive insert failed", "call_id", e.CallID, "error", err)
	}
}

// EventsForCall returns the archived events of one call ordered by
// timestamp, up to limit rows.
func (a *Archive) EventsForCall(ctx context.Context, callID string, limit int) ([]LatencyEvent, error) {
	if limit <= 0 {
		limit = maxRecentEvents
	}
	rows, err := a.db.Query(ctx,
		`SELECT schema, call_id, turn_id, milestone, ts_ms
		 FROM latency_events WHERE call_id = $1
		 ORDER BY ts_ms ASC LIMIT $2`, callID, limit)
	if err != nil {
		return nil, fmt.Errorf("telemetry: query archive: %w", err)
	}
	defer rows.Close()

	var out []LatencyEvent
	for rows.Next() {
		var (
			e    LatencyEvent
			name string
			ts   int64
		)
		if err := rows.Scan(&e.Schema, &e.CallID, &e.TurnID, &name, &ts); err != nil {
			return nil, fmt.Errorf("telemetry: scan archive row: %w", err)
		}
		m, err := ParseMilestone(name)
		if err != nil {
			return nil, err
		}
		e.Milestone = m
		e.TsMs = uint64(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
