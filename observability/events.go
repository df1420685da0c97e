package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event types recorded by the pipeline.
const (
	EventSnapshot    = "snapshot"
	EventChunkOpened = "chunk_opened"
	EventFileDeleted = "file_deleted"
)

// CaptureEvent is one row in the capture event log: a snapshot written, a
// video chunk opened, a file removed by retention.
type CaptureEvent struct {
	EventType string
	Path      string
	FrameSeq  uint64
	Detail    string
}

// EventLog records capture events. Writes are best-effort: a failing store
// is logged, never propagated, so observability can never stall a capture.
type EventLog struct {
	db     *sql.DB
	logger *slog.Logger
	newID  func() string
}

// NewEventLog creates a log backed by the observability database.
func NewEventLog(db *sql.DB, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{
		db:     db,
		logger: logger,
		newID:  func() string { return "evt_" + uuid.NewString() },
	}
}

// Record writes one capture event.
func (l *EventLog) Record(ctx context.Context, ev CaptureEvent) {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO capture_events (event_id, event_type, path, frame_seq, detail, created_at)
		VALUES (?,?,?,?,?,?)`,
		l.newID(), ev.EventType, ev.Path, int64(ev.FrameSeq), ev.Detail, time.Now().Unix())
	if err != nil {
		l.logger.Warn("observability: event write failed", "type", ev.EventType, "error", err)
	}
}

// Recent returns the newest events of the given type, or of all types when
// eventType is empty.
func (l *EventLog) Recent(ctx context.Context, eventType string, limit int) ([]CaptureEvent, error) {
	q := "SELECT event_type, path, frame_seq, detail FROM capture_events"
	args := []any{}
	if eventType != "" {
		q += " WHERE event_type = ?"
		args = append(args, eventType)
	}
	q += " ORDER BY created_at DESC, event_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query events: %w", err)
	}
	defer rows.Close()

	var out []CaptureEvent
	for rows.Next() {
		var ev CaptureEvent
		var seq int64
		if err := rows.Scan(&ev.EventType, &ev.Path, &seq, &ev.Detail); err != nil {
			return nil, fmt.Errorf("observability: scan event: %w", err)
		}
		ev.FrameSeq = uint64(seq)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than maxAge.
func (l *EventLog) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	threshold := time.Now().Add(-maxAge).Unix()
	result, err := l.db.ExecContext(ctx, "DELETE FROM capture_events WHERE created_at < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup events: %w", err)
	}
	return result.RowsAffected()
}
