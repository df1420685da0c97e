package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string
}

// Metric names sampled from the pipeline components.
const (
	MetricFramesPublished = "hub_frames_published"
	MetricReadErrors      = "hub_read_errors"
	MetricViewerDrops     = "hub_subscriber_drops"
	MetricFramesRecorded  = "record_frames_written"
	MetricChunksCompleted = "record_chunks_completed"
	MetricFramesAnalyzed  = "detect_frames_analyzed"
	MetricDetections      = "detect_detections"
	MetricSnapshots       = "detect_snapshots"
	MetricSweepsCompleted = "retention_sweeps"
	MetricFilesDeleted    = "retention_files_deleted"
	MetricGoroutines      = "goroutines_count"
	MetricMemoryAllocMB   = "memory_alloc_mb"
)

// Recorder buffers metrics and flushes them to SQLite in batches, so the
// sampling path never waits on the disk.
type Recorder struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	buffer        []*Metric
	mu            sync.Mutex
	stop          chan struct{}
	done          chan struct{}
}

// NewRecorder creates a Recorder that flushes in batches. Typical values:
// bufferSize 100, flushInterval 5s.
func NewRecorder(db *sql.DB, bufferSize int, flushInterval time.Duration) *Recorder {
	r := &Recorder{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go r.flushLoop()
	return r
}

// Record queues a metric for async persistence. Non-blocking.
func (r *Recorder) Record(m *Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffer = append(r.buffer, m)
	if len(r.buffer) >= r.bufferSize {
		r.flushLocked()
	}
}

// RecordValue queues a label-free metric stamped with the current time.
func (r *Recorder) RecordValue(name string, value float64, unit string) {
	r.Record(&Metric{Name: name, Timestamp: time.Now(), Value: value, Unit: unit})
}

// Query retrieves metrics filtered by name, time range and limit. An empty
// name matches all metrics; nil time pointers mean unbounded.
func (r *Recorder) Query(name string, start, end *time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM pipeline_metrics WHERE 1=1"
	args := make([]any, 0, 4)

	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	if start != nil {
		q += " AND timestamp >= ?"
		args = append(args, start.Unix())
	}
	if end != nil {
		q += " AND timestamp <= ?"
		args = append(args, end.Unix())
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var m Metric
		var ts int64
		var labelsJSON sql.NullString
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labelsJSON, &m.Unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		m.Timestamp = time.Unix(ts, 0)
		if labelsJSON.Valid {
			var labels map[string]string
			if json.Unmarshal([]byte(labelsJSON.String), &labels) == nil {
				m.Labels = labels
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Cleanup deletes metrics older than maxAge and returns the count removed.
func (r *Recorder) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	threshold := time.Now().Add(-maxAge).Unix()
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM pipeline_metrics WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup metrics: %w", err)
	}
	return result.RowsAffected()
}

// Close flushes remaining metrics and stops the background goroutine.
func (r *Recorder) Close() error {
	close(r.stop)
	<-r.done
	return nil
}

func (r *Recorder) flushLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			r.mu.Lock()
			r.flushLocked()
			r.mu.Unlock()
			return
		case <-ticker.C:
			r.mu.Lock()
			r.flushLocked()
			r.mu.Unlock()
		}
	}
}

func (r *Recorder) flushLocked() {
	if len(r.buffer) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("observability: begin tx", "error", err)
		return
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO pipeline_metrics (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		slog.Error("observability: prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, m := range r.buffer {
		var labelsJSON sql.NullString
		if len(m.Labels) > 0 {
			if b, err := json.Marshal(m.Labels); err == nil {
				labelsJSON = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.Unix(), m.Value, labelsJSON, m.Unit); err != nil {
			slog.Error("observability: insert metric", "error", err, "metric", m.Name)
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("observability: commit", "error", err)
	}
	r.buffer = r.buffer[:0]
}
