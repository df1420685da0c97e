package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/veilcam/hub"
	"github.com/hazyhaar/veilcam/observability"
	"github.com/hazyhaar/veilcam/record"
	"github.com/hazyhaar/veilcam/retention"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if c.Camera.Width != 640 || c.Camera.Height != 480 || c.Camera.FPS != 10 {
		t.Fatalf("camera defaults: %+v", c.Camera)
	}
	if c.Record.ChunkDuration != 30*time.Minute {
		t.Fatalf("chunk duration: %v", c.Record.ChunkDuration)
	}
	if c.Detect.AreaThreshold != 20000 || c.Detect.Cooldown != 5*time.Second {
		t.Fatalf("detect defaults: %+v", c.Detect)
	}
	if c.Retention.MaxArchiveAge != 12*time.Hour || c.Retention.MaxSnapshotCount != 2000 {
		t.Fatalf("retention defaults: %+v", c.Retention)
	}
	if c.HTTP.Addr != ":5000" || c.HTTP.PerPage != 20 {
		t.Fatalf("http defaults: %+v", c.HTTP)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "veilcam.yaml")
	// Durations are integer nanoseconds in the file.
	content := `
camera:
  index: 2
  width: 1280
record:
  dir: /srv/recordings
  chunk_duration: 600000000000
http:
  addr: ":8080"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadConfigFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if c.Camera.Index != 2 || c.Camera.Width != 1280 {
		t.Fatalf("camera overrides: %+v", c.Camera)
	}
	if c.Camera.Height != 480 {
		t.Fatalf("unset field not defaulted: %+v", c.Camera)
	}
	if c.Record.Dir != "/srv/recordings" || c.Record.ChunkDuration != 10*time.Minute {
		t.Fatalf("record overrides: %+v", c.Record)
	}
	if c.HTTP.Addr != ":8080" || c.HTTP.PerPage != 20 {
		t.Fatalf("http config: %+v", c.HTTP)
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

// fakeSource produces a steady stream of tiny frames.
type fakeSource struct {
	closed atomic.Bool
}

func (s *fakeSource) Read(ctx context.Context) (hub.Frame, error) {
	select {
	case <-ctx.Done():
		return hub.Frame{}, ctx.Err()
	case <-time.After(2 * time.Millisecond):
	}
	return hub.Frame{Data: []byte{1, 2, 3}, Width: 1, Height: 1, Timestamp: time.Now()}, nil
}

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

// bigMotion always reports one qualifying contour.
type bigMotion struct{}

func (bigMotion) ContourAreas(f *hub.Frame) ([]float64, error) { return []float64{30000}, nil }
func (bigMotion) Close() error                                 { return nil }

type countingWriter struct {
	frames atomic.Int64
	closed atomic.Bool
}

func (w *countingWriter) Write(f *hub.Frame) error {
	w.frames.Add(1)
	return nil
}

func (w *countingWriter) Close() error {
	w.closed.Store(true)
	return nil
}

func TestPipelineEndToEnd(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var writers []*countingWriter
	open := func(path string, fps float64, width, height int) (record.ChunkWriter, error) {
		w := &countingWriter{}
		mu.Lock()
		writers = append(writers, w)
		mu.Unlock()
		return w, nil
	}

	var snapshots atomic.Int64
	snapshot := func(path string, f *hub.Frame) error {
		snapshots.Add(1)
		return nil
	}
	encode := func(f *hub.Frame) ([]byte, error) { return []byte("jpg"), nil }

	cfg := Config{
		Camera: CameraConfig{FPS: 100},
		Record: RecordConfig{Dir: filepath.Join(dir, "recordings"), ChunkDuration: time.Hour},
		Detect: DetectConfig{Dir: filepath.Join(dir, "anomalies"), Interval: 5 * time.Millisecond, Cooldown: time.Hour},
		HTTP:   HTTPConfig{Addr: "127.0.0.1:0"},
	}
	cfg.defaults()

	src := &fakeSource{}
	p, err := assemble(cfg, nil, src, bigMotion{}, open, snapshot, encode, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// Wait until frames flowed through both consumers.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if p.recorder.Stats().FramesWritten > 0 && snapshots.Load() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	if p.recorder.Stats().FramesWritten == 0 {
		t.Fatal("no frames recorded")
	}
	if snapshots.Load() == 0 {
		t.Fatal("no snapshot captured")
	}
	if !src.closed.Load() {
		t.Fatal("capture source not closed on shutdown")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, w := range writers {
		if !w.closed.Load() {
			t.Fatalf("chunk %d not finalized", i)
		}
	}
	if _, err := os.Stat(cfg.Record.Dir); err != nil {
		t.Fatalf("recording dir not created: %v", err)
	}
}

// assembleObserved builds an observability-enabled pipeline around fakes.
func assembleObserved(t *testing.T) *Pipeline {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		Record: RecordConfig{Dir: filepath.Join(dir, "recordings")},
		Detect: DetectConfig{Dir: filepath.Join(dir, "anomalies")},
		Observability: ObservabilityConfig{
			Enabled: true,
			DBPath:  filepath.Join(dir, "obs.db"),
		},
	}
	cfg.defaults()

	open := func(path string, fps float64, width, height int) (record.ChunkWriter, error) {
		return &countingWriter{}, nil
	}
	snapshot := func(path string, f *hub.Frame) error { return nil }
	encode := func(f *hub.Frame) ([]byte, error) { return nil, nil }

	p, err := assemble(cfg, nil, &fakeSource{}, bigMotion{}, open, snapshot, encode, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		p.metrics.Close()
		p.obsDB.Close()
	})
	return p
}

func TestAssembleWiresObservability(t *testing.T) {
	p := assembleObserved(t)
	snapshot := func(path string, f *hub.Frame) error { return nil }

	if p.metrics == nil || p.collector == nil || p.heartbeat == nil || p.events == nil {
		t.Fatal("observability components not wired")
	}

	// The decorated snapshot writer records a capture event.
	if err := p.loggedSnapshot(snapshot)("anomaly_20260827_120000.jpg", &hub.Frame{Seq: 9}); err != nil {
		t.Fatal(err)
	}
	events, err := p.events.Recent(context.Background(), "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].FrameSeq != 9 {
		t.Fatalf("capture event not recorded: %+v", events)
	}

	samples := p.sampleStats(time.Now())
	if len(samples) != 10 {
		t.Fatalf("expected 10 stat samples, got %d", len(samples))
	}
}

func TestObservabilityCleanupEvictsOldRows(t *testing.T) {
	p := assembleObserved(t)
	ctx := context.Background()

	// Rows 40 days old against the default 7 day max age, next to fresh ones.
	old := time.Now().Add(-40 * 24 * time.Hour).Unix()
	fresh := time.Now().Unix()
	mustExec := func(q string, args ...any) {
		t.Helper()
		if _, err := p.obsDB.Exec(q, args...); err != nil {
			t.Fatal(err)
		}
	}
	mustExec("INSERT INTO pipeline_metrics (metric_name, timestamp, value, unit) VALUES ('m', ?, 1, 'count')", old)
	mustExec("INSERT INTO pipeline_metrics (metric_name, timestamp, value, unit) VALUES ('m', ?, 2, 'count')", fresh)
	mustExec("INSERT INTO capture_events (event_id, event_type, path, frame_seq, detail, created_at) VALUES ('e1', 'snapshot', 'a.jpg', 0, '', ?)", old)
	mustExec("INSERT INTO capture_events (event_id, event_type, path, frame_seq, detail, created_at) VALUES ('e2', 'snapshot', 'b.jpg', 0, '', ?)", fresh)
	mustExec("INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp) VALUES ('veilcam', 'host', 1, ?)", old)
	mustExec("INSERT INTO worker_heartbeats (worker_name, hostname, worker_pid, timestamp) VALUES ('veilcam', 'host', 1, ?)", fresh)

	p.cleanupObs(ctx)

	counts := map[string]int{}
	for _, table := range []string{"pipeline_metrics", "capture_events", "worker_heartbeats"} {
		var n int
		if err := p.obsDB.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			t.Fatal(err)
		}
		counts[table] = n
	}
	for table, n := range counts {
		if n != 1 {
			t.Fatalf("%s: %d rows after cleanup, want 1 (fresh only)", table, n)
		}
	}
}

func TestSweeperDeletionRecordsEvent(t *testing.T) {
	p := assembleObserved(t)
	ctx := context.Background()

	expired := retention.ArchiveName(time.Now().Add(-13 * time.Hour))
	path := filepath.Join(p.cfg.Record.Dir, expired)
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := p.sweeper.SweepOnce(ctx)
	if res.ArchivesDeleted != 1 {
		t.Fatalf("expected 1 archive deleted, got %+v", res)
	}

	events, err := p.events.Recent(ctx, observability.EventFileDeleted, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Path != path {
		t.Fatalf("deletion event not recorded: %+v", events)
	}
}
