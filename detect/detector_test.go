package detect

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/veilcam/hub"
	"github.com/hazyhaar/veilcam/retention"
)

// scriptedAnalyzer returns a fixed contour-area result per call.
type scriptedAnalyzer struct {
	script [][]float64
	errAt  map[int]error
	calls  int
}

func (a *scriptedAnalyzer) ContourAreas(f *hub.Frame) ([]float64, error) {
	a.calls++
	if err, ok := a.errAt[a.calls]; ok {
		return nil, err
	}
	if len(a.script) == 0 {
		return nil, nil
	}
	areas := a.script[0]
	if len(a.script) > 1 {
		a.script = a.script[1:]
	}
	return areas, nil
}

func (a *scriptedAnalyzer) Close() error { return nil }

type captureLog struct {
	mu    sync.Mutex
	paths []string
	err   error
}

func (c *captureLog) write(path string, f *hub.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.paths = append(c.paths, path)
	return nil
}

func testDetector(t *testing.T, analyzer *scriptedAnalyzer, cfg Config) (*Detector, *hub.Subscription, *hub.Hub, *captureLog, *time.Time) {
	t.Helper()
	h := hub.New(nil, hub.Config{}, nil)
	caps := &captureLog{}
	d := New(h, analyzer, caps.write, nil, cfg, nil)
	now := time.Date(2026, 8, 27, 12, 0, 0, 0, time.Local)
	d.now = func() time.Time { return now }
	sub := h.Attach("detector-test")
	return d, sub, h, caps, &now
}

func feed(t *testing.T, h *hub.Hub, sub *hub.Subscription, d *Detector, seq uint64) {
	t.Helper()
	h.Publish(&hub.Frame{Data: []byte{0}, Width: 4, Height: 4, Seq: seq})
	f, ok := sub.Poll()
	if !ok {
		t.Fatalf("frame %d not delivered", seq)
	}
	d.cycle(f)
}

func TestCooldownGating(t *testing.T) {
	analyzer := &scriptedAnalyzer{script: [][]float64{{30000}}}
	d, sub, h, caps, now := testDetector(t, analyzer, Config{Dir: t.TempDir(), Cooldown: 5 * time.Second})
	start := *now

	// Detections at t=0s, t=1s, t=6s with a 5s cooldown: snapshots land
	// at 0 and 6 only.
	feed(t, h, sub, d, 1)
	*now = start.Add(1 * time.Second)
	feed(t, h, sub, d, 2)
	*now = start.Add(6 * time.Second)
	feed(t, h, sub, d, 3)

	if len(caps.paths) != 2 {
		t.Fatalf("expected 2 snapshots, got %d: %v", len(caps.paths), caps.paths)
	}
	want := []string{
		retention.SnapshotName(start),
		retention.SnapshotName(start.Add(6 * time.Second)),
	}
	for i, p := range caps.paths {
		if filepath.Base(p) != want[i] {
			t.Fatalf("snapshot %d = %s, want %s", i, filepath.Base(p), want[i])
		}
	}
	if d.Stats().Suppressed != 1 {
		t.Fatalf("expected 1 suppressed detection, got %d", d.Stats().Suppressed)
	}
}

func TestSuppressionDoesNotExtendCooldown(t *testing.T) {
	analyzer := &scriptedAnalyzer{script: [][]float64{{30000}}}
	d, sub, h, caps, now := testDetector(t, analyzer, Config{Dir: t.TempDir(), Cooldown: 5 * time.Second})
	start := *now

	feed(t, h, sub, d, 1) // captured at t=0
	// Suppressed detections at t=4s must not push the window: a detection
	// at t=5s is already past the cooldown anchored at t=0.
	*now = start.Add(4 * time.Second)
	feed(t, h, sub, d, 2)
	*now = start.Add(5 * time.Second)
	feed(t, h, sub, d, 3)

	if len(caps.paths) != 2 {
		t.Fatalf("expected capture at t=5s, got %v", caps.paths)
	}
}

func TestAnyContourShortCircuits(t *testing.T) {
	// A small contour followed by a qualifying one: the frame is flagged.
	analyzer := &scriptedAnalyzer{script: [][]float64{{10, 25000, 99999}}}
	d, sub, h, caps, _ := testDetector(t, analyzer, Config{Dir: t.TempDir(), AreaThreshold: 20000})

	feed(t, h, sub, d, 1)
	if len(caps.paths) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(caps.paths))
	}
}

func TestBelowThresholdIgnored(t *testing.T) {
	analyzer := &scriptedAnalyzer{script: [][]float64{{100, 5000, 19999}}}
	d, sub, h, caps, _ := testDetector(t, analyzer, Config{Dir: t.TempDir(), AreaThreshold: 20000})

	feed(t, h, sub, d, 1)
	if len(caps.paths) != 0 {
		t.Fatalf("snapshot written below threshold: %v", caps.paths)
	}
	if d.Stats().Detections != 0 {
		t.Fatal("detection counted below threshold")
	}
}

func TestAnalyzerFailureSkipsCycle(t *testing.T) {
	analyzer := &scriptedAnalyzer{
		script: [][]float64{{30000}},
		errAt:  map[int]error{1: errors.New("model diverged")},
	}
	d, sub, h, caps, _ := testDetector(t, analyzer, Config{Dir: t.TempDir()})

	feed(t, h, sub, d, 1) // analyzer fails, cycle skipped
	feed(t, h, sub, d, 2) // next cycle proceeds normally

	if d.Stats().AnalyzerErrors != 1 {
		t.Fatalf("expected 1 analyzer error, got %d", d.Stats().AnalyzerErrors)
	}
	if len(caps.paths) != 1 {
		t.Fatalf("expected recovery snapshot, got %v", caps.paths)
	}
}

func TestWriteFailureLeavesCooldownUntouched(t *testing.T) {
	analyzer := &scriptedAnalyzer{script: [][]float64{{30000}}}
	d, sub, h, caps, now := testDetector(t, analyzer, Config{Dir: t.TempDir(), Cooldown: time.Hour})
	start := *now

	caps.err = errors.New("disk full")
	feed(t, h, sub, d, 1)
	if d.Stats().WriteErrors != 1 {
		t.Fatalf("expected write error, got %+v", d.Stats())
	}

	// The failed write was not a successful capture, so the very next
	// detection may still fire despite the long cooldown.
	caps.err = nil
	*now = start.Add(time.Second)
	feed(t, h, sub, d, 2)
	if len(caps.paths) != 1 {
		t.Fatalf("cooldown wrongly anchored to failed capture: %v", caps.paths)
	}
}

func TestRunShutdown(t *testing.T) {
	analyzer := &scriptedAnalyzer{}
	h := hub.New(nil, hub.Config{}, nil)
	caps := &captureLog{}
	d := New(h, analyzer, caps.write, nil, Config{Dir: t.TempDir(), Interval: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("detector did not stop on cancellation")
	}
	if got := len(h.Stats().Subscribers); got != 0 {
		t.Fatalf("detector left %d subscriptions attached", got)
	}
}
