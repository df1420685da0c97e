package record

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/veilcam/hub"
	"github.com/hazyhaar/veilcam/retention"
)

type fakeChunk struct {
	path   string
	frames []uint64
	closed bool
}

type fakeEncoder struct {
	mu      sync.Mutex
	chunks  []*fakeChunk
	openErr error
}

func (e *fakeEncoder) open(path string, fps float64, width, height int) (ChunkWriter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openErr != nil {
		return nil, e.openErr
	}
	c := &fakeChunk{path: path}
	e.chunks = append(e.chunks, c)
	return &fakeChunkWriter{enc: e, chunk: c}, nil
}

type fakeChunkWriter struct {
	enc      *fakeEncoder
	chunk    *fakeChunk
	writeErr error
}

func (w *fakeChunkWriter) Write(f *hub.Frame) error {
	if w.writeErr != nil {
		return w.writeErr
	}
	w.enc.mu.Lock()
	defer w.enc.mu.Unlock()
	w.chunk.frames = append(w.chunk.frames, f.Seq)
	return nil
}

func (w *fakeChunkWriter) Close() error {
	w.enc.mu.Lock()
	defer w.enc.mu.Unlock()
	w.chunk.closed = true
	return nil
}

// fakeClock is a manually advanced wall clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testRecorder(t *testing.T, cfg Config) (*Recorder, *hub.Hub, *fakeEncoder, *fakeClock) {
	t.Helper()
	h := hub.New(nil, hub.Config{}, nil)
	enc := &fakeEncoder{}
	clock := &fakeClock{t: time.Date(2026, 8, 27, 12, 0, 0, 0, time.Local)}
	r := New(h, enc.open, nil, cfg, nil)
	r.now = clock.now
	return r, h, enc, clock
}

func TestChunkRotation(t *testing.T) {
	r, h, enc, clock := testRecorder(t, Config{
		Dir:           t.TempDir(),
		FPS:           2, // 0.5s frame interval
		ChunkDuration: 2 * time.Second,
	})
	sub := h.Attach("recorder-test")

	// 5 seconds of recording at one frame per 0.5s cycle.
	for seq := uint64(1); seq <= 10; seq++ {
		clock.advance(500 * time.Millisecond)
		h.Publish(&hub.Frame{Data: []byte{0}, Width: 4, Height: 4, Seq: seq})
		f, ok := sub.Poll()
		if !ok {
			t.Fatalf("frame %d not delivered", seq)
		}
		r.cycle(f)
	}
	r.closeChunk()

	if len(enc.chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(enc.chunks))
	}

	// Start stamps embedded in the chunk names must be >= 2s apart, every
	// chunk non-empty, and no frame dropped across rotation boundaries.
	var prev time.Time
	total := 0
	for i, c := range enc.chunks {
		at, err := retention.ParseArchiveName(filepath.Base(c.path))
		if err != nil {
			t.Fatalf("chunk %d name %q: %v", i, c.path, err)
		}
		if i > 0 && at.Sub(prev) < 2*time.Second {
			t.Fatalf("chunks %d and %d only %v apart", i-1, i, at.Sub(prev))
		}
		prev = at
		if len(c.frames) == 0 {
			t.Fatalf("chunk %d is empty", i)
		}
		if !c.closed {
			t.Fatalf("chunk %d not finalized", i)
		}
		total += len(c.frames)
	}
	if total != 10 {
		t.Fatalf("expected all 10 frames written, got %d", total)
	}
}

func TestRotationBoundaryFrameGoesToNewChunk(t *testing.T) {
	r, h, enc, clock := testRecorder(t, Config{
		Dir:           t.TempDir(),
		FPS:           1,
		ChunkDuration: time.Second,
	})
	sub := h.Attach("recorder-test")

	publish := func(seq uint64) *hub.Frame {
		h.Publish(&hub.Frame{Data: []byte{0}, Width: 4, Height: 4, Seq: seq})
		f, _ := sub.Poll()
		return f
	}

	r.cycle(publish(1)) // opens chunk 1
	clock.advance(time.Second)
	r.cycle(publish(2)) // rotation due: close chunk 1, open chunk 2, write there
	r.closeChunk()

	if len(enc.chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(enc.chunks))
	}
	if got := enc.chunks[0].frames; len(got) != 1 || got[0] != 1 {
		t.Fatalf("chunk 1 frames: %v", got)
	}
	if got := enc.chunks[1].frames; len(got) != 1 || got[0] != 2 {
		t.Fatalf("rotation-cycle frame missing from new chunk: %v", got)
	}
}

func TestOpenFailureRetriesNextCycle(t *testing.T) {
	r, h, enc, _ := testRecorder(t, Config{Dir: t.TempDir(), FPS: 1, ChunkDuration: time.Minute})
	sub := h.Attach("recorder-test")

	enc.openErr = errors.New("codec unavailable")
	h.Publish(&hub.Frame{Data: []byte{0}, Width: 4, Height: 4, Seq: 1})
	f, _ := sub.Poll()
	r.cycle(f)

	if r.Stats().ChunksOpened != 0 {
		t.Fatal("chunk reported open despite encoder failure")
	}

	enc.openErr = nil
	h.Publish(&hub.Frame{Data: []byte{0}, Width: 4, Height: 4, Seq: 2})
	f, _ = sub.Poll()
	r.cycle(f)

	if r.Stats().ChunksOpened != 1 || r.Stats().FramesWritten != 1 {
		t.Fatalf("recorder did not recover: %+v", r.Stats())
	}
}

func TestWriteFailureDiscardsChunk(t *testing.T) {
	r, h, enc, _ := testRecorder(t, Config{Dir: t.TempDir(), FPS: 1, ChunkDuration: time.Minute})
	sub := h.Attach("recorder-test")

	h.Publish(&hub.Frame{Data: []byte{0}, Width: 4, Height: 4, Seq: 1})
	f, _ := sub.Poll()
	r.cycle(f)

	// Break the open chunk's writer.
	enc.mu.Lock()
	cw := r.cur.w.(*fakeChunkWriter)
	enc.mu.Unlock()
	cw.writeErr = errors.New("disk full")

	h.Publish(&hub.Frame{Data: []byte{0}, Width: 4, Height: 4, Seq: 2})
	f, _ = sub.Poll()
	r.cycle(f)

	if r.cur != nil {
		t.Fatal("failed chunk not discarded")
	}
	if !enc.chunks[0].closed {
		t.Fatal("failed chunk writer not closed")
	}

	// Next cycle opens a fresh chunk as if the failed one never existed.
	cw.writeErr = nil
	h.Publish(&hub.Frame{Data: []byte{0}, Width: 4, Height: 4, Seq: 3})
	f, _ = sub.Poll()
	r.cycle(f)
	if len(enc.chunks) != 2 || len(enc.chunks[1].frames) != 1 {
		t.Fatalf("recorder did not reopen after write failure: %d chunks", len(enc.chunks))
	}
}

func TestRunFinalizesChunkOnShutdown(t *testing.T) {
	h := hub.New(nil, hub.Config{}, nil)
	enc := &fakeEncoder{}
	var sweeps atomic.Int32
	r := New(h, enc.open, func(context.Context) { sweeps.Add(1) }, Config{
		Dir:           t.TempDir(),
		FPS:           100,
		ChunkDuration: time.Hour,
		SweepInterval: 10 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	// Feed frames until the recorder has written at least one.
	deadline := time.After(2 * time.Second)
	for seq := uint64(1); r.Stats().FramesWritten == 0; seq++ {
		select {
		case <-deadline:
			t.Fatal("recorder wrote nothing")
		default:
		}
		h.Publish(&hub.Frame{Data: []byte{0}, Width: 4, Height: 4, Seq: seq})
		time.Sleep(2 * time.Millisecond)
	}
	// Let the sweep cadence fire at least once.
	time.Sleep(30 * time.Millisecond)

	cancel()
	<-done

	enc.mu.Lock()
	defer enc.mu.Unlock()
	if len(enc.chunks) == 0 || !enc.chunks[0].closed {
		t.Fatal("open chunk not finalized on shutdown")
	}
	if sweeps.Load() == 0 {
		t.Fatal("recorder never invoked the retention sweep")
	}
}
