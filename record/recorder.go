// Package record writes the hub's frame sequence into time-bounded archive
// chunks, rotating on a wall-clock interval. Exactly one chunk is open at a
// time; closing a chunk finalizes its encoder and is irreversible.
package record

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/veilcam/hub"
	"github.com/hazyhaar/veilcam/retention"
)

// ChunkWriter encodes frames into one archive file. Close flushes and
// finalizes the container; the writer is unusable afterwards.
type ChunkWriter interface {
	Write(f *hub.Frame) error
	Close() error
}

// OpenFunc opens the encoder for a new chunk. Dimensions come from the
// first frame written into the chunk.
type OpenFunc func(path string, fps float64, width, height int) (ChunkWriter, error)

// SweepFunc lets the recorder invoke a retention sweep without owning one.
type SweepFunc func(ctx context.Context)

// Config tunes the recorder.
type Config struct {
	// Dir is the archive namespace.
	Dir string
	// FPS is the target sampling rate off the hub. Default: 10.
	FPS float64
	// ChunkDuration is the wall-clock length of one archive file.
	// Default: 30 minutes.
	ChunkDuration time.Duration
	// SweepInterval is how often the recorder opportunistically invokes
	// the retention sweep. Decoupled from rotation. Default: 5 minutes.
	SweepInterval time.Duration
}

func (c *Config) defaults() {
	if c.FPS <= 0 {
		c.FPS = 10
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
}

// Stats are lifetime recorder counters.
type Stats struct {
	ChunksOpened  uint64 `json:"chunks_opened"`
	ChunksClosed  uint64 `json:"chunks_closed"`
	FramesWritten uint64 `json:"frames_written"`
	EncoderErrors uint64 `json:"encoder_errors"`
}

type chunk struct {
	w        ChunkWriter
	path     string
	openedAt time.Time
	frames   int
}

// Recorder samples the hub at a fixed rate and maintains the
// NO_FILE → RECORDING → NO_FILE chunk state machine.
type Recorder struct {
	hub    *hub.Hub
	open   OpenFunc
	sweep  SweepFunc // optional
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	cur *chunk // nil = NO_FILE; owned by the Run goroutine

	chunksOpened  atomic.Uint64
	chunksClosed  atomic.Uint64
	framesWritten atomic.Uint64
	encoderErrs   atomic.Uint64
}

// New creates a Recorder. sweep may be nil.
func New(h *hub.Hub, open OpenFunc, sweep SweepFunc, cfg Config, logger *slog.Logger) *Recorder {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		hub:    h,
		open:   open,
		sweep:  sweep,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Stats returns the lifetime counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		ChunksOpened:  r.chunksOpened.Load(),
		ChunksClosed:  r.chunksClosed.Load(),
		FramesWritten: r.framesWritten.Load(),
		EncoderErrors: r.encoderErrs.Load(),
	}
}

// Run paces itself to the target frame interval and records until ctx is
// cancelled. The open chunk, if any, is finalized before returning; a
// chunk writer is never merely abandoned.
func (r *Recorder) Run(ctx context.Context) {
	sub := r.hub.Attach("recorder")
	defer r.hub.Detach(sub)

	interval := time.Duration(float64(time.Second) / r.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweepTicker := time.NewTicker(r.cfg.SweepInterval)
	defer sweepTicker.Stop()

	r.logger.Info("record: started",
		"dir", r.cfg.Dir, "fps", r.cfg.FPS, "chunk_duration", r.cfg.ChunkDuration)

	for {
		select {
		case <-ctx.Done():
			r.closeChunk()
			r.logger.Info("record: stopped")
			return
		case <-sweepTicker.C:
			if r.sweep != nil {
				r.sweep(ctx)
			}
		case <-ticker.C:
			// No new frame this tick: wait for the next one rather
			// than duplicating the last frame.
			f, ok := sub.Poll()
			if !ok {
				continue
			}
			r.cycle(f)
		}
	}
}

// cycle runs one recording step for a polled frame: rotate if the open
// chunk has run its wall-clock course, open a chunk if none is open, write.
// A frame that arrives in the same cycle as a rotation lands in the new
// chunk, never on the floor.
func (r *Recorder) cycle(f *hub.Frame) {
	now := r.now()

	if r.cur != nil && now.Sub(r.cur.openedAt) >= r.cfg.ChunkDuration {
		r.closeChunk()
	}

	if r.cur == nil {
		path := filepath.Join(r.cfg.Dir, retention.ArchiveName(now))
		w, err := r.open(path, r.cfg.FPS, f.Width, f.Height)
		if err != nil {
			// Treated as if the chunk were never opened; the next
			// cycle retries.
			r.encoderErrs.Add(1)
			r.logger.Warn("record: open chunk failed", "path", path, "error", err)
			return
		}
		r.cur = &chunk{w: w, path: path, openedAt: now}
		r.chunksOpened.Add(1)
		r.logger.Info("record: chunk opened", "path", path)
	}

	if err := r.cur.w.Write(f); err != nil {
		r.encoderErrs.Add(1)
		r.logger.Warn("record: frame write failed", "path", r.cur.path, "error", err)
		r.discardChunk()
		return
	}
	r.cur.frames++
	r.framesWritten.Add(1)
}

// closeChunk finalizes the open chunk, if any.
func (r *Recorder) closeChunk() {
	if r.cur == nil {
		return
	}
	if err := r.cur.w.Close(); err != nil {
		r.encoderErrs.Add(1)
		r.logger.Warn("record: chunk close failed", "path", r.cur.path, "error", err)
	} else {
		r.chunksClosed.Add(1)
		r.logger.Info("record: chunk closed", "path", r.cur.path, "frames", r.cur.frames)
	}
	r.cur = nil
}

// discardChunk drops a chunk whose encoder failed mid-write. Best-effort
// close; the state machine returns to NO_FILE either way.
func (r *Recorder) discardChunk() {
	if r.cur == nil {
		return
	}
	if err := r.cur.w.Close(); err != nil {
		r.logger.Warn("record: discard close failed", "path", r.cur.path, "error", err)
	}
	r.cur = nil
}
