// Package detect watches the hub's frame sequence for motion anomalies and
// captures cooldown-gated snapshots. The detector is stateless beyond the
// background model the analyzer keeps and the timestamp of the last
// successful capture.
package detect

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/veilcam/hub"
	"github.com/hazyhaar/veilcam/motion"
	"github.com/hazyhaar/veilcam/retention"
)

// SnapshotFunc persists one frame as a snapshot file.
type SnapshotFunc func(path string, f *hub.Frame) error

// SweepFunc lets the detector invoke a retention sweep without owning one.
type SweepFunc func(ctx context.Context)

// Config tunes the detector.
type Config struct {
	// Dir is the snapshot namespace.
	Dir string
	// Interval is the analysis pacing. Default: 100ms.
	Interval time.Duration
	// AreaThreshold is the minimum single-contour area that flags an
	// anomaly. Default: 20000.
	AreaThreshold float64
	// Cooldown is the minimum elapsed time between two successful
	// snapshot captures. Default: 5s.
	Cooldown time.Duration
	// SweepInterval is how often the detector opportunistically invokes
	// the retention sweep. Default: 1 minute.
	SweepInterval time.Duration
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 100 * time.Millisecond
	}
	if c.AreaThreshold <= 0 {
		c.AreaThreshold = 20000
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 5 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

// Stats are lifetime detector counters.
type Stats struct {
	FramesAnalyzed uint64 `json:"frames_analyzed"`
	Detections     uint64 `json:"detections"`
	Suppressed     uint64 `json:"suppressed"`
	Snapshots      uint64 `json:"snapshots"`
	AnalyzerErrors uint64 `json:"analyzer_errors"`
	WriteErrors    uint64 `json:"write_errors"`
}

// Detector runs the IDLE → TRIGGERED → COOLDOWN → IDLE cycle against the
// hub's frame stream.
type Detector struct {
	hub      *hub.Hub
	analyzer motion.Analyzer
	snapshot SnapshotFunc
	sweep    SweepFunc // optional
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	// lastCapture anchors the cooldown to the last successful snapshot.
	// Suppressed detections and write failures leave it untouched.
	lastCapture time.Time

	analyzed     atomic.Uint64
	detections   atomic.Uint64
	suppressed   atomic.Uint64
	snapshots    atomic.Uint64
	analyzerErrs atomic.Uint64
	writeErrs    atomic.Uint64
}

// New creates a Detector. sweep may be nil.
func New(h *hub.Hub, analyzer motion.Analyzer, snapshot SnapshotFunc, sweep SweepFunc, cfg Config, logger *slog.Logger) *Detector {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		hub:      h,
		analyzer: analyzer,
		snapshot: snapshot,
		sweep:    sweep,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Stats returns the lifetime counters.
func (d *Detector) Stats() Stats {
	return Stats{
		FramesAnalyzed: d.analyzed.Load(),
		Detections:     d.detections.Load(),
		Suppressed:     d.suppressed.Load(),
		Snapshots:      d.snapshots.Load(),
		AnalyzerErrors: d.analyzerErrs.Load(),
		WriteErrors:    d.writeErrs.Load(),
	}
}

// Run analyzes frames until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	sub := d.hub.Attach("detector")
	defer d.hub.Detach(sub)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	sweepTicker := time.NewTicker(d.cfg.SweepInterval)
	defer sweepTicker.Stop()

	d.logger.Info("detect: started",
		"dir", d.cfg.Dir, "area_threshold", d.cfg.AreaThreshold, "cooldown", d.cfg.Cooldown)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("detect: stopped")
			return
		case <-sweepTicker.C:
			if d.sweep != nil {
				d.sweep(ctx)
			}
		case <-ticker.C:
			f, ok := sub.Poll()
			if !ok {
				continue
			}
			d.cycle(f)
		}
	}
}

// cycle analyzes one frame. A failure anywhere skips the cycle; the next
// one proceeds normally.
func (d *Detector) cycle(f *hub.Frame) {
	areas, err := d.analyzer.ContourAreas(f)
	if err != nil {
		d.analyzerErrs.Add(1)
		d.logger.Warn("detect: analyzer failed", "seq", f.Seq, "error", err)
		return
	}
	d.analyzed.Add(1)

	// First qualifying contour flags the frame; no need to find the
	// largest.
	flagged := false
	for _, area := range areas {
		if area > d.cfg.AreaThreshold {
			flagged = true
			break
		}
	}
	if !flagged {
		return
	}
	d.detections.Add(1)

	now := d.now()
	if !d.lastCapture.IsZero() && now.Sub(d.lastCapture) < d.cfg.Cooldown {
		d.suppressed.Add(1)
		d.logger.Debug("detect: anomaly suppressed by cooldown",
			"seq", f.Seq, "since_last", now.Sub(d.lastCapture))
		return
	}

	path := filepath.Join(d.cfg.Dir, retention.SnapshotName(now))
	if err := d.snapshot(path, f); err != nil {
		d.writeErrs.Add(1)
		d.logger.Warn("detect: snapshot write failed", "path", path, "error", err)
		return
	}

	d.lastCapture = now
	d.snapshots.Add(1)
	d.logger.Info("detect: anomaly captured", "path", path, "seq", f.Seq)
}
