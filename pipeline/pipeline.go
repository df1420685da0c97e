package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hazyhaar/veilcam/capture"
	"github.com/hazyhaar/veilcam/detect"
	"github.com/hazyhaar/veilcam/hub"
	"github.com/hazyhaar/veilcam/motion"
	"github.com/hazyhaar/veilcam/observability"
	"github.com/hazyhaar/veilcam/record"
	"github.com/hazyhaar/veilcam/retention"
	"github.com/hazyhaar/veilcam/webui"
)

// Pipeline owns every long-running component and their shared wiring.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger

	hub      *hub.Hub
	recorder *record.Recorder
	detector *detect.Detector
	sweeper  *retention.Sweeper
	server   *webui.Server
	analyzer motion.Analyzer

	obsDB     *sql.DB
	metrics   *observability.Recorder
	collector *observability.Collector
	heartbeat *observability.HeartbeatWriter
	events    *observability.EventLog
}

// New opens the capture device, the background model and, if enabled, the
// observability database, then wires everything together. A camera that
// cannot be opened is a startup failure, not something to limp past.
func New(cfg Config, logger *slog.Logger) (*Pipeline, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	cam, err := capture.Open(capture.Config{
		Index:  cfg.Camera.Index,
		Width:  cfg.Camera.Width,
		Height: cfg.Camera.Height,
		FPS:    float64(cfg.Camera.FPS),
	}, logger)
	if err != nil {
		return nil, err
	}

	var creds *webui.Credentials
	if cfg.HTTP.CredentialsFile != "" {
		creds, err = webui.LoadCredentials(cfg.HTTP.CredentialsFile)
		if err != nil {
			cam.Close()
			return nil, err
		}
	}

	analyzer := motion.NewMOG2(cfg.Detect.History, cfg.Detect.VarThreshold)

	p, err := assemble(cfg, logger, cam, analyzer, record.OpenMP4, detect.WriteSnapshot, capture.EncodeJPEG, creds)
	if err != nil {
		analyzer.Close()
		cam.Close()
		return nil, err
	}
	return p, nil
}

// assemble wires components around the given adapters. Split from New so
// tests can inject fakes for the device-bound pieces.
func assemble(cfg Config, logger *slog.Logger, src hub.Source, analyzer motion.Analyzer,
	open record.OpenFunc, snapshot detect.SnapshotFunc, encode webui.EncodeFunc,
	creds *webui.Credentials) (*Pipeline, error) {

	for _, dir := range []string{cfg.Record.Dir, cfg.Detect.Dir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("pipeline: mkdir %s: %w", dir, err)
		}
	}

	p := &Pipeline{cfg: cfg, logger: logger, analyzer: analyzer}

	if cfg.Observability.Enabled {
		db, err := observability.Open(cfg.Observability.DBPath)
		if err != nil {
			return nil, err
		}
		p.obsDB = db
		p.metrics = observability.NewRecorder(db, 100, 5*time.Second)
		p.heartbeat = observability.NewHeartbeatWriter(db, "veilcam", cfg.Observability.HeartbeatInterval, logger)
		p.events = observability.NewEventLog(db, logger)

		open = p.loggedOpen(open)
		snapshot = p.loggedSnapshot(snapshot)
	}

	p.hub = hub.New(src, hub.Config{}, logger)

	p.sweeper = retention.NewSweeper(cfg.Record.Dir, cfg.Detect.Dir, retention.Policy{
		MaxArchiveAge:    cfg.Retention.MaxArchiveAge,
		MaxSnapshotAge:   cfg.Retention.MaxSnapshotAge,
		MaxSnapshotCount: cfg.Retention.MaxSnapshotCount,
	}, cfg.Retention.SweepInterval, logger)
	if p.events != nil {
		p.sweeper.OnDelete(func(path string) {
			p.events.Record(context.Background(), observability.CaptureEvent{
				EventType: observability.EventFileDeleted,
				Path:      path,
			})
		})
	}
	sweep := func(ctx context.Context) { p.sweeper.SweepOnce(ctx) }

	p.recorder = record.New(p.hub, open, sweep, record.Config{
		Dir:           cfg.Record.Dir,
		FPS:           float64(cfg.Camera.FPS),
		ChunkDuration: cfg.Record.ChunkDuration,
	}, logger)

	p.detector = detect.New(p.hub, analyzer, snapshot, sweep, detect.Config{
		Dir:           cfg.Detect.Dir,
		Interval:      cfg.Detect.Interval,
		AreaThreshold: cfg.Detect.AreaThreshold,
		Cooldown:      cfg.Detect.Cooldown,
	}, logger)

	p.server = webui.New(webui.Config{
		Addr:        cfg.HTTP.Addr,
		SnapshotDir: cfg.Detect.Dir,
		StreamWait:  cfg.HTTP.StreamWait,
		PerPage:     cfg.HTTP.PerPage,
	}, p.hub, encode, creds, logger)

	if p.metrics != nil {
		p.collector = observability.NewCollector(p.metrics, cfg.Observability.SampleInterval, logger, p.sampleStats)
	}
	return p, nil
}

// Run starts every component and blocks until ctx is cancelled or the HTTP
// server fails. Consumers stop first; the hub producer is shut down last so
// nothing polls a closed hub.
func (p *Pipeline) Run(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hubDone := make(chan error, 1)
	go func() { hubDone <- p.hub.Run(hubCtx) }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	start := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(runCtx)
		}()
	}
	start(p.recorder.Run)
	start(p.detector.Run)
	start(p.sweeper.Run)
	if p.collector != nil {
		start(p.collector.Run)
	}
	if p.heartbeat != nil {
		start(p.heartbeat.Run)
	}
	if p.obsDB != nil {
		start(p.runObsCleanup)
	}

	srvErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		srvErr <- p.server.Run(runCtx)
	}()

	var err error
	select {
	case <-runCtx.Done():
	case err = <-srvErr:
		cancel()
	}

	wg.Wait()
	stopHub()
	<-hubDone

	if cerr := p.analyzer.Close(); cerr != nil {
		p.logger.Warn("pipeline: analyzer close failed", "error", cerr)
	}
	if p.metrics != nil {
		p.metrics.Close()
	}
	if p.obsDB != nil {
		p.obsDB.Close()
	}

	p.logger.Info("pipeline: stopped")
	return err
}

// obsCleanupInterval paces eviction of expired observability rows. Coarse
// on purpose: the tables grow by a handful of rows per sample interval.
const obsCleanupInterval = time.Hour

// runObsCleanup evicts observability rows older than the configured MaxAge,
// once at start and then hourly.
func (p *Pipeline) runObsCleanup(ctx context.Context) {
	ticker := time.NewTicker(obsCleanupInterval)
	defer ticker.Stop()

	p.cleanupObs(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cleanupObs(ctx)
		}
	}
}

func (p *Pipeline) cleanupObs(ctx context.Context) {
	maxAge := p.cfg.Observability.MaxAge

	metrics, err := p.metrics.Cleanup(ctx, maxAge)
	if err != nil {
		p.logger.Warn("pipeline: metrics cleanup failed", "error", err)
	}
	events, err := p.events.Cleanup(ctx, maxAge)
	if err != nil {
		p.logger.Warn("pipeline: event cleanup failed", "error", err)
	}
	heartbeats, err := observability.CleanupHeartbeats(ctx, p.obsDB, maxAge)
	if err != nil {
		p.logger.Warn("pipeline: heartbeat cleanup failed", "error", err)
	}

	if metrics+events+heartbeats > 0 {
		p.logger.Info("pipeline: observability rows evicted",
			"metrics", metrics, "events", events, "heartbeats", heartbeats, "max_age", maxAge)
	}
}

// sampleStats turns the component counters into metric datapoints.
func (p *Pipeline) sampleStats(now time.Time) []*observability.Metric {
	hs := p.hub.Stats()
	rs := p.recorder.Stats()
	ds := p.detector.Stats()
	ss := p.sweeper.Stats()

	var drops uint64
	for _, sub := range hs.Subscribers {
		drops += sub.Drops
	}

	count := func(name string, v uint64) *observability.Metric {
		return &observability.Metric{Name: name, Timestamp: now, Value: float64(v), Unit: "count"}
	}
	return []*observability.Metric{
		count(observability.MetricFramesPublished, hs.Published),
		count(observability.MetricReadErrors, hs.ReadErrors),
		count(observability.MetricViewerDrops, drops),
		count(observability.MetricFramesRecorded, rs.FramesWritten),
		count(observability.MetricChunksCompleted, rs.ChunksClosed),
		count(observability.MetricFramesAnalyzed, ds.FramesAnalyzed),
		count(observability.MetricDetections, ds.Detections),
		count(observability.MetricSnapshots, ds.Snapshots),
		count(observability.MetricSweepsCompleted, ss.Sweeps),
		count(observability.MetricFilesDeleted, ss.Deleted),
	}
}

// loggedOpen decorates a chunk opener with a capture event per new chunk.
func (p *Pipeline) loggedOpen(open record.OpenFunc) record.OpenFunc {
	return func(path string, fps float64, width, height int) (record.ChunkWriter, error) {
		w, err := open(path, fps, width, height)
		if err == nil {
			p.events.Record(context.Background(), observability.CaptureEvent{
				EventType: observability.EventChunkOpened,
				Path:      path,
			})
		}
		return w, err
	}
}

// loggedSnapshot decorates a snapshot writer with a capture event per
// successful write.
func (p *Pipeline) loggedSnapshot(snapshot detect.SnapshotFunc) detect.SnapshotFunc {
	return func(path string, f *hub.Frame) error {
		err := snapshot(path, f)
		if err == nil {
			p.events.Record(context.Background(), observability.CaptureEvent{
				EventType: observability.EventSnapshot,
				Path:      path,
				FrameSeq:  f.Seq,
			})
		}
		return err
	}
}
