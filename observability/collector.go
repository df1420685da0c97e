package observability

import (
	"context"
	"log/slog"
	"time"
)

// SampleFunc returns one batch of datapoints for the current instant.
// Samplers close over the component whose counters they read.
type SampleFunc func(now time.Time) []*Metric

// Collector periodically samples the pipeline components into the metrics
// store, alongside the Go runtime stats of the process itself.
type Collector struct {
	recorder *Recorder
	samplers []SampleFunc
	interval time.Duration
	logger   *slog.Logger
}

// NewCollector creates a Collector. Typical interval: 15s.
func NewCollector(recorder *Recorder, interval time.Duration, logger *slog.Logger, samplers ...SampleFunc) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{recorder: recorder, samplers: samplers, interval: interval, logger: logger}
}

// Run samples immediately, then at every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.sample()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("observability: collector stopped")
			return
		case <-ticker.C:
			c.sample()
		}
	}
}

func (c *Collector) sample() {
	now := time.Now()
	for _, s := range c.samplers {
		for _, m := range s(now) {
			c.recorder.Record(m)
		}
	}

	rt := CollectRuntimeMetrics()
	c.recorder.Record(&Metric{Name: MetricGoroutines, Timestamp: now, Value: float64(rt.GoroutinesCount), Unit: "count"})
	c.recorder.Record(&Metric{Name: MetricMemoryAllocMB, Timestamp: now, Value: rt.MemoryAllocMB, Unit: "megabytes"})
}
