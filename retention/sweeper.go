package retention

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"
)

// Policy is the retention configuration. Age bounds apply to both
// namespaces; the count bound applies to snapshots only.
type Policy struct {
	MaxArchiveAge    time.Duration
	MaxSnapshotAge   time.Duration
	MaxSnapshotCount int
}

// Result reports one sweep's outcome.
type Result struct {
	ArchivesDeleted  int `json:"archives_deleted"`
	SnapshotsDeleted int `json:"snapshots_deleted"`
	ParseFailures    int `json:"parse_failures"`
}

// Sweeper evicts expired archive files and expired or surplus snapshot
// files. A sweep is pure and idempotent: it holds no state between calls and
// is safe to invoke concurrently from multiple callers: a file vanishing
// between listing and deletion is treated as success.
type Sweeper struct {
	archiveDir  string
	snapshotDir string
	policy      Policy
	interval    time.Duration
	logger      *slog.Logger
	now         func() time.Time
	onDelete    func(path string)

	sweeps  atomic.Uint64
	deleted atomic.Uint64
}

// Stats are lifetime sweeper counters.
type Stats struct {
	Sweeps  uint64 `json:"sweeps"`
	Deleted uint64 `json:"deleted"`
}

// Stats returns the lifetime counters.
func (sw *Sweeper) Stats() Stats {
	return Stats{Sweeps: sw.sweeps.Load(), Deleted: sw.deleted.Load()}
}

// NewSweeper creates a Sweeper. interval drives Run's own timer; SweepOnce
// may additionally be invoked by other components at their own cadence.
func NewSweeper(archiveDir, snapshotDir string, policy Policy, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		archiveDir:  archiveDir,
		snapshotDir: snapshotDir,
		policy:      policy,
		interval:    interval,
		logger:      logger,
		now:         time.Now,
	}
}

// OnDelete registers a callback invoked after every successful removal.
// Set before Run; a file that was already gone does not fire it.
func (sw *Sweeper) OnDelete(fn func(path string)) {
	sw.onDelete = fn
}

// Run executes SweepOnce on a ticker. Blocks until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	sw.logger.Info("retention: sweeper started", "interval", sw.interval)
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	// Run once immediately on start: a restart must converge without
	// waiting a full interval.
	sw.SweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("retention: sweeper stopped")
			return
		case <-ticker.C:
			sw.SweepOnce(ctx)
		}
	}
}

// SweepOnce applies the retention policy: age-based eviction over archives,
// age-based eviction over snapshots, then count-based eviction over the
// surviving snapshots. Age always runs before count, so a fresh burst of
// snapshots can never be evicted by count while expired ones remain.
func (sw *Sweeper) SweepOnce(ctx context.Context) Result {
	now := sw.now()
	var res Result

	res.ArchivesDeleted = sw.sweepAge(ctx, sw.archiveDir, ParseArchiveName, now.Add(-sw.policy.MaxArchiveAge), &res)
	res.SnapshotsDeleted = sw.sweepAge(ctx, sw.snapshotDir, ParseSnapshotName, now.Add(-sw.policy.MaxSnapshotAge), &res)
	res.SnapshotsDeleted += sw.sweepCount(ctx)

	sw.sweeps.Add(1)
	sw.deleted.Add(uint64(res.ArchivesDeleted + res.SnapshotsDeleted))
	if res.ArchivesDeleted > 0 || res.SnapshotsDeleted > 0 {
		sw.logger.Info("retention: sweep done",
			"archives_deleted", res.ArchivesDeleted,
			"snapshots_deleted", res.SnapshotsDeleted)
	}
	return res
}

// sweepAge deletes every file in dir whose embedded timestamp is older than
// cutoff. A name that fails to parse is logged and retained: never delete on
// ambiguous evidence.
func (sw *Sweeper) sweepAge(ctx context.Context, dir string, parse func(string) (time.Time, error), cutoff time.Time, res *Result) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			sw.logger.Warn("retention: list dir", "dir", dir, "error", err)
		}
		return 0
	}

	deleted := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return deleted
		}
		if e.IsDir() {
			continue
		}
		stamp, err := parse(e.Name())
		if err != nil {
			if errors.Is(err, ErrBadName) && !knownForeign(e.Name()) {
				res.ParseFailures++
				sw.logger.Warn("retention: unparseable name retained", "dir", dir, "name", e.Name())
			}
			continue
		}
		if !stamp.Before(cutoff) {
			continue
		}
		if sw.remove(filepath.Join(dir, e.Name())) {
			deleted++
		}
	}
	return deleted
}

// sweepCount re-lists the snapshot namespace and, if more than
// MaxSnapshotCount parseable snapshots remain, deletes the oldest surplus
// one at a time. Unparseable names are excluded: they can be neither ordered
// nor deleted.
func (sw *Sweeper) sweepCount(ctx context.Context) int {
	if sw.policy.MaxSnapshotCount <= 0 {
		return 0
	}

	entries, err := os.ReadDir(sw.snapshotDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			sw.logger.Warn("retention: list dir", "dir", sw.snapshotDir, "error", err)
		}
		return 0
	}

	type stamped struct {
		name string
		at   time.Time
	}
	var snaps []stamped
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		at, err := ParseSnapshotName(e.Name())
		if err != nil {
			continue
		}
		snaps = append(snaps, stamped{name: e.Name(), at: at})
	}

	surplus := len(snaps) - sw.policy.MaxSnapshotCount
	if surplus <= 0 {
		return 0
	}

	// Oldest first; ties broken by name for determinism.
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].at.Equal(snaps[j].at) {
			return snaps[i].name < snaps[j].name
		}
		return snaps[i].at.Before(snaps[j].at)
	})

	deleted := 0
	for _, s := range snaps[:surplus] {
		if ctx.Err() != nil {
			return deleted
		}
		if sw.remove(filepath.Join(sw.snapshotDir, s.name)) {
			deleted++
		}
	}
	return deleted
}

// remove deletes path. A file already gone is another sweep's success, not
// an error.
func (sw *Sweeper) remove(path string) bool {
	err := os.Remove(path)
	switch {
	case err == nil:
		sw.logger.Info("retention: deleted", "path", path)
		if sw.onDelete != nil {
			sw.onDelete(path)
		}
		return true
	case errors.Is(err, fs.ErrNotExist):
		return true
	default:
		sw.logger.Warn("retention: delete failed", "path", path, "error", err)
		return false
	}
}

// knownForeign reports names the sweeper expects to coexist with in the
// managed directories and should not warn about.
func knownForeign(name string) bool {
	return name == ".gitkeep" || name == ".DS_Store"
}
