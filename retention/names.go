// Package retention bounds disk usage of the archive and snapshot
// namespaces. The file namespace is the only source of truth: every decision
// is reconstructed from directory listings and the timestamps embedded in
// file names, never from an index.
package retention

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Stamp layout embedded in archive and snapshot names. Local time, one
// second resolution; same-second collisions within a category overwrite
// silently, an accepted risk.
const stampLayout = "20060102_150405"

const (
	archivePrefix  = "video_"
	archiveExt     = ".mp4"
	snapshotPrefix = "anomaly_"
	snapshotExt    = ".jpg"
)

// ErrBadName reports a file name that does not follow the stamped pattern.
var ErrBadName = errors.New("retention: name does not match stamped pattern")

// ArchiveName returns the archive file name for a chunk started at t,
// e.g. "video_20260827_153012.mp4".
func ArchiveName(t time.Time) string {
	return archivePrefix + t.Format(stampLayout) + archiveExt
}

// SnapshotName returns the snapshot file name for an anomaly captured at t,
// e.g. "anomaly_20260827_153012.jpg".
func SnapshotName(t time.Time) string {
	return snapshotPrefix + t.Format(stampLayout) + snapshotExt
}

// ParseArchiveName extracts the embedded start timestamp from an archive
// file name. Returns ErrBadName for anything that is not a well-formed
// archive name.
func ParseArchiveName(name string) (time.Time, error) {
	return parseStamped(name, archivePrefix, archiveExt)
}

// ParseSnapshotName extracts the embedded capture timestamp from a snapshot
// file name.
func ParseSnapshotName(name string) (time.Time, error) {
	return parseStamped(name, snapshotPrefix, snapshotExt)
}

func parseStamped(name, prefix, ext string) (time.Time, error) {
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadName, name)
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ext)
	t, err := time.ParseInLocation(stampLayout, stamp, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return t, nil
}
