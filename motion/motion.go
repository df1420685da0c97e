// Package motion wraps the background-subtraction capability the anomaly
// detector consumes. The analyzer is a black box that turns a frame into a
// set of foreground contour areas; the detector applies its own threshold
// on top.
package motion

import "github.com/hazyhaar/veilcam/hub"

// Analyzer maintains a background model and reports, for each submitted
// frame, the areas of the foreground contours it extracted. Implementations
// keep internal per-frame state (the background model) and are not safe for
// concurrent use; the detector is their single caller.
type Analyzer interface {
	// ContourAreas feeds one frame into the background model and returns
	// the area of every external foreground contour, in scan order.
	ContourAreas(f *hub.Frame) ([]float64, error)
	Close() error
}
