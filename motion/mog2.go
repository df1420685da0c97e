package motion

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/hazyhaar/veilcam/hub"
)

// Shadow pixels in an MOG2 mask are gray (127); binarizing at this level
// keeps only confident foreground.
const shadowCutoff = 250

// MOG2 is the OpenCV MOG2 background subtractor with shadow suppression.
type MOG2 struct {
	sub    gocv.BackgroundSubtractorMOG2
	fg     gocv.Mat
	bin    gocv.Mat
	closed bool
}

// NewMOG2 creates an analyzer. history is the background model depth in
// frames; varThreshold is the squared-Mahalanobis sensitivity, lower
// values flag more pixels as foreground.
func NewMOG2(history int, varThreshold float64) *MOG2 {
	return &MOG2{
		sub: gocv.NewBackgroundSubtractorMOG2WithParams(history, varThreshold, true),
		fg:  gocv.NewMat(),
		bin: gocv.NewMat(),
	}
}

// ContourAreas implements Analyzer.
func (m *MOG2) ContourAreas(f *hub.Frame) ([]float64, error) {
	if m.closed {
		return nil, fmt.Errorf("motion: analyzer closed")
	}

	mat, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Data)
	if err != nil {
		return nil, fmt.Errorf("motion: frame to mat: %w", err)
	}
	defer mat.Close()

	m.sub.Apply(mat, &m.fg)
	gocv.Threshold(m.fg, &m.bin, shadowCutoff, 255, gocv.ThresholdBinary)

	contours := gocv.FindContours(m.bin, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	areas := make([]float64, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		areas = append(areas, gocv.ContourArea(contours.At(i)))
	}
	return areas, nil
}

// Close releases the OpenCV resources.
func (m *MOG2) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.fg.Close()
	m.bin.Close()
	return m.sub.Close()
}
