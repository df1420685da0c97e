// Package capture is the camera boundary. It holds the only code that talks
// to the capture device; everything above it consumes hub.Frame values and
// never touches the device directly.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"gocv.io/x/gocv"

	"github.com/hazyhaar/veilcam/hub"
)

// Config describes the device to open. Width/Height/FPS are requests; the
// driver may settle on different values and frames report their actual
// dimensions.
type Config struct {
	Index  int
	Width  int
	Height int
	FPS    float64
}

// Webcam reads BGR frames from a local video device through OpenCV. It
// implements hub.Source. Read and Close must not race: the hub's producer
// loop is the only caller during operation and Close happens after the loop
// exits, but a mutex guards the shared Mat regardless.
type Webcam struct {
	mu  sync.Mutex
	cam *gocv.VideoCapture
	buf gocv.Mat
}

// Open opens the capture device. Failure here is fatal to the process:
// there is nothing useful to serve without a camera, so the caller is
// expected to abort.
func Open(cfg Config, logger *slog.Logger) (*Webcam, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cam, err := gocv.OpenVideoCapture(cfg.Index)
	if err != nil {
		return nil, fmt.Errorf("capture: open device %d: %w", cfg.Index, err)
	}

	if cfg.Width > 0 {
		cam.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	}
	if cfg.Height > 0 {
		cam.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.FPS > 0 {
		cam.Set(gocv.VideoCaptureFPS, cfg.FPS)
	}

	logger.Info("capture: device opened",
		"index", cfg.Index,
		"width", cam.Get(gocv.VideoCaptureFrameWidth),
		"height", cam.Get(gocv.VideoCaptureFrameHeight),
		"fps", cam.Get(gocv.VideoCaptureFPS))

	return &Webcam{cam: cam, buf: gocv.NewMat()}, nil
}

// Read grabs one frame. The pixel data is copied out of the reusable device
// buffer, so the returned frame is immutable and safe to share.
func (w *Webcam) Read(ctx context.Context) (hub.Frame, error) {
	if err := ctx.Err(); err != nil {
		return hub.Frame{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.cam.Read(&w.buf) || w.buf.Empty() {
		return hub.Frame{}, fmt.Errorf("capture: frame grab failed")
	}

	// Copy out of the reusable device buffer so the frame outlives the
	// next grab.
	raw := w.buf.ToBytes()
	data := make([]byte, len(raw))
	copy(data, raw)
	return hub.Frame{
		Data:   data,
		Width:  w.buf.Cols(),
		Height: w.buf.Rows(),
	}, nil
}

// Close releases the device.
func (w *Webcam) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Close()
	if err := w.cam.Close(); err != nil {
		return fmt.Errorf("capture: close device: %w", err)
	}
	return nil
}
