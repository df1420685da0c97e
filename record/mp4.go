package record

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/hazyhaar/veilcam/hub"
)

// fourCC for the mp4 container. mp4v is the portable choice across OpenCV
// builds; h264 writers depend on the local ffmpeg.
const fourCC = "mp4v"

type mp4Writer struct {
	w             *gocv.VideoWriter
	width, height int
}

// OpenMP4 opens an mp4 chunk writer sized to the first frame. It satisfies
// OpenFunc.
func OpenMP4(path string, fps float64, width, height int) (ChunkWriter, error) {
	w, err := gocv.VideoWriterFile(path, fourCC, fps, width, height, true)
	if err != nil {
		return nil, fmt.Errorf("record: open %s: %w", path, err)
	}
	if !w.IsOpened() {
		w.Close()
		return nil, fmt.Errorf("record: encoder rejected %s", path)
	}
	return &mp4Writer{w: w, width: width, height: height}, nil
}

func (m *mp4Writer) Write(f *hub.Frame) error {
	mat, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Data)
	if err != nil {
		return fmt.Errorf("record: frame to mat: %w", err)
	}
	defer mat.Close()

	if err := m.w.Write(mat); err != nil {
		return fmt.Errorf("record: encode frame: %w", err)
	}
	return nil
}

func (m *mp4Writer) Close() error {
	if err := m.w.Close(); err != nil {
		return fmt.Errorf("record: finalize: %w", err)
	}
	return nil
}
