package detect

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/hazyhaar/veilcam/hub"
)

// WriteSnapshot persists a raw BGR frame as a JPEG file. It satisfies
// SnapshotFunc.
func WriteSnapshot(path string, f *hub.Frame) error {
	mat, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Data)
	if err != nil {
		return fmt.Errorf("detect: frame to mat: %w", err)
	}
	defer mat.Close()

	if !gocv.IMWrite(path, mat) {
		return fmt.Errorf("detect: imwrite %s failed", path)
	}
	return nil
}
