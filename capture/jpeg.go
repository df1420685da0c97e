package capture

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/hazyhaar/veilcam/hub"
)

// EncodeJPEG encodes a raw BGR frame to JPEG bytes. The codec is a black
// box to the rest of the pipeline: the stream publisher only sees an
// encode func it can swap out in tests.
func EncodeJPEG(f *hub.Frame) ([]byte, error) {
	mat, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Data)
	if err != nil {
		return nil, fmt.Errorf("capture: frame to mat: %w", err)
	}
	defer mat.Close()

	buf, err := gocv.IMEncode(gocv.JPEGFileExt, mat)
	if err != nil {
		return nil, fmt.Errorf("capture: jpeg encode: %w", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}
