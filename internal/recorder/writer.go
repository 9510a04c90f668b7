package recorder

import (
	"fmt"

	"gocv.io/x/gocv"
)

// VideoWriter writes BGR frames into one recording file.
type VideoWriter interface {
	Write(m gocv.Mat) error
	Close() error
}

// WriterFactory opens a writer for one segment. Open failure disables the
// recording unit.
type WriterFactory func(path string, fps float64, width, height int) (VideoWriter, error)

type gocvWriter struct {
	vw *gocv.VideoWriter
}

// OpenVideoWriter creates an H.264 writer through OpenCV.
func OpenVideoWriter(path string, fps float64, width, height int) (VideoWriter, error) {
	vw, err := gocv.VideoWriterFile(path, "avc1", fps, width, height, true)
	if err != nil {
		return nil, fmt.Errorf("opening video writer %s: %w", path, err)
	}
	if !vw.IsOpened() {
		vw.Close()
		return nil, fmt.Errorf("video writer %s did not open", path)
	}
	return &gocvWriter{vw: vw}, nil
}

func (w *gocvWriter) Write(m gocv.Mat) error {
	return w.vw.Write(m)
}

func (w *gocvWriter) Close() error {
	return w.vw.Close()
}
