package capture

import (
	"fmt"

	"gocv.io/x/gocv"
)

// Reader produces frames from a video source. Implementations are not safe
// for concurrent use; the feed serialises access behind its reader mutex.
type Reader interface {
	// NextFrame reads the next frame into m and reports success.
	NextFrame(m *gocv.Mat) bool
	Close() error
}

// ReaderFactory opens a video source. The feed's detached reopener calls it
// after an outage; errors are logged and retried later.
type ReaderFactory func(uri string) (Reader, error)

type videoCaptureReader struct {
	vc *gocv.VideoCapture
}

// OpenVideoSource opens an RTSP/HTTP/V4L2-style URI through OpenCV.
func OpenVideoSource(uri string) (Reader, error) {
	vc, err := gocv.OpenVideoCapture(uri)
	if err != nil {
		return nil, fmt.Errorf("opening video source %s: %w", uri, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("video source %s did not open", uri)
	}
	return &videoCaptureReader{vc: vc}, nil
}

func (r *videoCaptureReader) NextFrame(m *gocv.Mat) bool {
	return r.vc.Read(m)
}

func (r *videoCaptureReader) Close() error {
	return r.vc.Close()
}
