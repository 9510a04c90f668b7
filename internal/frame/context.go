// Package frame defines the per-frame pipeline context that travels with a
// captured image through every processing unit of a feed.
package frame

import (
	"image"
	"time"
)

// DeviceInfo identifies the video source a feed captures from.
type DeviceInfo struct {
	Name           string
	URI            string
	Index          int
	ExpectedWidth  int
	ExpectedHeight int
}

// ExpectedSize returns the configured frame size as an image.Point.
func (d DeviceInfo) ExpectedSize() image.Point {
	return image.Pt(d.ExpectedWidth, d.ExpectedHeight)
}

// YoloContext carries the object-detection results of the most recent
// inference, or a copy of the previous results for frames that skipped
// inference.
type YoloContext struct {
	InputSize   image.Point
	Boxes       []image.Rectangle
	ClassIDs    []int
	Confidences []float32
	// Indices holds the positions kept by non-maximum suppression.
	Indices []int
	// Interesting is aligned with Boxes; it is set by the prune unit.
	Interesting []bool
}

// Clone deep-copies the detection slices.
func (y YoloContext) Clone() YoloContext {
	c := y
	c.Boxes = append([]image.Rectangle(nil), y.Boxes...)
	c.ClassIDs = append([]int(nil), y.ClassIDs...)
	c.Confidences = append([]float32(nil), y.Confidences...)
	c.Indices = append([]int(nil), y.Indices...)
	c.Interesting = append([]bool(nil), y.Interesting...)
	return c
}

// FaceDetection is one YuNet face detection in frame coordinates.
type FaceDetection struct {
	Box        image.Rectangle
	Landmarks  [5]image.Point
	Confidence float32
}

// FaceCategory classifies a recognised identity.
type FaceCategory int

const (
	FaceUnknown FaceCategory = iota
	FaceAuthorised
	FaceUnauthorised
)

func (c FaceCategory) String() string {
	switch c {
	case FaceAuthorised:
		return "Authorised"
	case FaceUnauthorised:
		return "Unauthorised"
	default:
		return "Unknown"
	}
}

// FaceRecognition is one SFace result, aligned 1-to-1 with the YuNet
// detections of the same frame.
type FaceRecognition struct {
	Identity   string
	Similarity float32
	L2Norm     float32
	Category   FaceCategory
	Matched    bool
}

// Context is the mutable per-frame state. It is owned by the capture
// goroutine while synchronous units run; asynchronous handoff clones it.
type Context struct {
	Device DeviceInfo

	// CapturedFromRealDevice is false when a grey placeholder was
	// substituted for this tick.
	CapturedFromRealDevice bool

	// CaptureTimestamp is stamped immediately after acquisition.
	CaptureTimestamp time.Time

	// CaptureFromThisDeviceSince marks when the current run of the current
	// state (real or placeholder) began.
	CaptureFromThisDeviceSince time.Time

	FrameSeqNum       uint64
	ProcessingUnitIdx int

	// ChangeRate is the fraction of pixels that differ from a past
	// reference frame; -1 until a stats unit defines it.
	ChangeRate float32
	FPS        float32

	Yolo  YoloContext
	Yunet []FaceDetection
	Sface []FaceRecognition

	// TextToOverlay accumulates lines appended by earlier units; an
	// overlay unit renders it onto the frame.
	TextToOverlay string

	LatencyStart time.Time
}

// NewContext returns a context for a feed that has not captured yet.
func NewContext(dev DeviceInfo) Context {
	return Context{
		Device:                     dev,
		CaptureFromThisDeviceSince: time.Now(),
		ChangeRate:                 -1,
	}
}

// Clone deep-copies the context so an asynchronous worker owns independent
// detection slices.
func (c *Context) Clone() Context {
	out := *c
	out.Yolo = c.Yolo.Clone()
	out.Yunet = append([]FaceDetection(nil), c.Yunet...)
	out.Sface = append([]FaceRecognition(nil), c.Sface...)
	return out
}

// InterestingPersonBoxes returns the NMS-kept boxes whose class is person
// (class id 0) and which survived pruning.
func (c *Context) InterestingPersonBoxes() []image.Rectangle {
	var out []image.Rectangle
	for _, idx := range c.Yolo.Indices {
		if idx < 0 || idx >= len(c.Yolo.Boxes) {
			continue
		}
		if c.Yolo.ClassIDs[idx] != 0 {
			continue
		}
		if idx < len(c.Yolo.Interesting) && !c.Yolo.Interesting[idx] {
			continue
		}
		out = append(out, c.Yolo.Boxes[idx])
	}
	return out
}
