package units

import (
	"image"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/config"
	"vigil/internal/frame"
	"vigil/internal/pipeline"
)

// edgeRange constrains one normalised box edge to [Min, Max].
type edgeRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

func (r edgeRange) contains(v float64) bool { return v >= r.Min && v <= r.Max }

func (r edgeRange) restrictive() bool { return r.Min > 0.001 || r.Max < 0.999 }

type sizeMode int

const (
	sizeNone sizeMode = iota
	sizeMinRatio
	sizeMaxRatio
)

// ObjectPrune marks each NMS-kept detection as interesting when its class is
// allowed, its normalised edges lie inside the configured per-edge ranges,
// and its area ratio satisfies the size constraint. An optional debug
// overlay blends coloured corridors onto the frame for restrictive edges.
type ObjectPrune struct {
	log *zap.Logger

	left, right, top, bottom edgeRange
	classIDs                 map[int]bool
	sizeMode                 sizeMode
	sizeLimit                float64
	overlayAlpha             float64

	overlayBuf gocv.Mat
}

type pruneOptions struct {
	EdgeConstraints struct {
		Left   *edgeRange `json:"left"`
		Right  *edgeRange `json:"right"`
		Top    *edgeRange `json:"top"`
		Bottom *edgeRange `json:"bottom"`
	} `json:"edgeConstraints"`
	SizeConstraint struct {
		MinAreaRatio *float64 `json:"minAreaRatio"`
		MaxAreaRatio *float64 `json:"maxAreaRatio"`
	} `json:"sizeConstraint"`
	ClassIDsOfInterest []int   `json:"classIdsOfInterest"`
	DebugOverlayAlpha  float64 `json:"debugOverlayAlpha"`
}

func NewObjectPrune(cfg config.UnitConfig, log *zap.Logger) (*ObjectPrune, error) {
	var opts pruneOptions
	if err := cfg.Options(&opts); err != nil {
		return nil, err
	}
	u := &ObjectPrune{
		log:          log,
		left:         edgeRange{0, 1},
		right:        edgeRange{0, 1},
		top:          edgeRange{0, 1},
		bottom:       edgeRange{0, 1},
		classIDs:     make(map[int]bool),
		overlayAlpha: opts.DebugOverlayAlpha,
		overlayBuf:   gocv.NewMat(),
	}
	if c := opts.EdgeConstraints.Left; c != nil {
		u.left = normalizeRange(*c)
	}
	if c := opts.EdgeConstraints.Right; c != nil {
		u.right = normalizeRange(*c)
	}
	if c := opts.EdgeConstraints.Top; c != nil {
		u.top = normalizeRange(*c)
	}
	if c := opts.EdgeConstraints.Bottom; c != nil {
		u.bottom = normalizeRange(*c)
	}
	if v := opts.SizeConstraint.MinAreaRatio; v != nil {
		u.sizeMode, u.sizeLimit = sizeMinRatio, *v
	} else if v := opts.SizeConstraint.MaxAreaRatio; v != nil {
		u.sizeMode, u.sizeLimit = sizeMaxRatio, *v
	}
	if len(opts.ClassIDsOfInterest) > 0 {
		for _, id := range opts.ClassIDsOfInterest {
			u.classIDs[id] = true
		}
	} else {
		for i := 0; i < 80; i++ {
			u.classIDs[i] = true
		}
	}
	log.Info("prune unit configured",
		zap.Float64s("left", []float64{u.left.Min, u.left.Max}),
		zap.Float64s("right", []float64{u.right.Min, u.right.Max}),
		zap.Float64s("top", []float64{u.top.Min, u.top.Max}),
		zap.Float64s("bottom", []float64{u.bottom.Min, u.bottom.Max}),
		zap.Ints("class_ids", opts.ClassIDsOfInterest),
		zap.Float64("size_limit", u.sizeLimit))
	return u, nil
}

func normalizeRange(r edgeRange) edgeRange {
	if r.Max == 0 && r.Min == 0 {
		return edgeRange{0, 1}
	}
	if r.Max == 0 {
		r.Max = 1
	}
	return r
}

func (u *ObjectPrune) Name() string { return "objectPrune" }

// boxInteresting is the pure pruning predicate over one clipped box.
func (u *ObjectPrune) boxInteresting(box image.Rectangle, classID, frameW, frameH int) bool {
	if !u.classIDs[classID] {
		return false
	}
	fw, fh := float64(frameW), float64(frameH)
	clipped := box.Intersect(image.Rect(0, 0, frameW, frameH))
	if clipped.Empty() {
		return false
	}
	if !u.left.contains(float64(clipped.Min.X)/fw) ||
		!u.right.contains(float64(clipped.Max.X)/fw) ||
		!u.top.contains(float64(clipped.Min.Y)/fh) ||
		!u.bottom.contains(float64(clipped.Max.Y)/fh) {
		return false
	}
	if u.sizeMode != sizeNone {
		ratio := float64(box.Dx()*box.Dy()) / (fw * fh)
		if u.sizeMode == sizeMinRatio && ratio < u.sizeLimit {
			return false
		}
		if u.sizeMode == sizeMaxRatio && ratio > u.sizeLimit {
			return false
		}
	}
	return true
}

func (u *ObjectPrune) Process(m *gocv.Mat, ctx *frame.Context) pipeline.Result {
	w, h := m.Cols(), m.Rows()
	if w == 0 || h == 0 {
		return pipeline.FailureContinue
	}

	if u.overlayAlpha > 0 {
		u.drawCorridors(m, w, h)
	}

	if len(ctx.Yolo.Interesting) != len(ctx.Yolo.Boxes) {
		ctx.Yolo.Interesting = make([]bool, len(ctx.Yolo.Boxes))
	}
	for _, idx := range ctx.Yolo.Indices {
		if idx < 0 || idx >= len(ctx.Yolo.Boxes) {
			continue
		}
		ctx.Yolo.Interesting[idx] =
			u.boxInteresting(ctx.Yolo.Boxes[idx], ctx.Yolo.ClassIDs[idx], w, h)
	}
	return pipeline.SuccessContinue
}

// drawCorridors blends a green strip over every restrictive edge range so
// the admitted corridor is visible on the output.
func (u *ObjectPrune) drawCorridors(m *gocv.Mat, w, h int) {
	if u.overlayBuf.Cols() != w || u.overlayBuf.Rows() != h {
		u.overlayBuf.Close()
		u.overlayBuf = gocv.NewMatWithSizeFromScalar(
			gocv.NewScalar(0, 255, 0, 0), h, w, gocv.MatTypeCV8UC3)
	}
	blend := func(rect image.Rectangle) {
		rect = rect.Intersect(image.Rect(0, 0, w, h))
		if rect.Empty() {
			return
		}
		roi := m.Region(rect)
		colorROI := u.overlayBuf.Region(rect)
		gocv.AddWeighted(roi, 1-u.overlayAlpha, colorROI, u.overlayAlpha, 0, &roi)
		colorROI.Close()
		roi.Close()
	}
	if u.left.restrictive() {
		blend(image.Rect(int(u.left.Min*float64(w)), 0, int(u.left.Max*float64(w)), h))
	}
	if u.right.restrictive() {
		blend(image.Rect(int(u.right.Min*float64(w)), 0, int(u.right.Max*float64(w)), h))
	}
	if u.top.restrictive() {
		blend(image.Rect(0, int(u.top.Min*float64(h)), w, int(u.top.Max*float64(h))))
	}
	if u.bottom.restrictive() {
		blend(image.Rect(0, int(u.bottom.Min*float64(h)), w, int(u.bottom.Max*float64(h))))
	}
}

// Close releases the overlay scratch buffer.
func (u *ObjectPrune) Close() { u.overlayBuf.Close() }
