package units

import (
	"image"
	"math"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/config"
	"vigil/internal/frame"
	"vigil/internal/pipeline"
)

// AutoZoom keeps a smoothly-moving crop window over the union of all
// interesting detections (with 10% padding), falling back to the full frame
// scaled by the output factor when nothing is tracked. Centre and width
// migrate by at most smoothStepPixel per tick; height derives from width via
// the fixed output aspect ratio.
type AutoZoom struct {
	log             *zap.Logger
	outputScale     float64
	smoothStepPixel float64

	initialized bool
	outputSize  image.Point
	current     rectF
}

type rectF struct {
	X, Y, W, H float64
}

func (r rectF) centre() (float64, float64) { return r.X + r.W/2, r.Y + r.H/2 }

type autoZoomOptions struct {
	OutputScaleFactor float64 `json:"outputScaleFactor"`
	SmoothStepPixel   float64 `json:"smoothStepPixel"`
}

func NewAutoZoom(cfg config.UnitConfig, log *zap.Logger) (*AutoZoom, error) {
	opts := autoZoomOptions{OutputScaleFactor: 0.5, SmoothStepPixel: 8}
	if err := cfg.Options(&opts); err != nil {
		return nil, err
	}
	log.Info("auto-zoom unit configured",
		zap.Float64("output_scale_factor", opts.OutputScaleFactor),
		zap.Float64("smooth_step_pixel", opts.SmoothStepPixel))
	return &AutoZoom{log: log, outputScale: opts.OutputScaleFactor,
		smoothStepPixel: opts.SmoothStepPixel}, nil
}

func (u *AutoZoom) Name() string { return "autoZoom" }

func (u *AutoZoom) Process(m *gocv.Mat, ctx *frame.Context) pipeline.Result {
	if m.Empty() {
		return pipeline.FailureContinue
	}
	inputSize := image.Pt(m.Cols(), m.Rows())
	if !u.initialized {
		u.outputSize = image.Pt(int(float64(inputSize.X)*u.outputScale),
			int(float64(inputSize.Y)*u.outputScale))
		u.current = rectF{W: float64(inputSize.X), H: float64(inputSize.Y)}
		u.initialized = true
	}

	target := u.targetROI(inputSize, ctx)
	u.stepToward(target)

	crop := clampRect(u.current, inputSize)
	if crop.Dx() < 1 || crop.Dy() < 1 {
		return pipeline.FailureContinue
	}

	view := m.Region(crop)
	resized := gocv.NewMat()
	gocv.Resize(view, &resized, u.outputSize, 0, 0, gocv.InterpolationLinear)
	view.Close()
	m.Close()
	*m = resized
	return pipeline.SuccessContinue
}

// targetROI computes the padded union of interesting boxes, expanded to the
// minimum crop size and corrected to the output aspect ratio.
func (u *AutoZoom) targetROI(inputSize image.Point, ctx *frame.Context) rectF {
	union := image.Rect(0, 0, inputSize.X, inputSize.Y)
	found := false

	minX, minY := inputSize.X, inputSize.Y
	maxX, maxY := 0, 0
	for _, idx := range ctx.Yolo.Indices {
		if idx < 0 || idx >= len(ctx.Yolo.Boxes) {
			continue
		}
		if idx < len(ctx.Yolo.Interesting) && !ctx.Yolo.Interesting[idx] {
			continue
		}
		box := ctx.Yolo.Boxes[idx]
		if box.Dx() <= 0 || box.Dy() <= 0 {
			continue
		}
		found = true
		minX = min(minX, box.Min.X)
		minY = min(minY, box.Min.Y)
		maxX = max(maxX, box.Max.X)
		maxY = max(maxY, box.Max.Y)
	}
	if found {
		padX := (maxX - minX) / 10
		padY := (maxY - minY) / 10
		union = image.Rect(minX-padX, minY-padY, maxX+padX, maxY+padY)
	}

	// never zoom in tighter than the eventual output resolution
	minW := int(float64(inputSize.X) * u.outputScale)
	minH := int(float64(inputSize.Y) * u.outputScale)
	if union.Dx() < minW {
		diff := minW - union.Dx()
		union.Min.X -= diff / 2
		union.Max.X = union.Min.X + minW
	}
	if union.Dy() < minH {
		diff := minH - union.Dy()
		union.Min.Y -= diff / 2
		union.Max.Y = union.Min.Y + minH
	}

	return fixAspectRatio(union, u.outputSize, inputSize)
}

// fixAspectRatio grows the rect to the target aspect ratio, shrinks it if it
// overflows the frame, and slides it back inside without distorting it.
func fixAspectRatio(input image.Rectangle, outputSize, limit image.Point) rectF {
	targetAR := float64(outputSize.X) / float64(outputSize.Y)

	w := float64(input.Dx())
	h := float64(input.Dy())
	cx := float64(input.Min.X) + w/2
	cy := float64(input.Min.Y) + h/2

	if w/h > targetAR {
		h = w / targetAR
	} else {
		w = h * targetAR
	}
	if w > float64(limit.X) {
		w = float64(limit.X)
		h = w / targetAR
	}
	if h > float64(limit.Y) {
		h = float64(limit.Y)
		w = h * targetAR
	}

	x := cx - w/2
	y := cy - h/2
	x = math.Max(0, math.Min(x, float64(limit.X)-w))
	y = math.Max(0, math.Min(y, float64(limit.Y)-h))
	return rectF{X: x, Y: y, W: w, H: h}
}

// stepToward moves the current window's centre and width by at most the
// smoothing step, then derives height from the output aspect ratio.
func (u *AutoZoom) stepToward(target rectF) {
	step := u.smoothStepPixel
	move := func(current, target float64) float64 {
		if math.Abs(target-current) <= step {
			return target
		}
		if target > current {
			return current + step
		}
		return current - step
	}

	cx, cy := u.current.centre()
	tx, ty := target.centre()
	w := move(u.current.W, target.W)
	cx = move(cx, tx)
	cy = move(cy, ty)

	ar := float64(u.outputSize.X) / float64(u.outputSize.Y)
	h := w / ar

	u.current = rectF{X: cx - w/2, Y: cy - h/2, W: w, H: h}
}

// clampRect converts to integer pixels inside the frame without changing
// the aspect ratio more than rounding requires: a window that overhangs an
// edge is slid back inside. Only a window larger than the frame is trimmed.
func clampRect(r rectF, limit image.Point) image.Rectangle {
	x := int(math.Max(0, math.Min(r.X, math.Min(float64(limit.X)-r.W, float64(limit.X-1)))))
	y := int(math.Max(0, math.Min(r.Y, math.Min(float64(limit.Y)-r.H, float64(limit.Y-1)))))
	w := int(math.Max(1, math.Min(r.W, float64(limit.X-x))))
	h := int(math.Max(1, math.Min(r.H, float64(limit.Y-y))))
	return image.Rect(x, y, x+w, y+h)
}
