package units

import (
	"fmt"
	"image"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/config"
	"vigil/internal/frame"
	"vigil/internal/pipeline"
)

// Crop trims fractional margins off each edge. The result is a zero-copy
// view, so downstream mutations touch the cropped region of the original
// allocation only.
type Crop struct {
	log                      *zap.Logger
	left, right, top, bottom float64
}

type cropOptions struct {
	Left   float64 `json:"left"`
	Right  float64 `json:"right"`
	Top    float64 `json:"top"`
	Bottom float64 `json:"bottom"`
}

func NewCrop(cfg config.UnitConfig, log *zap.Logger) (*Crop, error) {
	var opts cropOptions
	if err := cfg.Options(&opts); err != nil {
		return nil, err
	}
	for _, v := range []float64{opts.Left, opts.Right, opts.Top, opts.Bottom} {
		if v < 0 || v >= 1 {
			return nil, fmt.Errorf("crop margins must be in [0,1), got %v", v)
		}
	}
	if opts.Left+opts.Right >= 1 || opts.Top+opts.Bottom >= 1 {
		return nil, fmt.Errorf("opposing crop margins must sum below 1")
	}
	log.Info("crop unit configured", zap.Float64("left", opts.Left),
		zap.Float64("right", opts.Right), zap.Float64("top", opts.Top),
		zap.Float64("bottom", opts.Bottom))
	return &Crop{log: log, left: opts.Left, right: opts.Right,
		top: opts.Top, bottom: opts.Bottom}, nil
}

func (u *Crop) Name() string { return "cropFrame" }

// CropRect computes the pixel rectangle the configured margins select inside
// a width x height frame.
func (u *Crop) CropRect(width, height int) image.Rectangle {
	x0 := int(float64(width) * u.left)
	y0 := int(float64(height) * u.top)
	x1 := width - int(float64(width)*u.right)
	y1 := height - int(float64(height)*u.bottom)
	return image.Rect(x0, y0, x1, y1)
}

func (u *Crop) Process(m *gocv.Mat, _ *frame.Context) pipeline.Result {
	if m.Empty() {
		return pipeline.FailureContinue
	}
	r := u.CropRect(m.Cols(), m.Rows())
	if r.Dx() <= 0 || r.Dy() <= 0 {
		return pipeline.FailureContinue
	}
	view := m.Region(r)
	m.Close()
	*m = view
	return pipeline.SuccessContinue
}
