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

// Resize scales the frame either to absolute dimensions or by a relative
// factor. Exactly one of the two must be configured.
type Resize struct {
	log    *zap.Logger
	width  int
	height int
	scale  float64
	interp gocv.InterpolationFlags
}

type resizeOptions struct {
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	Scale         float64 `json:"scale"`
	Interpolation string  `json:"interpolation"`
}

func NewResize(cfg config.UnitConfig, log *zap.Logger) (*Resize, error) {
	var opts resizeOptions
	if err := cfg.Options(&opts); err != nil {
		return nil, err
	}
	hasDims := opts.Width > 0 && opts.Height > 0
	hasScale := opts.Scale > 0
	if hasDims == hasScale {
		return nil, fmt.Errorf("exactly one of width/height or scale must be set")
	}
	interp, err := parseInterpolation(opts.Interpolation)
	if err != nil {
		return nil, err
	}
	log.Info("resize unit configured", zap.Int("width", opts.Width),
		zap.Int("height", opts.Height), zap.Float64("scale", opts.Scale),
		zap.String("interpolation", opts.Interpolation))
	return &Resize{log: log, width: opts.Width, height: opts.Height,
		scale: opts.Scale, interp: interp}, nil
}

func parseInterpolation(s string) (gocv.InterpolationFlags, error) {
	switch s {
	case "", "linear":
		return gocv.InterpolationLinear, nil
	case "nearest":
		return gocv.InterpolationNearestNeighbor, nil
	case "cubic":
		return gocv.InterpolationCubic, nil
	case "area":
		return gocv.InterpolationArea, nil
	default:
		return 0, fmt.Errorf("unknown interpolation %q", s)
	}
}

func (u *Resize) Name() string { return "resizeFrame" }

func (u *Resize) Process(m *gocv.Mat, _ *frame.Context) pipeline.Result {
	if m.Empty() {
		return pipeline.FailureContinue
	}
	resized := gocv.NewMat()
	if u.scale > 0 {
		gocv.Resize(*m, &resized, image.Point{}, u.scale, u.scale, u.interp)
	} else {
		gocv.Resize(*m, &resized, image.Pt(u.width, u.height), 0, 0, u.interp)
	}
	m.Close()
	*m = resized
	return pipeline.SuccessContinue
}
