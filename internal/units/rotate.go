// Package units implements the synchronous processing units that transform
// and annotate frames inside the capture goroutine.
package units

import (
	"fmt"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/config"
	"vigil/internal/frame"
	"vigil/internal/pipeline"
)

// RotateFlip rotates the frame by a right-angle multiple and optionally
// flips it along an axis.
type RotateFlip struct {
	log      *zap.Logger
	angle    int
	flip     bool
	flipCode int
}

type rotateOptions struct {
	Angle    int  `json:"angle"`
	Flip     bool `json:"flip"`
	FlipCode int  `json:"flipCode"`
}

// NewRotateFlip validates the angle at construction; unknown angles are
// rejected so the unit is dropped rather than failing every frame.
func NewRotateFlip(cfg config.UnitConfig, log *zap.Logger) (*RotateFlip, error) {
	opts := rotateOptions{FlipCode: -2}
	if err := cfg.Options(&opts); err != nil {
		return nil, err
	}
	switch opts.Angle {
	case 0, 90, 180, 270:
	default:
		return nil, fmt.Errorf("unsupported rotation angle %d", opts.Angle)
	}
	flip := opts.Flip || opts.FlipCode >= -1
	if flip && (opts.FlipCode < -1 || opts.FlipCode > 1) {
		return nil, fmt.Errorf("flip code must be in {-1,0,1}, got %d", opts.FlipCode)
	}
	log.Info("rotate unit configured", zap.Int("angle", opts.Angle),
		zap.Bool("flip", flip), zap.Int("flip_code", opts.FlipCode))
	return &RotateFlip{log: log, angle: opts.Angle, flip: flip, flipCode: opts.FlipCode}, nil
}

func (u *RotateFlip) Name() string { return "rotateFlip" }

func (u *RotateFlip) Process(m *gocv.Mat, _ *frame.Context) pipeline.Result {
	if m.Empty() {
		return pipeline.FailureContinue
	}
	var code gocv.RotateFlag
	switch u.angle {
	case 0:
		// rotation is a no-op; flipping may still apply below
	case 90:
		code = gocv.Rotate90Clockwise
	case 180:
		code = gocv.Rotate180Clockwise
	case 270:
		code = gocv.Rotate90CounterClockwise
	default:
		return pipeline.FailureStop
	}
	if u.angle != 0 {
		rotated := gocv.NewMat()
		gocv.Rotate(*m, &rotated, code)
		m.Close()
		*m = rotated
	}
	if u.flip {
		flipped := gocv.NewMat()
		gocv.Flip(*m, &flipped, u.flipCode)
		m.Close()
		*m = flipped
	}
	return pipeline.SuccessContinue
}
