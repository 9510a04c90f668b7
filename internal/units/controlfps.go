package units

import (
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/config"
	"vigil/internal/frame"
	"vigil/internal/pipeline"
)

// ControlFPS skips the remainder of the chain whenever the sliding-window
// FPS estimate exceeds the cap, throttling every downstream unit at once.
type ControlFPS struct {
	log    *zap.Logger
	cap    float32
	window *slidingWindow
}

type controlFPSOptions struct {
	SlidingWindowLengthMs int64   `json:"slidingWindowLengthMs"`
	FPSCap                float32 `json:"fpsCap"`
}

func NewControlFPS(cfg config.UnitConfig, log *zap.Logger) (*ControlFPS, error) {
	opts := controlFPSOptions{SlidingWindowLengthMs: 10000, FPSCap: 30}
	if err := cfg.Options(&opts); err != nil {
		return nil, err
	}
	if opts.SlidingWindowLengthMs <= 1000 {
		opts.SlidingWindowLengthMs = 1000
	}
	log.Info("fps governor configured", zap.Float32("fps_cap", opts.FPSCap),
		zap.Int64("sliding_window_ms", opts.SlidingWindowLengthMs))
	return &ControlFPS{
		log:    log,
		cap:    opts.FPSCap,
		window: newSlidingWindow(time.Duration(opts.SlidingWindowLengthMs) * time.Millisecond),
	}, nil
}

func (u *ControlFPS) Name() string { return "controlFps" }

func (u *ControlFPS) Process(_ *gocv.Mat, ctx *frame.Context) pipeline.Result {
	ctx.FPS = u.window.Add(ctx.CaptureTimestamp)
	if ctx.FPS > u.cap {
		// this tick will be skipped, so it must not count toward the rate
		u.window.PopLast()
		return pipeline.SuccessStop
	}
	return pipeline.SuccessContinue
}
