package units

import (
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/config"
	"vigil/internal/frame"
	"vigil/internal/pipeline"
)

// DebugOutput logs a summary of the frame context at an interval.
type DebugOutput struct {
	log      *zap.Logger
	interval time.Duration
	lastLog  time.Time
}

type debugOptions struct {
	IntervalMs int64 `json:"intervalMs"`
}

func NewDebugOutput(cfg config.UnitConfig, log *zap.Logger) (*DebugOutput, error) {
	opts := debugOptions{IntervalMs: 5000}
	if err := cfg.Options(&opts); err != nil {
		return nil, err
	}
	return &DebugOutput{log: log,
		interval: time.Duration(opts.IntervalMs) * time.Millisecond}, nil
}

func (u *DebugOutput) Name() string { return "debugOutput" }

func (u *DebugOutput) Process(m *gocv.Mat, ctx *frame.Context) pipeline.Result {
	if time.Since(u.lastLog) < u.interval {
		return pipeline.SuccessContinue
	}
	u.lastLog = time.Now()
	u.log.Info("frame context",
		zap.Uint64("frame_seq_num", ctx.FrameSeqNum),
		zap.Bool("real", ctx.CapturedFromRealDevice),
		zap.Int("width", m.Cols()), zap.Int("height", m.Rows()),
		zap.Float32("change_rate", ctx.ChangeRate),
		zap.Float32("fps", ctx.FPS),
		zap.Int("detections", len(ctx.Yolo.Indices)),
		zap.Int("faces", len(ctx.Yunet)))
	return pipeline.SuccessContinue
}
