package units

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/config"
	"vigil/internal/frame"
	"vigil/internal/pipeline"
)

// MeasureLatency pairs a START tap with an END tap: START stamps the
// context, END records the elapsed time into a rolling window and
// periodically logs sorted percentile statistics.
type MeasureLatency struct {
	log         *zap.Logger
	isStart     bool
	label       string
	percentiles []float64
	window      time.Duration

	samples []latencySample
	lastLog time.Time
}

type latencySample struct {
	at      time.Time
	elapsed time.Duration
}

type latencyOptions struct {
	Position         string    `json:"position"`
	Label            string    `json:"label"`
	Percentiles      []float64 `json:"percentiles"`
	RollingWindowSec float64   `json:"rollingWindowSec"`
}

func NewMeasureLatency(cfg config.UnitConfig, log *zap.Logger) (*MeasureLatency, error) {
	opts := latencyOptions{
		Position:         "start",
		Label:            "latency",
		Percentiles:      []float64{0.5, 0.9, 0.99},
		RollingWindowSec: 5,
	}
	if err := cfg.Options(&opts); err != nil {
		return nil, err
	}
	var isStart bool
	switch opts.Position {
	case "start":
		isStart = true
	case "end":
		isStart = false
	default:
		return nil, fmt.Errorf("latency position must be \"start\" or \"end\", got %q", opts.Position)
	}
	if opts.RollingWindowSec <= 0 {
		opts.RollingWindowSec = 5
	}
	return &MeasureLatency{
		log:         log,
		isStart:     isStart,
		label:       opts.Label,
		percentiles: opts.Percentiles,
		window:      time.Duration(opts.RollingWindowSec * float64(time.Second)),
	}, nil
}

func (u *MeasureLatency) Name() string { return "measureLatency" }

func (u *MeasureLatency) Process(_ *gocv.Mat, ctx *frame.Context) pipeline.Result {
	now := time.Now()
	if u.isStart {
		ctx.LatencyStart = now
		return pipeline.SuccessContinue
	}

	if ctx.LatencyStart.IsZero() {
		return pipeline.FailureContinue
	}
	u.samples = append(u.samples, latencySample{at: now, elapsed: now.Sub(ctx.LatencyStart)})

	cutoff := now.Add(-u.window)
	for len(u.samples) > 0 && u.samples[0].at.Before(cutoff) {
		u.samples = u.samples[1:]
	}

	if now.Sub(u.lastLog) >= u.window {
		u.log.Info(u.label, zap.String("stats", u.formatPercentiles()))
		u.lastLog = now
	}
	return pipeline.SuccessContinue
}

// Percentiles returns the requested percentile values over the current
// window, keyed by percentile.
func (u *MeasureLatency) Percentiles() map[float64]time.Duration {
	if len(u.samples) == 0 {
		return nil
	}
	values := make([]time.Duration, len(u.samples))
	for i, s := range u.samples {
		values[i] = s.elapsed
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })

	out := make(map[float64]time.Duration, len(u.percentiles))
	for _, p := range u.percentiles {
		clamped := p
		if clamped < 0 {
			clamped = 0
		}
		if clamped > 1 {
			clamped = 1
		}
		out[p] = values[int(clamped*float64(len(values)-1))]
	}
	return out
}

func (u *MeasureLatency) formatPercentiles() string {
	stats := u.Percentiles()
	if len(stats) == 0 {
		return "no data"
	}
	ps := append([]float64(nil), u.percentiles...)
	sort.Float64s(ps)
	parts := make([]string, 0, len(ps))
	for _, p := range ps {
		v := stats[p]
		if v > time.Millisecond {
			parts = append(parts, fmt.Sprintf("P%g: %.2fms", p*100, float64(v)/float64(time.Millisecond)))
		} else {
			parts = append(parts, fmt.Sprintf("P%g: %dus", p*100, v.Microseconds()))
		}
	}
	return strings.Join(parts, ", ")
}
