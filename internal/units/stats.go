package units

import (
	"image"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/config"
	"vigil/internal/frame"
	"vigil/internal/metrics"
	"vigil/internal/pipeline"
	"vigil/internal/tmpl"
)

// slidingWindow estimates frames-per-second over a bounded lookback of
// capture timestamps. While the window is still warming up the divisor is
// the actual span, not the configured length.
type slidingWindow struct {
	length time.Duration
	times  []time.Time
}

func newSlidingWindow(length time.Duration) *slidingWindow {
	if length < time.Second {
		length = time.Second
	}
	return &slidingWindow{length: length}
}

// Add records ts, prunes entries older than the window, and returns the FPS
// estimate: (count-1) / span.
func (w *slidingWindow) Add(ts time.Time) float32 {
	w.times = append(w.times, ts)
	for len(w.times) > 0 && ts.Sub(w.times[0]) > w.length {
		w.times = w.times[1:]
	}

	span := w.length
	if actual := ts.Sub(w.times[0]); actual > 0 && actual < w.length {
		span = actual
	}
	if len(w.times) > 1 && span > 0 {
		return float32(len(w.times)-1) / float32(span.Seconds())
	}
	return 0
}

// PopLast removes the most recent entry. Used by the FPS governor after it
// decides to skip the tick.
func (w *slidingWindow) PopLast() {
	if len(w.times) > 0 {
		w.times = w.times[:len(w.times)-1]
	}
}

type refFrame struct {
	at  time.Time
	mat gocv.Mat
}

// CollectStats computes the sliding-window FPS and the change rate of each
// frame against a reference at least frameCompareInterval old, and appends
// the configured overlay text template to the frame context.
type CollectStats struct {
	log *zap.Logger

	scaleFactor       float64
	thresholdPerPixel float32
	kernelSize        int
	compareInterval   time.Duration
	overlayTemplate   string
	appendOverlay     bool

	fps     *slidingWindow
	history []refFrame

	// scratch buffers reused across ticks
	small   gocv.Mat
	current gocv.Mat
	diff    gocv.Mat
	mask    gocv.Mat
}

type statsOptions struct {
	OverlayTextTemplate       *string `json:"overlayTextTemplate"`
	AppendInfoToOverlayText   *bool   `json:"appendInfoToOverlayText"`
	ChangeRate                struct {
		Scale                  float64 `json:"scale"`
		ThresholdPerPixel      float64 `json:"thresholdPerPixel"`
		KernelSize             int     `json:"kernelSize"`
		FrameCompareIntervalMs int64   `json:"frameCompareIntervalMs"`
	} `json:"changeRate"`
	FPS struct {
		SlidingWindowLengthMs int64 `json:"slidingWindowLengthMs"`
	} `json:"fps"`
}

func NewCollectStats(cfg config.UnitConfig, log *zap.Logger) (*CollectStats, error) {
	var opts statsOptions
	if err := cfg.Options(&opts); err != nil {
		return nil, err
	}

	u := &CollectStats{
		log:               log,
		scaleFactor:       0.25,
		thresholdPerPixel: 25,
		kernelSize:        5,
		compareInterval:   time.Second,
		overlayTemplate: "{deviceName},\nChg: {changeRatePct:.1f}%, FPS: " +
			"{fps:.1f}\n{timestamp:%Y-%m-%d %H:%M:%S}\n",
		appendOverlay: true,
		fps:           newSlidingWindow(10 * time.Second),
		small:         gocv.NewMat(),
		current:       gocv.NewMat(),
		diff:          gocv.NewMat(),
		mask:          gocv.NewMat(),
	}
	if s := opts.ChangeRate.Scale; s > 0 && s <= 1 {
		u.scaleFactor = s
	}
	if t := opts.ChangeRate.ThresholdPerPixel; t > 0 {
		u.thresholdPerPixel = float32(t)
	}
	if k := opts.ChangeRate.KernelSize; k > 0 {
		u.kernelSize = k
	}
	// the Gaussian kernel must have odd dimensions
	if u.kernelSize%2 == 0 {
		u.kernelSize++
	}
	if ms := opts.ChangeRate.FrameCompareIntervalMs; ms > 0 {
		u.compareInterval = time.Duration(ms) * time.Millisecond
	}
	if ms := opts.FPS.SlidingWindowLengthMs; ms > 0 {
		u.fps = newSlidingWindow(time.Duration(ms) * time.Millisecond)
	}
	if opts.OverlayTextTemplate != nil {
		u.overlayTemplate = *opts.OverlayTextTemplate
	}
	if opts.AppendInfoToOverlayText != nil {
		u.appendOverlay = *opts.AppendInfoToOverlayText
	}

	log.Info("stats unit configured",
		zap.Float64("scale_factor", u.scaleFactor),
		zap.Float32("threshold_per_pixel", u.thresholdPerPixel),
		zap.Int("kernel_size", u.kernelSize),
		zap.Duration("frame_compare_interval", u.compareInterval))
	return u, nil
}

func (u *CollectStats) Name() string { return "collectStats" }

func (u *CollectStats) Process(m *gocv.Mat, ctx *frame.Context) pipeline.Result {
	if m.Empty() {
		return pipeline.FailureContinue
	}

	ctx.FPS = u.fps.Add(ctx.CaptureTimestamp)
	metrics.CaptureFPS.WithLabelValues(ctx.Device.Name).Set(float64(ctx.FPS))

	u.computeChangeRate(m, ctx)
	metrics.ChangeRate.WithLabelValues(ctx.Device.Name).Set(float64(ctx.ChangeRate))

	if u.appendOverlay && u.overlayTemplate != "" {
		v := tmpl.FromContext(ctx)
		v.Timestamp = time.Now()
		ctx.TextToOverlay += tmpl.Evaluate(u.overlayTemplate, v)
	}
	return pipeline.SuccessContinue
}

func (u *CollectStats) computeChangeRate(m *gocv.Mat, ctx *frame.Context) {
	smallSize := image.Pt(int(float64(m.Cols())*u.scaleFactor),
		int(float64(m.Rows())*u.scaleFactor))
	if smallSize.X < 1 || smallSize.Y < 1 {
		ctx.ChangeRate = 0
		return
	}
	// a resolution change invalidates the whole history
	if u.small.Cols() != smallSize.X || u.small.Rows() != smallSize.Y {
		u.resetHistory()
	}

	gocv.Resize(*m, &u.small, smallSize, 0, 0, gocv.InterpolationLinear)
	gocv.CvtColor(u.small, &u.current, gocv.ColorBGRToGray)
	gocv.GaussianBlur(u.current, &u.current,
		image.Pt(u.kernelSize, u.kernelSize), 0, 0, gocv.BorderDefault)

	now := ctx.CaptureTimestamp
	if len(u.history) == 0 {
		u.history = append(u.history, refFrame{at: now, mat: u.current.Clone()})
		ctx.ChangeRate = 0
		return
	}

	// Prune so the kept front is the newest frame still at least the
	// compare interval old.
	for len(u.history) > 1 && now.Sub(u.history[1].at) >= u.compareInterval {
		u.history[0].mat.Close()
		u.history = u.history[1:]
	}

	ref := u.history[0]
	if now.Sub(ref.at) >= u.compareInterval {
		gocv.AbsDiff(u.current, ref.mat, &u.diff)
		gocv.Threshold(u.diff, &u.mask, u.thresholdPerPixel, 255, gocv.ThresholdBinary)
		total := u.mask.Cols() * u.mask.Rows()
		if total > 0 {
			ctx.ChangeRate = float32(gocv.CountNonZero(u.mask)) / float32(total)
		} else {
			ctx.ChangeRate = 0
		}
	} else {
		// not enough history accumulated yet
		ctx.ChangeRate = 0
	}

	u.history = append(u.history, refFrame{at: now, mat: u.current.Clone()})
}

func (u *CollectStats) resetHistory() {
	for i := range u.history {
		u.history[i].mat.Close()
	}
	u.history = nil
}

// Close releases the scratch buffers and reference history.
func (u *CollectStats) Close() {
	u.resetHistory()
	u.small.Close()
	u.current.Close()
	u.diff.Close()
	u.mask.Close()
}
