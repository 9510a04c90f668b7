// Package capture owns one video source per feed and keeps frames flowing
// downstream even while the source is unavailable.
package capture

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/config"
	"vigil/internal/frame"
	"vigil/internal/hooks"
	"vigil/internal/metrics"
	"vigil/internal/pipeline"
	"vigil/internal/tmpl"
)

const (
	// placeholderInterval emulates a ~30 fps device while the real source
	// is down.
	placeholderInterval = time.Second / 34

	// readWarnEveryNFrames throttles the no-reader / read-failed logs.
	readWarnEveryNFrames = 90

	minReopenDelay = 2 * time.Second
	maxReopenDelay = 10 * time.Minute

	// reopenCooldown keeps the reopener from being rescheduled immediately
	// after an attempt completes.
	reopenCooldown = 5 * time.Second
)

// Feed runs the capture loop of a single device: it pulls frames, substitutes
// grey placeholders during outages, schedules reopen attempts, stamps the
// per-frame context and hands everything to the executor.
type Feed struct {
	dev     frame.DeviceInfo
	exec    *pipeline.Executor
	factory ReaderFactory
	hookCfg config.HookConfig
	runner  *hooks.Runner
	log     *zap.Logger

	mu             sync.Mutex
	reader         Reader
	retryScheduled bool

	// sleep is swappable so tests do not wait out real placeholder ticks.
	sleep func(time.Duration)
}

// NewFeed wires a capture loop for dev. factory may be nil to start with no
// reader (the reopener will create one).
func NewFeed(dev frame.DeviceInfo, exec *pipeline.Executor, factory ReaderFactory,
	hookCfg config.HookConfig, runner *hooks.Runner, log *zap.Logger) *Feed {
	return &Feed{
		dev:     dev,
		exec:    exec,
		factory: factory,
		hookCfg: hookCfg,
		runner:  runner,
		log:     log.With(zap.String("component", "capture"), zap.String("device", dev.Name)),
		sleep:   time.Sleep,
	}
}

// Run executes the capture loop until ctx is cancelled. Every tick hands
// exactly one frame to the executor, real or placeholder.
func (f *Feed) Run(ctx context.Context) {
	m := gocv.NewMat()
	defer m.Close()

	c := frame.NewContext(f.dev)
	for ctx.Err() == nil {
		f.fillFrame(&m, &c)
		if !c.CapturedFromRealDevice {
			f.scheduleReopen(ctx, &c)
		}
		f.exec.OnFrameReady(&m, &c)
	}

	f.mu.Lock()
	if f.reader != nil {
		f.reader.Close()
		f.reader = nil
	}
	f.mu.Unlock()
	f.log.Info("capture loop quits gracefully")
}

// fillFrame acquires a real frame or substitutes a placeholder, then stamps
// the context.
func (f *Feed) fillFrame(m *gocv.Mat, c *frame.Context) {
	real := false

	f.mu.Lock()
	switch {
	case f.reader == nil:
		if c.FrameSeqNum%readWarnEveryNFrames == 0 {
			f.log.Warn("no video reader (throttled to once per 90 frames)",
				zap.Uint64("frame_seq_num", c.FrameSeqNum))
		}
	case !f.nextFrame(m):
		if c.FrameSeqNum%readWarnEveryNFrames == 0 {
			f.log.Error("reader.NextFrame returned false (throttled to once per 90 frames)",
				zap.Uint64("frame_seq_num", c.FrameSeqNum))
		}
	case m.Empty() || m.Cols() != f.dev.ExpectedWidth || m.Rows() != f.dev.ExpectedHeight:
		f.log.Error("frame has unexpected size",
			zap.Int("expected_width", f.dev.ExpectedWidth),
			zap.Int("expected_height", f.dev.ExpectedHeight),
			zap.Int("actual_width", m.Cols()), zap.Int("actual_height", m.Rows()))
	default:
		real = true
	}
	f.mu.Unlock()

	if !real {
		f.sleep(placeholderInterval)
		fillPlaceholder(m, f.dev.ExpectedWidth, f.dev.ExpectedHeight)
	}

	now := time.Now()
	c.CaptureTimestamp = now
	if real != c.CapturedFromRealDevice {
		c.CaptureFromThisDeviceSince = now
		f.fireTransitionHooks(real, c)
	}
	c.CapturedFromRealDevice = real
	c.FrameSeqNum++

	source := "real"
	if !real {
		source = "placeholder"
	}
	metrics.FramesCaptured.WithLabelValues(f.dev.Name, source).Inc()
}

// nextFrame guards against a panicking OpenCV binding so a broken reader is
// treated as a plain read failure.
func (f *Feed) nextFrame(m *gocv.Mat) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("reader.NextFrame panicked", zap.Any("panic", r))
			ok = false
		}
	}()
	return f.reader.NextFrame(m)
}

func fillPlaceholder(m *gocv.Mat, width, height int) {
	if m.Empty() || m.Cols() != width || m.Rows() != height || m.Type() != gocv.MatTypeCV8UC3 {
		grey := gocv.NewMatWithSizeFromScalar(
			gocv.NewScalar(128, 128, 128, 0), height, width, gocv.MatTypeCV8UC3)
		m.Close()
		*m = grey
		return
	}
	m.SetTo(gocv.NewScalar(128, 128, 128, 0))
}

// reopenDelay clamps the time-since-healthy to the retry window.
func reopenDelay(downFor time.Duration) time.Duration {
	if downFor < minReopenDelay {
		return minReopenDelay
	}
	if downFor > maxReopenDelay {
		return maxReopenDelay
	}
	return downFor
}

// scheduleReopen launches at most one detached reopener at a time. The
// reopener sleeps for the clamped backoff, attempts to open the source, then
// waits a cool-down before another attempt may be scheduled.
func (f *Feed) scheduleReopen(ctx context.Context, c *frame.Context) {
	if f.factory == nil {
		return
	}
	f.mu.Lock()
	if f.retryScheduled {
		f.mu.Unlock()
		return
	}
	f.retryScheduled = true
	f.mu.Unlock()

	downFor := time.Since(c.CaptureFromThisDeviceSince)
	delay := reopenDelay(downFor)
	f.log.Warn("source unhealthy, scheduling reopen",
		zap.Duration("down_for", downFor), zap.Duration("delay", delay))

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		f.log.Info("reopen delay reached, opening video source", zap.String("uri", f.dev.URI))
		reader, err := f.factory(f.dev.URI)

		f.mu.Lock()
		if err != nil {
			f.log.Error("opening video source failed", zap.String("uri", f.dev.URI), zap.Error(err))
		} else {
			if f.reader != nil {
				f.reader.Close()
			}
			f.reader = reader
			f.log.Info("video source opened", zap.String("uri", f.dev.URI))
		}
		f.mu.Unlock()

		f.sleep(reopenCooldown)
		f.mu.Lock()
		f.retryScheduled = false
		f.mu.Unlock()
	}()
}

func (f *Feed) fireTransitionHooks(nowReal bool, c *frame.Context) {
	if f.runner == nil || c.FrameSeqNum == 0 {
		return
	}
	v := tmpl.FromContext(c)
	if nowReal {
		f.runner.Fire("onDeviceBackOnline", tmpl.Evaluate(f.hookCfg.OnDeviceBackOnline, v))
		return
	}
	v.DeviceOfflineTime = time.Now()
	f.runner.Fire("onDeviceOffline", tmpl.Evaluate(f.hookCfg.OnDeviceOffline, v))
}
