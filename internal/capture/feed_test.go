package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/config"
	"vigil/internal/frame"
	"vigil/internal/hooks"
	"vigil/internal/pipeline"
)

// failingReader always reports a failed read.
type failingReader struct{}

func (failingReader) NextFrame(*gocv.Mat) bool { return false }
func (failingReader) Close() error             { return nil }

// tickObserver is a synchronous unit that records every tick and cancels
// the loop after enough frames arrived.
type tickObserver struct {
	mu       sync.Mutex
	want     int
	cancel   context.CancelFunc
	contexts []frame.Context
	sizes    []int
}

func (o *tickObserver) Name() string { return "tickObserver" }

func (o *tickObserver) Process(m *gocv.Mat, ctx *frame.Context) pipeline.Result {
	o.mu.Lock()
	o.contexts = append(o.contexts, ctx.Clone())
	o.sizes = append(o.sizes, m.Cols()*1000000+m.Rows())
	n := len(o.contexts)
	o.mu.Unlock()
	if n >= o.want {
		o.cancel()
	}
	return pipeline.SuccessContinue
}

func (o *tickObserver) snapshot() []frame.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]frame.Context(nil), o.contexts...)
}

func runFeed(t *testing.T, factory ReaderFactory, reader Reader, want int) *tickObserver {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	observer := &tickObserver{want: want, cancel: cancel}
	exec := pipeline.NewExecutor(zap.NewNop())
	exec.Add(observer, pipeline.AllHours())

	dev := frame.DeviceInfo{
		Name: "test", URI: "fake://cam", ExpectedWidth: 64, ExpectedHeight: 48,
	}
	feed := NewFeed(dev, exec, factory, config.HookConfig{},
		hooks.NewRunner(zap.NewNop(), "test"), zap.NewNop())
	feed.sleep = func(time.Duration) {} // no real placeholder pacing in tests

	if reader != nil {
		feed.reader = reader
	}
	feed.Run(ctx)
	return observer
}

func TestPlaceholderHeartbeat(t *testing.T) {
	observer := runFeed(t, nil, failingReader{}, 300)

	contexts := observer.snapshot()
	require.GreaterOrEqual(t, len(contexts), 300)
	for i, c := range contexts[:300] {
		assert.False(t, c.CapturedFromRealDevice, "tick %d must be a placeholder", i)
		assert.Equal(t, uint64(i+1), c.FrameSeqNum, "seq must increase by exactly 1")
	}
	for _, s := range observer.sizes[:300] {
		assert.Equal(t, 64*1000000+48, s, "placeholder must match expectedFrameSize")
	}
}

func TestReopenNotAttemptedBeforeBackoffDelay(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	factory := func(string) (Reader, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return failingReader{}, nil
	}

	observer := runFeed(t, factory, nil, 200)
	require.GreaterOrEqual(t, len(observer.snapshot()), 200)

	// the reopener sleeps at least 2 s before attempting, so during this
	// short run the factory must never have been called
	mu.Lock()
	assert.Equal(t, 0, calls)
	mu.Unlock()
}

func TestReopenDelayClamping(t *testing.T) {
	assert.Equal(t, 2*time.Second, reopenDelay(0))
	assert.Equal(t, 2*time.Second, reopenDelay(time.Second))
	assert.Equal(t, 30*time.Second, reopenDelay(30*time.Second))
	assert.Equal(t, 10*time.Minute, reopenDelay(time.Hour))
}

// cannedReader produces solid frames of a fixed size.
type cannedReader struct {
	width, height int
}

func (r cannedReader) NextFrame(m *gocv.Mat) bool {
	filled := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(50, 60, 70, 0),
		r.height, r.width, gocv.MatTypeCV8UC3)
	m.Close()
	*m = filled
	return true
}

func (cannedReader) Close() error { return nil }

func TestHealthyReaderProducesRealFrames(t *testing.T) {
	observer := runFeed(t, nil, cannedReader{width: 64, height: 48}, 10)

	contexts := observer.snapshot()
	require.GreaterOrEqual(t, len(contexts), 10)
	for _, c := range contexts[:10] {
		assert.True(t, c.CapturedFromRealDevice)
	}
}

func TestWrongSizeFrameFallsBackToPlaceholder(t *testing.T) {
	// reader yields 320x240 while the device expects 64x48
	observer := runFeed(t, nil, cannedReader{width: 320, height: 240}, 5)

	for _, c := range observer.snapshot()[:5] {
		assert.False(t, c.CapturedFromRealDevice,
			"bad geometry must be treated as source unavailability")
	}
	for _, s := range observer.sizes[:5] {
		assert.Equal(t, 64*1000000+48, s)
	}
}

func TestStateTransitionResetsSince(t *testing.T) {
	// flipper alternates between healthy and failing every call
	fr := &flippingReader{}
	observer := runFeed(t, nil, fr, 6)

	contexts := observer.snapshot()
	require.GreaterOrEqual(t, len(contexts), 4)
	for i := 1; i < 4; i++ {
		if contexts[i].CapturedFromRealDevice != contexts[i-1].CapturedFromRealDevice {
			assert.Equal(t, contexts[i].CaptureTimestamp, contexts[i].CaptureFromThisDeviceSince,
				"a state flip must reset capture_from_this_device_since")
		}
	}
}

type flippingReader struct {
	n int
}

func (r *flippingReader) NextFrame(m *gocv.Mat) bool {
	r.n++
	if r.n%2 == 0 {
		return false
	}
	filled := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(1, 2, 3, 0), 48, 64, gocv.MatTypeCV8UC3)
	m.Close()
	*m = filled
	return true
}

func (r *flippingReader) Close() error { return nil }
