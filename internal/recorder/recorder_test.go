package recorder

import (
	"encoding/json"
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
)

type fakeWriter struct {
	mu     sync.Mutex
	path   string
	frames int
	closed bool
}

func (w *fakeWriter) Write(gocv.Mat) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames++
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	writers []*fakeWriter
	fail    bool
}

func (f *fakeFactory) open(path string, _ float64, _, _ int) (VideoWriter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, assert.AnError
	}
	w := &fakeWriter{path: path}
	f.writers = append(f.writers, w)
	return w, nil
}

func newRecorder(t *testing.T, raw string, factory *fakeFactory) *Recorder {
	t.Helper()
	var cfg config.UnitConfig
	require.NoError(t, json.Unmarshal([]byte(raw), &cfg))
	r, err := New(cfg, factory.open, hooks.NewRunner(zap.NewNop(), "test"), nil, zap.NewNop())
	require.NoError(t, err)
	return r
}

func healthyCtx(changeRate float32) frame.Context {
	return frame.Context{
		Device:                     frame.DeviceInfo{Name: "cam"},
		CapturedFromRealDevice:     true,
		CaptureTimestamp:           time.Now(),
		CaptureFromThisDeviceSince: time.Now().Add(-time.Minute),
		ChangeRate:                 changeRate,
	}
}

func testMat(t *testing.T) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestIdleBelowThresholdDoesNotArm(t *testing.T) {
	factory := &fakeFactory{}
	r := newRecorder(t, `{"type":"videoWriter","filePath":"/tmp/a.mp4",
		"changeRateThreshold":0.5}`, factory)
	m := testMat(t)

	ctx := healthyCtx(0.1)
	for i := 0; i < 20; i++ {
		r.OnFrameReady(m, &ctx)
	}
	assert.Empty(t, factory.writers)
	assert.Equal(t, stateIdle, r.state)
}

func TestArmingFlushesPreRoll(t *testing.T) {
	factory := &fakeFactory{}
	r := newRecorder(t, `{"type":"videoWriter","filePath":"/tmp/seg.mp4",
		"changeRateThreshold":0.02,"preRecordFrames":30,"coolOffSec":5,"maxLengthSec":60}`,
		factory)
	m := testMat(t)

	quiet := healthyCtx(0.0)
	for i := 0; i < 45; i++ {
		r.OnFrameReady(m, &quiet)
	}

	active := healthyCtx(0.5)
	r.OnFrameReady(m, &active)

	require.Len(t, factory.writers, 1)
	w := factory.writers[0]
	// 30 pre-roll frames were flushed; the arming frame itself is written
	// on the same tick by the RECORDING branch
	assert.Equal(t, 30+1, w.frames)
	assert.Equal(t, stateRecording, r.state)
}

func TestZeroPreRollRecordsFromArmingFrame(t *testing.T) {
	factory := &fakeFactory{}
	r := newRecorder(t, `{"type":"videoWriter","filePath":"/tmp/seg.mp4",
		"changeRateThreshold":0.02,"preRecordFrames":0}`, factory)
	m := testMat(t)

	quiet := healthyCtx(0.0)
	for i := 0; i < 10; i++ {
		r.OnFrameReady(m, &quiet)
	}
	active := healthyCtx(0.5)
	r.OnFrameReady(m, &active)

	require.Len(t, factory.writers, 1)
	assert.Equal(t, 1, factory.writers[0].frames)
}

func TestPlaceholderFramesNeverArm(t *testing.T) {
	factory := &fakeFactory{}
	r := newRecorder(t, `{"type":"videoWriter","filePath":"/tmp/a.mp4",
		"changeRateThreshold":0.02}`, factory)
	m := testMat(t)

	ctx := healthyCtx(0.9)
	ctx.CapturedFromRealDevice = false
	r.OnFrameReady(m, &ctx)
	assert.Empty(t, factory.writers)
}

func TestFreshSourceNeverArms(t *testing.T) {
	factory := &fakeFactory{}
	r := newRecorder(t, `{"type":"videoWriter","filePath":"/tmp/a.mp4",
		"changeRateThreshold":0.02}`, factory)
	m := testMat(t)

	ctx := healthyCtx(0.9)
	// healthy for only two seconds, still inside the warm-up window
	ctx.CaptureFromThisDeviceSince = time.Now().Add(-2 * time.Second)
	r.OnFrameReady(m, &ctx)
	assert.Empty(t, factory.writers)
}

func TestCoolOffClosesSegment(t *testing.T) {
	factory := &fakeFactory{}
	r := newRecorder(t, `{"type":"videoWriter","filePath":"/tmp/seg.mp4",
		"changeRateThreshold":0.02,"coolOffSec":0,"maxLengthSec":600}`, factory)
	m := testMat(t)

	active := healthyCtx(0.5)
	r.OnFrameReady(m, &active)
	require.Equal(t, stateRecording, r.state)

	quiet := healthyCtx(0.0)
	r.OnFrameReady(m, &quiet)

	assert.Equal(t, stateIdle, r.state)
	assert.True(t, factory.writers[0].closed, "segment must be closed on cool-off")
}

func TestMaxLengthClosesSegment(t *testing.T) {
	factory := &fakeFactory{}
	r := newRecorder(t, `{"type":"videoWriter","filePath":"/tmp/seg.mp4",
		"changeRateThreshold":0.02,"coolOffSec":600,"maxLengthSec":0}`, factory)
	m := testMat(t)

	active := healthyCtx(0.5)
	r.OnFrameReady(m, &active)
	// with maxLengthSec 0 the cap is already reached on the arming tick, so
	// each segment closes on the tick that opened it
	r.OnFrameReady(m, &active)

	assert.Equal(t, stateIdle, r.state)
	assert.True(t, factory.writers[0].closed)
}

func TestReArmAfterClose(t *testing.T) {
	factory := &fakeFactory{}
	r := newRecorder(t, `{"type":"videoWriter","filePath":"/tmp/seg.mp4",
		"changeRateThreshold":0.02,"coolOffSec":0,"maxLengthSec":600}`, factory)
	m := testMat(t)

	active := healthyCtx(0.5)
	quiet := healthyCtx(0.0)
	r.OnFrameReady(m, &active)
	r.OnFrameReady(m, &quiet)
	require.Equal(t, stateIdle, r.state)

	r.OnFrameReady(m, &active)
	assert.Len(t, factory.writers, 2, "recorder must re-arm for a second segment")
}

func TestOpenFailureDisablesRecorder(t *testing.T) {
	factory := &fakeFactory{fail: true}
	r := newRecorder(t, `{"type":"videoWriter","filePath":"/tmp/seg.mp4",
		"changeRateThreshold":0.02}`, factory)
	m := testMat(t)

	active := healthyCtx(0.5)
	r.OnFrameReady(m, &active)
	assert.Equal(t, stateDisabled, r.state)

	// later frames are ignored entirely
	r.OnFrameReady(m, &active)
	assert.Equal(t, stateDisabled, r.state)
}

func TestFilenameTemplateResolvedPerSegment(t *testing.T) {
	factory := &fakeFactory{}
	r := newRecorder(t, `{"type":"videoWriter",
		"filePath":"/rec/{deviceName}_{videoStartTime:%Y}.mp4",
		"changeRateThreshold":0.02}`, factory)
	m := testMat(t)

	active := healthyCtx(0.5)
	r.OnFrameReady(m, &active)
	require.Len(t, factory.writers, 1)
	assert.Equal(t, "/rec/cam_"+time.Now().Format("2006")+".mp4", factory.writers[0].path)
}

func TestPreRollRingIsBounded(t *testing.T) {
	factory := &fakeFactory{}
	r := newRecorder(t, `{"type":"videoWriter","filePath":"/tmp/seg.mp4",
		"changeRateThreshold":0.9,"preRecordFrames":5}`, factory)
	m := testMat(t)

	quiet := healthyCtx(0.0)
	for i := 0; i < 50; i++ {
		r.OnFrameReady(m, &quiet)
	}
	assert.Len(t, r.preRoll, 5)
	r.Stop()
}
