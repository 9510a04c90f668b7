package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/frame"
)

type recordingUnit struct {
	name   string
	result Result
	calls  int
	seen   []int
}

func (u *recordingUnit) Name() string { return u.name }

func (u *recordingUnit) Process(_ *gocv.Mat, ctx *frame.Context) Result {
	u.calls++
	u.seen = append(u.seen, ctx.ProcessingUnitIdx)
	return u.result
}

func newTestFrame(t *testing.T) gocv.Mat {
	t.Helper()
	m := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestExecutorRunsUnitsInOrder(t *testing.T) {
	exec := NewExecutor(zap.NewNop())
	a := &recordingUnit{name: "a", result: SuccessContinue}
	b := &recordingUnit{name: "b", result: SuccessContinue}
	exec.Add(a, AllHours())
	exec.Add(b, AllHours())

	m := newTestFrame(t)
	ctx := frame.NewContext(frame.DeviceInfo{Name: "d"})
	exec.OnFrameReady(&m, &ctx)

	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.Equal(t, []int{0}, a.seen)
	assert.Equal(t, []int{1}, b.seen)
}

func TestStopResultShortCircuits(t *testing.T) {
	for _, stop := range []Result{SuccessStop, FailureStop} {
		exec := NewExecutor(zap.NewNop())
		first := &recordingUnit{name: "first", result: stop}
		second := &recordingUnit{name: "second", result: SuccessContinue}
		exec.Add(first, AllHours())
		exec.Add(second, AllHours())

		m := newTestFrame(t)
		ctx := frame.NewContext(frame.DeviceInfo{})
		exec.OnFrameReady(&m, &ctx)

		assert.Equal(t, 1, first.calls)
		assert.Equal(t, 0, second.calls, "unit after a stop result must not run")
	}
}

func TestFailureContinueKeepsChainFlowing(t *testing.T) {
	exec := NewExecutor(zap.NewNop())
	first := &recordingUnit{name: "first", result: FailureContinue}
	second := &recordingUnit{name: "second", result: SuccessContinue}
	exec.Add(first, AllHours())
	exec.Add(second, AllHours())

	m := newTestFrame(t)
	ctx := frame.NewContext(frame.DeviceInfo{})
	exec.OnFrameReady(&m, &ctx)
	assert.Equal(t, 1, second.calls)
}

func TestDisabledUnitIsSkipped(t *testing.T) {
	exec := NewExecutor(zap.NewNop())
	u := &recordingUnit{name: "u", result: SuccessContinue}
	exec.Add(u, AllHours())
	exec.SetDisabled("u", true)

	m := newTestFrame(t)
	ctx := frame.NewContext(frame.DeviceInfo{})
	exec.OnFrameReady(&m, &ctx)
	assert.Equal(t, 0, u.calls)

	exec.SetDisabled("u", false)
	exec.OnFrameReady(&m, &ctx)
	assert.Equal(t, 1, u.calls)
}

func TestAllFalseHoursMaskDisablesUnitWithoutStoppingChain(t *testing.T) {
	exec := NewExecutor(zap.NewNop())
	masked := &recordingUnit{name: "masked", result: SuccessStop}
	after := &recordingUnit{name: "after", result: SuccessContinue}
	exec.Add(masked, [24]bool{})
	exec.Add(after, AllHours())

	m := newTestFrame(t)
	ctx := frame.NewContext(frame.DeviceInfo{})
	exec.OnFrameReady(&m, &ctx)

	assert.Equal(t, 0, masked.calls)
	assert.Equal(t, 1, after.calls)
}

func TestHoursFromSlice(t *testing.T) {
	assert.Equal(t, AllHours(), HoursFromSlice(nil))
	assert.Equal(t, AllHours(), HoursFromSlice([]bool{true, false}))

	custom := make([]bool, 24)
	custom[9] = true
	h := HoursFromSlice(custom)
	assert.True(t, h[9])
	assert.False(t, h[10])
}
