package pipeline

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/frame"
)

// slowHandler records processed sequence numbers and can block per frame.
type slowHandler struct {
	mu      sync.Mutex
	delay   time.Duration
	release chan struct{}
	seqs    []uint64
}

func (h *slowHandler) Name() string { return "slowHandler" }

func (h *slowHandler) OnFrameReady(_ gocv.Mat, ctx *frame.Context) {
	if h.release != nil {
		<-h.release
	}
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.seqs = append(h.seqs, ctx.FrameSeqNum)
	h.mu.Unlock()
}

func (h *slowHandler) processed() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.seqs...)
}

func enqueueN(t *testing.T, b *AsyncBase, n int, startSeq uint64) {
	t.Helper()
	m := gocv.NewMatWithSize(24, 32, gocv.MatTypeCV8UC3)
	defer m.Close()
	for i := 0; i < n; i++ {
		ctx := frame.Context{Device: frame.DeviceInfo{Name: "d"}, FrameSeqNum: startSeq + uint64(i)}
		res := b.Enqueue(m, &ctx)
		require.Equal(t, SuccessContinue, res)
	}
}

func TestAsyncProcessesAllFramesInOrder(t *testing.T) {
	h := &slowHandler{}
	b := NewAsyncBase(h, zap.NewNop(), 64)
	b.Start()

	enqueueN(t, b, 20, 1)
	b.Stop()

	seqs := h.processed()
	require.Len(t, seqs, 20)
	for i, s := range seqs {
		assert.Equal(t, uint64(i+1), s, "frames must be processed in enqueue order")
	}
}

func TestStopDrainsQueueBeforeReturning(t *testing.T) {
	h := &slowHandler{delay: time.Millisecond}
	b := NewAsyncBase(h, zap.NewNop(), 64)
	b.Start()

	enqueueN(t, b, 30, 1)
	b.Stop()

	assert.Len(t, h.processed(), 30, "queued frames must be drained before join")
	assert.Equal(t, 0, b.QueueLen())
}

func TestOverflowShedsOldestDownToWarnThreshold(t *testing.T) {
	h := &slowHandler{}
	b := NewAsyncBase(h, zap.NewNop(), 128)

	// worker not started: the backlog grows purely from enqueues. The
	// enqueue that observes depth 31 sheds back to 10 before appending, so
	// 40 enqueues settle at 10 + 1 + 8.
	enqueueN(t, b, 40, 1)
	assert.Equal(t, warnQueueSize+9, b.QueueLen())

	b.Start()
	b.Stop()
}

func TestOverflowDropsOldestAndPreservesOrderOfSurvivors(t *testing.T) {
	h := &slowHandler{}
	b := NewAsyncBase(h, zap.NewNop(), 128)

	enqueueN(t, b, 40, 1)
	b.Start()
	b.Stop()

	seqs := h.processed()
	require.NotEmpty(t, seqs)
	assert.Equal(t, uint64(22), seqs[0], "the oldest frames are the ones shed")
	assert.Equal(t, uint64(40), seqs[len(seqs)-1])
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1], "surviving frames must stay ordered")
	}
}

func TestEnqueueEmptyFrameFails(t *testing.T) {
	h := &slowHandler{}
	b := NewAsyncBase(h, zap.NewNop(), 8)
	m := gocv.NewMat()
	defer m.Close()
	ctx := frame.Context{}
	assert.Equal(t, FailureContinue, b.Enqueue(m, &ctx))
}

func TestMaskedHoursSkipWithoutQueueing(t *testing.T) {
	h := &slowHandler{}
	b := NewAsyncBase(h, zap.NewNop(), 8)
	b.SetHours([24]bool{})

	m := gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8UC3)
	defer m.Close()
	ctx := frame.Context{}
	assert.Equal(t, SuccessContinue, b.Enqueue(m, &ctx))
	assert.Equal(t, 0, b.QueueLen())
}

func TestPanickingHandlerKeepsWorkerAlive(t *testing.T) {
	panicking := &panicHandler{}
	b := NewAsyncBase(panicking, zap.NewNop(), 8)
	b.Start()

	enqueueN(t, b, 3, 1)
	b.Stop()
	assert.Equal(t, 3, panicking.calls, "worker must survive handler panics")
}

type panicHandler struct {
	mu    sync.Mutex
	calls int
}

func (h *panicHandler) Name() string { return "panicHandler" }

func (h *panicHandler) OnFrameReady(gocv.Mat, *frame.Context) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	panic("boom")
}

func TestNestedUnitFeedsInnerExecutor(t *testing.T) {
	inner := NewExecutor(zap.NewNop())
	u := &recordingUnit{name: "inner", result: SuccessContinue}
	inner.Add(u, AllHours())

	nested := NewNestedUnit("group", inner, zap.NewNop(), 16)
	nested.Start()

	m := gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8UC3)
	defer m.Close()
	ctx := frame.Context{}
	require.Equal(t, SuccessContinue, nested.Enqueue(m, &ctx))
	nested.Stop()

	assert.Equal(t, 1, u.calls)
}
