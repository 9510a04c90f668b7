package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/frame"
	"vigil/internal/metrics"
	"vigil/internal/queue"
)

const (
	warnQueueSize     = 10
	criticalQueueSize = 30
	warnThrottle      = 5 * time.Second

	// DefaultQueueSize bounds an async unit's backlog when the config does
	// not override it.
	DefaultQueueSize = 512
)

// Payload is the deep-copied frame plus its context snapshot carried on an
// asynchronous unit's queue. The receiver owns Mat and must close it.
type Payload struct {
	Mat gocv.Mat
	Ctx frame.Context
}

// Handler is the body of an asynchronous unit, invoked by the worker for
// each dequeued frame. The handler must not retain Mat past the call.
type Handler interface {
	Name() string
	OnFrameReady(m gocv.Mat, ctx *frame.Context)
}

// AsyncBase implements the Async contract around a Handler: non-blocking
// deep-copy enqueue with overflow shedding, one worker goroutine, and an
// active-hours mask.
type AsyncBase struct {
	handler Handler
	log     *zap.Logger
	q       *queue.Bounded[Payload]
	hours   [24]bool

	running  atomic.Bool
	wg       sync.WaitGroup
	warnMu   sync.Mutex
	lastWarn time.Time
}

// NewAsyncBase wraps handler with queue and worker machinery.
func NewAsyncBase(handler Handler, log *zap.Logger, queueSize int) *AsyncBase {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &AsyncBase{
		handler: handler,
		log:     log.With(zap.String("unit", handler.Name())),
		q:       queue.NewBounded[Payload](queueSize),
		hours:   AllHours(),
	}
}

// SetHours replaces the unit's active-hours mask.
func (b *AsyncBase) SetHours(h [24]bool) { b.hours = h }

// Name implements Unit.
func (b *AsyncBase) Name() string { return b.handler.Name() }

// QueueLen reports the current backlog, for tests and metrics.
func (b *AsyncBase) QueueLen() int { return b.q.Len() }

// Enqueue clones the frame onto the queue and returns without blocking.
// An empty frame, a full queue and queue closure yield FailureContinue;
// everything else is SuccessContinue, including the masked-hours no-op.
func (b *AsyncBase) Enqueue(m gocv.Mat, ctx *frame.Context) Result {
	if !b.hours[time.Now().Hour()] {
		return SuccessContinue
	}
	if m.Empty() {
		return FailureContinue
	}

	b.shedBacklog(ctx)

	clone := m.Clone()
	if !b.q.TryEnqueue(Payload{Mat: clone, Ctx: ctx.Clone()}) {
		clone.Close()
		metrics.FramesDropped.WithLabelValues(ctx.Device.Name, b.Name()).Inc()
		return FailureContinue
	}
	metrics.QueueDepth.WithLabelValues(ctx.Device.Name, b.Name()).Set(float64(b.q.Len()))
	return SuccessContinue
}

// shedBacklog applies the two-stage overflow policy: a throttled warning
// above warnQueueSize and a drop of the oldest entries back down to
// warnQueueSize once the backlog exceeds criticalQueueSize.
func (b *AsyncBase) shedBacklog(ctx *frame.Context) {
	depth := b.q.Len()
	if depth <= warnQueueSize {
		return
	}
	b.warnMu.Lock()
	if time.Since(b.lastWarn) > warnThrottle {
		b.log.Warn("queue depth above warning threshold (throttled to once per 5s)",
			zap.Int("depth", depth), zap.Int("warn_at", warnQueueSize))
		b.lastWarn = time.Now()
	}
	b.warnMu.Unlock()

	if depth > criticalQueueSize {
		dropped := b.q.DropOldest(depth - warnQueueSize)
		for i := range dropped {
			dropped[i].Mat.Close()
		}
		metrics.FramesDropped.WithLabelValues(ctx.Device.Name, b.Name()).
			Add(float64(len(dropped)))
		b.log.Error("queue depth above critical threshold, discarded frames to avoid OOM",
			zap.Int("depth", depth), zap.Int("discarded", len(dropped)))
	}
}

// Start launches the worker goroutine. Safe to call once per lifetime.
func (b *AsyncBase) Start() {
	if !b.running.CompareAndSwap(false, true) {
		return
	}
	b.wg.Add(1)
	go b.dequeueLoop()
	b.log.Info("asynchronous unit started")
}

// Stop closes the queue, lets the worker drain it, and joins.
func (b *AsyncBase) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	b.q.Close()
	b.wg.Wait()
	b.log.Info("asynchronous unit stopped")
}

func (b *AsyncBase) dequeueLoop() {
	defer b.wg.Done()
	for {
		p, ok := b.q.WaitDequeueTimed(100 * time.Millisecond)
		if !ok {
			if b.q.Closed() && b.q.Len() == 0 {
				return
			}
			continue
		}
		b.invoke(p)
	}
}

// invoke isolates the handler call so a panicking unit kills neither the
// worker nor the frame it holds.
func (b *AsyncBase) invoke(p Payload) {
	defer p.Mat.Close()
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	b.handler.OnFrameReady(p.Mat, &p.Ctx)
}

// NestedUnit is an asynchronous unit whose body is a nested executor. It is
// how multi-sink fan-outs with decoupled queues are composed.
type NestedUnit struct {
	*AsyncBase
	inner *Executor
	name  string
}

// NewNestedUnit wraps inner in its own queue and worker.
func NewNestedUnit(name string, inner *Executor, log *zap.Logger, queueSize int) *NestedUnit {
	n := &NestedUnit{inner: inner, name: name}
	n.AsyncBase = NewAsyncBase(n, log, queueSize)
	return n
}

func (n *NestedUnit) Name() string { return n.name }

// OnFrameReady feeds the dequeued frame through the nested chain.
func (n *NestedUnit) OnFrameReady(m gocv.Mat, ctx *frame.Context) {
	n.inner.OnFrameReady(&m, ctx)
}

// Start launches the nested async units before this unit's own worker.
func (n *NestedUnit) Start() {
	n.inner.Start()
	n.AsyncBase.Start()
}

// Stop joins this unit's worker first, then the nested units.
func (n *NestedUnit) Stop() {
	n.AsyncBase.Stop()
	n.inner.Stop()
}
