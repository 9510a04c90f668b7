// Package pipeline defines the processing-unit contracts and the executor
// that drives an ordered chain of units for every captured frame.
package pipeline

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/frame"
)

// Result is returned by every processing step. The *Stop variants
// short-circuit the remaining units for the current tick only.
type Result int

const (
	SuccessContinue Result = iota
	SuccessStop
	FailureContinue
	FailureStop
)

// Unit is the common surface of both unit kinds.
type Unit interface {
	Name() string
}

// Sync runs in the capture goroutine and may mutate the frame in place.
type Sync interface {
	Unit
	Process(m *gocv.Mat, ctx *frame.Context) Result
}

// Async deep-copies the frame into its queue; a dedicated worker drains it.
type Async interface {
	Unit
	Enqueue(m gocv.Mat, ctx *frame.Context) Result
	Start()
	Stop()
}

// AllHours is the default active-hours mask.
func AllHours() [24]bool {
	var h [24]bool
	for i := range h {
		h[i] = true
	}
	return h
}

// HoursFromSlice converts a config mask; nil or wrong-length input yields
// the all-on mask.
func HoursFromSlice(s []bool) [24]bool {
	if len(s) != 24 {
		return AllHours()
	}
	var h [24]bool
	copy(h[:], s)
	return h
}

type entry struct {
	unit     Unit
	hours    [24]bool
	disabled atomic.Bool
}

func (e *entry) activeAt(t time.Time) bool {
	return !e.disabled.Load() && e.hours[t.Hour()]
}

// Executor holds the ordered unit chain of one feed.
type Executor struct {
	log     *zap.Logger
	entries []*entry
	started bool
}

// NewExecutor returns an empty executor.
func NewExecutor(log *zap.Logger) *Executor {
	return &Executor{log: log.With(zap.String("component", "executor"))}
}

// Add appends a unit with its active-hours mask.
func (e *Executor) Add(u Unit, hours [24]bool) {
	ent := &entry{unit: u, hours: hours}
	e.entries = append(e.entries, ent)
	e.log.Info("added processing unit",
		zap.Int("idx", len(e.entries)-1), zap.String("unit", u.Name()))
}

// Len reports the number of units in the chain.
func (e *Executor) Len() int { return len(e.entries) }

// SetDisabled flips the operator-disable flag of every unit with the given
// name.
func (e *Executor) SetDisabled(name string, disabled bool) {
	for _, ent := range e.entries {
		if ent.unit.Name() == name {
			ent.disabled.Store(disabled)
		}
	}
}

// Start launches the workers of every asynchronous unit, in order.
func (e *Executor) Start() {
	for _, ent := range e.entries {
		if a, ok := ent.unit.(Async); ok {
			a.Start()
		}
	}
	e.started = true
}

// Stop drains and joins every asynchronous worker, last unit first.
func (e *Executor) Stop() {
	for i := len(e.entries) - 1; i >= 0; i-- {
		if a, ok := e.entries[i].unit.(Async); ok {
			a.Stop()
		}
	}
	e.started = false
}

// OnFrameReady runs the chain for one frame. Synchronous units may mutate
// the frame; asynchronous units receive a deep copy.
func (e *Executor) OnFrameReady(m *gocv.Mat, ctx *frame.Context) {
	now := time.Now()
	for i, ent := range e.entries {
		if !ent.activeAt(now) {
			continue
		}
		ctx.ProcessingUnitIdx = i

		var res Result
		switch u := ent.unit.(type) {
		case Sync:
			res = u.Process(m, ctx)
		case Async:
			res = u.Enqueue(*m, ctx)
		default:
			continue
		}
		if res == SuccessStop || res == FailureStop {
			break
		}
	}
}
