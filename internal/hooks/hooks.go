// Package hooks fires user-configured command lines on pipeline lifecycle
// events.
package hooks

import (
	"os/exec"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var executionCounter atomic.Int64

// Runner launches external programs on lifecycle events. Each distinct hook
// name is guarded by its own mutex so at most one instance runs at a time.
type Runner struct {
	log    *zap.Logger
	device string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRunner returns a runner scoped to one device for log correlation.
func NewRunner(log *zap.Logger, device string) *Runner {
	return &Runner{
		log:    log.With(zap.String("component", "hooks"), zap.String("device", device)),
		device: device,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (r *Runner) lockFor(hook string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.locks[hook]
	if !ok {
		m = &sync.Mutex{}
		r.locks[hook] = m
	}
	return m
}

// Fire runs cmd through the shell in a detached goroutine. If a previous
// invocation of the same hook is still running, the call logs a warning and
// returns without launching another. Non-zero exits are logged, never fatal.
func (r *Runner) Fire(hook, cmd string) {
	if r == nil || cmd == "" {
		return
	}
	lock := r.lockFor(hook)
	go func() {
		if !lock.TryLock() {
			r.log.Warn("previous hook instance still running, skipping",
				zap.String("hook", hook), zap.String("cmd", cmd))
			return
		}
		defer lock.Unlock()

		// Incremented before execution so a stuck run never shares an id
		// with its successor.
		id := executionCounter.Add(1)
		r.log.Info("calling external program",
			zap.String("hook", hook), zap.String("cmd", cmd), zap.Int64("execution_id", id))

		out, err := exec.Command("/bin/sh", "-c", cmd).CombinedOutput()
		if err != nil {
			r.log.Warn("external program failed",
				zap.String("hook", hook), zap.String("cmd", cmd),
				zap.Int64("execution_id", id), zap.ByteString("output", out), zap.Error(err))
			return
		}
		r.log.Info("external program returned",
			zap.String("hook", hook), zap.String("cmd", cmd), zap.Int64("execution_id", id))
	}()
}
