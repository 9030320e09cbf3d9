package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var ErrExecutionHandleNil = errors.New("execution handle is nil")

// ExecutionHandle represents a single scheduled or in-flight job.
//
// It is cancelable and waitable. The job itself is always driven by context cancellation.
type ExecutionHandle struct {
	Job       Job
	StartedAt time.Time

	done chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	err    error
}

func newExecutionHandle(job Job, cancel context.CancelFunc) *ExecutionHandle {
	return &ExecutionHandle{
		Job:       job,
		StartedAt: time.Now(),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
}

func (h *ExecutionHandle) setResult(err error) {
	h.mu.Lock()
	h.err = err
	close(h.done)
	h.cancel = nil
	h.mu.Unlock()
}

// Cancel cancels the job. It is safe to call multiple times.
func (h *ExecutionHandle) Cancel() {
	if h == nil {
		return
	}
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the job has returned.
func (h *ExecutionHandle) Wait() error {
	if h == nil {
		return ErrExecutionHandleNil
	}
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *ExecutionHandle) Done() <-chan struct{} {
	return h.done
}

func (h *ExecutionHandle) IsRunning() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
