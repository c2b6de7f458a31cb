package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Op is a unit of work executed on the loop. The context is the one given to
// Run or Drain and carries the loop's logger.
type Op func(ctx context.Context)

// Poster accepts operations for later execution on a loop.
type Poster interface {
	Post(op Op)
}

var (
	// ErrStopped is returned by Call when the loop was stopped before the operation ran.
	ErrStopped = errors.New("dispatch loop stopped")
	// ErrAlreadyRunning is returned when Run is invoked twice concurrently.
	ErrAlreadyRunning = errors.New("dispatch loop is already running")
)

// Loop serializes operations in FIFO order.
type Loop struct {
	// mu guards queue and stopped.
	mu sync.Mutex
	// queue holds posted operations that have not started yet.
	queue []Op
	// stopped rejects further posts once Stop was called.
	stopped bool
	// wake has capacity 1 and signals Run that the queue is non-empty.
	wake chan struct{}
	// exec is held while an operation executes, so Run and Drain never overlap.
	exec sync.Mutex
	// running is set while Run is active.
	running atomic.Bool
	// executed counts operations run so far.
	executed atomic.Uint64
}

// New creates an empty loop.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
	}
}

// Post appends op to the queue. It never blocks. Posts after Stop are dropped.
func (l *Loop) Post(op Op) {
	l.enqueue(op)
}

// Run executes posted operations until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)

	for {
		l.Drain(ctx)

		if l.isStopped() {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
	}
}

// Drain executes queued operations on the calling goroutine until the queue is
// empty, including operations posted while draining. It returns how many ran.
func (l *Loop) Drain(ctx context.Context) int {
	ran := 0

	for {
		op, ok := l.next()
		if !ok {
			return ran
		}

		l.execute(ctx, op)
		ran++
	}
}

// Call posts op and waits until it has executed. It must not be used from
// inside an operation running on the same loop.
func (l *Loop) Call(ctx context.Context, op Op) error {
	done := make(chan struct{})

	accepted := l.enqueue(func(ctx context.Context) {
		defer close(done)

		op(ctx)
	})
	if !accepted {
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for dispatched call: %w", ctx.Err())
	}
}

// Stop rejects further posts and wakes Run so it can return after draining.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued operations.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.queue)
}

// Executed returns the number of operations executed since the loop was created.
func (l *Loop) Executed() uint64 {
	return l.executed.Load()
}

// enqueue appends op and wakes Run. It reports false when the loop is stopped.
func (l *Loop) enqueue(op Op) bool {
	if op == nil {
		return false
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()

		return false
	}

	l.queue = append(l.queue, op)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}

	return true
}

// next pops the oldest queued operation.
func (l *Loop) next() (Op, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		return nil, false
	}

	op := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]

	return op, true
}

// execute runs a single operation under the exec lock.
func (l *Loop) execute(ctx context.Context, op Op) {
	l.exec.Lock()
	defer l.exec.Unlock()

	op(ctx)
	l.executed.Add(1)
}

// isStopped reports whether Stop was called and the queue is empty.
func (l *Loop) isStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.stopped && len(l.queue) == 0
}
