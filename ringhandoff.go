package firehose

import (
	"context"
	"sync"
	"time"

	"github.com/fxsml/firehose/throttle"
)

// ringTask is a single unit of queued dispatch work.
type ringTask func()

// minBackoff and maxBackoff bound the adaptive park a publisher performs
// while waiting for ring handoff capacity (spec.md §4.3, §5; the Java
// original parks with a flat Thread.sleep(500) between retries, flagged
// as likely a bug — a fixed half-second stall under contention. This
// backs off from a microsecond and caps at five milliseconds instead).
const (
	minBackoff = time.Microsecond
	maxBackoff = 5 * time.Millisecond
)

// ringHandoff is the bounded multi-consumer task queue sitting between
// Notify callers and the worker pool (spec.md §4.3 "Ring Handoff").
// Capacity is enforced by a non-blocking semaphore claim: claimSlot
// never blocks, so offer can apply its own adaptive backoff instead
// of stalling inside the semaphore.
//
// mu guards closed and serializes every send against close: offer
// holds a read lock for the single send it performs, so close cannot
// close the channel while a send is in flight, and a publisher that
// claims a slot after close has already run observes closed under the
// same lock and backs out instead of sending on a closed channel.
type ringHandoff struct {
	tasks        chan ringTask
	slots        *throttle.Semaphore
	errorHandler func(error)

	mu     sync.RWMutex
	closed bool
}

func newRingHandoff(capacity int, errorHandler func(error)) *ringHandoff {
	if capacity <= 0 {
		capacity = 1
	}
	return &ringHandoff{
		tasks:        make(chan ringTask, capacity),
		slots:        throttle.NewSemaphore(int64(capacity)),
		errorHandler: errorHandler,
	}
}

// claimSlot attempts to reserve one unit of queue capacity without
// blocking. Every successful claim must be paired with exactly one
// release call once the corresponding task has been both enqueued and
// drained — the worker loop releases after running the task.
func (h *ringHandoff) claimSlot() bool {
	return h.slots.TryAcquire()
}

func (h *ringHandoff) release() {
	h.slots.Release()
}

// offer enqueues a task, parking the caller with exponential backoff
// (minBackoff..maxBackoff) until a slot is free. A canceled ctx does not
// abort the publish (spec.md §7 "BackpressureInterruption: ... the loop
// continues"): it is reported once through the error handler, and the
// park keeps retrying on the same backoff schedule until a slot frees
// or the ring handoff is closed out from under it.
func (h *ringHandoff) offer(ctx context.Context, task ringTask) error {
	backoff := minBackoff
	interrupted := false
	for {
		if h.claimSlot() {
			h.mu.RLock()
			if h.closed {
				h.mu.RUnlock()
				h.release()
				return ErrClosed
			}
			h.tasks <- task
			h.mu.RUnlock()
			return nil
		}

		if !interrupted {
			select {
			case <-ctx.Done():
				interrupted = true
				h.errorHandler(newBackpressureInterruptedError(ctx.Err()))
			case <-time.After(backoff):
			}
		} else {
			time.Sleep(backoff)
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// drain returns the channel a worker pool ranges over. A worker must
// call release after finishing a task it pulled from here.
func (h *ringHandoff) drain() <-chan ringTask {
	return h.tasks
}

// close stops the handoff from accepting new tasks. It holds the write
// lock so it cannot run while a send inside offer is in flight, and any
// offer that claims a slot afterward observes closed and backs out
// instead of sending on the now-closed channel.
func (h *ringHandoff) close() {
	h.mu.Lock()
	h.closed = true
	close(h.tasks)
	h.mu.Unlock()
}
