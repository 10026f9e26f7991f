package pool

import (
	"context"
	"log/slog"
)

// groupHandler serializes processing for all messages sharing a
// messageGroupId. It drains all high-priority work ahead of any regular
// work, one message at a time, and self-deletes after IdleTimeout with
// both queues empty and nothing in flight.
//
// A handler is owned by exactly one pool; its queues are touched only from
// its own run loop or from enqueue, which is safe for concurrent callers.
type groupHandler struct {
	groupID string

	process func(*Pointer)
	cleanup func()

	enqueueCh chan *Pointer
	stopCh    chan struct{}
}

func newGroupHandler(groupID string, process func(*Pointer), cleanup func()) *groupHandler {
	return &groupHandler{
		groupID:   groupID,
		process:   process,
		cleanup:   cleanup,
		enqueueCh: make(chan *Pointer, 1024),
		stopCh:    make(chan struct{}),
	}
}

// enqueue hands a message to the handler. Priority ordering is applied
// inside run via two internal slice-backed queues.
func (h *groupHandler) enqueue(msg *Pointer) {
	select {
	case h.enqueueCh <- msg:
	case <-h.stopCh:
	}
}

func (h *groupHandler) stop() {
	select {
	case <-h.stopCh:
	default:
		close(h.stopCh)
	}
}

// run is the handler's single goroutine: it owns highPriorityQueue and
// regularQueue exclusively, so no locking is needed around them.
func (h *groupHandler) run(ctx context.Context) {
	var highPriorityQueue, regularQueue []*Pointer

	idleTimer := newResettableTimer(IdleTimeout)
	defer idleTimer.Stop()

	popNext := func() (*Pointer, bool) {
		if len(highPriorityQueue) > 0 {
			msg := highPriorityQueue[0]
			highPriorityQueue = highPriorityQueue[1:]
			return msg, true
		}
		if len(regularQueue) > 0 {
			msg := regularQueue[0]
			regularQueue = regularQueue[1:]
			return msg, true
		}
		return nil, false
	}

	for {
		msg, ok := popNext()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case m := <-h.enqueueCh:
				idleTimer.Reset(IdleTimeout)
				enqueueByPriority(&highPriorityQueue, &regularQueue, m)
				continue
			case <-idleTimer.C():
				if len(highPriorityQueue) == 0 && len(regularQueue) == 0 {
					h.cleanup()
					return
				}
				idleTimer.Reset(IdleTimeout)
				continue
			}
		}

		idleTimer.Reset(IdleTimeout)
		h.runOne(msg)

		// Drain any enqueues that arrived while processing, without blocking.
		draining := true
		for draining {
			select {
			case m := <-h.enqueueCh:
				enqueueByPriority(&highPriorityQueue, &regularQueue, m)
			default:
				draining = false
			}
		}
	}
}

func (h *groupHandler) runOne(msg *Pointer) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("group handler processor panicked", "group", h.groupID, "panic", r)
		}
	}()
	h.process(msg)
}

func enqueueByPriority(high, regular *[]*Pointer, msg *Pointer) {
	if msg.HighPriority {
		*high = append(*high, msg)
	} else {
		*regular = append(*regular, msg)
	}
}
