package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// These tests exercise the pool under a stalled downstream: a mediator that
// blocks until released, simulating a hung mediation target. They verify
// the admission-boundary invariant (ActiveWorkers/Stats never exceed the
// configured concurrency ceiling even while every worker is wedged) and
// that Stats() reports the queue backing up behind the stall rather than
// silently dropping work.

// blockingMediator holds every call open until release is closed, so the
// pool's full concurrency ceiling is pinned on in-flight work.
type blockingMediator struct {
	entered atomic.Int32
	release chan struct{}
}

func newBlockingMediator() *blockingMediator {
	return &blockingMediator{release: make(chan struct{})}
}

func (m *blockingMediator) Process(msg *Pointer) *MediationOutcome {
	m.entered.Add(1)
	<-m.release
	return &MediationOutcome{Result: MediationResultSuccess}
}

func TestStalledPool_ActiveWorkersNeverExceedsConcurrency(t *testing.T) {
	mediator := newBlockingMediator()
	callback := NewMockCallback()

	const concurrency = 3
	pool := NewProcessPool("stalled-pool", concurrency, nil, mediator, callback)
	pool.Start()
	defer pool.Shutdown()

	// Submit more distinct groups than the pool has permits for; every
	// group's handler will block in Process, wedging the pool solid.
	for i := 0; i < concurrency*4; i++ {
		msg := &Pointer{
			MessageID:      string(rune('a' + i)),
			MessageGroupID: string(rune('a' + i)),
			CallbackURL:    "http://example.com",
		}
		pool.Submit(msg)
	}

	deadline := time.Now().Add(2 * time.Second)
	for mediator.entered.Load() < concurrency && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if got := mediator.entered.Load(); got != concurrency {
		t.Fatalf("expected exactly %d workers to enter the stalled mediator, got %d", concurrency, got)
	}

	stats := pool.Stats()
	if stats.ActiveWorkers != concurrency {
		t.Errorf("Stats().ActiveWorkers = %d while stalled, want %d", stats.ActiveWorkers, concurrency)
	}
	if pool.GetActiveWorkers() != concurrency {
		t.Errorf("GetActiveWorkers() = %d while stalled, want %d", pool.GetActiveWorkers(), concurrency)
	}
	if stats.QueueSize <= 0 {
		t.Error("expected queued work to back up behind the stall, got QueueSize <= 0")
	}

	close(mediator.release)

	deadline = time.Now().Add(2 * time.Second)
	for pool.GetActiveWorkers() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if active := pool.GetActiveWorkers(); active != 0 {
		t.Errorf("expected pool to drain down to 0 active workers after release, got %d", active)
	}
}

func TestStalledPool_DrainLeavesStalledWorkLive(t *testing.T) {
	mediator := newBlockingMediator()
	callback := NewMockCallback()

	pool := NewProcessPool("stalled-drain-pool", 2, nil, mediator, callback)
	pool.Start()

	pool.Submit(&Pointer{MessageID: "1", MessageGroupID: "g1", CallbackURL: "http://example.com"})
	pool.Submit(&Pointer{MessageID: "2", MessageGroupID: "g2", CallbackURL: "http://example.com"})

	deadline := time.Now().Add(2 * time.Second)
	for mediator.entered.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// Draining stops new admission but must not kill in-flight work that
	// happens to be stuck behind a slow downstream.
	pool.Drain()

	if pool.IsFullyDrained() {
		t.Error("pool reported fully drained while a stalled mediation call was still in flight")
	}
	if got := pool.GetActiveWorkers(); got != 2 {
		t.Errorf("expected 2 active workers to survive Drain(), got %d", got)
	}

	close(mediator.release)

	deadline = time.Now().Add(2 * time.Second)
	for !pool.IsFullyDrained() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !pool.IsFullyDrained() {
		t.Error("expected pool to report fully drained once the stalled call completed")
	}

	pool.Shutdown()
}

func TestStalledPool_RejectsBeyondMaxCapacityWhileStalled(t *testing.T) {
	mediator := newBlockingMediator()
	callback := NewMockCallback()

	pool := NewProcessPool("stalled-capacity-pool", 1, nil, mediator, callback)
	pool.Start()
	defer func() {
		close(mediator.release)
		pool.Shutdown()
	}()

	maxCapacity := pool.GetMaxCapacity()

	var submitted atomic.Int32
	var mu sync.Mutex
	var rejected []string

	for i := 0; i < maxCapacity+10; i++ {
		id := string(rune('A'+(i%26))) + string(rune('0'+(i/26)%10))
		msg := &Pointer{MessageID: id, MessageGroupID: id, CallbackURL: "http://example.com"}
		if pool.Submit(msg) {
			submitted.Add(1)
		} else {
			mu.Lock()
			rejected = append(rejected, id)
			mu.Unlock()
		}
	}

	if len(rejected) == 0 {
		t.Error("expected some submissions to be rejected once the stalled pool hit its max capacity")
	}
	if int(submitted.Load()) > maxCapacity {
		t.Errorf("accepted %d messages, more than max capacity %d", submitted.Load(), maxCapacity)
	}
}
