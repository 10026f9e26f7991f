package pool

import (
	"context"
	"sync/atomic"
	"time"
)

// LeakyBucketLimiter admits callers at a steady rate of ratePerMinute,
// smoothing bursts into evenly spaced admissions rather than allowing a
// token-bucket's instantaneous burst. Callers queue for a slot; if the
// queue of waiters exceeds capacity the caller is told to fail fast instead
// of waiting indefinitely.
type LeakyBucketLimiter struct {
	interval time.Duration
	capacity int

	ticker *time.Ticker
	tokens chan struct{}

	queued atomic.Int32

	closeOnce chan struct{}
}

// NewLeakyBucketLimiter creates a limiter emitting one token every
// 60/ratePerMinute seconds, with a waiter queue bounded by capacity.
func NewLeakyBucketLimiter(ratePerMinute int, capacity int) *LeakyBucketLimiter {
	if ratePerMinute <= 0 {
		ratePerMinute = 1
	}
	interval := time.Duration(float64(time.Minute) / float64(ratePerMinute))
	if interval <= 0 {
		interval = time.Millisecond
	}

	l := &LeakyBucketLimiter{
		interval:  interval,
		capacity:  capacity,
		ticker:    time.NewTicker(interval),
		tokens:    make(chan struct{}, 1),
		closeOnce: make(chan struct{}),
	}

	go l.drip()

	return l
}

func (l *LeakyBucketLimiter) drip() {
	for {
		select {
		case <-l.closeOnce:
			return
		case <-l.ticker.C:
			select {
			case l.tokens <- struct{}{}:
			default:
			}
		}
	}
}

// Admit blocks until a token is available, the context is cancelled, or the
// waiter queue is already at capacity (in which case it returns false
// immediately so the caller can fast-fail rather than queue unboundedly).
func (l *LeakyBucketLimiter) Admit(ctx context.Context) bool {
	if int(l.queued.Load()) >= l.capacity {
		return false
	}

	l.queued.Add(1)
	defer l.queued.Add(-1)

	select {
	case <-l.tokens:
		return true
	case <-ctx.Done():
		return false
	}
}

// QueueLength reports the number of callers currently waiting for a token.
func (l *LeakyBucketLimiter) QueueLength() int {
	return int(l.queued.Load())
}

// Close stops the background ticker goroutine. Safe to call once.
func (l *LeakyBucketLimiter) Close() {
	select {
	case <-l.closeOnce:
	default:
		close(l.closeOnce)
		l.ticker.Stop()
	}
}
