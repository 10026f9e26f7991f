package pool

import "time"

// resettableTimer wraps time.Timer with the drain-before-reset dance so
// callers don't have to repeat it at every call site.
type resettableTimer struct {
	t *time.Timer
}

func newResettableTimer(d time.Duration) *resettableTimer {
	return &resettableTimer{t: time.NewTimer(d)}
}

func (r *resettableTimer) C() <-chan time.Time {
	return r.t.C
}

func (r *resettableTimer) Reset(d time.Duration) {
	if !r.t.Stop() {
		select {
		case <-r.t.C:
		default:
		}
	}
	r.t.Reset(d)
}

func (r *resettableTimer) Stop() {
	r.t.Stop()
}
