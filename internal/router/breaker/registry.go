// Package breaker provides a per-target circuit breaker registry gating
// HTTP mediation calls, built on sony/gobreaker.
package breaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/internal/common/metrics"
)

// ErrOpen is returned by Allow when the breaker for a target is open.
var ErrOpen = errors.New("circuit breaker open")

// Config configures every breaker the registry creates.
type Config struct {
	// FailureThreshold is the number of consecutive failures in CLOSED
	// state that trips the breaker to OPEN.
	FailureThreshold uint32
	// HalfOpenProbeCount is both the number of calls allowed through in
	// HALF_OPEN and the number of consecutive successes required to
	// return to CLOSED.
	HalfOpenProbeCount uint32
	// OpenDuration is how long the breaker stays OPEN before allowing a
	// HALF_OPEN probe.
	OpenDuration time.Duration
}

// DefaultConfig mirrors common production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:   5,
		HalfOpenProbeCount: 2,
		OpenDuration:       30 * time.Second,
	}
}

// Registry owns one gobreaker.CircuitBreaker per target name (typically a
// callbackUrl), created lazily on first use.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry creates a registry that builds per-target breakers from cfg.
func NewRegistry(cfg Config) *Registry {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.HalfOpenProbeCount == 0 {
		cfg.HalfOpenProbeCount = DefaultConfig().HalfOpenProbeCount
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultConfig().OpenDuration
	}
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (r *Registry) get(target string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[target]; ok {
		return b
	}

	cfg := r.cfg
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        target,
		MaxRequests: cfg.HalfOpenProbeCount,
		Interval:    0, // CLOSED counts never reset on a timer; only on a successful close
		Timeout:     cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Info("Circuit breaker state changed", "target", name, "from", from.String(), "to", to.String())
			metrics.MediatorCircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
			if to == gobreaker.StateOpen {
				metrics.MediatorCircuitBreakerTrips.WithLabelValues(name).Inc()
			}
		},
	})
	r.breakers[target] = b
	return b
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return float64(metrics.CircuitBreakerClosed)
	case gobreaker.StateOpen:
		return float64(metrics.CircuitBreakerOpen)
	case gobreaker.StateHalfOpen:
		return float64(metrics.CircuitBreakerHalfOpen)
	}
	return -1
}

// Allow reports ErrOpen if the breaker for target is currently OPEN (or
// HALF_OPEN with no probes left), without recording an attempt.
func (r *Registry) Allow(target string) error {
	b := r.get(target)
	switch b.State() {
	case gobreaker.StateOpen:
		return ErrOpen
	case gobreaker.StateHalfOpen:
		if b.Counts().Requests >= r.cfg.HalfOpenProbeCount {
			return ErrOpen
		}
	}
	return nil
}

// Execute runs fn gated by target's breaker. fn's error return (if any)
// determines whether the call counts as a breaker failure; a caller that
// treats an application-level outcome (e.g. 4xx) as a success from the
// breaker's point of view returns a nil error for it.
func (r *Registry) Execute(target string, fn func() (interface{}, error)) (interface{}, error) {
	b := r.get(target)
	return b.Execute(fn)
}

// State reports the current breaker state for target as a string.
func (r *Registry) State(target string) string {
	return r.get(target).State().String()
}

// Reset forces target's breaker back to a fresh CLOSED state by discarding
// it; the next call recreates it with zeroed counters.
func (r *Registry) Reset(target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, target)
}

// Stats returns the gobreaker counts for target, for observability.
func (r *Registry) Stats(target string) gobreaker.Counts {
	return r.get(target).Counts()
}
