package traffic

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Config holds traffic management configuration
type Config struct {
	// Enabled controls whether traffic management is active
	Enabled bool

	// Strategy specifies which strategy to use (noop, redis)
	Strategy string

	// RedisURL is the Redis connection URL, required when Strategy is "redis"
	RedisURL string

	// InstanceID identifies this instance in the "redis" strategy's
	// registration key
	InstanceID string
}

// DefaultConfig returns default traffic management configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:  false,
		Strategy: "noop",
	}
}

// Service orchestrates traffic management strategies.
// Selects the appropriate strategy based on configuration and
// provides a unified interface for registering/deregistering
// this instance with load balancers.
//
// Handles errors gracefully - traffic management failures are logged
// but don't crash the application or affect standby mode operation.
type Service struct {
	mu sync.RWMutex

	config         *Config
	activeStrategy Strategy
	noOpStrategy   *NoOpStrategy
}

// NewService creates a new traffic management service
func NewService(config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	svc := &Service{
		config:       config,
		noOpStrategy: NewNoOpStrategy(),
	}

	// Initialize and select the appropriate strategy
	svc.initStrategy()

	return svc
}

// initStrategy initializes and selects the appropriate strategy
func (s *Service) initStrategy() {
	if !s.config.Enabled {
		slog.Info("Traffic management disabled - using no-op strategy")
		s.activeStrategy = s.noOpStrategy
		return
	}

	strategyType := strings.ToLower(s.config.Strategy)
	slog.Info("Traffic management enabled", "strategy", strategyType)

	switch strategyType {
	case "noop":
		s.activeStrategy = s.noOpStrategy
		slog.Info("Using no-op traffic strategy")

	case "redis":
		strategy, err := s.newRedisStrategy()
		if err != nil {
			slog.Error("Failed to initialize redis traffic strategy - falling back to no-op", "error", err)
			s.activeStrategy = s.noOpStrategy
			return
		}
		s.activeStrategy = strategy
		slog.Info("Using redis traffic strategy", "key", redisRegistrationKey(s.config.InstanceID))

	default:
		slog.Warn("Unknown traffic management strategy - using no-op", "strategy", strategyType)
		s.activeStrategy = s.noOpStrategy
	}
}

// redisRegistrationKey builds the per-instance registration key used by the
// "redis" strategy.
func redisRegistrationKey(instanceID string) string {
	return "flowcatalyst:router:active:" + instanceID
}

// newRedisStrategy builds a RedisStrategy from s.config, parsing the URL
// eagerly so a malformed URL is caught at startup. It does not connect to
// Redis; an unreachable server surfaces on the first RegisterAsActive call.
func (s *Service) newRedisStrategy() (*RedisStrategy, error) {
	opts, err := redis.ParseURL(s.config.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	return NewRedisStrategy(client, redisRegistrationKey(s.config.InstanceID), s.config.InstanceID), nil
}

// RegisterAsActive registers this instance as active with the load balancer.
// Should be called when instance becomes PRIMARY.
// Failures are logged but don't throw errors - graceful degradation.
func (s *Service) RegisterAsActive() {
	s.mu.RLock()
	strategy := s.activeStrategy
	s.mu.RUnlock()

	if strategy == nil {
		slog.Warn("Traffic management strategy not initialized - skipping registration")
		return
	}

	slog.Info("Registering instance as active with load balancer")
	if err := strategy.RegisterAsActive(); err != nil {
		slog.Error("Failed to register instance with load balancer - Instance may receive traffic despite being STANDBY", "error", err)
		// Don't return error - allow standby mode to continue working
	}
}

// DeregisterFromActive deregisters this instance from the load balancer.
// Should be called when instance becomes STANDBY or shuts down.
// Failures are logged but don't throw errors - graceful degradation.
func (s *Service) DeregisterFromActive() {
	s.mu.RLock()
	strategy := s.activeStrategy
	s.mu.RUnlock()

	if strategy == nil {
		slog.Warn("Traffic management strategy not initialized - skipping deregistration")
		return
	}

	slog.Info("Deregistering instance from load balancer")
	if err := strategy.DeregisterFromActive(); err != nil {
		slog.Error("Failed to deregister instance from load balancer - Instance may continue receiving traffic despite being STANDBY", "error", err)
		// Don't return error - allow standby mode to continue working
	}
}

// IsRegistered checks if this instance is currently registered with the load balancer.
func (s *Service) IsRegistered() bool {
	s.mu.RLock()
	strategy := s.activeStrategy
	s.mu.RUnlock()

	if strategy == nil {
		return false
	}
	return strategy.IsRegistered()
}

// IsEnabled returns whether traffic management is enabled
func (s *Service) IsEnabled() bool {
	return s.config.Enabled
}

// GetStatus returns the current traffic management status for monitoring.
func (s *Service) GetStatus() *TrafficStatus {
	s.mu.RLock()
	strategy := s.activeStrategy
	s.mu.RUnlock()

	if strategy == nil {
		return &TrafficStatus{
			StrategyType:  "uninitialized",
			Registered:    false,
			TargetInfo:    "Strategy not initialized",
			LastOperation: "none",
			LastError:     "Strategy not initialized",
		}
	}
	return strategy.GetStatus()
}

// SetStrategy allows setting a custom strategy at runtime
func (s *Service) SetStrategy(strategy Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeStrategy = strategy
	slog.Info("Traffic strategy updated", "strategy", fmt.Sprintf("%T", strategy))
}
