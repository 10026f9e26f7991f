package traffic

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// registrationTTL bounds how long a registration key survives without a
// refresh, so an instance that crashes without deregistering doesn't leave
// a stale "active" entry forever.
const registrationTTL = 30 * time.Second

// RedisStrategy advertises this instance's active/standby status by
// writing a key to Redis rather than calling a load balancer's API
// directly. A sidecar or service-discovery process watching
// the key (redisRegistrationKey(instanceID) when built by Service) can then
// steer traffic without this
// process needing an SDK for whatever load balancer fronts it.
type RedisStrategy struct {
	client     *redis.Client
	key        string
	instanceID string
	registered bool
	lastErr    error
}

// NewRedisStrategy creates a strategy that registers under key using the
// given Redis client. The caller owns the client's lifecycle.
func NewRedisStrategy(client *redis.Client, key, instanceID string) *RedisStrategy {
	return &RedisStrategy{
		client:     client,
		key:        key,
		instanceID: instanceID,
	}
}

// RegisterAsActive writes the registration key with a TTL. Safe to call
// repeatedly; each call refreshes the TTL.
func (s *RedisStrategy) RegisterAsActive() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Set(ctx, s.key, s.instanceID, registrationTTL).Err(); err != nil {
		s.lastErr = err
		return fmt.Errorf("traffic: redis register: %w", err)
	}

	s.registered = true
	s.lastErr = nil
	slog.Debug("Redis strategy: registered as active", "key", s.key, "instanceId", s.instanceID)
	return nil
}

// DeregisterFromActive deletes the registration key without checking which
// instance it currently names.
func (s *RedisStrategy) DeregisterFromActive() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		s.lastErr = err
		return fmt.Errorf("traffic: redis deregister: %w", err)
	}

	s.registered = false
	s.lastErr = nil
	slog.Debug("Redis strategy: deregistered from active", "key", s.key)
	return nil
}

// IsRegistered checks whether the registration key currently points at
// this instance (it may have expired, or another instance may hold it).
func (s *RedisStrategy) IsRegistered() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	holder, err := s.client.Get(ctx, s.key).Result()
	if err != nil {
		return false
	}
	return holder == s.instanceID
}

// GetStatus returns the current status for monitoring/debugging.
func (s *RedisStrategy) GetStatus() *TrafficStatus {
	status := &TrafficStatus{
		StrategyType:  "redis",
		Registered:    s.IsRegistered(),
		TargetInfo:    s.key,
		LastOperation: "none",
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}
