// Package manager provides the pipeline tracker and lifecycle coordinator
// for the message router: it deduplicates redeliveries, owns the set of
// processing pools, and runs the background loops that keep pool
// configuration, pipeline bookkeeping, and broker visibility in sync.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/common/tsid"
	"go.flowcatalyst.tech/internal/queue"
	"go.flowcatalyst.tech/internal/router/mediator"
	"go.flowcatalyst.tech/internal/router/model"
	"go.flowcatalyst.tech/internal/router/pool"
)

// Default pool configuration constants.
const (
	DefaultPoolConcurrency = 10
	DefaultPoolCode        = "DEFAULT-POOL"
	// MaxPools bounds how many distinct pool codes a single router
	// instance will create; apply-configuration warns at 50% of this and
	// again once it's reached.
	MaxPools = 200
)

// StandbyChecker reports whether this instance currently holds the
// primary leadership lock. Config sync only runs on the primary.
type StandbyChecker interface {
	IsPrimary() bool
}

// PoolSpec is one processing pool's desired configuration, as delivered
// by a ConfigSource.
type PoolSpec struct {
	Code               string
	Concurrency        int
	RateLimitPerMinute *int
}

// ConfigSource supplies the set of processing pools that should exist.
// Implementations range from a static in-memory list to a remote
// HTTP-polled config service; the lifecycle coordinator only depends on
// this interface, never on how the pools were discovered.
type ConfigSource interface {
	FetchPools(ctx context.Context) ([]PoolSpec, error)
}

// StaticConfigSource returns a fixed, unchanging set of pools. Useful
// standalone and as a fallback when no remote config source is wired.
type StaticConfigSource struct {
	Pools []PoolSpec
}

// FetchPools returns the configured static pool list.
func (s StaticConfigSource) FetchPools(_ context.Context) ([]PoolSpec, error) {
	return s.Pools, nil
}

// DefaultPoolSpecs returns the HIGH/MEDIUM/LOW pools used when no config
// source is available at all.
func DefaultPoolSpecs() []PoolSpec {
	return []PoolSpec{
		{Code: "HIGH", Concurrency: 10},
		{Code: "MEDIUM", Concurrency: 10},
		{Code: "LOW", Concurrency: 10},
	}
}

// ConfigSyncConfig configures periodic pool configuration sync.
type ConfigSyncConfig struct {
	Enabled                bool
	Interval               time.Duration
	InitialRetryAttempts   int
	InitialRetryDelay      time.Duration
	FailOnInitialSyncError bool
}

// DefaultConfigSyncConfig returns sensible defaults.
func DefaultConfigSyncConfig() *ConfigSyncConfig {
	return &ConfigSyncConfig{
		Enabled:                false,
		Interval:               5 * time.Minute,
		InitialRetryAttempts:   12,
		InitialRetryDelay:      5 * time.Second,
		FailOnInitialSyncError: true,
	}
}

// PipelineCleanupConfig configures the stale pipeline entry sweep.
type PipelineCleanupConfig struct {
	Enabled  bool
	Interval time.Duration
	TTL      time.Duration
}

// DefaultPipelineCleanupConfig returns sensible defaults.
func DefaultPipelineCleanupConfig() *PipelineCleanupConfig {
	return &PipelineCleanupConfig{
		Enabled:  true,
		Interval: 5 * time.Minute,
		TTL:      1 * time.Hour,
	}
}

// VisibilityExtenderConfig configures in-flight visibility extension for
// long-running mediation calls.
type VisibilityExtenderConfig struct {
	Enabled          bool
	Interval         time.Duration
	Threshold        time.Duration
	ExtensionSeconds int32
}

// DefaultVisibilityExtenderConfig returns sensible defaults.
func DefaultVisibilityExtenderConfig() *VisibilityExtenderConfig {
	return &VisibilityExtenderConfig{
		Enabled:          true,
		Interval:         55 * time.Second,
		Threshold:        50 * time.Second,
		ExtensionSeconds: 120,
	}
}

// ConsumerHealthConfig configures broker consumer stall detection and
// auto-restart.
type ConsumerHealthConfig struct {
	Enabled            bool
	CheckInterval      time.Duration
	StallThreshold     time.Duration
	MaxRestartAttempts int
	RestartDelay       time.Duration
}

// DefaultConsumerHealthConfig returns sensible defaults.
func DefaultConsumerHealthConfig() *ConsumerHealthConfig {
	return &ConsumerHealthConfig{
		Enabled:            true,
		CheckInterval:      60 * time.Second,
		StallThreshold:     60 * time.Second,
		MaxRestartAttempts: 3,
		RestartDelay:       5 * time.Second,
	}
}

// LeakDetectionConfig configures the periodic pipeline-map size check.
type LeakDetectionConfig struct {
	Enabled  bool
	Interval time.Duration
}

// DefaultLeakDetectionConfig returns sensible defaults.
func DefaultLeakDetectionConfig() *LeakDetectionConfig {
	return &LeakDetectionConfig{
		Enabled:  true,
		Interval: 30 * time.Second,
	}
}

// WarningService records operational warnings for surfacing elsewhere
// (health endpoint, dashboard).
type WarningService interface {
	AddWarning(category, severity, message, source string)
}

// QueueManager is the pipeline tracker and pool registry: it deduplicates
// redeliveries/requeues across broker callbacks and owns every
// ProcessPool's lifecycle.
type QueueManager struct {
	pools         map[string]*pool.ProcessPool
	poolsMu       sync.RWMutex
	drainingPools sync.Map // map[string]*pool.ProcessPool

	// Dual-ID deduplication: pipelineKey is brokerMessageId when present,
	// else messageId.
	inPipelineMap        sync.Map // pipelineKey -> *RoutedMessage
	inPipelineTimestamps sync.Map // pipelineKey -> int64 (unix millis)
	appIDToPipelineKey   sync.Map // messageId -> pipelineKey

	mediator        *mediator.HTTPMediator
	messageCallback *MessageCallbackImpl
	running         bool
	runningMu       sync.Mutex
	initialized     bool

	standbyChecker StandbyChecker

	configSource ConfigSource
	syncConfig   *ConfigSyncConfig
	syncCtx      context.Context
	syncCancel   context.CancelFunc
	syncWg       sync.WaitGroup
	// retryLimiter paces initial-sync retry attempts at InitialRetryDelay;
	// unlike time.Sleep it respects syncCtx cancellation so Stop() doesn't
	// have to wait out a full retry delay during shutdown.
	retryLimiter *rate.Limiter

	cleanupConfig *PipelineCleanupConfig
	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
	cleanupWg     sync.WaitGroup

	visibilityConfig *VisibilityExtenderConfig
	visibilityCtx    context.Context
	visibilityCancel context.CancelFunc
	visibilityWg     sync.WaitGroup

	leakDetectionConfig *LeakDetectionConfig
	leakDetectionCtx    context.Context
	leakDetectionCancel context.CancelFunc
	leakDetectionWg     sync.WaitGroup
	warningService      WarningService
}

// NewQueueManager creates a new queue manager.
func NewQueueManager(mediatorCfg *mediator.HTTPMediatorConfig) *QueueManager {
	httpMediator := mediator.NewHTTPMediator(mediatorCfg)

	qm := &QueueManager{
		pools:               make(map[string]*pool.ProcessPool),
		mediator:            httpMediator,
		syncConfig:          DefaultConfigSyncConfig(),
		cleanupConfig:       DefaultPipelineCleanupConfig(),
		visibilityConfig:    DefaultVisibilityExtenderConfig(),
		leakDetectionConfig: DefaultLeakDetectionConfig(),
	}
	qm.messageCallback = &MessageCallbackImpl{manager: qm}
	return qm
}

// WithVisibilityExtender configures visibility timeout extension for
// long-running messages.
func (m *QueueManager) WithVisibilityExtender(cfg *VisibilityExtenderConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultVisibilityExtenderConfig()
	}
	m.visibilityConfig = cfg
	return m
}

// WithPipelineCleanup configures stale pipeline entry cleanup.
func (m *QueueManager) WithPipelineCleanup(cfg *PipelineCleanupConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultPipelineCleanupConfig()
	}
	m.cleanupConfig = cfg
	return m
}

// WithConfigSource enables periodic pool configuration sync from source.
func (m *QueueManager) WithConfigSource(source ConfigSource, cfg *ConfigSyncConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultConfigSyncConfig()
	}
	m.configSource = source
	m.syncConfig = cfg
	delay := cfg.InitialRetryDelay
	if delay <= 0 {
		delay = DefaultConfigSyncConfig().InitialRetryDelay
	}
	m.retryLimiter = rate.NewLimiter(rate.Every(delay), 1)
	return m
}

// WithStandbyChecker sets the standby checker for HA mode: config sync
// only runs while this instance is primary.
func (m *QueueManager) WithStandbyChecker(checker StandbyChecker) *QueueManager {
	m.standbyChecker = checker
	return m
}

// WithLeakDetection configures pipeline-map leak detection.
func (m *QueueManager) WithLeakDetection(cfg *LeakDetectionConfig) *QueueManager {
	if cfg == nil {
		cfg = DefaultLeakDetectionConfig()
	}
	m.leakDetectionConfig = cfg
	return m
}

// WithWarningService sets the warning sink for operational alerts.
func (m *QueueManager) WithWarningService(ws WarningService) *QueueManager {
	m.warningService = ws
	return m
}

// Start starts the queue manager's background loops. If no ConfigSource
// was wired, it seeds the default HIGH/MEDIUM/LOW pools so the router is
// immediately usable.
func (m *QueueManager) Start() {
	m.runningMu.Lock()
	defer m.runningMu.Unlock()

	m.running = true

	if m.configSource == nil {
		for _, spec := range DefaultPoolSpecs() {
			m.GetOrCreatePool(spec)
		}
		slog.Info("No config source wired, started default pools", "pools", len(DefaultPoolSpecs()))
	} else if m.syncConfig.Enabled {
		m.syncCtx, m.syncCancel = context.WithCancel(context.Background())
		m.syncWg.Add(1)
		go m.runConfigSync()
		slog.Info("Pool config sync started", "interval", m.syncConfig.Interval)
	}

	if m.cleanupConfig.Enabled {
		m.cleanupCtx, m.cleanupCancel = context.WithCancel(context.Background())
		m.cleanupWg.Add(1)
		go m.runPipelineCleanup()
		slog.Info("Pipeline cleanup started", "interval", m.cleanupConfig.Interval, "ttl", m.cleanupConfig.TTL)
	}

	if m.visibilityConfig.Enabled {
		m.visibilityCtx, m.visibilityCancel = context.WithCancel(context.Background())
		m.visibilityWg.Add(1)
		go m.runVisibilityExtender()
		slog.Info("Visibility extender started", "interval", m.visibilityConfig.Interval, "threshold", m.visibilityConfig.Threshold)
	}

	if m.leakDetectionConfig.Enabled {
		m.leakDetectionCtx, m.leakDetectionCancel = context.WithCancel(context.Background())
		m.leakDetectionWg.Add(1)
		go m.runLeakDetection()
		slog.Info("Pipeline leak detection started", "interval", m.leakDetectionConfig.Interval)
	}

	slog.Info("Queue manager started")
}

// Stop stops all background loops and shuts down every pool. Shutdown
// cancels each pool and waits up to 10 seconds for its group handlers to
// exit; Drain is not called first, so messages still queued in a pool are
// not processed.
func (m *QueueManager) Stop() {
	m.runningMu.Lock()
	m.running = false
	m.runningMu.Unlock()

	if m.syncCancel != nil {
		m.syncCancel()
		m.syncWg.Wait()
	}
	if m.cleanupCancel != nil {
		m.cleanupCancel()
		m.cleanupWg.Wait()
	}
	if m.visibilityCancel != nil {
		m.visibilityCancel()
		m.visibilityWg.Wait()
	}
	if m.leakDetectionCancel != nil {
		m.leakDetectionCancel()
		m.leakDetectionWg.Wait()
	}

	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()
	for code, p := range m.pools {
		slog.Info("Shutting down pool", "pool", code)
		p.Shutdown()
	}

	slog.Info("Queue manager stopped")
}

// GetOrCreatePool returns the pool for spec.Code, creating and starting
// it if it doesn't exist yet.
func (m *QueueManager) GetOrCreatePool(spec PoolSpec) *pool.ProcessPool {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	if p, exists := m.pools[spec.Code]; exists {
		return p
	}

	concurrency := spec.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultPoolConcurrency
	}

	p := pool.NewProcessPool(spec.Code, concurrency, spec.RateLimitPerMinute, m.mediator, m.messageCallback)
	m.pools[spec.Code] = p
	p.Start()

	total := len(m.pools)
	if total >= MaxPools {
		slog.Error("Pool count reached configured maximum", "pools", total, "max", MaxPools)
	} else if total >= MaxPools/2 {
		slog.Warn("Pool count past half the configured maximum", "pools", total, "max", MaxPools)
	}

	slog.Info("Created new processing pool", "pool", spec.Code, "concurrency", concurrency)
	return p
}

// GetPool returns the pool for code, or nil if it doesn't exist.
func (m *QueueManager) GetPool(code string) *pool.ProcessPool {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()
	return m.pools[code]
}

// RemovePool drains and removes a pool immediately.
func (m *QueueManager) RemovePool(code string) {
	m.poolsMu.Lock()
	defer m.poolsMu.Unlock()

	if p, exists := m.pools[code]; exists {
		p.Drain()
		p.Shutdown()
		delete(m.pools, code)
		slog.Info("Removed processing pool", "pool", code)
	}
}

// RoutedMessage is the internal, broker-agnostic representation of a
// message as it moves through pipeline tracking to a ProcessPool. It is
// built from the broker's wire envelope in consume() and mirrors
// pool.Pointer's field vocabulary.
type RoutedMessage struct {
	MessageID       string
	BrokerMessageID string
	PoolCode        string
	MessageGroupID  string
	BatchID         string
	CallbackURL     string
	AuthToken       string
	Payload         []byte
	Headers         map[string]string
	TimeoutSeconds  int
	HighPriority    bool

	AckFunc        func() error
	NakFunc        func() error
	NakDelayFunc   func(time.Duration) error
	InProgressFunc func() error

	UpdateReceiptHandleFunc func(string)
	GetReceiptHandleFunc    func() string
}

func (m *RoutedMessage) pipelineKey() string {
	if m.BrokerMessageID != "" {
		return m.BrokerMessageID
	}
	return m.MessageID
}

func (m *RoutedMessage) toPointer() *pool.Pointer {
	return &pool.Pointer{
		MessageID:               m.MessageID,
		BrokerMessageID:         m.BrokerMessageID,
		BatchID:                 m.BatchID,
		PoolCode:                m.PoolCode,
		MessageGroupID:          m.MessageGroupID,
		CallbackURL:             m.CallbackURL,
		AuthToken:               m.AuthToken,
		Payload:                 m.Payload,
		Headers:                 m.Headers,
		HighPriority:            m.HighPriority,
		TimeoutSeconds:          m.TimeoutSeconds,
		AckFunc:                 m.AckFunc,
		NakFunc:                 m.NakFunc,
		NakDelayFunc:            m.NakDelayFunc,
		InProgressFunc:          m.InProgressFunc,
		UpdateReceiptHandleFunc: m.UpdateReceiptHandleFunc,
		GetReceiptHandleFunc:    m.GetReceiptHandleFunc,
	}
}

// RouteMessage is the pipeline tracker's entry point for a single message:
// it detects redeliveries and requeues, tracks the message through to
// completion, and submits it to the appropriate pool. Returns false if
// the pool rejected the message (caller should nack for redelivery).
func (m *QueueManager) RouteMessage(msg *RoutedMessage) bool {
	m.runningMu.Lock()
	running := m.running
	m.runningMu.Unlock()
	if !running {
		return false
	}

	pipelineKey := msg.pipelineKey()

	// Same broker message ID already in flight: visibility-timeout
	// redelivery. Update the tracked receipt handle and nack this copy
	// immediately — the original is still being processed and will ack/nack
	// on its own.
	if msg.BrokerMessageID != "" {
		if _, exists := m.inPipelineMap.Load(msg.BrokerMessageID); exists {
			m.updateReceiptHandleIfPossible(msg.BrokerMessageID, msg)
			nackSafely(msg)
			return true
		}
	}

	// Same application message ID under a different broker ID: external
	// requeue. A requeue with a new broker id is acked to remove the
	// duplicate from the queue; anything else observed under the same
	// tracked key is nacked.
	if existingKey, loaded := m.appIDToPipelineKey.Load(msg.MessageID); loaded {
		existing := existingKey.(string)
		if msg.BrokerMessageID != "" && msg.BrokerMessageID != existing {
			slog.Info("Requeued duplicate detected", "messageId", msg.MessageID, "existingKey", existing, "newBrokerId", msg.BrokerMessageID)
			ackSafely(msg)
		} else {
			slog.Debug("Duplicate message, already in pipeline", "messageId", msg.MessageID)
			nackSafely(msg)
		}
		return true
	}

	m.trackInPipeline(pipelineKey, msg)

	p := m.GetOrCreatePool(PoolSpec{Code: poolCodeOrDefault(msg.PoolCode)})

	if !p.Submit(msg.toPointer()) {
		m.cleanupPipelineEntry(msg.MessageID, pipelineKey)
		return false
	}
	return true
}

func poolCodeOrDefault(code string) string {
	if code == "" {
		return DefaultPoolCode
	}
	return code
}

func (m *QueueManager) trackInPipeline(pipelineKey string, msg *RoutedMessage) {
	m.inPipelineMap.Store(pipelineKey, msg)
	m.inPipelineTimestamps.Store(pipelineKey, time.Now().UnixMilli())
	m.appIDToPipelineKey.Store(msg.MessageID, pipelineKey)
}

// BatchRouteResult summarizes the outcome of RouteMessageBatch.
type BatchRouteResult struct {
	Submitted    int
	Deduplicated int
	Rejected     int
	FailBarrier  int
}

// RouteMessageBatch routes a batch of messages received together,
// applying three phases in order: dual-ID dedup, per-pool capacity/rate
// checks, then FIFO-per-group submission with a failure barrier — once a
// submit fails for a (batchId, messageGroupId), every later message in
// that group within this batch is nacked without being submitted, since
// the pool has already told us it cannot accept more from this group.
func (m *QueueManager) RouteMessageBatch(ctx context.Context, messages []*RoutedMessage) BatchRouteResult {
	var result BatchRouteResult
	if len(messages) == 0 {
		return result
	}

	m.runningMu.Lock()
	running := m.running
	m.runningMu.Unlock()
	if !running {
		for _, msg := range messages {
			nackSafely(msg)
		}
		result.Rejected = len(messages)
		return result
	}

	deduped := make([]*RoutedMessage, 0, len(messages))
	for _, msg := range messages {
		pipelineKey := msg.pipelineKey()

		if msg.BrokerMessageID != "" {
			if _, exists := m.inPipelineMap.Load(msg.BrokerMessageID); exists {
				m.updateReceiptHandleIfPossible(msg.BrokerMessageID, msg)
				nackSafely(msg)
				result.Deduplicated++
				continue
			}
		}

		if existingKey, loaded := m.appIDToPipelineKey.Load(msg.MessageID); loaded {
			existing := existingKey.(string)
			if msg.BrokerMessageID != "" && msg.BrokerMessageID != existing {
				slog.Info("Requeued duplicate detected in batch", "messageId", msg.MessageID)
				ackSafely(msg)
				result.Deduplicated++
				continue
			}
			nackSafely(msg)
			result.Deduplicated++
			continue
		}

		_ = pipelineKey
		deduped = append(deduped, msg)
	}

	if len(deduped) == 0 {
		return result
	}

	byPool := make(map[string][]*RoutedMessage)
	for _, msg := range deduped {
		code := poolCodeOrDefault(msg.PoolCode)
		byPool[code] = append(byPool[code], msg)
	}

	for poolCode, poolMessages := range byPool {
		p := m.GetPool(poolCode)
		if p != nil {
			if p.IsRateLimited() {
				slog.Warn("Pool rate limited, nacking batch", "pool", poolCode, "count", len(poolMessages))
				for _, msg := range poolMessages {
					nackSafely(msg)
				}
				result.Rejected += len(poolMessages)
				continue
			}
			if !p.HasCapacity(len(poolMessages)) {
				slog.Warn("Pool at capacity, nacking batch", "pool", poolCode, "count", len(poolMessages))
				for _, msg := range poolMessages {
					nackSafely(msg)
				}
				result.Rejected += len(poolMessages)
				continue
			}
		} else {
			p = m.GetOrCreatePool(PoolSpec{Code: poolCode})
		}

		result.merge(m.submitGroupsWithFailureBarrier(p, poolCode, poolMessages))
	}

	slog.Info("Batch routing complete", "submitted", result.Submitted, "deduplicated", result.Deduplicated,
		"rejected", result.Rejected, "failBarrier", result.FailBarrier)
	return result
}

func (r *BatchRouteResult) merge(other BatchRouteResult) {
	r.Submitted += other.Submitted
	r.Rejected += other.Rejected
	r.FailBarrier += other.FailBarrier
}

func (m *QueueManager) submitGroupsWithFailureBarrier(p *pool.ProcessPool, poolCode string, messages []*RoutedMessage) BatchRouteResult {
	var result BatchRouteResult

	type groupEntry struct {
		groupID  string
		messages []*RoutedMessage
	}
	var groups []groupEntry
	groupIndex := make(map[string]int)

	for _, msg := range messages {
		groupID := msg.MessageGroupID
		if groupID == "" {
			groupID = pool.DefaultGroup
		}
		if idx, exists := groupIndex[groupID]; exists {
			groups[idx].messages = append(groups[idx].messages, msg)
		} else {
			groupIndex[groupID] = len(groups)
			groups = append(groups, groupEntry{groupID: groupID, messages: []*RoutedMessage{msg}})
		}
	}

	for _, group := range groups {
		nackRemaining := false
		for _, msg := range group.messages {
			pipelineKey := msg.pipelineKey()

			if nackRemaining {
				nackSafely(msg)
				result.FailBarrier++
				continue
			}

			m.trackInPipeline(pipelineKey, msg)

			if !p.Submit(msg.toPointer()) {
				slog.Warn("Failed to submit message, activating failure barrier", "pool", poolCode, "messageId", msg.MessageID, "group", group.groupID)
				m.cleanupPipelineEntry(msg.MessageID, pipelineKey)
				nackSafely(msg)
				nackRemaining = true
				result.Rejected++
			} else {
				result.Submitted++
			}
		}
	}

	return result
}

func nackSafely(msg *RoutedMessage) {
	if msg.NakFunc != nil {
		if err := msg.NakFunc(); err != nil {
			slog.Error("Failed to nack message", "error", err, "messageId", msg.MessageID)
		}
	}
}

func ackSafely(msg *RoutedMessage) {
	if msg.AckFunc != nil {
		if err := msg.AckFunc(); err != nil {
			slog.Error("Failed to ack message", "error", err, "messageId", msg.MessageID)
		}
	}
}

func (m *QueueManager) cleanupPipelineEntry(messageID, pipelineKey string) {
	m.inPipelineMap.Delete(pipelineKey)
	m.inPipelineTimestamps.Delete(pipelineKey)
	m.appIDToPipelineKey.Delete(messageID)
}

// updateReceiptHandleIfPossible updates the receipt handle on the
// already-tracked message when a redelivery under the same broker
// message ID arrives, so the eventual ack/nack uses a still-valid handle.
func (m *QueueManager) updateReceiptHandleIfPossible(pipelineKey string, newMsg *RoutedMessage) {
	storedValue, exists := m.inPipelineMap.Load(pipelineKey)
	if !exists {
		return
	}
	stored, ok := storedValue.(*RoutedMessage)
	if !ok || stored.UpdateReceiptHandleFunc == nil || newMsg.GetReceiptHandleFunc == nil {
		return
	}

	newHandle := newMsg.GetReceiptHandleFunc()
	if newHandle == "" {
		return
	}
	stored.UpdateReceiptHandleFunc(newHandle)
	slog.Info("Updated receipt handle for in-pipeline message due to redelivery", "messageId", newMsg.MessageID, "pipelineKey", pipelineKey)
}

func (m *QueueManager) cleanupPipelineEntryFromPointer(msg *pool.Pointer) {
	pipelineKey := msg.BrokerMessageID
	if pipelineKey == "" {
		pipelineKey = msg.MessageID
	}
	m.cleanupPipelineEntry(msg.MessageID, pipelineKey)
}

// Ack acknowledges a message and clears its pipeline tracking.
func (m *QueueManager) Ack(msg *pool.Pointer) {
	m.cleanupPipelineEntryFromPointer(msg)
	if msg.AckFunc != nil {
		if err := msg.AckFunc(); err != nil {
			slog.Error("Failed to ack message", "error", err, "messageId", msg.MessageID)
		}
	}
}

// Nack negative-acknowledges a message and clears its pipeline tracking.
func (m *QueueManager) Nack(msg *pool.Pointer) {
	m.cleanupPipelineEntryFromPointer(msg)
	if msg.NakFunc != nil {
		if err := msg.NakFunc(); err != nil {
			slog.Error("Failed to nack message", "error", err, "messageId", msg.MessageID)
		}
	}
}

// MessageCallbackImpl implements pool.MessageCallback by delegating to
// the owning QueueManager for pipeline cleanup.
type MessageCallbackImpl struct {
	manager *QueueManager
}

func (c *MessageCallbackImpl) Ack(msg *pool.Pointer)  { c.manager.Ack(msg) }
func (c *MessageCallbackImpl) Nack(msg *pool.Pointer) { c.manager.Nack(msg) }

func (c *MessageCallbackImpl) SetVisibilityDelay(msg *pool.Pointer, seconds int) {
	if msg.NakDelayFunc != nil {
		if err := msg.NakDelayFunc(time.Duration(seconds) * time.Second); err != nil {
			slog.Error("Failed to set visibility delay", "error", err, "messageId", msg.MessageID)
		}
	}
}

func (c *MessageCallbackImpl) SetFastFailVisibility(msg *pool.Pointer) {
	c.SetVisibilityDelay(msg, pool.FastFailDelaySeconds)
}

func (c *MessageCallbackImpl) ResetVisibilityToDefault(msg *pool.Pointer) {
	// Default visibility is the broker's own configured value; nothing to do here.
}

// Consumer pulls messages off one queue.Consumer and routes them through
// a QueueManager, tracking activity so a health monitor can detect stalls.
type Consumer struct {
	manager   *QueueManager
	consumer  queue.Consumer
	queueType string
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	lastActivity   atomic.Int64
	restartCount   int
	restartCountMu sync.Mutex
	stalled        atomic.Bool
}

// NewConsumer creates a new consumer bound to manager. queueType labels the
// queue_type metric dimension (e.g. "sqs", "nats", "activemq", "embedded").
func NewConsumer(manager *QueueManager, queueConsumer queue.Consumer, queueType string) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Consumer{manager: manager, consumer: queueConsumer, queueType: queueType, ctx: ctx, cancel: cancel}
	c.lastActivity.Store(time.Now().Unix())
	return c
}

func (c *Consumer) updateActivity()            { c.lastActivity.Store(time.Now().Unix()) }
func (c *Consumer) GetLastActivity() time.Time { return time.Unix(c.lastActivity.Load(), 0) }
func (c *Consumer) IsStalled() bool            { return c.stalled.Load() }

func (c *Consumer) GetRestartCount() int {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	return c.restartCount
}

func (c *Consumer) incrementRestartCount() int {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	c.restartCount++
	return c.restartCount
}

func (c *Consumer) resetRestartCount() {
	c.restartCountMu.Lock()
	defer c.restartCountMu.Unlock()
	c.restartCount = 0
}

// Start begins consuming in the background.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume()
	}()
	slog.Info("Consumer started")
}

// Stop cancels consumption and waits for it to finish.
func (c *Consumer) Stop() {
	c.cancel()
	c.wg.Wait()
	slog.Info("Consumer stopped")
}

// wireReceiptHandleCallbacks wires SQS-style receipt handle updates onto
// a RoutedMessage when the underlying queue.Message supports them.
func wireReceiptHandleCallbacks(msg *RoutedMessage, queueMsg queue.Message) {
	if updatable, ok := queueMsg.(queue.ReceiptHandleUpdatable); ok {
		msg.UpdateReceiptHandleFunc = updatable.UpdateReceiptHandle
		msg.GetReceiptHandleFunc = updatable.GetReceiptHandle
	}
}

// consume parses each incoming broker envelope as a model.MessagePointer
// and routes it through the pipeline tracker.
func (c *Consumer) consume() {
	err := c.consumer.Consume(c.ctx, func(msg queue.Message) error {
		c.updateActivity()

		metrics.QueueMessagesConsumed.WithLabelValues(c.queueType).Inc()

		var pointer model.MessagePointer
		if err := json.Unmarshal(msg.Data(), &pointer); err != nil {
			slog.Error("Failed to unmarshal message pointer, dropping", "error", err)
			msg.Ack()
			return nil
		}

		poolCode := pointer.PoolCode
		if poolCode == "" {
			poolCode = "POOL-MEDIUM"
		}

		routed := &RoutedMessage{
			MessageID:       pointer.ID,
			BrokerMessageID: msg.ID(),
			PoolCode:        poolCode,
			MessageGroupID:  pointer.MessageGroupID,
			CallbackURL:     pointer.MediationTarget,
			AuthToken:       pointer.AuthToken,
			Payload:         []byte(pointer.Payload),
			HighPriority:    pointer.HighPriority,
			AckFunc:         msg.Ack,
			NakFunc:         msg.Nak,
			NakDelayFunc:    msg.NakWithDelay,
			InProgressFunc:  msg.InProgress,
		}
		wireReceiptHandleCallbacks(routed, msg)

		if !c.manager.RouteMessage(routed) {
			slog.Warn("Pool rejected message, nacking for redelivery", "messageId", routed.MessageID, "pool", routed.PoolCode)
			msg.Nak()
		}
		return nil
	})

	if err != nil && err != context.Canceled {
		slog.Error("Consumer error", "error", err)
	}
}

// ConsumerFactory builds a fresh queue.Consumer, used to replace a
// stalled one.
type ConsumerFactory func() queue.Consumer

// Router ties a QueueManager to a live broker Consumer and supervises its
// health, restarting it when it stalls.
type Router struct {
	manager         *QueueManager
	consumer        *Consumer
	consumerMu      sync.Mutex
	consumerFactory ConsumerFactory
	queueType       string

	healthConfig *ConsumerHealthConfig
	healthCtx    context.Context
	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup
}

// NewRouter creates a new message router. queueType labels the queue_type
// metric dimension for the consumer it wraps (e.g. "sqs", "nats").
func NewRouter(queueConsumer queue.Consumer, queueType string, mediatorCfg *mediator.HTTPMediatorConfig) *Router {
	manager := NewQueueManager(mediatorCfg)

	var consumer *Consumer
	if queueConsumer != nil {
		consumer = NewConsumer(manager, queueConsumer, queueType)
	}

	return &Router{manager: manager, consumer: consumer, queueType: queueType, healthConfig: DefaultConsumerHealthConfig()}
}

// WithConsumerFactory sets a factory for creating new consumers on restart.
func (r *Router) WithConsumerFactory(factory ConsumerFactory) *Router {
	r.consumerFactory = factory
	return r
}

// WithConsumerHealthConfig configures consumer health monitoring.
func (r *Router) WithConsumerHealthConfig(cfg *ConsumerHealthConfig) *Router {
	if cfg == nil {
		cfg = DefaultConsumerHealthConfig()
	}
	r.healthConfig = cfg
	return r
}

// Start starts the manager, the consumer, and health monitoring.
func (r *Router) Start() {
	r.manager.Start()
	r.StartConsuming()
	slog.Info("Message router started")
}

// Stop stops health monitoring and the consumer, then shuts down the
// manager's pools (see QueueManager.Stop). This is a full teardown for process shutdown;
// a standby transition should use StopConsuming instead, which leaves
// pools running to drain naturally (spec §4.G/§9: standby pauses
// consumption, it does not shut pools down).
func (r *Router) Stop() {
	r.StopConsuming()
	r.manager.Stop()
	slog.Info("Message router stopped")
}

// StartConsuming starts the broker consumer and its health monitor without
// touching the manager or any pool. Used both by Start and by a
// standby->primary transition.
func (r *Router) StartConsuming() {
	if r.consumer != nil {
		r.consumer.Start()
	}

	if r.healthConfig.Enabled && r.consumer != nil {
		r.healthCtx, r.healthCancel = context.WithCancel(context.Background())
		r.healthWg.Add(1)
		go r.runConsumerHealthMonitor()
		slog.Info("Consumer health monitor started", "checkInterval", r.healthConfig.CheckInterval)
	}
}

// StopConsuming stops the broker consumer and its health monitor, leaving
// the manager and every pool running so queued and in-flight work drains
// naturally. Used both by Stop and by a primary->standby transition.
func (r *Router) StopConsuming() {
	if r.healthCancel != nil {
		r.healthCancel()
		r.healthWg.Wait()
		r.healthCancel = nil
	}

	r.consumerMu.Lock()
	consumer := r.consumer
	r.consumerMu.Unlock()

	if consumer != nil {
		consumer.Stop()
	}
}

// Manager returns the router's queue manager.
func (r *Router) Manager() *QueueManager { return r.manager }

// Consumer returns the current broker consumer.
func (r *Router) Consumer() *Consumer {
	r.consumerMu.Lock()
	defer r.consumerMu.Unlock()
	return r.consumer
}

func (r *Router) runConsumerHealthMonitor() {
	defer r.healthWg.Done()

	ticker := time.NewTicker(r.healthConfig.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.healthCtx.Done():
			slog.Info("Consumer health monitor stopped")
			return
		case <-ticker.C:
			r.checkConsumerHealth()
		}
	}
}

func (r *Router) checkConsumerHealth() {
	r.consumerMu.Lock()
	consumer := r.consumer
	r.consumerMu.Unlock()
	if consumer == nil {
		return
	}

	stalledFor := time.Since(consumer.GetLastActivity())
	if stalledFor < r.healthConfig.StallThreshold {
		if consumer.IsStalled() {
			consumer.stalled.Store(false)
			consumer.resetRestartCount()
			slog.Info("Consumer recovered from stalled state")
		}
		return
	}

	consumer.stalled.Store(true)
	restartCount := consumer.GetRestartCount()
	metrics.ConsumerStallEvents.Inc()

	slog.Warn("Consumer appears stalled", "stalledFor", stalledFor, "restartAttempts", restartCount, "maxAttempts", r.healthConfig.MaxRestartAttempts)

	if restartCount >= r.healthConfig.MaxRestartAttempts {
		slog.Error("Consumer exceeded max restart attempts, requires manual intervention", "attempts", restartCount)
		return
	}

	r.restartConsumer()
}

func (r *Router) restartConsumer() {
	r.consumerMu.Lock()
	defer r.consumerMu.Unlock()

	oldConsumer := r.consumer
	if oldConsumer == nil {
		return
	}

	attempt := oldConsumer.incrementRestartCount()
	metrics.ConsumerRestarts.Inc()
	slog.Info("Restarting stalled consumer", "attempt", attempt, "maxAttempts", r.healthConfig.MaxRestartAttempts)

	oldConsumer.Stop()
	time.Sleep(r.healthConfig.RestartDelay)

	if r.consumerFactory != nil {
		if newQueueConsumer := r.consumerFactory(); newQueueConsumer != nil {
			newConsumer := NewConsumer(r.manager, newQueueConsumer, r.queueType)
			newConsumer.restartCount = attempt
			newConsumer.Start()
			r.consumer = newConsumer
			slog.Info("Consumer restarted successfully", "attempt", attempt)
			return
		}
	}

	slog.Warn("No consumer factory available, attempting restart with existing consumer")
	newConsumer := NewConsumer(r.manager, oldConsumer.consumer, r.queueType)
	newConsumer.restartCount = attempt
	newConsumer.Start()
	r.consumer = newConsumer
}

// GenerateBatchID generates a new opaque batch identifier.
func GenerateBatchID() string {
	return tsid.Generate()
}

// RouterService adapts a Router to lifecycle.Service and adds Pause/Resume
// so a standby.Service can gate message consumption on leadership.
//
// Pause/Resume only start and stop the broker consumer
// (Router.StopConsuming/StartConsuming): the manager and its pools, once
// started, are left running across every PRIMARY<->STANDBY transition so
// queued and in-flight work keeps draining on a demoted instance instead of
// being discarded (spec §4.G: "Pools are not stopped; they drain
// naturally"). managerStarted tracks whether the manager has ever been
// started, separately from consuming, so the first Resume (as well as a
// plain Start with leader election disabled) starts it exactly once.
type RouterService struct {
	router *Router
	mu     sync.Mutex

	managerStarted bool
	consuming      bool
}

// NewRouterService wraps router for lifecycle supervision.
func NewRouterService(router *Router) *RouterService {
	return &RouterService{router: router}
}

// Name identifies this service for lifecycle logging.
func (s *RouterService) Name() string { return "message-router" }

// Start starts the manager and the consumer, then blocks until ctx is
// cancelled.
func (s *RouterService) Start(ctx context.Context) error {
	s.mu.Lock()
	s.startManagerLocked()
	s.startConsumingLocked()
	s.mu.Unlock()

	<-ctx.Done()
	return nil
}

// Stop performs a full teardown: stops the consumer, then shuts down
// every pool (see QueueManager.Stop). Used for process shutdown, not for a standby
// transition (use Pause for that).
func (s *RouterService) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopConsumingLocked()
	if s.managerStarted {
		s.router.manager.Stop()
		s.managerStarted = false
	}
	return nil
}

// Health reports nil; the router has no distinct failure mode beyond
// what the health checker's queue/broker checks already cover.
func (s *RouterService) Health() error { return nil }

// Pause stops the broker consumer only, used when this instance
// transitions from PRIMARY to STANDBY. The manager and its pools keep
// running so anything already queued or in-flight drains naturally.
func (s *RouterService) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopConsumingLocked()
}

// Resume starts the manager (on first use) and the broker consumer, used
// when this instance transitions from STANDBY to PRIMARY.
func (s *RouterService) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startManagerLocked()
	s.startConsumingLocked()
}

func (s *RouterService) startManagerLocked() {
	if !s.managerStarted {
		s.router.manager.Start()
		s.managerStarted = true
	}
}

func (s *RouterService) startConsumingLocked() {
	if !s.consuming {
		s.router.StartConsuming()
		s.consuming = true
	}
}

func (s *RouterService) stopConsumingLocked() {
	if s.consuming {
		s.router.StopConsuming()
		s.consuming = false
	}
}

func (m *QueueManager) runConfigSync() {
	defer m.syncWg.Done()

	if !m.doInitialSyncWithRetry() {
		if m.syncConfig.FailOnInitialSyncError {
			slog.Error("Initial pool config sync failed after all retries, shutting down")
			panic("initial pool config sync failed")
		}
		slog.Error("Initial pool config sync failed, continuing with empty config")
	}

	ticker := time.NewTicker(m.syncConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.syncCtx.Done():
			slog.Info("Pool config sync stopped")
			return
		case <-ticker.C:
			m.syncPoolConfig()
		}
	}
}

func (m *QueueManager) doInitialSyncWithRetry() bool {
	maxAttempts := m.syncConfig.InitialRetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if m.retryLimiter == nil {
		m.retryLimiter = rate.NewLimiter(rate.Every(m.syncConfig.InitialRetryDelay), 1)
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if m.standbyChecker != nil && !m.standbyChecker.IsPrimary() {
			slog.Info("In standby mode, waiting for primary lock before initial sync", "attempt", attempt)
			m.waitForRetrySlot()
			continue
		}

		if m.syncPoolConfigWithResult() {
			m.initialized = true
			slog.Info("Initial pool config sync completed", "attempt", attempt)
			return true
		}

		if attempt < maxAttempts {
			slog.Warn("Initial pool config sync failed, retrying", "attempt", attempt, "maxAttempts", maxAttempts)
			m.waitForRetrySlot()
		}
	}

	slog.Error("Initial pool config sync failed after all retry attempts", "attempts", maxAttempts)
	return false
}

// waitForRetrySlot blocks until the next retry token is available,
// returning early if syncCtx is cancelled (e.g. Stop() was called while a
// retry was pending).
func (m *QueueManager) waitForRetrySlot() {
	ctx := m.syncCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := m.retryLimiter.Wait(ctx); err != nil {
		slog.Debug("Retry wait interrupted", "error", err)
	}
}

func (m *QueueManager) syncPoolConfig() {
	if m.standbyChecker != nil && !m.standbyChecker.IsPrimary() {
		if !m.initialized {
			slog.Info("In standby mode, waiting for primary lock")
			m.initialized = true
		}
		return
	}
	m.syncPoolConfigWithResult()
}

// syncPoolConfigWithResult applies a single-flight diff of the config
// source's pool list against the live pool set: updates concurrency/rate
// limit on existing pools, creates missing ones, and drains ones no
// longer present.
func (m *QueueManager) syncPoolConfigWithResult() bool {
	ctx, cancel := context.WithTimeout(m.syncCtx, 30*time.Second)
	defer cancel()

	specs, err := m.configSource.FetchPools(ctx)
	if err != nil {
		slog.Error("Failed to fetch pool configuration", "error", err)
		return false
	}

	activeCodes := make(map[string]bool, len(specs))
	for _, spec := range specs {
		activeCodes[spec.Code] = true

		m.poolsMu.RLock()
		existing, exists := m.pools[spec.Code]
		m.poolsMu.RUnlock()

		if exists {
			if spec.Concurrency > 0 && spec.Concurrency != existing.GetConcurrency() {
				existing.UpdateConcurrency(spec.Concurrency)
			}
			existing.UpdateRateLimit(spec.RateLimitPerMinute)
		} else {
			m.GetOrCreatePool(spec)
			slog.Info("Created pool from configuration", "pool", spec.Code, "concurrency", spec.Concurrency)
		}
	}

	m.poolsMu.RLock()
	var toRemove []string
	for code := range m.pools {
		if !activeCodes[code] {
			toRemove = append(toRemove, code)
		}
	}
	m.poolsMu.RUnlock()

	for _, code := range toRemove {
		m.drainPool(code)
	}

	if len(specs) > 0 || len(toRemove) > 0 {
		slog.Debug("Pool config sync completed", "activeCount", len(specs), "removedCount", len(toRemove))
	}
	return true
}

func (m *QueueManager) drainPool(code string) {
	m.poolsMu.Lock()
	p, exists := m.pools[code]
	if !exists {
		m.poolsMu.Unlock()
		return
	}
	delete(m.pools, code)
	m.poolsMu.Unlock()

	m.drainingPools.Store(code, p)
	slog.Info("Draining pool no longer in configuration", "pool", code)

	go func() {
		p.Drain()
		p.Shutdown()
		m.drainingPools.Delete(code)
		slog.Info("Pool drained and removed", "pool", code)
	}()
}

func (m *QueueManager) runPipelineCleanup() {
	defer m.cleanupWg.Done()

	ticker := time.NewTicker(m.cleanupConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.cleanupCtx.Done():
			slog.Info("Pipeline cleanup stopped")
			return
		case <-ticker.C:
			m.cleanupStalePipelineEntries()
		}
	}
}

func (m *QueueManager) cleanupStalePipelineEntries() {
	now := time.Now().UnixMilli()
	ttlMillis := m.cleanupConfig.TTL.Milliseconds()
	cleaned := 0

	var staleKeys, staleIDs []string
	m.inPipelineTimestamps.Range(func(key, value interface{}) bool {
		pipelineKey := key.(string)
		timestamp := value.(int64)
		if now-timestamp > ttlMillis {
			staleKeys = append(staleKeys, pipelineKey)
			if msgValue, exists := m.inPipelineMap.Load(pipelineKey); exists {
				if msg, ok := msgValue.(*RoutedMessage); ok {
					staleIDs = append(staleIDs, msg.MessageID)
				}
			}
		}
		return true
	})

	for i, pipelineKey := range staleKeys {
		m.inPipelineMap.Delete(pipelineKey)
		m.inPipelineTimestamps.Delete(pipelineKey)
		if i < len(staleIDs) {
			m.appIDToPipelineKey.Delete(staleIDs[i])
		}
		cleaned++
	}

	if cleaned > 0 {
		slog.Warn("Cleaned up stale pipeline entries, messages may have been stuck", "count", cleaned, "ttl", m.cleanupConfig.TTL)
	}
}

func (m *QueueManager) runVisibilityExtender() {
	defer m.visibilityWg.Done()

	ticker := time.NewTicker(m.visibilityConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.visibilityCtx.Done():
			slog.Info("Visibility extender stopped")
			return
		case <-ticker.C:
			m.extendLongRunningVisibility()
		}
	}
}

func (m *QueueManager) extendLongRunningVisibility() {
	now := time.Now().UnixMilli()
	thresholdMillis := m.visibilityConfig.Threshold.Milliseconds()
	extended := 0

	m.inPipelineTimestamps.Range(func(key, value interface{}) bool {
		pipelineKey := key.(string)
		startTime := value.(int64)
		elapsed := now - startTime
		if elapsed < thresholdMillis {
			return true
		}

		msgValue, exists := m.inPipelineMap.Load(pipelineKey)
		if !exists {
			return true
		}
		msg, ok := msgValue.(*RoutedMessage)
		if !ok || msg.InProgressFunc == nil {
			return true
		}

		if err := msg.InProgressFunc(); err != nil {
			slog.Warn("Failed to extend visibility for long-running message", "error", err, "messageId", msg.MessageID, "elapsedMs", elapsed)
		} else {
			extended++
		}
		return true
	})

	if extended > 0 {
		slog.Info("Extended visibility for long-running messages", "count", extended, "threshold", m.visibilityConfig.Threshold)
	}
}

func (m *QueueManager) runLeakDetection() {
	defer m.leakDetectionWg.Done()

	ticker := time.NewTicker(m.leakDetectionConfig.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.leakDetectionCtx.Done():
			slog.Info("Pipeline leak detection stopped")
			return
		case <-ticker.C:
			m.checkForMapLeaks()
		}
	}
}

// checkForMapLeaks warns when the pipeline map has grown larger than the
// sum of every pool's max capacity, which means messages are not being
// removed from it after processing completes.
func (m *QueueManager) checkForMapLeaks() {
	m.runningMu.Lock()
	running := m.running
	initialized := m.initialized
	m.runningMu.Unlock()
	if !running || !initialized {
		return
	}

	pipelineSize := 0
	m.inPipelineMap.Range(func(_, _ interface{}) bool {
		pipelineSize++
		return true
	})

	m.poolsMu.RLock()
	totalCapacity := 0
	for _, p := range m.pools {
		totalCapacity += p.GetMaxCapacity()
	}
	m.poolsMu.RUnlock()

	if totalCapacity == 0 {
		totalCapacity = 50
	}

	if pipelineSize > totalCapacity {
		message := fmt.Sprintf("pipeline map size (%d) exceeds total pool capacity (%d): possible leak", pipelineSize, totalCapacity)
		slog.Warn("Pipeline leak detection triggered", "pipelineSize", pipelineSize, "totalCapacity", totalCapacity)
		if m.warningService != nil {
			m.warningService.AddWarning("PIPELINE_MAP_LEAK", "WARN", message, "QueueManager")
		}
	}

	metrics.PipelineMapSize.Set(float64(pipelineSize))
	metrics.PipelineTotalCapacity.Set(float64(totalCapacity))
}

// GetPipelineSize returns the current size of the pipeline tracking map.
func (m *QueueManager) GetPipelineSize() int {
	size := 0
	m.inPipelineMap.Range(func(_, _ interface{}) bool {
		size++
		return true
	})
	return size
}

// GetTotalPoolCapacity returns the combined max capacity of every pool.
func (m *QueueManager) GetTotalPoolCapacity() int {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()

	total := 0
	for _, p := range m.pools {
		total += p.GetMaxCapacity()
	}
	return total
}

// AllPoolStats returns a point-in-time snapshot of every active pool, keyed
// by pool code, for the read-only monitoring surface.
func (m *QueueManager) AllPoolStats() map[string]pool.Stats {
	m.poolsMu.RLock()
	defer m.poolsMu.RUnlock()

	stats := make(map[string]pool.Stats, len(m.pools))
	for code, p := range m.pools {
		stats[code] = p.Stats()
	}
	return stats
}
