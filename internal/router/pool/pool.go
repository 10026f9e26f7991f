// Package pool provides the message processing pool implementation.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.flowcatalyst.tech/internal/common/metrics"
)

// Pointer is one logical unit of work routed through a pool. It is built by
// the pipeline tracker from a broker-agnostic QueueMessage and carries the
// broker callbacks needed to ack/nack the original message.
type Pointer struct {
	MessageID       string // application-assigned idempotency key
	BrokerMessageID string // broker-assigned id, may change across redeliveries
	BatchID         string // opaque grouping of messages received together
	QueueID         string // source queue identifier
	PoolCode        string
	MessageGroupID  string
	CallbackURL     string // mediationTarget
	AuthToken       string
	Payload         []byte
	Headers         map[string]string
	HighPriority    bool
	ReceiveCount    int
	ReceivedAt      time.Time
	TimeoutSeconds  int

	AckFunc        func() error
	NakFunc        func() error
	NakDelayFunc   func(time.Duration) error
	InProgressFunc func() error

	UpdateReceiptHandleFunc func(string)
	GetReceiptHandleFunc    func() string
}

// MediationResult is the classification of a mediation attempt.
type MediationResult string

const (
	MediationResultSuccess         MediationResult = "SUCCESS"
	MediationResultErrorConfig     MediationResult = "ERROR_CONFIG"     // 4xx, permanent
	MediationResultDeferred        MediationResult = "DEFERRED"         // ack=false, app says not yet
	MediationResultErrorProcess    MediationResult = "ERROR_PROCESS"    // 5xx/timeout/circuit-open, transient
	MediationResultErrorConnection MediationResult = "ERROR_CONNECTION" // connect/TLS failure, transient
)

// MediationOutcome is the result of one mediation attempt.
type MediationOutcome struct {
	Result      MediationResult
	Delay       *time.Duration
	Error       error
	StatusCode  int
	ResponseAck *bool
}

func (o *MediationOutcome) HasCustomDelay() bool {
	return o.Delay != nil
}

func (o *MediationOutcome) GetEffectiveDelaySeconds() int {
	if o.Delay == nil {
		return 0
	}
	return int(o.Delay.Seconds())
}

// Mediator dispatches a Pointer to its downstream target.
type Mediator interface {
	Process(msg *Pointer) *MediationOutcome
}

// MessageCallback adapts pool-level ack/nack decisions onto the broker.
type MessageCallback interface {
	Ack(msg *Pointer)
	Nack(msg *Pointer)
	SetVisibilityDelay(msg *Pointer, seconds int)
	SetFastFailVisibility(msg *Pointer)
	ResetVisibilityToDefault(msg *Pointer)
}

// Pool is a concurrency and rate-limit domain selected by poolCode.
type Pool interface {
	Start()
	Drain()
	Submit(msg *Pointer) bool
	GetPoolCode() string
	GetConcurrency() int
	GetRateLimitPerMinute() *int
	IsFullyDrained() bool
	Shutdown()
	GetQueueSize() int
	GetActiveWorkers() int
	GetMaxCapacity() int
	HasCapacity(needed int) bool
	IsRateLimited() bool
	UpdateConcurrency(newLimit int) bool
	UpdateRateLimit(newRateLimitPerMinute *int)
	Stats() Stats
}

// Visibility delay constants from the broker-visibility contract.
const (
	DefaultGroup = "__DEFAULT__"

	IdleTimeout = 5 * time.Minute

	FastFailDelaySeconds   = 10
	PoolRejectDelaySeconds = 5
	DefaultDelaySeconds    = 30
	MaxDelaySeconds        = 43200
)

// poolState is the lifecycle state of a ProcessPool.
type poolState int32

const (
	stateStopped poolState = iota // zero value: not yet started
	stateRunning
	stateDraining
)

// ProcessPool implements Pool. Each message group it owns is served by
// exactly one MessageGroupHandler that drains high-priority work ahead of
// regular work, one message at a time.
type ProcessPool struct {
	poolCode    string
	concurrency int32

	state atomic.Int32

	sem *DynamicSemaphore

	rateLimitMu        sync.RWMutex
	rateLimiter        *LeakyBucketLimiter
	rateLimitPerMinute *int

	maxCapacity int // fixed at construction: max(concurrency*20, 50)

	mediator        Mediator
	messageCallback MessageCallback

	groups   sync.Map // map[string]*groupHandler
	groupsWg sync.WaitGroup

	totalQueued atomic.Int32

	failedBatchGroups      sync.Map // map[string]struct{}
	batchGroupMessageCount sync.Map // map[string]*atomic.Int32

	stats *rollingStats

	ctx    context.Context
	cancel context.CancelFunc

	gaugeCtx    context.Context
	gaugeCancel context.CancelFunc
	gaugeWg     sync.WaitGroup
}

// NewProcessPool creates a new process pool. maxCapacity is derived from
// concurrency per the admission-boundary invariant and is not retroactively
// resized by later concurrency updates.
func NewProcessPool(
	poolCode string,
	concurrency int,
	rateLimitPerMinute *int,
	mediator Mediator,
	messageCallback MessageCallback,
) *ProcessPool {
	ctx, cancel := context.WithCancel(context.Background())
	gaugeCtx, gaugeCancel := context.WithCancel(context.Background())

	maxCapacity := concurrency * 20
	if maxCapacity < 50 {
		maxCapacity = 50
	}

	p := &ProcessPool{
		poolCode:           poolCode,
		concurrency:        int32(concurrency),
		sem:                NewDynamicSemaphore(concurrency),
		maxCapacity:        maxCapacity,
		mediator:           mediator,
		messageCallback:    messageCallback,
		rateLimitPerMinute: rateLimitPerMinute,
		stats:              newRollingStats(),
		ctx:                ctx,
		cancel:             cancel,
		gaugeCtx:           gaugeCtx,
		gaugeCancel:        gaugeCancel,
	}

	if rateLimitPerMinute != nil && *rateLimitPerMinute > 0 {
		p.rateLimiter = NewLeakyBucketLimiter(*rateLimitPerMinute, maxCapacity)
		slog.Info("Created pool-level rate limiter", "pool", poolCode, "rateLimit", *rateLimitPerMinute)
	}

	return p
}

// Start marks the pool running and begins metric reporting. Idempotent.
func (p *ProcessPool) Start() {
	if p.state.CompareAndSwap(int32(stateStopped), int32(stateRunning)) {
		p.gaugeWg.Add(1)
		go p.runGaugeUpdater()
		slog.Info("Starting process pool", "pool", p.poolCode, "concurrency", p.GetConcurrency(), "maxCapacity", p.maxCapacity)
		return
	}
	if poolState(p.state.Load()) == stateDraining {
		p.state.Store(int32(stateRunning))
	}
}

// Drain stops accepting new submissions but leaves in-flight work to finish.
func (p *ProcessPool) Drain() {
	slog.Info("Draining process pool", "pool", p.poolCode, "queued", p.totalQueued.Load())
	p.state.Store(int32(stateDraining))
}

func (p *ProcessPool) isAcceptingWork() bool {
	return poolState(p.state.Load()) == stateRunning
}

// Submit enqueues msg onto its message-group handler. It returns false
// (with no side effects) if the pool is not running or is at maxCapacity.
func (p *ProcessPool) Submit(msg *Pointer) bool {
	if !p.isAcceptingWork() {
		return false
	}

	if int(p.totalQueued.Load()) >= p.maxCapacity {
		slog.Debug("Pool at capacity, rejecting message", "pool", p.poolCode, "capacity", p.maxCapacity, "messageId", msg.MessageID)
		return false
	}

	groupID := msg.MessageGroupID
	if groupID == "" {
		groupID = DefaultGroup
	}

	batchGroupKey := batchGroupKeyOf(msg.BatchID, groupID)
	if batchGroupKey != "" {
		counter, _ := p.batchGroupMessageCount.LoadOrStore(batchGroupKey, &atomic.Int32{})
		counter.(*atomic.Int32).Add(1)
	}

	h := p.getOrCreateGroupHandler(groupID)
	h.enqueue(msg)

	p.totalQueued.Add(1)
	return true
}

func batchGroupKeyOf(batchID, groupID string) string {
	if batchID == "" {
		return ""
	}
	return batchID + "|" + groupID
}

func (p *ProcessPool) getOrCreateGroupHandler(groupID string) *groupHandler {
	if v, ok := p.groups.Load(groupID); ok {
		return v.(*groupHandler)
	}
	h := newGroupHandler(groupID, func(msg *Pointer) {
		p.processMessage(msg)
	}, func() {
		p.groups.Delete(groupID)
	})
	actual, loaded := p.groups.LoadOrStore(groupID, h)
	if loaded {
		h.stop()
		return actual.(*groupHandler)
	}
	p.groupsWg.Add(1)
	go func() {
		defer p.groupsWg.Done()
		h.run(p.ctx)
	}()
	return h
}

// processMessage runs the admission pipeline for one dequeued message:
// batch-group guard, rate limiting, concurrency gate, mediation, outcome.
func (p *ProcessPool) processMessage(msg *Pointer) {
	groupID := msg.MessageGroupID
	if groupID == "" {
		groupID = DefaultGroup
	}
	batchGroupKey := batchGroupKeyOf(msg.BatchID, groupID)

	defer func() {
		p.totalQueued.Add(-1)
		if batchGroupKey != "" {
			p.decrementAndCleanupBatchGroup(batchGroupKey)
		}
		if r := recover(); r != nil {
			slog.Error("Panic during message processing", "pool", p.poolCode, "messageId", msg.MessageID, "panic", r)
			p.nackSafely(msg)
		}
	}()

	if batchGroupKey != "" {
		if _, failed := p.failedBatchGroups.Load(batchGroupKey); failed {
			slog.Warn("Message from failed batch-group, fast-failing to preserve FIFO",
				"pool", p.poolCode, "messageId", msg.MessageID, "batchGroup", batchGroupKey)
			p.messageCallback.SetFastFailVisibility(msg)
			p.nackSafely(msg)
			return
		}
	}

	p.rateLimitMu.RLock()
	limiter := p.rateLimiter
	p.rateLimitMu.RUnlock()

	if limiter != nil {
		if !limiter.Admit(p.ctx) {
			metrics.PoolRateLimitRejections.WithLabelValues(p.poolCode).Inc()
			p.stats.recordRateLimited()
			slog.Warn("Rate limiter queue full, fast-failing", "pool", p.poolCode, "messageId", msg.MessageID)
			p.messageCallback.SetFastFailVisibility(msg)
			p.nackSafely(msg)
			return
		}
	}

	if !p.sem.Acquire(p.ctx) {
		p.nackSafely(msg)
		return
	}
	defer p.sem.Release()

	slog.Debug("Processing message via mediator", "pool", p.poolCode, "messageId", msg.MessageID, "target", msg.CallbackURL)

	start := time.Now()
	outcome := p.mediator.Process(msg)
	duration := time.Since(start)

	metrics.PoolProcessingDuration.WithLabelValues(p.poolCode).Observe(duration.Seconds())
	p.stats.recordDuration(duration)

	slog.Debug("Message processing completed", "pool", p.poolCode, "messageId", msg.MessageID, "result", string(outcome.Result), "duration", duration)

	p.handleMediationOutcome(msg, outcome, batchGroupKey)
}

func (p *ProcessPool) handleMediationOutcome(msg *Pointer, outcome *MediationOutcome, batchGroupKey string) {
	if outcome == nil {
		outcome = &MediationOutcome{Result: MediationResultErrorProcess}
	}

	switch outcome.Result {
	case MediationResultSuccess:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "success").Inc()
		p.stats.recordSucceeded()
		p.messageCallback.Ack(msg)

	case MediationResultErrorConfig:
		// permanent protocol error: ack to avoid a poison-message loop
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		p.stats.recordFailed()
		slog.Warn("Configuration error, acking to prevent retry loop", "pool", p.poolCode, "messageId", msg.MessageID, "statusCode", outcome.StatusCode)
		p.messageCallback.Ack(msg)

	case MediationResultDeferred:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "deferred").Inc()
		p.stats.recordDeferred()
		p.markBatchGroupFailed(batchGroupKey)
		p.nackWithDelay(msg, outcome)

	case MediationResultErrorProcess:
		// transient: does not count against success rate
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "transient").Inc()
		p.stats.recordTransient()
		p.markBatchGroupFailed(batchGroupKey)
		p.nackWithDelay(msg, outcome)

	case MediationResultErrorConnection:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		p.stats.recordFailed()
		p.markBatchGroupFailed(batchGroupKey)
		p.nackWithDelay(msg, outcome)

	default:
		metrics.PoolMessagesProcessed.WithLabelValues(p.poolCode, "failed").Inc()
		p.stats.recordFailed()
		p.markBatchGroupFailed(batchGroupKey)
		p.nackWithDelay(msg, outcome)
	}
}

func (p *ProcessPool) markBatchGroupFailed(batchGroupKey string) {
	if batchGroupKey != "" {
		p.failedBatchGroups.Store(batchGroupKey, struct{}{})
	}
}

func (p *ProcessPool) nackWithDelay(msg *Pointer, outcome *MediationOutcome) {
	if outcome.HasCustomDelay() {
		p.messageCallback.SetVisibilityDelay(msg, outcome.GetEffectiveDelaySeconds())
	} else {
		p.messageCallback.ResetVisibilityToDefault(msg)
	}
	p.nackSafely(msg)
}

func (p *ProcessPool) nackSafely(msg *Pointer) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic during message nack", "pool", p.poolCode, "messageId", msg.MessageID, "panic", r)
		}
	}()
	p.messageCallback.Nack(msg)
}

func (p *ProcessPool) decrementAndCleanupBatchGroup(batchGroupKey string) {
	if v, ok := p.batchGroupMessageCount.Load(batchGroupKey); ok {
		counter := v.(*atomic.Int32)
		if counter.Add(-1) <= 0 {
			p.batchGroupMessageCount.Delete(batchGroupKey)
			p.failedBatchGroups.Delete(batchGroupKey)
		}
	}
}

func (p *ProcessPool) GetPoolCode() string { return p.poolCode }

func (p *ProcessPool) GetConcurrency() int { return int(atomic.LoadInt32(&p.concurrency)) }

func (p *ProcessPool) GetRateLimitPerMinute() *int {
	p.rateLimitMu.RLock()
	defer p.rateLimitMu.RUnlock()
	return p.rateLimitPerMinute
}

func (p *ProcessPool) IsFullyDrained() bool {
	return p.totalQueued.Load() == 0 && p.sem.ActiveCount() == 0
}

// Shutdown stops all group handlers and clears tracking state.
func (p *ProcessPool) Shutdown() {
	p.state.Store(int32(stateStopped))

	p.gaugeCancel()
	p.gaugeWg.Wait()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.groupsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Pool shutdown complete", "pool", p.poolCode)
	case <-time.After(10 * time.Second):
		slog.Warn("Pool shutdown timed out", "pool", p.poolCode)
	}

	p.groups.Range(func(k, _ interface{}) bool {
		p.groups.Delete(k)
		return true
	})
	p.failedBatchGroups.Range(func(k, _ interface{}) bool {
		p.failedBatchGroups.Delete(k)
		return true
	})
	p.batchGroupMessageCount.Range(func(k, _ interface{}) bool {
		p.batchGroupMessageCount.Delete(k)
		return true
	})
}

func (p *ProcessPool) GetQueueSize() int { return int(p.totalQueued.Load()) }

func (p *ProcessPool) GetActiveWorkers() int { return p.sem.ActiveCount() }

func (p *ProcessPool) GetMaxCapacity() int { return p.maxCapacity }

func (p *ProcessPool) HasCapacity(needed int) bool {
	return p.GetQueueSize()+needed <= p.maxCapacity
}

func (p *ProcessPool) IsRateLimited() bool {
	p.rateLimitMu.RLock()
	limiter := p.rateLimiter
	p.rateLimitMu.RUnlock()
	if limiter == nil {
		return false
	}
	return limiter.QueueLength() >= p.maxCapacity
}

// UpdateConcurrency resizes the semaphore's permit ceiling in place.
// maxCapacity is fixed at construction and is not recomputed here.
func (p *ProcessPool) UpdateConcurrency(newLimit int) bool {
	if newLimit <= 0 {
		return false
	}
	old := atomic.SwapInt32(&p.concurrency, int32(newLimit))
	if old == int32(newLimit) {
		return true
	}
	p.sem.SetLimit(newLimit)
	slog.Info("Concurrency updated", "pool", p.poolCode, "from", old, "to", newLimit)
	return true
}

// UpdateRateLimit rebuilds (or disables) the leaky-bucket limiter.
func (p *ProcessPool) UpdateRateLimit(newRateLimitPerMinute *int) {
	p.rateLimitMu.Lock()
	defer p.rateLimitMu.Unlock()

	if p.rateLimiter != nil {
		p.rateLimiter.Close()
	}

	if newRateLimitPerMinute == nil || *newRateLimitPerMinute <= 0 {
		p.rateLimiter = nil
		p.rateLimitPerMinute = nil
		slog.Info("Rate limiting disabled", "pool", p.poolCode)
		return
	}

	p.rateLimiter = NewLeakyBucketLimiter(*newRateLimitPerMinute, p.maxCapacity)
	p.rateLimitPerMinute = newRateLimitPerMinute
	slog.Info("Rate limit updated", "pool", p.poolCode, "rateLimit", *newRateLimitPerMinute)
}

// Stats is a point-in-time snapshot of the pool's rolling statistics.
type Stats struct {
	PoolCode          string
	Concurrency       int
	ActiveWorkers     int
	QueueSize         int
	MaxCapacity       int
	MessageGroupCount int
	Total             Counters
	Last5Min          Counters
	Last30Min         Counters
	MeanDurationMs    float64
}

func (p *ProcessPool) Stats() Stats {
	return Stats{
		PoolCode:          p.poolCode,
		Concurrency:       p.GetConcurrency(),
		ActiveWorkers:     p.GetActiveWorkers(),
		QueueSize:         p.GetQueueSize(),
		MaxCapacity:       p.maxCapacity,
		MessageGroupCount: p.countGroups(),
		Total:             p.stats.total(),
		Last5Min:          p.stats.window(5 * time.Minute),
		Last30Min:         p.stats.window(30 * time.Minute),
		MeanDurationMs:    p.stats.meanDurationMs(),
	}
}

func (p *ProcessPool) countGroups() int {
	count := 0
	p.groups.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func (p *ProcessPool) runGaugeUpdater() {
	defer p.gaugeWg.Done()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	p.updateGauges()

	for {
		select {
		case <-p.gaugeCtx.Done():
			return
		case <-ticker.C:
			p.updateGauges()
		}
	}
}

func (p *ProcessPool) updateGauges() {
	metrics.PoolActiveWorkers.WithLabelValues(p.poolCode).Set(float64(p.GetActiveWorkers()))
	metrics.PoolQueueDepth.WithLabelValues(p.poolCode).Set(float64(p.GetQueueSize()))
	metrics.PoolAvailablePermits.WithLabelValues(p.poolCode).Set(float64(p.GetConcurrency() - p.GetActiveWorkers()))
	metrics.PoolMessageGroupCount.WithLabelValues(p.poolCode).Set(float64(p.countGroups()))
}
