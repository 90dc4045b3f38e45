// Package orchestrator wires the tracker, queue, rate limiter, health
// monitor, correlation manager, and persistence store into the running
// traceroute-mapping engine: the ingress handler, the outbound send path,
// and the background loops that drive queue processing, timeout sweeps,
// periodic rechecks, and state persistence.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshgw/tracemapper/internal/bus"
	"github.com/meshgw/tracemapper/internal/clock"
	"github.com/meshgw/tracemapper/internal/config"
	"github.com/meshgw/tracemapper/internal/health"
	"github.com/meshgw/tracemapper/internal/manager"
	"github.com/meshgw/tracemapper/internal/meshmsg"
	"github.com/meshgw/tracemapper/internal/persistence"
	"github.com/meshgw/tracemapper/internal/queue"
	"github.com/meshgw/tracemapper/internal/ratelimit"
	"github.com/meshgw/tracemapper/internal/router"
	"github.com/meshgw/tracemapper/internal/tracker"
)

// Stats is the aggregate point-in-time snapshot published on the bus.
type Stats struct {
	TracesSent           int64
	TracesSuccessful     int64
	TracesFailed         int64
	TracesTimeout        int64
	DirectNodesSkipped   int64
	FilteredNodesSkipped int64
	QueueSize            int
	DirectCount          int
	IndirectCount        int
	IsEmergencyStop      bool
	IsCongested          bool
}

// Engine owns every runtime component and the goroutines that drive them.
// It is built with New, configured with Initialize, and brought up and
// down with Start/Stop.
type Engine struct {
	selfID string
	router router.MessageRouter
	bus    bus.MessageBus
	clock  clock.Clock
	logger *slog.Logger

	mu  sync.RWMutex
	cfg config.Config

	tracker *tracker.Tracker
	queue   *queue.Queue
	limiter *ratelimit.Limiter
	manager *manager.Manager
	monitor *health.Monitor
	store   *persistence.Store

	retryMu     sync.Mutex
	retryCounts map[string]int

	statsMu           sync.Mutex
	stats             Stats
	lastEmergencyStop bool
	lastCongested     bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs an uninitialized Engine. Call Initialize before Start.
func New(selfID string, rtr router.MessageRouter, b bus.MessageBus, c clock.Clock, logger *slog.Logger) *Engine {
	if c == nil {
		c = clock.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		selfID:      selfID,
		router:      rtr,
		bus:         b,
		clock:       c,
		logger:      logger,
		retryCounts: make(map[string]int),
	}
}

// Initialize validates cfg and (re)builds every component from it. It may
// be called again before Start to pick up a different starting
// configuration; after Start, use Reload instead.
func (e *Engine) Initialize(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg

	e.tracker = tracker.New(filtersFromConfig(cfg), e.clock.Now, e.logger.With("component", "tracker"))
	e.queue = queue.New(cfg.QueueMaxSize, queue.OverflowStrategy(cfg.QueueOverflowStrategy), e.clock.Now)
	e.limiter = ratelimit.New(cfg.TraceroutesPerMinute, cfg.BurstMultiplier, e.clock)
	e.manager = manager.New(manager.Config{
		MaxHops:                cfg.MaxHops,
		TimeoutSeconds:         cfg.TimeoutSeconds,
		MaxRetries:             cfg.MaxRetries,
		RetryBackoffMultiplier: cfg.RetryBackoffMultiplier,
	}, e.clock.Now, e.logger.With("component", "manager"))
	e.monitor = health.New(healthConfigFrom(cfg), e.clock, e.logger.With("component", "health"))

	if cfg.StatePersistenceEnabled {
		e.store = persistence.New(cfg.StateFilePath, cfg.HistoryPerNode, e.logger.With("component", "persistence"), e.clock.Now)
	} else {
		e.store = nil
	}

	return nil
}

func filtersFromConfig(cfg config.Config) tracker.Filters {
	return tracker.Filters{
		SkipDirectNodes: cfg.SkipDirectNodes,
		Whitelist:       toSet(cfg.Whitelist),
		Blacklist:       toSet(cfg.Blacklist),
		ExcludeRoles:    toSet(cfg.ExcludeRoles),
		MinSNRThreshold: cfg.MinSNRThreshold,
		RecheckEnabled:  cfg.RecheckEnabled,
		RecheckInterval: time.Duration(cfg.RecheckIntervalHours * float64(time.Hour)),
	}
}

func healthConfigFrom(cfg config.Config) health.Config {
	return health.Config{
		SuccessRateThreshold:     cfg.Congestion.SuccessRateThreshold,
		FailureThreshold:         cfg.EmergencyStopConfig.FailureThreshold,
		ConsecutiveFailuresLimit: cfg.EmergencyStopConfig.ConsecutiveFailures,
		AutoRecoveryMinutes:      cfg.EmergencyStopConfig.AutoRecoveryMinutes,
		QuietHours: health.QuietHours{
			Enabled:   cfg.QuietHoursConfig.Enabled,
			StartTime: cfg.QuietHoursConfig.StartTime,
			EndTime:   cfg.QuietHoursConfig.EndTime,
		},
		CongestionEnabled:  cfg.Congestion.Enabled,
		ThrottleMultiplier: cfg.Congestion.ThrottleMultiplier,
	}
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}

	return set
}

// Reload applies a revalidated configuration without restarting background
// loops. The rate limiter is rescaled in place and the tracker's filters
// and health monitor's thresholds are swapped. The loops read
// currentConfig() on each iteration for the auto-save interval, the
// recheck_enabled switch and the queue loop's enabled/rate gate; the other
// loop cadences are fixed. Queue capacity and overflow strategy, the state
// file path, and the manager's hop/timeout/retry settings keep the values
// set by Initialize.
func (e *Engine) Reload(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()

	e.limiter.SetRate(cfg.TraceroutesPerMinute)
	e.limiter.SetBurstMultiplier(cfg.BurstMultiplier)
	e.tracker.SetFilters(filtersFromConfig(cfg))
	e.monitor.SetConfig(healthConfigFrom(cfg))

	e.logger.Info("configuration reloaded")

	return nil
}

func (e *Engine) currentConfig() config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return e.cfg
}

// Start loads any persisted state, optionally clears the queue, registers
// the ingress handler with the router, and launches the background loops.
func (e *Engine) Start(ctx context.Context) error {
	cfg := e.currentConfig()

	if e.store != nil {
		nodes, err := e.store.LoadState()
		if err != nil {
			return fmt.Errorf("load persisted state: %w", err)
		}
		seed := make([]tracker.NodeState, 0, len(nodes))
		for _, n := range nodes {
			seed = append(seed, n)
		}
		e.tracker.Load(seed)
	}

	if cfg.ClearQueueOnStartup {
		e.queue.Clear()
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.router.OnMessage(e.handleInbound)

	e.wg.Add(5)
	go e.queueLoop(runCtx)
	go e.timeoutLoop(runCtx)
	go e.recheckLoop(runCtx)
	go e.persistenceLoop(runCtx)
	go e.statsLoop(runCtx)

	if cfg.InitialDiscoveryEnabled {
		e.wg.Add(1)
		go e.initialDiscoveryLoop(runCtx, cfg)
	}

	e.logger.Info("engine started")

	return nil
}

// Stop signals every background loop, waits for them to exit, and saves a
// final state snapshot if persistence is enabled.
func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	if e.store != nil {
		e.saveState()
	}

	e.logger.Info("engine stopped")

	return nil
}

// handleInbound is the ingress handler: it updates the tracker
// unconditionally, dispatches traceroute responses to the response path,
// and otherwise applies the new-indirect/back-online/direct-transition
// cases in a fixed, mutually exclusive order.
func (e *Engine) handleInbound(ctx context.Context, m meshmsg.Message) {
	if m.SenderID == "" {
		return
	}

	hopCount := m.HopCount
	result := e.tracker.Update(tracker.Observation{
		NodeID:   m.SenderID,
		HopCount: &hopCount,
		SNR:      m.SNR,
		RSSI:     m.RSSI,
	})

	if m.IsTracerouteResponse() {
		e.handleResponse(ctx, m)

		return
	}

	switch {
	case !result.IsNew && !result.PriorIsDirect && result.State.IsDirect:
		e.queue.Remove(m.SenderID)
		e.bumpDirectSkipped()

	case result.State.IsDirect:
		// Direct node with no transition: nothing to trace.

	case result.WasOffline:
		e.maybeEnqueue(m.SenderID, queue.PriorityNodeBackOnline, "node_back_online")

	case result.IsNew:
		e.maybeEnqueue(m.SenderID, queue.PriorityNewNode, "new_indirect_node")
	}
}

func (e *Engine) maybeEnqueue(nodeID string, priority int, reason string) {
	if !e.tracker.ShouldTrace(nodeID) {
		e.bumpFilteredSkipped()

		return
	}
	e.enqueue(nodeID, priority, reason)
}

func (e *Engine) enqueue(nodeID string, priority int, reason string) {
	if e.queue.Enqueue(nodeID, priority, reason, "") {
		e.logger.Debug("enqueued traceroute request", "node_id", nodeID, "reason", reason)
	}
}

// scheduleRetry re-enqueues nodeID after the manager's backoff delay for
// retryCount elapses: the delay grows geometrically as
// base_timeout × retry_backoff_multiplier^retryCount. The delay is
// carried by a detached goroutine rather than blocking the timeout loop, so
// one slow backoff never delays the next sweep.
func (e *Engine) scheduleRetry(ctx context.Context, nodeID string, priority, retryCount int) {
	delay := e.manager.RetryDelay(retryCount)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if !e.sleepCtx(ctx, delay) {
			return
		}
		e.enqueue(nodeID, priority, fmt.Sprintf("retry_%d", retryCount))
	}()
}

// handleResponse forwards an inbound traceroute response to the message
// router before anything else, so it reaches downstream consumers even if
// it matches no pending correlation of ours, then matches it against the
// manager's pending correlations. An unmatched response (someone else's,
// or one that already timed out) is simply dropped after forwarding.
func (e *Engine) handleResponse(ctx context.Context, m meshmsg.Message) {
	if ok, err := e.router.SendMessage(ctx, m); err != nil || !ok {
		e.logger.Warn("failed to forward traceroute response downstream", "error", err)
	}

	pending, ok := e.manager.HandleResponse(m)
	if !ok {
		e.logger.Debug("traceroute response matched no pending request")

		return
	}

	if _, known := e.tracker.Get(pending.NodeID); !known {
		e.tracker.Update(tracker.Observation{NodeID: pending.NodeID})
	}

	route, _ := m.Route()
	durationMS := float64(e.clock.Now().Sub(pending.SentAt).Milliseconds())

	e.monitor.RecordSuccess(&durationMS)
	e.resetRetry(pending.NodeID)
	e.tracker.MarkTraced(pending.NodeID, true, nil)

	e.statsMu.Lock()
	e.stats.TracesSuccessful++
	e.statsMu.Unlock()

	if e.store != nil {
		if err := e.store.AppendHistory(pending.NodeID, persistence.HistoryEntry{
			Timestamp:  e.clock.Now(),
			Success:    true,
			HopCount:   len(route),
			Route:      route,
			DurationMS: durationMS,
		}); err != nil {
			e.logger.Error("failed to append traceroute history", "error", err)
		}
	}

	e.publishStats()
}

// queueLoop is the queue-processing loop: after sleeping
// startup_delay_seconds once, while processing is permitted it dequeues the
// highest-priority request, waits for the rate limiter, and sends. When
// processing is paused it backs off further than when the queue is merely
// empty, matching the original plugin's two distinct idle cadences.
func (e *Engine) queueLoop(ctx context.Context) {
	defer e.wg.Done()

	startupDelay := time.Duration(e.currentConfig().StartupDelaySeconds * float64(time.Second))
	if !e.sleepCtx(ctx, startupDelay) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !e.shouldProcessQueue() {
			if !e.sleepCtx(ctx, 60*time.Second) {
				return
			}

			continue
		}

		req, ok := e.queue.Dequeue()
		if !ok {
			if !e.sleepCtx(ctx, 10*time.Second) {
				return
			}

			continue
		}

		if err := e.limiter.Acquire(ctx); err != nil {
			return
		}
		e.sendProbe(ctx, req)
	}
}

func (e *Engine) shouldProcessQueue() bool {
	cfg := e.currentConfig()
	if !cfg.Enabled || cfg.TraceroutesPerMinute <= 0 {
		return false
	}

	return e.monitor.IsHealthy()
}

// sendProbe is the send path: build and hand a probe to the router,
// recording the outcome either way.
func (e *Engine) sendProbe(ctx context.Context, req queue.Request) {
	retryCount := e.retryCountFor(req.NodeID)
	msg, requestID := e.manager.Send(e.selfID, req.NodeID, req.Priority, retryCount)

	ok, err := e.router.SendMessage(ctx, msg)
	if err != nil || !ok {
		// The correlation is torn down immediately: a send failure never
		// reaches the network, so it must not consume a retry budget.
		e.manager.Cancel(requestID)
		e.monitor.RecordFailure(false)

		e.statsMu.Lock()
		e.stats.TracesFailed++
		e.statsMu.Unlock()

		e.logger.Warn("failed to send traceroute probe", "node_id", req.NodeID, "error", err)
		e.publishStats()

		return
	}

	e.statsMu.Lock()
	e.stats.TracesSent++
	e.statsMu.Unlock()
	e.publishStats()
}

// timeoutLoop sweeps the manager's pending correlations roughly every ten
// seconds, recording failures and scheduling retries.
func (e *Engine) timeoutLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		if !e.sleepCtx(ctx, 10*time.Second) {
			return
		}
		e.checkTimeouts(ctx)
	}
}

func (e *Engine) checkTimeouts(ctx context.Context) {
	expired := e.manager.CheckTimeouts(e.clock.Now())
	if len(expired) == 0 {
		return
	}

	for _, p := range expired {
		e.monitor.RecordFailure(true)

		e.statsMu.Lock()
		e.stats.TracesFailed++
		e.stats.TracesTimeout++
		e.statsMu.Unlock()

		e.tracker.MarkTraced(p.NodeID, false, nil)

		if e.store != nil {
			if err := e.store.AppendHistory(p.NodeID, persistence.HistoryEntry{
				Timestamp:    e.clock.Now(),
				Success:      false,
				ErrorMessage: "timeout",
			}); err != nil {
				e.logger.Error("failed to append traceroute history", "error", err)
			}
		}

		if p.CanRetry() {
			retryCount := p.RetryCount + 1
			e.setRetryCount(p.NodeID, retryCount)
			e.scheduleRetry(ctx, p.NodeID, p.Priority, retryCount)
		} else {
			e.resetRetry(p.NodeID)
			e.logger.Warn("traceroute exhausted retries", "node_id", p.NodeID)
		}
	}

	e.publishStats()
}

// recheckLoop periodically re-queues nodes whose next_recheck has come
// due, roughly every five minutes.
func (e *Engine) recheckLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		if !e.sleepCtx(ctx, 5*time.Minute) {
			return
		}
		if !e.currentConfig().RecheckEnabled {
			continue
		}
		for _, n := range e.tracker.NodesNeedingTrace() {
			e.enqueue(n.NodeID, queue.PriorityPeriodicRecheck, "periodic_recheck")
		}
	}
}

// persistenceLoop saves a snapshot of tracked node state on the configured
// auto-save cadence.
func (e *Engine) persistenceLoop(ctx context.Context) {
	defer e.wg.Done()
	if e.store == nil {
		return
	}

	for {
		interval := time.Duration(e.currentConfig().AutoSaveIntervalMinutes * float64(time.Minute))
		if !e.sleepCtx(ctx, interval) {
			return
		}
		e.saveState()
	}
}

func (e *Engine) saveState() {
	nodes := make(map[string]tracker.NodeState)
	for _, n := range e.tracker.AllNodes() {
		nodes[n.NodeID] = n
	}
	if err := e.store.SaveState(nodes); err != nil {
		e.logger.Error("failed to save state", "error", err)
	}
}

// initialDiscoveryLoop waits startup_delay_seconds, then enqueues every
// known indirect node eligible for tracing. It runs once.
func (e *Engine) initialDiscoveryLoop(ctx context.Context, cfg config.Config) {
	defer e.wg.Done()

	if !e.sleepCtx(ctx, time.Duration(cfg.StartupDelaySeconds*float64(time.Second))) {
		return
	}

	for _, n := range e.tracker.AllNodes() {
		if n.IsDirect {
			continue
		}
		e.maybeEnqueue(n.NodeID, queue.PriorityNewNode, "initial_discovery")
	}
}

// sleepCtx sleeps for d, returning false if ctx is canceled first.
func (e *Engine) sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := e.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C():
		return true
	}
}

// statsLoop republishes the aggregate statistics on a fixed cadence, in
// addition to the latch-change publication every mutating path already
// triggers.
func (e *Engine) statsLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		if !e.sleepCtx(ctx, 30*time.Second) {
			return
		}
		e.publishStats()
	}
}

// Stats returns a point-in-time snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	e.statsMu.Lock()
	s := e.stats
	e.statsMu.Unlock()

	s.QueueSize = e.queue.Size()
	s.DirectCount = e.tracker.DirectCount()
	s.IndirectCount = e.tracker.IndirectCount()
	s.IsEmergencyStop = e.monitor.IsEmergencyStop()
	s.IsCongested = e.monitor.IsCongested()

	return s
}

func (e *Engine) publishStats() {
	if e.bus == nil {
		return
	}

	snap := e.Stats()
	e.bus.Publish(bus.TopicStats, snap)

	e.statsMu.Lock()
	stopChanged := snap.IsEmergencyStop != e.lastEmergencyStop
	e.lastEmergencyStop = snap.IsEmergencyStop
	congestionChanged := snap.IsCongested != e.lastCongested
	e.lastCongested = snap.IsCongested
	e.statsMu.Unlock()

	if stopChanged {
		e.bus.Publish(bus.TopicEmergencyStop, snap.IsEmergencyStop)
	}
	if congestionChanged {
		e.bus.Publish(bus.TopicCongestion, snap.IsCongested)
	}
}

func (e *Engine) retryCountFor(nodeID string) int {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()

	return e.retryCounts[nodeID]
}

func (e *Engine) setRetryCount(nodeID string, n int) {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	e.retryCounts[nodeID] = n
}

func (e *Engine) resetRetry(nodeID string) {
	e.retryMu.Lock()
	defer e.retryMu.Unlock()
	delete(e.retryCounts, nodeID)
}

func (e *Engine) bumpDirectSkipped() {
	e.statsMu.Lock()
	e.stats.DirectNodesSkipped++
	e.statsMu.Unlock()
}

func (e *Engine) bumpFilteredSkipped() {
	e.statsMu.Lock()
	e.stats.FilteredNodesSkipped++
	e.statsMu.Unlock()
}
