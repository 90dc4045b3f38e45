// Package tracker maintains per-node state: hop classification, signal
// quality, trace history, and the filters that decide whether a node is
// worth tracing.
package tracker

import (
	"log/slog"
	"sync"
	"time"
)

// NodeState is the tracker's record for one known node.
type NodeState struct {
	NodeID           string     `json:"node_id"`
	IsDirect         bool       `json:"is_direct"`
	LastSeen         time.Time  `json:"last_seen"`
	LastTraced       *time.Time `json:"last_traced"`
	NextRecheck      *time.Time `json:"next_recheck"`
	LastTraceSuccess bool       `json:"last_trace_success"`
	TraceCount       int        `json:"trace_count"`
	FailureCount     int        `json:"failure_count"`
	SNR              *float64   `json:"snr"`
	RSSI             *int       `json:"rssi"`
	WasOffline       bool       `json:"was_offline"`
	Role             string     `json:"role"`
}

// Filters configures should-trace eligibility. A zero value accepts every
// node (no filtering).
type Filters struct {
	SkipDirectNodes bool
	Whitelist       map[string]struct{}
	Blacklist       map[string]struct{}
	ExcludeRoles    map[string]struct{}
	MinSNRThreshold *float64
	RecheckEnabled  bool
	RecheckInterval time.Duration
}

// Tracker owns every NodeState and answers eligibility/scheduling queries.
type Tracker struct {
	mu      sync.RWMutex
	nodes   map[string]*NodeState
	filters Filters
	now     func() time.Time
	logger  *slog.Logger
}

// New constructs a Tracker. nowFn defaults to time.Now when nil.
func New(filters Filters, nowFn func() time.Time, logger *slog.Logger) *Tracker {
	if nowFn == nil {
		nowFn = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Tracker{
		nodes:   make(map[string]*NodeState),
		filters: filters,
		now:     nowFn,
		logger:  logger,
	}
}

// SetFilters replaces the eligibility filters, e.g. after a configuration
// reload. Already-queued or already-traced nodes are unaffected; only
// future ShouldTrace/NodesNeedingTrace calls see the new filters.
func (t *Tracker) SetFilters(filters Filters) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.filters = filters
}

// Load seeds the tracker from persisted state (used at startup).
func (t *Tracker) Load(nodes []NodeState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range nodes {
		n := nodes[i]
		t.nodes[n.NodeID] = &n
	}
}

// Observation is one ingress signal about a node.
type Observation struct {
	NodeID         string
	ExplicitDirect bool
	HopCount       *int
	SNR            *float64
	RSSI           *int
	Role           string
}

// UpdateResult reports what changed as a result of Update, so the
// orchestrator's ingress handler can apply its own side effects without
// re-deriving them.
type UpdateResult struct {
	IsNew               bool
	PriorIsDirect        bool
	WasOffline           bool
	TransitionedToDirect bool
	State                NodeState
}

// Update applies one ingress observation.
//
// A node is direct iff the latest observation has hop-count <= 1; signal
// strength is never used to infer direct status (only hop_count is
// reliable on a multi-hop mesh). An explicit direct flag from the caller
// overrides the hop-count inference upward but never downward.
func (t *Tracker) Update(obs Observation) UpdateResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	isDirect := obs.ExplicitDirect || (obs.HopCount != nil && *obs.HopCount <= 1)
	now := t.now()

	node, exists := t.nodes[obs.NodeID]
	if !exists {
		node = &NodeState{NodeID: obs.NodeID}
		t.nodes[obs.NodeID] = node
	}

	priorIsDirect := node.IsDirect
	wasOffline := node.WasOffline
	node.WasOffline = false

	node.IsDirect = isDirect
	node.LastSeen = now
	if obs.SNR != nil {
		node.SNR = obs.SNR
	}
	if obs.RSSI != nil {
		node.RSSI = obs.RSSI
	}
	if obs.Role != "" {
		node.Role = obs.Role
	}

	if !priorIsDirect && isDirect {
		t.logger.Debug("node transitioned to direct", "node_id", obs.NodeID)
	}
	if wasOffline {
		t.logger.Debug("node came back online", "node_id", obs.NodeID)
	}

	return UpdateResult{
		IsNew:                !exists,
		PriorIsDirect:        priorIsDirect,
		WasOffline:           wasOffline,
		TransitionedToDirect: !priorIsDirect && isDirect,
		State:                *node,
	}
}

// ShouldTrace evaluates the trace-eligibility predicate in a fixed order,
// short-circuiting on the first rejection: unknown node, skip-direct,
// whitelist miss, blacklist hit, excluded role, then the SNR floor.
func (t *Tracker) ShouldTrace(nodeID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.shouldTraceLocked(nodeID)
}

func (t *Tracker) shouldTraceLocked(nodeID string) bool {
	node, ok := t.nodes[nodeID]
	if !ok {
		return false
	}
	if t.filters.SkipDirectNodes && node.IsDirect {
		return false
	}
	if len(t.filters.Whitelist) > 0 {
		if _, ok := t.filters.Whitelist[nodeID]; !ok {
			return false
		}
	}
	if _, ok := t.filters.Blacklist[nodeID]; ok {
		return false
	}
	if node.Role != "" {
		if _, excluded := t.filters.ExcludeRoles[node.Role]; excluded {
			return false
		}
	}
	if t.filters.MinSNRThreshold != nil {
		if node.SNR == nil || *node.SNR < *t.filters.MinSNRThreshold {
			return false
		}
	}

	return true
}

// MarkTraced records the outcome of a trace attempt. nextRecheck, when
// non-nil, overrides the computed recheck schedule.
func (t *Tracker) MarkTraced(nodeID string, success bool, nextRecheck *time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[nodeID]
	if !ok {
		t.logger.Warn("mark_traced on unknown node", "node_id", nodeID)

		return
	}

	now := t.now()
	node.LastTraced = &now
	node.TraceCount++
	node.LastTraceSuccess = success

	if success {
		node.FailureCount = 0
		switch {
		case nextRecheck != nil:
			node.NextRecheck = nextRecheck
		case t.filters.RecheckEnabled && t.filters.RecheckInterval > 0:
			scheduled := now.Add(t.filters.RecheckInterval)
			node.NextRecheck = &scheduled
		}
	} else {
		node.FailureCount++
	}
}

// MarkOffline sets the transient was_offline flag. Unknown nodes are a
// logged no-op.
func (t *Tracker) MarkOffline(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node, ok := t.nodes[nodeID]
	if !ok {
		t.logger.Warn("mark_offline on unknown node", "node_id", nodeID)

		return
	}
	node.WasOffline = true
}

// Get returns a copy of the node's state, if known.
func (t *Tracker) Get(nodeID string) (NodeState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	node, ok := t.nodes[nodeID]
	if !ok {
		return NodeState{}, false
	}

	return *node, true
}

func (t *Tracker) IsDirect(nodeID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, ok := t.nodes[nodeID]

	return ok && node.IsDirect
}

func (t *Tracker) IsIndirect(nodeID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	node, ok := t.nodes[nodeID]

	return ok && !node.IsDirect
}

// NodesNeedingTrace returns every node that passes ShouldTrace and has
// either never been traced or has a due NextRecheck.
func (t *Tracker) NodesNeedingTrace() []NodeState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	var out []NodeState
	for id, node := range t.nodes {
		if !t.shouldTraceLocked(id) {
			continue
		}
		if node.LastTraced == nil || (node.NextRecheck != nil && !node.NextRecheck.After(now)) {
			out = append(out, *node)
		}
	}

	return out
}

// NodesBackOnline returns every node whose WasOffline flag is currently set.
func (t *Tracker) NodesBackOnline() []NodeState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []NodeState
	for _, node := range t.nodes {
		if node.WasOffline {
			out = append(out, *node)
		}
	}

	return out
}

// AllNodes returns a snapshot of every tracked node.
func (t *Tracker) AllNodes() []NodeState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]NodeState, 0, len(t.nodes))
	for _, node := range t.nodes {
		out = append(out, *node)
	}

	return out
}

// Stats is the tracker's own point-in-time statistics snapshot, independent
// of the orchestrator's aggregate report.
type Stats struct {
	TotalNodes    int
	DirectNodes   int
	IndirectNodes int
	NeedingTrace  int
	BackOnline    int
}

// Stats returns a snapshot composed from the tracker's own counters and
// queries, the same shape the orchestrator's aggregate report draws on.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	stats := Stats{TotalNodes: len(t.nodes)}
	for id, node := range t.nodes {
		if node.IsDirect {
			stats.DirectNodes++
		} else {
			stats.IndirectNodes++
		}
		if node.WasOffline {
			stats.BackOnline++
		}
		if t.shouldTraceLocked(id) && (node.LastTraced == nil || (node.NextRecheck != nil && !node.NextRecheck.After(now))) {
			stats.NeedingTrace++
		}
	}

	return stats
}

// DirectCount and IndirectCount back the orchestrator's statistics report.
func (t *Tracker) DirectCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, node := range t.nodes {
		if node.IsDirect {
			n++
		}
	}

	return n
}

func (t *Tracker) IndirectCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, node := range t.nodes {
		if !node.IsDirect {
			n++
		}
	}

	return n
}

func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.nodes)
}

// Reset clears all tracked state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes = make(map[string]*NodeState)
}
