// Package manager correlates outbound traceroute probes with their
// responses, tracking per-probe timeout and retry state.
package manager

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshgw/tracemapper/internal/meshmsg"
)

// PendingTraceroute is one in-flight probe awaiting a response or timeout.
type PendingTraceroute struct {
	RequestID  string
	NodeID     string
	Priority   int
	SentAt     time.Time
	TimeoutAt  time.Time
	RetryCount int
	MaxRetries int
}

// Expired reports whether this pending probe's deadline has passed as of now.
func (p PendingTraceroute) Expired(now time.Time) bool {
	return !now.Before(p.TimeoutAt)
}

// CanRetry reports whether another retry attempt is permitted.
func (p PendingTraceroute) CanRetry() bool {
	return p.RetryCount < p.MaxRetries
}

// Config configures probe construction and timeout behavior.
type Config struct {
	MaxHops                int
	TimeoutSeconds         float64
	MaxRetries             int
	RetryBackoffMultiplier float64
}

// RetryDelay returns the backoff delay before a retry numbered retryCount
// (1 for the first retry) is re-enqueued: base_timeout ×
// retry_backoff_multiplier^retry_count.
func (m *Manager) RetryDelay(retryCount int) time.Duration {
	m.mu.Lock()
	base := m.cfg.TimeoutSeconds
	mult := m.cfg.RetryBackoffMultiplier
	m.mu.Unlock()

	if mult <= 0 {
		mult = 1
	}

	return time.Duration(base*math.Pow(mult, float64(retryCount))) * time.Second
}

// Manager produces outbound probes, matches inbound responses against
// pending correlations, and sweeps expired ones for the retry policy.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	pending map[string]PendingTraceroute
	nowFn   func() time.Time
	logger  *slog.Logger
}

// New constructs a Manager. nowFn defaults to time.Now when nil.
func New(cfg Config, nowFn func() time.Time, logger *slog.Logger) *Manager {
	if nowFn == nil {
		nowFn = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{cfg: cfg, pending: make(map[string]PendingTraceroute), nowFn: nowFn, logger: logger}
}

// Send synthesizes a unique request_id, constructs the outbound probe
// addressed to nodeID, and records a PendingTraceroute. retryCount carries
// forward how many prior attempts for this node already timed out, so a
// re-enqueued retry's own timeout sweep still respects max_retries. The
// caller is responsible for handing the returned message to the message
// router.
func (m *Manager) Send(senderID, nodeID string, priority, retryCount int) (meshmsg.Message, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	requestID := uuid.NewString()
	now := m.nowFn()
	msg := meshmsg.NewProbe(uuid.NewString(), senderID, nodeID, m.cfg.MaxHops, requestID)

	m.pending[requestID] = PendingTraceroute{
		RequestID:  requestID,
		NodeID:     nodeID,
		Priority:   priority,
		SentAt:     now,
		TimeoutAt:  now.Add(time.Duration(m.cfg.TimeoutSeconds * float64(time.Second))),
		RetryCount: retryCount,
		MaxRetries: m.cfg.MaxRetries,
	}
	m.logger.Debug("sent traceroute probe", "request_id", requestID, "node_id", nodeID, "retry_count", retryCount)

	return msg, requestID
}

// HandleResponse looks up metadata.request_id among pending correlations.
// Found removes and returns the match; an unknown request_id is not an
// error: callers should treat it as "someone else's or stale" and merely
// forward it.
func (m *Manager) HandleResponse(msg meshmsg.Message) (PendingTraceroute, bool) {
	requestID, ok := msg.RequestID()
	if !ok {
		return PendingTraceroute{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pending, found := m.pending[requestID]
	if !found {
		return PendingTraceroute{}, false
	}
	delete(m.pending, requestID)

	return pending, true
}

// CheckTimeouts returns every pending correlation whose deadline has
// passed as of now, removing them from the pending set.
func (m *Manager) CheckTimeouts(now time.Time) []PendingTraceroute {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []PendingTraceroute
	for id, p := range m.pending {
		if p.Expired(now) {
			expired = append(expired, p)
			delete(m.pending, id)
		}
	}

	return expired
}

// PendingCount reports the number of in-flight correlations.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.pending)
}

// Cancel removes a pending correlation without treating it as a timeout;
// used when the probe could not be handed to the message router.
func (m *Manager) Cancel(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, requestID)
}
