// Package health tracks traceroute success/failure outcomes and decides
// whether probing should continue, be throttled, or be emergency-stopped.
package health

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshgw/tracemapper/internal/clock"
)

// QuietHours configures the clock interval during which no probes are sent.
type QuietHours struct {
	Enabled   bool
	StartTime string // "HH:MM"
	EndTime   string // "HH:MM"
}

// Config configures a Monitor's thresholds.
type Config struct {
	SuccessRateThreshold     float64
	FailureThreshold         float64
	ConsecutiveFailuresLimit int
	AutoRecoveryMinutes      float64
	QuietHours               QuietHours
	CongestionEnabled        bool
	ThrottleMultiplier       float64
	WindowSize               int
	MaxResponseTimeSamples   int
}

// Metrics is the point-in-time snapshot exposed to callers.
type Metrics struct {
	TotalRequests       int64
	SuccessfulRequests  int64
	FailedRequests      int64
	TimeoutRequests     int64
	ConsecutiveFailures int
	IsEmergencyStop     bool
	EmergencyStopTime   time.Time
	EmergencyStopReason string
	IsCongested         bool
	SuccessRate         float64
	RecentSuccessRate   float64
	AvgResponseTimeMS   float64
}

// Monitor is the network health monitor.
type Monitor struct {
	mu     sync.Mutex
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	timeoutRequests    int64
	consecutiveFailures int

	recentResults []bool // ring-like slice, capped at WindowSize
	responseTimes []float64

	isEmergencyStop     bool
	emergencyStopTime   time.Time
	emergencyStopReason string

	isCongested bool
}

// New constructs a Monitor. A WindowSize of 0 falls back to 20 and a
// MaxResponseTimeSamples of 0 to 100; other fields are used as given.
func New(cfg Config, c clock.Clock, logger *slog.Logger) *Monitor {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 20
	}
	if cfg.MaxResponseTimeSamples <= 0 {
		cfg.MaxResponseTimeSamples = 100
	}
	if c == nil {
		c = clock.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{cfg: cfg, clock: c, logger: logger}
}

// SetConfig replaces the monitor's thresholds, e.g. after a configuration
// reload. Accumulated counters and the emergency-stop latch are untouched;
// WindowSize and MaxResponseTimeSamples of 0 keep their previous value
// rather than disabling the rolling windows.
func (m *Monitor) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.WindowSize <= 0 {
		cfg.WindowSize = m.cfg.WindowSize
	}
	if cfg.MaxResponseTimeSamples <= 0 {
		cfg.MaxResponseTimeSamples = m.cfg.MaxResponseTimeSamples
	}
	m.cfg = cfg
}

// RecordSuccess appends a success outcome and, if currently in emergency
// stop, evaluates auto-recovery.
func (m *Monitor) RecordSuccess(responseTimeMS *float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	m.successfulRequests++
	m.consecutiveFailures = 0
	m.appendResult(true)
	if responseTimeMS != nil {
		m.responseTimes = append(m.responseTimes, *responseTimeMS)
		if len(m.responseTimes) > m.cfg.MaxResponseTimeSamples {
			m.responseTimes = m.responseTimes[1:]
		}
	}
	m.updateCongestion()
	if m.isEmergencyStop {
		m.checkAutoRecovery()
	}
}

// RecordFailure appends a failure outcome and evaluates emergency-stop
// triggers.
func (m *Monitor) RecordFailure(isTimeout bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	m.failedRequests++
	m.consecutiveFailures++
	if isTimeout {
		m.timeoutRequests++
	}
	m.appendResult(false)
	m.updateCongestion()
	m.checkEmergencyStop()
}

func (m *Monitor) appendResult(ok bool) {
	m.recentResults = append(m.recentResults, ok)
	if len(m.recentResults) > m.cfg.WindowSize {
		m.recentResults = m.recentResults[len(m.recentResults)-m.cfg.WindowSize:]
	}
}

// SuccessRate is the all-time success rate; an empty history is treated as
// healthy (1.0).
func (m *Monitor) SuccessRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.successRateLocked()
}

func (m *Monitor) successRateLocked() float64 {
	if m.totalRequests == 0 {
		return 1.0
	}

	return float64(m.successfulRequests) / float64(m.totalRequests)
}

// RecentSuccessRate is the sliding-window success rate; an empty window is
// treated as healthy (1.0).
func (m *Monitor) RecentSuccessRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.recentSuccessRateLocked()
}

func (m *Monitor) recentSuccessRateLocked() float64 {
	if len(m.recentResults) == 0 {
		return 1.0
	}
	successes := 0
	for _, ok := range m.recentResults {
		if ok {
			successes++
		}
	}

	return float64(successes) / float64(len(m.recentResults))
}

func (m *Monitor) AvgResponseTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.responseTimes) == 0 {
		return 0
	}
	var sum float64
	for _, v := range m.responseTimes {
		sum += v
	}

	return time.Duration(sum/float64(len(m.responseTimes))) * time.Millisecond
}

// updateCongestion must be called with mu held. Hysteresis-free: it is
// recomputed fresh from the latest window on every call.
func (m *Monitor) updateCongestion() {
	if !m.cfg.CongestionEnabled {
		m.isCongested = false

		return
	}
	wasCongested := m.isCongested
	m.isCongested = m.recentSuccessRateLocked() < m.cfg.SuccessRateThreshold
	if m.isCongested != wasCongested {
		m.logger.Debug("congestion state changed", "congested", m.isCongested)
	}
}

func (m *Monitor) IsCongested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.isCongested
}

// RecommendedRate applies emergency-stop and congestion throttling to a
// base rate.
func (m *Monitor) RecommendedRate(baseRate float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isEmergencyStop {
		return 0
	}
	if m.isCongested {
		return baseRate * m.cfg.ThrottleMultiplier
	}

	return baseRate
}

// checkEmergencyStop must be called with mu held. Triggers are evaluated in
// order; the first match wins.
func (m *Monitor) checkEmergencyStop() {
	if m.isEmergencyStop {
		return
	}
	if m.consecutiveFailures >= m.cfg.ConsecutiveFailuresLimit {
		m.enterEmergencyStopLocked(fmt.Sprintf("Consecutive failures threshold exceeded: %d", m.consecutiveFailures))

		return
	}
	if m.totalRequests >= 20 && m.successRateLocked() < m.cfg.FailureThreshold {
		m.enterEmergencyStopLocked(fmt.Sprintf("Success rate below threshold: %.3f < %.3f", m.successRateLocked(), m.cfg.FailureThreshold))
	}
}

// checkAutoRecovery must be called with mu held, and only while
// isEmergencyStop is true.
func (m *Monitor) checkAutoRecovery() {
	if !m.isEmergencyStop || m.emergencyStopTime.IsZero() {
		return
	}
	elapsed := m.clock.Now().Sub(m.emergencyStopTime)
	minDuration := time.Duration(m.cfg.AutoRecoveryMinutes * float64(time.Minute))
	if elapsed < minDuration {
		return
	}
	recoveryThreshold := m.cfg.FailureThreshold * 1.5
	if m.recentSuccessRateLocked() > recoveryThreshold {
		m.exitEmergencyStopLocked()
	}
}

func (m *Monitor) enterEmergencyStopLocked(reason string) {
	if m.isEmergencyStop {
		return
	}
	m.isEmergencyStop = true
	m.emergencyStopTime = m.clock.Now()
	m.emergencyStopReason = reason
	m.logger.Warn("entering emergency stop", "reason", reason)
}

func (m *Monitor) exitEmergencyStopLocked() {
	if !m.isEmergencyStop {
		return
	}
	m.isEmergencyStop = false
	m.emergencyStopTime = time.Time{}
	m.emergencyStopReason = ""
	m.logger.Info("exiting emergency stop")
}

// ExitEmergencyStop clears the latch unconditionally; always permitted.
func (m *Monitor) ExitEmergencyStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exitEmergencyStopLocked()
}

func (m *Monitor) IsEmergencyStop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.isEmergencyStop
}

// IsQuietHours evaluates the configured clock interval against wall-clock
// time (inclusive both ends; spans midnight when start > end).
func (m *Monitor) IsQuietHours() bool {
	m.mu.Lock()
	qh := m.cfg.QuietHours
	m.mu.Unlock()

	if !qh.Enabled {
		return false
	}
	start, ok1 := parseHHMM(qh.StartTime)
	end, ok2 := parseHHMM(qh.EndTime)
	if !ok1 || !ok2 {
		m.logger.Error("invalid quiet hours configuration", "start", qh.StartTime, "end", qh.EndTime)

		return false
	}

	now := m.clock.Now()
	nowMinutes := now.Hour()*60 + now.Minute()

	if start <= end {
		return nowMinutes >= start && nowMinutes <= end
	}

	return nowMinutes >= start || nowMinutes <= end
}

// parseHHMM parses "HH:MM" into minutes since midnight.
func parseHHMM(raw string) (int, bool) {
	if len(raw) != 5 || raw[2] != ':' {
		return 0, false
	}
	h := int(raw[0]-'0')*10 + int(raw[1]-'0')
	mnt := int(raw[3]-'0')*10 + int(raw[4]-'0')
	if h < 0 || h > 23 || mnt < 0 || mnt > 59 {
		return 0, false
	}

	return h*60 + mnt, true
}

// IsHealthy is the composite health predicate used to gate queue processing.
func (m *Monitor) IsHealthy() bool {
	if m.IsEmergencyStop() {
		return false
	}
	if m.IsQuietHours() {
		return false
	}

	return m.SuccessRate() >= m.thresholdLocked()
}

func (m *Monitor) thresholdLocked() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cfg.FailureThreshold
}

func (m *Monitor) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Metrics{
		TotalRequests:       m.totalRequests,
		SuccessfulRequests:  m.successfulRequests,
		FailedRequests:      m.failedRequests,
		TimeoutRequests:     m.timeoutRequests,
		ConsecutiveFailures: m.consecutiveFailures,
		IsEmergencyStop:     m.isEmergencyStop,
		EmergencyStopTime:   m.emergencyStopTime,
		EmergencyStopReason: m.emergencyStopReason,
		IsCongested:         m.isCongested,
		SuccessRate:         m.successRateLocked(),
		RecentSuccessRate:   m.recentSuccessRateLocked(),
		AvgResponseTimeMS:   m.avgResponseTimeMSLocked(),
	}
}

func (m *Monitor) avgResponseTimeMSLocked() float64 {
	if len(m.responseTimes) == 0 {
		return 0
	}
	var sum float64
	for _, v := range m.responseTimes {
		sum += v
	}

	return sum / float64(len(m.responseTimes))
}

// Reset clears all counters and latches; used by tests and explicit
// operator reset.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m = Monitor{cfg: m.cfg, clock: m.clock, logger: m.logger}
}
