package orchestrator

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/meshgw/tracemapper/internal/bus"
	"github.com/meshgw/tracemapper/internal/config"
	"github.com/meshgw/tracemapper/internal/meshmsg"
	"github.com/meshgw/tracemapper/internal/router"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Enabled = true
	cfg.TraceroutesPerMinute = 60
	cfg.BurstMultiplier = 10
	cfg.StatePersistenceEnabled = false
	cfg.StartupDelaySeconds = 0

	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// TestNewIndirectNodeSuccessfulTrace exercises the end-to-end happy path:
// an unseen multi-hop node arrives, gets queued and traced, and a matching
// response closes the correlation out as a success.
func TestNewIndirectNodeSuccessfulTrace(t *testing.T) {
	fakeRouter := router.NewFake()
	msgBus := bus.New(slog.Default())
	defer msgBus.Close()
	e := New("!gw", fakeRouter, msgBus, nil, nil)
	if err := e.Initialize(testConfig()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = e.Stop() }()

	hopCount := 3
	fakeRouter.Deliver(ctx, meshmsg.Message{
		SenderID: "!A",
		Type:     meshmsg.TypeText,
		HopCount: hopCount,
	})

	waitFor(t, 2*time.Second, func() bool { return fakeRouter.SentCount() == 1 })

	sent := fakeRouter.Sent[0]
	if sent.RecipientID != "!A" {
		t.Fatalf("expected probe addressed to !A, got %q", sent.RecipientID)
	}
	requestID, ok := sent.RequestID()
	if !ok {
		t.Fatal("expected sent probe to carry a request_id")
	}

	fakeRouter.Deliver(ctx, meshmsg.Message{
		SenderID: "!gw",
		Type:     meshmsg.TypeRouting,
		Metadata: map[string]any{
			meshmsg.MetaTraceroute: true,
			meshmsg.MetaRequestID:  requestID,
			meshmsg.MetaRoute:      []string{"!gw", "!r1", "!A"},
		},
	})

	waitFor(t, 2*time.Second, func() bool { return e.Stats().TracesSuccessful == 1 })

	stats := e.Stats()
	if stats.TracesSent != 1 {
		t.Fatalf("expected traces_sent=1, got %d", stats.TracesSent)
	}
	if e.tracker.IsDirect("!A") {
		t.Fatal("!A must remain classified indirect")
	}
	state, ok := e.tracker.Get("!A")
	if !ok || !state.LastTraceSuccess {
		t.Fatalf("expected a recorded successful trace, got %+v (ok=%v)", state, ok)
	}
	if state.NextRecheck == nil {
		t.Fatal("expected next_recheck to be scheduled after a successful trace")
	}
}

// TestDirectTransitionRemovesQueuedRequest exercises ingress case (a): a
// previously indirect node observed direct must be dequeued and not
// re-traced.
func TestDirectTransitionRemovesQueuedRequest(t *testing.T) {
	e := New("!gw", router.NewFake(), nil, nil, nil)
	if err := e.Initialize(testConfig()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ctx := context.Background()
	far := 5
	e.handleInbound(ctx, meshmsg.Message{SenderID: "!B", Type: meshmsg.TypeText, HopCount: far})
	if !e.queue.Contains("!B") {
		t.Fatal("expected the new indirect node to be queued")
	}

	near := 1
	e.handleInbound(ctx, meshmsg.Message{SenderID: "!B", Type: meshmsg.TypeText, HopCount: near})

	if e.queue.Contains("!B") {
		t.Fatal("a direct transition must remove any queued request for the node")
	}
	if !e.tracker.IsDirect("!B") {
		t.Fatal("expected !B to be classified direct")
	}
	if e.Stats().DirectNodesSkipped != 1 {
		t.Fatalf("expected direct_nodes_skipped=1, got %d", e.Stats().DirectNodesSkipped)
	}
}

// TestBlacklistedNodeIsFilteredNotQueued exercises ingress case (d) paired
// with the tracker's should_trace filter: a newly seen indirect node that
// fails the filter must bump filtered_nodes_skipped instead of being
// queued.
func TestBlacklistedNodeIsFilteredNotQueued(t *testing.T) {
	cfg := testConfig()
	cfg.Blacklist = []string{"!C"}
	e := New("!gw", router.NewFake(), nil, nil, nil)
	if err := e.Initialize(cfg); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	hops := 4
	e.handleInbound(context.Background(), meshmsg.Message{SenderID: "!C", Type: meshmsg.TypeText, HopCount: hops})

	if e.queue.Contains("!C") {
		t.Fatal("a blacklisted node must not be queued")
	}
	if e.Stats().FilteredNodesSkipped != 1 {
		t.Fatalf("expected filtered_nodes_skipped=1, got %d", e.Stats().FilteredNodesSkipped)
	}
}

// TestUnmatchedResponseIsDroppedWithoutPanicking covers a traceroute
// response whose request_id correlates to nothing we sent.
func TestUnmatchedResponseIsDroppedWithoutPanicking(t *testing.T) {
	e := New("!gw", router.NewFake(), nil, nil, nil)
	if err := e.Initialize(testConfig()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	e.handleInbound(context.Background(), meshmsg.Message{
		SenderID: "!gw",
		Type:     meshmsg.TypeRouting,
		Metadata: map[string]any{
			meshmsg.MetaTraceroute: true,
			meshmsg.MetaRequestID:  "someone-elses-request",
			meshmsg.MetaRoute:      []string{"!x", "!y"},
		},
	})

	if e.Stats().TracesSuccessful != 0 {
		t.Fatal("an unmatched response must not be counted as a success")
	}
}

// TestShouldProcessQueueGatesOnEmergencyStop covers the composite health
// gate that the queue loop checks before every dequeue.
func TestShouldProcessQueueGatesOnEmergencyStop(t *testing.T) {
	e := New("!gw", router.NewFake(), nil, nil, nil)
	if err := e.Initialize(testConfig()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if !e.shouldProcessQueue() {
		t.Fatal("expected queue processing permitted on a healthy monitor")
	}

	for i := 0; i < e.currentConfig().EmergencyStopConfig.ConsecutiveFailures; i++ {
		e.monitor.RecordFailure(false)
	}

	if e.shouldProcessQueue() {
		t.Fatal("expected queue processing paused once emergency stop trips")
	}
}

// TestInitializeRejectsInvalidConfig ensures construction fails fast on an
// out-of-range configuration rather than silently clamping it.
func TestInitializeRejectsInvalidConfig(t *testing.T) {
	e := New("!gw", router.NewFake(), nil, nil, nil)
	cfg := testConfig()
	cfg.MaxHops = 99

	if err := e.Initialize(cfg); err == nil {
		t.Fatal("expected Initialize to reject an invalid configuration")
	}
}
