package tracker

import (
	"testing"
	"time"
)

func hops(n int) *int { return &n }

func snr(v float64) *float64 { return &v }

func TestUpdateDirectClassificationByHopCountOnly(t *testing.T) {
	base := time.Unix(1000, 0)
	tr := New(Filters{}, func() time.Time { return base }, nil)

	tr.Update(Observation{NodeID: "!B", HopCount: hops(1)})
	if !tr.IsDirect("!B") {
		t.Fatal("hop_count=1 must classify as direct")
	}

	tr.Update(Observation{NodeID: "!A", HopCount: hops(3)})
	if tr.IsDirect("!A") {
		t.Fatal("hop_count=3 must not classify as direct")
	}

	// Strong SNR alone must never promote a node to direct.
	tr.Update(Observation{NodeID: "!A", HopCount: hops(3), SNR: snr(12)})
	if tr.IsDirect("!A") {
		t.Fatal("SNR-only evidence must never promote a node to direct")
	}
}

func TestUpdateExplicitDirectOverridesUpwardOnly(t *testing.T) {
	tr := New(Filters{}, func() time.Time { return time.Unix(0, 0) }, nil)

	tr.Update(Observation{NodeID: "!A", HopCount: hops(3), ExplicitDirect: true})
	if !tr.IsDirect("!A") {
		t.Fatal("explicit direct flag must override hop-count inference upward")
	}
}

func TestIndirectToDirectTransitionDetected(t *testing.T) {
	tr := New(Filters{}, func() time.Time { return time.Unix(0, 0) }, nil)

	tr.Update(Observation{NodeID: "!C", HopCount: hops(3)})
	res := tr.Update(Observation{NodeID: "!C", HopCount: hops(1)})

	if !res.TransitionedToDirect {
		t.Fatal("expected a detected indirect->direct transition")
	}
}

func TestShouldTraceOrder(t *testing.T) {
	threshold := 5.0
	tr := New(Filters{
		SkipDirectNodes: true,
		Whitelist:       map[string]struct{}{"!W": {}},
		Blacklist:       map[string]struct{}{"!BL": {}},
		ExcludeRoles:    map[string]struct{}{"CLIENT": {}},
		MinSNRThreshold: &threshold,
	}, func() time.Time { return time.Unix(0, 0) }, nil)

	if tr.ShouldTrace("!unknown") {
		t.Fatal("unknown node must be rejected")
	}

	tr.Update(Observation{NodeID: "!direct", HopCount: hops(1)})
	if tr.ShouldTrace("!direct") {
		t.Fatal("direct node must be rejected when skip_direct_nodes is enabled")
	}

	tr.Update(Observation{NodeID: "!notwhitelisted", HopCount: hops(3), SNR: snr(10)})
	if tr.ShouldTrace("!notwhitelisted") {
		t.Fatal("non-empty whitelist must reject nodes not in it")
	}

	tr.Update(Observation{NodeID: "!BL", HopCount: hops(3), SNR: snr(10)})
	if tr.ShouldTrace("!BL") {
		t.Fatal("blacklist must dominate")
	}

	tr.Update(Observation{NodeID: "!W", HopCount: hops(3), SNR: snr(10), Role: "CLIENT"})
	if tr.ShouldTrace("!W") {
		t.Fatal("excluded role must reject even a whitelisted node")
	}

	tr.Update(Observation{NodeID: "!lowsnr", HopCount: hops(3), SNR: snr(1)})
	// !lowsnr is not whitelisted, so the whitelist check rejects it first;
	// check the SNR floor on a second tracker configured with only that filter.
	tr2 := New(Filters{MinSNRThreshold: &threshold}, func() time.Time { return time.Unix(0, 0) }, nil)
	tr2.Update(Observation{NodeID: "!lowsnr", HopCount: hops(3), SNR: snr(1)})
	if tr2.ShouldTrace("!lowsnr") {
		t.Fatal("SNR below threshold must reject")
	}

	tr.Update(Observation{NodeID: "!W", HopCount: hops(3), SNR: snr(10), Role: "ROUTER"})
	if !tr.ShouldTrace("!W") {
		t.Fatal("whitelisted, unexcluded, sufficiently strong node should be accepted")
	}
}

func TestMarkTracedSuccessSetsRecheckFromNow(t *testing.T) {
	now := time.Unix(10_000, 0)
	tr := New(Filters{RecheckEnabled: true, RecheckInterval: 6 * time.Hour}, func() time.Time { return now }, nil)
	tr.Update(Observation{NodeID: "!A", HopCount: hops(3)})

	tr.MarkTraced("!A", true, nil)
	state, _ := tr.Get("!A")
	if state.NextRecheck == nil || !state.NextRecheck.Equal(now.Add(6*time.Hour)) {
		t.Fatalf("expected next_recheck = now+6h, got %v", state.NextRecheck)
	}
	if state.FailureCount != 0 {
		t.Fatalf("failure_count must reset to 0 on success, got %d", state.FailureCount)
	}

	// Recheck timer always resets from *now*, even scheduled earlier than planned.
	now = now.Add(time.Hour)
	tr.MarkTraced("!A", true, nil)
	state, _ = tr.Get("!A")
	if !state.NextRecheck.Equal(now.Add(6 * time.Hour)) {
		t.Fatal("recheck reset law violated: must always reset from now")
	}
}

func TestMarkTracedFailureLeavesNextRecheckUnchanged(t *testing.T) {
	now := time.Unix(0, 0)
	tr := New(Filters{RecheckEnabled: true, RecheckInterval: time.Hour}, func() time.Time { return now }, nil)
	tr.Update(Observation{NodeID: "!A", HopCount: hops(3)})
	tr.MarkTraced("!A", true, nil)
	before, _ := tr.Get("!A")

	now = now.Add(10 * time.Minute)
	tr.MarkTraced("!A", false, nil)
	after, _ := tr.Get("!A")

	if !after.NextRecheck.Equal(*before.NextRecheck) {
		t.Fatal("next_recheck must be left unchanged on failure")
	}
	if after.FailureCount != 1 {
		t.Fatalf("failure_count = %d, want 1", after.FailureCount)
	}
}

func TestStatsComposesCounts(t *testing.T) {
	now := time.Unix(0, 0)
	tr := New(Filters{}, func() time.Time { return now }, nil)

	tr.Update(Observation{NodeID: "!direct", HopCount: hops(1)})
	tr.Update(Observation{NodeID: "!indirect", HopCount: hops(3)})
	tr.MarkOffline("!indirect")

	stats := tr.Stats()
	if stats.TotalNodes != 2 {
		t.Fatalf("TotalNodes = %d, want 2", stats.TotalNodes)
	}
	if stats.DirectNodes != 1 || stats.IndirectNodes != 1 {
		t.Fatalf("DirectNodes=%d IndirectNodes=%d, want 1/1", stats.DirectNodes, stats.IndirectNodes)
	}
	if stats.BackOnline != 1 {
		t.Fatalf("BackOnline = %d, want 1", stats.BackOnline)
	}
	if stats.NeedingTrace != 2 {
		t.Fatalf("NeedingTrace = %d, want 2 (never traced)", stats.NeedingTrace)
	}

	tr.MarkTraced("!direct", true, nil)
	if got := tr.Stats().NeedingTrace; got != 1 {
		t.Fatalf("NeedingTrace after marking one traced = %d, want 1", got)
	}
}

func TestWasOfflineClearedOnNextIngress(t *testing.T) {
	tr := New(Filters{}, func() time.Time { return time.Unix(0, 0) }, nil)
	tr.Update(Observation{NodeID: "!A", HopCount: hops(3)})
	tr.MarkOffline("!A")

	backOnline := tr.NodesBackOnline()
	if len(backOnline) != 1 {
		t.Fatalf("expected 1 node back online, got %d", len(backOnline))
	}

	res := tr.Update(Observation{NodeID: "!A", HopCount: hops(3)})
	if !res.WasOffline {
		t.Fatal("Update result should report the node was offline before this observation")
	}
	if len(tr.NodesBackOnline()) != 0 {
		t.Fatal("was_offline must clear on the next ingress packet")
	}
}
