package manager

import (
	"testing"
	"time"

	"github.com/meshgw/tracemapper/internal/meshmsg"
)

func TestSendRecordsPendingCorrelation(t *testing.T) {
	now := time.Unix(1000, 0)
	m := New(Config{MaxHops: 7, TimeoutSeconds: 60, MaxRetries: 3}, func() time.Time { return now }, nil)

	msg, requestID := m.Send("!gw", "!target", 1, 0)
	if msg.RecipientID != "!target" || msg.HopLimit != 7 {
		t.Fatalf("unexpected probe: %+v", msg)
	}
	if m.PendingCount() != 1 {
		t.Fatalf("expected 1 pending correlation, got %d", m.PendingCount())
	}
	if got, _ := msg.RequestID(); got != requestID {
		t.Fatalf("probe request_id %q does not match returned %q", got, requestID)
	}
}

func TestHandleResponseMatchesAndRemoves(t *testing.T) {
	now := time.Unix(1000, 0)
	m := New(Config{MaxHops: 7, TimeoutSeconds: 60, MaxRetries: 3}, func() time.Time { return now }, nil)

	_, requestID := m.Send("!gw", "!target", 1, 0)

	response := meshmsg.Message{
		Type:     meshmsg.TypeRouting,
		Metadata: map[string]any{meshmsg.MetaRequestID: requestID, meshmsg.MetaTraceroute: true, meshmsg.MetaRoute: []string{"!gw", "!target"}},
	}
	pending, ok := m.HandleResponse(response)
	if !ok || pending.NodeID != "!target" {
		t.Fatalf("expected a match, got %+v, %v", pending, ok)
	}
	if m.PendingCount() != 0 {
		t.Fatal("matched correlation must be removed")
	}

	// A second response for the same request_id must not match again.
	_, ok = m.HandleResponse(response)
	if ok {
		t.Fatal("a correlation must be matched exactly once")
	}
}

func TestHandleResponseUnknownRequestIDIsNotAnError(t *testing.T) {
	m := New(Config{MaxHops: 7, TimeoutSeconds: 60, MaxRetries: 3}, nil, nil)

	_, ok := m.HandleResponse(meshmsg.Message{Metadata: map[string]any{meshmsg.MetaRequestID: "unknown-id"}})
	if ok {
		t.Fatal("unknown request_id must simply report no match")
	}
}

func TestCheckTimeoutsSweepsExpiredOnly(t *testing.T) {
	now := time.Unix(0, 0)
	m := New(Config{MaxHops: 7, TimeoutSeconds: 10, MaxRetries: 3}, func() time.Time { return now }, nil)

	_, r1 := m.Send("!gw", "!a", 1, 0)
	now = now.Add(5 * time.Second)
	_, _ = m.Send("!gw", "!b", 1, 0)

	expired := m.CheckTimeouts(now.Add(6 * time.Second))
	if len(expired) != 1 || expired[0].RequestID != r1 {
		t.Fatalf("expected only the first probe to have expired, got %+v", expired)
	}
	if m.PendingCount() != 1 {
		t.Fatalf("expected 1 remaining pending correlation, got %d", m.PendingCount())
	}
}

func TestRetryDelayGrowsGeometrically(t *testing.T) {
	m := New(Config{MaxHops: 7, TimeoutSeconds: 10, MaxRetries: 3, RetryBackoffMultiplier: 2}, nil, nil)

	if got, want := m.RetryDelay(1), 20*time.Second; got != want {
		t.Fatalf("retry 1: expected %v, got %v", want, got)
	}
	if got, want := m.RetryDelay(2), 40*time.Second; got != want {
		t.Fatalf("retry 2: expected %v, got %v", want, got)
	}
}

func TestSendCarriesRetryCountForward(t *testing.T) {
	now := time.Unix(0, 0)
	m := New(Config{MaxHops: 7, TimeoutSeconds: 10, MaxRetries: 3}, func() time.Time { return now }, nil)

	_, requestID := m.Send("!gw", "!a", 1, 2)

	pending, ok := m.HandleResponse(meshmsg.Message{
		Type:     meshmsg.TypeRouting,
		Metadata: map[string]any{meshmsg.MetaRequestID: requestID, meshmsg.MetaTraceroute: true, meshmsg.MetaRoute: []string{"!a"}},
	})
	if !ok || pending.RetryCount != 2 {
		t.Fatalf("expected retry_count=2, got %+v", pending)
	}
}
