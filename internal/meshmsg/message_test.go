package meshmsg

import "testing"

func TestNewProbeSetsBitExactMetadata(t *testing.T) {
	m := NewProbe("msg-1", "!gw", "!target", 7, "req-123")

	if m.Type != TypeRouting || m.RecipientID != "!target" || m.HopLimit != 7 {
		t.Fatalf("unexpected probe shape: %+v", m)
	}
	if m.Metadata[MetaWantResponse] != true || m.Metadata[MetaRouteDiscover] != true || m.Metadata[MetaTraceroute] != true {
		t.Fatalf("expected all three flags set, got %+v", m.Metadata)
	}
	reqID, ok := m.RequestID()
	if !ok || reqID != "req-123" {
		t.Fatalf("RequestID() = %q, %v", reqID, ok)
	}
}

func TestIsTracerouteResponseRequiresAllThree(t *testing.T) {
	base := Message{Type: TypeRouting, Metadata: map[string]any{MetaTraceroute: true, MetaRoute: []string{"!a", "!b"}}}
	if !base.IsTracerouteResponse() {
		t.Fatal("expected a ROUTING message with traceroute=true and a route to be recognized")
	}

	notRouting := base
	notRouting.Type = TypeText
	if notRouting.IsTracerouteResponse() {
		t.Fatal("non-ROUTING message must not be recognized as a response")
	}

	noRoute := Message{Type: TypeRouting, Metadata: map[string]any{MetaTraceroute: true}}
	if noRoute.IsTracerouteResponse() {
		t.Fatal("missing route must not be recognized as a response")
	}

	noFlag := Message{Type: TypeRouting, Metadata: map[string]any{MetaRoute: []string{"!a"}}}
	if noFlag.IsTracerouteResponse() {
		t.Fatal("missing traceroute flag must not be recognized as a response")
	}
}

func TestRouteHandlesInterfaceSliceFromJSON(t *testing.T) {
	m := Message{Metadata: map[string]any{MetaRoute: []any{"!a", "!b", "!c"}}}
	route, ok := m.Route()
	if !ok || len(route) != 3 || route[1] != "!b" {
		t.Fatalf("Route() = %v, %v", route, ok)
	}
}
