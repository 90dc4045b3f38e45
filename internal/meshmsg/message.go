// Package meshmsg defines the packet shape exchanged with the external
// message router: the same type is used for inbound delivery and outbound
// probes.
package meshmsg

// Type identifies the payload kind carried by a Message.
type Type string

const (
	TypeText    Type = "TEXT"
	TypeRouting Type = "ROUTING"
)

// Metadata keys set on emitted traceroute probes and read back off
// responses, per the wire contract.
const (
	MetaWantResponse  = "want_response"
	MetaRouteDiscover = "route_discovery"
	MetaTraceroute    = "traceroute"
	MetaRequestID     = "request_id"
	MetaRoute         = "route"
)

// Message is the packet shape consumed and produced by the core. It
// mirrors what arrives over the wire closely enough that no adapter-side
// translation is needed beyond populating Metadata.
type Message struct {
	ID          string
	SenderID    string
	RecipientID string
	Type        Type
	Content     string
	HopLimit    int
	HopCount    int
	SNR         *float64
	RSSI        *int
	Metadata    map[string]any
}

// IsTracerouteResponse reports whether m is a completed traceroute
// response: a ROUTING message carrying metadata.traceroute=true and a
// non-empty metadata.route.
func (m Message) IsTracerouteResponse() bool {
	if m.Type != TypeRouting {
		return false
	}
	if tr, ok := m.Metadata[MetaTraceroute].(bool); !ok || !tr {
		return false
	}
	route, ok := m.Metadata[MetaRoute]
	if !ok {
		return false
	}
	switch r := route.(type) {
	case []string:
		return len(r) > 0
	case []any:
		return len(r) > 0
	default:
		return false
	}
}

// RequestID extracts metadata.request_id, if present.
func (m Message) RequestID() (string, bool) {
	v, ok := m.Metadata[MetaRequestID]
	if !ok {
		return "", false
	}
	s, ok := v.(string)

	return s, ok
}

// Route extracts metadata.route as a []string, if present and well-typed.
func (m Message) Route() ([]string, bool) {
	v, ok := m.Metadata[MetaRoute]
	if !ok {
		return nil, false
	}
	switch r := v.(type) {
	case []string:
		return r, true
	case []any:
		out := make([]string, 0, len(r))
		for _, e := range r {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}

		return out, true
	default:
		return nil, false
	}
}

// NewProbe builds the bit-exact outbound traceroute probe: a ROUTING
// message addressed to nodeID with hop_limit=maxHops and the
// want_response/route_discovery/traceroute metadata flags set alongside
// the correlating request_id.
func NewProbe(id, senderID, nodeID string, maxHops int, requestID string) Message {
	return Message{
		ID:          id,
		SenderID:    senderID,
		RecipientID: nodeID,
		Type:        TypeRouting,
		HopLimit:    maxHops,
		Metadata: map[string]any{
			MetaWantResponse:  true,
			MetaRouteDiscover: true,
			MetaTraceroute:    true,
			MetaRequestID:     requestID,
		},
	}
}
