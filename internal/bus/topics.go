package bus

// Topics of the internal event bus. The orchestrator publishes on
// TopicStats, TopicEmergencyStop and TopicCongestion so an observer never
// needs to poll; nothing in this module publishes on TopicNodeDirect or
// TopicConfigReloaded.
const (
	TopicStats          = "tracemapper.stats"
	TopicEmergencyStop  = "tracemapper.emergency_stop"
	TopicCongestion     = "tracemapper.congestion"
	TopicNodeDirect     = "tracemapper.node_direct"
	TopicConfigReloaded = "tracemapper.config_reloaded"

	// TopicProbeOutbound and TopicProbeInbound carry meshmsg.Message values
	// to and from whatever process owns the actual radio connection; the
	// bus-backed router adapter is the production Sender/Dispatcher, with
	// radio transport and codec concerns out of scope for this module.
	TopicProbeOutbound = "tracemapper.probe.outbound"
	TopicProbeInbound  = "tracemapper.probe.inbound"
)
