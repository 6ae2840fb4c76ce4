package cnst

// Tracer names used across the services
const (
	// TraceRelay is the tracer name for the privileged message handler
	TraceRelay = "keyrelay/relay"
	// TraceCorrelator is the tracer name for challenge and license correlation
	TraceCorrelator = "keyrelay/correlator"
)

// Common span names and prefixes
const (
	// SpanRelayKindPrefix prefixes spans for handling channel message kinds
	SpanRelayKindPrefix = "relay.kind."

	SpanCorrelatorChallenge = "correlator.challenge"
	SpanCorrelatorLicense   = "correlator.license"
)
