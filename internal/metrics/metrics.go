package metrics

import "time"

// Collector receives engine and provider-call measurements. Implementations
// must be safe for concurrent use.
type Collector interface {
	// Upstream HTTP calls, labelled by provider and endpoint path.
	RecordProviderCall(provider, endpoint string, success bool, duration time.Duration)
	RecordCircuitState(provider string, state CircuitState)

	// Engine
	RecordSync(provider string, success bool, duration time.Duration, rows SyncRows)
	RecordLink(provider, outcome string)
}

// SyncRows are the ledger effects of one sync.
type SyncRows struct {
	Added    int
	Modified int
	Removed  int
}

// CircuitState mirrors the breaker states.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector discards everything. It is the default when metrics are off.
type NoOpCollector struct{}

func (NoOpCollector) RecordProviderCall(string, string, bool, time.Duration) {}

func (NoOpCollector) RecordCircuitState(string, CircuitState) {}

func (NoOpCollector) RecordSync(string, bool, time.Duration, SyncRows) {}

func (NoOpCollector) RecordLink(string, string) {}

// OrNoOp returns c, or NoOpCollector when c is nil.
func OrNoOp(c Collector) Collector {
	if c == nil {
		return NoOpCollector{}
	}
	return c
}
