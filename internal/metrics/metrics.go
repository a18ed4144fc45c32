package metrics

import "sync"

// Counter names used across the signaling core.
const (
	Registrations     = "registrations"
	RegisterRejected  = "register_rejected"
	CallsPlaced       = "calls_placed"
	CallsAccepted     = "calls_accepted"
	CallsRejected     = "calls_rejected"
	Hangups           = "hangups"
	PipelineFailures  = "pipeline_failures"
	DeliveryFailures  = "delivery_failures"
	CandidatesQueued  = "candidates_queued"
	CandidatesRelayed = "candidates_relayed"
	UnknownMessages   = "unknown_messages"
	DropRateLimited   = "rate_limited"
	DropTooManyMedia  = "too_many_media_sessions"
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Counters are exposed in Prometheus' text format via PrometheusHandler;
// keeping the registry in-process keeps the signaling logic testable without
// a metrics backend.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
