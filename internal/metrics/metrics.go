// Package metrics holds the bridge's process-local counters.
//
// Counters are read-only from the outside (GET /metrics); nothing in the
// control flow branches on them.
package metrics

import "sync/atomic"

type Registry struct {
	sendsSuccess atomic.Uint64
	sendsFailed  atomic.Uint64
	rateLimited  atomic.Uint64
	circuitOpen  atomic.Uint64
	disconnects  atomic.Uint64
	reconnects   atomic.Uint64
}

func New() *Registry { return &Registry{} }

func (r *Registry) SendSuccess() { r.sendsSuccess.Add(1) }
func (r *Registry) SendFailed()  { r.sendsFailed.Add(1) }
func (r *Registry) RateLimited() { r.rateLimited.Add(1) }
func (r *Registry) CircuitOpen() { r.circuitOpen.Add(1) }
func (r *Registry) Disconnect()  { r.disconnects.Add(1) }
func (r *Registry) Reconnect()   { r.reconnects.Add(1) }

// Snapshot is the wire shape of GET /metrics.
type Snapshot struct {
	SendsSuccessTotal uint64 `json:"sends_success_total"`
	SendsFailedTotal  uint64 `json:"sends_failed_total"`
	RateLimitedTotal  uint64 `json:"rate_limited_total"`
	CircuitOpenTotal  uint64 `json:"circuit_open_total"`
	DisconnectsTotal  uint64 `json:"disconnects_total"`
	ReconnectsTotal   uint64 `json:"reconnects_total"`
}

func (r *Registry) Snapshot() Snapshot {
	return Snapshot{
		SendsSuccessTotal: r.sendsSuccess.Load(),
		SendsFailedTotal:  r.sendsFailed.Load(),
		RateLimitedTotal:  r.rateLimited.Load(),
		CircuitOpenTotal:  r.circuitOpen.Load(),
		DisconnectsTotal:  r.disconnects.Load(),
		ReconnectsTotal:   r.reconnects.Load(),
	}
}
