package relay

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

type Metrics struct {
	listConns    atomic.Int64
	detailConns  atomic.Int64
	relayed      atomic.Uint64
	malformed    atomic.Uint64
	rateLimited  atomic.Uint64
	authFailures atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncListConn()    { m.listConns.Add(1) }
func (m *Metrics) DecListConn()    { m.listConns.Add(-1) }
func (m *Metrics) IncDetailConn()  { m.detailConns.Add(1) }
func (m *Metrics) DecDetailConn()  { m.detailConns.Add(-1) }
func (m *Metrics) IncRelayed()     { m.relayed.Add(1) }
func (m *Metrics) IncMalformed()   { m.malformed.Add(1) }
func (m *Metrics) IncRateLimited() { m.rateLimited.Add(1) }
func (m *Metrics) IncAuthFailure() { m.authFailures.Add(1) }

// Snapshot returns the counters as served on /metrics.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"active_list_connections":   m.listConns.Load(),
		"active_detail_connections": m.detailConns.Load(),
		"messages_relayed_total":    m.relayed.Load(),
		"malformed_frames_total":    m.malformed.Load(),
		"rate_limited_total":        m.rateLimited.Load(),
		"auth_failures_total":       m.authFailures.Load(),
	}
}

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(m.Snapshot())
}
