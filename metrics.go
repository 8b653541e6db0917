package meshrpc

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// metricsSeq generates unique IDs for expvar namespacing across multiple
// caches/gateways in one process (mainly relevant in tests).
var metricsSeq atomic.Int64

// CacheMetrics tracks TransportSocketCache operational counters. All
// counters are lock-free (atomic int64) and published to expvar under a
// "meshrpc.cache.N." prefix for inspection via /debug/vars.
type CacheMetrics struct {
	DialsAttempted   atomic.Int64
	DialsSucceeded   atomic.Int64
	DialsFailed      atomic.Int64
	DialRacesWon     atomic.Int64
	DialRacesLost    atomic.Int64
	Coalesced        atomic.Int64
	Disconnections   atomic.Int64
	InsertsAccepted  atomic.Int64
	InsertsRejected  atomic.Int64
}

func newCacheMetrics() *CacheMetrics {
	m := &CacheMetrics{}
	prefix := "meshrpc.cache." + strconv.FormatInt(metricsSeq.Add(1), 10) + "."
	publish := func(name string, v *atomic.Int64) {
		expvar.Publish(prefix+name, atomicVar(v))
	}
	publish("dials_attempted", &m.DialsAttempted)
	publish("dials_succeeded", &m.DialsSucceeded)
	publish("dials_failed", &m.DialsFailed)
	publish("dial_races_won", &m.DialRacesWon)
	publish("dial_races_lost", &m.DialRacesLost)
	publish("coalesced", &m.Coalesced)
	publish("disconnections", &m.Disconnections)
	publish("inserts_accepted", &m.InsertsAccepted)
	publish("inserts_rejected", &m.InsertsRejected)
	return m
}

// Snapshot returns all counter values as a map, suitable for JSON
// serialization by the admin HTTP surface.
func (m *CacheMetrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"dials_attempted":  m.DialsAttempted.Load(),
		"dials_succeeded":  m.DialsSucceeded.Load(),
		"dials_failed":     m.DialsFailed.Load(),
		"dial_races_won":   m.DialRacesWon.Load(),
		"dial_races_lost":  m.DialRacesLost.Load(),
		"coalesced":        m.Coalesced.Load(),
		"disconnections":   m.Disconnections.Load(),
		"inserts_accepted": m.InsertsAccepted.Load(),
		"inserts_rejected": m.InsertsRejected.Load(),
	}
}

// GatewayMetrics tracks Gateway operational counters, published the same
// way as CacheMetrics under a "meshrpc.gateway.N." prefix.
type GatewayMetrics struct {
	ClientMessagesIn  atomic.Int64
	ServiceMessagesIn atomic.Int64
	Forwarded         atomic.Int64
	RepliesRouted     atomic.Int64
	Queued            atomic.Int64
	RoutingMisses     atomic.Int64
	BackendFailovers  atomic.Int64
}

func newGatewayMetrics() *GatewayMetrics {
	m := &GatewayMetrics{}
	prefix := "meshrpc.gateway." + strconv.FormatInt(metricsSeq.Add(1), 10) + "."
	publish := func(name string, v *atomic.Int64) {
		expvar.Publish(prefix+name, atomicVar(v))
	}
	publish("client_messages_in", &m.ClientMessagesIn)
	publish("service_messages_in", &m.ServiceMessagesIn)
	publish("forwarded", &m.Forwarded)
	publish("replies_routed", &m.RepliesRouted)
	publish("queued", &m.Queued)
	publish("routing_misses", &m.RoutingMisses)
	publish("backend_failovers", &m.BackendFailovers)
	return m
}

func (m *GatewayMetrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"client_messages_in":  m.ClientMessagesIn.Load(),
		"service_messages_in": m.ServiceMessagesIn.Load(),
		"forwarded":           m.Forwarded.Load(),
		"replies_routed":      m.RepliesRouted.Load(),
		"queued":              m.Queued.Load(),
		"routing_misses":      m.RoutingMisses.Load(),
		"backend_failovers":   m.BackendFailovers.Load(),
	}
}

// atomicVar wraps an *atomic.Int64 as an expvar.Var.
func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}
