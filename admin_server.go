package meshrpc

import (
	"context"
	"encoding/json"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"
)

// AdminServer exposes read-only operational endpoints for a Gateway over
// HTTP: service-directory-style routing state plus the usual expvar and
// pprof debug surfaces. Intended for admin/internal networks only; it
// never participates in routing.
type AdminServer struct {
	gateway  *Gateway
	server   *http.Server
	listener net.Listener
}

// NewAdminServer creates an AdminServer bound to addr. The server is not
// started until Start is called.
func NewAdminServer(gateway *Gateway, addr string) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	as := &AdminServer{
		gateway:  gateway,
		listener: ln,
		server: &http.Server{
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/gateway/status", as.handleStatus)
	mux.HandleFunc("/gateway/services", as.handleServices)
	mux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return as, nil
}

// Addr returns the listener's address (useful when binding to ":0").
func (as *AdminServer) Addr() string {
	return as.listener.Addr().String()
}

// Start begins serving HTTP requests. Non-blocking.
func (as *AdminServer) Start() {
	go func() {
		if err := as.server.Serve(as.listener); err != nil && err != http.ErrServerClosed {
			slog.Error("meshrpc: admin server error", "error", err)
		}
	}()
	slog.Info("meshrpc: admin server started", "addr", as.Addr())
}

// Stop gracefully shuts down the admin server.
func (as *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	as.server.Shutdown(ctx)
}

// statusResponse is the JSON structure for GET /gateway/status.
type statusResponse struct {
	Endpoints        []string         `json:"endpoints"`
	ConnectedClients int              `json:"connected_clients"`
	KnownServices    int              `json:"known_services"`
	PendingLookups   int              `json:"pending_lookups"`
	QueuedMessages   int              `json:"queued_messages"`
	OldestQueuedAge  int64            `json:"oldest_queued_age_seconds"`
	Metrics          map[string]int64 `json:"metrics"`
	CacheMetrics     map[string]int64 `json:"cache_metrics"`
}

func (as *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	g := as.gateway
	g.mu.Lock()
	endpoints := make([]string, len(g.endpoints))
	for i, ep := range g.endpoints {
		endpoints[i] = ep.String()
	}
	resp := statusResponse{
		Endpoints:        endpoints,
		ConnectedClients: len(g.clients),
		KnownServices:    len(g.services),
		PendingLookups:   len(g.pendingLookups),
	}
	queued := 0
	for _, p := range g.pendingByService {
		queued += len(p)
	}
	resp.QueuedMessages = queued
	g.mu.Unlock()

	resp.OldestQueuedAge = g.oldestQueuedAge()
	resp.Metrics = g.metrics.Snapshot()
	resp.CacheMetrics = g.cache.metrics.Snapshot()

	writeJSON(w, resp)
}

// serviceEntry is a single service in the GET /gateway/services response.
type serviceEntry struct {
	ServiceID uint32 `json:"service_id"`
	Connected bool   `json:"connected"`
}

// servicesResponse is the JSON structure for GET /gateway/services.
type servicesResponse struct {
	Services []serviceEntry `json:"services"`
}

func (as *AdminServer) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	g := as.gateway
	g.mu.Lock()
	entries := make([]serviceEntry, 0, len(g.services))
	for sid, sock := range g.services {
		entries = append(entries, serviceEntry{ServiceID: sid, Connected: sock.IsConnected()})
	}
	g.mu.Unlock()

	writeJSON(w, servicesResponse{Services: entries})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("meshrpc: admin json encode error", "error", err)
	}
}
