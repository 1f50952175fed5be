package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/minerguard/pkg/log"
	"github.com/cuemby/minerguard/pkg/metrics"
	"github.com/cuemby/minerguard/pkg/types"
	"github.com/rs/zerolog"
)

// Probe is the read the readiness check runs against the store
type Probe interface {
	ListTenants() ([]*types.Tenant, error)
}

// HealthServer serves the probe and metrics endpoints
type HealthServer struct {
	probe  Probe
	mux    *http.ServeMux
	logger zerolog.Logger

	mu     sync.Mutex
	server *http.Server
}

// NewHealthServer creates the probe server. A nil probe keeps /ready failing.
func NewHealthServer(probe Probe) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		probe:  probe,
		mux:    mux,
		logger: log.WithComponent("api"),
	}

	// Register endpoints
	mux.HandleFunc("/health", getOnly(metrics.HealthHandler()))
	mux.HandleFunc("/ready", getOnly(hs.readyHandler))
	mux.HandleFunc("/live", getOnly(metrics.LivenessHandler()))
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start serves until Stop is called. It returns nil after a clean stop.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	hs.mu.Lock()
	hs.server = server
	hs.mu.Unlock()

	hs.logger.Info().Str("addr", addr).Msg("Health server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop shuts the server down, waiting for in-flight probes
func (hs *HealthServer) Stop(ctx context.Context) error {
	hs.mu.Lock()
	server := hs.server
	hs.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// readyHandler refreshes the store component before answering, so /ready
// reflects the store as of this request.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if hs.probe == nil {
		metrics.UpdateComponent("store", false, "not initialized")
	} else if _, err := hs.probe.ListTenants(); err != nil {
		metrics.UpdateComponent("store", false, err.Error())
	} else {
		metrics.UpdateComponent("store", true, "")
	}
	metrics.ReadyHandler()(w, r)
}

// GetHandler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}
