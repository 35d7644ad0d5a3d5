// Package httpapi serves the ops listener: liveness, readiness, a status
// summary and Prometheus metrics. Code issuance and validation are not
// exposed over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"accessgate.org/internal/obs"
)

// ReadyProbe reports whether the backing store is reachable.
type ReadyProbe interface {
	Ready(ctx context.Context) error
}

// StatusFunc returns a JSON-encodable snapshot for /v1/status.
type StatusFunc func() any

// API: HTTP слой служебного listener'а.
type API struct {
	mux          *http.ServeMux
	probe        ReadyProbe
	status       StatusFunc
	version      string
	probeTimeout time.Duration
	log          *zap.Logger
}

func New(probe ReadyProbe, status StatusFunc, version string) *API {
	a := &API{
		mux:          http.NewServeMux(),
		probe:        probe,
		status:       status,
		version:      version,
		probeTimeout: 2 * time.Second,
		log:          obs.Logger().Named("http"),
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/status", a.Status)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler возвращает mux, обёрнутый метриками и логированием.
func (a *API) Handler() http.Handler {
	return SecurityHeaders(Logging(a.log, obs.Instrument(a.mux)))
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "accessgate",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.probe != nil {
		ctx, cancel := context.WithTimeout(r.Context(), a.probeTimeout)
		defer cancel()
		if err := a.probe.Ready(ctx); err != nil {
			a.log.Warn("readiness probe failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	body := map[string]any{
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	}
	if a.status != nil {
		body["status"] = a.status()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
