package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/Bakeneko/n8n/internal/license"
	"github.com/Bakeneko/n8n/internal/license/leadership"
	"github.com/Bakeneko/n8n/pkg/licensing"
)

var (
	httpShutdownTimeout = 5 * time.Second
)

// statusResponse is served on /status.
type statusResponse struct {
	license.SchedulerStatus
	Info         string                  `json:"info"`
	Entitlements []licensing.Entitlement `json:"entitlements"`
}

// newHandler serves metrics, the coordinator status and a leadership override
// used when no election collaborator runs alongside the process.
func newHandler(c *coordinator, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, statusResponse{
			SchedulerStatus: c.svc.Status(),
			Info:            c.svc.Info(),
			Entitlements:    c.svc.CurrentEntitlements(),
		})
	})

	mux.HandleFunc("/leadership", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
		case http.MethodPost:
			status, err := leadership.ParseStatus(r.URL.Query().Get("status"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if c.tracker.Set(status) {
				log.Info().Str("status", string(status)).Msg("Leadership status changed")
			}
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(c.tracker.Status())})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func startHTTPServer(ctx context.Context, addr string, handler http.Handler) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("Failed to shut down HTTP server cleanly")
		}
	}()

	go func() {
		log.Info().Str("addr", addr).Msg("Status and metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("HTTP server stopped unexpectedly")
		}
	}()
}
