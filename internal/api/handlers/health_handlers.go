package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/breaker"

	"github.com/rs/zerolog/log"
)

// Probe timeouts. The full health check tolerates a slower database answer
// than the readiness probe, which orchestrators poll aggressively.
const (
	healthDBTimeout = 3 * time.Second
	readyDBTimeout  = 2 * time.Second
)

// Health reports per-component status plus an overall healthy/degraded
// verdict. A disabled provider is reported but does not degrade the service;
// an open breaker or unreachable database does.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	components := map[string]interface{}{}

	dbCtx, cancel := context.WithTimeout(r.Context(), healthDBTimeout)
	defer cancel()
	start := h.Clock.Now()
	if err := h.Store.Ping(dbCtx); err != nil {
		components["database"] = map[string]interface{}{"status": "unhealthy", "error": err.Error()}
		status = "degraded"
	} else {
		components["database"] = map[string]interface{}{
			"status":        "healthy",
			"response_time": h.Clock.Since(start).Seconds(),
		}
	}

	switch {
	case !h.Relay.Enabled():
		components["provider"] = map[string]interface{}{"status": "disabled"}
	case h.Relay.BreakerState() == breaker.StateOpen:
		components["provider"] = map[string]interface{}{
			"status":   "unhealthy",
			"provider": h.Relay.ProviderName(),
			"breaker":  h.Relay.BreakerState().String(),
		}
		status = "degraded"
	default:
		components["provider"] = map[string]interface{}{
			"status":   "healthy",
			"provider": h.Relay.ProviderName(),
			"breaker":  h.Relay.BreakerState().String(),
		}
	}

	components["connections"] = map[string]interface{}{
		"status": "healthy",
		"active": h.Registry.Count(),
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"timestamp":  h.Clock.Now().UTC(),
		"components": components,
	})
}

// Readiness is the orchestrator readiness probe: can this instance serve
// traffic right now.
func (h *Handlers) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyDBTimeout)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("Readiness check failed")
		if errors.Is(err, context.DeadlineExceeded) {
			respondError(w, http.StatusServiceUnavailable, "Service not ready - timeout")
			return
		}
		respondError(w, http.StatusServiceUnavailable, "Service not ready")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"status":    "ready",
		"timestamp": h.Clock.Now().UTC().Format(time.RFC3339),
	})
}

// Liveness is the orchestrator liveness probe: the process is up.
func (h *Handlers) Liveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":    "alive",
		"timestamp": h.Clock.Now().UTC().Format(time.RFC3339),
	})
}

// ServicesHealth is a compact boolean map for dashboards. The database is
// the only hard dependency; the provider flag covers both "configured" and
// "breaker not open".
func (h *Handlers) ServicesHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthDBTimeout)
	defer cancel()

	dbOK := h.Store.Ping(ctx) == nil
	providerOK := h.Relay.Enabled() && h.Relay.BreakerState() != breaker.StateOpen

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"services": map[string]bool{
			"database": dbOK,
			"provider": providerOK,
			"overall":  dbOK,
		},
		"connections": h.Registry.Count(),
		"timestamp":   h.Clock.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handlers) GetVersion(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
		"service": "parley",
	})
}
