package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/database"
)

type stateSource interface {
	State() connection.State
}

type subscriptionCounter interface {
	SubscriptionCount() int
	StreamCount() int
}

type healthReport struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components"`
}

// createHealthHandler creates the HTTP handler for health checks. db may be
// nil when no database is configured.
func createHealthHandler(conn stateSource, subs subscriptionCounter, db database.Pinger, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := healthReport{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		// Connection
		st := conn.State()
		switch st.Kind {
		case connection.Connected:
			health.Components["connection"] = map[string]any{
				"state": st.Kind.String(),
				"epoch": st.Epoch,
				"since": st.Since.UTC().Format(time.RFC3339),
			}
		case connection.Disconnected:
			health.Status = "unhealthy"
			comp := map[string]any{"state": st.Kind.String()}
			if st.Err != nil {
				comp["error"] = st.Err.Error()
			}
			health.Components["connection"] = comp
		default:
			health.Status = "degraded"
			health.Components["connection"] = map[string]any{
				"state":   st.Kind.String(),
				"attempt": st.Attempt,
			}
		}

		// Subscriptions
		health.Components["subscriptions"] = map[string]any{
			"keys":    subs.SubscriptionCount(),
			"streams": subs.StreamCount(),
		}

		// Database
		if db != nil {
			if err := database.Check(ctx, db, 2*time.Second); err != nil {
				health.Status = "unhealthy"
				health.Components["timescaledb"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["timescaledb"] = "connected"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			logger.Debug("write health response", "error", err)
		}
	})

	return mux
}
