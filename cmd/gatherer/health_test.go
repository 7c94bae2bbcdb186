package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/rickgao/marketstream/internal/connection"
)

type fakeState struct{ st connection.State }

func (f fakeState) State() connection.State { return f.st }

type fakeCounter struct{ keys, streams int }

func (f fakeCounter) SubscriptionCount() int { return f.keys }
func (f fakeCounter) StreamCount() int       { return f.streams }

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func getHealth(t *testing.T, h http.Handler) (int, healthReport) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	var report healthReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode health: %v (body %q)", err, rec.Body.String())
	}
	return rec.Code, report
}

func TestHealth_Status(t *testing.T) {
	connected := connection.State{Kind: connection.Connected, Epoch: 3, Since: time.Now()}

	tests := []struct {
		name       string
		state      connection.State
		db         fakePinger
		withDB     bool
		wantCode   int
		wantStatus string
	}{
		{
			name:       "connected without database",
			state:      connected,
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name:       "connected with database",
			state:      connected,
			withDB:     true,
			wantCode:   http.StatusOK,
			wantStatus: "healthy",
		},
		{
			name:       "reconnecting",
			state:      connection.State{Kind: connection.Reconnecting, Attempt: 2},
			wantCode:   http.StatusOK,
			wantStatus: "degraded",
		},
		{
			name:       "terminal disconnect",
			state:      connection.State{Kind: connection.Disconnected, Err: connection.ErrAttemptsExceeded},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
		{
			name:       "database down",
			state:      connected,
			db:         fakePinger{err: errors.New("connection refused")},
			withDB:     true,
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var h http.Handler
			if tt.withDB {
				h = createHealthHandler(fakeState{tt.state}, fakeCounter{2, 3}, tt.db, slog.Default())
			} else {
				h = createHealthHandler(fakeState{tt.state}, fakeCounter{2, 3}, nil, slog.Default())
			}

			code, report := getHealth(t, h)
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if report.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", report.Status, tt.wantStatus)
			}
			if _, ok := report.Components["connection"]; !ok {
				t.Error("missing connection component")
			}
			_, hasDB := report.Components["timescaledb"]
			if hasDB != tt.withDB {
				t.Errorf("timescaledb component present = %v, want %v", hasDB, tt.withDB)
			}
		})
	}
}

func TestHealth_SubscriptionCounts(t *testing.T) {
	h := createHealthHandler(fakeState{}, fakeCounter{keys: 4, streams: 7}, nil, slog.Default())

	_, report := getHealth(t, h)
	subs, ok := report.Components["subscriptions"].(map[string]any)
	if !ok {
		t.Fatalf("subscriptions component = %T, want object", report.Components["subscriptions"])
	}
	if subs["keys"] != float64(4) {
		t.Errorf("keys = %v, want 4", subs["keys"])
	}
	if subs["streams"] != float64(7) {
		t.Errorf("streams = %v, want 7", subs["streams"])
	}
}
