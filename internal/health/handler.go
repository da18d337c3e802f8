// Package health serves liveness and readiness probes.
package health

import (
	"context"
	"net/http"
	"time"

	"lv-marginbook/internal/httputil"
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	startedAt time.Time
	checks    map[string]Pinger
	timeout   time.Duration
}

// NewHandler builds a health handler. Every named check must answer a ping
// for the service to be ready.
func NewHandler(startedAt time.Time, checks map[string]Pinger) *Handler {
	start := startedAt.UTC()
	if start.IsZero() {
		start = time.Now().UTC()
	}
	return &Handler{startedAt: start, checks: checks, timeout: time.Second}
}

type liveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	UptimeSec int64  `json:"uptime_sec"`
	Uptime    string `json:"uptime"`
}

type checkStat struct {
	Reachable bool   `json:"reachable"`
	PingMs    int64  `json:"ping_ms"`
	Error     string `json:"error,omitempty"`
}

type readinessResponse struct {
	liveResponse
	Checks map[string]checkStat `json:"checks"`
}

func (h *Handler) uptime(now time.Time) time.Duration {
	uptime := now.Sub(h.startedAt)
	if uptime < 0 {
		return 0
	}
	return uptime
}

func (h *Handler) live(now time.Time, status string) liveResponse {
	uptime := h.uptime(now)
	return liveResponse{
		Status:    status,
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(uptime.Seconds()),
		Uptime:    uptime.String(),
	}
}

// Live does not touch any dependency.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.live(time.Now().UTC(), "ok"))
}

// Ready pings every dependency and returns 503 when one is unreachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]checkStat, len(h.checks))
	for name, p := range h.checks {
		start := time.Now()
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		err := p.Ping(ctx)
		cancel()
		stat := checkStat{Reachable: err == nil, PingMs: time.Since(start).Milliseconds()}
		if err != nil {
			stat.Error = err.Error()
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		}
		checks[name] = stat
	}
	httputil.WriteJSON(w, httpStatus, readinessResponse{
		liveResponse: h.live(time.Now().UTC(), status),
		Checks:       checks,
	})
}
