package handlers

import (
	"net/http"
	"time"

	"github.com/nomis52/tenantflow/buildinfo"
)

// HealthResponse is the JSON response for /health.
type HealthResponse struct {
	Status string `json:"status"`
	buildinfo.Properties
	Uptime string `json:"uptime"`
	// NextScheduledRun is the earliest cron run, if any jobs are scheduled.
	NextScheduledRun *time.Time `json:"next_scheduled_run,omitempty"`
}

// ScheduleProvider reports the next scheduled run.
type ScheduleProvider interface {
	NextRun() time.Time
}

// HealthHandler reports liveness and build information.
type HealthHandler struct {
	started  time.Time
	schedule ScheduleProvider
}

// NewHealthHandler creates a new HealthHandler. schedule may be nil.
func NewHealthHandler(started time.Time, schedule ScheduleProvider) *HealthHandler {
	return &HealthHandler{started: started, schedule: schedule}
}

// ServeHTTP implements http.Handler.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:     "ok",
		Properties: buildinfo.Get(),
		Uptime:     time.Since(h.started).Truncate(time.Second).String(),
	}
	if h.schedule != nil {
		if next := h.schedule.NextRun(); !next.IsZero() {
			resp.NextScheduledRun = &next
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
