package api

import (
	"net/http"
	"time"

	"github.com/voxhall/iv-engine/internal/database"
	"github.com/voxhall/iv-engine/internal/mqttclient"
)

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	Broker        *mqttclient.Stats `json:"broker,omitempty"`
	Jobs          map[string]int    `json:"reconstruction_jobs,omitempty"`
}

type HealthHandler struct {
	db        *database.DB
	mqtt      *mqttclient.Client
	version   string
	startTime time.Time
}

func NewHealthHandler(db *database.DB, mqtt *mqttclient.Client, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		mqtt:      mqtt,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.HealthCheck(r.Context()); err != nil {
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	var broker *mqttclient.Stats
	if h.mqtt != nil {
		stats := h.mqtt.Stats()
		broker = &stats
		if stats.Connected {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
		Broker:        broker,
	}

	if checks["database"] == "ok" {
		if stats, err := h.db.JobStats(r.Context()); err == nil {
			resp.Jobs = stats
		}
	}

	WriteJSON(w, httpStatus, resp)
}
