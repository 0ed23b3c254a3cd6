package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/otcheredev/mado-gateway/internal/scp"
)

// HealthHandler reports process liveness and the SCP engine's running
// state, mirroring the teacher's health/ready split but probing the
// engine instead of a database connection.
type HealthHandler struct {
	engine *scp.Engine
}

func NewHealthHandler(engine *scp.Engine) *HealthHandler {
	return &HealthHandler{engine: engine}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	if h.engine.StatusSnapshot().Running {
		response.Services["scp_engine"] = "healthy"
	} else {
		response.Services["scp_engine"] = "stopped"
		response.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

// Ready reports whether the process can accept traffic. Unlike Health,
// a stopped SCP engine does not fail readiness: the management API
// itself is still serviceable (e.g. to start the engine).
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
