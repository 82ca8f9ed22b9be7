package orchestrator

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// activeRunResponse — состояние run, выполняемого этим оркестратором.
type activeRunResponse struct {
	RunID    uuid.UUID `json:"run_id"`
	WorkerID string    `json:"worker_id"`
	RunStats
}

// RegisterRoutes регистрирует служебные маршруты оркестратора.
//
//	GET /runs/active       — число runs в работе у этой реплики
//	GET /runs/{id}/active  — сводка по run, если он выполняется здесь
func (o *Orchestrator) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /runs/active", o.handleActiveCount)
	mux.HandleFunc("GET /runs/{id}/active", o.handleActiveRun)
}

func (o *Orchestrator) handleActiveCount(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"worker_id": o.workerID,
		"active":    o.ActiveRunsCount(),
	})
}

func (o *Orchestrator) handleActiveRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid run id"})
		return
	}

	stats, ok := o.GetActiveRunStats(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run is not active on this worker"})
		return
	}
	writeJSON(w, http.StatusOK, activeRunResponse{RunID: id, WorkerID: o.workerID, RunStats: stats})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
