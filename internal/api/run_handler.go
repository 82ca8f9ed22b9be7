package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/launcher"
	"github.com/shaiso/Mangaflow/internal/orchestrator"
	"github.com/shaiso/Mangaflow/internal/repo"
)

// ListRuns возвращает runs вызывающего.
// GET /api/v1/runs?status=...&limit=...&offset=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.requireAccount(w, r)
	if !ok {
		return
	}

	filter := repo.RunFilter{
		AccountID: &acc,
		Status:    domain.RunStatus(r.URL.Query().Get("status")),
		Limit:     intQuery(r, "limit", 50),
		Offset:    intQuery(r, "offset", 0),
	}

	runs, err := h.runs.List(r.Context(), filter)
	if HandleError(w, h.logger, err, "") {
		return
	}

	result := make([]RunResponse, len(runs))
	for i, run := range runs {
		result[i] = RunFromDomain(run)
	}

	List(w, result, len(result))
}

// CreateRun списывает оценку и создаёт run.
// POST /api/v1/runs
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.requireAccount(w, r)
	if !ok {
		return
	}

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	started, err := h.launcher.StartRun(r.Context(), launcher.StartRequest{
		AccountID:  acc,
		Name:       req.Name,
		Text:       req.Text,
		ImageModel: domain.ImageModel(req.ImageModel),
		VideoModel: domain.VideoModel(req.VideoModel),
		LipSync:    req.LipSync,
		ArtStyle:   req.ArtStyle,
	})
	if HandleError(w, h.logger, err, "") {
		return
	}

	Created(w, CreateRunResponse{
		RunID:            started.RunID,
		TaskID:           started.TaskID,
		EstimatedCredits: started.Estimate.Credits,
		EstimatedScenes:  started.Estimate.Scenes,
		RemainingCredits: started.Remaining,
	})
}

// Estimate рассчитывает стоимость без списания.
// POST /api/v1/estimate
func (h *Handler) Estimate(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	est, err := h.launcher.EstimateRun(launcher.StartRequest{
		Text:       req.Text,
		ImageModel: domain.ImageModel(req.ImageModel),
		VideoModel: domain.VideoModel(req.VideoModel),
		LipSync:    req.LipSync,
	})
	if HandleError(w, h.logger, err, "") {
		return
	}

	Success(w, EstimateResponse{
		EstimatedScenes:     est.Scenes,
		EstimatedShots:      est.Shots,
		EstimatedCharacters: est.Characters,
		EstimatedCredits:    est.Credits,
	})
}

// GetRun возвращает run по ID.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	Success(w, RunFromDomain(*run))
}

// CancelRun запрашивает отмену run. Run останавливается на ближайшей
// проверке; неиспользованные кредиты возвращаются при финализации.
// POST /api/v1/runs/{id}/cancel
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	if run.IsFinished() {
		InvalidState(w, "run is already finished")
		return
	}

	if err := h.runs.RequestCancel(r.Context(), run.ID); HandleError(w, h.logger, err, "run not found") {
		return
	}
	run.CancelRequested = true

	if h.publisher != nil {
		if err := h.publisher.PublishRunCancel(r.Context(), run.ID, run.AccountID); err != nil {
			h.logger.Warn("failed to publish run.cancel", "run_id", run.ID, "error", err)
		}
	}

	Accepted(w, RunFromDomain(*run))
}

// ResumeRun продолжает partial run с первой незавершённой стадии.
// POST /api/v1/runs/{id}/resume
func (h *Handler) ResumeRun(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	if err := orchestrator.CheckResumable(run); HandleError(w, h.logger, err, "") {
		return
	}

	if h.publisher == nil {
		Unavailable(w, "messaging is not configured")
		return
	}
	if err := h.publisher.PublishRunResume(r.Context(), run.ID, run.AccountID); err != nil {
		h.logger.Error("failed to publish run.resume", "run_id", run.ID, "error", err)
		Unavailable(w, "failed to schedule resume")
		return
	}

	Accepted(w, RunFromDomain(*run))
}

// ListRunTasks возвращает задачи run.
// GET /api/v1/runs/{id}/tasks
func (h *Handler) ListRunTasks(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	tasks, err := h.tasks.ListByRunID(r.Context(), run.ID)
	if HandleError(w, h.logger, err, "") {
		return
	}

	result := make([]TaskResponse, len(tasks))
	for i, t := range tasks {
		result[i] = TaskFromDomain(t)
	}

	List(w, result, len(result))
}

// ListRunAssets возвращает результаты run.
// GET /api/v1/runs/{id}/assets?type=...
func (h *Handler) ListRunAssets(w http.ResponseWriter, r *http.Request) {
	run, ok := h.loadRun(w, r)
	if !ok {
		return
	}

	filter := repo.AssetFilter{
		AccountID: run.AccountID,
		RunID:     &run.ID,
		Type:      domain.AssetType(r.URL.Query().Get("type")),
		Limit:     intQuery(r, "limit", 200),
	}
	if filter.Type != "" && !filter.Type.IsValid() {
		BadRequest(w, "invalid asset type")
		return
	}

	assets, total, err := h.assets.List(r.Context(), filter)
	if HandleError(w, h.logger, err, "") {
		return
	}

	result := make([]AssetResponse, len(assets))
	for i, a := range assets {
		result[i] = AssetFromDomain(a)
	}

	List(w, result, total)
}

// loadRun читает run из пути и проверяет владельца.
func (h *Handler) loadRun(w http.ResponseWriter, r *http.Request) (*domain.PipelineRun, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return nil, false
	}

	run, err := h.runs.GetByID(r.Context(), id)
	if HandleError(w, h.logger, err, "run not found") {
		return nil, false
	}
	if !owns(r, run.AccountID) {
		NotFound(w, "run not found")
		return nil, false
	}
	return run, true
}

// intQuery читает неотрицательное целое из query с дефолтным значением.
func intQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
