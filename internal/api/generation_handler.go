package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/launcher"
	"github.com/shaiso/Mangaflow/internal/repo"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// GenerateImage запускает одиночную генерацию изображения.
// Результат читается через GET /api/v1/tasks/{id}.
// POST /api/v1/generations/image
func (h *Handler) GenerateImage(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.requireAccount(w, r)
	if !ok {
		return
	}

	var req GenerateImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	started, err := h.launcher.GenerateImage(r.Context(), launcher.ImageRequest{
		AccountID:      acc,
		Model:          domain.ImageModel(req.Model),
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Ratio:          launcher.Ratio(req.Ratio),
	})
	if HandleError(w, h.logger, err, "") {
		return
	}

	Accepted(w, GenerationResponse{
		TaskID:           started.TaskID,
		CreditsCost:      started.Cost,
		RemainingCredits: started.Remaining,
	})
}

// GenerateVideo запускает одиночную генерацию видео из изображения.
// Результат читается через GET /api/v1/tasks/{id}.
// POST /api/v1/generations/video
func (h *Handler) GenerateVideo(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.requireAccount(w, r)
	if !ok {
		return
	}

	var req GenerateVideoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	started, err := h.launcher.GenerateVideo(r.Context(), launcher.VideoRequest{
		AccountID:       acc,
		Model:           domain.VideoModel(req.Model),
		Prompt:          req.Prompt,
		SourceImageURL:  req.SourceImageURL,
		DurationSeconds: req.DurationSeconds,
	})
	if HandleError(w, h.logger, err, "") {
		return
	}

	Accepted(w, GenerationResponse{
		TaskID:           started.TaskID,
		CreditsCost:      started.Cost,
		RemainingCredits: started.Remaining,
	})
}

// GetTask возвращает generation task.
// GET /api/v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid task id")
		return
	}

	task, err := h.tasks.GetByID(r.Context(), id)
	if HandleError(w, h.logger, err, "task not found") {
		return
	}
	if !owns(r, task.AccountID) {
		NotFound(w, "task not found")
		return
	}

	Success(w, TaskFromDomain(*task))
}

// ListAssets возвращает страницу assets вызывающего.
// GET /api/v1/assets?type=...&page=...&page_size=...
func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.requireAccount(w, r)
	if !ok {
		return
	}

	typ := r.URL.Query().Get("type")
	if typ == "all" {
		typ = ""
	}
	filter := repo.AssetFilter{AccountID: acc, Type: domain.AssetType(typ)}
	if filter.Type != "" && !filter.Type.IsValid() {
		BadRequest(w, "invalid asset type")
		return
	}

	page := max(intQuery(r, "page", 1), 1)
	pageSize := intQuery(r, "page_size", defaultPageSize)
	if pageSize <= 0 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}
	filter.Limit = pageSize
	filter.Offset = (page - 1) * pageSize

	assets, total, err := h.assets.List(r.Context(), filter)
	if HandleError(w, h.logger, err, "") {
		return
	}

	result := make([]AssetResponse, len(assets))
	for i, a := range assets {
		result[i] = AssetFromDomain(a)
	}

	JSON(w, http.StatusOK, PageResponse{
		Data:     result,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	})
}
