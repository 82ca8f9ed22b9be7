package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Runs
	mux.Handle("GET /api/v1/runs", chain(http.HandlerFunc(h.ListRuns)))
	mux.Handle("POST /api/v1/runs", chain(http.HandlerFunc(h.CreateRun)))
	mux.Handle("GET /api/v1/runs/{id}", chain(http.HandlerFunc(h.GetRun)))
	mux.Handle("POST /api/v1/runs/{id}/cancel", chain(http.HandlerFunc(h.CancelRun)))
	mux.Handle("POST /api/v1/runs/{id}/resume", chain(http.HandlerFunc(h.ResumeRun)))
	mux.Handle("GET /api/v1/runs/{id}/tasks", chain(http.HandlerFunc(h.ListRunTasks)))
	mux.Handle("GET /api/v1/runs/{id}/assets", chain(http.HandlerFunc(h.ListRunAssets)))
	mux.Handle("POST /api/v1/estimate", chain(http.HandlerFunc(h.Estimate)))

	// Credits
	mux.Handle("GET /api/v1/accounts/{id}/credits", chain(http.HandlerFunc(h.GetCredits)))
	mux.Handle("GET /api/v1/accounts/{id}/transactions", chain(http.HandlerFunc(h.ListTransactions)))
	mux.Handle("POST /api/v1/credits/deduct", chain(http.HandlerFunc(h.DeductCredits)))

	// Generations
	mux.Handle("POST /api/v1/generations/image", chain(http.HandlerFunc(h.GenerateImage)))
	mux.Handle("POST /api/v1/generations/video", chain(http.HandlerFunc(h.GenerateVideo)))
	mux.Handle("GET /api/v1/tasks/{id}", chain(http.HandlerFunc(h.GetTask)))
	mux.Handle("GET /api/v1/assets", chain(http.HandlerFunc(h.ListAssets)))
}
