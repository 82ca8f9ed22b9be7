package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const defaultDeductDescription = "credits consumed"

// GetCredits возвращает баланс счёта.
// GET /api/v1/accounts/{id}/credits
func (h *Handler) GetCredits(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountFromPath(w, r)
	if !ok {
		return
	}

	balance, err := h.ledger.Balance(r.Context(), id)
	if HandleError(w, h.logger, err, "account not found") {
		return
	}

	Success(w, CreditsResponse{AccountID: id, Balance: balance})
}

// ListTransactions возвращает журнал кредитов счёта, новые первыми.
// GET /api/v1/accounts/{id}/transactions?limit=...
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.accountFromPath(w, r)
	if !ok {
		return
	}

	history, err := h.ledger.History(r.Context(), id, intQuery(r, "limit", 50))
	if HandleError(w, h.logger, err, "account not found") {
		return
	}

	result := make([]TransactionResponse, len(history))
	for i, t := range history {
		result[i] = TransactionFromDomain(t)
	}

	List(w, result, len(result))
}

// DeductCredits списывает кредиты одной попыткой.
// Конкурентное изменение баланса возвращается как 409: клиент повторяет сам.
// POST /api/v1/credits/deduct
func (h *Handler) DeductCredits(w http.ResponseWriter, r *http.Request) {
	acc, ok := h.requireAccount(w, r)
	if !ok {
		return
	}

	var req DeductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		BadRequest(w, "amount must be positive")
		return
	}

	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		desc = defaultDeductDescription
	}

	remaining, err := h.ledger.ReserveAndConsume(r.Context(), acc, req.Amount, desc, req.TaskID)
	if HandleError(w, h.logger, err, "account not found") {
		return
	}

	Success(w, DeductResponse{Remaining: remaining})
}

// accountFromPath читает счёт из пути; чужой счёт не виден.
func (h *Handler) accountFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid account id")
		return uuid.Nil, false
	}
	if !owns(r, id) {
		NotFound(w, "account not found")
		return uuid.Nil, false
	}
	return id, true
}
