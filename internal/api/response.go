package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/ledger"
	"github.com/shaiso/Mangaflow/internal/orchestrator"
	"github.com/shaiso/Mangaflow/internal/provider"
	"github.com/shaiso/Mangaflow/internal/repo"
)

// ErrorCode — код ошибки API.
type ErrorCode string

const (
	ErrCodeBadRequest          ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound            ErrorCode = "NOT_FOUND"
	ErrCodeConflict            ErrorCode = "CONFLICT"
	ErrCodeInvalidState        ErrorCode = "INVALID_STATE"
	ErrCodeInsufficientCredits ErrorCode = "INSUFFICIENT_CREDITS"
	ErrCodeUnavailable         ErrorCode = "UNAVAILABLE"
	ErrCodeInternalError       ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse — структура ответа с ошибкой.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail — детали ошибки.
type ErrorDetail struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// DataResponse — структура успешного ответа.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse — структура ответа со списком.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total"`
}

// PageResponse — страница списка.
type PageResponse struct {
	Data     any `json:"data"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// JSON отправляет JSON ответ.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Success отправляет успешный ответ с данными.
func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, DataResponse{Data: data})
}

// Created отправляет ответ о создании ресурса.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, DataResponse{Data: data})
}

// Accepted отправляет ответ о принятой асинхронной операции (202).
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, DataResponse{Data: data})
}

// List отправляет ответ со списком.
func List(w http.ResponseWriter, data any, total int) {
	JSON(w, http.StatusOK, ListResponse{Data: data, Total: total})
}

// Error отправляет ответ с ошибкой.
func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	JSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// BadRequest отправляет ошибку 400.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// NotFound отправляет ошибку 404.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// Conflict отправляет ошибку 409.
func Conflict(w http.ResponseWriter, message string) {
	Error(w, http.StatusConflict, ErrCodeConflict, message)
}

// InvalidState отправляет ошибку 422.
func InvalidState(w http.ResponseWriter, message string) {
	Error(w, http.StatusUnprocessableEntity, ErrCodeInvalidState, message)
}

// PaymentRequired отправляет ошибку 402 с текущим балансом.
func PaymentRequired(w http.ResponseWriter, e *ledger.InsufficientCreditsError) {
	JSON(w, http.StatusPaymentRequired, ErrorResponse{
		Error: ErrorDetail{
			Code:    ErrCodeInsufficientCredits,
			Message: "insufficient credits",
			Details: map[string]any{
				"current":   e.Current,
				"requested": e.Requested,
			},
		},
	})
}

// Unavailable отправляет ошибку 503.
func Unavailable(w http.ResponseWriter, message string) {
	Error(w, http.StatusServiceUnavailable, ErrCodeUnavailable, message)
}

// InternalError отправляет ошибку 500.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// HandleError преобразует ошибку в HTTP ответ. Возвращает false, если err == nil.
func HandleError(w http.ResponseWriter, logger *slog.Logger, err error, notFoundMsg string) bool {
	if err == nil {
		return false
	}

	var ve *domain.ValidationError
	var ice *ledger.InsufficientCreditsError
	var pe *ledger.PersistenceError

	switch {
	case errors.As(err, &ve):
		BadRequest(w, ve.Error())
	case errors.Is(err, ledger.ErrInvalidAmount):
		BadRequest(w, err.Error())
	case errors.As(err, &ice):
		PaymentRequired(w, ice)
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		Conflict(w, "balance changed concurrently, please retry")
	case errors.As(err, &pe):
		// Кредиты возвращены (или возврат залогирован); запрос не выполнен.
		InternalError(w, logger, err)
	case errors.Is(err, ledger.ErrAccountNotFound):
		NotFound(w, "account not found")
	case errors.Is(err, repo.ErrNotFound):
		NotFound(w, notFoundMsg)
	case errors.Is(err, repo.ErrInvalidState), errors.Is(err, orchestrator.ErrRunNotResumable):
		InvalidState(w, err.Error())
	case errors.Is(err, provider.ErrNotConfigured):
		Unavailable(w, err.Error())
	default:
		InternalError(w, logger, err)
	}
	return true
}
