package api

import (
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/ordercore/internal/domain"
)

// Коды ошибок в теле ответа.
const (
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodeNotFound              = "NOT_FOUND"
	CodeInvalidState          = "INVALID_STATE"
	CodeStockNotFound         = "STOCK_NOT_FOUND"
	CodeInsufficientStock     = "INSUFFICIENT_STOCK"
	CodeConcurrencyConflict   = "CONCURRENCY_CONFLICT"
	CodeInUse                 = "IN_USE"
	CodeDuplicateNumber       = "DUPLICATE_NUMBER"
	CodeOperationFailed       = "OPERATION_FAILED"
	CodePersistenceError      = "PERSISTENCE_ERROR"
	CodeIdempotencyKeyReused  = "IDEMPOTENCY_KEY_REUSED"
	CodeIdempotencyInProgress = "IDEMPOTENCY_IN_PROGRESS"
	CodeInternal              = "INTERNAL"
)

type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Fields  []fieldError `json:"fields,omitempty"`
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// statusFor сопоставляет ошибку движка HTTP-статусу и коду ответа.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest, CodeValidationFailed
	case domain.IsNotFound(err):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return http.StatusConflict, CodeInvalidState
	case errors.Is(err, domain.ErrStockNotFound):
		return http.StatusUnprocessableEntity, CodeStockNotFound
	case errors.Is(err, domain.ErrInsufficientStock):
		return http.StatusUnprocessableEntity, CodeInsufficientStock
	case domain.IsVersionConflict(err):
		return http.StatusConflict, CodeConcurrencyConflict
	case errors.Is(err, domain.ErrTransactionReferenced), errors.Is(err, domain.ErrDependentUsage):
		return http.StatusConflict, CodeInUse
	case errors.Is(err, domain.ErrDuplicateNumber):
		return http.StatusConflict, CodeDuplicateNumber
	case errors.Is(err, domain.ErrOperationFailed):
		return http.StatusGatewayTimeout, CodeOperationFailed
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusInternalServerError, CodePersistenceError
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// writeError пишет ошибку в формате {"error":{"code","message"}}.
// Тексты сбоев хранилища наружу не отдаются.
func writeError(w http.ResponseWriter, logger *log.Entry, err error) {
	status, code := statusFor(err)

	detail := errorDetail{Code: code, Message: err.Error()}
	switch code {
	case CodePersistenceError, CodeInternal:
		logger.WithError(err).Error("request failed")
		detail.Message = "internal storage failure"
	case CodeOperationFailed:
		logger.WithError(err).Warn("request aborted")
		detail.Message = "operation was canceled or timed out"
	}

	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		detail.Message = "validation failed"
		for _, f := range verr.Fields {
			detail.Fields = append(detail.Fields, fieldError{Field: f.Field, Message: f.Message})
		}
	}

	writeErrorDetail(w, status, detail)
}

func writeErrorDetail(w http.ResponseWriter, status int, detail errorDetail) {
	writeJSON(w, status, errorResponse{Error: detail})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}
