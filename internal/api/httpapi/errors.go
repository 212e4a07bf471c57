package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

// apiError: HTTP-статус и машинный код ошибки.
type apiError struct {
	status int
	code   string
}

// classify сопоставляет доменную ошибку со статусом ответа.
func classify(err error) apiError {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return apiError{http.StatusUnprocessableEntity, "validation_failed"}
	case errors.Is(err, domain.ErrSessionNotFound),
		errors.Is(err, domain.ErrOrderNotFound),
		errors.Is(err, domain.ErrPaymentNotFound):
		return apiError{http.StatusNotFound, "not_found"}
	case errors.Is(err, domain.ErrInsufficientInventory):
		return apiError{http.StatusConflict, "insufficient_inventory"}
	case errors.Is(err, domain.ErrPaymentDeclined):
		return apiError{http.StatusPaymentRequired, "payment_declined"}
	case errors.Is(err, domain.ErrPaymentGatewayTimeout):
		return apiError{http.StatusPaymentRequired, "payment_gateway_timeout"}
	case errors.Is(err, domain.ErrSessionExpired):
		return apiError{http.StatusGone, "session_expired"}
	case errors.Is(err, domain.ErrReservationExpired):
		return apiError{http.StatusConflict, "reservation_expired"}
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return apiError{http.StatusUnprocessableEntity, "idempotency_key_reused"}
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrSessionClosed),
		errors.Is(err, domain.ErrPaymentStatusConflict):
		return apiError{http.StatusConflict, "invalid_state"}
	case errors.Is(err, domain.ErrConcurrencyConflict):
		return apiError{http.StatusConflict, "concurrency_conflict"}
	case errors.Is(err, context.DeadlineExceeded):
		return apiError{http.StatusGatewayTimeout, "timeout"}
	default:
		return apiError{http.StatusInternalServerError, "internal_error"}
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.WithError(err).Warn("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Code: code, Message: message})
}

// errorBody строит тело ответа. Текст внутренних ошибок наружу не отдаётся.
func errorBody(err error, order *domain.OrderProjection) (int, errorResponse) {
	e := classify(err)
	message := err.Error()
	if e.status == http.StatusInternalServerError {
		message = "internal server error"
	}
	return e.status, errorResponse{Code: e.code, Message: message, Order: order}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorBody(err, nil)
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	respondJSON(w, status, body)
}
