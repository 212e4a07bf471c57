package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/saga"
)

var errMalformedBody = errors.New("malformed request body")

// readBody читает тело целиком: оно нужно и для декодирования, и для хеша идемпотентности.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	return data, nil
}

// decode разбирает JSON; пустое тело допустимо, если optional.
func decode(data []byte, dst any, optional bool) error {
	if len(bytes.TrimSpace(data)) == 0 {
		if optional {
			return nil
		}
		return fmt.Errorf("%w: empty body", errMalformedBody)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errMalformedBody, err)
	}
	return nil
}

func badRequest(w http.ResponseWriter, err error) {
	respondError(w, http.StatusBadRequest, "bad_request", err.Error())
}

// POST /checkout-sessions
func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		badRequest(w, err)
		return
	}
	var req createSessionRequest
	if err := decode(body, &req, false); err != nil {
		badRequest(w, err)
		return
	}

	h.withIdempotency(w, r, body, func(ctx context.Context) outcome {
		session, err := h.sessions.Create(ctx, req.toCommand())
		if err != nil {
			return h.failure(r, err, nil)
		}
		return outcome{http.StatusCreated, sessionFromDomain(session)}
	})
}

// POST /checkout-sessions/{sessionID}/complete
func (h *Handler) completeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	body, err := readBody(w, r)
	if err != nil {
		badRequest(w, err)
		return
	}
	var req completeRequest
	if err := decode(body, &req, false); err != nil {
		badRequest(w, err)
		return
	}

	h.withIdempotency(w, r, body, func(ctx context.Context) outcome {
		order, err := h.saga.Complete(ctx, sessionID, saga.CompleteCommand{
			PaymentMethod: strings.TrimSpace(req.PaymentMethod),
		})
		if err != nil {
			return h.failure(r, err, orderOrNil(order))
		}
		return outcome{completeStatus(order), order}
	})
}

// completeStatus: 200 для итогового заказа, 202 пока шлюз не прислал итог платежа.
func completeStatus(order domain.OrderProjection) int {
	if order.Status.Settled() {
		return http.StatusOK
	}
	return http.StatusAccepted
}

// GET /orders/{orderID}
func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.Get(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, order)
}

// POST /orders/{orderID}/refund
func (h *Handler) refundOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	body, err := readBody(w, r)
	if err != nil {
		badRequest(w, err)
		return
	}
	var req refundRequest
	if err := decode(body, &req, true); err != nil {
		badRequest(w, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "customer_request"
	}

	h.withIdempotency(w, r, body, func(ctx context.Context) outcome {
		order, err := h.saga.Refund(ctx, orderID, req.Reason)
		if err != nil {
			return h.failure(r, err, nil)
		}
		return outcome{http.StatusOK, order}
	})
}

// POST /payments/webhook
//
// Итог заказа (отказ, сверка): успешная обработка уведомления: шлюз получает 200
// и не присылает его повторно.
func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		badRequest(w, err)
		return
	}
	var req webhookRequest
	if err := decode(body, &req, false); err != nil {
		badRequest(w, err)
		return
	}

	order, err := h.saga.HandlePaymentEvent(r.Context(), req.toDomain())
	if err != nil && !saga.IsOutcome(err) {
		h.fail(w, r, err)
		return
	}
	h.logger.WithFields(log.Fields{
		"event_id":        req.EventID,
		"idempotency_key": req.IdempotencyKey,
		"order_id":        order.OrderID,
		"order_status":    order.Status,
	}).Info("payment webhook processed")
	respondJSON(w, http.StatusOK, order)
}

// GET /inventory/{sku}
func (h *Handler) getStock(w http.ResponseWriter, r *http.Request) {
	level, err := h.stock.Stock(r.Context(), chi.URLParam(r, "sku"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stockFromDomain(level))
}

// PUT /inventory/{sku}
func (h *Handler) setStock(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		badRequest(w, err)
		return
	}
	var req setStockRequest
	if err := decode(body, &req, false); err != nil {
		badRequest(w, err)
		return
	}
	level, err := h.stock.SetStock(r.Context(), chi.URLParam(r, "sku"), req.Total)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stockFromDomain(level))
}

func (h *Handler) failure(r *http.Request, err error, order *domain.OrderProjection) outcome {
	status, body := errorBody(err, order)
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	return outcome{status, body}
}

func orderOrNil(order domain.OrderProjection) *domain.OrderProjection {
	if order.OrderID == "" {
		return nil
	}
	return &order
}
