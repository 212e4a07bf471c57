package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	replayedHeader       = "Idempotent-Replayed"
)

// outcome: готовый к записи ответ обработчика.
type outcome struct {
	status int
	body   any
}

// withIdempotency выполняет run не более одного раза на Idempotency-Key.
// Повтор с тем же телом получает сохранённый ответ, с другим телом: 422.
// Без заголовка или без репозитория запрос просто выполняется.
func (h *Handler) withIdempotency(w http.ResponseWriter, r *http.Request, body []byte, run func(ctx context.Context) outcome) {
	key, err := domain.ValidateIdempotencyKey(r.Header.Get(idempotencyKeyHeader))
	if h.idem == nil || errors.Is(err, domain.ErrIdempotencyKeyRequired) {
		res := run(r.Context())
		respondJSON(w, res.status, res.body)
		return
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_idempotency_key", err.Error())
		return
	}

	ctx := r.Context()
	hash := domain.IdempotencyRequestHash(r.Method, r.URL.Path, body)
	record, err := h.idem.CreateProcessing(ctx, key, hash, h.now().UTC().Add(h.idemTTL))
	if err != nil {
		h.replay(w, key, record, err)
		return
	}

	res := run(ctx)
	data, err := json.Marshal(res.body)
	if err != nil {
		h.logger.WithError(err).WithField("idempotency_key", key).Error("failed to encode response")
		respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	// Ответ сохраняется даже при отменённом запросе: клиент повторит его с тем же ключом.
	storeCtx := context.WithoutCancel(ctx)
	if domain.IdempotencyStatusFor(res.status) == domain.IdempotencyStatusDone {
		err = h.idem.MarkDone(storeCtx, key, data, res.status)
	} else {
		err = h.idem.MarkFailed(storeCtx, key, data, res.status)
	}
	if err != nil {
		h.logger.WithError(err).WithField("idempotency_key", key).Warn("failed to store idempotent response")
	}

	writeRaw(w, res.status, data)
}

func (h *Handler) replay(w http.ResponseWriter, key string, record domain.IdempotencyRecord, createErr error) {
	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		respondError(w, http.StatusUnprocessableEntity, "idempotency_key_reused",
			"idempotency key is already used with different request payload")
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		switch {
		case record.Replayable():
			w.Header().Set(replayedHeader, "true")
			writeRaw(w, record.HTTPStatus, record.ResponseBody)
		case record.Status == domain.IdempotencyStatusProcessing:
			respondError(w, http.StatusConflict, "request_in_progress",
				"request with the same idempotency key is already processing")
		default:
			respondError(w, http.StatusInternalServerError, "internal_error", "idempotency cache is empty")
		}
	default:
		h.logger.WithError(createErr).WithField("idempotency_key", key).Warn("failed to create idempotency record")
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to initialize idempotency request")
	}
}

func writeRaw(w http.ResponseWriter, status int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
