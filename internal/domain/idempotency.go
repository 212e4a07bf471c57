package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// IdempotencyKeyMaxLen ограничивает длину заголовка Idempotency-Key.
const IdempotencyKeyMaxLen = 255

// IdempotencyStatus: состояние записи кэша повторов HTTP API.
//
// Кэш защищает POST /checkout-sessions, POST /checkout-sessions/{id}/complete
// и POST /orders/{id}/refund: повтор с тем же ключом и телом получает
// сохранённый ответ, а сага не запускается второй раз. Ключ списания у
// провайдера от этого кэша не зависит и всегда равен id сессии.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing: первый запрос ещё выполняется.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone: сохранён успешный ответ (2xx/3xx), например CONFIRMED или PAYMENT_PENDING.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed: сохранён ответ с итогом-ошибкой (4xx/5xx), например отказ банка.
	// Повтор получает тот же отказ, а не новую попытку списания.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyStatusFor выбирает итоговый статус записи по HTTP-коду сохраняемого ответа.
func IdempotencyStatusFor(httpStatus int) IdempotencyStatus {
	if httpStatus >= 400 {
		return IdempotencyStatusFailed
	}
	return IdempotencyStatusDone
}

// IdempotencyRecord: сохранённый ответ на запрос checkout API с Idempotency-Key.
type IdempotencyRecord struct {
	Key string
	// RequestHash связывает ключ с методом, путём и телом запроса.
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Replayable сообщает, что запись содержит готовый ответ для повтора.
func (r IdempotencyRecord) Replayable() bool {
	if r.Status != IdempotencyStatusDone && r.Status != IdempotencyStatusFailed {
		return false
	}
	return len(r.ResponseBody) > 0 && r.HTTPStatus != 0
}

// Expired сообщает, что запись можно удалить на момент now.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.After(now)
}

// ValidateIdempotencyKey нормализует ключ и проверяет его длину.
func ValidateIdempotencyKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrIdempotencyKeyRequired
	}
	if len(key) > IdempotencyKeyMaxLen {
		return "", fmt.Errorf("%w: %d > %d", ErrIdempotencyKeyTooLong, len(key), IdempotencyKeyMaxLen)
	}
	return key, nil
}

// IdempotencyRequestHash считает хеш запроса: один ключ на другом пути или с другим телом даёт другой хеш.
func IdempotencyRequestHash(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{':'})
	h.Write([]byte(path))
	h.Write([]byte{':'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
