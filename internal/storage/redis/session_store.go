// Package redis хранит checkout-сессии в Redis.
//
// Каждая сессия лежит JSON-значением под ключом checkout:session:{id} с TTL
// "срок жизни + retention". Для выборок по статусу ведутся sorted set'ы
// checkout:sessions:{STATUS}, где score: ExpiresAt в миллисекундах.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

const (
	// DefaultRetention: сколько сессия хранится после истечения срока.
	DefaultRetention = 24 * time.Hour

	maxWatchRetries = 5
)

// SessionStore: реализация domain.SessionStore поверх go-redis.
type SessionStore struct {
	client    *goredis.Client
	retention time.Duration
}

// NewSessionStore создаёт хранилище. retention <= 0 заменяется на DefaultRetention.
func NewSessionStore(client *goredis.Client, retention time.Duration) *SessionStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &SessionStore{client: client, retention: retention}
}

// Ping проверяет доступность Redis.
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *SessionStore) Create(ctx context.Context, session domain.CheckoutSession) error {
	if session.ID == "" {
		return domain.NewValidationError(domain.ErrSessionIDRequired)
	}

	data, err := encodeSession(session)
	if err != nil {
		return err
	}

	key := sessionKey(session.ID)
	var exists, written bool
	txf := func(tx *goredis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("redis check session: %w", err)
		}
		exists = n > 0
		if exists {
			return nil
		}
		// Значение и индекс статуса пишутся одним MULTI/EXEC.
		written = true
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttlFor(session))
			pipe.ZAdd(ctx, statusKey(session.Status), goredis.Z{
				Score:  score(session.ExpiresAt),
				Member: session.ID,
			})
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			// EXEC не откатывает SET, если ZADD завершился ошибкой.
			if written {
				s.client.Del(context.WithoutCancel(ctx), key)
			}
			return fmt.Errorf("redis create session: %w", err)
		}
		if exists {
			return domain.ErrSessionAlreadyExists
		}
		return nil
	}
	return fmt.Errorf("redis create session %s: %w", session.ID, domain.ErrConcurrencyConflict)
}

func (s *SessionStore) Get(ctx context.Context, id string) (domain.CheckoutSession, error) {
	data, err := s.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.CheckoutSession{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("redis get session: %w", err)
	}
	return decodeSession(data)
}

// UpdateStatus меняет статус под WATCH: если ключ изменился между чтением и
// MULTI/EXEC, попытка повторяется.
func (s *SessionStore) UpdateStatus(ctx context.Context, id string, to domain.SessionStatus) (domain.CheckoutSession, error) {
	key := sessionKey(id)

	var (
		result    domain.CheckoutSession
		resultErr error
	)
	txf := func(tx *goredis.Tx) error {
		resultErr = nil

		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, goredis.Nil) {
			resultErr = domain.ErrSessionNotFound
			return nil
		}
		if err != nil {
			return fmt.Errorf("redis get session: %w", err)
		}

		current, err := decodeSession(data)
		if err != nil {
			return err
		}
		result = current
		if current.Status == to {
			return nil
		}
		if !current.Status.CanTransition(to) {
			resultErr = domain.ErrInvalidTransition
			return nil
		}

		from := current.Status
		current.Status = to
		current.UpdatedAt = time.Now().UTC()
		encoded, err := encodeSession(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, goredis.KeepTTL)
			pipe.ZRem(ctx, statusKey(from), id)
			pipe.ZAdd(ctx, statusKey(to), goredis.Z{Score: score(current.ExpiresAt), Member: id})
			return nil
		})
		if err != nil {
			return err
		}
		result = current
		return nil
	}

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		if err != nil {
			return domain.CheckoutSession{}, fmt.Errorf("redis update session status: %w", err)
		}
		if errors.Is(resultErr, domain.ErrSessionNotFound) {
			return domain.CheckoutSession{}, resultErr
		}
		return result, resultErr
	}
	return domain.CheckoutSession{}, fmt.Errorf("redis update session status %s: %w", id, domain.ErrConcurrencyConflict)
}

func (s *SessionStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.CheckoutSession, error) {
	var result []domain.CheckoutSession
	for _, status := range []domain.SessionStatus{domain.SessionStatusPending, domain.SessionStatusPaymentProcessing} {
		sessions, err := s.listIndexed(ctx, status, strconv.FormatInt(now.UnixMilli(), 10), limit)
		if err != nil {
			return nil, err
		}
		for _, session := range sessions {
			if session.Expired(now) {
				result = append(result, session)
			}
		}
	}
	return sortAndLimit(result, limit), nil
}

func (s *SessionStore) ListByStatus(ctx context.Context, status domain.SessionStatus, limit int) ([]domain.CheckoutSession, error) {
	sessions, err := s.listIndexed(ctx, status, "+inf", limit)
	if err != nil {
		return nil, err
	}
	return sortAndLimit(sessions, limit), nil
}

// listIndexed читает сессии из индекса статуса. Участники, чьи ключи уже
// удалены по TTL, вычищаются из индекса.
func (s *SessionStore) listIndexed(ctx context.Context, status domain.SessionStatus, maxScore string, limit int) ([]domain.CheckoutSession, error) {
	by := &goredis.ZRangeBy{Min: "-inf", Max: maxScore}
	if limit > 0 {
		by.Count = int64(limit)
	}

	ids, err := s.client.ZRangeByScore(ctx, statusKey(status), by).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list sessions by status %s: %w", status, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, sessionKey(id))
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis load sessions: %w", err)
	}

	sessions := make([]domain.CheckoutSession, 0, len(values))
	var stale []any
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		session, err := decodeSession([]byte(raw))
		if err != nil {
			return nil, err
		}
		// Индекс может отставать от значения, если статус сменился между ZRANGE и MGET.
		if session.Status != status {
			continue
		}
		sessions = append(sessions, session)
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, statusKey(status), stale...).Err(); err != nil {
			return nil, fmt.Errorf("redis prune session index: %w", err)
		}
	}
	return sessions, nil
}

func (s *SessionStore) ttlFor(session domain.CheckoutSession) time.Duration {
	ttl := time.Until(session.ExpiresAt) + s.retention
	if ttl < s.retention {
		return s.retention
	}
	return ttl
}

func sortAndLimit(sessions []domain.CheckoutSession, limit int) []domain.CheckoutSession {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].ExpiresAt.Before(sessions[j].ExpiresAt)
	})
	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions
}

func sessionKey(id string) string {
	return fmt.Sprintf("checkout:session:%s", id)
}

func statusKey(status domain.SessionStatus) string {
	return fmt.Sprintf("checkout:sessions:%s", status)
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

type sessionRecord struct {
	ID              string                `json:"id"`
	OrderID         string                `json:"order_id"`
	CustomerID      string                `json:"customer_id"`
	Currency        string                `json:"currency"`
	Lines           []domain.LinePayload  `json:"lines"`
	SubtotalMinor   int64                 `json:"subtotal_minor"`
	TaxMinor        int64                 `json:"tax_minor"`
	ShippingMinor   int64                 `json:"shipping_minor"`
	TotalMinor      int64                 `json:"total_minor"`
	ShippingAddress domain.AddressPayload `json:"shipping_address"`
	BillingAddress  domain.AddressPayload `json:"billing_address"`
	Status          domain.SessionStatus  `json:"status"`
	ExpiresAt       time.Time             `json:"expires_at"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

func encodeSession(s domain.CheckoutSession) ([]byte, error) {
	lines := make([]domain.LinePayload, 0, len(s.Lines))
	for _, l := range s.Lines {
		lines = append(lines, domain.LinePayload{SKU: l.SKU, Qty: l.Qty, UnitPriceMinor: l.UnitPriceMinor})
	}

	data, err := json.Marshal(sessionRecord{
		ID:              s.ID,
		OrderID:         s.OrderID,
		CustomerID:      s.CustomerID,
		Currency:        s.Currency,
		Lines:           lines,
		SubtotalMinor:   s.SubtotalMinor,
		TaxMinor:        s.TaxMinor,
		ShippingMinor:   s.ShippingMinor,
		TotalMinor:      s.TotalMinor,
		ShippingAddress: domain.AddressPayloadOf(s.ShippingAddress),
		BillingAddress:  domain.AddressPayloadOf(s.BillingAddress),
		Status:          s.Status,
		ExpiresAt:       s.ExpiresAt.UTC(),
		CreatedAt:       s.CreatedAt.UTC(),
		UpdatedAt:       s.UpdatedAt.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	return data, nil
}

func decodeSession(data []byte) (domain.CheckoutSession, error) {
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("unmarshal session: %w", err)
	}

	lines := make([]domain.CartLine, 0, len(rec.Lines))
	for _, l := range rec.Lines {
		lines = append(lines, domain.CartLine{SKU: l.SKU, Qty: l.Qty, UnitPriceMinor: l.UnitPriceMinor})
	}

	return domain.CheckoutSession{
		ID:              rec.ID,
		OrderID:         rec.OrderID,
		CustomerID:      rec.CustomerID,
		Currency:        rec.Currency,
		Lines:           lines,
		SubtotalMinor:   rec.SubtotalMinor,
		TaxMinor:        rec.TaxMinor,
		ShippingMinor:   rec.ShippingMinor,
		TotalMinor:      rec.TotalMinor,
		ShippingAddress: addressOf(rec.ShippingAddress),
		BillingAddress:  addressOf(rec.BillingAddress),
		Status:          rec.Status,
		ExpiresAt:       rec.ExpiresAt,
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}, nil
}

func addressOf(a domain.AddressPayload) domain.Address {
	return domain.Address{
		Name:       a.Name,
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		Region:     a.Region,
		PostalCode: a.PostalCode,
		Country:    a.Country,
	}
}

var _ domain.SessionStore = (*SessionStore)(nil)
