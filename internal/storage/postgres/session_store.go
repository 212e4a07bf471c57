package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

const sessionColumns = `id, order_id, customer_id, currency, lines, subtotal_minor, tax_minor, shipping_minor,
	total_minor, shipping_address, billing_address, status, expires_at, created_at, updated_at`

// SessionStore хранит checkout-сессии в таблице checkout_sessions.
// Позиции и адреса лежат в JSONB, статус меняется под блокировкой строки.
type SessionStore struct {
	store *Store
}

// NewSessionStore создаёт PostgreSQL-реализацию SessionStore.
func NewSessionStore(store *Store) *SessionStore {
	return &SessionStore{store: store}
}

func (s *SessionStore) Create(ctx context.Context, session domain.CheckoutSession) error {
	lines, err := json.Marshal(linesOf(session.Lines))
	if err != nil {
		return fmt.Errorf("marshal lines: %w", err)
	}
	shipping, err := json.Marshal(domain.AddressPayloadOf(session.ShippingAddress))
	if err != nil {
		return fmt.Errorf("marshal shipping address: %w", err)
	}
	billing, err := json.Marshal(domain.AddressPayloadOf(session.BillingAddress))
	if err != nil {
		return fmt.Errorf("marshal billing address: %w", err)
	}

	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	_, err = s.store.db.Exec(ctx, `
		INSERT INTO checkout_sessions (`+sessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`,
		session.ID, session.OrderID, session.CustomerID, session.Currency, lines,
		session.SubtotalMinor, session.TaxMinor, session.ShippingMinor, session.TotalMinor,
		shipping, billing, string(session.Status), session.ExpiresAt.UTC(),
		session.CreatedAt.UTC(), session.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrSessionAlreadyExists
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (domain.CheckoutSession, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	session, err := scanSession(s.store.db.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM checkout_sessions
		WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CheckoutSession{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// UpdateStatus блокирует строку, проверяет автомат статусов и сохраняет новый статус.
func (s *SessionStore) UpdateStatus(ctx context.Context, id string, to domain.SessionStatus) (domain.CheckoutSession, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	var result domain.CheckoutSession
	err := s.store.inTx(ctx, func(tx pgx.Tx) error {
		session, err := scanSession(tx.QueryRow(ctx, `
			SELECT `+sessionColumns+`
			FROM checkout_sessions
			WHERE id = $1
			FOR UPDATE
		`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("lock session: %w", err)
		}

		result = session
		if session.Status == to {
			return nil
		}
		if !session.Status.CanTransition(to) {
			return domain.ErrInvalidTransition
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE checkout_sessions SET status = $2, updated_at = $3 WHERE id = $1
		`, id, string(to), now); err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
		result.Status = to
		result.UpdatedAt = now
		return nil
	})
	return result, err
}

func (s *SessionStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.CheckoutSession, error) {
	return s.list(ctx, `
		SELECT `+sessionColumns+`
		FROM checkout_sessions
		WHERE status IN ('PENDING', 'PAYMENT_PROCESSING') AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now.UTC(), limitArg(limit))
}

func (s *SessionStore) ListByStatus(ctx context.Context, status domain.SessionStatus, limit int) ([]domain.CheckoutSession, error) {
	return s.list(ctx, `
		SELECT `+sessionColumns+`
		FROM checkout_sessions
		WHERE status = $1
		ORDER BY expires_at
		LIMIT $2
	`, string(status), limitArg(limit))
}

func (s *SessionStore) list(ctx context.Context, query string, args ...any) ([]domain.CheckoutSession, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	rows, err := s.store.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var result []domain.CheckoutSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return result, nil
}

func scanSession(row pgx.Row) (domain.CheckoutSession, error) {
	var (
		s        domain.CheckoutSession
		status   string
		rawLines []byte
		rawShip  []byte
		rawBill  []byte
	)
	if err := row.Scan(
		&s.ID, &s.OrderID, &s.CustomerID, &s.Currency, &rawLines,
		&s.SubtotalMinor, &s.TaxMinor, &s.ShippingMinor, &s.TotalMinor,
		&rawShip, &rawBill, &status, &s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return domain.CheckoutSession{}, err
	}
	var (
		lines    []domain.LinePayload
		shipping domain.AddressPayload
		billing  domain.AddressPayload
	)
	if err := json.Unmarshal(rawLines, &lines); err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("decode lines: %w", err)
	}
	if err := json.Unmarshal(rawShip, &shipping); err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("decode shipping address: %w", err)
	}
	if err := json.Unmarshal(rawBill, &billing); err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("decode billing address: %w", err)
	}

	s.Status = domain.SessionStatus(status)
	s.Lines = make([]domain.CartLine, 0, len(lines))
	for _, l := range lines {
		s.Lines = append(s.Lines, domain.CartLine{SKU: l.SKU, Qty: l.Qty, UnitPriceMinor: l.UnitPriceMinor})
	}
	s.ShippingAddress = addressOf(shipping)
	s.BillingAddress = addressOf(billing)
	s.ExpiresAt = s.ExpiresAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

func linesOf(lines []domain.CartLine) []domain.LinePayload {
	result := make([]domain.LinePayload, 0, len(lines))
	for _, l := range lines {
		result = append(result, domain.LinePayload{SKU: l.SKU, Qty: l.Qty, UnitPriceMinor: l.UnitPriceMinor})
	}
	return result
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
