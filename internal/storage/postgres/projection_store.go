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

// ProjectionStore хранит read-модели заказов документом JSONB.
type ProjectionStore struct {
	db DB
}

// NewProjectionStore создаёт PostgreSQL-реализацию ProjectionStore.
func NewProjectionStore(store *Store) *ProjectionStore {
	return &ProjectionStore{db: store.DB()}
}

// Save делает upsert только если сохранённая проекция не новее переданной.
func (s *ProjectionStore) Save(ctx context.Context, projection domain.OrderProjection) error {
	if projection.OrderID == "" {
		return domain.NewValidationError(domain.ErrSessionIDRequired)
	}
	document, err := json.Marshal(projection)
	if err != nil {
		return fmt.Errorf("marshal projection: %w", err)
	}

	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	if _, err := s.db.Exec(ctx, `
		INSERT INTO order_projections (order_id, session_id, status, sequence, document, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (order_id) DO UPDATE
		SET session_id = EXCLUDED.session_id,
		    status = EXCLUDED.status,
		    sequence = EXCLUDED.sequence,
		    document = EXCLUDED.document,
		    updated_at = EXCLUDED.updated_at
		WHERE order_projections.sequence <= EXCLUDED.sequence
	`, projection.OrderID, projection.SessionID, string(projection.Status), projection.Sequence,
		document, time.Now().UTC()); err != nil {
		return fmt.Errorf("save projection: %w", err)
	}
	return nil
}

func (s *ProjectionStore) Get(ctx context.Context, orderID string) (domain.OrderProjection, error) {
	ctx, cancel := withOpTimeout(ctx)
	defer cancel()

	var document []byte
	err := s.db.QueryRow(ctx, `
		SELECT document FROM order_projections WHERE order_id = $1
	`, orderID).Scan(&document)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.OrderProjection{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.OrderProjection{}, fmt.Errorf("get projection: %w", err)
	}

	var projection domain.OrderProjection
	if err := json.Unmarshal(document, &projection); err != nil {
		return domain.OrderProjection{}, fmt.Errorf("decode projection %s: %w", orderID, err)
	}
	return projection, nil
}

var _ domain.ProjectionStore = (*ProjectionStore)(nil)
