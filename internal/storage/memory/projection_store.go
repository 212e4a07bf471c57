package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

// ProjectionStore: in-memory read-модель заказов.
type ProjectionStore struct {
	mu    sync.RWMutex
	items map[string]domain.OrderProjection
}

// NewProjectionStore создаёт пустое хранилище проекций.
func NewProjectionStore() *ProjectionStore {
	return &ProjectionStore{items: make(map[string]domain.OrderProjection)}
}

// Save сохраняет проекцию, если она не старее сохранённой.
func (s *ProjectionStore) Save(_ context.Context, projection domain.OrderProjection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.items[projection.OrderID]; ok && current.Sequence > projection.Sequence {
		return nil
	}
	s.items[projection.OrderID] = projection.Clone()
	return nil
}

func (s *ProjectionStore) Get(_ context.Context, orderID string) (domain.OrderProjection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	projection, ok := s.items[orderID]
	if !ok {
		return domain.OrderProjection{}, domain.ErrOrderNotFound
	}
	return projection.Clone(), nil
}

var _ domain.ProjectionStore = (*ProjectionStore)(nil)
