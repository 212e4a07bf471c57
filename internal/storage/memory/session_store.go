package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

// SessionStore: in-memory хранилище checkout-сессий.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.CheckoutSession
}

// NewSessionStore создаёт пустое хранилище сессий.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]domain.CheckoutSession)}
}

func (s *SessionStore) Create(_ context.Context, session domain.CheckoutSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; ok {
		return domain.ErrSessionAlreadyExists
	}
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *SessionStore) Get(_ context.Context, id string) (domain.CheckoutSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return domain.CheckoutSession{}, domain.ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (s *SessionStore) UpdateStatus(_ context.Context, id string, to domain.SessionStatus) (domain.CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return domain.CheckoutSession{}, domain.ErrSessionNotFound
	}
	if session.Status == to {
		return session.Clone(), nil
	}
	if !session.Status.CanTransition(to) {
		return session.Clone(), domain.ErrInvalidTransition
	}

	session.Status = to
	session.UpdatedAt = time.Now().UTC()
	s.sessions[id] = session
	return session.Clone(), nil
}

func (s *SessionStore) ListExpired(_ context.Context, now time.Time, limit int) ([]domain.CheckoutSession, error) {
	return s.list(limit, func(session domain.CheckoutSession) bool {
		return !session.Status.Terminal() && session.Expired(now)
	}), nil
}

func (s *SessionStore) ListByStatus(_ context.Context, status domain.SessionStatus, limit int) ([]domain.CheckoutSession, error) {
	return s.list(limit, func(session domain.CheckoutSession) bool {
		return session.Status == status
	}), nil
}

func (s *SessionStore) list(limit int, match func(domain.CheckoutSession) bool) []domain.CheckoutSession {
	s.mu.RLock()
	var result []domain.CheckoutSession
	for _, session := range s.sessions {
		if match(session) {
			result = append(result, session.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

var _ domain.SessionStore = (*SessionStore)(nil)
