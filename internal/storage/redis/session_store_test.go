package redis

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

func setupTestRedis(t *testing.T) (*SessionStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewSessionStore(client, time.Hour), mr
}

func newSession(id string, expiresAt time.Time) domain.CheckoutSession {
	address := domain.Address{Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}
	return domain.CheckoutSession{
		ID:              id,
		OrderID:         "order-" + id,
		CustomerID:      "customer-1",
		Currency:        "USD",
		Lines:           []domain.CartLine{{SKU: "sku-1", Qty: 2, UnitPriceMinor: 500}},
		SubtotalMinor:   1000,
		TaxMinor:        80,
		ShippingMinor:   20,
		TotalMinor:      1100,
		ShippingAddress: address,
		BillingAddress:  address,
		Status:          domain.SessionStatusPending,
		ExpiresAt:       expiresAt.UTC().Truncate(time.Millisecond),
		CreatedAt:       expiresAt.Add(-15 * time.Minute).UTC().Truncate(time.Millisecond),
		UpdatedAt:       expiresAt.Add(-15 * time.Minute).UTC().Truncate(time.Millisecond),
	}
}

func TestSessionStore_CreateAndGet(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	session := newSession("s-1", time.Now().Add(15*time.Minute))
	require.NoError(t, store.Create(ctx, session))

	got, err := store.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, session, got)

	assert.True(t, mr.Exists(sessionKey("s-1")))
	assert.Greater(t, mr.TTL(sessionKey("s-1")), time.Hour)
	members, err := mr.ZMembers(statusKey(domain.SessionStatusPending))
	require.NoError(t, err)
	assert.Equal(t, []string{"s-1"}, members)
}

func TestSessionStore_CreateDuplicate(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	session := newSession("s-1", time.Now().Add(time.Minute))
	require.NoError(t, store.Create(ctx, session))
	assert.ErrorIs(t, store.Create(ctx, session), domain.ErrSessionAlreadyExists)
}

func TestSessionStore_CreateConcurrentDuplicates(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()
	session := newSession("s-1", time.Now().Add(time.Minute))

	const workers = 10
	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.Create(ctx, session)
			if err == nil {
				created.Add(1)
				return
			}
			if !errors.Is(err, domain.ErrSessionAlreadyExists) && !errors.Is(err, domain.ErrConcurrencyConflict) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	members, err := mr.ZMembers(statusKey(domain.SessionStatusPending))
	require.NoError(t, err)
	assert.Equal(t, []string{"s-1"}, members)
}

func TestSessionStore_CreateLeavesNoUnindexedSession(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()
	require.NoError(t, mr.Set(statusKey(domain.SessionStatusPending), "not-a-sorted-set"))

	err := store.Create(ctx, newSession("s-1", time.Now().Add(time.Minute)))
	require.Error(t, err)

	assert.False(t, mr.Exists(sessionKey("s-1")))
	_, err = store.Get(ctx, "s-1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSessionStore_GetMissing(t *testing.T) {
	store, _ := setupTestRedis(t)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSessionStore_GetInvalidJSON(t *testing.T) {
	store, mr := setupTestRedis(t)
	require.NoError(t, mr.Set(sessionKey("broken"), "{not json"))

	_, err := store.Get(context.Background(), "broken")
	assert.Error(t, err)
}

func TestSessionStore_UpdateStatus(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()

	session := newSession("s-1", time.Now().Add(time.Minute))
	require.NoError(t, store.Create(ctx, session))
	ttlBefore := mr.TTL(sessionKey("s-1"))

	updated, err := store.UpdateStatus(ctx, "s-1", domain.SessionStatusPaymentProcessing)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusPaymentProcessing, updated.Status)
	assert.Equal(t, ttlBefore, mr.TTL(sessionKey("s-1")), "status change must keep the key TTL")

	pending, err := mr.ZMembers(statusKey(domain.SessionStatusPending))
	if err == nil {
		assert.Empty(t, pending)
	}
	processing, err := mr.ZMembers(statusKey(domain.SessionStatusPaymentProcessing))
	require.NoError(t, err)
	assert.Equal(t, []string{"s-1"}, processing)

	t.Run("same status is a no-op", func(t *testing.T) {
		again, err := store.UpdateStatus(ctx, "s-1", domain.SessionStatusPaymentProcessing)
		require.NoError(t, err)
		assert.Equal(t, updated.UpdatedAt, again.UpdatedAt)
	})

	t.Run("terminal sessions reject transitions", func(t *testing.T) {
		_, err := store.UpdateStatus(ctx, "s-1", domain.SessionStatusCompleted)
		require.NoError(t, err)

		current, err := store.UpdateStatus(ctx, "s-1", domain.SessionStatusExpired)
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
		assert.Equal(t, domain.SessionStatusCompleted, current.Status)
	})

	t.Run("missing session", func(t *testing.T) {
		_, err := store.UpdateStatus(ctx, "missing", domain.SessionStatusExpired)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})
}

func TestSessionStore_ListExpired(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Create(ctx, newSession("late", now.Add(-time.Minute))))
	require.NoError(t, store.Create(ctx, newSession("later", now.Add(-2*time.Minute))))
	require.NoError(t, store.Create(ctx, newSession("fresh", now.Add(time.Minute))))

	processing := newSession("processing", now.Add(-3*time.Minute))
	require.NoError(t, store.Create(ctx, processing))
	_, err := store.UpdateStatus(ctx, "processing", domain.SessionStatusPaymentProcessing)
	require.NoError(t, err)

	done := newSession("done", now.Add(-4*time.Minute))
	require.NoError(t, store.Create(ctx, done))
	_, err = store.UpdateStatus(ctx, "done", domain.SessionStatusAbandoned)
	require.NoError(t, err)

	expired, err := store.ListExpired(ctx, now, 0)
	require.NoError(t, err)
	ids := make([]string, 0, len(expired))
	for _, s := range expired {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"processing", "later", "late"}, ids)

	limited, err := store.ListExpired(ctx, now, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
	assert.Equal(t, "processing", limited[0].ID)
}

func TestSessionStore_ListByStatus(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"a", "b"} {
		require.NoError(t, store.Create(ctx, newSession(id, now.Add(time.Minute))))
		_, err := store.UpdateStatus(ctx, id, domain.SessionStatusPaymentProcessing)
		require.NoError(t, err)
	}
	require.NoError(t, store.Create(ctx, newSession("c", now.Add(time.Minute))))

	sessions, err := store.ListByStatus(ctx, domain.SessionStatusPaymentProcessing, 0)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.Equal(t, domain.SessionStatusPaymentProcessing, s.Status)
	}
}

func TestSessionStore_PrunesIndexAfterKeyExpiry(t *testing.T) {
	store, mr := setupTestRedis(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, store.Create(ctx, newSession("gone", now.Add(-time.Minute))))
	mr.FastForward(2 * time.Hour)

	expired, err := store.ListExpired(ctx, now, 0)
	require.NoError(t, err)
	assert.Empty(t, expired)

	members, err := mr.ZMembers(statusKey(domain.SessionStatusPending))
	if err == nil {
		assert.Empty(t, members)
	}
}

func TestSessionStore_Ping(t *testing.T) {
	store, mr := setupTestRedis(t)
	require.NoError(t, store.Ping(context.Background()))

	mr.Close()
	assert.Error(t, store.Ping(context.Background()))
}
