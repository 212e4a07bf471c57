package checkout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

// CreateCommand: снимок корзины, присланный клиентом.
type CreateCommand struct {
	CustomerID      string
	Currency        string
	Lines           []domain.CartLine
	TaxMinor        int64
	ShippingMinor   int64
	TotalMinor      int64
	ShippingAddress domain.Address
	// BillingAddress необязателен: пустой адрес заменяется адресом доставки.
	BillingAddress domain.Address
}

// Options задаёт параметры Service.
type Options struct {
	Logger *log.Entry
	TTL    time.Duration
	Clock  func() time.Time
}

// Option настраивает Service.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithTTL задаёт срок жизни сессии.
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = ttl
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// Service создаёт и читает checkout-сессии.
type Service struct {
	store  domain.SessionStore
	logger *log.Entry
	ttl    time.Duration
	now    func() time.Time
}

// NewService создаёт сервис checkout-сессий.
func NewService(store domain.SessionStore, options ...Option) *Service {
	opts := Options{TTL: domain.DefaultSessionTTL}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "checkout-service")
	}
	if opts.TTL <= 0 {
		opts.TTL = domain.DefaultSessionTTL
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Service{
		store:  store,
		logger: logger,
		ttl:    opts.TTL,
		now:    clock,
	}
}

// Create проверяет снимок корзины, пересчитывает сумму и сохраняет сессию в PENDING.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (domain.CheckoutSession, error) {
	now := s.now().UTC()

	billing := cmd.BillingAddress
	if billing == (domain.Address{}) {
		billing = cmd.ShippingAddress
	}

	session := domain.CheckoutSession{
		ID:              uuid.NewString(),
		OrderID:         uuid.NewString(),
		CustomerID:      strings.TrimSpace(cmd.CustomerID),
		Currency:        strings.ToUpper(strings.TrimSpace(cmd.Currency)),
		Lines:           append([]domain.CartLine(nil), cmd.Lines...),
		SubtotalMinor:   domain.SubtotalOf(cmd.Lines),
		TaxMinor:        cmd.TaxMinor,
		ShippingMinor:   cmd.ShippingMinor,
		TotalMinor:      cmd.TotalMinor,
		ShippingAddress: cmd.ShippingAddress,
		BillingAddress:  billing,
		Status:          domain.SessionStatusPending,
		ExpiresAt:       now.Add(s.ttl),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if problems := session.ValidateInvariants(); len(problems) > 0 {
		return domain.CheckoutSession{}, domain.NewValidationError(problems...)
	}

	if err := s.store.Create(ctx, session); err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("create session: %w", err)
	}

	s.logger.WithFields(log.Fields{
		"session_id":  session.ID,
		"order_id":    session.OrderID,
		"customer_id": session.CustomerID,
		"total_minor": session.TotalMinor,
		"currency":    session.Currency,
		"lines":       len(session.Lines),
	}).Info("checkout session created")

	return session, nil
}

// Get возвращает сессию по ID.
func (s *Service) Get(ctx context.Context, id string) (domain.CheckoutSession, error) {
	return s.store.Get(ctx, id)
}
