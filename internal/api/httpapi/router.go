// Package httpapi: HTTP-интерфейс checkout: создание сессии, запуск саги,
// чтение заказа, возврат и уведомления платёжного шлюза.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout-saga/internal/correlation"
	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/checkout"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/saga"
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	maxBodyBytes          = 1 << 20
)

// Sessions создаёт checkout-сессии.
type Sessions interface {
	Create(ctx context.Context, cmd checkout.CreateCommand) (domain.CheckoutSession, error)
}

// Saga: операции координатора, доступные по HTTP.
type Saga interface {
	Complete(ctx context.Context, sessionID string, cmd saga.CompleteCommand) (domain.OrderProjection, error)
	Refund(ctx context.Context, orderID, reason string) (domain.OrderProjection, error)
	HandlePaymentEvent(ctx context.Context, event domain.GatewayEvent) (domain.OrderProjection, error)
}

// Orders читает проекции заказов.
type Orders interface {
	Get(ctx context.Context, orderID string) (domain.OrderProjection, error)
}

// Stock управляет остатками SKU.
type Stock interface {
	Stock(ctx context.Context, sku string) (domain.StockLevel, error)
	SetStock(ctx context.Context, sku string, total int64) (domain.StockLevel, error)
}

// Options задаёт параметры Handler.
type Options struct {
	Logger         *log.Entry
	Idempotency    domain.IdempotencyRepository
	IdempotencyTTL time.Duration
	RequestTimeout time.Duration
	Clock          func() time.Time
}

// Option настраивает Handler.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithIdempotency включает повтор ответов по заголовку Idempotency-Key.
func WithIdempotency(repo domain.IdempotencyRepository, ttl time.Duration) Option {
	return func(opts *Options) {
		opts.Idempotency = repo
		opts.IdempotencyTTL = ttl
	}
}

// WithRequestTimeout ограничивает время обработки запроса.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(opts *Options) {
		opts.RequestTimeout = timeout
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// Handler обслуживает публичный HTTP API.
type Handler struct {
	sessions Sessions
	saga     Saga
	orders   Orders
	stock    Stock

	idem    domain.IdempotencyRepository
	idemTTL time.Duration
	timeout time.Duration
	logger  *log.Entry
	now     func() time.Time
}

// New создаёт HTTP handler. stock может быть nil: тогда маршруты /inventory не регистрируются.
func New(sessions Sessions, coordinator Saga, orders Orders, stock Stock, options ...Option) *Handler {
	opts := Options{
		IdempotencyTTL: defaultIdempotencyTTL,
		RequestTimeout: defaultRequestTimeout,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = defaultIdempotencyTTL
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Handler{
		sessions: sessions,
		saga:     coordinator,
		orders:   orders,
		stock:    stock,
		idem:     opts.Idempotency,
		idemTTL:  opts.IdempotencyTTL,
		timeout:  opts.RequestTimeout,
		logger:   logger,
		now:      clock,
	}
}

// Routes собирает chi router со всеми маршрутами API.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(correlation.Middleware)
	r.Use(h.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(h.timeout))

	r.Route("/checkout-sessions", func(r chi.Router) {
		r.Post("/", h.createSession)
		r.Post("/{sessionID}/complete", h.completeSession)
	})
	r.Route("/orders/{orderID}", func(r chi.Router) {
		r.Get("/", h.getOrder)
		r.Post("/refund", h.refundOrder)
	})
	r.Post("/payments/webhook", h.paymentWebhook)

	if h.stock != nil {
		r.Route("/inventory/{sku}", func(r chi.Router) {
			r.Get("/", h.getStock)
			r.Put("/", h.setStock)
		})
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "not_found", "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := h.now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		entry := h.logger.WithFields(log.Fields{
			"method":         r.Method,
			"path":           r.URL.Path,
			"status":         ww.Status(),
			"duration_ms":    h.now().Sub(start).Milliseconds(),
			"request_id":     middleware.GetReqID(r.Context()),
			"correlation_id": correlation.FromContext(r.Context()),
		})
		if ww.Status() >= http.StatusInternalServerError {
			entry.Warn("http request failed")
			return
		}
		entry.Debug("http request served")
	})
}
