// Package sweeper освобождает остаток просроченных резервов и закрывает истёкшие checkout-сессии.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

const (
	defaultInterval    = 30 * time.Second
	defaultBatchSize   = 200
	defaultConcurrency = 8
)

var (
	sweepRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_sweeper_runs_total",
		Help: "Total number of expiry sweeper runs grouped by result.",
	}, []string{"result"})
	sweepExpiredReservations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkout_sweeper_expired_reservations_total",
		Help: "Total number of reservations moved to EXPIRED by the sweeper.",
	})
	sweepExpiredSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkout_sweeper_expired_sessions_total",
		Help: "Total number of expired checkout sessions handled by the sweeper grouped by result.",
	}, []string{"result"})
)

// Expirer компенсирует сагу истёкшей сессии.
type Expirer interface {
	Expire(ctx context.Context, sessionID, reason string) (domain.OrderProjection, error)
}

// Result: итог одного прохода.
type Result struct {
	ExpiredReservations int
	ExpiredSessions     int
	FailedSessions      int
}

// Options задаёт параметры Sweeper.
type Options struct {
	Logger      *log.Entry
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	Clock       func() time.Time
}

// Option настраивает Sweeper.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithInterval задаёт период между проходами.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.Interval = interval
	}
}

// WithBatchSize ограничивает число резервов и сессий за проход.
func WithBatchSize(batchSize int) Option {
	return func(opts *Options) {
		opts.BatchSize = batchSize
	}
}

// WithConcurrency ограничивает число одновременно компенсируемых сессий.
func WithConcurrency(n int) Option {
	return func(opts *Options) {
		opts.Concurrency = n
	}
}

// WithClock подменяет источник времени.
func WithClock(clock func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = clock
	}
}

// Sweeper периодически переводит просроченные резервы в EXPIRED и
// запускает компенсацию саги для их сессий.
type Sweeper struct {
	ledger      domain.ReservationLedger
	sessions    domain.SessionStore
	expirer     Expirer
	logger      *log.Entry
	interval    time.Duration
	batchSize   int
	concurrency int
	now         func() time.Time
}

// New создаёт Sweeper.
func New(ledger domain.ReservationLedger, sessions domain.SessionStore, expirer Expirer, options ...Option) *Sweeper {
	opts := Options{
		Interval:    defaultInterval,
		BatchSize:   defaultBatchSize,
		Concurrency: defaultConcurrency,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "expiry-sweeper")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Sweeper{
		ledger:      ledger,
		sessions:    sessions,
		expirer:     expirer,
		logger:      logger,
		interval:    opts.Interval,
		batchSize:   opts.BatchSize,
		concurrency: opts.Concurrency,
		now:         clock,
	}
}

// Run выполняет проход сразу и далее по таймеру до отмены ctx.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		res, err := s.SweepOnce(ctx, s.now().UTC())
		switch {
		case errors.Is(err, context.Canceled):
			return
		case err != nil:
			s.logger.WithError(err).Warn("expiry sweep failed")
		case res.ExpiredReservations > 0 || res.ExpiredSessions > 0 || res.FailedSessions > 0:
			s.logger.WithFields(log.Fields{
				"reservations": res.ExpiredReservations,
				"sessions":     res.ExpiredSessions,
				"failed":       res.FailedSessions,
			}).Info("expiry sweep completed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce переводит просроченные резервы в EXPIRED и вызывает Expire по одному
// разу для каждой затронутой или истёкшей сессии. Сбой одной сессии не
// останавливает проход: она будет подобрана следующим.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (Result, error) {
	var res Result

	swept, err := s.ledger.SweepExpired(ctx, now, s.batchSize)
	res.ExpiredReservations = len(swept)
	sweepExpiredReservations.Add(float64(len(swept)))
	if err != nil {
		sweepRunsTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("sweep reservations: %w", err)
	}

	expired, err := s.sessions.ListExpired(ctx, now, s.batchSize)
	if err != nil {
		sweepRunsTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("list expired sessions: %w", err)
	}

	ids := sessionIDs(swept, expired)
	var ok, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := s.expirer.Expire(gctx, id, domain.ReasonSessionExpired); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				failed.Add(1)
				sweepExpiredSessions.WithLabelValues("error").Inc()
				s.logger.WithError(err).WithField("session_id", id).Warn("session expiry failed")
				return nil
			}
			ok.Add(1)
			sweepExpiredSessions.WithLabelValues("ok").Inc()
			return nil
		})
	}
	err = g.Wait()

	res.ExpiredSessions = int(ok.Load())
	res.FailedSessions = int(failed.Load())
	if err != nil {
		return res, err
	}
	sweepRunsTotal.WithLabelValues("ok").Inc()
	return res, nil
}

// sessionIDs объединяет сессии просроченных резервов и истёкшие сессии без повторов.
func sessionIDs(swept []domain.Reservation, expired []domain.CheckoutSession) []string {
	seen := make(map[string]struct{}, len(swept)+len(expired))
	for _, r := range swept {
		seen[r.SessionID] = struct{}{}
	}
	for _, sess := range expired {
		seen[sess.ID] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
