package projection

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/go-cmp/cmp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
)

// ErrNondeterministicReplay: два прогона одного журнала дали разные проекции.
var ErrNondeterministicReplay = errors.New("replay is not deterministic")

// Projector поддерживает read-модель заказов в актуальном состоянии.
// Читатели допускают кратковременное отставание проекции от журнала.
type Projector struct {
	events domain.EventStore
	store  domain.ProjectionStore
	flight singleflight.Group
	logger *log.Entry
}

// NewProjector создаёт проектор.
func NewProjector(events domain.EventStore, store domain.ProjectionStore, logger *log.Entry) *Projector {
	if logger == nil {
		logger = log.WithField("component", "order-projector")
	}
	return &Projector{events: events, store: store, logger: logger}
}

// Apply доворачивает сохранённую проекцию новыми событиями одного заказа.
// При разрыве последовательности или отклонённом событии проекция перестраивается с нуля.
func (p *Projector) Apply(ctx context.Context, events []domain.OrderEvent) (domain.OrderProjection, error) {
	if len(events) == 0 {
		return domain.OrderProjection{}, nil
	}
	orderID := events[0].AggregateID

	current, err := p.store.Get(ctx, orderID)
	if err != nil && !errors.Is(err, domain.ErrOrderNotFound) {
		return domain.OrderProjection{}, fmt.Errorf("load projection: %w", err)
	}

	for _, e := range events {
		if e.Sequence <= current.Sequence {
			continue
		}
		if applyErr := current.Apply(e); applyErr != nil {
			p.logger.WithError(applyErr).WithFields(log.Fields{
				"order_id": orderID,
				"sequence": e.Sequence,
			}).Debug("incremental projection failed, replaying")
			return p.Replay(ctx, orderID)
		}
	}

	if err := p.store.Save(ctx, current); err != nil {
		return domain.OrderProjection{}, fmt.Errorf("save projection: %w", err)
	}
	return current, nil
}

// Replay перестраивает проекцию из журнала и сохраняет её.
func (p *Projector) Replay(ctx context.Context, orderID string) (domain.OrderProjection, error) {
	projection, err := p.fold(ctx, orderID)
	if err != nil {
		return domain.OrderProjection{}, err
	}
	if err := p.store.Save(ctx, projection); err != nil {
		return domain.OrderProjection{}, fmt.Errorf("save projection: %w", err)
	}
	return projection, nil
}

// Get читает проекцию. Промах перестраивает её из журнала; параллельные
// промахи по одному заказу схлопываются в один replay.
func (p *Projector) Get(ctx context.Context, orderID string) (domain.OrderProjection, error) {
	projection, err := p.store.Get(ctx, orderID)
	if err == nil {
		return projection, nil
	}
	if !errors.Is(err, domain.ErrOrderNotFound) {
		p.logger.WithError(err).WithField("order_id", orderID).Warn("projection store read failed, replaying")
	}

	v, err, _ := p.flight.Do(orderID, func() (any, error) {
		return p.Replay(ctx, orderID)
	})
	if err != nil {
		return domain.OrderProjection{}, err
	}
	return v.(domain.OrderProjection).Clone(), nil
}

// Verify дважды сворачивает журнал и сверяет результаты между собой и с сохранённой проекцией той же версии.
func (p *Projector) Verify(ctx context.Context, orderID string) (domain.OrderProjection, error) {
	first, err := p.fold(ctx, orderID)
	if err != nil {
		return domain.OrderProjection{}, err
	}
	second, err := p.fold(ctx, orderID)
	if err != nil {
		return domain.OrderProjection{}, err
	}
	if diff := cmp.Diff(first, second); diff != "" {
		return first, fmt.Errorf("%w: order %s (-first +second):\n%s", ErrNondeterministicReplay, orderID, diff)
	}

	stored, err := p.store.Get(ctx, orderID)
	if err == nil && stored.Sequence == first.Sequence {
		if diff := cmp.Diff(stored, first); diff != "" {
			return first, fmt.Errorf("%w: order %s stored projection differs (-stored +replayed):\n%s", ErrNondeterministicReplay, orderID, diff)
		}
	}
	return first, nil
}

func (p *Projector) fold(ctx context.Context, orderID string) (domain.OrderProjection, error) {
	events, err := p.events.Load(ctx, orderID)
	if err != nil {
		return domain.OrderProjection{}, fmt.Errorf("load events: %w", err)
	}
	if len(events) == 0 {
		return domain.OrderProjection{}, domain.ErrOrderNotFound
	}
	projection, err := domain.Replay(events)
	if err != nil {
		return domain.OrderProjection{}, fmt.Errorf("replay order %s: %w", orderID, err)
	}
	return projection, nil
}
