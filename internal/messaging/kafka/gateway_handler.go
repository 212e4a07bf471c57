package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout-saga/internal/correlation"
	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/saga"
)

// PaymentEventHandler применяет уведомление шлюза к заказу.
type PaymentEventHandler interface {
	HandlePaymentEvent(ctx context.Context, event domain.GatewayEvent) (domain.OrderProjection, error)
}

// NewGatewayEventHandler возвращает MessageHandler для topic уведомлений шлюза.
// Итог заказа и устаревшие дубли подтверждаются; повторяются только сбои обработки.
func NewGatewayEventHandler(target PaymentEventHandler, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.WithField("component", "gateway-events")
	}
	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		event, err := ParseGatewayEvent(message)
		if err != nil {
			return err
		}

		if id := headerValue(message, HeaderCorrelationID); id != "" {
			ctx = correlation.WithID(ctx, id)
		}

		fields := log.Fields{
			"event_id":        event.EventID,
			"idempotency_key": event.IdempotencyKey,
			"status":          event.Status,
			"offset":          message.Offset,
		}

		order, err := target.HandlePaymentEvent(ctx, event)
		switch {
		case err == nil, saga.IsOutcome(err):
			logger.WithFields(fields).WithField("order_status", order.Status).Info("gateway event applied")
			return nil
		case errors.Is(err, domain.ErrPaymentStatusConflict):
			logger.WithError(err).WithFields(fields).Warn("stale gateway event ignored")
			return nil
		case errors.Is(err, domain.ErrValidation),
			errors.Is(err, domain.ErrPaymentNotFound),
			errors.Is(err, domain.ErrSessionNotFound):
			return Permanent(err)
		default:
			return err
		}
	}
}

func headerValue(message *sarama.ConsumerMessage, key string) string {
	for _, h := range message.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}
