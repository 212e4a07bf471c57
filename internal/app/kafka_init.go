package app

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/checkout-saga/internal/messaging/kafka"
)

// splitBrokers разбирает список брокеров через запятую, отбрасывая пробелы и пустые элементы.
func splitBrokers(brokers string) []string {
	var result []string
	for _, broker := range strings.Split(brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			result = append(result, broker)
		}
	}
	return result
}

// initKafkaProducer инициализирует Kafka producer если brokers не пустой.
// Возвращает nil, nil если brokers пустой.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	brokerList := splitBrokers(brokers)
	if len(brokerList) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokerList)
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer")
		return nil, err
	}

	logger.WithField("brokers", brokerList).Info("kafka producer initialized")
	return producer, nil
}

// initGatewayConsumer подписывает сагу на уведомления платёжного шлюза.
// Сообщения, не обработанные за все попытки, уходят в DLQ через producer.
func initGatewayConsumer(cfg Config, producer *kafka.Producer, target kafka.PaymentEventHandler, logger *log.Entry) (*kafka.Consumer, error) {
	handler := kafka.NewGatewayEventHandler(target, logger.WithField("layer", "gateway-events"))

	options := []kafka.ConsumerOption{kafka.WithConsumerLogger(logger.WithField("layer", "kafka-consumer"))}
	if producer != nil {
		options = append(options, kafka.WithDLQ(producer, cfg.KafkaDLQTopic))
	}

	consumer, err := kafka.NewConsumer(
		splitBrokers(cfg.KafkaBrokers),
		cfg.KafkaConsumerGroup,
		[]string{cfg.KafkaGatewayTopic},
		handler,
		options...,
	)
	if err != nil {
		return nil, err
	}

	logger.WithFields(log.Fields{
		"topic": cfg.KafkaGatewayTopic,
		"group": cfg.KafkaConsumerGroup,
	}).Info("kafka gateway consumer initialized")
	return consumer, nil
}

// closeKafka закрывает Kafka producer если он не nil.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

// stopConsumer останавливает consumer group если он не nil.
func stopConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer == nil {
		return
	}
	if err := consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop kafka consumer")
	}
}
