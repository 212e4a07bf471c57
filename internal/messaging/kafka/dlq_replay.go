package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const (
	defaultReplayLimit       = 100
	defaultReplayIdleTimeout = 2 * time.Second
)

// ReplayConfig задаёт параметры возврата сообщений из DLQ.
type ReplayConfig struct {
	SourceTopic string
	// TargetTopic используется, если в письме не указан исходный topic.
	TargetTopic string
	Limit       int
	// Execute=false только перечисляет кандидатов (dry-run).
	Execute     bool
	FromNewest  bool
	IdleTimeout time.Duration
}

// DefaultReplayConfig возвращает параметры по умолчанию.
func DefaultReplayConfig() ReplayConfig {
	return ReplayConfig{
		SourceTopic: TopicDeadLetterQueue,
		TargetTopic: TopicOrderEvents,
		Limit:       defaultReplayLimit,
		IdleTimeout: defaultReplayIdleTimeout,
	}
}

// Validate проверяет параметры.
func (c ReplayConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.SourceTopic) == "" {
		errs = append(errs, errors.New("source topic is required"))
	}
	if strings.TrimSpace(c.TargetTopic) == "" {
		errs = append(errs, errors.New("target topic is required"))
	}
	if c.Limit <= 0 {
		errs = append(errs, errors.New("limit must be > 0"))
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("idle timeout must be > 0"))
	}
	return errors.Join(errs...)
}

// ReplayStats: итог прохода по DLQ.
type ReplayStats struct {
	Processed int `json:"processed"`
	Replayed  int `json:"replayed"`
	Skipped   int `json:"skipped"`
}

func (s *ReplayStats) add(other ReplayStats) {
	s.Processed += other.Processed
	s.Replayed += other.Replayed
	s.Skipped += other.Skipped
}

// OffsetClient: часть sarama.Client, нужная для чтения границ partition.
type OffsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

// PartitionConsumer: часть sarama.PartitionConsumer.
type PartitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

// PartitionSource открывает чтение partition с заданного offset.
type PartitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (PartitionConsumer, error)
	Close() error
}

// Sender публикует сообщение; ему удовлетворяет *Producer.
type Sender interface {
	Send(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

type saramaPartitionSource struct {
	consumer sarama.Consumer
}

func (s saramaPartitionSource) ConsumePartition(topic string, partition int32, offset int64) (PartitionConsumer, error) {
	pc, err := s.consumer.ConsumePartition(topic, partition, offset)
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (s saramaPartitionSource) Close() error {
	if s.consumer == nil {
		return nil
	}
	return s.consumer.Close()
}

// DLQReplayer читает DLQ и возвращает письма в исходные topic'и.
type DLQReplayer struct {
	client  OffsetClient
	source  PartitionSource
	sender  Sender
	closers []func() error
	logger  *log.Entry
}

// NewDLQReplayer собирает replayer из готовых зависимостей. sender может быть nil для dry-run.
func NewDLQReplayer(client OffsetClient, source PartitionSource, sender Sender, logger *log.Entry) *DLQReplayer {
	if logger == nil {
		logger = log.WithField("component", "dlq-replay")
	}
	return &DLQReplayer{client: client, source: source, sender: sender, logger: logger}
}

// DialDLQReplayer подключается к брокерам. Producer создаётся только при execute.
func DialDLQReplayer(brokers []string, execute bool, logger *log.Entry) (*DLQReplayer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = defaultClientID
	cfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	source := saramaPartitionSource{consumer: consumer}

	r := NewDLQReplayer(client, source, nil, logger)
	r.closers = append(r.closers, client.Close, source.Close)
	if !execute {
		return r, nil
	}

	producer, err := NewProducer(brokers)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	r.sender = producer
	r.closers = append(r.closers, producer.Close)
	return r, nil
}

// Close освобождает подключения, открытые DialDLQReplayer.
func (r *DLQReplayer) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// Run проходит partition'ы source topic по возрастанию номера, пока не наберёт Limit сообщений.
func (r *DLQReplayer) Run(ctx context.Context, cfg ReplayConfig) (ReplayStats, error) {
	var total ReplayStats
	if err := cfg.Validate(); err != nil {
		return total, err
	}
	if r.client == nil || r.source == nil {
		return total, errors.New("kafka client and consumer are required")
	}
	if cfg.Execute && r.sender == nil {
		return total, errors.New("producer is required in execute mode")
	}

	partitions, err := r.client.Partitions(cfg.SourceTopic)
	if err != nil {
		return total, fmt.Errorf("get partitions for topic %s: %w", cfg.SourceTopic, err)
	}
	if len(partitions) == 0 {
		r.logger.WithField("topic", cfg.SourceTopic).Warn("source topic has no partitions")
		return total, nil
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		if total.Processed >= cfg.Limit {
			break
		}
		stats, err := r.processPartition(ctx, cfg, partition, cfg.Limit-total.Processed)
		total.add(stats)
		if err != nil {
			return total, err
		}
	}

	mode := "dry-run"
	if cfg.Execute {
		mode = "execute"
	}
	r.logger.WithFields(log.Fields{
		"mode":      mode,
		"processed": total.Processed,
		"replayed":  total.Replayed,
		"skipped":   total.Skipped,
	}).Info("dlq replay finished")

	return total, nil
}

func (r *DLQReplayer) processPartition(ctx context.Context, cfg ReplayConfig, partition int32, limit int) (ReplayStats, error) {
	var stats ReplayStats

	oldest, err := r.client.GetOffset(cfg.SourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return stats, fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := r.client.GetOffset(cfg.SourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return stats, fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return stats, nil
	}

	start := oldest
	if cfg.FromNewest {
		start = max(newest-int64(limit), oldest)
	}

	pc, err := r.source.ConsumePartition(cfg.SourceTopic, partition, start)
	if err != nil {
		return stats, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(cfg.IdleTimeout)
	defer idle.Stop()

	for stats.Processed < limit {
		select {
		case <-ctx.Done():
			return stats, ctx.Err()
		case cerr := <-pc.Errors():
			if cerr != nil {
				return stats, fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}
		case <-idle.C:
			return stats, nil
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil {
				return stats, nil
			}
			idle.Reset(cfg.IdleTimeout)

			if msg.Offset >= newest {
				return stats, nil
			}
			stats.Processed++

			letter, ok, err := ExtractReplay(msg, cfg.TargetTopic)
			if err != nil || !ok {
				stats.Skipped++
				if err != nil {
					r.logger.WithError(err).WithFields(log.Fields{
						"partition": msg.Partition,
						"offset":    msg.Offset,
					}).Warn("skip unsupported dlq message")
				}
				continue
			}

			fields := log.Fields{
				"partition":    msg.Partition,
				"offset":       msg.Offset,
				"target_topic": letter.Topic,
				"key":          letter.Key,
			}
			if cfg.Execute {
				if err := r.sender.Send(ctx, letter.Topic, letter.Key, letter.Value, letter.Headers); err != nil {
					return stats, fmt.Errorf("publish replay message: %w", err)
				}
				r.logger.WithFields(fields).Debug("dlq message replayed")
			} else {
				r.logger.WithFields(fields).Info("dlq replay candidate")
			}
			stats.Replayed++

			if msg.Offset+1 >= newest {
				return stats, nil
			}
		}
	}
	return stats, nil
}

// ReplayMessage: сообщение, восстановленное из письма DLQ.
type ReplayMessage struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// outboxDeadLetter: полезная нагрузка письма, которое outbox-воркер отправил в DLQ.
type outboxDeadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Sequence      int64           `json:"sequence"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload"`
}

// ExtractReplay восстанавливает исходное сообщение из письма DLQ.
// Поддерживаются письма consumer'а (DeadLetter) и outbox-воркера (Envelope с outboxDeadLetter).
// ok=false без ошибки означает неизвестный формат.
func ExtractReplay(msg *sarama.ConsumerMessage, defaultTopic string) (ReplayMessage, bool, error) {
	var letter DeadLetter
	if err := json.Unmarshal(msg.Value, &letter); err == nil && letter.OriginalValue != "" {
		topic := strings.TrimSpace(letter.OriginalTopic)
		if topic == "" {
			topic = defaultTopic
		}
		return ReplayMessage{
			Topic: topic,
			Key:   letter.OriginalKey,
			Value: []byte(letter.OriginalValue),
			// Счётчик сохраняется, чтобы consumer не давал письму бесконечно новых попыток.
			Headers: map[string]string{HeaderRetryCount: strconv.Itoa(letter.RetryCount)},
		}, true, nil
	}

	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil || len(env.Payload) == 0 || string(env.Payload) == "null" {
		return ReplayMessage{}, false, nil
	}

	var dead outboxDeadLetter
	if err := json.Unmarshal(env.Payload, &dead); err != nil {
		return ReplayMessage{}, false, fmt.Errorf("decode outbox dlq payload: %w", err)
	}
	if len(dead.Payload) == 0 {
		return ReplayMessage{}, false, errors.New("outbox dlq payload does not contain original event payload")
	}

	original := Envelope{
		EventID:       firstNonEmpty(dead.OutboxID, env.EventID),
		AggregateType: firstNonEmpty(dead.AggregateType, env.AggregateType),
		AggregateID:   firstNonEmpty(dead.AggregateID, env.AggregateID),
		EventType:     firstNonEmpty(dead.EventType, env.EventType),
		Sequence:      max(dead.Sequence, env.Sequence),
		CorrelationID: firstNonEmpty(dead.CorrelationID, env.CorrelationID),
		OccurredAt:    env.OccurredAt,
		Payload:       dead.Payload,
	}
	value, err := json.Marshal(original)
	if err != nil {
		return ReplayMessage{}, false, fmt.Errorf("encode replay envelope: %w", err)
	}

	key := original.AggregateID
	if key == "" {
		key = original.EventID
	}
	return ReplayMessage{
		Topic: defaultTopic,
		Key:   key,
		Value: value,
		Headers: map[string]string{
			HeaderEventID:       original.EventID,
			HeaderEventType:     original.EventType,
			HeaderCorrelationID: original.CorrelationID,
		},
	}, true, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
