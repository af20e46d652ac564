package deadletter

import (
	"context"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/ajitpratap0/starsync/pkg/cdc"
	"github.com/ajitpratap0/starsync/pkg/errors"
)

// KafkaSink publishes records to a topic keyed by table and primary key,
// so all rejections of one row land on one partition in order.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// KafkaConfig returns the producer configuration used by NewKafkaSink.
func KafkaConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "starsync-dead-letter"
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Compression = sarama.CompressionZSTD
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_6_0_0
	return cfg
}

// NewKafkaSink connects a synchronous producer to brokers.
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) (*KafkaSink, error) {
	producer, err := sarama.NewSyncProducer(brokers, KafkaConfig())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create dead-letter producer")
	}
	return NewKafkaSinkFromProducer(producer, topic, logger), nil
}

// NewKafkaSinkFromProducer wraps an existing producer.
func NewKafkaSinkFromProducer(producer sarama.SyncProducer, topic string, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSink{
		producer: producer,
		topic:    topic,
		logger:   logger.With(zap.String("sink", "kafka"), zap.String("topic", topic)),
	}
}

// Write implements Sink.
func (s *KafkaSink) Write(_ context.Context, records []Record) error {
	msgs := make([]*sarama.ProducerMessage, 0, len(records))
	for i := range records {
		r := &records[i]
		value, err := json.Marshal(r)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode dead-letter record")
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: s.topic,
			Key:   sarama.StringEncoder(r.Table + "/" + cdc.KeyString(r.PrimaryKey)),
			Value: sarama.ByteEncoder(value),
			Headers: []sarama.RecordHeader{
				{Key: []byte("table"), Value: []byte(r.Table)},
				{Key: []byte("error_class"), Value: []byte(r.ErrorClass)},
				{Key: []byte("content-type"), Value: []byte("application/json")},
			},
			Timestamp: r.Timestamp,
		})
	}
	if err := s.producer.SendMessages(msgs); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "failed to publish dead-letter records")
	}
	s.logger.Debug("published dead-letter records", zap.Int("records", len(msgs)))
	return nil
}

// Close implements Sink.
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
