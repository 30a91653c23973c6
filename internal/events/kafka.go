package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// SyncProducer is the slice of sarama.SyncProducer the sink uses.
type SyncProducer interface {
	SendMessage(msg *sarama.ProducerMessage) (partition int32, offset int64, err error)
	Close() error
}

// KafkaSink publishes outcomes as JSON keyed by tenant so one tenant's
// outcomes stay ordered within a partition.
type KafkaSink struct {
	producer SyncProducer
	topic    string
}

func NewKafkaSink(producer SyncProducer, topic string) (*KafkaSink, error) {
	if producer == nil {
		return nil, errors.New("kafka sink: producer is required")
	}
	if topic == "" {
		return nil, errors.New("kafka sink: topic is required")
	}
	return &KafkaSink{producer: producer, topic: topic}, nil
}

// DialKafkaSink connects a sarama sync producer to brokers.
func DialKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka sink: at least one broker is required")
	}
	producer, err := sarama.NewSyncProducer(brokers, producerConfig())
	if err != nil {
		return nil, fmt.Errorf("kafka sink: create producer: %w", err)
	}
	return NewKafkaSink(producer, topic)
}

func (s *KafkaSink) Publish(_ context.Context, outcome Outcome) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("source"), Value: []byte(outcome.Source)},
			{Key: []byte("outcome"), Value: []byte(outcome.Outcome)},
		},
	}
	if outcome.TenantID != "" {
		msg.Key = sarama.StringEncoder(outcome.TenantID)
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("kafka sink: send: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}

func producerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 6
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	return cfg
}
