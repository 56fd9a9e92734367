// Package kafka delivers outbox records to a Kafka topic with
// github.com/IBM/sarama's SyncProducer, so Handle only returns once the
// broker has acknowledged the message, the same synchronous, one-
// confirmation-per-call delivery shape the rest of this module's sinks use.
package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"

	"oss.nandlabs.io/outboxd/handler"
	"oss.nandlabs.io/outboxd/sink"
)

// TopicFunc resolves the destination topic for a delivery. A nil TopicFunc
// routes every record to Config.Topic.
type TopicFunc func(rec handler.Delivery) string

// Config configures a Sink.
type Config struct {
	Brokers []string
	Topic   string
	Route   TopicFunc

	// RequiredAcks mirrors sarama.RequiredAcks; zero value defaults to
	// sarama.WaitForAll so a successful Handle call means the message is
	// durable on every in-sync replica.
	RequiredAcks sarama.RequiredAcks
}

// Sink is a handler.Handler that produces the record's payload to Kafka,
// partitioned by the record's key, so the per-key ordering guarantee
// the dispatch loop already gives within a partition, carried through to
// the broker side so consumers see one key's messages in order too.
type Sink struct {
	producer sarama.SyncProducer
	cfg      Config
}

// New connects a sarama.SyncProducer to cfg.Brokers and returns a Sink.
func New(cfg Config) (*Sink, error) {
	conf := sarama.NewConfig()
	conf.Producer.Return.Successes = true
	if cfg.RequiredAcks == 0 {
		conf.Producer.RequiredAcks = sarama.WaitForAll
	} else {
		conf.Producer.RequiredAcks = cfg.RequiredAcks
	}
	conf.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Brokers, conf)
	if err != nil {
		return nil, fmt.Errorf("sink/kafka: connect: %w", err)
	}
	return &Sink{producer: producer, cfg: cfg}, nil
}

// Handle implements handler.Handler.
func (s *Sink) Handle(_ context.Context, rec handler.Delivery) error {
	env, err := sink.Build(rec)
	if err != nil {
		return err
	}

	topic := s.cfg.Topic
	if s.cfg.Route != nil {
		topic = s.cfg.Route(rec)
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(rec.Key),
		Value: sarama.ByteEncoder(env.ReadBytes()),
		Headers: []sarama.RecordHeader{
			{Key: []byte(sink.HeaderKey), Value: []byte(rec.Key)},
			{Key: []byte(sink.HeaderRecordType), Value: []byte(rec.RecordType)},
		},
	}

	_, _, err = s.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("sink/kafka: produce to %s: %w", topic, err)
	}
	return nil
}

// Close releases the underlying producer's connections.
func (s *Sink) Close() error {
	return s.producer.Close()
}
