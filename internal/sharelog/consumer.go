// Package sharelog consumes framed share records from the Kafka share
// log. The log is the source of truth: on startup the consumer rewinds
// a bounded backlog behind the tail so the windowed stats can be
// rebuilt without any local persistence.
package sharelog

import (
	"errors"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// ErrEndOfLog marks a benign end-of-partition poll result. The caller
// keeps polling.
var ErrEndOfLog = errors.New("sharelog: reached end of partition")

// FatalError wraps a broker error the consumer cannot recover from,
// such as an unknown topic or partition.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("sharelog: fatal broker error: %v", e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err requires terminating the process.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// Record is one framed payload pulled off the log.
type Record struct {
	Value     []byte
	Partition int32
	Offset    int64
}

// Source is the ingestion loop's view of the share log. Start seats
// the cursor backlog records behind the tail; Fetch returns (nil, nil)
// when the poll times out with nothing to deliver.
type Source interface {
	Start(backlog int64, timeout time.Duration) error
	Fetch(timeout time.Duration) (*Record, error)
	Close() error
}

// KafkaSource reads one partition of the share-log topic.
type KafkaSource struct {
	consumer  *kafka.Consumer
	topic     string
	partition int32
}

// NewKafkaSource creates a consumer for the given partition. No
// connection is attempted until Start.
func NewKafkaSource(brokers, topic string, partition int32, groupID string) (*KafkaSource, error) {
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers":    brokers,
		"group.id":             groupID,
		"enable.auto.commit":   false,
		"enable.partition.eof": true,
	})
	if err != nil {
		return nil, fmt.Errorf("sharelog: create consumer: %w", err)
	}

	return &KafkaSource{
		consumer:  consumer,
		topic:     topic,
		partition: partition,
	}, nil
}

// Start probes the broker and seats the consumer backlog records
// behind the current tail. An unreachable broker fails startup.
func (s *KafkaSource) Start(backlog int64, timeout time.Duration) error {
	if _, err := s.consumer.GetMetadata(&s.topic, false, int(timeout.Milliseconds())); err != nil {
		return fmt.Errorf("sharelog: broker not reachable: %w", err)
	}

	tp := kafka.TopicPartition{
		Topic:     &s.topic,
		Partition: s.partition,
		Offset:    kafka.OffsetTail(kafka.Offset(backlog)),
	}
	if err := s.consumer.Assign([]kafka.TopicPartition{tp}); err != nil {
		return fmt.Errorf("sharelog: assign %s[%d]: %w", s.topic, s.partition, err)
	}

	return nil
}

// Fetch polls the broker once. Timeouts yield (nil, nil), partition
// EOF yields ErrEndOfLog, unknown topic/partition yields a FatalError,
// anything else is transient.
func (s *KafkaSource) Fetch(timeout time.Duration) (*Record, error) {
	ev := s.consumer.Poll(int(timeout.Milliseconds()))
	if ev == nil {
		return nil, nil
	}

	switch e := ev.(type) {
	case *kafka.Message:
		if e.TopicPartition.Error != nil {
			return nil, classify(e.TopicPartition.Error)
		}
		return &Record{
			Value:     e.Value,
			Partition: e.TopicPartition.Partition,
			Offset:    int64(e.TopicPartition.Offset),
		}, nil
	case kafka.PartitionEOF:
		return nil, ErrEndOfLog
	case kafka.Error:
		return nil, classify(e)
	default:
		return nil, nil
	}
}

// Close shuts down the consumer.
func (s *KafkaSource) Close() error {
	return s.consumer.Close()
}

func classify(err error) error {
	var ke kafka.Error
	if errors.As(err, &ke) {
		switch ke.Code() {
		case kafka.ErrUnknownTopic, kafka.ErrUnknownPartition, kafka.ErrUnknownTopicOrPart:
			return &FatalError{Err: err}
		}
	}
	return err
}
