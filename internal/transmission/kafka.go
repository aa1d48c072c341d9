package transmission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/jkaberg/dock-station/internal/domain"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaTransmitter publishes every transmitted snapshot to a topic, keyed
// by station so one partition keeps a station's history in order.
type KafkaTransmitter struct {
	writer    MessageWriter
	deviceID  string
	logger    *logrus.Logger
	connected atomic.Bool
}

// NewKafkaWriter builds the writer for the configured brokers.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
}

func NewKafkaTransmitter(w MessageWriter, deviceID string, logger *logrus.Logger) *KafkaTransmitter {
	return &KafkaTransmitter{writer: w, deviceID: deviceID, logger: logger}
}

func (k *KafkaTransmitter) Transmit(ctx context.Context, snap *domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(k.deviceID),
		Value: data,
		Time:  snap.Timestamp,
	})
	if err != nil {
		k.connected.Store(false)
		return fmt.Errorf("kafka write: %w", err)
	}
	k.connected.Store(true)
	k.logger.WithField("size", len(data)).Debug("Published station status to Kafka")
	return nil
}

// IsConnected reports whether the last write succeeded.
func (k *KafkaTransmitter) IsConnected() bool {
	return k.connected.Load()
}

func (k *KafkaTransmitter) Close() error {
	return k.writer.Close()
}
