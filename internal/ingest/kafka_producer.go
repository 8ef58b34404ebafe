package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/dynamic-dispatch/internal/models"
)

var ErrInvalidLocation = errors.New("invalid location update")

const publishTimeout = 2 * time.Second

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes agent location pushes and dispatch audit events.
// Each message carries its own topic so one writer serves both streams.
type KafkaProducer struct {
	writer        messageWriter
	locationTopic string
	eventsTopic   string
}

func NewKafkaProducer(brokers []string, locationTopic, eventsTopic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w, locationTopic: locationTopic, eventsTopic: eventsTopic}
}

// PublishLocation keys by agent ID so one agent's pushes stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, u models.LocationUpdate) error {
	b, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode location %s: %w", u.AgentID, err)
	}
	return k.write(ctx, kafka.Message{Topic: k.locationTopic, Key: []byte(u.AgentID), Value: b})
}

// Append implements the audit sink on the events topic.
func (k *KafkaProducer) Append(ctx context.Context, rec models.AuditRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit %s: %w", rec.RequestID, err)
	}
	return k.write(ctx, kafka.Message{
		Topic:   k.eventsTopic,
		Key:     []byte(rec.RequestID),
		Value:   b,
		Headers: []kafka.Header{{Key: "outcome", Value: []byte(rec.Outcome)}},
	})
}

func (k *KafkaProducer) write(ctx context.Context, m kafka.Message) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, m); err != nil {
		return fmt.Errorf("kafka publish %s: %w", m.Topic, err)
	}
	return nil
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// DecodeLocation parses a location message and rejects pushes the location
// store could not index.
func DecodeLocation(b []byte) (models.LocationUpdate, error) {
	var u models.LocationUpdate
	if err := json.Unmarshal(b, &u); err != nil {
		return u, fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	if u.AgentID == "" {
		return u, fmt.Errorf("%w: missing agent_id", ErrInvalidLocation)
	}
	if !u.Loc.Valid() {
		return u, fmt.Errorf("%w: coordinate %+v", ErrInvalidLocation, u.Loc)
	}
	return u, nil
}
