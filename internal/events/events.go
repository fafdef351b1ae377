package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/park-rides/internal/observability"
)

type Type string

const (
	QueueJoined    Type = "queue.joined"
	QueueLeft      Type = "queue.left"
	RideBooked     Type = "ride.booked"
	PackageBooked  Type = "package.booked"
	RideCreated    Type = "ride.created"
	RideUpdated    Type = "ride.updated"
	RideDeleted    Type = "ride.deleted"
	RideReviewed   Type = "ride.reviewed"
	PackageCreated Type = "package.created"
	PackageUpdated Type = "package.updated"
	PackageDeleted Type = "package.deleted"
)

// Event is a domain fact published after the store acknowledged the write.
type Event struct {
	Type      Type      `json:"type"`
	RideID    string    `json:"rideId,omitempty"`
	PackageID string    `json:"packageId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	At        time.Time `json:"at"`
}

// Key partitions events by the entity they concern.
func (e Event) Key() string {
	switch {
	case e.RideID != "":
		return e.RideID
	case e.PackageID != "":
		return e.PackageID
	}
	return e.UserID
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.Key()), Value: b})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Nop drops every event. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Emit publishes best effort. A failed publish never undoes the write it
// describes; it is logged and counted.
func Emit(ctx context.Context, p Publisher, logger *slog.Logger, e Event) {
	if p == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	if err := p.Publish(ctx, e); err != nil {
		observability.EventsPublishFailed.Inc()
		logger.Warn("publish event failed", "type", e.Type, "key", e.Key(), "error", err)
	}
}
