package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/smdydx/UserAuthSystem/libs/kafka"
	"github.com/smdydx/UserAuthSystem/libs/logging"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Message is one outbound notification. ID identifies the record it was
// generated for and doubles as the idempotency key downstream.
type Message struct {
	ID          string
	Kind        string
	Channel     Channel
	Destination string
	Subject     string
	Body        string
}

// Dispatcher hands a message to a delivery channel. A returned error means
// the message was not accepted for delivery.
type Dispatcher interface {
	Send(ctx context.Context, msg Message) error
}

// LogDispatcher only logs. Used in dev and test where no delivery worker
// runs. Bodies carry secrets, so they are logged only when ShowBody is set.
type LogDispatcher struct {
	Logger   *slog.Logger
	ShowBody bool
}

func (d LogDispatcher) Send(ctx context.Context, msg Message) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []slog.Attr{
		slog.String("kind", msg.Kind),
		slog.String("channel", string(msg.Channel)),
		slog.String("destination", maskDestination(msg)),
	}
	if d.ShowBody {
		attrs = append(attrs, slog.String("body", msg.Body))
	}
	logger.LogAttrs(ctx, slog.LevelInfo, "notification dispatched", attrs...)
	return nil
}

type DeliveryRequest struct {
	kafka.Envelope
	Kind        string `json:"kind"`
	Channel     string `json:"channel"`
	Destination string `json:"destination"`
	Subject     string `json:"subject,omitempty"`
	Body        string `json:"body"`
}

const deliveryEventType = "notification.requested"

// KafkaDispatcher publishes delivery requests for the notification worker.
type KafkaDispatcher struct {
	publisher kafka.Publisher
	topic     string
	now       func() time.Time
}

func NewKafkaDispatcher(publisher kafka.Publisher, topic string) *KafkaDispatcher {
	return &KafkaDispatcher{publisher: publisher, topic: topic, now: time.Now}
}

func (d *KafkaDispatcher) Send(ctx context.Context, msg Message) error {
	if msg.Destination == "" {
		return fmt.Errorf("notification destination required")
	}
	env, err := kafka.NewEnvelopeWithID(kafka.DeterministicEventID(msg.Kind, msg.ID), deliveryEventType, 1, msg.ID, d.now())
	if err != nil {
		return err
	}
	req := DeliveryRequest{
		Envelope:    env,
		Kind:        msg.Kind,
		Channel:     string(msg.Channel),
		Destination: msg.Destination,
		Subject:     msg.Subject,
		Body:        msg.Body,
	}
	if _, _, err := d.publisher.PublishJSON(ctx, d.topic, msg.Destination, req); err != nil {
		return fmt.Errorf("publish delivery request: %w", err)
	}
	return nil
}

func maskDestination(msg Message) string {
	if msg.Channel == ChannelEmail {
		return logging.MaskEmail(msg.Destination)
	}
	if n := len(msg.Destination); n > 4 {
		return "***" + msg.Destination[n-4:]
	}
	return "***"
}
