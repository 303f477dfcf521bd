package rabbit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/example/email-dispatch-service/internal/config"
	"github.com/example/email-dispatch-service/internal/models"
)

// pollInterval is the pause between empty basic.get probes while draining a
// batch; it bounds how quickly the reader notices new messages without
// busy-looping against the broker.
const pollInterval = 100 * time.Millisecond

// Meta is the broker-assigned delivery handle of a fetched message. It is
// opaque to content and used only for logging and acknowledgment.
type Meta struct {
	Exchange    string
	RoutingKey  string
	DeliveryTag uint64
}

// Message is one decoded queue message. Malformed payloads decode to an
// empty EmailPayload and keep their Meta so the outer ack/nack decision can
// still cover them.
type Message struct {
	Payload models.EmailPayload
	Meta    Meta
}

// Reader drains bounded batches from the consuming queue within a wall-clock
// budget.
type Reader struct {
	cfg    config.RabbitConfig
	source BrokerSource
	logger zerolog.Logger
}

// NewReader constructs a batch reader over the supplied broker source.
func NewReader(cfg config.RabbitConfig, source BrokerSource, logger zerolog.Logger) (*Reader, error) {
	if source == nil {
		return nil, errors.New("rabbit: broker source is required")
	}
	if cfg.BatchSize < 1 {
		return nil, errors.New("rabbit: batch size must be >= 1")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Reader{
		cfg:    cfg,
		source: source,
		logger: logger.With().Str("component", "rabbit_reader").Logger(),
	}, nil
}

// Read collects up to BatchSize messages, never spending more than the
// configured budget of wall time. An empty queue yields an empty batch once
// the budget is exhausted; the call never blocks beyond it.
func (r *Reader) Read(ctx context.Context) ([]amqp.Delivery, error) {
	deadline := time.Now().Add(r.cfg.ReadBudget())
	var out []amqp.Delivery

	for len(out) < r.cfg.BatchSize {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		delivery, ok, err := r.source.Get()
		if err != nil {
			return nil, fmt.Errorf("rabbit: read: %w", err)
		}
		if ok {
			out = append(out, delivery)
			continue
		}

		wait := pollInterval
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return out, ctx.Err()
		case <-timer.C:
		}
	}

	r.logger.Info().Int("count", len(out)).Msg("read messages from rabbitmq")
	return out, nil
}

// Decode parses a delivery body as an email payload. Parse failures are
// logged with the delivery metadata and produce an empty payload rather than
// failing the batch.
func (r *Reader) Decode(delivery amqp.Delivery) Message {
	meta := Meta{
		Exchange:    delivery.Exchange,
		RoutingKey:  delivery.RoutingKey,
		DeliveryTag: delivery.DeliveryTag,
	}

	var payload models.EmailPayload
	if err := json.Unmarshal(delivery.Body, &payload); err != nil {
		r.logger.Error().
			Str("exchange", meta.Exchange).
			Str("routing_key", meta.RoutingKey).
			Uint64("delivery_tag", meta.DeliveryTag).
			Err(err).
			Msg("failed to decode message payload")
		payload = models.EmailPayload{}
	}

	return Message{Payload: payload, Meta: meta}
}

// Reset obtains a clean channel from the underlying connection.
func (r *Reader) Reset() error {
	return r.source.Reset()
}

// Close shuts the underlying connection down.
func (r *Reader) Close() error {
	return r.source.Close()
}
