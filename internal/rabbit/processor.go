package rabbit

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/example/email-dispatch-service/internal/config"
)

// ErrReadRetriesExhausted is returned when every batch-read attempt failed.
// It aborts the current service-loop cycle; the loop itself carries on.
var ErrReadRetriesExhausted = errors.New("rabbit: batch read retries exhausted")

// Handler processes one decoded batch. A non-nil error triggers the
// nack-all-and-reset exit path for every fetched message.
type Handler func(ctx context.Context, msgs []Message) error

// Processor is the scoped acquisition region around a batch: it reads with
// retries, runs the handler, and guarantees exactly one of ack-all or
// nack-all-and-reset on every exit path. There is no partial acknowledgment
// within a batch; redelivery of already-processed messages after a late
// failure is the accepted at-least-once tradeoff.
type Processor struct {
	cfg    config.RabbitConfig
	reader *Reader
	logger zerolog.Logger
}

// NewProcessor constructs a batch processor over the supplied reader.
func NewProcessor(cfg config.RabbitConfig, reader *Reader, logger zerolog.Logger) (*Processor, error) {
	if reader == nil {
		return nil, errors.New("rabbit: reader is required")
	}
	if cfg.MaxRetries < 1 {
		return nil, errors.New("rabbit: max retries must be >= 1")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Processor{
		cfg:    cfg,
		reader: reader,
		logger: logger.With().Str("component", "rabbit_processor").Logger(),
	}, nil
}

// ProcessBatch runs one full acquire-process-acknowledge cycle. Every
// fetched message is acknowledged when the handler succeeds, or negatively
// acknowledged (with requeue) and the connection reset when it fails —
// including messages whose payloads did not decode.
func (p *Processor) ProcessBatch(ctx context.Context, handle Handler) error {
	deliveries, err := p.readWithRetries(ctx)
	if err != nil {
		return err
	}

	decoded := make([]Message, 0, len(deliveries))
	for _, d := range deliveries {
		decoded = append(decoded, p.reader.Decode(d))
	}

	if err := handle(ctx, decoded); err != nil {
		p.logger.Error().
			Int("count", len(deliveries)).
			Err(err).
			Msg("batch processing failed, nacking fetched messages")
		p.nackAll(deliveries)
		if resetErr := p.reader.Reset(); resetErr != nil {
			p.logger.Error().Err(resetErr).Msg("connection reset after failed batch failed")
		}
		return err
	}

	p.ackAll(deliveries)
	return nil
}

func (p *Processor) readWithRetries(ctx context.Context) ([]amqp.Delivery, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		deliveries, err := p.reader.Read(ctx)
		if err == nil {
			return deliveries, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err

		if attempt == p.cfg.MaxRetries-1 {
			break
		}

		backoff := p.cfg.RetryDelay() * (1 << attempt)
		p.logger.Warn().
			Int("attempt", attempt+1).
			Int("max_retries", p.cfg.MaxRetries).
			Dur("backoff", backoff).
			Err(err).
			Msg("batch read failed, retrying on a fresh connection")
		if !wait(ctx, backoff) {
			return nil, ctx.Err()
		}
		if resetErr := p.reader.Reset(); resetErr != nil {
			p.logger.Error().Err(resetErr).Msg("connection reset before retry failed")
		}
	}

	p.logger.Error().Err(lastErr).Msg("batch read failed after all retries")
	return nil, fmt.Errorf("%w: %v", ErrReadRetriesExhausted, lastErr)
}

func (p *Processor) ackAll(deliveries []amqp.Delivery) {
	for _, d := range deliveries {
		if err := d.Ack(false); err != nil {
			p.logger.Error().Uint64("delivery_tag", d.DeliveryTag).Err(err).Msg("ack failed")
		}
	}
	p.logger.Info().Int("count", len(deliveries)).Msg("batch acknowledged")
}

func (p *Processor) nackAll(deliveries []amqp.Delivery) {
	for _, d := range deliveries {
		if err := d.Nack(false, true); err != nil {
			p.logger.Error().Uint64("delivery_tag", d.DeliveryTag).Err(err).Msg("nack failed")
		}
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
