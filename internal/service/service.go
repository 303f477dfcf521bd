package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/email-dispatch-service/internal/config"
	"github.com/example/email-dispatch-service/internal/models"
	"github.com/example/email-dispatch-service/internal/rabbit"
	"github.com/example/email-dispatch-service/internal/render"
)

// BatchProcessor abstracts the rabbit batch acquisition region.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, handle rabbit.Handler) error
}

// Store is the persistence surface the service needs on top of what the
// delivery engine uses: record creation, rendered body storage and the stale
// processing sweep.
type Store interface {
	CreateEmail(ctx context.Context, rec *models.EmailRecord) error
	SetBody(ctx context.Context, id uuid.UUID, body string) error
	MarkFailed(ctx context.Context, id uuid.UUID, sendErr string) error
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Deliverer runs the delivery state machine for one persisted record.
type Deliverer interface {
	Deliver(ctx context.Context, id uuid.UUID) error
}

// Renderer turns a template id and context into an HTML body.
type Renderer interface {
	Render(id string, data map[string]any) (string, error)
}

// Observer receives timing and outcome signals from the service loop. It is
// satisfied by the metrics package.
type Observer interface {
	ObserveHandleMessage(seconds float64)
	BatchResult(result string)
	DeliveryResult(result string)
}

// Service is the top-level worker loop: release stale records, read a batch
// from the queue, persist and deliver each message, acknowledge, sleep,
// repeat.
type Service struct {
	cfg       config.Config
	processor BatchProcessor
	store     Store
	deliverer Deliverer
	renderer  Renderer
	observer  Observer
	logger    zerolog.Logger
	newID     func() uuid.UUID
}

// New wires the service loop. The renderer and observer are optional;
// without a renderer template messages fail permanently, without an observer
// signals are dropped.
func New(cfg config.Config, processor BatchProcessor, st Store, deliverer Deliverer,
	renderer Renderer, observer Observer, logger zerolog.Logger) (*Service, error) {
	if processor == nil {
		return nil, errors.New("service: batch processor is required")
	}
	if st == nil {
		return nil, errors.New("service: store is required")
	}
	if deliverer == nil {
		return nil, errors.New("service: deliverer is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Service{
		cfg:       cfg,
		processor: processor,
		store:     st,
		deliverer: deliverer,
		renderer:  renderer,
		observer:  observer,
		logger:    logger.With().Str("component", "service").Logger(),
		newID:     uuid.New,
	}, nil
}

// Run executes the worker loop until the context is cancelled. Batch
// failures are logged and the loop continues; only cancellation stops it.
func (s *Service) Run(ctx context.Context) error {
	s.logger.Info().
		Str("queue", s.cfg.Rabbit.QueueName).
		Int("batch_size", s.cfg.Rabbit.BatchSize).
		Msg("email dispatch worker started")

	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info().Msg("email dispatch worker stopping")
			return err
		}

		s.sweepStale(ctx)

		var fetched int
		err := s.processor.ProcessBatch(ctx, func(ctx context.Context, msgs []rabbit.Message) error {
			fetched = len(msgs)
			return s.handleBatch(ctx, msgs)
		})
		switch {
		case err == nil && fetched == 0:
			s.batchResult("empty")
		case err == nil:
			s.batchResult("acked")
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			s.logger.Info().Msg("email dispatch worker stopping")
			return err
		default:
			s.batchResult("nacked")
			s.logger.Error().Err(err).Msg("batch cycle failed")
		}

		if !wait(ctx, s.cfg.App.IdleInterval()) {
			s.logger.Info().Msg("email dispatch worker stopping")
			return ctx.Err()
		}
	}
}

// handleBatch persists and delivers every message of a batch. Any returned
// error nacks the whole batch, so per-message problems are absorbed here and
// only infrastructure failures propagate.
func (s *Service) handleBatch(ctx context.Context, msgs []rabbit.Message) error {
	for i := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.handleMessage(ctx, &msgs[i]); err != nil {
			return fmt.Errorf("message %d of %d: %w", i+1, len(msgs), err)
		}
	}
	return nil
}

// handleMessage turns one queue message into a persisted record and drives
// it through delivery. Empty or undecodable payloads are dropped, they will
// never become deliverable. Render failures are terminal for the record but
// not for the batch.
func (s *Service) handleMessage(ctx context.Context, msg *rabbit.Message) error {
	start := time.Now()
	defer func() {
		if s.observer != nil {
			s.observer.ObserveHandleMessage(time.Since(start).Seconds())
		}
	}()

	if msg.Payload.Empty() {
		s.logger.Warn().
			Str("routing_key", msg.Meta.RoutingKey).
			Uint64("delivery_tag", msg.Meta.DeliveryTag).
			Msg("dropping empty or malformed message")
		s.deliveryResult("dropped")
		return nil
	}

	rec := &models.EmailRecord{
		ID:          s.newID(),
		Address:     msg.Payload.To,
		Subject:     msg.Payload.Subject,
		Message:     msg.Payload.Message,
		Template:    msg.Payload.Template,
		Context:     msg.Payload.Context,
		Body:        msg.Payload.Body,
		Attachments: msg.Payload.Attachments,
		Status:      models.StatusNew,
	}
	if err := s.store.CreateEmail(ctx, rec); err != nil {
		return fmt.Errorf("create record: %w", err)
	}

	logger := s.logger.With().Str("email_id", rec.ID.String()).Logger()

	if rec.Template != "" && rec.Body == "" {
		body, err := s.renderBody(rec)
		if err != nil {
			logger.Error().Err(err).Str("template", rec.Template).Msg("template rendering failed")
			if markErr := s.store.MarkFailed(ctx, rec.ID, fmt.Sprintf("render: %v", err)); markErr != nil {
				return fmt.Errorf("mark render failure: %w", markErr)
			}
			s.deliveryResult("render_failed")
			return nil
		}
		if err := s.store.SetBody(ctx, rec.ID, body); err != nil {
			return fmt.Errorf("store rendered body: %w", err)
		}
		rec.Body = body
	}

	if err := s.deliverer.Deliver(ctx, rec.ID); err != nil {
		s.deliveryResult("aborted")
		return fmt.Errorf("deliver %s: %w", rec.ID, err)
	}
	s.deliveryResult("handled")
	return nil
}

func (s *Service) renderBody(rec *models.EmailRecord) (string, error) {
	if s.renderer == nil {
		return "", render.ErrTemplateNotFound
	}
	return s.renderer.Render(rec.Template, rec.Context)
}

// sweepStale releases records stuck in processing, usually left behind by a
// crashed worker. Failures are logged and skipped; the sweep runs again next
// cycle.
func (s *Service) sweepStale(ctx context.Context) {
	olderThan := s.cfg.App.StaleAfter()
	if olderThan <= 0 {
		return
	}
	released, err := s.store.ReleaseStale(ctx, olderThan)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Msg("stale processing sweep failed")
		}
		return
	}
	if released > 0 {
		s.logger.Warn().Int64("count", released).Msg("released stale processing records")
	}
}

func (s *Service) batchResult(result string) {
	if s.observer != nil {
		s.observer.BatchResult(result)
	}
}

func (s *Service) deliveryResult(result string) {
	if s.observer != nil {
		s.observer.DeliveryResult(result)
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
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
