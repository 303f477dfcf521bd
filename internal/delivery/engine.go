package delivery

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/email-dispatch-service/internal/config"
	"github.com/example/email-dispatch-service/internal/models"
	"github.com/example/email-dispatch-service/internal/store"
)

// Store is the slice of persistence the engine needs to drive the record
// state machine.
type Store interface {
	ClaimForProcessing(ctx context.Context, id uuid.UUID) (*models.EmailRecord, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkRetry(ctx context.Context, id uuid.UUID, sendErr string) error
	MarkFailed(ctx context.Context, id uuid.UUID, sendErr string) error
}

// Sender performs one delivery attempt for a claimed record.
type Sender interface {
	Send(ctx context.Context, rec *models.EmailRecord) error
}

// Engine drives a record through the delivery state machine: claim, send,
// then mark processed, retry or error. Transient failures are retried with
// deterministic exponential backoff; permanent ones fail immediately. Sends
// are bounded by a weighted semaphore so a burst of records cannot open an
// unbounded number of SMTP sessions.
type Engine struct {
	store   Store
	sender  Sender
	cfg     config.DeliveryConfig
	sem     *semaphore.Weighted
	logger  zerolog.Logger
	sleepFn func(ctx context.Context, d time.Duration) error
}

// NewEngine validates its collaborators and constructs an engine.
func NewEngine(cfg config.DeliveryConfig, st Store, sender Sender, logger zerolog.Logger) (*Engine, error) {
	if st == nil {
		return nil, errors.New("delivery engine: store is required")
	}
	if sender == nil {
		return nil, errors.New("delivery engine: sender is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("delivery engine: max retries must not be negative, got %d", cfg.MaxRetries)
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("delivery engine: concurrency must be positive, got %d", cfg.Concurrency)
	}

	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	return &Engine{
		store:   st,
		sender:  sender,
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		logger:  logger.With().Str("component", "delivery_engine").Logger(),
		sleepFn: sleep,
	}, nil
}

// Deliver runs the full attempt loop for one record id. MaxRetries counts
// retries after the first attempt, so a record gets MaxRetries+1 attempts in
// total. Each attempt re-claims the row, so a record another worker finished
// in the meantime is skipped without a send.
//
// Returning nil means the record reached a terminal state or was a no-op
// (missing or already handled). A non-nil return only happens on context
// cancellation or a store failure, leaving the record for the stale sweep.
func (e *Engine) Deliver(ctx context.Context, id uuid.UUID) error {
	logger := e.logger.With().Str("email_id", id.String()).Logger()

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		rec, err := e.store.ClaimForProcessing(ctx, id)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				logger.Error().Msg("email record does not exist, skipping delivery")
				return nil
			case errors.Is(err, store.ErrAlreadyHandled):
				logger.Info().Msg("email record already handled, skipping delivery")
				return nil
			default:
				return fmt.Errorf("claim attempt %d: %w", attempt, err)
			}
		}

		sendErr := e.send(ctx, rec)
		if sendErr == nil {
			if err := e.store.MarkProcessed(ctx, id); err != nil {
				return fmt.Errorf("mark processed: %w", err)
			}
			logger.Info().Int("attempt", attempt+1).Msg("email delivered")
			return nil
		}

		if errors.Is(sendErr, context.Canceled) || errors.Is(sendErr, context.DeadlineExceeded) {
			return sendErr
		}

		if errors.Is(sendErr, ErrTransient) && attempt < e.cfg.MaxRetries {
			if err := e.store.MarkRetry(ctx, id, sendErr.Error()); err != nil {
				return fmt.Errorf("mark retry: %w", err)
			}
			delay := backoff(e.cfg.RetryDelay(), attempt)
			logger.Warn().
				Err(sendErr).
				Int("attempt", attempt+1).
				Dur("retry_in", delay).
				Msg("transient delivery failure, retrying")
			if err := e.sleepFn(ctx, delay); err != nil {
				return err
			}
			continue
		}

		if err := e.store.MarkFailed(ctx, id, sendErr.Error()); err != nil {
			return fmt.Errorf("mark failed: %w", err)
		}
		logger.Error().
			Err(sendErr).
			Int("attempt", attempt+1).
			Bool("permanent", errors.Is(sendErr, ErrPermanent)).
			Msg("email delivery failed")
		return nil
	}
	return nil
}

// send runs one attempt under the concurrency semaphore.
func (e *Engine) send(ctx context.Context, rec *models.EmailRecord) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)
	return e.sender.Send(ctx, rec)
}

// backoff doubles the base delay per attempt: base, 2*base, 4*base and so
// on. No jitter; retry timing stays reproducible.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	return base * time.Duration(1<<attempt)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
