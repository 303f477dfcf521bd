package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/example/email-dispatch-service/internal/config"
	"github.com/example/email-dispatch-service/internal/models"
)

// Sentinel errors for the protocol/state conditions callers treat as no-ops.
var (
	// ErrNotFound is returned when no record exists for the given id.
	ErrNotFound = errors.New("email record not found")
	// ErrAlreadyHandled is returned when a record is not in a claimable
	// status, meaning another attempt already owns or finished it.
	ErrAlreadyHandled = errors.New("email record already handled")
)

// Postgres is the durable store for email records. Every status transition
// runs in its own transaction and takes a row lock first, so no two
// concurrent delivery attempts can both move the same record into
// processing.
type Postgres struct {
	cfg    config.PostgresConfig
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New connects a pgx pool using the supplied settings. The search path is
// pinned to the configured schema so queries use bare table names.
func New(ctx context.Context, cfg config.PostgresConfig, logger zerolog.Logger) (*Postgres, error) {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "store").Logger()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("store: parse config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.PoolMaxConns)
	poolCfg.MinConns = int32(cfg.PoolMinConns)
	poolCfg.ConnConfig.RuntimeParams["search_path"] = cfg.Schema

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("dbname", cfg.DBName).
		Str("schema", cfg.Schema).
		Msg("connected to postgres")

	return &Postgres{cfg: cfg, pool: pool, logger: logger}, nil
}

// Close releases the connection pool.
func (s *Postgres) Close() {
	s.pool.Close()
}

// CreateEmail persists a freshly decoded record. The caller supplies the id
// and the record starts in status new.
func (s *Postgres) CreateEmail(ctx context.Context, rec *models.EmailRecord) error {
	if rec == nil {
		return errors.New("store: record is required")
	}

	var contextJSON, attachmentsJSON []byte
	var err error
	if len(rec.Context) > 0 {
		if contextJSON, err = json.Marshal(rec.Context); err != nil {
			return fmt.Errorf("store: marshal context: %w", err)
		}
	}
	if len(rec.Attachments) > 0 {
		if attachmentsJSON, err = json.Marshal(rec.Attachments); err != nil {
			return fmt.Errorf("store: marshal attachments: %w", err)
		}
	}

	query := `
        INSERT INTO email_data (id, address, subject, message, template, context, body, attachments, status)
        VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8::jsonb, $9)
    `
	_, err = s.pool.Exec(ctx, query,
		rec.ID,
		rec.Address,
		rec.Subject,
		nullable(rec.Message),
		nullable(rec.Template),
		jsonArg(contextJSON),
		nullable(rec.Body),
		jsonArg(attachmentsJSON),
		string(models.StatusNew),
	)
	if err != nil {
		return fmt.Errorf("store: create email %s: %w", rec.ID, err)
	}
	return nil
}

// SetBody stores a rendered HTML body on an existing record.
func (s *Postgres) SetBody(ctx context.Context, id uuid.UUID, body string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE email_data SET body = $2, updated_at = now() WHERE id = $1`, id, body)
	if err != nil {
		return fmt.Errorf("store: set body %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimForProcessing locks the record row, verifies it is claimable (new or
// retry) and moves it to processing with the previous error cleared. The
// returned snapshot reflects the claimed state. ErrAlreadyHandled signals the
// idempotency guard fired; ErrNotFound signals a missing row. Both are
// no-op conditions for the caller.
func (s *Postgres) ClaimForProcessing(ctx context.Context, id uuid.UUID) (*models.EmailRecord, error) {
	var rec *models.EmailRecord
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		locked, err := lockRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if !locked.Status.Claimable() {
			return ErrAlreadyHandled
		}
		_, err = tx.Exec(ctx,
			`UPDATE email_data SET status = $2, error = NULL, updated_at = now() WHERE id = $1`,
			id, string(models.StatusProcessing))
		if err != nil {
			return fmt.Errorf("claim update: %w", err)
		}
		locked.Status = models.StatusProcessing
		locked.Error = ""
		rec = locked
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyHandled) {
			return nil, err
		}
		return nil, fmt.Errorf("store: claim %s: %w", id, err)
	}
	return rec, nil
}

// MarkProcessed finalizes a successful delivery.
func (s *Postgres) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	return s.setStatus(ctx, id, models.StatusProcessed, "")
}

// MarkRetry records a transient failure and schedules another attempt.
func (s *Postgres) MarkRetry(ctx context.Context, id uuid.UUID, sendErr string) error {
	return s.setStatus(ctx, id, models.StatusRetry, sendErr)
}

// MarkFailed records a terminal failure.
func (s *Postgres) MarkFailed(ctx context.Context, id uuid.UUID, sendErr string) error {
	return s.setStatus(ctx, id, models.StatusError, sendErr)
}

func (s *Postgres) setStatus(ctx context.Context, id uuid.UUID, status models.Status, sendErr string) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		locked, err := lockRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		if !locked.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: illegal transition %s -> %s", ErrAlreadyHandled, locked.Status, status)
		}
		_, err = tx.Exec(ctx,
			`UPDATE email_data SET status = $2, error = $3, updated_at = now() WHERE id = $1`,
			id, string(status), nullable(sendErr))
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyHandled) {
			return err
		}
		return fmt.Errorf("store: mark %s %s: %w", status, id, err)
	}
	return nil
}

// ReleaseStale moves records stuck in processing for longer than olderThan
// back to retry so a crashed worker's in-flight rows are eventually
// redelivered. Returns the number of released records.
func (s *Postgres) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
        UPDATE email_data
        SET status = $1, error = 'released after stale processing', updated_at = now()
        WHERE status = $2 AND updated_at < now() - make_interval(secs => $3)
    `, string(models.StatusRetry), string(models.StatusProcessing), olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("store: release stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetEmail fetches a record without locking it. Intended for inspection and
// tests, not for status transitions.
func (s *Postgres) GetEmail(ctx context.Context, id uuid.UUID) (*models.EmailRecord, error) {
	row := s.pool.QueryRow(ctx, selectColumns+` FROM email_data WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get %s: %w", id, err)
	}
	return rec, nil
}

const selectColumns = `
        SELECT id, address, subject, message, template, context, body, attachments, status, error, created_at, updated_at`

func lockRecord(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*models.EmailRecord, error) {
	row := tx.QueryRow(ctx, selectColumns+` FROM email_data WHERE id = $1 FOR UPDATE`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock record: %w", err)
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (*models.EmailRecord, error) {
	var (
		rec             models.EmailRecord
		message         *string
		template        *string
		body            *string
		errText         *string
		status          string
		contextJSON     []byte
		attachmentsJSON []byte
	)
	err := row.Scan(&rec.ID, &rec.Address, &rec.Subject, &message, &template,
		&contextJSON, &body, &attachmentsJSON, &status, &errText, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Message = deref(message)
	rec.Template = deref(template)
	rec.Body = deref(body)
	rec.Error = deref(errText)
	rec.Status = models.Status(status)
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &rec.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if len(attachmentsJSON) > 0 {
		if err := json.Unmarshal(attachmentsJSON, &rec.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshal attachments: %w", err)
		}
	}
	return &rec, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func jsonArg(b []byte) *string {
	if len(b) == 0 {
		return nil
	}
	s := string(b)
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
