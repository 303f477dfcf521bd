package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/email-dispatch-service/internal/config"
	"github.com/example/email-dispatch-service/internal/models"
	"github.com/example/email-dispatch-service/internal/rabbit"
)

type stubProcessor struct {
	batches [][]rabbit.Message
	err     error
	calls   int
}

func (p *stubProcessor) ProcessBatch(ctx context.Context, handle rabbit.Handler) error {
	p.calls++
	if p.err != nil {
		return p.err
	}
	var batch []rabbit.Message
	if len(p.batches) > 0 {
		batch = p.batches[0]
		p.batches = p.batches[1:]
	}
	return handle(ctx, batch)
}

type stubStore struct {
	mu        sync.Mutex
	created   []*models.EmailRecord
	bodies    map[uuid.UUID]string
	failed    map[uuid.UUID]string
	createErr error
	released  int64
	sweeps    int
}

func newStubStore() *stubStore {
	return &stubStore{
		bodies: map[uuid.UUID]string{},
		failed: map[uuid.UUID]string{},
	}
}

func (s *stubStore) CreateEmail(ctx context.Context, rec *models.EmailRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	clone := *rec
	s.created = append(s.created, &clone)
	return nil
}

func (s *stubStore) SetBody(ctx context.Context, id uuid.UUID, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies[id] = body
	return nil
}

func (s *stubStore) MarkFailed(ctx context.Context, id uuid.UUID, sendErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = sendErr
	return nil
}

func (s *stubStore) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeps++
	return s.released, nil
}

type stubDeliverer struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (d *stubDeliverer) Deliver(ctx context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, id)
	return d.err
}

type stubRenderer struct {
	out string
	err error
}

func (r *stubRenderer) Render(id string, data map[string]any) (string, error) {
	return r.out, r.err
}

type stubObserver struct {
	mu       sync.Mutex
	batch    []string
	delivery []string
}

func (o *stubObserver) ObserveHandleMessage(seconds float64) {}

func (o *stubObserver) BatchResult(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batch = append(o.batch, result)
}

func (o *stubObserver) DeliveryResult(result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.delivery = append(o.delivery, result)
}

func (o *stubObserver) batchResults() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.batch...)
}

func testConfig() config.Config {
	cfg := config.Config{}
	cfg.App.TimeoutForRepeatRead = 0
	cfg.App.StaleAfterSeconds = 900
	cfg.Rabbit.QueueName = "email_service"
	cfg.Rabbit.BatchSize = 50
	return cfg
}

func newService(t *testing.T, proc *stubProcessor, st *stubStore, del *stubDeliverer, ren Renderer) *Service {
	t.Helper()
	svc, err := New(testConfig(), proc, st, del, ren, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func message(to, subject string) rabbit.Message {
	return rabbit.Message{
		Payload: models.EmailPayload{To: to, Subject: subject, Message: "hello"},
		Meta:    rabbit.Meta{Exchange: "email_exchange", RoutingKey: "email.test", DeliveryTag: 1},
	}
}

func TestHandleBatchPersistsAndDelivers(t *testing.T) {
	st := newStubStore()
	del := &stubDeliverer{}
	svc := newService(t, &stubProcessor{}, st, del, nil)

	msgs := []rabbit.Message{message("a@b.com", "one"), message("c@d.com", "two")}
	if err := svc.handleBatch(context.Background(), msgs); err != nil {
		t.Fatalf("handleBatch: %v", err)
	}

	if len(st.created) != 2 {
		t.Fatalf("created %d records, want 2", len(st.created))
	}
	if st.created[0].Status != models.StatusNew {
		t.Errorf("record status = %s, want new", st.created[0].Status)
	}
	if len(del.ids) != 2 {
		t.Fatalf("delivered %d records, want 2", len(del.ids))
	}
	if del.ids[0] != st.created[0].ID {
		t.Error("delivered id does not match the created record")
	}
}

func TestHandleBatchDropsEmptyPayloads(t *testing.T) {
	st := newStubStore()
	del := &stubDeliverer{}
	svc := newService(t, &stubProcessor{}, st, del, nil)

	msgs := []rabbit.Message{
		{Payload: models.EmailPayload{}, Meta: rabbit.Meta{DeliveryTag: 1}},
		message("a@b.com", "kept"),
	}
	if err := svc.handleBatch(context.Background(), msgs); err != nil {
		t.Fatalf("handleBatch: %v", err)
	}
	if len(st.created) != 1 || st.created[0].Address != "a@b.com" {
		t.Errorf("expected only the valid message to be persisted, got %d records", len(st.created))
	}
}

func TestHandleMessageRendersTemplateBody(t *testing.T) {
	st := newStubStore()
	del := &stubDeliverer{}
	svc := newService(t, &stubProcessor{}, st, del, &stubRenderer{out: "<p>rendered</p>"})

	msg := rabbit.Message{Payload: models.EmailPayload{
		To:       "a@b.com",
		Subject:  "tpl",
		Template: "welcome",
		Context:  map[string]any{"name": "Ada"},
	}}
	if err := svc.handleMessage(context.Background(), &msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}

	id := st.created[0].ID
	if st.bodies[id] != "<p>rendered</p>" {
		t.Errorf("stored body = %q", st.bodies[id])
	}
	if len(del.ids) != 1 {
		t.Error("record with rendered body must still be delivered")
	}
}

func TestHandleMessageRenderFailureIsTerminalForRecordOnly(t *testing.T) {
	st := newStubStore()
	del := &stubDeliverer{}
	svc := newService(t, &stubProcessor{}, st, del, &stubRenderer{err: errors.New("bad template")})

	msg := rabbit.Message{Payload: models.EmailPayload{
		To:       "a@b.com",
		Subject:  "tpl",
		Template: "broken",
	}}
	if err := svc.handleMessage(context.Background(), &msg); err != nil {
		t.Fatalf("render failure must not fail the batch: %v", err)
	}

	id := st.created[0].ID
	if _, ok := st.failed[id]; !ok {
		t.Error("record was not marked failed after render error")
	}
	if len(del.ids) != 0 {
		t.Error("failed record must not be delivered")
	}
}

func TestHandleMessageWithoutRendererFailsTemplateRecordsOnly(t *testing.T) {
	st := newStubStore()
	del := &stubDeliverer{}
	svc := newService(t, &stubProcessor{}, st, del, nil)

	plain := message("plain@example.com", "no template")
	if err := svc.handleMessage(context.Background(), &plain); err != nil {
		t.Fatalf("plain message must deliver without a renderer: %v", err)
	}
	if len(del.ids) != 1 {
		t.Fatal("plain message was not delivered")
	}

	tpl := rabbit.Message{Payload: models.EmailPayload{
		To:       "tpl@example.com",
		Subject:  "tpl",
		Template: "welcome",
	}}
	if err := svc.handleMessage(context.Background(), &tpl); err != nil {
		t.Fatalf("template message must not fail the batch: %v", err)
	}
	if _, ok := st.failed[st.created[1].ID]; !ok {
		t.Error("template record was not marked failed when rendering is disabled")
	}
	if len(del.ids) != 1 {
		t.Error("template record must not be delivered without a renderer")
	}
}

func TestHandleMessageSkipsRenderWhenBodyPresent(t *testing.T) {
	st := newStubStore()
	del := &stubDeliverer{}
	renderer := &stubRenderer{err: errors.New("must not be called")}
	svc := newService(t, &stubProcessor{}, st, del, renderer)

	msg := rabbit.Message{Payload: models.EmailPayload{
		To:       "a@b.com",
		Subject:  "s",
		Template: "welcome",
		Body:     "<p>already rendered</p>",
	}}
	if err := svc.handleMessage(context.Background(), &msg); err != nil {
		t.Fatalf("handleMessage: %v", err)
	}
	if len(st.bodies) != 0 {
		t.Error("body was re-rendered despite being supplied")
	}
}

func TestHandleBatchPropagatesStoreFailure(t *testing.T) {
	st := newStubStore()
	st.createErr = errors.New("postgres down")
	svc := newService(t, &stubProcessor{}, st, &stubDeliverer{}, nil)

	err := svc.handleBatch(context.Background(), []rabbit.Message{message("a@b.com", "s")})
	if err == nil {
		t.Fatal("store failure must fail the batch so it is nacked")
	}
}

func TestRunStopsOnCancelAndSweeps(t *testing.T) {
	st := newStubStore()
	proc := &stubProcessor{}
	svc := newService(t, proc, st, &stubDeliverer{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := svc.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
	if proc.calls == 0 {
		t.Error("loop never processed a batch")
	}
	if st.sweeps == 0 {
		t.Error("loop never ran the stale sweep")
	}
}

func TestRunCountsEmptyCyclesSeparately(t *testing.T) {
	st := newStubStore()
	obs := &stubObserver{}
	proc := &stubProcessor{batches: [][]rabbit.Message{
		{message("a@b.com", "one")},
	}}
	svc, err := New(testConfig(), proc, st, &stubDeliverer{}, nil, obs, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_ = svc.Run(ctx)

	results := obs.batchResults()
	if len(results) < 2 {
		t.Fatalf("loop recorded %d batch results, want at least 2", len(results))
	}
	if results[0] != "acked" {
		t.Errorf("first cycle result = %q, want acked for a non-empty batch", results[0])
	}
	for _, r := range results[1:] {
		if r != "empty" {
			t.Errorf("idle cycle result = %q, want empty", r)
		}
	}
}

func TestRunContinuesAfterBatchFailure(t *testing.T) {
	st := newStubStore()
	proc := &stubProcessor{err: errors.New("broker hiccup")}
	svc := newService(t, proc, st, &stubDeliverer{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	_ = svc.Run(ctx)
	if proc.calls < 2 {
		t.Errorf("loop stopped after a batch failure, calls = %d", proc.calls)
	}
}
