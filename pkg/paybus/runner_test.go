package paybus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"darkroom/pkg/models"
	"darkroom/pkg/payment"
)

type memConsumer struct {
	mu        sync.Mutex
	queue     []Message
	committed []string
	cancel    context.CancelFunc
}

func (c *memConsumer) FetchMessage(ctx context.Context) (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		c.cancel()
		return Message{}, ctx.Err()
	}
	m := c.queue[0]
	c.queue = c.queue[1:]
	return m, nil
}

func (c *memConsumer) Commit(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, string(msg.Key))
	return nil
}

func (c *memConsumer) Close() error { return nil }

type scriptedReconciler struct {
	mu     sync.Mutex
	calls  map[string]int
	errs   map[string][]error
	always map[string]error
}

func (r *scriptedReconciler) Reconcile(_ context.Context, payload []byte, signature string) (payment.ReconcileResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := string(payload)
	r.calls[key]++
	if err := r.always[key]; err != nil {
		return payment.ReconcileResult{}, err
	}
	if q := r.errs[key]; len(q) > 0 {
		r.errs[key] = q[1:]
		return payment.ReconcileResult{}, q[0]
	}
	return payment.ReconcileResult{EventID: key}, nil
}

func TestRunnerRetriesAndCommitsRejected(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	consumer := &memConsumer{cancel: cancel, queue: []Message{
		{Key: []byte("a"), Value: []byte("evt_a")},
		{Key: []byte("b"), Value: []byte("evt_b")},
		{Key: []byte("c"), Value: []byte("evt_c")},
	}}
	rec := &scriptedReconciler{
		calls: map[string]int{},
		errs: map[string][]error{
			"evt_a": {models.ErrReconciliationConflict, models.ErrUnknownTransaction},
			"evt_b": {models.ErrInvalidSignature, models.ErrInvalidSignature},
		},
	}
	r := NewRunner(consumer, rec, RunnerOptions{MaxElapsed: 10 * time.Second})
	if err := r.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	if rec.calls["evt_a"] != 3 {
		t.Fatalf("expected retryable failures to be retried, got %d calls", rec.calls["evt_a"])
	}
	if rec.calls["evt_b"] != 1 {
		t.Fatalf("expected permanent failure to be tried once, got %d calls", rec.calls["evt_b"])
	}
	if len(consumer.committed) != 3 {
		t.Fatalf("expected applied and rejected messages committed, got %v", consumer.committed)
	}
}

type recordingPublisher struct {
	keys []string
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, key string, _ []byte, _ string) error {
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func TestRunnerKeepsExhaustedMessageUncommitted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	consumer := &memConsumer{cancel: cancel, queue: []Message{
		{Key: []byte("sbx_late"), Value: []byte("evt_late")},
		{Key: []byte("sbx_next"), Value: []byte("evt_next")},
	}}
	rec := &scriptedReconciler{calls: map[string]int{}, always: map[string]error{"evt_late": models.ErrUpstreamUnavailable}}
	err := NewRunner(consumer, rec, RunnerOptions{MaxElapsed: 20 * time.Millisecond}).Run(ctx)
	if !errors.Is(err, models.ErrUpstreamUnavailable) {
		t.Fatalf("expected run to stop with the upstream error, got %v", err)
	}
	if len(consumer.committed) != 0 {
		t.Fatalf("exhausted message must stay uncommitted for redelivery, got %v", consumer.committed)
	}
	if rec.calls["evt_next"] != 0 {
		t.Fatal("later messages must not be applied past an uncommitted one")
	}
}

func TestRunnerParksExhaustedMessageOnDeadLetter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	consumer := &memConsumer{cancel: cancel, queue: []Message{
		{Key: []byte("sbx_orphan"), Value: []byte("evt_orphan")},
		{Key: []byte("sbx_next"), Value: []byte("evt_next")},
	}}
	rec := &scriptedReconciler{calls: map[string]int{}, always: map[string]error{"evt_orphan": models.ErrUnknownTransaction}}
	dlq := &recordingPublisher{}
	if err := NewRunner(consumer, rec, RunnerOptions{MaxElapsed: 20 * time.Millisecond, DeadLetter: dlq}).Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(dlq.keys) != 1 || dlq.keys[0] != "sbx_orphan" {
		t.Fatalf("expected orphan event parked, got %v", dlq.keys)
	}
	if len(consumer.committed) != 2 || rec.calls["evt_next"] != 1 {
		t.Fatalf("consumption should continue after parking, committed=%v", consumer.committed)
	}
}

func TestRunnerDeadLetterFailureKeepsOffset(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	consumer := &memConsumer{cancel: cancel, queue: []Message{{Key: []byte("sbx_orphan"), Value: []byte("evt_orphan")}}}
	rec := &scriptedReconciler{calls: map[string]int{}, always: map[string]error{"evt_orphan": models.ErrReconciliationConflict}}
	dlq := &recordingPublisher{err: errors.New("broker unavailable")}
	err := NewRunner(consumer, rec, RunnerOptions{MaxElapsed: 20 * time.Millisecond, DeadLetter: dlq}).Run(ctx)
	if err == nil || !errors.Is(err, models.ErrReconciliationConflict) {
		t.Fatalf("expected dead-letter failure to stop the runner, got %v", err)
	}
	if len(consumer.committed) != 0 {
		t.Fatalf("message must stay uncommitted, got %v", consumer.committed)
	}
}

func TestRunnerPropagatesFetchError(t *testing.T) {
	boom := errors.New("broker gone")
	c := &failingConsumer{err: boom}
	r := NewRunner(c, &scriptedReconciler{calls: map[string]int{}}, RunnerOptions{})
	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected fetch error, got %v", err)
	}
}

type failingConsumer struct{ err error }

func (f *failingConsumer) FetchMessage(context.Context) (Message, error) { return Message{}, f.err }
func (f *failingConsumer) Commit(context.Context, Message) error         { return nil }
func (f *failingConsumer) Close() error                                  { return nil }

func TestTransient(t *testing.T) {
	t.Parallel()

	if !Transient(models.ErrReconciliationConflict) || !Transient(models.ErrUpstreamUnavailable) {
		t.Fatal("conflict and upstream errors must be transient")
	}
	if Transient(models.ErrInvalidSignature) || Transient(models.ErrUnknownTransaction) {
		t.Fatal("signature and unknown transaction errors are not transient")
	}
	if !Retryable(models.ErrUnknownTransaction) || !Retryable(models.ErrUpstreamUnavailable) {
		t.Fatal("unknown transactions and transient errors must be retryable")
	}
	if Retryable(models.ErrInvalidSignature) {
		t.Fatal("signature failures are never retryable")
	}
}
