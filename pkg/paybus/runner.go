package paybus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"darkroom/pkg/models"
	"darkroom/pkg/payment"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Reconciler is satisfied by *payment.Bridge.
type Reconciler interface {
	Reconcile(ctx context.Context, payload []byte, signature string) (payment.ReconcileResult, error)
}

type RunnerOptions struct {
	// MaxElapsed bounds retries of one message.
	MaxElapsed time.Duration
	// DeadLetter, when set, receives messages that still fail with a
	// retryable error after MaxElapsed; they are then committed. Without it
	// Run stops and leaves the message uncommitted for redelivery.
	DeadLetter Publisher
	Logger     *zap.Logger
}

type Runner struct {
	consumer   Consumer
	reconciler Reconciler
	maxElapsed time.Duration
	deadLetter Publisher
	log        *zap.Logger
}

func NewRunner(c Consumer, r Reconciler, opts RunnerOptions) *Runner {
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Runner{consumer: c, reconciler: r, maxElapsed: opts.MaxElapsed, deadLetter: opts.DeadLetter, log: opts.Logger}
}

// Run consumes until ctx is done. Retryable failures are retried with
// backoff. A message is committed once applied, once it fails permanently,
// or once it is parked on the dead-letter topic. Otherwise Run returns the
// error with the offset uncommitted.
func (r *Runner) Run(ctx context.Context) error {
	for {
		msg, err := r.consumer.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		err = r.handle(ctx, msg)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		if err := r.consumer.Commit(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// handle returns nil when msg may be committed.
func (r *Runner) handle(ctx context.Context, msg Message) error {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(r.maxElapsed)), ctx)
	var res payment.ReconcileResult
	err := backoff.Retry(func() error {
		var err error
		res, err = r.reconciler.Reconcile(ctx, msg.Value, msg.Signature)
		if err != nil && !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
	switch {
	case err == nil:
		r.log.Debug("payment event applied",
			zap.String("event_id", res.EventID),
			zap.String("transaction_id", res.TransactionID),
			zap.Bool("replayed", res.Replayed),
		)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case !Retryable(err):
		r.log.Warn("payment event rejected", zap.ByteString("key", msg.Key), zap.Error(err))
		return nil
	case r.deadLetter != nil:
		if perr := r.deadLetter.Publish(ctx, string(msg.Key), msg.Value, msg.Signature); perr != nil {
			return fmt.Errorf("dead-letter payment event %s: %w", msg.Key, errors.Join(err, perr))
		}
		r.log.Error("payment event parked on dead-letter topic", zap.ByteString("key", msg.Key), zap.Error(err))
		return nil
	default:
		r.log.Error("payment event not applied, leaving uncommitted", zap.ByteString("key", msg.Key), zap.Error(err))
		return fmt.Errorf("payment event %s: %w", msg.Key, err)
	}
}

// Transient reports whether a reconcile error may succeed on retry.
func Transient(err error) bool {
	return errors.Is(err, models.ErrReconciliationConflict) || errors.Is(err, models.ErrUpstreamUnavailable)
}

// Retryable widens Transient with unknown transactions: a webhook can arrive
// before the gateway has recorded the checkout it belongs to.
func Retryable(err error) bool {
	return Transient(err) || errors.Is(err, models.ErrUnknownTransaction)
}
