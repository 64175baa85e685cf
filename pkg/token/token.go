// Package token issues and redeems single-use download tokens.
package token

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"darkroom/pkg/ledger"
	"darkroom/pkg/lifecycle"
	"darkroom/pkg/models"
	"darkroom/pkg/store"
	"darkroom/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	rawBytes   = 32
	encodedLen = 43
)

// Deliver produces the retrieval handle for a redeemed token, typically a
// signed object storage URL. It runs inside the redemption transaction; an
// error rolls the redemption back.
type Deliver func(ctx context.Context, tok models.DownloadToken) (string, error)

type Redemption struct {
	Handle      string
	Token       models.DownloadToken
	Entitlement models.Entitlement
}

type Options struct {
	TTL    time.Duration
	Now    func() time.Time
	Random io.Reader
	Logger *zap.Logger
}

type Service struct {
	db     store.DB
	ledger *ledger.Ledger
	ttl    time.Duration
	now    func() time.Time
	random io.Reader
	log    *zap.Logger
	tracer trace.Tracer
}

func NewService(db store.DB, l *ledger.Ledger, opts Options) *Service {
	s := &Service{
		db:     db,
		ledger: l,
		ttl:    opts.TTL,
		now:    opts.Now,
		random: opts.Random,
		log:    opts.Logger,
		tracer: telemetry.Tracer("darkroom/token"),
	}
	if s.ttl <= 0 {
		s.ttl = 15 * time.Minute
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.random == nil {
		s.random = rand.Reader
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.ledger == nil {
		s.ledger = ledger.New()
	}
	return s
}

func (s *Service) TTL() time.Duration { return s.ttl }

func (s *Service) newValue() (string, error) {
	buf := make([]byte, rawBytes)
	if _, err := io.ReadFull(s.random, buf); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// WellFormed reports whether raw has the shape of an issued token.
func WellFormed(raw string) bool {
	if len(raw) != encodedLen {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(raw)
	return err == nil
}

// Issue creates a token for a granted entitlement inside tx.
func (s *Service) Issue(ctx context.Context, tx store.Tx, ent models.Entitlement) (models.DownloadToken, error) {
	if ent.Status != models.StatusGranted {
		return models.DownloadToken{}, fmt.Errorf("%w: cannot issue token for %s entitlement", lifecycle.ErrInvalidTransition, ent.Status)
	}
	value, err := s.newValue()
	if err != nil {
		return models.DownloadToken{}, err
	}
	now := s.now()
	tok := models.DownloadToken{
		Value:         value,
		GalleryID:     ent.GalleryID,
		ClientKey:     ent.ClientKey,
		AssetID:       ent.AssetID,
		EntitlementID: ent.ID,
		ExpiresAt:     now.Add(s.ttl),
		CreatedAt:     now,
	}
	if err := tx.InsertToken(ctx, tok); err != nil {
		return models.DownloadToken{}, err
	}
	return tok, nil
}

// LiveOrIssue returns an unexpired unused token for ent, issuing one when none
// is left.
func (s *Service) LiveOrIssue(ctx context.Context, tx store.Tx, ent models.Entitlement) (models.DownloadToken, error) {
	tok, ok, err := tx.FindLiveToken(ctx, ent.ID, s.now())
	if err != nil {
		return models.DownloadToken{}, err
	}
	if ok {
		return tok, nil
	}
	return s.Issue(ctx, tx, ent)
}

// Redeem performs the single consuming use of a token. Locks are taken in
// token, ledger, entitlement order. deliver runs before the used flag is
// committed, so a delivery failure leaves the token redeemable.
func (s *Service) Redeem(ctx context.Context, raw string, deliver Deliver) (Redemption, error) {
	ctx, span := s.tracer.Start(ctx, "token.Redeem")
	defer span.End()

	if !WellFormed(raw) {
		span.SetStatus(codes.Error, "malformed token")
		return Redemption{}, models.ErrTokenNotFound
	}
	var out Redemption
	err := s.db.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		tok, err := tx.LockToken(ctx, raw)
		if err != nil {
			return err
		}
		now := s.now()
		if tok.Used {
			return models.ErrTokenAlreadyUsed
		}
		if tok.Expired(now) {
			return models.ErrTokenExpired
		}
		if _, err := s.ledger.RecordDelivery(ctx, tx, tok.GalleryID, tok.ClientKey); err != nil {
			return fmt.Errorf("record delivery: %w", err)
		}
		ent, err := tx.LockEntitlement(ctx, tok.EntitlementID)
		if err != nil {
			return fmt.Errorf("lock entitlement: %w", err)
		}
		if ent.Status == models.StatusConsumed {
			return models.ErrTokenAlreadyUsed
		}
		if err := lifecycle.Apply(&ent, lifecycle.EventConsume, now); err != nil {
			return err
		}
		handle := ""
		if deliver != nil {
			handle, err = deliver(ctx, tok)
			if err != nil {
				return fmt.Errorf("deliver asset: %w", err)
			}
		}
		tok.Used = true
		usedAt := now
		tok.UsedAt = &usedAt
		if err := tx.UpdateToken(ctx, tok); err != nil {
			return err
		}
		if err := tx.UpdateEntitlement(ctx, ent); err != nil {
			return err
		}
		out = Redemption{Handle: handle, Token: tok, Entitlement: ent}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, FailureReason(err))
		return Redemption{}, err
	}
	span.SetAttributes(attribute.String("gallery.id", out.Token.GalleryID), attribute.String("asset.id", out.Token.AssetID))
	return out, nil
}

// FailureReason maps a redemption error to its metric and span label.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, models.ErrTokenNotFound):
		return "not_found"
	case errors.Is(err, models.ErrTokenExpired):
		return "expired"
	case errors.Is(err, models.ErrTokenAlreadyUsed):
		return "already_used"
	default:
		return "error"
	}
}

// SweepExpired deletes tokens that expired more than grace ago.
func (s *Service) SweepExpired(ctx context.Context, grace time.Duration) (int, error) {
	var n int
	err := s.db.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		n, err = tx.DeleteExpiredTokens(ctx, s.now().Add(-grace))
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("expired download tokens swept", zap.Int("count", n))
	}
	return n, nil
}
