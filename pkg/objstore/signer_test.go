package objstore

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"darkroom/pkg/models"
)

func newSigner(t *testing.T, now *time.Time) *Signer {
	t.Helper()
	s, err := NewSigner("https://assets.example.com/originals", "k3y-for-tests", time.Minute)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return s.WithClock(func() time.Time { return *now })
}

func TestSignAndVerify(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	s := newSigner(t, &now)
	signed, err := s.Deliver(context.Background(), models.DownloadToken{GalleryID: "wedding 42", AssetID: "IMG_0001.jpg"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if !strings.HasPrefix(signed, "https://assets.example.com/originals/galleries/wedding%2042/IMG_0001.jpg?") {
		t.Fatalf("unexpected url %s", signed)
	}
	if err := s.Verify(signed); err != nil {
		t.Fatalf("verify fresh url: %v", err)
	}

	now = now.Add(time.Minute)
	if err := s.Verify(signed); !errors.Is(err, ErrURLExpired) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 5, 2, 10, 0, 0, 0, time.UTC)
	s := newSigner(t, &now)
	signed := s.Sign(ObjectKey("g1", "a1"), 0)

	other := strings.Replace(signed, "/a1?", "/a2?", 1)
	if err := s.Verify(other); !errors.Is(err, ErrBadURLSignage) {
		t.Fatalf("expected signature mismatch for swapped asset, got %v", err)
	}

	u, _ := url.Parse(signed)
	q := u.Query()
	q.Set("expires", "9999999999")
	u.RawQuery = q.Encode()
	if err := s.Verify(u.String()); !errors.Is(err, ErrBadURLSignage) {
		t.Fatalf("expected signature mismatch for extended expiry, got %v", err)
	}

	if err := s.Verify("https://assets.example.com/x"); !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("expected invalid url, got %v", err)
	}
}

func TestNewSignerValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewSigner("/relative", "k", 0); err == nil {
		t.Fatal("expected relative base url to be rejected")
	}
	if _, err := NewSigner("https://assets.example.com", " ", 0); err == nil {
		t.Fatal("expected missing key to be rejected")
	}
	s, err := NewSigner("https://assets.example.com", "k", 0)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	if s.ttl != DefaultTTL {
		t.Fatalf("expected default ttl, got %v", s.ttl)
	}
	if _, err := s.Deliver(context.Background(), models.DownloadToken{}); !errors.Is(err, models.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}
