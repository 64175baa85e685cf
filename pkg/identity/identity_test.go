package identity

import (
	"errors"
	"strings"
	"testing"

	"darkroom/pkg/models"
)

func TestDeriveIsDeterministic(t *testing.T) {
	t.Parallel()
	a, err := Derive("gallery-pass-123", "Mozilla/5.0")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, _ := Derive("gallery-pass-123", "  mozilla/5.0 ")
	if a != b {
		t.Fatalf("expected normalized signals to match: %s vs %s", a, b)
	}
	if len(a) != KeyLength || !strings.HasPrefix(a, Prefix) {
		t.Fatalf("unexpected key shape %q", a)
	}
	if err := Validate(a); err != nil {
		t.Fatalf("derived key should validate: %v", err)
	}
}

func TestDeriveSeparatesInputs(t *testing.T) {
	t.Parallel()
	base, _ := Derive("cred", "agent")
	otherCred, _ := Derive("cred2", "agent")
	otherSignal, _ := Derive("cred", "agent2")
	// field boundaries are delimited so shifting bytes between fields changes the key
	shifted, _ := Derive("creda", "gent")
	for _, k := range []string{otherCred, otherSignal, shifted} {
		if k == base {
			t.Fatalf("expected distinct keys, got collision %s", k)
		}
	}
}

func TestDeriveRejectsEmptyCredential(t *testing.T) {
	t.Parallel()
	if _, err := Derive("  ", "agent"); !errors.Is(err, models.ErrInvalidClientKey) {
		t.Fatalf("expected ErrInvalidClientKey, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	good, _ := Derive("cred", "")
	cases := map[string]bool{
		good:                                  true,
		"":                                    false,
		"ck_123":                              false,
		"xx_" + good[3:]:                      false,
		"ck_" + strings.Repeat("g", hexLen):   false,
		"ck_" + strings.Repeat("A", hexLen):   false,
		"ck_" + strings.Repeat("0", hexLen+1): false,
	}
	for key, ok := range cases {
		err := Validate(key)
		if ok && err != nil {
			t.Fatalf("expected %q to validate, got %v", key, err)
		}
		if !ok && !errors.Is(err, models.ErrInvalidClientKey) {
			t.Fatalf("expected %q to be rejected, got %v", key, err)
		}
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()
	key, _ := Derive("cred", "agent")
	if !Verify(key, "cred", "AGENT") {
		t.Fatal("expected verify to accept matching inputs")
	}
	if Verify(key, "cred", "other") {
		t.Fatal("expected verify to reject a different signal")
	}
	if Verify(key, "", "agent") {
		t.Fatal("expected verify to reject empty credential")
	}
}
