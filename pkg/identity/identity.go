// Package identity derives the stable per-visitor client key used to scope
// quota. The key is a pure function of the gallery access credential and a
// weak secondary signal; raw network addresses are never inputs.
package identity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"darkroom/pkg/models"
)

const (
	Prefix    = "ck_"
	hexLen    = 32
	KeyLength = len(Prefix) + hexLen
	domainTag = "darkroom.client-key.v1"
)

// NormalizeSignal trims and lower-cases the secondary signal so cosmetic
// variation does not split one visitor into several keys.
func NormalizeSignal(signal string) string {
	return strings.ToLower(strings.TrimSpace(signal))
}

func Derive(credential, signal string) (string, error) {
	if strings.TrimSpace(credential) == "" {
		return "", fmt.Errorf("%w: empty gallery credential", models.ErrInvalidClientKey)
	}
	h := sha256.New()
	h.Write([]byte(domainTag))
	h.Write([]byte{0})
	h.Write([]byte(credential))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeSignal(signal)))
	sum := hex.EncodeToString(h.Sum(nil))
	return Prefix + sum[:hexLen], nil
}

func Validate(key string) error {
	if len(key) != KeyLength || !strings.HasPrefix(key, Prefix) {
		return models.ErrInvalidClientKey
	}
	for _, c := range key[len(Prefix):] {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return models.ErrInvalidClientKey
		}
	}
	return nil
}

// Verify reports whether key is the one derived from credential and signal.
func Verify(key, credential, signal string) bool {
	want, err := Derive(credential, signal)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(want)) == 1
}
