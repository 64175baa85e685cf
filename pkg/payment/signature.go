package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"darkroom/pkg/models"
)

const DefaultSignatureTolerance = 5 * time.Minute

// Sign produces a "t=<unix>,v1=<hex>" header over "<unix>.<payload>".
func Sign(secret string, payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, hex.EncodeToString(mac(secret, ts, payload)))
}

func mac(secret, ts string, payload []byte) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	_, _ = h.Write([]byte(ts))
	_, _ = h.Write([]byte("."))
	_, _ = h.Write(payload)
	return h.Sum(nil)
}

// VerifyHMAC checks a signature header produced by Sign. Every failure is
// reported as models.ErrInvalidSignature.
func VerifyHMAC(secret string, payload []byte, header string, now time.Time, tolerance time.Duration) error {
	if secret == "" {
		return fmt.Errorf("%w: webhook secret not configured", models.ErrInvalidSignature)
	}
	ts, sigs := parseSignatureHeader(header)
	if ts == "" || len(sigs) == 0 {
		return fmt.Errorf("%w: missing signature", models.ErrInvalidSignature)
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", models.ErrInvalidSignature)
	}
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	at := time.Unix(unix, 0)
	if now.Sub(at) > tolerance || at.Sub(now) > tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", models.ErrInvalidSignature)
	}
	expected := mac(secret, ts, payload)
	for _, s := range sigs {
		got, err := hex.DecodeString(s)
		if err != nil {
			continue
		}
		if hmac.Equal(got, expected) {
			return nil
		}
	}
	return models.ErrInvalidSignature
}

func parseSignatureHeader(header string) (string, []string) {
	var ts string
	sigs := make([]string, 0, 1)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "t":
			ts = strings.TrimSpace(v)
		case "v1":
			sigs = append(sigs, strings.TrimSpace(v))
		}
	}
	return ts, sigs
}
