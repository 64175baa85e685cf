package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// sensitiveDetail lists detail keys that identify a visitor.
var sensitiveDetail = map[string]bool{
	"origin":     true,
	"client_key": true,
	"user_agent": true,
	"credential": true,
}

func redactEvent(ev Event, salt []byte) Event {
	if ev.Subject != "" {
		ev.Subject = HashSubject(ev.Subject, salt)
	}
	if len(ev.Detail) == 0 {
		return ev
	}
	out := make(map[string]any, len(ev.Detail))
	for k, v := range ev.Detail {
		if s, ok := v.(string); ok && sensitiveDetail[k] && s != "" {
			out[k] = HashSubject(s, salt)
			continue
		}
		out[k] = v
	}
	ev.Detail = out
	return ev
}

// HashSubject returns a salted SHA-256 of v, safe to log and store.
func HashSubject(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		h.Write(salt)
	}
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
