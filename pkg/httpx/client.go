package httpx

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MaxResponseBytes caps how much of an upstream response body is read.
const MaxResponseBytes = 4 << 20

// RequestJSON performs an HTTP request with retry for transient failures.
// Transport errors, 429 and 5xx responses are retried. A Retry-After header on
// the response overrides retryDelay for the next attempt. Waiting between
// attempts stops when ctx is done.
func RequestJSON(ctx context.Context, client *http.Client, method, url string, body []byte, headers map[string]string, retries int, retryDelay time.Duration) (int, []byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	retries = max(retries, 0)
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return 0, nil, err
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		last := attempt == retries
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			if last {
				return 0, nil, err
			}
			if err := wait(ctx, retryDelay); err != nil {
				return 0, nil, err
			}
			continue
		}
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
		_ = resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			if last {
				return 0, nil, readErr
			}
			if err := wait(ctx, retryDelay); err != nil {
				return 0, nil, err
			}
			continue
		}
		if retryable(resp.StatusCode) && !last {
			delay := retryDelay
			if d, ok := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
				delay = d
			}
			if err := wait(ctx, delay); err != nil {
				return 0, nil, err
			}
			continue
		}
		return resp.StatusCode, respBody, nil
	}
	return 0, nil, lastErr
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ParseRetryAfter reads a Retry-After value in either delay-seconds or
// HTTP-date form.
func ParseRetryAfter(raw string, now time.Time) (time.Duration, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	at, err := http.ParseTime(raw)
	if err != nil {
		return 0, false
	}
	return max(at.Sub(now), 0), true
}
