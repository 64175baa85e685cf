package httpx

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// step is one scripted transport answer. A non-nil err fails the round trip.
type step struct {
	status     int
	body       string
	retryAfter string
	err        error
	badBody    bool
}

type brokenBody struct{}

func (brokenBody) Read([]byte) (int, error) { return 0, errors.New("connection reset mid-body") }
func (brokenBody) Close() error             { return nil }

// scripted replays steps in order, repeating the last one.
type scripted struct {
	steps []step
	calls int
	last  *http.Request
}

func (s *scripted) RoundTrip(req *http.Request) (*http.Response, error) {
	st := s.steps[min(s.calls, len(s.steps)-1)]
	s.calls++
	s.last = req
	if st.err != nil {
		return nil, st.err
	}
	resp := &http.Response{StatusCode: st.status, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(st.body))}
	if st.badBody {
		resp.Body = brokenBody{}
	}
	if st.retryAfter != "" {
		resp.Header.Set("Retry-After", st.retryAfter)
	}
	return resp, nil
}

func TestRequestJSONRetryPolicy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		steps      []step
		retries    int
		wantStatus int
		wantBody   string
		wantCalls  int
		wantErr    string
	}{
		{
			name:       "5xx then success",
			steps:      []step{{status: 503, body: `{"error":"try again"}`}, {status: 201, body: `{"id":"chk_1"}`}},
			retries:    2,
			wantStatus: 201, wantBody: `{"id":"chk_1"}`, wantCalls: 2,
		},
		{
			name:       "4xx is final",
			steps:      []step{{status: 400, body: `{"error":"bad amount"}`}},
			retries:    3,
			wantStatus: 400, wantBody: `{"error":"bad amount"}`, wantCalls: 1,
		},
		{
			name:       "last 5xx is returned",
			steps:      []step{{status: 502}},
			retries:    1,
			wantStatus: 502, wantCalls: 2,
		},
		{
			name:       "transport error then success",
			steps:      []step{{err: errors.New("dial tcp: refused")}, {status: 200, body: `{}`}},
			retries:    1,
			wantStatus: 200, wantBody: `{}`, wantCalls: 2,
		},
		{
			name:      "transport error exhausted",
			steps:     []step{{err: errors.New("dial tcp: refused")}},
			retries:   -4,
			wantCalls: 1, wantErr: "refused",
		},
		{
			name:       "body read error retried",
			steps:      []step{{status: 200, badBody: true}, {status: 200, body: `{"ok":true}`}},
			retries:    1,
			wantStatus: 200, wantBody: `{"ok":true}`, wantCalls: 2,
		},
		{
			name:      "body read error exhausted",
			steps:     []step{{status: 200, badBody: true}},
			wantCalls: 1, wantErr: "mid-body",
		},
		{
			name:       "retry-after overrides long delay",
			steps:      []step{{status: 429, retryAfter: "0"}, {status: 200, body: `{}`}},
			retries:    1,
			wantStatus: 200, wantBody: `{}`, wantCalls: 2,
		},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rt := &scripted{steps: tc.steps}
			delay := time.Millisecond
			if strings.HasPrefix(tc.name, "retry-after") {
				delay = time.Hour
			}
			status, body, err := RequestJSON(context.Background(), &http.Client{Transport: rt}, http.MethodPost, "http://payments.test/checkouts", []byte(`{"amount":"9.00"}`), nil, tc.retries, delay)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if status != tc.wantStatus || string(body) != tc.wantBody || rt.calls != tc.wantCalls {
				t.Fatalf("got status=%d body=%q calls=%d", status, body, rt.calls)
			}
		})
	}
}

func TestRequestJSONHeaders(t *testing.T) {
	t.Parallel()
	rt := &scripted{steps: []step{{status: 200, body: `{}`}}}
	client := &http.Client{Transport: rt}

	if _, _, err := RequestJSON(context.Background(), client, http.MethodPost, "http://payments.test", []byte(`{}`), map[string]string{"Idempotency-Key": "ref-1"}, 0, 0); err != nil {
		t.Fatal(err)
	}
	h := rt.last.Header
	if h.Get("Content-Type") != "application/json" || h.Get("Accept") != "application/json" || h.Get("Idempotency-Key") != "ref-1" {
		t.Fatalf("unexpected headers %v", h)
	}

	if _, _, err := RequestJSON(context.Background(), client, http.MethodGet, "http://payments.test", nil, nil, 0, 0); err != nil {
		t.Fatal(err)
	}
	if rt.last.Header.Get("Content-Type") != "" {
		t.Fatal("bodiless request must not claim a content type")
	}

	if _, _, err := RequestJSON(context.Background(), client, "BAD METHOD", "http://payments.test", nil, nil, 0, 0); err == nil {
		t.Fatal("expected request build error")
	}
}

func TestRequestJSONCapsResponse(t *testing.T) {
	t.Parallel()
	big := strings.Repeat("x", MaxResponseBytes+1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(big))
	}))
	defer srv.Close()

	_, body, err := RequestJSON(context.Background(), nil, http.MethodGet, srv.URL, nil, nil, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(body) != MaxResponseBytes {
		t.Fatalf("expected body capped at %d, got %d", MaxResponseBytes, len(body))
	}
}

func TestRequestJSONStopsWaitingOnCancel(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := RequestJSON(ctx, srv.Client(), http.MethodGet, srv.URL, nil, nil, 3, time.Minute)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected a single attempt before cancellation, got %d", hits.Load())
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{"7", 7 * time.Second, true},
		{" 0 ", 0, true},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second, true},
		{now.Add(-time.Hour).Format(http.TimeFormat), 0, true},
		{"", 0, false},
		{"-1", 0, false},
		{"soon", 0, false},
	}
	for _, tc := range tests {
		d, ok := ParseRetryAfter(tc.raw, now)
		if ok != tc.ok || d != tc.want {
			t.Fatalf("ParseRetryAfter(%q) = %v, %v; want %v, %v", tc.raw, d, ok, tc.want, tc.ok)
		}
	}
}
