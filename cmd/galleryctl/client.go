package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"darkroom/pkg/httpx"

	"github.com/tidwall/gjson"
)

const defaultTimeout = 15 * time.Second

type clientOptions struct {
	server  string
	token   string
	timeout time.Duration
	retries int
	http    *http.Client
}

// adminCall sends one admin API request and returns the body of a 2xx answer.
// Error answers are reported with the gateway's error code and message.
func (o *clientOptions) adminCall(ctx context.Context, method, path string, body any) ([]byte, error) {
	if strings.TrimSpace(o.token) == "" {
		return nil, errors.New("admin token required: pass --token or set ADMIN_TOKEN")
	}
	base, err := url.Parse(strings.TrimRight(o.server, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid --server %q", o.server)
	}
	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return nil, err
		}
	}
	timeout := o.timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, resp, err := httpx.RequestJSON(ctx, o.http, method, base.String()+path, payload,
		map[string]string{"X-Admin-Token": o.token}, o.retries, 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if status < 200 || status > 299 {
		msg := gjson.GetBytes(resp, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(resp))
		}
		if code := gjson.GetBytes(resp, "code").String(); code != "" {
			return nil, fmt.Errorf("%s %s: %d %s: %s", method, path, status, code, msg)
		}
		return nil, fmt.Errorf("%s %s: %d: %s", method, path, status, msg)
	}
	return resp, nil
}

func printJSON(w io.Writer, raw []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = w.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
