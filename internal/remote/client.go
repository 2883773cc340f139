// Package remote holds HTTP clients for the out-of-process workers: the
// screenshot workflow dispatcher, the crawler, and the image converter.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/pet-image-pipeline/internal/metrics"
	"github.com/JakeFAU/pet-image-pipeline/internal/policy/ratelimit"
	"github.com/JakeFAU/pet-image-pipeline/internal/retry"
)

// ErrRateLimited marks a 429 response. The caller's retry loop treats it as
// a failed attempt after the Retry-After pause has been served.
var ErrRateLimited = errors.New("remote worker rate limited")

// DefaultRetryAfter is used when a 429 carries no usable Retry-After header.
const DefaultRetryAfter = 60 * time.Second

// DefaultTimeout bounds each outbound request.
const DefaultTimeout = 15 * time.Second

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Worker string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned HTTP %d: %s", e.Worker, e.Code, e.Body)
}

// Options are shared by every client.
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Token      string
	Limiter    *ratelimit.Limiter
	Sleep      retry.Sleeper
	Logger     *zap.Logger
}

type client struct {
	worker  string
	http    *http.Client
	token   string
	limiter *ratelimit.Limiter
	sleep   retry.Sleeper
	logger  *zap.Logger
}

func newClient(worker string, opts Options) client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = retry.Sleep
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return client{
		worker:  worker,
		http:    httpClient,
		token:   opts.Token,
		limiter: opts.Limiter,
		sleep:   sleep,
		logger:  logger.Named(worker),
	}
}

// postJSON sends body to url and discards a successful response.
func (c client) postJSON(ctx context.Context, url string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", c.worker, err)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, url); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", c.worker, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveRemoteRequest(c.worker, "transport_error")
		return fmt.Errorf("call %s: %w", c.worker, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.ObserveRemoteRequest(c.worker, "rate_limited")
		wait := parseRetryAfter(resp.Header.Get("Retry-After"))
		c.logger.Warn("worker rate limited",
			zap.Duration("retry_after", wait),
		)
		if err := c.sleep(ctx, wait); err != nil {
			return errors.Join(ErrRateLimited, err)
		}
		return fmt.Errorf("%s: %w (retry after %s)", c.worker, ErrRateLimited, wait)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		metrics.ObserveRemoteRequest(c.worker, "http_error")
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Worker: c.worker, Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	metrics.ObserveRemoteRequest(c.worker, "ok")
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// parseRetryAfter reads delta-seconds or an HTTP date, falling back to DefaultRetryAfter.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}
