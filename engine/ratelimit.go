package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mykhaliev/device-validator/logger"
	"github.com/mykhaliev/device-validator/model"
	"golang.org/x/time/rate"
)

const (
	defaultMaxRetries     = 3
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 60 * time.Second
)

type rateLimitStats struct {
	mu                sync.Mutex
	throttleCount     int
	throttleWaitTime  time.Duration
	rateLimitHits     int
	retryCount        int
	retryWaitTime     time.Duration
	retrySuccessCount int
}

// RateLimitedTransport throttles requests to the virtual device (RPM) and,
// when enabled, retries HTTP 429 responses honouring Retry-After.
//
// Throttling is best-effort: the device may still answer 429 when other
// clients share the same token. Each attempt gets its own timeout so waiting
// between retries does not count against it.
type RateLimitedTransport struct {
	base           http.RoundTripper
	rpmLimiter     *rate.Limiter
	rpmLimit       int
	retryOn429     bool
	maxRetries     int
	attemptTimeout time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	stats          rateLimitStats
}

func NewRateLimitedTransport(base http.RoundTripper, rateLimitConfig model.RateLimitConfig, retryConfig model.RetryConfig) *RateLimitedTransport {
	if base == nil {
		base = http.DefaultTransport
	}

	maxRetries := retryConfig.MaxRetries
	if retryConfig.RetryOn429 && maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	t := &RateLimitedTransport{
		base:           base,
		rpmLimit:       rateLimitConfig.RPM,
		retryOn429:     retryConfig.RetryOn429,
		maxRetries:     maxRetries,
		attemptTimeout: defaultHTTPTimeout,
		sleep:          sleepContext,
	}

	// burst is the full minute's worth
	if rateLimitConfig.RPM > 0 {
		requestsPerSecond := float64(rateLimitConfig.RPM) / 60.0
		t.rpmLimiter = rate.NewLimiter(rate.Limit(requestsPerSecond), rateLimitConfig.RPM)
		logger.Logger.Info("Rate limiter configured", "type", "RPM", "limit", rateLimitConfig.RPM, "requests_per_second", requestsPerSecond)
	}
	if retryConfig.RetryOn429 {
		logger.Logger.Info("429 retry handling enabled", "max_retries", maxRetries)
	}

	return t
}

func (t *RateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if err := t.throttle(ctx); err != nil {
		return nil, err
	}

	resp, err := t.attempt(req)
	if err != nil || resp.StatusCode != http.StatusTooManyRequests {
		return resp, err
	}

	t.recordRateLimitHit()
	if !t.retryOn429 {
		return resp, nil
	}

	backoff := defaultInitialBackoff
	for attempt := 1; attempt <= t.maxRetries; attempt++ {
		retryAfter := retryAfterFromResponse(resp)
		if retryAfter > 0 {
			backoff = retryAfter
		}
		if backoff > defaultMaxBackoff {
			backoff = defaultMaxBackoff
		}

		logger.Logger.Warn("429 rate limit hit, retrying",
			"attempt", attempt,
			"max_retries", t.maxRetries,
			"wait_seconds", backoff.Seconds(),
			"url", req.URL.Path)

		drain(resp)
		waitStart := time.Now()
		if err := t.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		t.recordRetry(time.Since(waitStart))

		retry, err := cloneRequest(req)
		if err != nil {
			return nil, err
		}
		resp, err = t.attempt(retry)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusTooManyRequests {
			logger.Logger.Info("Request succeeded after 429 retry", "attempt", attempt)
			t.recordRetrySuccess()
			return resp, nil
		}
		t.recordRateLimitHit()

		if retryAfter == 0 {
			backoff *= 2
		}
	}

	logger.Logger.Error("429 retries exhausted", "max_retries", t.maxRetries, "url", req.URL.Path)
	return resp, nil
}

func (t *RateLimitedTransport) throttle(ctx context.Context) error {
	if t.rpmLimiter == nil {
		return nil
	}
	start := time.Now()
	if err := t.rpmLimiter.Wait(ctx); err != nil {
		return err
	}
	if waited := time.Since(start); waited > 10*time.Millisecond {
		t.recordThrottle(waited)
	}
	return nil
}

// attempt sends req once under attemptTimeout. The deadline also covers
// reading the body and is released when the body is closed.
func (t *RateLimitedTransport) attempt(req *http.Request) (*http.Response, error) {
	if t.attemptTimeout <= 0 {
		return t.base.RoundTrip(req)
	}
	ctx, cancel := context.WithTimeout(req.Context(), t.attemptTimeout)
	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func cloneRequest(req *http.Request) (*http.Request, error) {
	retry := req.Clone(req.Context())
	if req.Body == nil || req.Body == http.NoBody {
		return retry, nil
	}
	if req.GetBody == nil {
		return nil, fmt.Errorf("cannot retry %s %s: request body is not replayable", req.Method, req.URL.Path)
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, err
	}
	retry.Body = body
	return retry, nil
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (t *RateLimitedTransport) recordThrottle(waitTime time.Duration) {
	t.stats.mu.Lock()
	defer t.stats.mu.Unlock()
	t.stats.throttleCount++
	t.stats.throttleWaitTime += waitTime
	logger.Logger.Debug("Throttle recorded", "count", t.stats.throttleCount, "wait_time", waitTime)
}

func (t *RateLimitedTransport) recordRateLimitHit() {
	t.stats.mu.Lock()
	defer t.stats.mu.Unlock()
	t.stats.rateLimitHits++
	logger.Logger.Debug("429 hit recorded", "total_hits", t.stats.rateLimitHits)
}

func (t *RateLimitedTransport) recordRetry(waitTime time.Duration) {
	t.stats.mu.Lock()
	defer t.stats.mu.Unlock()
	t.stats.retryCount++
	t.stats.retryWaitTime += waitTime
}

func (t *RateLimitedTransport) recordRetrySuccess() {
	t.stats.mu.Lock()
	defer t.stats.mu.Unlock()
	t.stats.retrySuccessCount++
}

// Stats returns a snapshot of the throttling and retry counters.
func (t *RateLimitedTransport) Stats() model.RateLimitStats {
	t.stats.mu.Lock()
	defer t.stats.mu.Unlock()
	return model.RateLimitStats{
		ThrottleCount:      t.stats.throttleCount,
		ThrottleWaitTimeMs: t.stats.throttleWaitTime.Milliseconds(),
		RateLimitHits:      t.stats.rateLimitHits,
		RetryCount:         t.stats.retryCount,
		RetryWaitTimeMs:    t.stats.retryWaitTime.Milliseconds(),
		RetrySuccessCount:  t.stats.retrySuccessCount,
	}
}

func HasRateLimiting(config model.RateLimitConfig) bool {
	return config.RPM > 0
}

func HasRetryOn429(config model.RetryConfig) bool {
	return config.RetryOn429
}

func NeedsTransportWrapper(rateLimits model.RateLimitConfig, retry model.RetryConfig) bool {
	return HasRateLimiting(rateLimits) || HasRetryOn429(retry)
}
