package engine

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mykhaliev/device-validator/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Rate Limit Configuration Tests
// ============================================================================

func TestNeedsTransportWrapper(t *testing.T) {
	tests := []struct {
		name      string
		rateLimit model.RateLimitConfig
		retry     model.RetryConfig
		expected  bool
	}{
		{name: "Nothing configured", expected: false},
		{name: "RPM only", rateLimit: model.RateLimitConfig{RPM: 60}, expected: true},
		{name: "Retry only", retry: model.RetryConfig{RetryOn429: true}, expected: true},
		{name: "Max retries without opt-in", retry: model.RetryConfig{MaxRetries: 5}, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NeedsTransportWrapper(tt.rateLimit, tt.retry))
		})
	}
}

func TestNewHTTPClient(t *testing.T) {
	client, transport := NewHTTPClient(model.Settings{})
	assert.Nil(t, transport)
	assert.Nil(t, client.Transport)
	assert.Equal(t, defaultHTTPTimeout, client.Timeout)

	client, transport = NewHTTPClient(model.Settings{RateLimits: model.RateLimitConfig{RPM: 120}})
	require.NotNil(t, transport)
	assert.Same(t, transport, client.Transport)
	assert.Equal(t, 120, transport.rpmLimit)
	assert.Zero(t, client.Timeout)
	assert.Equal(t, defaultHTTPTimeout, transport.attemptTimeout)
}

// ============================================================================
// Retry-After parsing
// ============================================================================

func TestRetryAfterFromResponse(t *testing.T) {
	header := func(kv ...string) *http.Response {
		resp := &http.Response{Header: http.Header{}}
		for i := 0; i+1 < len(kv); i += 2 {
			resp.Header.Set(kv[i], kv[i+1])
		}
		return resp
	}

	assert.Equal(t, 30*time.Second, retryAfterFromResponse(header("Retry-After", "30")))
	assert.Equal(t, 1500*time.Millisecond, retryAfterFromResponse(header("retry-after-ms", "1500", "Retry-After", "2")))
	assert.Equal(t, 2*time.Second, retryAfterFromResponse(header("retry-after-ms", "bogus", "Retry-After", "2")))
	assert.Zero(t, retryAfterFromResponse(header()))
	assert.Zero(t, retryAfterFromResponse(header("Retry-After", "soon")))
	assert.Zero(t, retryAfterFromResponse(nil))

	future := time.Now().Add(45 * time.Second).UTC().Format(time.RFC1123)
	d := retryAfterFromResponse(header("Retry-After", future))
	assert.Greater(t, d, 40*time.Second)
	assert.LessOrEqual(t, d, 46*time.Second)

	past := time.Now().Add(-time.Hour).UTC().Format(time.RFC1123)
	assert.Equal(t, time.Second, retryAfterFromResponse(header("Retry-After", past)))
}

// ============================================================================
// Transport Tests
// ============================================================================

func newRecordingTransport(rateLimit model.RateLimitConfig, retry model.RetryConfig) (*RateLimitedTransport, *[]time.Duration) {
	var waits []time.Duration
	transport := NewRateLimitedTransport(nil, rateLimit, retry)
	transport.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return transport, &waits
}

func TestRateLimitedTransport_PassThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	transport, waits := newRecordingTransport(model.RateLimitConfig{}, model.RetryConfig{RetryOn429: true})
	client := &http.Client{Transport: transport}

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, *waits)
	assert.Zero(t, transport.Stats().RateLimitHits)
}

func TestRateLimitedTransport_RetriesOn429(t *testing.T) {
	var calls int32
	var mu sync.Mutex
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(data))
		mu.Unlock()
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{"results":[]}`))
	}))
	defer server.Close()

	transport, waits := newRecordingTransport(model.RateLimitConfig{}, model.RetryConfig{RetryOn429: true})
	client := &http.Client{Transport: transport}

	req, err := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(`{"messages":[]}`))
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{7 * time.Second, 7 * time.Second}, *waits)
	mu.Lock()
	assert.Equal(t, []string{`{"messages":[]}`, `{"messages":[]}`, `{"messages":[]}`}, bodies)
	mu.Unlock()

	stats := transport.Stats()
	assert.Equal(t, 2, stats.RateLimitHits)
	assert.Equal(t, 2, stats.RetryCount)
	assert.Equal(t, 1, stats.RetrySuccessCount)
}

func TestRateLimitedTransport_ExponentialBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	transport, waits := newRecordingTransport(model.RateLimitConfig{}, model.RetryConfig{RetryOn429: true, MaxRetries: 3})
	client := &http.Client{Transport: transport}

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *waits)
	assert.Equal(t, 4, transport.Stats().RateLimitHits)
}

func TestRateLimitedTransport_NoRetryWhenDisabled(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	transport, waits := newRecordingTransport(model.RateLimitConfig{RPM: 600}, model.RetryConfig{})
	client := &http.Client{Transport: transport}

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, *waits)
	assert.Equal(t, 1, transport.Stats().RateLimitHits)
}

func TestRateLimitedTransport_CancelledWhileWaiting(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	transport := NewRateLimitedTransport(nil, model.RateLimitConfig{}, model.RetryConfig{RetryOn429: true})
	transport.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}
	client := &http.Client{Transport: transport}

	_, err := client.Get(server.URL)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRateLimitedTransport_RetryWaitOutlivesAttemptTimeout(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "45")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client, transport := NewHTTPClient(model.Settings{Retry: model.RetryConfig{RetryOn429: true}})
	require.NotNil(t, transport)
	var waits []time.Duration
	transport.sleep = func(ctx context.Context, d time.Duration) error {
		_, hasDeadline := ctx.Deadline()
		assert.False(t, hasDeadline, "retry wait must not run under a request deadline")
		waits = append(waits, d)
		return nil
	}

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, []time.Duration{45 * time.Second}, waits)
}

func TestRateLimitedTransport_AttemptTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	transport, _ := newRecordingTransport(model.RateLimitConfig{}, model.RetryConfig{RetryOn429: true})
	transport.attemptTimeout = 50 * time.Millisecond
	client := &http.Client{Transport: transport}

	_, err := client.Get(server.URL)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
