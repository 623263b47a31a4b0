package engine

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mykhaliev/device-validator/logger"
	"github.com/mykhaliev/device-validator/model"
)

const defaultHTTPTimeout = 30 * time.Second

// NewHTTPClient builds the client used for virtual device calls. Throttling and
// 429 retries are layered on the transport only when the settings ask for them;
// the transport then applies the timeout per attempt instead of the client.
func NewHTTPClient(settings model.Settings) (*http.Client, *RateLimitedTransport) {
	if !NeedsTransportWrapper(settings.RateLimits, settings.Retry) {
		return &http.Client{Timeout: defaultHTTPTimeout}, nil
	}
	transport := NewRateLimitedTransport(http.DefaultTransport, settings.RateLimits, settings.Retry)
	return &http.Client{Transport: transport}, transport
}

// retryAfterFromResponse extracts the retry duration from response headers.
// retry-after-ms takes precedence over Retry-After when both are present.
func retryAfterFromResponse(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	if msValue := resp.Header.Get("retry-after-ms"); msValue != "" {
		if ms, err := strconv.Atoi(strings.TrimSpace(msValue)); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return parseRetryAfterHeader(resp.Header.Get("Retry-After"))
}

// parseRetryAfterHeader accepts either delay seconds ("120") or an HTTP-date.
func parseRetryAfterHeader(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	httpDateFormats := []string{
		time.RFC1123,
		time.RFC1123Z,
		"Mon, 02 Jan 2006 15:04:05 MST",
	}
	for _, format := range httpDateFormats {
		if t, err := time.Parse(format, value); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
			// date already passed
			return time.Second
		}
	}

	logger.Logger.Warn("Could not parse Retry-After header", "value", value)
	return 0
}
