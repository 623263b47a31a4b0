package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mykhaliev/device-validator/logger"
)

const DefaultBaseURL = "https://source-api.bespoken.tools"

// DeniedError is a non-200 reply from the authorization service.
type DeniedError struct {
	StatusCode int
	Body       string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("authorization denied: HTTP %d - %s", e.StatusCode, e.Body)
}

// Client checks whether a user may run tests against a skill.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// IsAuthorized returns the service reply (normally "AUTHORIZED") on HTTP 200.
// Any other status is a *DeniedError; transport errors are returned without
// the request URL.
func (c *Client) IsAuthorized(ctx context.Context, invocationName, userID string) (string, error) {
	query := url.Values{}
	query.Set("invocation_name", invocationName)
	query.Set("user_id", userID)
	endpoint := c.baseURL + "/v1/skillAuthorized?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	res, err := c.http.Do(req)
	if err != nil {
		// the request URL carries the user id
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			return "", urlErr.Err
		}
		return "", err
	}
	defer func() { _ = res.Body.Close() }()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if res.StatusCode != http.StatusOK {
		logger.Logger.Debug("Authorization denied", "invocation_name", invocationName, "status", res.StatusCode)
		return "", &DeniedError{StatusCode: res.StatusCode, Body: string(body)}
	}
	return strings.TrimSpace(string(body)), nil
}
