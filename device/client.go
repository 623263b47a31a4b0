package device

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/life4/genesis/slices"
	"github.com/mykhaliev/device-validator/logger"
	"github.com/mykhaliev/device-validator/model"
)

const (
	DefaultBaseURL        = "https://virtual-device.bespoken.io"
	DefaultResetUtterance = "alexa quit"
)

// Config describes one virtual device. Token is the device token passed as
// user_id on every call.
type Config struct {
	BaseURL        string
	Token          string
	Locale         string
	VoiceID        string
	STT            string
	SkipSTT        bool
	AsyncMode      bool
	LocationLat    string
	LocationLong   string
	ResetUtterance string
}

// Client talks to the virtual device HTTP API.
type Client struct {
	cfg  Config
	http *http.Client

	mu         sync.RWMutex
	homophones []homophone
}

func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ResetUtterance == "" {
		cfg.ResetUtterance = DefaultResetUtterance
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{cfg: cfg, http: httpClient}
}

func (c *Client) Config() Config {
	return c.cfg
}

type batchRequest struct {
	Messages []model.Message `json:"messages"`
}

type batchResponse struct {
	Results        []model.ActualResult `json:"results"`
	ConversationID string               `json:"conversation_id"`
	Error          string               `json:"error"`
}

// Message sends one utterance and returns the parsed response. A fresh session
// starts a new conversation on the device.
func (c *Client) Message(ctx context.Context, text string, opts model.MessageOptions) (*model.ActualResult, error) {
	query := c.commonQuery(opts.Debug)
	query.Set("message", text)
	for _, phrase := range opts.Phrases {
		query.Add("phrases", phrase)
	}
	if opts.Session.Fresh {
		query.Set("new_conversation", "true")
	}

	body, err := c.do(ctx, http.MethodGet, "/process", query, nil)
	if err != nil {
		return nil, err
	}

	var result model.ActualResult
	if err := sonic.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode device response: %w", err)
	}
	result.Message = text
	c.applyHomophones(&result)

	logger.Logger.Debug("Device replied",
		"session", opts.Session.Label,
		"message", text,
		"transcript", deref(result.Transcript))
	return &result, nil
}

// BatchMessage sends all messages of a conversation in one request. In async
// mode only the conversation id is returned.
func (c *Client) BatchMessage(ctx context.Context, messages []model.Message, opts model.MessageOptions) (*model.BatchResult, error) {
	query := c.commonQuery(opts.Debug)
	if c.cfg.AsyncMode {
		query.Set("async_mode", "true")
	}

	payload, err := sonic.Marshal(batchRequest{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch request: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/batch_process", query, payload)
	if err != nil {
		return nil, err
	}

	var resp batchResponse
	if err := sonic.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode batch response: %w", err)
	}
	if resp.Error != "" {
		return nil, &ReplyError{Message: resp.Error}
	}

	if c.cfg.AsyncMode {
		if resp.ConversationID == "" {
			return nil, fmt.Errorf("async batch response has no conversation_id")
		}
		logger.Logger.Debug("Batch accepted", "session", opts.Session.Label, "conversation_id", resp.ConversationID)
		return &model.BatchResult{ConversationID: resp.ConversationID}, nil
	}

	results := c.withMessages(resp.Results, messages)
	logger.Logger.Debug("Batch replied", "session", opts.Session.Label, "messages", len(messages), "results", len(results))
	return &model.BatchResult{Results: results}, nil
}

// ConversationResults fetches what the device has produced so far for an
// async conversation. It returns ErrConversationPending while nothing is
// available.
func (c *Client) ConversationResults(ctx context.Context, conversationID string) ([]model.ActualResult, error) {
	if !c.cfg.AsyncMode {
		return nil, ErrAsyncModeRequired
	}

	query := url.Values{}
	query.Set("uuid", conversationID)
	body, err := c.do(ctx, http.MethodGet, "/conversation", query, nil)
	if err != nil {
		return nil, err
	}

	var resp batchResponse
	if err := sonic.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode conversation response: %w", err)
	}
	if resp.Error != "" {
		return nil, &ReplyError{Message: resp.Error}
	}
	if len(resp.Results) == 0 {
		return nil, ErrConversationPending
	}

	return c.withMessages(resp.Results, nil), nil
}

// ResetSession ends the conversation the session's steps used. It never
// starts a new one.
func (c *Client) ResetSession(ctx context.Context, session model.Session) error {
	session.Fresh = false
	_, err := c.Message(ctx, c.cfg.ResetUtterance, model.MessageOptions{Session: session})
	return err
}

func (c *Client) withMessages(results []model.ActualResult, messages []model.Message) []model.ActualResult {
	texts := slices.Map(messages, func(m model.Message) string { return m.Text })
	for i := range results {
		if i < len(texts) && results[i].Message == "" {
			results[i].Message = texts[i]
		}
		c.applyHomophones(&results[i])
	}
	return results
}

func (c *Client) commonQuery(debug bool) url.Values {
	query := url.Values{}
	query.Set("user_id", c.cfg.Token)
	if debug {
		query.Set("debug", "true")
	}
	if c.cfg.Locale != "" {
		query.Set("language_code", c.cfg.Locale)
	}
	if c.cfg.VoiceID != "" {
		query.Set("voice_id", c.cfg.VoiceID)
	}
	if c.cfg.SkipSTT {
		query.Set("skip_stt", "true")
	}
	if c.cfg.STT != "" {
		query.Set("stt", c.cfg.STT)
	}
	if c.cfg.LocationLat != "" {
		query.Set("location_lat", c.cfg.LocationLat)
	}
	if c.cfg.LocationLong != "" {
		query.Set("location_long", c.cfg.LocationLong)
	}
	return query
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, error) {
	endpoint := c.cfg.BaseURL + path + "?" + query.Encode()

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: res.StatusCode, Body: string(data)}
	}
	return data, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
