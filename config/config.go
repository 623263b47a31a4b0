// Package config reads the environment the validator runs in.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	KeyToken            = "VIRTUAL_DEVICE_TOKEN"
	KeyBaseURL          = "VIRTUAL_DEVICE_BASE_URL"
	KeyUserID           = "BESPOKEN_USER_ID"
	KeySourceAPIBaseURL = "SOURCE_API_BASE_URL"
	KeySessionIdleMs    = "SESSION_IDLE_MS"
	KeyInvocationName   = "INVOCATION_NAME"

	// TokenPrefix marks environment variables used as script substitutions,
	// e.g. token.SKILL_NAME=simple player.
	TokenPrefix = "token."

	DefaultBaseURL          = "https://virtual-device.bespoken.io"
	DefaultSourceAPIBaseURL = "https://source-api.bespoken.tools"
	DefaultSessionIdleMs    = 8000
)

// Config holds the environment settings shared by every script.
type Config struct {
	Token            string
	BaseURL          string
	UserID           string
	SourceAPIBaseURL string
	SessionIdle      time.Duration
	InvocationName   string
	Tokens           map[string]string
}

// Load reads .env files (the default .env when none are given; missing files
// are fine) and then the process environment.
func Load(envFiles ...string) (*Config, error) {
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault(KeyBaseURL, DefaultBaseURL)
	v.SetDefault(KeySourceAPIBaseURL, DefaultSourceAPIBaseURL)
	v.SetDefault(KeySessionIdleMs, DefaultSessionIdleMs)

	idleMs := v.GetInt(KeySessionIdleMs)
	if idleMs < 0 {
		return nil, fmt.Errorf("invalid %s: %d", KeySessionIdleMs, idleMs)
	}

	cfg := &Config{
		Token:            v.GetString(KeyToken),
		BaseURL:          v.GetString(KeyBaseURL),
		UserID:           v.GetString(KeyUserID),
		SourceAPIBaseURL: v.GetString(KeySourceAPIBaseURL),
		SessionIdle:      time.Duration(idleMs) * time.Millisecond,
		InvocationName:   v.GetString(KeyInvocationName),
		Tokens:           Tokens(os.Environ()),
	}
	return cfg, nil
}

// Validate reports missing required settings.
func (c *Config) Validate() error {
	if c.Token == "" {
		return fmt.Errorf("%s environment variable must be set", KeyToken)
	}
	return nil
}

// Tokens extracts token.<NAME>=value pairs from environ.
func Tokens(environ []string) map[string]string {
	tokens := make(map[string]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, TokenPrefix) {
			continue
		}
		if name := strings.TrimPrefix(key, TokenPrefix); name != "" {
			tokens[name] = value
		}
	}
	return tokens
}

func (c *Config) String() string {
	token := "(not set)"
	if c.Token != "" {
		token = "********"
	}
	return fmt.Sprintf("base_url=%s source_api=%s user_id=%s token=%s session_idle=%s tokens=%d",
		c.BaseURL, c.SourceAPIBaseURL, c.UserID, token, c.SessionIdle, len(c.Tokens))
}

func loadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("error loading %s: %w", file, err)
		}
	}
	return nil
}
