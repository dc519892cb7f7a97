package token

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"livetranslate/core"
)

// Provider mints the short-lived credential used for the SDP exchange.
type Provider interface {
	Fetch(ctx context.Context) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context) (string, error)

func (f ProviderFunc) Fetch(ctx context.Context) (string, error) { return f(ctx) }

// StaticProvider always returns the same token. Used with a long-lived key in
// development setups.
type StaticProvider string

func (s StaticProvider) Fetch(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty static token", core.ErrTokenFetchFailed)
	}
	return string(s), nil
}

type Config struct {
	// URL of the token endpoint. Called with GET.
	URL string `json:"url" yaml:"url"`
	// Timeout bounds one fetch. Defaults to 10s.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second}
}

// HTTPProvider calls the token endpoint with the caller's own bearer token.
type HTTPProvider struct {
	config      Config
	callerToken func() string
	client      *http.Client
	logger      *core.Logger
}

// NewHTTPProvider builds a provider. callerToken returns the caller's current
// session credential; it is read on every fetch.
func NewHTTPProvider(config Config, callerToken func() string, logger *core.Logger) *HTTPProvider {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &HTTPProvider{
		config:      config,
		callerToken: callerToken,
		client:      &http.Client{Timeout: config.Timeout},
		logger:      logger.With(map[string]interface{}{"component": "token"}),
	}
}

func (p *HTTPProvider) Fetch(ctx context.Context) (string, error) {
	if p.config.URL == "" {
		return "", fmt.Errorf("%w: token url not configured", core.ErrTokenFetchFailed)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.URL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrTokenFetchFailed, err)
	}
	if p.callerToken != nil {
		if bearer := p.callerToken(); bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrTokenFetchFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", core.ErrTokenFetchFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger.Warn("token endpoint rejected request", "status", resp.StatusCode)
		return "", fmt.Errorf("%w: unexpected status %d", core.ErrTokenFetchFailed, resp.StatusCode)
	}

	tok, err := ParseToken(body)
	if err != nil {
		return "", err
	}
	p.logger.Debug("ephemeral token fetched")
	return tok, nil
}

// Top-level keys tried in order, then nested objects.
var tokenKeys = []string{
	"token",
	"value",
	"client_secret",
	"clientSecret",
	"ephemeral_token",
	"ephemeralToken",
	"access_token",
	"accessToken",
}

var nestedKeys = []string{"value", "token", "secret"}

// ParseToken extracts the ephemeral token from the many response shapes the
// token endpoint has used. A bare JSON string is accepted too.
func ParseToken(body []byte) (string, error) {
	var doc interface{}
	if err := sonic.Unmarshal(body, &doc); err != nil {
		return "", fmt.Errorf("%w: decode body: %v", core.ErrTokenFetchFailed, err)
	}
	if s, ok := doc.(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s), nil
	}
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return "", fmt.Errorf("%w: unexpected body shape", core.ErrTokenFetchFailed)
	}

	for _, k := range tokenKeys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s), nil
		}
	}
	for _, k := range tokenKeys {
		nested, ok := obj[k].(map[string]interface{})
		if !ok {
			continue
		}
		for _, nk := range nestedKeys {
			if s, ok := nested[nk].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s), nil
			}
		}
	}
	return "", fmt.Errorf("%w: no token field in response", core.ErrTokenFetchFailed)
}
