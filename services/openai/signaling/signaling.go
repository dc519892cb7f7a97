package signaling

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"livetranslate/core"
)

type Config struct {
	// RealtimeURL is the SDP exchange endpoint, without query string.
	RealtimeURL string        `json:"realtime_url" yaml:"realtime_url"`
	Model       string        `json:"model" yaml:"model"`
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		RealtimeURL: "https://api.openai.com/v1/realtime",
		Model:       "gpt-4o-realtime-preview",
		Timeout:     15 * time.Second,
	}
}

// Exchanger posts a local offer and returns the remote answer SDP.
type Exchanger interface {
	Exchange(ctx context.Context, ephemeralToken, offerSDP string) (string, error)
}

type Client struct {
	config Config
	client *http.Client
	logger *core.Logger
}

func NewClient(config Config, logger *core.Logger) *Client {
	def := DefaultConfig()
	if config.RealtimeURL == "" {
		config.RealtimeURL = def.RealtimeURL
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Client{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
		logger: logger.With(map[string]interface{}{"component": "signaling"}),
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.config.RealtimeURL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	if c.config.Model != "" {
		q := u.Query()
		q.Set("model", c.config.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Exchange sends the offer as application/sdp and returns the raw answer body.
// Non-2xx responses become *core.SignalingError carrying status and body.
func (c *Client) Exchange(ctx context.Context, ephemeralToken, offerSDP string) (string, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrSignalingFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offerSDP))
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrSignalingFailed, err)
	}
	req.Header.Set("Authorization", "Bearer "+ephemeralToken)
	req.Header.Set("Content-Type", "application/sdp")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrSignalingFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read answer: %v", core.ErrSignalingFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("sdp exchange rejected", "status", resp.StatusCode)
		return "", &core.SignalingError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	answer := string(body)
	if !strings.HasPrefix(strings.TrimSpace(answer), "v=") {
		return "", fmt.Errorf("%w: answer is not an sdp document", core.ErrSignalingFailed)
	}
	c.logger.Debug("sdp answer received", "elapsed_ms", time.Since(start).Milliseconds())
	return answer, nil
}
