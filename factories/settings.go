package factories

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"gopkg.in/yaml.v3"

	"livetranslate/controlplane"
	"livetranslate/core"
	"livetranslate/handlers/conversation"
	"livetranslate/handlers/turn"
	"livetranslate/protocol"
	"livetranslate/services/fileaudio"
	"livetranslate/services/openai/signaling"
	"livetranslate/services/openai/token"
	"livetranslate/transports/webrtc"
)

// SessionAPIConfig describes an HTTP endpoint that returns a session config
// JSON payload. It is called once at startup, before the inline session
// config is applied on top of defaults.
type SessionAPIConfig struct {
	URL string `json:"url" yaml:"url"`
	// Method defaults to POST when Body is set, GET otherwise.
	Method  string            `json:"method,omitempty" yaml:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty" yaml:"-"`
}

var sessionAPIClient = &http.Client{Timeout: 10 * time.Second}

// Fetch calls the endpoint and overlays the response onto base.
func (c *SessionAPIConfig) Fetch(ctx context.Context, base protocol.SessionConfig) (protocol.SessionConfig, error) {
	method := c.Method
	if method == "" {
		if len(c.Body) > 0 {
			method = http.MethodPost
		} else {
			method = http.MethodGet
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.URL, bytes.NewReader(c.Body))
	if err != nil {
		return base, fmt.Errorf("session api: %w", err)
	}
	if len(c.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}

	resp, err := sessionAPIClient.Do(req)
	if err != nil {
		return base, fmt.Errorf("session api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return base, fmt.Errorf("session api: unexpected status %d from %s", resp.StatusCode, c.URL)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return base, fmt.Errorf("session api: read response: %w", err)
	}

	cfg := base
	if err := sonic.Unmarshal(buf.Bytes(), &cfg); err != nil {
		return base, fmt.Errorf("session api: %w", err)
	}
	return cfg, nil
}

type TokenSettings struct {
	URL     string   `json:"url" yaml:"url"`
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// APIKey skips the token endpoint and uses a long-lived key directly.
	APIKey string `json:"-" yaml:"-"`
	// CallerToken is the bearer presented to the token endpoint.
	CallerToken string `json:"-" yaml:"-"`
}

type SignalingSettings struct {
	RealtimeURL string   `json:"realtime_url" yaml:"realtime_url"`
	Model       string   `json:"model" yaml:"model"`
	Timeout     Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

type WebRTCSettings struct {
	ICEServers       []webrtc.ICEServer `json:"ice_servers,omitempty" yaml:"ice_servers,omitempty"`
	DataChannelLabel string             `json:"data_channel_label" yaml:"data_channel_label"`
	OpenTimeout      Duration           `json:"open_timeout" yaml:"open_timeout"`
}

type TurnSettings struct {
	HoldConfirmDelay   Duration                `json:"hold_confirm_delay" yaml:"hold_confirm_delay"`
	InterruptionPolicy turn.InterruptionPolicy `json:"interruption_policy" yaml:"interruption_policy"`
	InterruptionGrace  Duration                `json:"interruption_grace" yaml:"interruption_grace"`
}

type RedisSettings struct {
	Addr           string   `json:"addr" yaml:"addr"`
	Password       string   `json:"-" yaml:"-"`
	DB             int      `json:"db,omitempty" yaml:"db,omitempty"`
	ConversationID string   `json:"conversation_id" yaml:"conversation_id"`
	TTL            Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

type ConversationSettings struct {
	// Store is "memory" or "redis".
	Store string        `json:"store" yaml:"store"`
	Redis RedisSettings `json:"redis" yaml:"redis"`
}

type ControlPlaneSettings struct {
	ConnectURL        string            `json:"connect_url" yaml:"connect_url"`
	AgentID           string            `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	HeartbeatInterval Duration          `json:"heartbeat_interval,omitempty" yaml:"heartbeat_interval,omitempty"`
}

type ObserverSettings struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type MetricsSettings struct {
	Addr      string `json:"addr" yaml:"addr"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

type LoggingSettings struct {
	Level string `json:"level" yaml:"level"`
	JSON  bool   `json:"json" yaml:"json"`
	// Dir receives one JSONL file per session when set.
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// SettingsConfig is the top-level config loaded from settings.json or
// settings.yaml.
type SettingsConfig struct {
	Session      protocol.SessionConfig `json:"session_config" yaml:"session_config"`
	SessionAPI   *SessionAPIConfig      `json:"session_api,omitempty" yaml:"session_api,omitempty"`
	Token        TokenSettings          `json:"token" yaml:"token"`
	Signaling    SignalingSettings      `json:"signaling" yaml:"signaling"`
	WebRTC       WebRTCSettings         `json:"webrtc" yaml:"webrtc"`
	Turn         TurnSettings           `json:"turn" yaml:"turn"`
	Audio        fileaudio.Config       `json:"audio" yaml:"audio"`
	Conversation ConversationSettings   `json:"conversation" yaml:"conversation"`
	ControlPlane *ControlPlaneSettings  `json:"control_plane,omitempty" yaml:"control_plane,omitempty"`
	Observer     ObserverSettings       `json:"observer" yaml:"observer"`
	Metrics      MetricsSettings        `json:"metrics" yaml:"metrics"`
	Logging      LoggingSettings        `json:"logging" yaml:"logging"`
}

// DefaultSettingsConfig returns a SettingsConfig pre-filled with every
// package's defaults.
func DefaultSettingsConfig() SettingsConfig {
	tok := token.DefaultConfig()
	sig := signaling.DefaultConfig()
	rtc := webrtc.DefaultConfig()
	tc := turn.DefaultConfig()
	rc := conversation.DefaultRedisConfig()
	return SettingsConfig{
		Session: protocol.DefaultSessionConfig(),
		Token:   TokenSettings{URL: tok.URL, Timeout: Duration(tok.Timeout)},
		Signaling: SignalingSettings{
			RealtimeURL: sig.RealtimeURL,
			Model:       sig.Model,
			Timeout:     Duration(sig.Timeout),
		},
		WebRTC: WebRTCSettings{
			ICEServers:       []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
			DataChannelLabel: rtc.DataChannelLabel,
			OpenTimeout:      Duration(rtc.OpenTimeout),
		},
		Turn: TurnSettings{
			HoldConfirmDelay:   Duration(tc.HoldConfirmDelay),
			InterruptionPolicy: tc.InterruptionPolicy,
			InterruptionGrace:  Duration(tc.InterruptionGrace),
		},
		Audio: fileaudio.DefaultConfig(),
		Conversation: ConversationSettings{
			Store: "memory",
			Redis: RedisSettings{Addr: rc.Addr, ConversationID: rc.ConversationID, TTL: Duration(rc.TTL)},
		},
		Observer: ObserverSettings{Addr: core.DefaultObserverAddr},
		Metrics:  MetricsSettings{Namespace: "livetranslate"},
		Logging:  LoggingSettings{Level: "info"},
	}
}

// SettingsConfigFromJSON parses data over the defaults, so a file only needs
// the keys it changes.
func SettingsConfigFromJSON(data []byte) (SettingsConfig, error) {
	cfg := DefaultSettingsConfig()
	if err := sonic.Unmarshal(data, &cfg); err != nil {
		return DefaultSettingsConfig(), fmt.Errorf("settings: %w", err)
	}
	return cfg, nil
}

func SettingsConfigFromYAML(data []byte) (SettingsConfig, error) {
	cfg := DefaultSettingsConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultSettingsConfig(), fmt.Errorf("settings: %w", err)
	}
	return cfg, nil
}

// SettingsConfigFromFile picks the decoder by extension: .yaml/.yml, or JSON
// for anything else.
func SettingsConfigFromFile(path string) (SettingsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultSettingsConfig(), fmt.Errorf("settings: read %q: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return SettingsConfigFromYAML(data)
	default:
		return SettingsConfigFromJSON(data)
	}
}

// ApplyEnv overrides settings from the environment. Secrets only come from
// here.
func (s *SettingsConfig) ApplyEnv() {
	s.Token.URL = getEnv("TOKEN_URL", s.Token.URL)
	s.Token.CallerToken = getEnv("CALLER_TOKEN", s.Token.CallerToken)
	s.Token.APIKey = getEnv("REALTIME_API_KEY", s.Token.APIKey)
	s.Signaling.RealtimeURL = getEnv("REALTIME_URL", s.Signaling.RealtimeURL)
	s.Signaling.Model = getEnv("REALTIME_MODEL", s.Signaling.Model)

	if addr := getEnv("REDIS_URL", ""); addr != "" {
		s.Conversation.Store = "redis"
		s.Conversation.Redis.Addr = addr
	}
	s.Conversation.Redis.Password = getEnv("REDIS_PASSWORD", s.Conversation.Redis.Password)
	s.Conversation.Redis.DB = getEnvAsInt("REDIS_DB", s.Conversation.Redis.DB)

	if url := getEnv("CONTROL_PLANE_URL", ""); url != "" {
		if s.ControlPlane == nil {
			s.ControlPlane = &ControlPlaneSettings{}
		}
		s.ControlPlane.ConnectURL = url
	}
	if s.ControlPlane != nil {
		s.ControlPlane.AgentID = getEnv("AGENT_ID", s.ControlPlane.AgentID)
	}

	s.Logging.Level = getEnv("LOG_LEVEL", s.Logging.Level)
	s.Logging.Dir = getEnv("LOG_DIR", s.Logging.Dir)
	s.Metrics.Addr = getEnv("METRICS_ADDR", s.Metrics.Addr)
}

func (s SettingsConfig) Validate() error {
	if err := s.Session.Validate(); err != nil {
		return fmt.Errorf("settings: session_config: %w", err)
	}
	if s.Token.APIKey == "" && s.Token.URL == "" {
		return fmt.Errorf("settings: %w: set token.url or REALTIME_API_KEY", core.ErrConfigInvalid)
	}
	if s.Signaling.RealtimeURL == "" || s.Signaling.Model == "" {
		return fmt.Errorf("settings: %w: signaling realtime_url and model are required", core.ErrConfigInvalid)
	}
	switch s.Turn.InterruptionPolicy {
	case turn.InterruptionDisconnect, turn.InterruptionIgnore:
	default:
		return fmt.Errorf("settings: %w: unknown interruption_policy %q", core.ErrConfigInvalid, s.Turn.InterruptionPolicy)
	}
	switch s.Conversation.Store {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("settings: %w: unknown conversation store %q", core.ErrConfigInvalid, s.Conversation.Store)
	}
	if s.ControlPlane != nil && s.ControlPlane.ConnectURL == "" {
		return fmt.Errorf("settings: %w: control_plane.connect_url is required", core.ErrConfigInvalid)
	}
	return nil
}

func (s SettingsConfig) TokenProvider(logger *core.Logger) token.Provider {
	if s.Token.APIKey != "" {
		return token.StaticProvider(s.Token.APIKey)
	}
	caller := s.Token.CallerToken
	return token.NewHTTPProvider(token.Config{URL: s.Token.URL, Timeout: s.Token.Timeout.Std()}, func() string { return caller }, logger)
}

func (s SettingsConfig) SignalingConfig() signaling.Config {
	return signaling.Config{
		RealtimeURL: s.Signaling.RealtimeURL,
		Model:       s.Signaling.Model,
		Timeout:     s.Signaling.Timeout.Std(),
	}
}

func (s SettingsConfig) WebRTCConfig() webrtc.Config {
	return webrtc.Config{
		DataChannelLabel: s.WebRTC.DataChannelLabel,
		OpenTimeout:      s.WebRTC.OpenTimeout.Std(),
	}
}

func (s SettingsConfig) TurnConfig() turn.Config {
	return turn.Config{
		HoldConfirmDelay:   s.Turn.HoldConfirmDelay.Std(),
		InterruptionPolicy: s.Turn.InterruptionPolicy,
		InterruptionGrace:  s.Turn.InterruptionGrace.Std(),
	}
}

func (s SettingsConfig) RedisConfig() conversation.RedisConfig {
	r := s.Conversation.Redis
	return conversation.RedisConfig{
		Addr:           r.Addr,
		Password:       r.Password,
		DB:             r.DB,
		ConversationID: r.ConversationID,
		TTL:            r.TTL.Std(),
	}
}

func (s SettingsConfig) ControlPlaneConfig(logger *core.Logger) controlplane.ClientConfig {
	cp := s.ControlPlane
	agentID := cp.AgentID
	if agentID == "" {
		agentID, _ = os.Hostname()
	}
	return controlplane.ClientConfig{
		ConnectURL:        cp.ConnectURL,
		AgentID:           agentID,
		Version:           "1.0.0",
		Metadata:          cp.Metadata,
		HeartbeatInterval: cp.HeartbeatInterval.Std(),
		Logger:            logger,
	}
}

// getEnv gets an environment variable with a default fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as integer with a default fallback
func getEnvAsInt(key string, defaultValue int) int {
	valStr := getEnv(key, "")
	if valStr == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultValue
	}
	return val
}
