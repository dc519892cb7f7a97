package factories

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"livetranslate/core"
	"livetranslate/protocol"
	"livetranslate/services/openai/token"
)

func TestDuration_Parse(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{`"250ms"`, 250 * time.Millisecond, false},
		{`"8s"`, 8 * time.Second, false},
		{`1500`, 1500 * time.Millisecond, false},
		{`null`, 0, false},
		{`"soon"`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Duration
			err := d.UnmarshalJSON([]byte(tt.in))
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalJSON(%s) error = %v", tt.in, err)
			}
			if !tt.wantErr && d.Std() != tt.want {
				t.Fatalf("UnmarshalJSON(%s) = %v, want %v", tt.in, d.Std(), tt.want)
			}
		})
	}
}

func TestSettingsConfigFromJSON_OverlaysDefaults(t *testing.T) {
	cfg, err := SettingsConfigFromJSON([]byte(`{
		"session_config": {"languages": {"source": "English", "target": "German"}},
		"turn": {"hold_confirm_delay": "0s", "interruption_policy": "ignore"},
		"webrtc": {"open_timeout": "2s"}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Session.Languages.Target != "German" || cfg.Session.Voice != "alloy" {
		t.Fatalf("session = %+v", cfg.Session)
	}
	tc := cfg.TurnConfig()
	if tc.HoldConfirmDelay != 0 || tc.InterruptionPolicy != "ignore" || tc.InterruptionGrace != 3*time.Second {
		t.Fatalf("turn = %+v", tc)
	}
	if rc := cfg.WebRTCConfig(); rc.OpenTimeout != 2*time.Second || rc.DataChannelLabel != "oai-events" {
		t.Fatalf("webrtc = %+v", rc)
	}
}

func TestSettingsConfigFromFile_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	data := []byte(`
session_config:
  languages:
    source: English
    target: Korean
  turn_detection:
    type: none
conversation:
  store: redis
  redis:
    conversation_id: demo
    ttl: 1h
observer:
  enabled: true
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := SettingsConfigFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Session.Languages.Target != "Korean" || cfg.Session.TurnDetection.Enabled() {
		t.Fatalf("session = %+v", cfg.Session)
	}
	rc := cfg.RedisConfig()
	if rc.ConversationID != "demo" || rc.TTL != time.Hour || rc.Addr != "localhost:6379" {
		t.Fatalf("redis = %+v", rc)
	}
	if !cfg.Observer.Enabled || cfg.Observer.Addr != core.DefaultObserverAddr {
		t.Fatalf("observer = %+v", cfg.Observer)
	}
}

func TestSettingsConfigFromFile_Missing(t *testing.T) {
	cfg, err := SettingsConfigFromFile(filepath.Join(t.TempDir(), "nope.json"))
	if err == nil {
		t.Fatal("expected error")
	}
	if cfg.Signaling.Model == "" {
		t.Fatal("defaults not returned with the error")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("REALTIME_API_KEY", "sk_env")
	t.Setenv("REALTIME_MODEL", "gpt-realtime")
	t.Setenv("REDIS_URL", "redis:6379")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("CONTROL_PLANE_URL", "ws://ui/ws/agent")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := DefaultSettingsConfig()
	cfg.ApplyEnv()

	if cfg.Token.APIKey != "sk_env" || cfg.Signaling.Model != "gpt-realtime" {
		t.Fatalf("token/signaling = %+v %+v", cfg.Token, cfg.Signaling)
	}
	if cfg.Conversation.Store != "redis" || cfg.Conversation.Redis.Addr != "redis:6379" || cfg.Conversation.Redis.DB != 3 {
		t.Fatalf("conversation = %+v", cfg.Conversation)
	}
	if cfg.ControlPlane == nil || cfg.ControlPlane.ConnectURL != "ws://ui/ws/agent" {
		t.Fatalf("control plane = %+v", cfg.ControlPlane)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("log level = %q", cfg.Logging.Level)
	}
	if p, ok := cfg.TokenProvider(core.NopLogger()).(token.StaticProvider); !ok || string(p) != "sk_env" {
		t.Fatalf("provider = %#v", p)
	}
}

func TestSettingsConfig_Validate(t *testing.T) {
	valid := func() SettingsConfig {
		s := DefaultSettingsConfig()
		s.Token.URL = "https://example.test/token"
		return s
	}
	tests := []struct {
		name   string
		mutate func(*SettingsConfig)
		ok     bool
	}{
		{"valid", func(*SettingsConfig) {}, true},
		{"no credentials", func(s *SettingsConfig) { s.Token.URL = "" }, false},
		{"same language", func(s *SettingsConfig) { s.Session.Languages.Target = "English" }, false},
		{"no model", func(s *SettingsConfig) { s.Signaling.Model = "" }, false},
		{"bad policy", func(s *SettingsConfig) { s.Turn.InterruptionPolicy = "panic" }, false},
		{"bad store", func(s *SettingsConfig) { s.Conversation.Store = "sqlite" }, false},
		{"control plane without url", func(s *SettingsConfig) { s.ControlPlane = &ControlPlaneSettings{} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(&s)
			err := s.Validate()
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() error = %v, want ok=%v", err, tt.ok)
			}
			if err != nil && !errors.Is(err, core.ErrConfigInvalid) {
				t.Fatalf("Validate() error = %v, want ErrConfigInvalid", err)
			}
		})
	}
}

func TestSessionAPIConfig_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("X-Tenant") != "acme" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"languages":{"source":"English","target":"Italian"},"voice":"verse"}`))
	}))
	defer srv.Close()

	api := &SessionAPIConfig{URL: srv.URL, Headers: map[string]string{"X-Tenant": "acme"}, Body: []byte(`{"call":"1"}`)}
	cfg, err := api.Fetch(context.Background(), protocol.DefaultSessionConfig())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Languages.Target != "Italian" || cfg.Voice != "verse" || !cfg.Bidirectional {
		t.Fatalf("config = %+v", cfg)
	}

	api.Headers = nil
	if _, err := api.Fetch(context.Background(), protocol.DefaultSessionConfig()); err == nil {
		t.Fatal("expected error on 400")
	}
}
