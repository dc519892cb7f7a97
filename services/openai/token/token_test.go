package token

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"livetranslate/core"
)

func TestParseToken(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"token", `{"token":"abc"}`, "abc"},
		{"value", `{"value":"abc"}`, "abc"},
		{"client_secret string", `{"client_secret":"abc"}`, "abc"},
		{"client_secret.value", `{"client_secret":{"value":"abc","expires_at":123}}`, "abc"},
		{"client_secret.token", `{"client_secret":{"token":"abc"}}`, "abc"},
		{"camel case", `{"ephemeralToken":"abc"}`, "abc"},
		{"snake case", `{"ephemeral_token":" abc "}`, "abc"},
		{"clientSecret.value", `{"clientSecret":{"value":"abc"}}`, "abc"},
		{"bare string", `"abc"`, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseToken([]byte(tt.body))
			if err != nil {
				t.Fatalf("ParseToken() error = %v", err)
			}
			if got != tt.want {
				t.Fatalf("ParseToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseToken_Rejects(t *testing.T) {
	for _, body := range []string{`{}`, `{"token":""}`, `{"client_secret":{"expires_at":1}}`, `[]`, `not json`} {
		if _, err := ParseToken([]byte(body)); !errors.Is(err, core.ErrTokenFetchFailed) {
			t.Fatalf("ParseToken(%s) error = %v, want ErrTokenFetchFailed", body, err)
		}
	}
}

func TestHTTPProvider_SendsCallerBearer(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"client_secret":{"value":"ek_123"}}`))
	}))
	defer srv.Close()

	p := NewHTTPProvider(Config{URL: srv.URL}, func() string { return "user-jwt" }, core.NopLogger())
	tok, err := p.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if tok != "ek_123" {
		t.Fatalf("token = %q", tok)
	}
	if gotAuth != "Bearer user-jwt" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
}

func TestHTTPProvider_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewHTTPProvider(Config{URL: srv.URL}, nil, core.NopLogger())
	if _, err := p.Fetch(context.Background()); !errors.Is(err, core.ErrTokenFetchFailed) {
		t.Fatalf("Fetch() error = %v, want ErrTokenFetchFailed", err)
	}
}
