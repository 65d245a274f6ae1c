package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sleepysoong/codial/internal/apperr"
)

func authConfig(root string) CopilotAuthConfig {
	return CopilotAuthConfig{
		Timeout:          time.Second,
		CachePath:        ".runtime/copilot-auth.json",
		WorkspaceRoot:    root,
		AutoLoginEnabled: true,
		LoginEndpoint:    "/v1/auth/login",
	}
}

func TestEnsureTokenFromEnv(t *testing.T) {
	root := t.TempDir()
	cfg := authConfig(root)
	cfg.BridgeToken = "env-token"

	bootstrapper := NewCopilotAuthBootstrapper(nil, cfg)
	token, err := bootstrapper.EnsureToken(context.Background())
	if err != nil {
		t.Fatalf("ensure token: %v", err)
	}
	if token != "env-token" {
		t.Fatalf("unexpected token %q", token)
	}

	cachePath := filepath.Join(root, ".runtime", "copilot-auth.json")
	data, err := os.ReadFile(cachePath)
	if err != nil {
		t.Fatalf("cache must be written: %v", err)
	}
	var payload map[string]string
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("cache is not JSON: %v", err)
	}
	if payload["token"] != "env-token" || payload["obtained_at"] == "" {
		t.Fatalf("unexpected cache payload %v", payload)
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(cachePath)
		if err != nil {
			t.Fatalf("stat cache: %v", err)
		}
		if info.Mode().Perm() != 0o600 {
			t.Fatalf("expected 0600 cache perms, got %v", info.Mode().Perm())
		}
	}
}

func TestEnsureTokenFromCache(t *testing.T) {
	root := t.TempDir()
	cachePath := filepath.Join(root, ".runtime", "copilot-auth.json")
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(cachePath, []byte(`{"token":"cached-token","obtained_at":"2026-01-01T00:00:00Z"}`), 0o600); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	bootstrapper := NewCopilotAuthBootstrapper(nil, authConfig(root))
	token, err := bootstrapper.EnsureToken(context.Background())
	if err != nil {
		t.Fatalf("ensure token: %v", err)
	}
	if token != "cached-token" {
		t.Fatalf("unexpected token %q", token)
	}
}

func TestEnsureTokenViaLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/auth/login" {
			t.Errorf("unexpected login path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"access_token": "login-token"},
		})
	}))
	defer srv.Close()

	root := t.TempDir()
	cfg := authConfig(root)
	cfg.BridgeBaseURL = srv.URL

	bootstrapper := NewCopilotAuthBootstrapper(nil, cfg)
	token, err := bootstrapper.EnsureToken(context.Background())
	if err != nil {
		t.Fatalf("ensure token: %v", err)
	}
	if token != "login-token" {
		t.Fatalf("unexpected token %q", token)
	}

	// The fresh token must be cached for the next boot.
	if cached := bootstrapper.readCache(); cached != "login-token" {
		t.Fatalf("login token not cached, got %q", cached)
	}
}

func TestEnsureTokenLoginDisabled(t *testing.T) {
	cfg := authConfig(t.TempDir())
	cfg.AutoLoginEnabled = false

	bootstrapper := NewCopilotAuthBootstrapper(nil, cfg)
	_, err := bootstrapper.EnsureToken(context.Background())
	if apperr.CodeOf(err) != apperr.CodeProviderAuthFailed {
		t.Fatalf("expected PROVIDER_AUTH_FAILED, got %v", err)
	}
}

func TestEnsureTokenLoginRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	cfg := authConfig(t.TempDir())
	cfg.BridgeBaseURL = srv.URL

	bootstrapper := NewCopilotAuthBootstrapper(nil, cfg)
	_, err := bootstrapper.EnsureToken(context.Background())
	if apperr.CodeOf(err) != apperr.CodeProviderAuthFailed || apperr.IsRetryable(err) {
		t.Fatalf("expected terminal PROVIDER_AUTH_FAILED, got %v", err)
	}
}

func TestExtractToken(t *testing.T) {
	cases := []struct {
		name string
		body map[string]any
		want string
	}{
		{"token", map[string]any{"token": "a"}, "a"},
		{"access_token", map[string]any{"access_token": "b"}, "b"},
		{"bearer_token", map[string]any{"bearer_token": "c"}, "c"},
		{"api_key", map[string]any{"api_key": "d"}, "d"},
		{"nested", map[string]any{"data": map[string]any{"token": "e"}}, "e"},
		{"missing", map[string]any{"other": "x"}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := extractToken(tc.body); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}
