package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sleepysoong/codial/internal/apperr"
)

// CopilotAuthConfig drives the token bootstrap order: injected token →
// cache file → login endpoint.
type CopilotAuthConfig struct {
	BridgeBaseURL    string
	BridgeToken      string
	Timeout          time.Duration
	CachePath        string
	WorkspaceRoot    string
	AutoLoginEnabled bool
	LoginEndpoint    string
}

type CopilotAuthOption func(*CopilotAuthBootstrapper)

func WithCopilotHTTPClient(client *http.Client) CopilotAuthOption {
	return func(b *CopilotAuthBootstrapper) {
		if client != nil {
			b.client = client
		}
	}
}

type CopilotAuthBootstrapper struct {
	logger *log.Logger
	cfg    CopilotAuthConfig
	client *http.Client
}

func NewCopilotAuthBootstrapper(logger *log.Logger, cfg CopilotAuthConfig, opts ...CopilotAuthOption) *CopilotAuthBootstrapper {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	bootstrapper := &CopilotAuthBootstrapper{
		logger: logger,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(bootstrapper)
		}
	}
	return bootstrapper
}

type authCachePayload struct {
	Token      string `json:"token"`
	ObtainedAt string `json:"obtained_at"`
}

// EnsureToken resolves a bridge token and keeps the cache file current.
func (b *CopilotAuthBootstrapper) EnsureToken(ctx context.Context) (string, error) {
	if b.cfg.BridgeToken != "" {
		if err := b.writeCache(b.cfg.BridgeToken); err != nil {
			b.logger.Printf("copilot auth cache write warning err=%v", err)
		}
		b.logger.Printf("copilot auth ready source=env cache_path=%s", b.cachePath())
		return b.cfg.BridgeToken, nil
	}

	if token := b.readCache(); token != "" {
		b.logger.Printf("copilot auth ready source=cache cache_path=%s", b.cachePath())
		return token, nil
	}

	if !b.cfg.AutoLoginEnabled {
		return "", apperr.New(apperr.CodeProviderAuthFailed,
			"no copilot token available and auto login is disabled", false)
	}

	token, err := b.login(ctx)
	if err != nil {
		return "", err
	}
	if err := b.writeCache(token); err != nil {
		b.logger.Printf("copilot auth cache write warning err=%v", err)
	}
	b.logger.Printf("copilot auth ready source=login cache_path=%s", b.cachePath())
	return token, nil
}

func (b *CopilotAuthBootstrapper) cachePath() string {
	path := b.cfg.CachePath
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(b.cfg.WorkspaceRoot, path)
}

func (b *CopilotAuthBootstrapper) readCache() string {
	data, err := os.ReadFile(b.cachePath())
	if err != nil {
		return ""
	}
	var payload authCachePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.Token)
}

func (b *CopilotAuthBootstrapper) writeCache(token string) error {
	path := b.cachePath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := json.Marshal(authCachePayload{
		Token:      token,
		ObtainedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func (b *CopilotAuthBootstrapper) login(ctx context.Context) (string, error) {
	baseURL := strings.TrimSuffix(strings.TrimSpace(b.cfg.BridgeBaseURL), "/")
	if baseURL == "" {
		return "", apperr.New(apperr.CodeProviderAuthFailed,
			"copilot bridge base URL is not configured for auto login", false)
	}
	endpoint := strings.TrimSpace(b.cfg.LoginEndpoint)
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+endpoint, bytes.NewReader([]byte("{}")))
	if err != nil {
		return "", apperr.Newf(apperr.CodeProviderAuthFailed, false, "build copilot login request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", apperr.New(apperr.CodeProviderAuthFailed, "copilot login request timed out", true)
		}
		return "", apperr.Newf(apperr.CodeProviderAuthFailed, true, "copilot login request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", apperr.Newf(apperr.CodeProviderAuthFailed, true,
			"copilot login server error status=%d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return "", apperr.Newf(apperr.CodeProviderAuthFailed, false,
			"copilot login rejected status=%d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return "", apperr.Newf(apperr.CodeProviderAuthFailed, false, "copilot login response is not JSON: %v", err)
	}
	token := extractToken(body)
	if token == "" {
		return "", apperr.New(apperr.CodeProviderAuthFailed,
			"copilot login response carried no token", false)
	}
	return token, nil
}

// extractToken accepts the token under any of the known keys, including the
// same keys nested under "data".
func extractToken(body map[string]any) string {
	for _, key := range []string{"token", "access_token", "bearer_token", "api_key"} {
		if value, ok := body[key].(string); ok && value != "" {
			return value
		}
	}
	if nested, ok := body["data"].(map[string]any); ok {
		return extractToken(nested)
	}
	return ""
}
