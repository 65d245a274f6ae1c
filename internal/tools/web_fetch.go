package tools

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const webFetchMaxBytes = 500_000

// WebFetchTool performs a capped HTTP GET.
type WebFetchTool struct {
	client *http.Client
}

type WebFetchOption func(*WebFetchTool)

func WithWebFetchHTTPClient(client *http.Client) WebFetchOption {
	return func(t *WebFetchTool) {
		if client != nil {
			t.client = client
		}
	}
}

func NewWebFetchTool(opts ...WebFetchOption) *WebFetchTool {
	tool := &WebFetchTool{client: &http.Client{Timeout: 15 * time.Second}}
	for _, opt := range opts {
		if opt != nil {
			opt(tool)
		}
	}
	return tool
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch a URL with HTTP GET and return the response body as text, capped at 500KB."
}

func (t *WebFetchTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Absolute http(s) URL to fetch.",
			},
		},
		"required": []any{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) Result {
	raw := strings.TrimSpace(stringArg(args, "url"))
	if raw == "" {
		return fail("url argument is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fail("url must be an absolute http(s) URL")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return fail("build request: %v", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fail("fetch %s: %v", raw, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, webFetchMaxBytes+1))
	if err != nil {
		return fail("read response from %s: %v", raw, err)
	}
	truncated := len(body) > webFetchMaxBytes
	if truncated {
		body = body[:webFetchMaxBytes]
	}

	result := Result{
		Output: string(body),
		Metadata: map[string]any{
			"status_code":  resp.StatusCode,
			"content_type": resp.Header.Get("Content-Type"),
			"byte_count":   len(body),
			"truncated":    truncated,
		},
	}
	result.OK = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !result.OK {
		result.Error = "unexpected status " + resp.Status
	}
	return result
}
