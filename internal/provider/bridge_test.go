package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sleepysoong/codial/internal/apperr"
)

func bridgeRequest() Request {
	return Request{
		SessionID: "s1",
		UserID:    "u1",
		Provider:  "github-copilot-sdk",
		Model:     "gpt-5-mini",
		Text:      "hello",
	}
}

func TestGenerateTerminalAnswer(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("unexpected auth header %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"output_text":      "done",
			"decision_summary": "answered directly",
		})
	}))
	defer srv.Close()

	adapter := NewHTTPBridgeAdapter("github-copilot-sdk", srv.URL, "tok", time.Second, "GitHub Copilot SDK")
	resp, err := adapter.Generate(context.Background(), bridgeRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.OutputText != "done" || resp.DecisionSummary != "answered directly" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if len(resp.ToolRequests) != 0 {
		t.Fatalf("expected terminal answer, got tool requests")
	}

	if captured["session_id"] != "s1" || captured["model"] != "gpt-5-mini" {
		t.Fatalf("unexpected payload %v", captured)
	}
	if _, ok := captured["mcp_tools"]; !ok {
		t.Fatalf("payload must always carry mcp_tools")
	}
	if _, ok := captured["tool_results"]; !ok {
		t.Fatalf("payload must always carry tool_results")
	}
}

func TestGenerateParsesToolRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tool_requests": []map[string]any{
				{"call_id": "t1", "name": "fs.read", "arguments": map[string]any{"path": "a"}},
				{"id": "t2", "name": "grep"},
				{"name": "  "},
			},
		})
	}))
	defer srv.Close()

	adapter := NewHTTPBridgeAdapter("github-copilot-sdk", srv.URL, "", time.Second, "GitHub Copilot SDK")
	resp, err := adapter.Generate(context.Background(), bridgeRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(resp.ToolRequests) != 2 {
		t.Fatalf("expected 2 parsed tool requests, got %d", len(resp.ToolRequests))
	}
	if resp.ToolRequests[0].CallID != "t1" || resp.ToolRequests[0].Name != "fs.read" {
		t.Fatalf("unexpected first request %+v", resp.ToolRequests[0])
	}
	// id is accepted as the call_id alias, missing arguments become {}
	if resp.ToolRequests[1].CallID != "t2" || resp.ToolRequests[1].Arguments == nil {
		t.Fatalf("unexpected second request %+v", resp.ToolRequests[1])
	}
	if resp.DecisionSummary == "" {
		t.Fatalf("expected a synthesized decision summary")
	}
}

func TestGenerateAcceptsToolCallsAlias(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"tool_calls": []map[string]any{{"call_id": "t1", "name": "fs.read"}},
		})
	}))
	defer srv.Close()

	adapter := NewHTTPBridgeAdapter("github-copilot-sdk", srv.URL, "", time.Second, "GitHub Copilot SDK")
	resp, err := adapter.Generate(context.Background(), bridgeRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(resp.ToolRequests) != 1 || resp.ToolRequests[0].Name != "fs.read" {
		t.Fatalf("tool_calls alias not honored: %+v", resp.ToolRequests)
	}
}

func TestGenerateErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		wantCode  string
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, apperr.CodeRateLimited, true},
		{"server error", http.StatusInternalServerError, apperr.CodeBridgeTransport, true},
		{"unauthorized", http.StatusUnauthorized, apperr.CodeProviderAuthFailed, false},
		{"bad request", http.StatusBadRequest, apperr.CodeProviderRejected, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			adapter := NewHTTPBridgeAdapter("github-copilot-sdk", srv.URL, "", time.Second, "GitHub Copilot SDK")
			_, err := adapter.Generate(context.Background(), bridgeRequest())
			if apperr.CodeOf(err) != tc.wantCode {
				t.Fatalf("expected %s, got %v", tc.wantCode, err)
			}
			if apperr.IsRetryable(err) != tc.retryable {
				t.Fatalf("expected retryable=%t for %s", tc.retryable, tc.wantCode)
			}
		})
	}
}

func TestGenerateWithoutBaseURL(t *testing.T) {
	adapter := NewHTTPBridgeAdapter("github-copilot-sdk", "", "", time.Second, "GitHub Copilot SDK")
	_, err := adapter.Generate(context.Background(), bridgeRequest())
	if apperr.CodeOf(err) != apperr.CodeProviderRejected {
		t.Fatalf("expected PROVIDER_REJECTED, got %v", err)
	}
}
