package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sleepysoong/codial/internal/apperr"
	"github.com/sleepysoong/codial/internal/attach"
)

const maxBridgeResponseBytes int64 = 4 << 20

// HTTPBridgeAdapter talks to an external provider bridge over
// POST <base>/v1/generate with bearer auth.
type HTTPBridgeAdapter struct {
	name    string
	baseURL string
	token   string
	hint    string
	client  *http.Client
}

type BridgeOption func(*HTTPBridgeAdapter)

func WithBridgeHTTPClient(client *http.Client) BridgeOption {
	return func(a *HTTPBridgeAdapter) {
		if client != nil {
			a.client = client
		}
	}
}

func NewHTTPBridgeAdapter(name, baseURL, token string, timeout time.Duration, hint string, opts ...BridgeOption) *HTTPBridgeAdapter {
	adapter := &HTTPBridgeAdapter{
		name:    name,
		baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		token:   token,
		hint:    hint,
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(adapter)
		}
	}
	return adapter
}

func (a *HTTPBridgeAdapter) Name() string { return a.name }

type bridgeAttachment struct {
	AttachmentID string `json:"attachment_id"`
	Filename     string `json:"filename"`
	ContentType  string `json:"content_type,omitempty"`
	Size         int64  `json:"size"`
	URL          string `json:"url"`
	LocalPath    string `json:"local_path,omitempty"`
}

type bridgePayload struct {
	SessionID           string             `json:"session_id"`
	UserID              string             `json:"user_id"`
	Provider            string             `json:"provider"`
	Model               string             `json:"model"`
	Text                string             `json:"text"`
	MCPEnabled          bool               `json:"mcp_enabled"`
	MCPProfileName      string             `json:"mcp_profile_name,omitempty"`
	RulesSummary        string             `json:"rules_summary"`
	AgentsSummary       string             `json:"agents_summary"`
	SkillsSummary       string             `json:"skills_summary"`
	SystemMemorySummary string             `json:"system_memory_summary"`
	ToolCallRound       int                `json:"tool_call_round"`
	MCPTools            []ToolSpec         `json:"mcp_tools"`
	ToolResults         []ToolResult       `json:"tool_results"`
	Attachments         []bridgeAttachment `json:"attachments"`
}

type bridgeToolRequest struct {
	CallID    string         `json:"call_id"`
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type bridgeResponse struct {
	OutputText      string              `json:"output_text"`
	DecisionSummary string              `json:"decision_summary"`
	ToolRequests    []bridgeToolRequest `json:"tool_requests"`
	ToolCalls       []bridgeToolRequest `json:"tool_calls"`
}

func (a *HTTPBridgeAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	if a.baseURL == "" {
		return Response{}, apperr.Newf(apperr.CodeProviderRejected, false,
			"%s bridge base URL is not configured", a.hint)
	}

	body, err := json.Marshal(toBridgePayload(req))
	if err != nil {
		return Response{}, apperr.Newf(apperr.CodeInternal, false, "marshal bridge payload: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return Response{}, apperr.Newf(apperr.CodeInternal, false, "build bridge request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		if isTimeout(err) {
			return Response{}, apperr.Newf(apperr.CodeBridgeTimeout, true, "%s bridge request timed out", a.hint)
		}
		return Response{}, apperr.Newf(apperr.CodeBridgeTransport, true, "%s bridge request failed: %v", a.hint, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Response{}, apperr.Newf(apperr.CodeRateLimited, true, "%s bridge rate limited the request", a.hint)
	case resp.StatusCode >= 500:
		return Response{}, apperr.Newf(apperr.CodeBridgeTransport, true,
			"%s bridge server error status=%d", a.hint, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Response{}, apperr.Newf(apperr.CodeProviderAuthFailed, false,
			"%s bridge rejected the credentials status=%d", a.hint, resp.StatusCode)
	case resp.StatusCode >= 400:
		return Response{}, apperr.Newf(apperr.CodeProviderRejected, false,
			"%s bridge rejected the request status=%d", a.hint, resp.StatusCode)
	}

	var parsed bridgeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBridgeResponseBytes)).Decode(&parsed); err != nil {
		return Response{}, apperr.Newf(apperr.CodeBridgeTransport, true,
			"decode %s bridge response: %v", a.hint, err)
	}
	return a.toResponse(parsed), nil
}

func toBridgePayload(req Request) bridgePayload {
	payload := bridgePayload{
		SessionID:           req.SessionID,
		UserID:              req.UserID,
		Provider:            req.Provider,
		Model:               req.Model,
		Text:                req.Text,
		MCPEnabled:          req.MCPEnabled,
		MCPProfileName:      req.MCPProfileName,
		RulesSummary:        req.RulesSummary,
		AgentsSummary:       req.AgentsSummary,
		SkillsSummary:       req.SkillsSummary,
		SystemMemorySummary: req.SystemMemorySummary,
		ToolCallRound:       req.ToolCallRound,
		MCPTools:            req.ToolSpecs,
		ToolResults:         req.ToolResults,
		Attachments:         make([]bridgeAttachment, 0, len(req.Attachments)),
	}
	if payload.MCPTools == nil {
		payload.MCPTools = []ToolSpec{}
	}
	if payload.ToolResults == nil {
		payload.ToolResults = []ToolResult{}
	}
	for _, attachment := range req.Attachments {
		payload.Attachments = append(payload.Attachments, toBridgeAttachment(attachment))
	}
	return payload
}

func toBridgeAttachment(a attach.Attachment) bridgeAttachment {
	return bridgeAttachment{
		AttachmentID: a.AttachmentID,
		Filename:     a.Filename,
		ContentType:  a.ContentType,
		Size:         a.Size,
		URL:          a.URL,
		LocalPath:    a.LocalPath,
	}
}

func (a *HTTPBridgeAdapter) toResponse(parsed bridgeResponse) Response {
	rawRequests := parsed.ToolRequests
	if len(rawRequests) == 0 {
		rawRequests = parsed.ToolCalls
	}

	requests := make([]ToolRequest, 0, len(rawRequests))
	for _, item := range rawRequests {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		callID := item.CallID
		if callID == "" {
			callID = item.ID
		}
		arguments := item.Arguments
		if arguments == nil {
			arguments = map[string]any{}
		}
		requests = append(requests, ToolRequest{CallID: callID, Name: name, Arguments: arguments})
	}

	decision := strings.TrimSpace(parsed.DecisionSummary)
	if decision == "" {
		if len(requests) > 0 {
			decision = a.hint + " requested tool calls."
		} else {
			decision = a.hint + " returned a response."
		}
	}
	return Response{
		OutputText:      parsed.OutputText,
		DecisionSummary: decision,
		ToolRequests:    requests,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
