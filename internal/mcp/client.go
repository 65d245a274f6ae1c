package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sleepysoong/codial/internal/apperr"
)

const maxResponseBytes int64 = 8 << 20

// Client is an HTTP JSON-RPC 2.0 MCP client. One mutex serializes the whole
// exchange per connection: request ids stay strictly monotonic and session
// header updates never race.
type Client struct {
	logger    *log.Logger
	serverURL string
	token     string
	client    *http.Client

	mu              sync.Mutex
	nextID          int64
	protocolVersion string
	sessionID       string
	initialized     bool
	initResult      InitializeResult
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

func NewClient(logger *log.Logger, serverURL, token string, timeout time.Duration, opts ...Option) *Client {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	c := &Client{
		logger:    logger,
		serverURL: strings.TrimSuffix(strings.TrimSpace(serverURL), "/"),
		token:     token,
		client:    &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// EnsureInitialized performs the initialize handshake once and replays the
// recorded result afterwards.
func (c *Client) EnsureInitialized(ctx context.Context, clientName, clientVersion string) (InitializeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return c.initResult, nil
	}

	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    clientName,
			"version": clientVersion,
		},
	}
	result, err := c.callLocked(ctx, "initialize", params, false)
	if err != nil {
		return InitializeResult{}, err
	}

	c.protocolVersion = ProtocolVersion
	if version, ok := result["protocolVersion"].(string); ok && version != "" {
		c.protocolVersion = version
	}

	initResult := InitializeResult{
		ProtocolVersion: c.protocolVersion,
		Capabilities:    map[string]any{},
		SessionID:       c.sessionID,
	}
	if capabilities, ok := result["capabilities"].(map[string]any); ok {
		initResult.Capabilities = capabilities
	}
	if instructions, ok := result["instructions"].(string); ok {
		initResult.Instructions = instructions
	}
	if serverInfo, ok := result["serverInfo"].(map[string]any); ok {
		if name, ok := serverInfo["name"].(string); ok {
			initResult.ServerName = name
		}
		if version, ok := serverInfo["version"].(string); ok {
			initResult.ServerVersion = version
		}
	}

	if err := c.notifyLocked(ctx, "notifications/initialized"); err != nil {
		return InitializeResult{}, err
	}

	initResult.SessionID = c.sessionID
	c.initResult = initResult
	c.initialized = true
	c.logger.Printf("mcp initialized server=%s protocol=%s", initResult.ServerName, initResult.ProtocolVersion)
	return initResult, nil
}

func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	items, err := c.listPaginated(ctx, "tools/list", "tools")
	if err != nil {
		return nil, err
	}
	tools := make([]Tool, 0, len(items))
	for _, item := range items {
		name, ok := item["name"].(string)
		if !ok || name == "" {
			continue
		}
		tool := Tool{Name: name, InputSchema: map[string]any{}}
		if title, ok := item["title"].(string); ok {
			tool.Title = title
		}
		if description, ok := item["description"].(string); ok {
			tool.Description = description
		}
		if schema, ok := item["inputSchema"].(map[string]any); ok {
			tool.InputSchema = schema
		}
		if schema, ok := item["outputSchema"].(map[string]any); ok {
			tool.OutputSchema = schema
		}
		tools = append(tools, tool)
	}
	return tools, nil
}

func (c *Client) ListPrompts(ctx context.Context) ([]Prompt, error) {
	items, err := c.listPaginated(ctx, "prompts/list", "prompts")
	if err != nil {
		return nil, err
	}
	prompts := make([]Prompt, 0, len(items))
	for _, item := range items {
		name, ok := item["name"].(string)
		if !ok || name == "" {
			continue
		}
		prompt := Prompt{Name: name}
		if title, ok := item["title"].(string); ok {
			prompt.Title = title
		}
		if description, ok := item["description"].(string); ok {
			prompt.Description = description
		}
		if rawArgs, ok := item["arguments"].([]any); ok {
			for _, rawArg := range rawArgs {
				arg, ok := rawArg.(map[string]any)
				if !ok {
					continue
				}
				argName, ok := arg["name"].(string)
				if !ok || argName == "" {
					continue
				}
				promptArg := PromptArgument{Name: argName}
				if description, ok := arg["description"].(string); ok {
					promptArg.Description = description
				}
				if required, ok := arg["required"].(bool); ok {
					promptArg.Required = required
				}
				prompt.Arguments = append(prompt.Arguments, promptArg)
			}
		}
		prompts = append(prompts, prompt)
	}
	return prompts, nil
}

func (c *Client) ListResources(ctx context.Context) ([]Resource, error) {
	items, err := c.listPaginated(ctx, "resources/list", "resources")
	if err != nil {
		return nil, err
	}
	resources := make([]Resource, 0, len(items))
	for _, item := range items {
		uri, uriOK := item["uri"].(string)
		name, nameOK := item["name"].(string)
		if !uriOK || !nameOK {
			continue
		}
		resource := Resource{URI: uri, Name: name}
		if title, ok := item["title"].(string); ok {
			resource.Title = title
		}
		if description, ok := item["description"].(string); ok {
			resource.Description = description
		}
		if mimeType, ok := item["mimeType"].(string); ok {
			resource.MIMEType = mimeType
		}
		resources = append(resources, resource)
	}
	return resources, nil
}

func (c *Client) ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error) {
	items, err := c.listPaginated(ctx, "resources/templates/list", "resourceTemplates")
	if err != nil {
		return nil, err
	}
	templates := make([]ResourceTemplate, 0, len(items))
	for _, item := range items {
		uriTemplate, uriOK := item["uriTemplate"].(string)
		name, nameOK := item["name"].(string)
		if !uriOK || !nameOK {
			continue
		}
		template := ResourceTemplate{URITemplate: uriTemplate, Name: name}
		if title, ok := item["title"].(string); ok {
			template.Title = title
		}
		if description, ok := item["description"].(string); ok {
			template.Description = description
		}
		if mimeType, ok := item["mimeType"].(string); ok {
			template.MIMEType = mimeType
		}
		templates = append(templates, template)
	}
	return templates, nil
}

func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (map[string]any, error) {
	if arguments == nil {
		arguments = map[string]any{}
	}
	return c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": arguments})
}

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", map[string]any{})
	return err
}

func (c *Client) listPaginated(ctx context.Context, method, listKey string) ([]map[string]any, error) {
	items := []map[string]any{}
	cursor := ""
	seen := map[string]bool{}

	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		result, err := c.call(ctx, method, params)
		if err != nil {
			return nil, err
		}

		if page, ok := result[listKey].([]any); ok {
			for _, raw := range page {
				if item, ok := raw.(map[string]any); ok {
					items = append(items, item)
				}
			}
		}

		next, _ := result["nextCursor"].(string)
		if next == "" {
			return items, nil
		}
		if seen[next] {
			return nil, apperr.Newf(apperr.CodeMCPProtocol, false,
				"mcp %s pagination cursor cycle detected", method)
		}
		seen[next] = true
		cursor = next
	}
}

func (c *Client) call(ctx context.Context, method string, params map[string]any) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.callLocked(ctx, method, params, true)
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	Result map[string]any `json:"result"`
	Error  *rpcError      `json:"error"`
}

func (c *Client) callLocked(ctx context.Context, method string, params map[string]any, includeSessionHeaders bool) (map[string]any, error) {
	if c.serverURL == "" {
		return nil, apperr.New(apperr.CodeMCPError, "mcp server URL is not configured", false)
	}

	c.nextID++
	payload := map[string]any{
		"jsonrpc": JSONRPCVersion,
		"id":      c.nextID,
		"method":  method,
		"params":  params,
	}

	data, err := c.post(ctx, payload, requestHeaders{
		accept:          true,
		protocolVersion: includeSessionHeaders,
		sessionID:       includeSessionHeaders,
	})
	if err != nil {
		return nil, err
	}

	var parsed rpcResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, apperr.Newf(apperr.CodeMCPProtocol, false, "mcp %s response is not JSON-RPC: %v", method, err)
	}
	if parsed.Error != nil {
		return nil, apperr.Newf(apperr.CodeMCPError, false,
			"mcp %s error code=%d: %s", method, parsed.Error.Code, parsed.Error.Message)
	}
	if parsed.Result == nil {
		return nil, apperr.Newf(apperr.CodeMCPProtocol, false, "mcp %s response carried no result", method)
	}
	return parsed.Result, nil
}

func (c *Client) notifyLocked(ctx context.Context, method string) error {
	payload := map[string]any{
		"jsonrpc": JSONRPCVersion,
		"method":  method,
	}
	data, err := c.post(ctx, payload, requestHeaders{
		accept:          false,
		protocolVersion: true,
		sessionID:       true,
	})
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var parsed rpcResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil
	}
	if parsed.Error != nil {
		return apperr.Newf(apperr.CodeMCPError, false,
			"mcp %s error code=%d: %s", method, parsed.Error.Code, parsed.Error.Message)
	}
	return nil
}

type requestHeaders struct {
	accept          bool
	protocolVersion bool
	sessionID       bool
}

func (c *Client) post(ctx context.Context, payload map[string]any, headers requestHeaders) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Newf(apperr.CodeMCPProtocol, false, "marshal mcp request: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Newf(apperr.CodeMCPProtocol, false, "build mcp request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if headers.accept {
		req.Header.Set("Accept", "application/json, text/event-stream")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if headers.protocolVersion && c.protocolVersion != "" {
		req.Header.Set("MCP-Protocol-Version", c.protocolVersion)
	}
	if headers.sessionID && c.sessionID != "" {
		req.Header.Set("MCP-Session-Id", c.sessionID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, apperr.New(apperr.CodeMCPTimeout, "mcp request timed out", true)
		}
		return nil, apperr.Newf(apperr.CodeMCPError, true, "mcp request failed: %v", err)
	}
	defer resp.Body.Close()

	if sessionID := resp.Header.Get("MCP-Session-Id"); sessionID != "" {
		c.sessionID = sessionID
	}

	if resp.StatusCode >= 500 {
		return nil, apperr.Newf(apperr.CodeMCPError, true, "mcp server error status=%d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, apperr.Newf(apperr.CodeMCPError, false, "mcp request rejected status=%d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, apperr.Newf(apperr.CodeMCPError, true, "read mcp response: %v", err)
	}
	return data, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
