// Package events delivers structured turn progress events to the gateway's
// internal stream endpoint.
package events

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
	"time"

	"github.com/sleepysoong/codial/internal/apperr"
	"github.com/sleepysoong/codial/internal/retry"
)

const (
	TypePlan            = "plan"
	TypeAction          = "action"
	TypeDecisionSummary = "decision_summary"
	TypeResponseDelta   = "response_delta"
	TypeFinal           = "final"
	TypeError           = "error"
)

// Event is one progress record for a (session, turn) pair. Events from one
// turn are published in emission order.
type Event struct {
	SessionID string         `json:"session_id"`
	TurnID    string         `json:"turn_id"`
	TraceID   string         `json:"trace_id,omitempty"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
}

type Option func(*Publisher)

func WithHTTPClient(client *http.Client) Option {
	return func(p *Publisher) {
		if client != nil {
			p.client = client
		}
	}
}

func WithRetryPolicy(policy retry.Policy) Option {
	return func(p *Publisher) {
		p.policy = policy
	}
}

// Publisher POSTs events to <gateway>/internal/stream-events with the
// shared internal token. Transport failures and 5xx are retried with
// backoff; 4xx is terminal.
type Publisher struct {
	logger  *log.Logger
	baseURL string
	token   string
	client  *http.Client
	policy  retry.Policy
}

func NewPublisher(logger *log.Logger, baseURL, token string, timeout time.Duration, opts ...Option) *Publisher {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	p := &Publisher{
		logger:  logger,
		baseURL: strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		policy:  retry.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

func (p *Publisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return apperr.Newf(apperr.CodeInternal, false, "marshal event: %v", err)
	}

	return p.policy.Do(ctx, apperr.IsRetryable, func() error {
		return p.post(ctx, body)
	})
}

func (p *Publisher) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/internal/stream-events", bytes.NewReader(body))
	if err != nil {
		return apperr.Newf(apperr.CodeInternal, false, "build event request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-internal-token", p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return apperr.New(apperr.CodeBridgeTimeout, "gateway event push timed out", true)
		}
		return apperr.Newf(apperr.CodeBridgeTransport, true, "gateway event push failed: %v", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return apperr.Newf(apperr.CodeBridgeTransport, true,
			"gateway event push server error status=%d", resp.StatusCode)
	case resp.StatusCode >= 400:
		// terminal: the gateway refused the event, retrying cannot help
		return apperr.Newf(apperr.CodeBridgeTransport, false,
			"gateway event push rejected status=%d", resp.StatusCode)
	default:
		return nil
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
