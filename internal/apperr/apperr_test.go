package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestFromPreservesWrappedError(t *testing.T) {
	base := New(CodeQueueFull, "turn queue is full", true)
	wrapped := fmt.Errorf("enqueue: %w", base)

	got := From(wrapped)
	if got.Code != CodeQueueFull {
		t.Fatalf("expected code %s, got %s", CodeQueueFull, got.Code)
	}
	if !got.Retryable {
		t.Fatalf("expected retryable")
	}
}

func TestFromWrapsUnknownAsInternal(t *testing.T) {
	got := From(errors.New("boom"))
	if got.Code != CodeInternal {
		t.Fatalf("expected INTERNAL, got %s", got.Code)
	}
	if got.Retryable {
		t.Fatalf("unknown errors must not be retryable")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(New(CodeRateLimited, "slow down", true)) {
		t.Fatalf("rate limited must be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Fatalf("plain errors must not be retryable")
	}
}

func TestEnvelopeFor(t *testing.T) {
	envelope := EnvelopeFor(New(CodeSessionEnded, "session has ended", false), "trace-1")
	if envelope.ErrorCode != CodeSessionEnded {
		t.Fatalf("unexpected code %s", envelope.ErrorCode)
	}
	if envelope.TraceID != "trace-1" {
		t.Fatalf("unexpected trace id %s", envelope.TraceID)
	}
	if envelope.Retryable {
		t.Fatalf("expected non-retryable envelope")
	}
}
