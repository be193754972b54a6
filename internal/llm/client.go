package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-brain/internal/config"
)

const (
	maxRetries     = 3
	retryBaseDelay = 500 * time.Millisecond
	maxRequestSize = 200000 // ~200KB per text block
)

// Client is a reasoning endpoint that turns a bounded conversation into text.
type Client interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Name() string
}

type Request struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Message is one conversation turn. ImagePNG, when set, is sent as an
// image block ahead of Text.
type Message struct {
	Role     string
	Text     string
	ImagePNG []byte
}

type Response struct {
	Text string
}

// Kind classifies endpoint failures for the fallback policy.
type Kind string

const (
	KindAuth      Kind = "auth"
	KindNotFound  Kind = "not_found"
	KindRateLimit Kind = "rate_limit"
	KindTimeout   Kind = "timeout"
	KindOther     Kind = "other"
)

// APIError is returned by clients for any failed call.
type APIError struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("llm %s (%d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("llm %s: %v", e.Kind, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// KindOf reports the failure kind of err. Deadline and network timeouts
// count as KindTimeout even when they were not wrapped in an APIError.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindOther
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindOther
	}
}

func classify(status int, err error) *APIError {
	kind := kindForStatus(status)
	if status == 0 {
		kind = KindOf(err)
	}
	return &APIError{Kind: kind, Status: status, Err: err}
}

// New builds the client selected by cfg.Provider.
func New(cfg config.LLMConfig, logger zerolog.Logger) (Client, error) {
	switch cfg.Provider {
	case "", "anthropic":
		return NewAnthropic(cfg, logger)
	case "openai":
		return NewOpenAI(cfg, logger)
	default:
		return nil, eris.Errorf("unknown LLM provider: %s (use 'anthropic' or 'openai')", cfg.Provider)
	}
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
