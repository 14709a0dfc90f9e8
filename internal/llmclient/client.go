// Package llmclient talks to the Anthropic Messages API on behalf of a
// session loop or the memory-extraction collaborator. Shaped after the
// provider in wingthing's internal/llm package, trimmed to the one
// provider this repo actually ships and carrying its own retry policy
// instead of leaving that to the caller.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Message is one turn of a conversation. Role is "system", "user", or
// "assistant"; Anthropic's system prompt is carried out-of-band so System
// messages are lifted into the request's top-level system field.
type Message struct {
	Role    string
	Content string
}

// ErrKind distinguishes the two failure classes §7 cares about: transient
// errors that are worth retrying, and terminal errors that aren't.
type ErrKind int

const (
	// ErrTransient covers HTTP 429, 5xx, and socket-level hiccups.
	ErrTransient ErrKind = iota
	// ErrTerminal covers auth failures, unknown models, and anything else
	// that will not resolve itself on retry.
	ErrTerminal
)

// CompletionError wraps an LLM call failure with its classification so
// callers can apply the §7 retry policy without string-sniffing.
// StatusCode is 0 for non-HTTP failures (e.g. a socket error).
type CompletionError struct {
	Kind       ErrKind
	StatusCode int
	Err        error
}

func (e *CompletionError) Error() string { return e.Err.Error() }
func (e *CompletionError) Unwrap() error { return e.Err }

// Completer is the LLM boundary the session loop and memory extractor
// depend on. Implementations must be safe for concurrent use: one client
// is constructed per process and shared across every session.
type Completer interface {
	Complete(ctx context.Context, model string, messages []Message) (string, error)
}

// AnthropicClient is the sole Completer implementation, grounded on a
// plain net/http POST to the Messages API.
type AnthropicClient struct {
	apiKey string
	http   *http.Client
	log    *logrus.Entry
}

// NewAnthropicClient builds a client with the given API key. A caller
// constructs this once per process and injects it into every session,
// per spec.md §9's note against per-session global LLM state.
func NewAnthropicClient(apiKey string, log *logrus.Entry) *AnthropicClient {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &AnthropicClient{
		apiKey: apiKey,
		http:   &http.Client{Timeout: 60 * time.Second},
		log:    log,
	}
}

const anthropicEndpoint = "https://api.anthropic.com/v1/messages"
const anthropicVersion = "2023-06-01"
const defaultMaxTokens = 1024

// anthropicEndpointOverride lets tests point the client at an httptest
// server instead of the real API; empty in production.
var anthropicEndpointOverride string

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Content []anthropicContentBlock `json:"content"`
}

// Complete sends messages to Anthropic and returns the concatenated text
// of the response's content blocks. It is a single HTTP round-trip; retry
// policy lives in Complete's caller (see CallWithRetry) because the
// policy differs between the session tick (swallow-and-sleep) and the
// memory extractor (log-and-give-up).
func (c *AnthropicClient) Complete(ctx context.Context, model string, messages []Message) (string, error) {
	req := anthropicRequest{Model: model, MaxTokens: defaultMaxTokens}
	for _, m := range messages {
		if m.Role == "system" {
			if req.System != "" {
				req.System += "\n\n"
			}
			req.System += m.Content
			continue
		}
		req.Messages = append(req.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", &CompletionError{Kind: ErrTerminal, Err: fmt.Errorf("marshal request: %w", err)}
	}

	endpoint := anthropicEndpoint
	if anthropicEndpointOverride != "" {
		endpoint = anthropicEndpointOverride
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", &CompletionError{Kind: ErrTerminal, Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", &CompletionError{Kind: ErrTransient, Err: fmt.Errorf("request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &CompletionError{Kind: ErrTransient, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", &CompletionError{Kind: ErrTransient, StatusCode: resp.StatusCode, Err: fmt.Errorf("anthropic status %d: %s", resp.StatusCode, respBody)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &CompletionError{Kind: ErrTerminal, StatusCode: resp.StatusCode, Err: fmt.Errorf("anthropic status %d: %s", resp.StatusCode, respBody)}
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", &CompletionError{Kind: ErrTerminal, Err: fmt.Errorf("parse response: %w", err)}
	}

	var text string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}

// CallWithRetry implements the §7 transient-LLM-error policy: up to 3
// attempts total, backing off `attempt * 5s` after a 429/5xx and a flat
// 2s after any other transient error. A terminal error returns
// immediately without retrying.
func CallWithRetry(ctx context.Context, c Completer, model string, messages []Message, log *logrus.Entry) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		text, err := c.Complete(ctx, model, messages)
		if err == nil {
			return text, nil
		}
		lastErr = err

		var ce *CompletionError
		if !errors.As(err, &ce) || ce.Kind == ErrTerminal {
			return "", err
		}
		if attempt == 3 {
			break
		}

		backoff := 2 * time.Second
		if isRateLimited(err) {
			backoff = time.Duration(attempt) * 5 * time.Second
		}

		if log != nil {
			log.WithFields(logrus.Fields{"attempt": attempt, "backoff": backoff}).Warn("transient LLM error, retrying")
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

func isRateLimited(err error) bool {
	var ce *CompletionError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.StatusCode == http.StatusTooManyRequests
}
