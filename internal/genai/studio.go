// Package genai is the client for the GenAI Studio chat-completions API:
// blocking completions with connection-level retry, and SSE streaming with
// a hard wall-clock cap.
package genai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"courseassist/internal/chat"
	"courseassist/internal/config"
	"courseassist/internal/retry"
)

// ErrStreamCapExceeded terminates a stream that outlived the configured
// maximum duration. Delivered as a terminal error event, never by hanging.
var ErrStreamCapExceeded = errors.New("Response time exceeded maximum duration")

const errorBodyLimit = 4096

type StudioClient struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int

	httpClient   *http.Client
	streamClient *http.Client
	policy       retry.Policy
	rules        InstructionRules
	streamCap    time.Duration
	logger       *slog.Logger
}

func NewStudioClient(cfg config.GenAIConfig, apiKey string, rules InstructionRules, httpClient, streamClient *http.Client, logger *slog.Logger) *StudioClient {
	return &StudioClient{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		httpClient:   httpClient,
		streamClient: streamClient,
		policy:       retry.DefaultPolicy(),
		rules:        rules,
		streamCap:    cfg.MaxStreamDuration(),
		logger:       logger,
	}
}

// WithPolicy overrides the retry policy. Tests use it to inject recorded
// sleepers.
func (c *StudioClient) WithPolicy(policy retry.Policy) *StudioClient {
	c.policy = policy
	return c
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream,omitempty"`
}

type completionResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Usage chat.Usage `json:"usage"`
}

func (c *StudioClient) marshalRequest(turns []chat.Turn, stream bool) ([]byte, error) {
	turns = applyInstruction(c.rules, c.model, turns)
	messages := make([]wireMessage, 0, len(turns))
	for _, turn := range turns {
		messages = append(messages, wireMessage{Role: string(turn.Role), Content: turn.Content})
	}
	return json.Marshal(completionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Stream:      stream,
	})
}

func (c *StudioClient) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// Complete sends the turn list as one blocking completion call. Transient
// failures are retried per the policy; the caller always gets a result or a
// typed error, never a panic across this boundary.
func (c *StudioClient) Complete(ctx context.Context, turns []chat.Turn) (*chat.Completion, error) {
	payload, err := c.marshalRequest(turns, false)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	resp, body, err := retry.DoHTTP(ctx, c.policy, c.logger, func(ctx context.Context) (*http.Response, []byte, error) {
		req, err := c.newRequest(ctx, payload)
		if err != nil {
			return nil, nil, err
		}
		r, err := c.httpClient.Do(req)
		if err != nil {
			return nil, nil, err
		}
		defer r.Body.Close()
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return r, nil, err
		}
		return r, b, nil
	})
	if err != nil {
		return nil, c.mapTransportError(err, body)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &UpstreamError{Status: resp.StatusCode, Detail: extractErrorDetail(body)}
	}

	var parsed completionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &ProtocolError{Reason: "undecodable completion body"}
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return nil, &ProtocolError{Reason: "empty response from model"}
	}

	model := parsed.Model
	if model == "" {
		model = c.model
	}
	return &chat.Completion{
		Content: parsed.Choices[0].Message.Content,
		Model:   model,
		Usage:   parsed.Usage,
	}, nil
}

// Stream opens a streaming completion and re-emits upstream data fragments
// verbatim. The sequence is finite and not restartable: it ends with a Done
// event on the [DONE] sentinel, or with exactly one terminal Err event.
// Once fragments have flowed, failures are never retried; a retry would
// duplicate content the caller already has.
func (c *StudioClient) Stream(ctx context.Context, turns []chat.Turn) <-chan chat.StreamEvent {
	events := make(chan chat.StreamEvent)
	go func() {
		defer close(events)
		c.stream(ctx, turns, events)
	}()
	return events
}

func (c *StudioClient) stream(ctx context.Context, turns []chat.Turn, events chan<- chat.StreamEvent) {
	emit := func(ev chat.StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	payload, err := c.marshalRequest(turns, true)
	if err != nil {
		emit(chat.StreamEvent{Err: fmt.Errorf("marshal request: %w", err)})
		return
	}

	// The cap bounds the whole stream through the request context, so even
	// a blocked read unblocks at the deadline.
	streamCtx, cancel := context.WithTimeout(ctx, c.streamCap)
	defer cancel()

	resp, err := retry.Connect(streamCtx, c.policy, c.logger, func(ctx context.Context) (*http.Response, error) {
		req, err := c.newRequest(ctx, payload)
		if err != nil {
			return nil, err
		}
		return c.streamClient.Do(req)
	})
	if err != nil {
		emit(chat.StreamEvent{Err: c.mapTransportError(err, nil)})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		emit(chat.StreamEvent{Err: &UpstreamError{Status: resp.StatusCode, Detail: extractErrorDetail(body)}})
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			emit(chat.StreamEvent{Done: true})
			return
		}
		if !gjson.Valid(data) {
			// Malformed fragments are skipped, not fatal to the stream.
			continue
		}
		if !emit(chat.StreamEvent{Data: []byte(data)}) {
			return
		}
	}

	readErr := scanner.Err()
	switch {
	case ctx.Err() != nil:
		// Caller disconnected; stop reading and release the connection.
		return
	case streamCtx.Err() != nil:
		if c.logger != nil {
			c.logger.Warn("stream duration exceeded maximum time",
				slog.Duration("cap", c.streamCap))
		}
		emit(chat.StreamEvent{Err: ErrStreamCapExceeded})
	case readErr != nil:
		emit(chat.StreamEvent{Err: fmt.Errorf("stream read: %w", readErr)})
	default:
		emit(chat.StreamEvent{Err: &ProtocolError{Reason: "stream ended without completion sentinel"}})
	}
}

// Healthy probes the upstream models endpoint with a short deadline.
func (c *StudioClient) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/models", nil)
	if err != nil {
		return false
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *StudioClient) mapTransportError(err error, body []byte) error {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		var statusErr *retry.HTTPStatusError
		if errors.As(exhausted.Cause, &statusErr) {
			detail := extractErrorDetail(body)
			if detail == "" {
				detail = statusErr.BodySnippet
			}
			return &UpstreamError{Status: statusErr.StatusCode, Detail: detail}
		}
		err = exhausted.Cause
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("upstream connection error: %w", err)
}

// extractErrorDetail pulls the upstream's own message out of an error body
// when it has one, in either of the shapes the API emits.
func extractErrorDetail(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	if msg := gjson.GetBytes(body, "error.message"); msg.Exists() {
		return msg.String()
	}
	if msg := gjson.GetBytes(body, "error"); msg.Type == gjson.String {
		return msg.String()
	}
	if msg := gjson.GetBytes(body, "detail"); msg.Type == gjson.String {
		return msg.String()
	}
	return ""
}
