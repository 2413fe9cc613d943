package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	defaultBaseDelay      = 1 * time.Second
	defaultMaxDelay       = 8 * time.Second
	defaultMultiplier     = 2.0
	defaultMaxAttempts    = 4 // initial attempt + 3 retries
	defaultJitterFraction = 0.30
	defaultSnippetLimit   = 200
)

type Sleeper func(ctx context.Context, d time.Duration) error
type NowFunc func() time.Time
type RandFunc func() float64

// Policy controls the connection-level retry loop for upstream calls.
// Sleep, Now and Rand are injectable so tests never wait on real clocks.
type Policy struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	MaxAttempts    int
	JitterFraction float64
	SnippetLimit   int
	Sleep          Sleeper
	Now            NowFunc
	Rand           RandFunc
}

func DefaultPolicy() Policy {
	return withDefaults(Policy{})
}

// HTTPStatusError marks a retryable upstream status that survived all
// attempts. The body snippet is bounded and safe to log.
type HTTPStatusError struct {
	StatusCode  int
	BodySnippet string
}

func (e *HTTPStatusError) Error() string {
	if e.BodySnippet == "" {
		return fmt.Sprintf("transient status %d", e.StatusCode)
	}
	return fmt.Sprintf("transient status %d: %s", e.StatusCode, e.BodySnippet)
}

type ExhaustedError struct {
	Cause    error
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry attempts exhausted after %d: %v", e.Attempts, e.Cause)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Cause
}

// DoHTTP runs do until it returns a non-retryable outcome or attempts run
// out. Retryable outcomes are connection-level network failures and the
// statuses 429, 500, 502, 503 and 504. The response body is returned
// alongside the response so callers never read a drained stream.
func DoHTTP(ctx context.Context, policy Policy, logger *slog.Logger, do func(ctx context.Context) (*http.Response, []byte, error)) (*http.Response, []byte, error) {
	policy = withDefaults(policy)

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		resp, body, err := do(ctx)
		if err != nil {
			if !retryableNetErr(ctx, err) {
				return resp, body, err
			}
			if attempt == policy.MaxAttempts {
				return resp, body, &ExhaustedError{Cause: err, Attempts: attempt}
			}
			delay := policy.jitterDelay(policy.backoffDelay(attempt))
			logRetry(logger, attempt+1, policy.MaxAttempts, 0, netErrReason(err), delay, "")
			if err := policy.Sleep(ctx, delay); err != nil {
				return nil, nil, err
			}
			continue
		}

		if resp == nil {
			return nil, nil, errors.New("nil response from http client")
		}

		if !RetryableStatus(resp.StatusCode) {
			return resp, body, nil
		}

		snippet := bodySnippet(body, policy.SnippetLimit)
		if attempt == policy.MaxAttempts {
			return resp, body, &ExhaustedError{
				Cause:    &HTTPStatusError{StatusCode: resp.StatusCode, BodySnippet: snippet},
				Attempts: attempt,
			}
		}

		delay := policy.backoffDelay(attempt)
		if after, ok := parseRetryAfter(resp.Header, policy.Now()); ok {
			delay = min(after, policy.MaxDelay)
		} else {
			delay = policy.jitterDelay(delay)
		}
		logRetry(logger, attempt+1, policy.MaxAttempts, resp.StatusCode, statusReason(resp.StatusCode), delay, snippet)
		if err := policy.Sleep(ctx, delay); err != nil {
			return nil, nil, err
		}
	}

	return nil, nil, errors.New("retry attempts exhausted")
}

// Connect runs dial until a non-retryable response arrives, for callers
// that will go on reading the body as a stream. On a retryable status the
// body is drained and closed here; on success the open response is handed
// back untouched. Mid-stream failures after Connect returns are the
// caller's problem and are never retried.
func Connect(ctx context.Context, policy Policy, logger *slog.Logger, dial func(ctx context.Context) (*http.Response, error)) (*http.Response, error) {
	policy = withDefaults(policy)

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := dial(ctx)
		if err != nil {
			if !retryableNetErr(ctx, err) {
				return nil, err
			}
			if attempt == policy.MaxAttempts {
				return nil, &ExhaustedError{Cause: err, Attempts: attempt}
			}
			delay := policy.jitterDelay(policy.backoffDelay(attempt))
			logRetry(logger, attempt+1, policy.MaxAttempts, 0, netErrReason(err), delay, "")
			if err := policy.Sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}

		if !RetryableStatus(resp.StatusCode) {
			return resp, nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(policy.SnippetLimit)))
		resp.Body.Close()
		snippet := bodySnippet(body, policy.SnippetLimit)
		if attempt == policy.MaxAttempts {
			return nil, &ExhaustedError{
				Cause:    &HTTPStatusError{StatusCode: resp.StatusCode, BodySnippet: snippet},
				Attempts: attempt,
			}
		}

		delay := policy.backoffDelay(attempt)
		if after, ok := parseRetryAfter(resp.Header, policy.Now()); ok {
			delay = min(after, policy.MaxDelay)
		} else {
			delay = policy.jitterDelay(delay)
		}
		logRetry(logger, attempt+1, policy.MaxAttempts, resp.StatusCode, statusReason(resp.StatusCode), delay, snippet)
		if err := policy.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, errors.New("retry attempts exhausted")
}

// RetryableStatus reports whether an upstream status qualifies for a
// connection-level retry.
func RetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func withDefaults(p Policy) Policy {
	if p.BaseDelay == 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.Multiplier == 0 {
		p.Multiplier = defaultMultiplier
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.JitterFraction == 0 {
		p.JitterFraction = defaultJitterFraction
	}
	if p.SnippetLimit == 0 {
		p.SnippetLimit = defaultSnippetLimit
	}
	if p.Sleep == nil {
		p.Sleep = defaultSleep
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	if p.Rand == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		p.Rand = rng.Float64
	}
	return p
}

func (p Policy) backoffDelay(retryIndex int) time.Duration {
	if retryIndex < 1 {
		retryIndex = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retryIndex-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

func (p Policy) jitterDelay(delay time.Duration) time.Duration {
	if delay <= 0 || p.JitterFraction <= 0 {
		return delay
	}
	// +/- JitterFraction to spread simultaneous retries.
	factor := 1 + (p.Rand()*2-1)*p.JitterFraction
	adjusted := float64(delay) * factor
	if adjusted < 0 {
		adjusted = 0
	}
	return time.Duration(adjusted)
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(header http.Header, now time.Time) (time.Duration, bool) {
	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, true
		}
		return time.Duration(seconds) * time.Second, true
	}
	if parsed, err := http.ParseTime(value); err == nil {
		delay := parsed.Sub(now)
		if delay < 0 {
			delay = 0
		}
		return delay, true
	}
	return 0, false
}

func statusReason(status int) string {
	switch status {
	case http.StatusTooManyRequests:
		return "rate limit"
	default:
		return "upstream 5xx"
	}
}

func retryableNetErr(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "connection reset")
}

func netErrReason(err error) string {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "eof"
	case errors.Is(err, syscall.ECONNRESET):
		return "connection reset"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection refused"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "network error"
}

func logRetry(logger *slog.Logger, attempt, maxAttempts, status int, reason string, delay time.Duration, snippet string) {
	if logger == nil {
		return
	}
	args := []any{
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", maxAttempts),
		slog.String("reason", reason),
		slog.Duration("retry_in", delay),
	}
	if status > 0 {
		args = append(args, slog.Int("status", status))
	}
	if snippet != "" {
		args = append(args, slog.String("snippet", snippet))
	}
	logger.Warn("retrying upstream request", args...)
}

func bodySnippet(body []byte, limit int) string {
	if len(body) == 0 || limit <= 0 {
		return ""
	}
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit])
}
