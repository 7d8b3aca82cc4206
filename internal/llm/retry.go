package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"wizardchat/internal/metrics"
)

// Policy is the retry plan for one completion, derived from its budget.
type Policy struct {
	MaxAttempts    int
	Backoff        []time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	TokenBudget    int
	TokenDecay     float64
	MinTokens      int
}

// PolicyFor derives the plan for a clamped token budget. Bigger budgets get
// longer deadlines and fewer attempts, since each attempt costs more.
func (c *Config) PolicyFor(budget int) Policy {
	attempts := c.MaxAttempts
	switch {
	case budget > 1000:
		attempts -= 2
	case budget > 500:
		attempts--
	}
	if attempts < 1 {
		attempts = 1
	}

	return Policy{
		MaxAttempts:    attempts,
		Backoff:        c.Backoff,
		MaxBackoff:     c.MaxBackoff,
		AttemptTimeout: c.AttemptTimeout(budget),
		TokenBudget:    budget,
		TokenDecay:     c.TokenDecay,
		MinTokens:      c.MinTokens,
	}
}

// AttemptTimeout grows with the budget within [TimeoutFloor, TimeoutCeiling].
func (c *Config) AttemptTimeout(budget int) time.Duration {
	d := c.TimeoutFloor + time.Duration(budget)*c.TimeoutPerToken
	if d < c.TimeoutFloor {
		d = c.TimeoutFloor
	}
	if d > c.TimeoutCeiling {
		d = c.TimeoutCeiling
	}
	return d
}

// BackoffBefore returns the wait before the given attempt (2-based: the
// first retry is attempt 2). The schedule's last entry repeats, and every
// delay is capped at MaxBackoff.
func (p Policy) BackoffBefore(attempt int) time.Duration {
	if attempt < 2 || len(p.Backoff) == 0 {
		return 0
	}
	i := attempt - 2
	if i >= len(p.Backoff) {
		i = len(p.Backoff) - 1
	}
	d := p.Backoff[i]
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// TokensFor returns max_tokens for the given attempt (1-based). Each retry
// asks for a shorter reply to fit in the remaining time.
func (p Policy) TokensFor(attempt int) int {
	tokens := float64(p.TokenBudget)
	for i := 1; i < attempt; i++ {
		tokens *= p.TokenDecay
	}
	n := int(tokens)
	if n < p.MinTokens {
		n = p.MinTokens
	}
	if n > p.TokenBudget {
		n = p.TokenBudget
	}
	return n
}

type attemptFunc func(ctx context.Context, attempt, maxTokens int) (*Completion, error)

// runWithRetry runs do under p. A timeout cancels only the attempt in
// progress; the sequence continues until attempts run out, a non-retryable
// error shows up or ctx ends.
func (c *client) runWithRetry(ctx context.Context, p Policy, do attemptFunc) (*Completion, error) {
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Kind: KindCanceled, Err: err}
		}

		tokens := p.TokensFor(attempt)
		start := c.cfg.Clock.Now()
		out, err := c.runAttempt(ctx, p.AttemptTimeout, attempt, tokens, do)

		c.logger.Debug("llm upstream attempt",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.MaxAttempts),
			zap.Int("max_tokens", tokens),
			zap.Duration("timeout", p.AttemptTimeout),
			zap.Duration("duration", c.cfg.Clock.Since(start)),
			zap.Error(err),
		)

		if err == nil {
			metrics.LLMAttemptsTotal.WithLabelValues("ok").Inc()
			out.Attempts = attempt
			out.TokenBudget = tokens
			return out, nil
		}

		metrics.LLMAttemptsTotal.WithLabelValues(string(KindOf(err))).Inc()
		lastErr = err

		if !retryable(err) {
			c.logger.Debug("non-retryable upstream error", zap.Error(err))
			return nil, err
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.BackoffBefore(attempt + 1)
		var e *Error
		if errors.As(err, &e) && e.RetryAfter > delay {
			delay = e.RetryAfter
			if p.MaxBackoff > 0 && delay > p.MaxBackoff {
				delay = p.MaxBackoff
			}
		}

		if c.cfg.OnRetry != nil {
			c.cfg.OnRetry(attempt, err, delay)
		}
		c.logger.Info("backing off before retry",
			zap.Duration("backoff", delay),
			zap.Int("next_attempt", attempt+1),
			zap.String("error_kind", string(KindOf(err))),
		)

		select {
		case <-ctx.Done():
			return nil, &Error{Kind: KindCanceled, Err: ctx.Err()}
		case <-c.cfg.Clock.After(delay):
		}
	}

	c.logger.Warn("llm request exhausted all retries",
		zap.Int("attempts", p.MaxAttempts),
		zap.Error(lastErr),
	)
	return nil, fmt.Errorf("llmclient: giving up after %d attempts: %w", p.MaxAttempts, lastErr)
}

// runAttempt bounds one attempt by timeout. The attempt is reported as a
// timeout when the deadline passes, even if do has not returned yet.
func (c *client) runAttempt(ctx context.Context, timeout time.Duration, attempt, tokens int, do attemptFunc) (*Completion, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out *Completion
		err error
	}
	done := make(chan result, 1)

	go func() {
		out, err := do(actx, attempt, tokens)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			return r.out, nil
		}
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindCanceled, Err: ctx.Err()}
		}
		if errors.Is(actx.Err(), context.DeadlineExceeded) && KindOf(r.err) != KindRemote {
			return nil, &Error{Kind: KindTimeout, Message: fmt.Sprintf("no reply within %s", timeout), Err: r.err}
		}
		return nil, r.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindCanceled, Err: ctx.Err()}
		}
		return nil, &Error{Kind: KindTimeout, Message: fmt.Sprintf("no reply within %s", timeout), Err: actx.Err()}
	}
}

// retryable applies the failure policy to err.
func retryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindTimeout, KindEmptyReply:
		return true
	case KindNetwork:
		return isTransientNetError(e.Err)
	case KindRemote:
		return shouldRetryStatus(e.StatusCode)
	default:
		return false
	}
}

// isTransientNetError determines whether a network error is worth retrying.
func isTransientNetError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary || dnsErr.IsNotFound
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" || opErr.Op == "read" || opErr.Op == "write" {
			return true
		}
	}

	// Wrapped errors sometimes only keep the text.
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"temporary failure",
		"eof",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// shouldRetryStatus reports whether an upstream status is worth retrying.
// Other 4xx are surfaced at once; retrying an invalid request wastes budget.
func shouldRetryStatus(status int) bool {
	switch {
	case status == http.StatusTooManyRequests:
		return true
	case status == http.StatusRequestTimeout:
		return true
	case status >= 500 && status <= 599:
		return true
	default:
		return false
	}
}

// parseRetryAfter extracts the retry delay from a Retry-After header,
// given as seconds or as an HTTP date. Returns 0 if missing or invalid.
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	retryAfter := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if retryAfter == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return 0
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}
