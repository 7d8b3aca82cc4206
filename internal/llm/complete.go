package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"wizardchat/internal/metrics"
)

const (
	maxRequestSize  = 2 * 1024 * 1024 // 2MB total JSON payload
	maxMessageSize  = 64 * 1024       // 64KB per user message
	maxResponseSize = 4 * 1024 * 1024
)

func (c *client) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	start := time.Now()

	if req == nil {
		return nil, &Error{Kind: KindInvalidRequest, Message: "request is nil"}
	}
	if c.cfg.APIKey == "" {
		return nil, &Error{Kind: KindConfig, Err: ErrMissingAPIKey}
	}
	if err := req.Validate(); err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Err: err}
	}

	profile := ProfileFor(req.Mode)
	budget := req.TokenBudget
	if budget == 0 {
		budget = profile.DefaultTokens
	}
	budget = c.cfg.ClampTokens(budget)

	messages := c.buildMessages(profile, req.History, req.Message)
	policy := c.cfg.PolicyFor(budget)

	c.logger.Debug("llm request starting",
		zap.String("mode", string(profile.Mode)),
		zap.Int("token_budget", budget),
		zap.Int("message_count", len(messages)),
		zap.Int("max_attempts", policy.MaxAttempts),
	)

	url := c.cfg.BaseURL + "/chat/completions"

	// doOnce builds a fresh request per attempt since max_tokens shrinks.
	doOnce := func(ctx context.Context, attempt, maxTokens int) (*Completion, error) {
		body, err := json.Marshal(providerChatRequest{
			Model:       c.cfg.Model,
			Messages:    messages,
			Temperature: profile.Temperature,
			MaxTokens:   maxTokens,
		})
		if err != nil {
			return nil, &Error{Kind: KindInvalidRequest, Message: "marshal request", Err: err}
		}
		if len(body) > maxRequestSize {
			return nil, &Error{Kind: KindInvalidRequest, Message: fmt.Sprintf("request too large (%d bytes, max %d)", len(body), maxRequestSize)}
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, &Error{Kind: KindInvalidRequest, Message: "build HTTP request", Err: err}
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return nil, &Error{Kind: KindTimeout, Err: err}
			}
			return nil, &Error{Kind: KindNetwork, Err: err}
		}
		defer resp.Body.Close()

		return c.decodeResponse(resp, profile.Mode)
	}

	out, err := c.runWithRetry(ctx, policy, doOnce)
	metrics.LLMLatencySeconds.WithLabelValues(string(profile.Mode)).Observe(time.Since(start).Seconds())
	if err != nil {
		c.logger.Error("llm request failed",
			zap.String("mode", string(profile.Mode)),
			zap.String("error_kind", string(KindOf(err))),
			zap.Error(err),
			zap.Duration("duration", time.Since(start)),
		)
		return nil, err
	}

	c.logger.Info("llm request completed",
		zap.String("model", out.Model),
		zap.String("mode", string(profile.Mode)),
		zap.Int("attempts", out.Attempts),
		zap.Int("max_tokens", out.TokenBudget),
		zap.Int("prompt_tokens", out.Usage.PromptTokens),
		zap.Int("completion_tokens", out.Usage.CompletionTokens),
		zap.Duration("duration", time.Since(start)),
	)

	return out, nil
}

// buildMessages assembles system instruction + recent history + message.
// History entries with unknown roles or no content are skipped.
func (c *client) buildMessages(profile Profile, history []ChatMessage, message string) []ChatMessage {
	recent := make([]ChatMessage, 0, len(history))
	for _, m := range history {
		if (m.Role != RoleUser && m.Role != RoleAssistant) || strings.TrimSpace(m.Content) == "" {
			continue
		}
		recent = append(recent, m)
	}
	if len(recent) > c.cfg.HistoryTurns {
		recent = recent[len(recent)-c.cfg.HistoryTurns:]
	}

	messages := make([]ChatMessage, 0, len(recent)+2)
	messages = append(messages, ChatMessage{Role: RoleSystem, Content: profile.Instruction})
	messages = append(messages, recent...)
	messages = append(messages, ChatMessage{Role: RoleUser, Content: strings.TrimSpace(message)})
	return messages
}

// decodeResponse maps one upstream response to a Completion or an *Error.
func (c *client) decodeResponse(resp *http.Response, mode Mode) (*Completion, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &Error{Kind: KindNetwork, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := &Error{
			Kind:       KindRemote,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp),
		}

		var perr providerErrorResponse
		if err := json.Unmarshal(body, &perr); err == nil && perr.Error.Message != "" {
			e.Message = perr.Error.Message
			c.logger.Warn("llm provider error",
				zap.Int("status", resp.StatusCode),
				zap.String("error_type", perr.Error.Type),
				zap.String("error_message", perr.Error.Message),
			)
		} else {
			e.Message = truncate(string(body), 200)
			c.logger.Warn("llm upstream error",
				zap.Int("status", resp.StatusCode),
				zap.String("body", e.Message),
			)
		}
		return nil, e
	}

	var pResp providerChatResponse
	if err := json.Unmarshal(body, &pResp); err != nil {
		return nil, &Error{Kind: KindEmptyReply, StatusCode: resp.StatusCode, Message: "undecodable response", Err: err}
	}
	if len(pResp.Choices) == 0 {
		return nil, &Error{Kind: KindEmptyReply, StatusCode: resp.StatusCode, Message: "provider returned no choices"}
	}

	choice := pResp.Choices[0]
	reply := strings.TrimSpace(choice.Message.Content)
	if reply == "" {
		return nil, &Error{Kind: KindEmptyReply, StatusCode: resp.StatusCode, Message: "provider returned empty content"}
	}

	out := &Completion{
		Reply:        reply,
		Model:        pResp.Model,
		FinishReason: choice.FinishReason,
		Usage:        &Usage{},
	}
	if pResp.Usage != nil {
		out.Usage.PromptTokens = pResp.Usage.PromptTokens
		out.Usage.CompletionTokens = pResp.Usage.CompletionTokens
		out.Usage.TotalTokens = pResp.Usage.TotalTokens
	}

	c.logger.Debug("llm upstream reply",
		zap.String("mode", string(mode)),
		zap.String("finish_reason", out.FinishReason),
		zap.Int("reply_bytes", len(reply)),
	)
	return out, nil
}

// truncate limits string length for logging
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
