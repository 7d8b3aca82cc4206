package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"wizardchat/internal/chat"
	"wizardchat/internal/llm"
	"wizardchat/internal/middleware"
	"wizardchat/internal/vibe"
	"wizardchat/pkg/logging"
)

// statusClientClosedRequest is reported when the caller went away first.
const statusClientClosedRequest = 499

type chatRequest struct {
	Message             string            `json:"message"`
	ConversationHistory []llm.ChatMessage `json:"conversationHistory,omitempty"`
	MaxTokens           int               `json:"maxTokens,omitempty"`
	ResponseMode        string            `json:"responseMode,omitempty"`
	SessionID           string            `json:"sessionId,omitempty"`
}

type chatResponse struct {
	Reply        string     `json:"reply"`
	TokenUsage   *llm.Usage `json:"tokenUsage,omitempty"`
	Cached       bool       `json:"cached"`
	ResponseMode string     `json:"responseMode"`
	MaxTokens    int        `json:"maxTokens"`
	Vibe         int        `json:"vibe"`
	Theme        vibe.Theme `json:"theme"`
}

type errorResponse struct {
	Error          string `json:"error"`
	SuggestShorter bool   `json:"suggest_shorter,omitempty"`
}

// ChatHandler serves POST /api/chat.
type ChatHandler struct {
	svc *chat.Service
}

func NewChatHandler(svc *chat.Service) *ChatHandler {
	return &ChatHandler{svc: svc}
}

// Chat answers one message and waits for the reply.
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	sessionID := sessionIDFor(r, req)
	ctx := logging.WithFields(r.Context(), zap.String("session_id", sessionID))

	out := h.svc.Conversation(sessionID).Send(ctx, req.toRequest(), nil)
	if !out.OK() {
		writeFailure(w, out.Failure)
		return
	}

	logging.L(ctx).Debug("chat_reply",
		zap.Bool("cached", out.Cached),
		zap.Bool("shared", out.Shared),
		zap.Duration("total_latency_ms", time.Since(start)),
	)
	writeJSON(w, http.StatusOK, newChatResponse(out))
}

// Modes serves GET /api/modes.
func (h *ChatHandler) Modes(w http.ResponseWriter, r *http.Request) {
	type modeInfo struct {
		Name          string `json:"name"`
		DefaultTokens int    `json:"defaultTokens"`
		Long          bool   `json:"long"`
	}
	modes := make([]modeInfo, 0, len(llm.Modes()))
	for _, m := range llm.Modes() {
		p := llm.ProfileFor(m)
		modes = append(modes, modeInfo{
			Name:          string(m),
			DefaultTokens: p.DefaultTokens,
			Long:          h.svc.IsLong(p.DefaultTokens),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"modes": modes})
}

func (req chatRequest) toRequest() chat.Request {
	return chat.Request{
		Message:     req.Message,
		Mode:        req.ResponseMode,
		TokenBudget: req.MaxTokens,
		History:     req.ConversationHistory,
	}
}

func newChatResponse(out chat.Outcome) chatResponse {
	return chatResponse{
		Reply:        out.Reply,
		TokenUsage:   out.Usage,
		Cached:       out.Cached,
		ResponseMode: string(out.Mode),
		MaxTokens:    out.TokenBudget,
		Vibe:         out.Vibe,
		Theme:        out.Theme,
	}
}

// decodeChatRequest writes the error response itself when it fails.
func decodeChatRequest(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
		case errors.Is(err, io.EOF):
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "request body is empty"})
		default:
			logging.L(r.Context()).Warn("invalid request", zap.Error(err))
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON"})
		}
		return req, false
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "message is required"})
		return req, false
	}
	return req, true
}

func sessionIDFor(r *http.Request, req chatRequest) string {
	if id := strings.TrimSpace(req.SessionID); id != "" {
		return id
	}
	if id := strings.TrimSpace(r.Header.Get(middleware.SessionHeader)); id != "" {
		return id
	}
	return chat.AnonymousSession
}

func statusFor(kind llm.ErrorKind) int {
	switch kind {
	case llm.KindInvalidRequest:
		return http.StatusBadRequest
	case llm.KindConfig:
		return http.StatusInternalServerError
	case llm.KindTimeout:
		return http.StatusGatewayTimeout
	case llm.KindCanceled:
		return statusClientClosedRequest
	default:
		return http.StatusBadGateway
	}
}

func writeFailure(w http.ResponseWriter, f *chat.Failure) {
	writeJSON(w, statusFor(f.Kind), errorResponse{Error: f.Message, SuggestShorter: f.SuggestShorter})
}

// writeJSON is a small helper to send JSON responses consistently.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
