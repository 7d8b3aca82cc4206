package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap/zaptest"

	"wizardchat/internal/cache"
	"wizardchat/internal/chat"
	"wizardchat/internal/llm"
)

type mockLLMClient struct {
	mu          sync.Mutex
	calls       int
	lastRequest *llm.CompletionRequest
	gate        chan struct{}
	err         error
}

func (m *mockLLMClient) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.Completion, error) {
	m.mu.Lock()
	m.calls++
	m.lastRequest = req
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if m.err != nil {
		return nil, m.err
	}
	return &llm.Completion{
		Reply:    "Greetings, seeker of " + req.Message,
		Model:    llm.DefaultModel,
		Usage:    &llm.Usage{PromptTokens: 4, CompletionTokens: 6, TotalTokens: 10},
		Attempts: 1,
	}, nil
}

func (m *mockLLMClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestRouter(t *testing.T, client llm.Client) http.Handler {
	t.Helper()

	store, mem := cache.NewStore(cache.Config{TTL: time.Minute}, nil)
	t.Cleanup(func() { mem.Close() })

	svc := chat.NewService(chat.Config{}, chat.Deps{
		Cache:  store,
		Client: client,
		Logger: zaptest.NewLogger(t),
	})
	t.Cleanup(svc.Close)

	ch := NewChatHandler(svc)
	rh := NewRitualHandler(svc)

	r := chi.NewRouter()
	r.Post("/api/chat", ch.Chat)
	r.Get("/api/modes", ch.Modes)
	r.Post("/api/ritual", rh.Start)
	r.Get("/api/ritual/{id}", rh.Status)
	r.Delete("/api/ritual/{id}", rh.Cancel)
	return r
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestChatHandlerCachesReply(t *testing.T) {
	fakeLLM := &mockLLMClient{}
	h := newTestRouter(t, fakeLLM)

	body := chatRequest{Message: "hello", ResponseMode: "brief", MaxTokens: 50}

	rr := postJSON(t, h, "/api/chat", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type: %s", ct)
	}

	var resp chatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Reply != "Greetings, seeker of hello" || resp.Cached {
		t.Fatalf("unexpected first response: %+v", resp)
	}
	if resp.TokenUsage == nil || resp.TokenUsage.TotalTokens != 10 {
		t.Fatalf("token usage missing: %+v", resp.TokenUsage)
	}
	if resp.ResponseMode != "brief" || resp.MaxTokens != 50 {
		t.Fatalf("unexpected mode/budget: %s/%d", resp.ResponseMode, resp.MaxTokens)
	}
	if resp.Theme.Name == "" {
		t.Fatalf("expected a theme")
	}

	rr = postJSON(t, h, "/api/chat", chatRequest{Message: "  HELLO  ", ResponseMode: "brief", MaxTokens: 50})
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Cached {
		t.Fatalf("expected cached reply on second call")
	}
	if fakeLLM.Calls() != 1 {
		t.Fatalf("expected 1 upstream call, got %d", fakeLLM.Calls())
	}
}

func TestChatHandlerErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		maxTokens int
		status    int
		shorter   bool
	}{
		{"missing key", &llm.Error{Kind: llm.KindConfig, Err: llm.ErrMissingAPIKey}, 50, http.StatusInternalServerError, false},
		{"long timeout", &llm.Error{Kind: llm.KindTimeout}, 500, http.StatusGatewayTimeout, true},
		{"short timeout", &llm.Error{Kind: llm.KindTimeout}, 100, http.StatusGatewayTimeout, false},
		{"upstream 503", &llm.Error{Kind: llm.KindRemote, StatusCode: 503}, 50, http.StatusBadGateway, false},
		{"empty reply", &llm.Error{Kind: llm.KindEmptyReply}, 50, http.StatusBadGateway, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestRouter(t, &mockLLMClient{err: tt.err})

			rr := postJSON(t, h, "/api/chat", chatRequest{Message: "tell me everything", MaxTokens: tt.maxTokens})
			if rr.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rr.Code, rr.Body.String())
			}

			var resp errorResponse
			if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Error == "" {
				t.Fatalf("expected an error message")
			}
			if resp.SuggestShorter != tt.shorter {
				t.Fatalf("suggest_shorter = %v, want %v", resp.SuggestShorter, tt.shorter)
			}
			if tt.shorter && !strings.Contains(resp.Error, "shorter") {
				t.Fatalf("expected a shorter-mode hint, got %q", resp.Error)
			}
		})
	}
}

func TestChatHandlerRejectsBadInput(t *testing.T) {
	fakeLLM := &mockLLMClient{}
	h := newTestRouter(t, fakeLLM)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("invalid JSON: expected 400, got %d", rr.Code)
	}

	rr = postJSON(t, h, "/api/chat", chatRequest{Message: "   "})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty message: expected 400, got %d", rr.Code)
	}

	rr = postJSON(t, h, "/api/chat", chatRequest{Message: "hi", MaxTokens: -3})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("negative budget: expected 400, got %d", rr.Code)
	}

	if fakeLLM.Calls() != 0 {
		t.Fatalf("invalid requests must not reach upstream")
	}
}

func TestChatHandlerUsesSessionHistory(t *testing.T) {
	fakeLLM := &mockLLMClient{}
	h := newTestRouter(t, fakeLLM)

	send := func(msg string) {
		payload, _ := json.Marshal(chatRequest{Message: msg, ResponseMode: "brief"})
		req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(payload))
		req.Header.Set("X-Session-ID", "merlin")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
	}

	send("first question")
	send("second question")

	fakeLLM.mu.Lock()
	defer fakeLLM.mu.Unlock()
	if got := len(fakeLLM.lastRequest.History); got != 2 {
		t.Fatalf("expected previous turn in history, got %d messages", got)
	}
	if fakeLLM.lastRequest.History[0].Content != "first question" {
		t.Fatalf("unexpected history: %+v", fakeLLM.lastRequest.History)
	}
}

func TestModes(t *testing.T) {
	h := newTestRouter(t, &mockLLMClient{})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/modes", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var resp struct {
		Modes []struct {
			Name          string `json:"name"`
			DefaultTokens int    `json:"defaultTokens"`
			Long          bool   `json:"long"`
		} `json:"modes"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Modes) != 4 || resp.Modes[0].Name != "brief" || resp.Modes[0].Long || !resp.Modes[3].Long {
		t.Fatalf("unexpected modes: %+v", resp.Modes)
	}
}
