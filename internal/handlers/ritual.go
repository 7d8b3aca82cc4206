package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"wizardchat/internal/chat"
	"wizardchat/internal/llm"
	"wizardchat/internal/vibe"
	"wizardchat/pkg/logging"
)

type ritualStarted struct {
	RitualID string `json:"ritualId"`
}

type phaseView struct {
	Index       int    `json:"index"`
	Label       string `json:"label"`
	Description string `json:"description"`
	ElapsedMs   int64  `json:"elapsedMs"`
}

type ritualStatus struct {
	Complete       bool        `json:"complete"`
	Canceled       bool        `json:"canceled,omitempty"`
	Result         *string     `json:"result,omitempty"`
	TokenUsage     *llm.Usage  `json:"tokenUsage,omitempty"`
	Cached         bool        `json:"cached,omitempty"`
	Vibe           int         `json:"vibe,omitempty"`
	Theme          *vibe.Theme `json:"theme,omitempty"`
	Error          string      `json:"error,omitempty"`
	SuggestShorter bool        `json:"suggest_shorter,omitempty"`
	Phase          *phaseView  `json:"phase,omitempty"`
	ElapsedMs      int64       `json:"elapsedMs"`
}

// RitualHandler serves the polling variant under /api/ritual.
type RitualHandler struct {
	svc *chat.Service
}

func NewRitualHandler(svc *chat.Service) *RitualHandler {
	return &RitualHandler{svc: svc}
}

// Start handles POST /api/ritual.
func (h *RitualHandler) Start(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeChatRequest(w, r)
	if !ok {
		return
	}

	sessionID := sessionIDFor(r, req)
	ctx := logging.WithFields(r.Context(), zap.String("session_id", sessionID))

	t := h.svc.Conversation(sessionID).Start(ctx, req.toRequest())
	logging.L(ctx).Info("ritual_started", zap.String("ritual_id", t.ID()))

	writeJSON(w, http.StatusAccepted, ritualStarted{RitualID: t.ID()})
}

// Status handles GET /api/ritual/{id}.
func (h *RitualHandler) Status(w http.ResponseWriter, r *http.Request) {
	t, ok := h.svc.Ticket(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown ritual"})
		return
	}

	st := t.Status()
	resp := ritualStatus{
		Complete:  st.Complete,
		Canceled:  st.Canceled,
		ElapsedMs: st.Elapsed.Milliseconds(),
	}
	if st.Phase != nil {
		resp.Phase = &phaseView{
			Index:       st.Phase.Index,
			Label:       st.Phase.Phase.Label,
			Description: st.Phase.Phase.Description,
			ElapsedMs:   st.Phase.Elapsed.Milliseconds(),
		}
	}
	if out := st.Outcome; out != nil {
		if out.OK() {
			reply := out.Reply
			theme := out.Theme
			resp.Result = &reply
			resp.TokenUsage = out.Usage
			resp.Cached = out.Cached
			resp.Vibe = out.Vibe
			resp.Theme = &theme
		} else {
			resp.Error = out.Failure.Message
			resp.SuggestShorter = out.Failure.SuggestShorter
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Cancel handles DELETE /api/ritual/{id}.
func (h *RitualHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := h.svc.Ticket(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown ritual"})
		return
	}
	t.Cancel()
	logging.L(r.Context()).Info("ritual_cancelled", zap.String("ritual_id", id))
	w.WriteHeader(http.StatusNoContent)
}
