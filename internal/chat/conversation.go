package chat

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wizardchat/internal/cache"
	"wizardchat/internal/llm"
	"wizardchat/internal/ritual"
	"wizardchat/internal/vibe"
	"wizardchat/pkg/logging"
)

// Request is one user message.
type Request struct {
	Message string
	// Mode names a response mode; unknown or empty means standard.
	Mode string
	// TokenBudget is the requested reply length. Zero picks the mode default.
	TokenBudget int
	// History, when set, replaces the conversation's remembered turns.
	History []llm.ChatMessage
}

// Outcome is the final result of a Send.
type Outcome struct {
	Reply       string
	Mode        llm.Mode
	TokenBudget int
	// Cached is set when the reply came from the cache.
	Cached bool
	// Shared is set when the reply came from another caller's upstream call.
	Shared  bool
	Usage   *llm.Usage
	Vibe    int
	Theme   vibe.Theme
	Failure *Failure
}

func (o Outcome) OK() bool { return o.Failure == nil }

// Sink receives what a Send produces. Phase is only called for long
// requests and never after Deliver.
type Sink interface {
	Phase(ev ritual.Event)
	Deliver(out Outcome)
}

// SinkFuncs adapts plain functions to Sink. Nil fields are skipped.
type SinkFuncs struct {
	OnPhase   func(ritual.Event)
	OnDeliver func(Outcome)
}

func (f SinkFuncs) Phase(ev ritual.Event) {
	if f.OnPhase != nil {
		f.OnPhase(ev)
	}
}

func (f SinkFuncs) Deliver(out Outcome) {
	if f.OnDeliver != nil {
		f.OnDeliver(out)
	}
}

// Conversation is one session's history plus its current ritual.
type Conversation struct {
	id  string
	svc *Service

	mu      sync.Mutex
	history []llm.ChatMessage
	ritual  *ritual.Session
}

func (c *Conversation) ID() string { return c.id }

// History returns a copy of the remembered turns, oldest first.
func (c *Conversation) History() []llm.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.ChatMessage, len(c.history))
	copy(out, c.history)
	return out
}

// Ritual returns the running ritual session, if any.
func (c *Conversation) Ritual() *ritual.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ritual
}

// Send answers req and hands the outcome to sink before returning it.
// sink may be nil.
func (c *Conversation) Send(ctx context.Context, req Request, sink Sink) Outcome {
	return c.send(ctx, req, sink, uuid.NewString())
}

// Start runs req in the background and returns a ticket to poll.
func (c *Conversation) Start(ctx context.Context, req Request) *Ticket {
	t := newTicket(uuid.NewString(), c)

	// The ticket outlives the caller's request.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancelRun = cancel
	c.svc.tickets.Add(t.id, t)

	go func() {
		defer close(t.done)
		defer cancel()
		c.send(runCtx, req, t, t.id)
	}()
	return t
}

func (c *Conversation) send(ctx context.Context, req Request, sink Sink, ritualID string) Outcome {
	s := c.svc
	if sink == nil {
		sink = SinkFuncs{}
	}

	ctx = logging.WithFields(ctx, zap.String("session_id", c.id))
	logger := logging.L(ctx)
	start := s.clock.Now()

	mode, budget, err := s.resolve(req)
	if err != nil {
		out := Outcome{Failure: newFailure(err, mode, budget, s.cfg.LongThreshold)}
		logger.Warn("chat_request_invalid", zap.Error(err))
		sink.Deliver(out)
		return out
	}

	if len(req.History) > 0 {
		c.replaceHistory(req.History)
	}

	score := s.vibes.Analyze(req.Message)
	out := Outcome{
		Mode:        mode,
		TokenBudget: budget,
		Vibe:        score,
		Theme:       vibe.ThemeFor(score),
	}

	key := cache.NewKey(req.Message, string(mode), budget)
	if reply, ok := s.cache.Get(ctx, key); ok {
		out.Reply = reply
		out.Cached = true
		c.appendTurn(req.Message, reply)

		logger.Info("chat_decision",
			zap.String("mode", string(mode)),
			zap.Int("token_budget", budget),
			zap.Bool("cache_hit", true),
			zap.Duration("total_latency_ms", s.clock.Since(start)),
		)
		sink.Deliver(out)
		return out
	}

	long := s.IsLong(budget)
	if long {
		sess := c.startRitual(ritualID, sink.Phase)
		defer c.retireRitual(sess)
	}

	history := c.History()
	comp, shared, err := s.flights.Join(ctx, key.Normalized, func(fctx context.Context) (*llm.Completion, error) {
		comp, err := s.client.Complete(fctx, &llm.CompletionRequest{
			Message:     req.Message,
			History:     history,
			Mode:        mode,
			TokenBudget: budget,
		})
		if err != nil {
			return nil, err
		}
		s.cache.Set(fctx, key, comp.Reply)
		return comp, nil
	})

	if err != nil {
		out.Failure = newFailure(err, mode, budget, s.cfg.LongThreshold)
		logger.Warn("chat_decision",
			zap.String("mode", string(mode)),
			zap.Int("token_budget", budget),
			zap.Bool("cache_hit", false),
			zap.Bool("long", long),
			zap.Bool("shared", shared),
			zap.String("error_kind", string(out.Failure.Kind)),
			zap.Error(err),
			zap.Duration("total_latency_ms", s.clock.Since(start)),
		)
		c.finish(long, ritualID)
		sink.Deliver(out)
		return out
	}

	out.Reply = comp.Reply
	out.Shared = shared
	out.Usage = comp.Usage
	c.appendTurn(req.Message, comp.Reply)

	logger.Info("chat_decision",
		zap.String("mode", string(mode)),
		zap.Int("token_budget", budget),
		zap.Bool("cache_hit", false),
		zap.Bool("long", long),
		zap.Bool("shared", shared),
		zap.Int("attempts", comp.Attempts),
		zap.Duration("total_latency_ms", s.clock.Since(start)),
	)
	c.finish(long, ritualID)
	sink.Deliver(out)
	return out
}

// finish retires the ritual before delivery so no phase event follows the
// outcome.
func (c *Conversation) finish(long bool, ritualID string) {
	if long {
		c.retireRitualByID(ritualID)
	}
}

// startRitual retires the previous session before the new one starts.
func (c *Conversation) startRitual(id string, onPhase func(ritual.Event)) *ritual.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ritual != nil {
		c.ritual.Retire()
	}
	c.ritual = c.svc.rituals.Start(id, onPhase)
	return c.ritual
}

func (c *Conversation) retireRitual(sess *ritual.Session) {
	sess.Retire()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ritual == sess {
		c.ritual = nil
	}
}

// retireRitualByID retires the current session if it is id.
func (c *Conversation) retireRitualByID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ritual != nil && c.ritual.ID() == id {
		c.ritual.Retire()
		c.ritual = nil
	}
}

func (c *Conversation) appendTurn(message, reply string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history,
		llm.ChatMessage{Role: llm.RoleUser, Content: message},
		llm.ChatMessage{Role: llm.RoleAssistant, Content: reply},
	)
	c.trimLocked()
}

func (c *Conversation) replaceHistory(history []llm.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = c.history[:0]
	for _, m := range history {
		if m.Role != llm.RoleUser && m.Role != llm.RoleAssistant {
			continue
		}
		c.history = append(c.history, m)
	}
	c.trimLocked()
}

func (c *Conversation) trimLocked() {
	if limit := c.svc.cfg.HistoryLimit; len(c.history) > limit {
		c.history = append([]llm.ChatMessage(nil), c.history[len(c.history)-limit:]...)
	}
}
