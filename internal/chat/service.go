// Package chat runs the send-message flow: cache lookup, request
// coalescing, the upstream call with its retry policy, ritual progress for
// long replies, and delivery of the outcome to whoever is listening.
package chat

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"wizardchat/internal/cache"
	"wizardchat/internal/dedup"
	"wizardchat/internal/llm"
	"wizardchat/internal/ritual"
	"wizardchat/internal/vibe"
)

// AnonymousSession is used when a caller does not name a session.
const AnonymousSession = "anon"

type Config struct {
	// LongThreshold is the token budget above which a request gets a
	// ritual. Default 300.
	LongThreshold int
	// MaxTokens clamps requested budgets. Default 2000.
	MaxTokens int
	// HistoryLimit bounds the messages kept per conversation. Default 8.
	HistoryLimit int
	// RitualCeiling is how long a ticket may stay pending before polling
	// reports a timeout. Default 3m.
	RitualCeiling time.Duration
	// SessionTTL expires idle conversations. Default 30m.
	SessionTTL time.Duration
	// MaxSessions bounds live conversations and tickets. Default 1000.
	MaxSessions int
}

func (c Config) withDefaults() Config {
	if c.LongThreshold <= 0 {
		c.LongThreshold = 300
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 2000
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 8
	}
	if c.RitualCeiling <= 0 {
		c.RitualCeiling = 3 * time.Minute
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 1000
	}
	return c
}

// Deps are the collaborators a Service composes. Cache and Client are
// required; the rest default.
type Deps struct {
	Cache   cache.Store
	Client  llm.Client
	Rituals *ritual.Controller
	Vibes   *vibe.Analyzer
	Clock   clockwork.Clock
	Logger  *zap.Logger
}

// Service owns the state shared by every conversation: the reply cache,
// the in-flight registry and the ticket registry.
type Service struct {
	cfg     Config
	cache   cache.Store
	flights *dedup.Group[*llm.Completion]
	client  llm.Client
	rituals *ritual.Controller
	vibes   *vibe.Analyzer
	clock   clockwork.Clock
	logger  *zap.Logger

	mu            sync.Mutex
	conversations *expirable.LRU[string, *Conversation]
	tickets       *expirable.LRU[string, *Ticket]
}

func NewService(cfg Config, deps Deps) *Service {
	cfg = cfg.withDefaults()

	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Rituals == nil {
		deps.Rituals = ritual.NewController(nil, deps.Clock, deps.Logger)
	}
	if deps.Vibes == nil {
		deps.Vibes = vibe.NewAnalyzer(0)
	}

	s := &Service{
		cfg:     cfg,
		cache:   deps.Cache,
		flights: dedup.New[*llm.Completion](),
		client:  deps.Client,
		rituals: deps.Rituals,
		vibes:   deps.Vibes,
		clock:   deps.Clock,
		logger:  deps.Logger.Named("chat"),
	}
	s.conversations = expirable.NewLRU[string, *Conversation](cfg.MaxSessions, nil, cfg.SessionTTL)
	s.tickets = expirable.NewLRU[string, *Ticket](cfg.MaxSessions, func(_ string, t *Ticket) {
		t.Cancel()
	}, cfg.SessionTTL)
	return s
}

// Conversation returns the conversation for id, creating it on first use.
// Each call renews its expiry.
func (s *Service) Conversation(id string) *Conversation {
	id = strings.TrimSpace(id)
	if id == "" {
		id = AnonymousSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations.Get(id)
	if !ok {
		c = &Conversation{id: id, svc: s}
	}
	s.conversations.Add(id, c)
	return c
}

// Ticket looks up a pending or finished background request.
func (s *Service) Ticket(id string) (*Ticket, bool) {
	return s.tickets.Get(id)
}

// InFlight reports whether an upstream call for message is running.
func (s *Service) InFlight(message string) bool {
	return s.flights.InFlight(cache.NormalizeMessage(message))
}

// PendingCalls reports how many upstream calls are running.
func (s *Service) PendingCalls() int {
	return s.flights.Len()
}

// Close cancels every open ticket.
func (s *Service) Close() {
	s.tickets.Purge()
}

func (s *Service) Config() Config { return s.cfg }

// resolve picks the mode and the effective token budget of req.
func (s *Service) resolve(req Request) (llm.Mode, int, error) {
	if strings.TrimSpace(req.Message) == "" {
		return "", 0, &llm.Error{Kind: llm.KindInvalidRequest, Message: "message is required"}
	}
	if req.TokenBudget < 0 {
		return "", 0, &llm.Error{Kind: llm.KindInvalidRequest, Message: "maxTokens must not be negative"}
	}

	mode, ok := llm.ParseMode(req.Mode)
	if !ok && strings.TrimSpace(req.Mode) != "" {
		s.logger.Debug("unknown response mode, using standard", zap.String("mode", req.Mode))
	}

	budget := req.TokenBudget
	if budget == 0 {
		budget = llm.ProfileFor(mode).DefaultTokens
	}
	if budget > s.cfg.MaxTokens {
		budget = s.cfg.MaxTokens
	}
	return mode, budget, nil
}

// IsLong reports whether a budget gets a ritual.
func (s *Service) IsLong(budget int) bool {
	return budget > s.cfg.LongThreshold
}
