package ritual

import (
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"wizardchat/internal/metrics"
)

// Event reports that a session entered a phase.
type Event struct {
	SessionID string
	Index     int
	Phase     Phase
	Elapsed   time.Duration
}

// Controller starts ritual sessions over a fixed phase list.
type Controller struct {
	phases []Phase
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewController copies phases and orders them by threshold. An empty list
// means DefaultPhases.
func NewController(phases []Phase, clock clockwork.Clock, logger *zap.Logger) *Controller {
	if len(phases) == 0 {
		phases = DefaultPhases()
	}
	ps := make([]Phase, len(phases))
	copy(ps, phases)
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].Threshold < ps[j].Threshold })

	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{phases: ps, clock: clock, logger: logger.Named("ritual")}
}

func (c *Controller) Phases() []Phase {
	out := make([]Phase, len(c.phases))
	copy(out, c.phases)
	return out
}

// Start opens a session and emits phase 0 before returning. onPhase is
// called with the session lock held, so it must not call back into the
// session. A nil onPhase only tracks state.
func (c *Controller) Start(id string, onPhase func(Event)) *Session {
	s := &Session{
		id:      id,
		c:       c,
		onPhase: onPhase,
		start:   c.clock.Now(),
	}

	metrics.RitualsActive.Inc()
	c.logger.Debug("ritual started", zap.String("session_id", id), zap.Int("phases", len(c.phases)))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(0)
	s.scheduleLocked(0)
	return s
}

// Session is one running ritual. It advances on timers only; nothing about
// the underlying request feeds into it.
type Session struct {
	id      string
	c       *Controller
	onPhase func(Event)
	start   time.Time

	mu      sync.Mutex
	index   int
	timer   clockwork.Timer
	retired bool
}

func (s *Session) ID() string { return s.id }

// Current returns the latest phase event.
func (s *Session) Current() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventLocked(s.c.clock.Since(s.start))
}

func (s *Session) Elapsed() time.Duration {
	return s.c.clock.Since(s.start)
}

func (s *Session) Retired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retired
}

// Retire stops the pending timer. No event is emitted once Retire returns.
// Safe to call more than once.
func (s *Session) Retire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired {
		return
	}
	s.retired = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	metrics.RitualsActive.Dec()
	s.c.logger.Debug("ritual retired",
		zap.String("session_id", s.id),
		zap.Int("phase", s.index),
		zap.Duration("elapsed", s.c.clock.Since(s.start)),
	)
}

func (s *Session) advance() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired {
		return
	}

	elapsed := s.c.clock.Since(s.start)
	if idx := PhaseIndexAt(s.c.phases, elapsed); idx > s.index {
		s.index = idx
		s.emitLocked(elapsed)
	}
	s.scheduleLocked(elapsed)
}

func (s *Session) scheduleLocked(elapsed time.Duration) {
	s.timer = nil
	next := s.index + 1
	if next >= len(s.c.phases) {
		return
	}
	wait := s.c.phases[next].Threshold - elapsed
	if wait < 0 {
		wait = 0
	}
	s.timer = s.c.clock.AfterFunc(wait, s.advance)
}

func (s *Session) emitLocked(elapsed time.Duration) {
	ev := s.eventLocked(elapsed)
	metrics.RitualPhaseTransitionsTotal.WithLabelValues(ev.Phase.Label).Inc()
	s.c.logger.Debug("ritual phase",
		zap.String("session_id", s.id),
		zap.Int("phase", ev.Index),
		zap.String("label", ev.Phase.Label),
	)
	if s.onPhase != nil {
		s.onPhase(ev)
	}
}

func (s *Session) eventLocked(elapsed time.Duration) Event {
	return Event{
		SessionID: s.id,
		Index:     s.index,
		Phase:     s.c.phases[s.index],
		Elapsed:   elapsed,
	}
}
