package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"wizardchat/internal/llm"
	"wizardchat/internal/ritual"
)

// Ticket tracks a background request started with Conversation.Start.
// It is also the Sink of that request.
type Ticket struct {
	id      string
	conv    *Conversation
	started time.Time
	done    chan struct{}

	cancelRun context.CancelFunc

	mu       sync.Mutex
	complete bool
	canceled bool
	outcome  Outcome
	phase    *ritual.Event
}

// Status is a snapshot of a ticket.
type Status struct {
	ID       string
	Complete bool
	Canceled bool
	Outcome  *Outcome
	Phase    *ritual.Event
	Elapsed  time.Duration
}

func newTicket(id string, conv *Conversation) *Ticket {
	return &Ticket{
		id:      id,
		conv:    conv,
		started: conv.svc.clock.Now(),
		done:    make(chan struct{}),
	}
}

func (t *Ticket) ID() string { return t.id }

// Done is closed once the background run has returned.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Status reports progress. A ticket still pending after the ritual ceiling
// is completed with a timeout failure; a late result is then ignored.
func (t *Ticket) Status() Status {
	svc := t.conv.svc
	elapsed := svc.clock.Since(t.started)

	t.mu.Lock()
	expired := !t.complete && !t.canceled && elapsed >= svc.cfg.RitualCeiling
	if expired {
		t.complete = true
		t.outcome = Outcome{Failure: &Failure{
			Kind:           llm.KindTimeout,
			Message:        fmt.Sprintf("The ritual did not finish within %s. Try a shorter response mode, such as brief or standard.", svc.cfg.RitualCeiling),
			SuggestShorter: true,
		}}
		t.phase = nil
	}
	st := Status{
		ID:       t.id,
		Complete: t.complete,
		Canceled: t.canceled,
		Elapsed:  elapsed,
	}
	if t.complete {
		out := t.outcome
		st.Outcome = &out
	}
	if t.phase != nil {
		ev := *t.phase
		st.Phase = &ev
	}
	t.mu.Unlock()

	if expired {
		svc.logger.Warn("ritual_ceiling_reached", zap.String("ticket_id", t.id), zap.Duration("elapsed", elapsed))
		t.stop()
	}
	return st
}

// Cancel retires the ritual and stops waiting. The upstream call is left to
// finish so its reply still lands in the cache, but the ticket ignores it.
func (t *Ticket) Cancel() {
	t.mu.Lock()
	if t.complete || t.canceled {
		t.mu.Unlock()
		return
	}
	t.canceled = true
	t.phase = nil
	t.mu.Unlock()

	t.stop()
}

func (t *Ticket) stop() {
	t.conv.retireRitualByID(t.id)
	if t.cancelRun != nil {
		t.cancelRun()
	}
}

func (t *Ticket) Phase(ev ritual.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.complete || t.canceled {
		return
	}
	t.phase = &ev
}

func (t *Ticket) Deliver(out Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.complete || t.canceled {
		return
	}
	t.complete = true
	t.outcome = out
	t.phase = nil
}
