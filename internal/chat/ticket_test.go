package chat

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wizardchat/internal/cache"
	"wizardchat/internal/llm"
)

func waitDone(t *testing.T, tk *Ticket) {
	t.Helper()
	select {
	case <-tk.Done():
	case <-time.After(time.Second):
		t.Fatalf("ticket %s did not finish", tk.ID())
	}
}

func TestTicketCompletes(t *testing.T) {
	client := &fakeClient{gate: make(chan struct{})}
	svc, _ := newTestService(t, client, clockwork.NewFakeClock())
	conv := svc.Conversation("poller")

	tk := conv.Start(context.Background(), Request{Message: "recite the saga", Mode: "epic"})

	got, ok := svc.Ticket(tk.ID())
	require.True(t, ok)
	assert.Same(t, tk, got)

	require.Eventually(t, func() bool { return tk.Status().Phase != nil }, time.Second, time.Millisecond)
	st := tk.Status()
	assert.False(t, st.Complete)
	assert.Equal(t, 0, st.Phase.Index)
	assert.Equal(t, tk.ID(), st.Phase.SessionID)

	close(client.gate)
	waitDone(t, tk)

	st = tk.Status()
	require.True(t, st.Complete)
	require.NotNil(t, st.Outcome)
	assert.True(t, st.Outcome.OK())
	assert.Equal(t, "The stars say: recite the saga", st.Outcome.Reply)
	assert.Nil(t, st.Phase)
	assert.Nil(t, conv.Ritual())
}

func TestTicketCancelIgnoresResultButKeepsCache(t *testing.T) {
	client := &fakeClient{gate: make(chan struct{})}
	svc, store := newTestService(t, client, clockwork.NewFakeClock())
	conv := svc.Conversation("canceller")

	req := Request{Message: "tell me a saga", Mode: "detailed", TokenBudget: 500}
	tk := conv.Start(context.Background(), req)

	require.Eventually(t, func() bool { return conv.Ritual() != nil }, time.Second, time.Millisecond)
	sess := conv.Ritual()

	tk.Cancel()
	assert.True(t, sess.Retired())
	waitDone(t, tk)

	st := tk.Status()
	assert.True(t, st.Canceled)
	assert.False(t, st.Complete)
	assert.Nil(t, st.Outcome)
	assert.Nil(t, st.Phase)

	// The upstream call is still running for whoever wants it later.
	assert.True(t, svc.InFlight(req.Message))
	close(client.gate)

	key := cache.NewKey(req.Message, "detailed", 500)
	require.Eventually(t, func() bool {
		_, hit := store.Get(context.Background(), key)
		return hit
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !svc.InFlight(req.Message) }, time.Second, time.Millisecond)

	st = tk.Status()
	assert.False(t, st.Complete)
	assert.Nil(t, st.Outcome)

	tk.Cancel()
}

func TestTicketReportsTimeoutPastCeiling(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client := &fakeClient{gate: make(chan struct{})}
	svc, _ := newTestService(t, client, clock)
	conv := svc.Conversation("patient")

	tk := conv.Start(context.Background(), Request{Message: "count the stars", TokenBudget: 800})
	require.Eventually(t, func() bool { return conv.Ritual() != nil }, time.Second, time.Millisecond)

	clock.Advance(svc.Config().RitualCeiling + time.Second)

	st := tk.Status()
	require.True(t, st.Complete)
	require.NotNil(t, st.Outcome.Failure)
	assert.Equal(t, llm.KindTimeout, st.Outcome.Failure.Kind)
	assert.True(t, st.Outcome.Failure.SuggestShorter)
	waitDone(t, tk)

	close(client.gate)
	require.Eventually(t, func() bool { return svc.PendingCalls() == 0 }, time.Second, time.Millisecond)

	st = tk.Status()
	assert.False(t, st.Outcome.OK(), "late results are ignored once the ceiling was reported")
}

func TestNewRitualRetiresPrevious(t *testing.T) {
	client := &fakeClient{gate: make(chan struct{})}
	svc, _ := newTestService(t, client, clockwork.NewFakeClock())
	conv := svc.Conversation("impatient")

	first := conv.Start(context.Background(), Request{Message: "first long question", TokenBudget: 600})
	require.Eventually(t, func() bool { return conv.Ritual() != nil }, time.Second, time.Millisecond)
	firstSession := conv.Ritual()

	second := conv.Start(context.Background(), Request{Message: "second long question", TokenBudget: 600})
	require.Eventually(t, func() bool {
		s := conv.Ritual()
		return s != nil && s.ID() == second.ID()
	}, time.Second, time.Millisecond)

	assert.True(t, firstSession.Retired())
	assert.Equal(t, first.ID(), firstSession.ID())

	close(client.gate)
	waitDone(t, first)
	waitDone(t, second)

	assert.True(t, first.Status().Complete)
	assert.True(t, second.Status().Complete)
	assert.Nil(t, conv.Ritual())
}

func TestUnknownTicket(t *testing.T) {
	svc, _ := newTestService(t, &fakeClient{}, clockwork.NewFakeClock())
	_, ok := svc.Ticket("nope")
	assert.False(t, ok)
}
