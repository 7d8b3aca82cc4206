package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"wizardchat/internal/cache"
	"wizardchat/internal/llm"
	"wizardchat/internal/ritual"
)

type fakeClient struct {
	mu       sync.Mutex
	calls    int
	requests []llm.CompletionRequest
	gate     chan struct{}
	reply    func(req *llm.CompletionRequest) (*llm.Completion, error)
}

func (f *fakeClient) Complete(_ context.Context, req *llm.CompletionRequest) (*llm.Completion, error) {
	f.mu.Lock()
	f.calls++
	f.requests = append(f.requests, *req)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if f.reply != nil {
		return f.reply(req)
	}
	return &llm.Completion{Reply: "The stars say: " + req.Message, Attempts: 1, Usage: &llm.Usage{TotalTokens: 7}}, nil
}

func (f *fakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type sinkRecorder struct {
	mu       sync.Mutex
	phases   []ritual.Event
	outcomes []Outcome
}

func (r *sinkRecorder) Phase(ev ritual.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, ev)
}

func (r *sinkRecorder) Deliver(out Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, out)
}

func (r *sinkRecorder) Phases() []ritual.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ritual.Event(nil), r.phases...)
}

func (r *sinkRecorder) Outcomes() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

func newTestService(t *testing.T, client llm.Client, clock clockwork.Clock) (*Service, cache.Store) {
	t.Helper()

	// The cache keeps its own real clock so its sweeper does not count as a
	// waiter on the fake clock.
	store, mem := cache.NewStore(cache.Config{TTL: time.Minute}, nil)
	t.Cleanup(func() { _ = mem.Close() })

	logger := zaptest.NewLogger(t)
	svc := NewService(Config{}, Deps{
		Cache:   store,
		Client:  client,
		Rituals: ritual.NewController(nil, clock, logger),
		Clock:   clock,
		Logger:  logger,
	})
	t.Cleanup(svc.Close)
	return svc, store
}

func TestSendServesRepeatsFromCache(t *testing.T) {
	client := &fakeClient{}
	svc, _ := newTestService(t, client, clockwork.NewFakeClock())
	conv := svc.Conversation("s1")
	ctx := context.Background()

	req := Request{Message: "hello", Mode: "brief", TokenBudget: 50}

	first := conv.Send(ctx, req, nil)
	require.True(t, first.OK(), "unexpected failure: %+v", first.Failure)
	assert.False(t, first.Cached)
	assert.Equal(t, "The stars say: hello", first.Reply)
	assert.Equal(t, llm.ModeBrief, first.Mode)
	assert.Nil(t, conv.Ritual(), "short requests get no ritual")

	rec := &sinkRecorder{}
	second := conv.Send(ctx, Request{Message: "  Hello ", Mode: "BRIEF", TokenBudget: 50}, rec)
	require.True(t, second.OK())
	assert.True(t, second.Cached)
	assert.Equal(t, first.Reply, second.Reply)
	assert.Equal(t, 1, client.Calls(), "cache hit must not reach the network")
	assert.Len(t, rec.Outcomes(), 1)
	assert.Empty(t, rec.Phases())

	assert.Len(t, conv.History(), 4)
	assert.Equal(t, 0, svc.PendingCalls())
}

func TestLongTimeoutSuggestsShorterAndCleansUp(t *testing.T) {
	clock := clockwork.NewFakeClock()
	client := &fakeClient{
		gate: make(chan struct{}),
		reply: func(*llm.CompletionRequest) (*llm.Completion, error) {
			return nil, &llm.Error{Kind: llm.KindTimeout, Message: "no reply within 10s"}
		},
	}
	svc, store := newTestService(t, client, clock)
	conv := svc.Conversation("s2")
	rec := &sinkRecorder{}

	req := Request{Message: "tell me everything", Mode: "detailed", TokenBudget: 500}
	done := make(chan Outcome, 1)
	go func() { done <- conv.Send(context.Background(), req, rec) }()

	require.Eventually(t, func() bool { return len(rec.Phases()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, rec.Phases()[0].Index)
	require.Eventually(t, func() bool { return svc.InFlight(req.Message) }, time.Second, time.Millisecond)

	sess := conv.Ritual()
	require.NotNil(t, sess)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(35 * time.Second)

	require.Eventually(t, func() bool { return len(rec.Phases()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, rec.Phases()[1].Index)
	assert.Equal(t, 30*time.Second, rec.Phases()[1].Phase.Threshold)

	close(client.gate)
	out := <-done

	require.NotNil(t, out.Failure)
	assert.Equal(t, llm.KindTimeout, out.Failure.Kind)
	assert.True(t, out.Failure.SuggestShorter)
	assert.Contains(t, out.Failure.Message, "shorter")

	assert.True(t, sess.Retired())
	assert.Nil(t, conv.Ritual())
	assert.False(t, svc.InFlight(req.Message))
	assert.Equal(t, 0, svc.PendingCalls())

	_, hit := store.Get(context.Background(), cache.NewKey(req.Message, "detailed", 500))
	assert.False(t, hit, "failures are never cached")

	clock.Advance(2 * time.Minute)
	assert.Never(t, func() bool { return len(rec.Phases()) > 2 }, 30*time.Millisecond, 5*time.Millisecond)
	assert.Len(t, rec.Outcomes(), 1)
}

func TestConcurrentIdenticalMessagesShareOneCall(t *testing.T) {
	client := &fakeClient{gate: make(chan struct{})}
	svc, _ := newTestService(t, client, clockwork.NewFakeClock())
	ctx := context.Background()

	const message = "What is the airspeed of a swallow?"
	key := cache.NormalizeMessage(message)

	var wg sync.WaitGroup
	outs := make([]Outcome, 2)
	for i, session := range []string{"alice", "bob"} {
		wg.Add(1)
		go func(i int, session string) {
			defer wg.Done()
			outs[i] = svc.Conversation(session).Send(ctx, Request{Message: message, Mode: "brief"}, nil)
		}(i, session)
	}

	require.Eventually(t, func() bool { return svc.flights.Waiters(key) == 2 }, time.Second, time.Millisecond)
	close(client.gate)
	wg.Wait()

	assert.Equal(t, 1, client.Calls())
	for _, out := range outs {
		require.True(t, out.OK())
		assert.Equal(t, "The stars say: "+message, out.Reply)
		assert.True(t, out.Shared)
	}
	assert.Len(t, svc.Conversation("alice").History(), 2)
	assert.Len(t, svc.Conversation("bob").History(), 2)
}

func TestSendRejectsEmptyMessage(t *testing.T) {
	client := &fakeClient{}
	svc, _ := newTestService(t, client, clockwork.NewFakeClock())
	rec := &sinkRecorder{}

	out := svc.Conversation("").Send(context.Background(), Request{Message: "   "}, rec)
	require.NotNil(t, out.Failure)
	assert.Equal(t, llm.KindInvalidRequest, out.Failure.Kind)
	assert.Equal(t, 0, client.Calls())
	assert.Len(t, rec.Outcomes(), 1)
}

func TestRemoteErrorIsNotCached(t *testing.T) {
	client := &fakeClient{
		reply: func(*llm.CompletionRequest) (*llm.Completion, error) {
			return nil, &llm.Error{Kind: llm.KindRemote, StatusCode: 400, Message: "bad request"}
		},
	}
	svc, store := newTestService(t, client, clockwork.NewFakeClock())
	ctx := context.Background()

	out := svc.Conversation("s").Send(ctx, Request{Message: "hi", Mode: "standard"}, nil)
	require.NotNil(t, out.Failure)
	assert.Equal(t, llm.KindRemote, out.Failure.Kind)
	assert.Contains(t, out.Failure.Message, "status 400")
	assert.False(t, out.Failure.SuggestShorter)

	_, hit := store.Get(ctx, cache.NewKey("hi", "standard", 200))
	assert.False(t, hit)
	assert.Empty(t, svc.Conversation("s").History())
}

func TestRequestHistoryReplacesConversation(t *testing.T) {
	client := &fakeClient{}
	svc, _ := newTestService(t, client, clockwork.NewFakeClock())
	conv := svc.Conversation("seeded")

	history := []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: "you are a toaster"},
		{Role: llm.RoleUser, Content: "who are you?"},
		{Role: llm.RoleAssistant, Content: "a wizard"},
	}
	out := conv.Send(context.Background(), Request{Message: "prove it", History: history}, nil)
	require.True(t, out.OK())

	require.Len(t, client.requests, 1)
	sent := client.requests[0].History
	require.Len(t, sent, 2, "system messages from callers are dropped")
	assert.Equal(t, "who are you?", sent[0].Content)

	got := conv.History()
	require.Len(t, got, 4)
	assert.Equal(t, "prove it", got[2].Content)
}

func TestHistoryIsBounded(t *testing.T) {
	client := &fakeClient{}
	svc, _ := newTestService(t, client, clockwork.NewFakeClock())
	conv := svc.Conversation("chatty")

	for _, msg := range []string{"one", "two", "three", "four", "five", "six"} {
		require.True(t, conv.Send(context.Background(), Request{Message: msg, Mode: "brief"}, nil).OK())
	}

	got := conv.History()
	require.Len(t, got, svc.Config().HistoryLimit)
	assert.Equal(t, "six", got[len(got)-2].Content)
}

func TestResolveClampsBudget(t *testing.T) {
	svc, _ := newTestService(t, &fakeClient{}, clockwork.NewFakeClock())

	mode, budget, err := svc.resolve(Request{Message: "x", Mode: "epic", TokenBudget: 9000})
	require.NoError(t, err)
	assert.Equal(t, llm.ModeEpic, mode)
	assert.Equal(t, 2000, budget)

	mode, budget, err = svc.resolve(Request{Message: "x", Mode: "nonsense"})
	require.NoError(t, err)
	assert.Equal(t, llm.ModeStandard, mode)
	assert.Equal(t, 200, budget)

	_, _, err = svc.resolve(Request{Message: "x", TokenBudget: -1})
	assert.Equal(t, llm.KindInvalidRequest, llm.KindOf(err))
}
