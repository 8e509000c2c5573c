package autoreply

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaydesk/relaydesk/internal/fanout"
	"github.com/relaydesk/relaydesk/internal/llm"
	"github.com/relaydesk/relaydesk/internal/model"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/pkg/logger"
)

// fakeLLM returns a canned response or error.
type fakeLLM struct {
	resp *llm.GenerateResponse
	err  error

	mu   sync.Mutex
	reqs []*llm.GenerateRequest
}

func (f *fakeLLM) Generate(_ context.Context, req *llm.GenerateRequest) (*llm.GenerateResponse, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeLLM) Name() string { return "fake" }

// fakeSink records appended bot messages.
type fakeSink struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeSink) AppendBotMessage(_ context.Context, conversationID, text string, meta map[string]any) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return &model.Message{ID: "bot-msg", ConversationID: conversationID, Role: model.RoleBot, Text: text}, nil
}

func (f *fakeSink) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// scopeSub records frames published to one conversation scope.
type scopeSub struct {
	mu     sync.Mutex
	topics []fanout.Topic
}

func (s *scopeSub) ID() string { return "scope-sub" }
func (s *scopeSub) Send(frame []byte) bool {
	var f fanout.Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		return true
	}
	s.mu.Lock()
	s.topics = append(s.topics, f.Topic)
	s.mu.Unlock()
	return true
}
func (s *scopeSub) Close() {}

func (s *scopeSub) seen() []fanout.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fanout.Topic(nil), s.topics...)
}

type fixture struct {
	orch   *Orchestrator
	stores store.Stores
	sink   *fakeSink
	sub    *scopeSub
	conv   *model.Conversation
}

func newFixture(t *testing.T, client llm.Client, genConfig *model.GenerationConfig, autoReply bool) *fixture {
	t.Helper()
	stores := store.NewMemory()
	ctx := context.Background()

	if err := stores.Connections.Put(ctx, &model.ChannelConnection{
		ID:         "conn-1",
		TenantID:   "tenant-1",
		Channel:    model.ChannelWebWidget,
		Generation: genConfig,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	conv := &model.Conversation{
		ID:               "conv-1",
		TenantID:         "tenant-1",
		ConnectionID:     "conn-1",
		Status:           model.StatusOpen,
		AutoReplyEnabled: autoReply,
	}
	if err := stores.Conversations.Create(ctx, conv); err != nil {
		t.Fatalf("Create: %v", err)
	}

	hub := fanout.NewHub(logger.NewNop())
	sub := &scopeSub{}
	hub.Subscribe(sub, fanout.ConversationScope(conv.ID))

	sink := &fakeSink{}
	orch := NewOrchestrator(stores.Connections, stores.Messages, sink, hub, client,
		1, 8, 5*time.Second, logger.NewNop())

	return &fixture{orch: orch, stores: stores, sink: sink, sub: sub, conv: conv}
}

func trigger(conv *model.Conversation) *model.Message {
	return &model.Message{
		ID:             "m-trigger",
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		Role:           model.RoleCustomer,
		Text:           "where is my order?",
		CreatedAt:      time.Now(),
	}
}

func TestAutoReplyGeneratesBotMessage(t *testing.T) {
	client := &fakeLLM{resp: &llm.GenerateResponse{Text: "it ships tomorrow", Model: "m"}}
	f := newFixture(t, client, &model.GenerationConfig{Model: "m"}, true)

	f.orch.MaybeAutoReply(f.conv, trigger(f.conv))
	f.orch.Close()

	if got := f.sink.messages(); len(got) != 1 || got[0] != "it ships tomorrow" {
		t.Errorf("bot messages = %v, want the generated text", got)
	}

	topics := f.sub.seen()
	if len(topics) != 2 || topics[0] != fanout.TopicBotTyping || topics[1] != fanout.TopicBotStoppedTyping {
		t.Errorf("typing events = %v, want [bot:typing bot:stopped-typing]", topics)
	}
}

func TestStoppedTypingFiresOnGenerationError(t *testing.T) {
	client := &fakeLLM{err: errors.New("provider down")}
	f := newFixture(t, client, &model.GenerationConfig{}, true)

	f.orch.MaybeAutoReply(f.conv, trigger(f.conv))
	f.orch.Close()

	if len(f.sink.messages()) != 0 {
		t.Error("no bot message on generation failure")
	}
	topics := f.sub.seen()
	if len(topics) != 2 || topics[1] != fanout.TopicBotStoppedTyping {
		t.Errorf("typing events = %v, stopped-typing must fire on every exit path", topics)
	}
}

func TestStoppedTypingFiresOnEmptyText(t *testing.T) {
	client := &fakeLLM{resp: &llm.GenerateResponse{Text: "   "}}
	f := newFixture(t, client, &model.GenerationConfig{}, true)

	f.orch.MaybeAutoReply(f.conv, trigger(f.conv))
	f.orch.Close()

	if len(f.sink.messages()) != 0 {
		t.Error("blank generation must not produce a bot message")
	}
	topics := f.sub.seen()
	if len(topics) != 2 || topics[1] != fanout.TopicBotStoppedTyping {
		t.Errorf("typing events = %v, want typing then stopped-typing", topics)
	}
}

func TestNoTypingWhenAutoReplyDisabled(t *testing.T) {
	client := &fakeLLM{resp: &llm.GenerateResponse{Text: "hi"}}
	f := newFixture(t, client, &model.GenerationConfig{}, false)

	f.orch.MaybeAutoReply(f.conv, trigger(f.conv))
	f.orch.Close()

	if len(f.sub.seen()) != 0 {
		t.Errorf("ineligible conversation must not flash a typing indicator, got %v", f.sub.seen())
	}
	if len(f.sink.messages()) != 0 {
		t.Error("disabled conversation got a bot message")
	}
}

func TestNoTypingWhenGenerationUnconfigured(t *testing.T) {
	client := &fakeLLM{resp: &llm.GenerateResponse{Text: "hi"}}
	f := newFixture(t, client, nil, true)

	f.orch.MaybeAutoReply(f.conv, trigger(f.conv))
	f.orch.Close()

	if len(f.sub.seen()) != 0 {
		t.Errorf("connection without generation config must stay silent, got %v", f.sub.seen())
	}
}

func TestNilClientSkips(t *testing.T) {
	f := newFixture(t, nil, &model.GenerationConfig{}, true)

	f.orch.MaybeAutoReply(f.conv, trigger(f.conv))
	f.orch.Close()

	if len(f.sub.seen()) != 0 || len(f.sink.messages()) != 0 {
		t.Error("nil client must be a silent no-op")
	}
}

func TestNonCustomerTriggerIgnored(t *testing.T) {
	client := &fakeLLM{resp: &llm.GenerateResponse{Text: "hi"}}
	f := newFixture(t, client, &model.GenerationConfig{}, true)

	msg := trigger(f.conv)
	msg.Role = model.RoleOperator
	f.orch.MaybeAutoReply(f.conv, msg)
	f.orch.Close()

	if len(f.sink.messages()) != 0 {
		t.Error("operator messages must never trigger auto-reply")
	}
}

func TestHistoryExcludesTriggerAndIsOldestFirst(t *testing.T) {
	client := &fakeLLM{resp: &llm.GenerateResponse{Text: "ok"}}
	f := newFixture(t, client, &model.GenerationConfig{}, true)
	ctx := context.Background()
	now := time.Now()

	older := &model.Message{ID: "m1", ConversationID: f.conv.ID, Role: model.RoleCustomer, Text: "hello", CreatedAt: now.Add(-2 * time.Minute)}
	reply := &model.Message{ID: "m2", ConversationID: f.conv.ID, Role: model.RoleBot, Text: "hi there", CreatedAt: now.Add(-time.Minute)}
	trig := trigger(f.conv)
	for _, m := range []*model.Message{older, reply, trig} {
		if err := f.stores.Messages.Append(ctx, m); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	f.orch.MaybeAutoReply(f.conv, trig)
	f.orch.Close()

	if len(client.reqs) != 1 {
		t.Fatalf("got %d generate calls, want 1", len(client.reqs))
	}
	req := client.reqs[0]
	if req.Query != trig.Text {
		t.Errorf("query = %q, want the trigger text", req.Query)
	}
	want := []llm.ChatMessage{
		{Role: "user", Content: "hello"},
		{Role: "assistant", Content: "hi there"},
	}
	if len(req.History) != len(want) {
		t.Fatalf("history = %+v, want %+v", req.History, want)
	}
	for i := range want {
		if req.History[i] != want[i] {
			t.Errorf("history[%d] = %+v, want %+v", i, req.History[i], want[i])
		}
	}
}

func TestSaturatedQueueDrops(t *testing.T) {
	stores := store.NewMemory()
	hub := fanout.NewHub(logger.NewNop())
	sink := &fakeSink{}

	// No workers consuming: construct with a tiny queue, fill it, and
	// verify the overflow enqueue returns without blocking.
	o := &Orchestrator{
		connections: stores.Connections,
		messages:    stores.Messages,
		sink:        sink,
		hub:         hub,
		log:         logger.NewNop(),
		queue:       make(chan job, 1),
	}

	conv := &model.Conversation{ID: "conv-1", AutoReplyEnabled: true}
	done := make(chan struct{})
	go func() {
		o.MaybeAutoReply(conv, trigger(conv))
		o.MaybeAutoReply(conv, trigger(conv))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a saturated queue")
	}
	if len(o.queue) != 1 {
		t.Errorf("queue length = %d, want 1 (second job dropped)", len(o.queue))
	}
}
