// Package autoreply drives the typing-indicator / generate / persist /
// deliver cycle around the external generation pipeline. It runs entirely
// off the inbound-message critical path.
package autoreply

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaydesk/relaydesk/internal/fanout"
	"github.com/relaydesk/relaydesk/internal/llm"
	"github.com/relaydesk/relaydesk/internal/model"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/pkg/logger"
	"github.com/relaydesk/relaydesk/pkg/metrics"
)

// historyLimit caps how much conversation history is handed to the
// generation pipeline.
const historyLimit = 20

// MessageSink persists a generated bot message and fans it out. Implemented
// by the message service so bot replies flow through the same
// append/ledger/fanout path as every other message.
type MessageSink interface {
	AppendBotMessage(ctx context.Context, conversationID, text string, meta map[string]any) (*model.Message, error)
}

type job struct {
	conv    model.Conversation
	trigger model.Message
}

// Orchestrator decides whether a stored customer message gets an automatic
// reply and runs the generation cycle for those that do.
type Orchestrator struct {
	connections store.ConnectionStore
	messages    store.MessageStore
	sink        MessageSink
	hub         *fanout.Hub
	client      llm.Client
	timeout     time.Duration
	log         *logger.Logger

	queue chan job
	wg    sync.WaitGroup
	once  sync.Once
}

// NewOrchestrator creates the orchestrator and starts its worker pool.
// client may be nil when no provider is configured; every conversation is
// then skipped at step one.
func NewOrchestrator(
	connections store.ConnectionStore,
	messages store.MessageStore,
	sink MessageSink,
	hub *fanout.Hub,
	client llm.Client,
	workers, queueSize int,
	timeout time.Duration,
	log *logger.Logger,
) *Orchestrator {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}

	o := &Orchestrator{
		connections: connections,
		messages:    messages,
		sink:        sink,
		hub:         hub,
		client:      client,
		timeout:     timeout,
		log:         log.Named("autoreply"),
		queue:       make(chan job, queueSize),
	}

	o.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go o.worker()
	}
	return o
}

// MaybeAutoReply enqueues a generation cycle for a stored customer message
// and returns immediately. Enqueue never blocks the caller: when the queue
// is saturated the reply is dropped, which degrades to "no bot reply" —
// the same user-visible outcome as a generation failure.
func (o *Orchestrator) MaybeAutoReply(conv *model.Conversation, trigger *model.Message) {
	if trigger.Role != model.RoleCustomer {
		return
	}
	select {
	case o.queue <- job{conv: *conv, trigger: *trigger}:
	default:
		metrics.AutoRepliesTotal.WithLabelValues("dropped").Inc()
		o.log.Warn("auto-reply queue full, dropping",
			zap.String("conversation_id", conv.ID))
	}
}

// Close stops accepting work and waits for in-flight cycles to finish.
func (o *Orchestrator) Close() {
	o.once.Do(func() { close(o.queue) })
	o.wg.Wait()
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for j := range o.queue {
		o.process(j)
	}
}

func (o *Orchestrator) process(j job) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("auto-reply panic", zap.Any("panic", r),
				zap.String("conversation_id", j.conv.ID))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	// Step 1: eligibility. No typing indicator is shown for conversations
	// that will never get a reply.
	if !j.conv.AutoReplyEnabled || o.client == nil {
		metrics.AutoRepliesTotal.WithLabelValues("skipped").Inc()
		return
	}
	conn, err := o.connections.Get(ctx, j.conv.ConnectionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.log.Error("connection lookup failed", zap.Error(err),
				zap.String("connection_id", j.conv.ConnectionID))
		}
		metrics.AutoRepliesTotal.WithLabelValues("skipped").Inc()
		return
	}
	if conn.Generation == nil {
		metrics.AutoRepliesTotal.WithLabelValues("skipped").Inc()
		return
	}

	convScope := fanout.ConversationScope(j.conv.ID)
	o.hub.Publish(convScope, fanout.TopicBotTyping, model.TypingEvent{ConversationID: j.conv.ID})
	// The typing indicator clears on every path out of this function,
	// success or failure.
	defer o.hub.Publish(convScope, fanout.TopicBotStoppedTyping, model.TypingEvent{ConversationID: j.conv.ID})

	history, err := o.history(ctx, &j)
	if err != nil {
		o.log.Error("history fetch failed", zap.Error(err),
			zap.String("conversation_id", j.conv.ID))
		metrics.AutoRepliesTotal.WithLabelValues("error").Inc()
		return
	}

	start := time.Now()
	resp, err := o.client.Generate(ctx, &llm.GenerateRequest{
		TenantID:            j.conv.TenantID,
		Query:               j.trigger.Text,
		History:             history,
		Model:               conn.Generation.Model,
		SystemPrompt:        conn.Generation.SystemPrompt,
		MaxTokens:           conn.Generation.MaxTokens,
		Temperature:         conn.Generation.Temperature,
		SimilarityThreshold: conn.Generation.SimilarityThreshold,
	})
	if err != nil {
		metrics.RecordGenerate(o.client.Name(), "error", time.Since(start).Seconds(), 0, 0)
		metrics.AutoRepliesTotal.WithLabelValues("error").Inc()
		o.log.Warn("generation failed", zap.Error(err),
			zap.String("conversation_id", j.conv.ID))
		return
	}
	metrics.RecordGenerate(o.client.Name(), "success", time.Since(start).Seconds(),
		resp.PromptTokens, resp.CompletionTokens)

	if strings.TrimSpace(resp.Text) == "" {
		metrics.AutoRepliesTotal.WithLabelValues("empty").Inc()
		return
	}

	meta := map[string]any{
		"model":             resp.Model,
		"prompt_tokens":     resp.PromptTokens,
		"completion_tokens": resp.CompletionTokens,
	}
	if _, err := o.sink.AppendBotMessage(ctx, j.conv.ID, resp.Text, meta); err != nil {
		metrics.AutoRepliesTotal.WithLabelValues("error").Inc()
		o.log.Error("bot message append failed", zap.Error(err),
			zap.String("conversation_id", j.conv.ID))
		return
	}
	metrics.AutoRepliesTotal.WithLabelValues("generated").Inc()
}

// history converts the conversation tail into generation-pipeline turns,
// oldest first, excluding the triggering message (it travels as the query).
func (o *Orchestrator) history(ctx context.Context, j *job) ([]llm.ChatMessage, error) {
	recent, err := o.messages.ListRecent(ctx, j.conv.ID, historyLimit)
	if err != nil {
		return nil, err
	}

	out := make([]llm.ChatMessage, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		msg := recent[i]
		if msg.ID == j.trigger.ID {
			continue
		}
		role := "assistant"
		if msg.Role == model.RoleCustomer {
			role = "user"
		}
		out = append(out, llm.ChatMessage{Role: role, Content: msg.Text})
	}
	return out, nil
}
