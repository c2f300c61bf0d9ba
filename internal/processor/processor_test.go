package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/agent"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/bus"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

type memConversations struct {
	mu       sync.Mutex
	convs    map[string]*store.Conversation
	messages []store.StoredMessage
}

func newMemConversations() *memConversations {
	return &memConversations{convs: map[string]*store.Conversation{}}
}

func (m *memConversations) GetOrCreate(_ context.Context, userID, channelType, channelID, chatID string) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := userID + "|" + channelType + "|" + channelID + "|" + chatID
	if c, ok := m.convs[key]; ok {
		return c, nil
	}
	c := &store.Conversation{
		ID: uuid.New(), UserID: userID, ChannelType: channelType,
		ChannelID: channelID, ChatID: chatID, CreatedAt: time.Now(),
	}
	m.convs[key] = c
	return c, nil
}

func (m *memConversations) AppendMessage(_ context.Context, convID uuid.UUID, role, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, store.StoredMessage{
		ID: uuid.New(), ConversationID: convID, Role: role, Content: content,
	})
	return nil
}

type fakePipeline struct {
	mu    sync.Mutex
	calls []agent.TurnRequest
	reply string
	err   error
}

func (f *fakePipeline) RunTurn(_ context.Context, req agent.TurnRequest) (*agent.TurnResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &agent.TurnResponse{Content: f.reply}, nil
}

type fakeConnector struct {
	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func (f *fakeConnector) Type() string { return channels.TypeTelegram }
func (f *fakeConnector) Connect(context.Context, *store.ChannelAccount) (*channels.ConnectResult, error) {
	return &channels.ConnectResult{}, nil
}
func (f *fakeConnector) Disconnect(context.Context) error { return nil }
func (f *fakeConnector) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
	return nil
}

type singleSource struct {
	conn channels.Connector
}

func (s singleSource) Get(channels.Key) (channels.Connector, bool) { return s.conn, true }

func inbound() bus.InboundMessage {
	return bus.InboundMessage{
		UserID:      "tenant-1",
		ChannelType: channels.TypeTelegram,
		ChannelID:   "bot-1",
		AccountID:   "bot-1",
		SenderID:    "42",
		SenderName:  "Lee",
		ChatID:      "555",
		Content:     "hello",
	}
}

func TestProcessRoundTrip(t *testing.T) {
	convs := newMemConversations()
	pipe := &fakePipeline{reply: "hi! how can I help?"}
	conn := &fakeConnector{}
	p := New(Options{
		Conversations: convs,
		Pipeline:      pipe,
		Limiter:       channels.NewRateLimiter(20, time.Minute),
		Connectors:    singleSource{conn},
		Provider:      "anthropic",
		Model:         "claude-sonnet-4-5",
	})

	if err := p.Process(context.Background(), inbound()); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(pipe.calls) != 1 {
		t.Fatalf("pipeline called %d times, want 1", len(pipe.calls))
	}
	call := pipe.calls[0]
	if call.Content != "hello" || call.Provider != "anthropic" || call.Model != "claude-sonnet-4-5" {
		t.Errorf("unexpected turn request: %+v", call)
	}
	if call.ConversationID == "" {
		t.Error("turn request has no conversation id")
	}

	if len(conn.sent) != 1 {
		t.Fatalf("connector sent %d messages, want 1", len(conn.sent))
	}
	if conn.sent[0].ChatID != "555" || conn.sent[0].Content != "hi! how can I help?" {
		t.Errorf("unexpected outbound: %+v", conn.sent[0])
	}

	// both sides of the exchange persisted
	if len(convs.messages) != 2 {
		t.Fatalf("stored %d messages, want 2", len(convs.messages))
	}
	if convs.messages[0].Role != "user" || convs.messages[1].Role != "assistant" {
		t.Errorf("unexpected roles: %q, %q", convs.messages[0].Role, convs.messages[1].Role)
	}
}

func TestProcessRateLimited(t *testing.T) {
	pipe := &fakePipeline{reply: "should not run"}
	conn := &fakeConnector{}
	p := New(Options{
		Conversations: newMemConversations(),
		Pipeline:      pipe,
		Limiter:       channels.NewRateLimiter(1, time.Minute),
		Connectors:    singleSource{conn},
	})

	ctx := context.Background()
	if err := p.Process(ctx, inbound()); err != nil {
		t.Fatalf("first message: %v", err)
	}
	if err := p.Process(ctx, inbound()); err != nil {
		t.Fatalf("throttled message should not error: %v", err)
	}

	if len(pipe.calls) != 1 {
		t.Fatalf("pipeline called %d times, want 1 (second call throttled)", len(pipe.calls))
	}
	// reply to first message plus the throttle notice
	if len(conn.sent) != 2 {
		t.Fatalf("connector sent %d messages, want 2", len(conn.sent))
	}
	if conn.sent[1].Content != rateLimitNotice {
		t.Errorf("second send = %q, want throttle notice", conn.sent[1].Content)
	}
}

func TestProcessAgentFailure(t *testing.T) {
	pipe := &fakePipeline{err: errors.New("model overloaded")}
	conn := &fakeConnector{}
	p := New(Options{
		Conversations: newMemConversations(),
		Pipeline:      pipe,
		Limiter:       channels.NewRateLimiter(20, time.Minute),
		Connectors:    singleSource{conn},
	})

	err := p.Process(context.Background(), inbound())
	if err == nil {
		t.Fatal("expected error from failed turn")
	}
	if len(conn.sent) != 1 {
		t.Fatalf("connector sent %d messages, want 1 error notice", len(conn.sent))
	}
	if conn.sent[0].ChatID != "555" {
		t.Errorf("notice went to chat %q, want 555", conn.sent[0].ChatID)
	}
}

func TestProcessEmptyReplyNotSent(t *testing.T) {
	pipe := &fakePipeline{reply: ""}
	conn := &fakeConnector{}
	p := New(Options{
		Conversations: newMemConversations(),
		Pipeline:      pipe,
		Limiter:       channels.NewRateLimiter(20, time.Minute),
		Connectors:    singleSource{conn},
	})

	if err := p.Process(context.Background(), inbound()); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(conn.sent) != 0 {
		t.Fatalf("empty reply should not be delivered, sent %d", len(conn.sent))
	}
}
