package whatsapp

import (
	"context"
	"testing"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/bus"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/channels"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

type captureSink struct {
	msgs []bus.InboundMessage
}

func (s *captureSink) HandleInbound(_ context.Context, msg bus.InboundMessage) {
	s.msgs = append(s.msgs, msg)
}

func testConnector(sink *captureSink, allowFrom ...string) *Connector {
	return &Connector{
		account: &store.ChannelAccount{
			UserID:      "tenant-1",
			ChannelType: channels.TypeWhatsApp,
			ChannelID:   "wa-1",
			AccountID:   "wa-1",
		},
		sink:    sink,
		pairing: channels.NewPairingTracker(),
		cfg:     connectorConfig{BridgeURL: "ws://bridge", AllowFrom: allowFrom},
	}
}

func TestHandleFrameMessage(t *testing.T) {
	sink := &captureSink{}
	c := testConnector(sink)

	c.handleFrame(context.Background(), map[string]any{
		"type":      "message",
		"from":      "49170000@c.us",
		"chat":      "49170000@c.us",
		"content":   "hola",
		"id":        "m-1",
		"from_name": "Ana",
	})

	if len(sink.msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(sink.msgs))
	}
	msg := sink.msgs[0]
	if msg.Content != "hola" || msg.SenderName != "Ana" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.Metadata["chat_type"] != "direct" {
		t.Errorf("chat_type = %q, want direct", msg.Metadata["chat_type"])
	}
}

func TestHandleFrameGroupChat(t *testing.T) {
	sink := &captureSink{}
	c := testConnector(sink)

	c.handleFrame(context.Background(), map[string]any{
		"type":    "message",
		"from":    "49170000@c.us",
		"chat":    "12036304@g.us",
		"content": "group hello",
	})

	if len(sink.msgs) != 1 {
		t.Fatal("group message not delivered")
	}
	if sink.msgs[0].Metadata["chat_type"] != "group" {
		t.Errorf("chat_type = %q, want group", sink.msgs[0].Metadata["chat_type"])
	}
}

func TestHandleFrameFiltering(t *testing.T) {
	tests := []struct {
		name  string
		frame map[string]any
		allow []string
	}{
		{"missing sender", map[string]any{"type": "message", "content": "x"}, nil},
		{"empty content", map[string]any{"type": "message", "from": "a@c.us", "content": "  "}, nil},
		{"allowlist rejects", map[string]any{"type": "message", "from": "b@c.us", "content": "hi"}, []string{"a@c.us"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &captureSink{}
			c := testConnector(sink, tt.allow...)
			c.handleFrame(context.Background(), tt.frame)
			if len(sink.msgs) != 0 {
				t.Fatalf("expected frame to be dropped, got %d messages", len(sink.msgs))
			}
		})
	}
}

func TestHandleFramePairingLifecycle(t *testing.T) {
	c := testConnector(&captureSink{})
	key := channels.PairingKey("tenant-1", "wa-1")

	c.handleFrame(context.Background(), map[string]any{"type": "qr", "data": "qr-blob-1"})
	st, ok := c.pairing.Get(key)
	if !ok || st.Status != channels.PairingWaitingQR || st.QRPayload != "qr-blob-1" {
		t.Fatalf("after qr frame: %+v", st)
	}

	c.handleFrame(context.Background(), map[string]any{"type": "ready"})
	st, _ = c.pairing.Get(key)
	if st.Status != channels.PairingPaired {
		t.Fatalf("after ready frame: %+v", st)
	}
	if st.QRPayload != "" {
		t.Error("qr payload should be dropped once paired")
	}

	c.handleFrame(context.Background(), map[string]any{"type": "auth_failure", "reason": "logged out"})
	st, _ = c.pairing.Get(key)
	if st.Status != channels.PairingError || st.LastError != "logged out" {
		t.Fatalf("after auth_failure frame: %+v", st)
	}
}

func TestFactoryRequiresBridgeURL(t *testing.T) {
	_, err := Factory(&store.ChannelAccount{UserID: "u"}, channels.Deps{})
	if err == nil {
		t.Fatal("expected error for missing bridge_url")
	}
}
