package slack

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

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

func testConnector(sink *captureSink) *Connector {
	return &Connector{
		account: &store.ChannelAccount{
			UserID:      "tenant-1",
			ChannelType: channels.TypeSlack,
			ChannelID:   "T123",
			AccountID:   "T123",
		},
		sink:          sink,
		signingSecret: "sseecret",
		botUserID:     "UBOT",
	}
}

func sign(secret string, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:", ts)
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func TestValidateRequest(t *testing.T) {
	c := testConnector(&captureSink{})
	body := []byte(`{"type":"event_callback"}`)
	now := strconv.FormatInt(time.Now().Unix(), 10)
	stale := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)

	tests := []struct {
		name    string
		ts      string
		sig     string
		wantErr bool
	}{
		{"valid", now, sign("sseecret", now, body), false},
		{"wrong secret", now, sign("other", now, body), true},
		{"stale timestamp", stale, sign("sseecret", stale, body), true},
		{"missing headers", "", "", true},
		{"garbage timestamp", "not-a-number", "v0=abc", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/webhook/slack", nil)
			if tt.ts != "" {
				r.Header.Set("X-Slack-Request-Timestamp", tt.ts)
			}
			if tt.sig != "" {
				r.Header.Set("X-Slack-Signature", tt.sig)
			}
			err := c.ValidateRequest(r, body)
			if tt.wantErr {
				if !errors.Is(err, channels.ErrUnauthorizedWebhook) {
					t.Fatalf("expected ErrUnauthorizedWebhook, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("expected valid signature, got %v", err)
			}
		})
	}
}

func TestHandleActivity(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		content string
	}{
		{
			name:    "user message delivered",
			body:    `{"type":"event_callback","team_id":"T123","event":{"type":"message","user":"U42","text":"hello there","channel":"C9","ts":"111.222"}}`,
			want:    1,
			content: "hello there",
		},
		{
			name: "own bot message dropped",
			body: `{"type":"event_callback","event":{"type":"message","user":"UBOT","text":"echo","channel":"C9"}}`,
		},
		{
			name: "bot_id message dropped",
			body: `{"type":"event_callback","event":{"type":"message","bot_id":"B1","text":"spam","channel":"C9"}}`,
		},
		{
			name: "subtype ignored",
			body: `{"type":"event_callback","event":{"type":"message","subtype":"message_changed","user":"U42","text":"edit","channel":"C9"}}`,
		},
		{
			name: "url_verification ignored",
			body: `{"type":"url_verification","challenge":"abc"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &captureSink{}
			c := testConnector(sink)
			if err := c.HandleActivity(context.Background(), []byte(tt.body)); err != nil {
				t.Fatalf("HandleActivity: %v", err)
			}
			if len(sink.msgs) != tt.want {
				t.Fatalf("got %d messages, want %d", len(sink.msgs), tt.want)
			}
			if tt.want == 1 {
				msg := sink.msgs[0]
				if msg.Content != tt.content {
					t.Errorf("content = %q, want %q", msg.Content, tt.content)
				}
				if msg.UserID != "tenant-1" || msg.ChatID != "C9" {
					t.Errorf("unexpected routing: user=%q chat=%q", msg.UserID, msg.ChatID)
				}
			}
		})
	}
}

func TestHandleActivityMalformed(t *testing.T) {
	c := testConnector(&captureSink{})
	if err := c.HandleActivity(context.Background(), []byte("{not json")); err == nil {
		t.Fatal("expected decode error for malformed payload")
	}
}
