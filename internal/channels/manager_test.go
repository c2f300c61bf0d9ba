package channels

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/bus"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

// fakeConnector counts lifecycle calls and can be told to fail connect.
type fakeConnector struct {
	channelType string
	failConnect error
	connects    atomic.Int32
	disconnects atomic.Int32
	sent        []bus.OutboundMessage
}

func (f *fakeConnector) Type() string { return f.channelType }

func (f *fakeConnector) Connect(_ context.Context, account *store.ChannelAccount) (*ConnectResult, error) {
	f.connects.Add(1)
	if f.failConnect != nil {
		return nil, f.failConnect
	}
	return &ConnectResult{AccountID: account.AccountID}, nil
}

func (f *fakeConnector) Disconnect(context.Context) error {
	f.disconnects.Add(1)
	return nil
}

func (f *fakeConnector) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}

func testAccount(user, channelType, channelID string) *store.ChannelAccount {
	return &store.ChannelAccount{
		UserID:      user,
		ChannelType: channelType,
		ChannelID:   channelID,
		AccountID:   "bot-1",
		Active:      true,
	}
}

func newTestManager(conn *fakeConnector) *Manager {
	reg := NewRegistry()
	reg.Register(conn.channelType, func(*store.ChannelAccount, Deps) (Connector, error) {
		return conn, nil
	})
	return NewManager(reg)
}

func TestConnectChannelRegisters(t *testing.T) {
	conn := &fakeConnector{channelType: TypeTelegram}
	m := newTestManager(conn)

	res, err := m.ConnectChannel(context.Background(), testAccount("u1", TypeTelegram, "c1"), false)
	if err != nil {
		t.Fatalf("ConnectChannel: %v", err)
	}
	if res.AccountID != "bot-1" {
		t.Errorf("AccountID = %q", res.AccountID)
	}
	if got := len(m.ConnectedChannels()); got != 1 {
		t.Errorf("connected channels = %d, want 1", got)
	}
}

func TestConnectChannelDuplicateWithoutForce(t *testing.T) {
	conn := &fakeConnector{channelType: TypeTelegram}
	m := newTestManager(conn)
	acct := testAccount("u1", TypeTelegram, "c1")

	if _, err := m.ConnectChannel(context.Background(), acct, false); err != nil {
		t.Fatal(err)
	}
	_, err := m.ConnectChannel(context.Background(), acct, false)
	if !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("duplicate connect = %v, want ErrAlreadyConnected", err)
	}
	if got := conn.connects.Load(); got != 1 {
		t.Errorf("connect calls = %d, want 1", got)
	}
	if got := len(m.ConnectedChannels()); got != 1 {
		t.Errorf("connected channels = %d, want exactly 1", got)
	}
}

func TestConnectChannelForceReplacesExisting(t *testing.T) {
	conn := &fakeConnector{channelType: TypeTelegram}
	m := newTestManager(conn)
	acct := testAccount("u1", TypeTelegram, "c1")

	if _, err := m.ConnectChannel(context.Background(), acct, false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ConnectChannel(context.Background(), acct, true); err != nil {
		t.Fatalf("forced reconnect: %v", err)
	}
	if got := conn.disconnects.Load(); got != 1 {
		t.Errorf("disconnect calls = %d, want 1", got)
	}
	if got := conn.connects.Load(); got != 2 {
		t.Errorf("connect calls = %d, want 2", got)
	}
	if got := len(m.ConnectedChannels()); got != 1 {
		t.Errorf("connected channels = %d, want 1", got)
	}
}

func TestConnectChannelFailureReleasesKey(t *testing.T) {
	conn := &fakeConnector{channelType: TypeTelegram, failConnect: errors.New("401 unauthorized")}
	m := newTestManager(conn)
	acct := testAccount("u1", TypeTelegram, "c1")

	_, err := m.ConnectChannel(context.Background(), acct, false)
	var ce *ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ConnectError", err)
	}
	if got := len(m.ConnectedChannels()); got != 0 {
		t.Errorf("connected channels after failure = %d, want 0", got)
	}

	// The key must be reusable after the failure.
	conn.failConnect = nil
	if _, err := m.ConnectChannel(context.Background(), acct, false); err != nil {
		t.Errorf("reconnect after failure: %v", err)
	}
}

func TestConnectChannelUnsupportedType(t *testing.T) {
	m := NewManager(NewRegistry())
	_, err := m.ConnectChannel(context.Background(), testAccount("u1", TypeMatrix, "c1"), false)
	var ue *UnsupportedTypeError
	if !errors.As(err, &ue) {
		t.Errorf("err = %v, want *UnsupportedTypeError", err)
	}
}

func TestDisconnectChannel(t *testing.T) {
	conn := &fakeConnector{channelType: TypeTelegram}
	m := newTestManager(conn)
	acct := testAccount("u1", TypeTelegram, "c1")
	key := Key{UserID: "u1", ChannelType: TypeTelegram, ChannelID: "c1"}

	if _, err := m.ConnectChannel(context.Background(), acct, false); err != nil {
		t.Fatal(err)
	}
	if err := m.DisconnectChannel(context.Background(), key); err != nil {
		t.Fatalf("DisconnectChannel: %v", err)
	}
	if got := conn.disconnects.Load(); got != 1 {
		t.Errorf("disconnect calls = %d, want 1", got)
	}
	if err := m.DisconnectChannel(context.Background(), key); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("second disconnect = %v, want ErrChannelNotFound", err)
	}
}

func TestSetMessageHandlerLastWriteWins(t *testing.T) {
	m := NewManager(NewRegistry())

	var first, second atomic.Int32
	m.SetMessageHandler(func(context.Context, bus.InboundMessage) error {
		first.Add(1)
		return nil
	})
	m.SetMessageHandler(func(context.Context, bus.InboundMessage) error {
		second.Add(1)
		return nil
	})

	m.HandleInbound(context.Background(), bus.InboundMessage{UserID: "u1", ChannelType: TypeTelegram})
	if first.Load() != 0 || second.Load() != 1 {
		t.Errorf("handler calls = (%d, %d), want (0, 1)", first.Load(), second.Load())
	}
}

func TestHandleInboundWithoutHandlerDrops(t *testing.T) {
	m := NewManager(NewRegistry())
	// Must not panic.
	m.HandleInbound(context.Background(), bus.InboundMessage{UserID: "u1"})
}

func TestFindConnectorByType(t *testing.T) {
	conn := &fakeConnector{channelType: TypeSlack}
	m := newTestManager(conn)
	if _, err := m.ConnectChannel(context.Background(), testAccount("u1", TypeSlack, "T123"), false); err != nil {
		t.Fatal(err)
	}

	if _, ok := m.FindConnectorByType("u1", TypeSlack); !ok {
		t.Error("connector for u1/slack not found")
	}
	if _, ok := m.FindConnectorByType("u2", TypeSlack); ok {
		t.Error("found connector for wrong tenant")
	}
	if _, ok := m.FindConnectorByType("u1", TypeDiscord); ok {
		t.Error("found connector for wrong type")
	}
}

func TestShutdownDisconnectsAll(t *testing.T) {
	reg := NewRegistry()
	conns := []*fakeConnector{
		{channelType: TypeTelegram},
		{channelType: TypeSlack},
	}
	for _, c := range conns {
		c := c
		reg.Register(c.channelType, func(*store.ChannelAccount, Deps) (Connector, error) { return c, nil })
	}
	m := NewManager(reg)

	if _, err := m.ConnectChannel(context.Background(), testAccount("u1", TypeTelegram, "c1"), false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ConnectChannel(context.Background(), testAccount("u2", TypeSlack, "T9"), false); err != nil {
		t.Fatal(err)
	}

	m.Shutdown(context.Background())

	for _, c := range conns {
		if got := c.disconnects.Load(); got != 1 {
			t.Errorf("%s disconnects = %d, want 1", c.channelType, got)
		}
	}
	if got := len(m.ConnectedChannels()); got != 0 {
		t.Errorf("connected channels after shutdown = %d, want 0", got)
	}
}
