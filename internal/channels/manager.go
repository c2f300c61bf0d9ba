package channels

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/bus"
	"github.com/alexcelewicz/MaiaChat-V2-sub008/internal/store"
)

// Manager is the single source of truth for which connector instances
// currently exist in this process. It is an explicitly constructed,
// dependency-injected object: running two managers against the same
// tenant data yields duplicate connections, and nothing here prevents
// that across processes (see DESIGN.md on multi-instance deployments).
type Manager struct {
	registry *Registry
	pairing  *PairingTracker

	mu         sync.RWMutex
	connectors map[Key]Connector

	handlerMu sync.RWMutex
	handler   bus.MessageHandler
}

// NewManager creates an empty manager over a connector registry.
func NewManager(registry *Registry) *Manager {
	return &Manager{
		registry:   registry,
		pairing:    NewPairingTracker(),
		connectors: make(map[Key]Connector),
	}
}

// Pairing exposes the pairing-state tracker shared with connectors.
func (m *Manager) Pairing() *PairingTracker { return m.pairing }

// SetMessageHandler installs the process-wide inbound callback. Later
// calls replace the handler (last write wins) so it can be swapped after
// a restart without recreating connectors.
func (m *Manager) SetMessageHandler(h bus.MessageHandler) {
	m.handlerMu.Lock()
	m.handler = h
	m.handlerMu.Unlock()
}

// HandleInbound forwards a connector's inbound message to the installed
// handler. Messages arriving before any handler is installed are dropped
// with a warning rather than queued.
func (m *Manager) HandleInbound(ctx context.Context, msg bus.InboundMessage) {
	m.handlerMu.RLock()
	h := m.handler
	m.handlerMu.RUnlock()

	if h == nil {
		slog.Warn("inbound message dropped: no handler installed",
			"channel_type", msg.ChannelType, "user", msg.UserID)
		return
	}
	if err := h(ctx, msg); err != nil {
		slog.Error("inbound message handler failed",
			"channel_type", msg.ChannelType, "user", msg.UserID, "error", err)
	}
}

// ConnectChannel creates a connector for the account's type, opens it,
// and registers it under (tenant, type, channelID). A duplicate key
// without force fails with ErrAlreadyConnected; with force the existing
// connector is disconnected and replaced.
func (m *Manager) ConnectChannel(ctx context.Context, account *store.ChannelAccount, force bool) (*ConnectResult, error) {
	key := Key{UserID: account.UserID, ChannelType: account.ChannelType, ChannelID: account.ChannelID}

	m.mu.Lock()
	existing, dup := m.connectors[key]
	if dup && !force {
		m.mu.Unlock()
		return nil, ErrAlreadyConnected
	}
	// Reserve the key before the (slow) connect so concurrent callers see
	// the duplicate. The slot holds nil until connect completes.
	m.connectors[key] = nil
	m.mu.Unlock()

	if dup && existing != nil {
		if err := existing.Disconnect(ctx); err != nil {
			slog.Warn("disconnect before forced reconnect failed", "key", key.String(), "error", err)
		}
	}

	conn, err := m.registry.New(account, Deps{Sink: m, Pairing: m.pairing})
	if err != nil {
		m.release(key)
		return nil, err
	}

	result, err := conn.Connect(ctx, account)
	if err != nil {
		m.release(key)
		return nil, &ConnectError{ChannelType: account.ChannelType, Err: err}
	}

	m.mu.Lock()
	m.connectors[key] = conn
	m.mu.Unlock()

	slog.Info("channel connected",
		"user", account.UserID, "channel_type", account.ChannelType, "channel_id", account.ChannelID)
	return result, nil
}

// DisconnectChannel closes and removes the connector for the key.
func (m *Manager) DisconnectChannel(ctx context.Context, key Key) error {
	m.mu.Lock()
	conn, ok := m.connectors[key]
	delete(m.connectors, key)
	m.mu.Unlock()

	if !ok || conn == nil {
		return ErrChannelNotFound
	}
	if err := conn.Disconnect(ctx); err != nil {
		return err
	}
	slog.Info("channel disconnected", "key", key.String())
	return nil
}

// Get returns the connector registered under the key.
func (m *Manager) Get(key Key) (Connector, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connectors[key]
	return conn, ok && conn != nil
}

// FindConnectorByType returns a tenant's connector of the given type.
// Used by webhook ingestion, where the platform callback carries no
// channel-instance key of its own.
func (m *Manager) FindConnectorByType(userID, channelType string) (Connector, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, conn := range m.connectors {
		if conn != nil && key.UserID == userID && key.ChannelType == channelType {
			return conn, true
		}
	}
	return nil, false
}

// ConnectedChannels returns the keys of every registered connector.
func (m *Manager) ConnectedChannels() []Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]Key, 0, len(m.connectors))
	for key, conn := range m.connectors {
		if conn != nil {
			keys = append(keys, key)
		}
	}
	return keys
}

// Shutdown disconnects every registered connector. Used on process
// termination.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	connectors := m.connectors
	m.connectors = make(map[Key]Connector)
	m.mu.Unlock()

	for key, conn := range connectors {
		if conn == nil {
			continue
		}
		if err := conn.Disconnect(ctx); err != nil {
			slog.Warn("shutdown disconnect failed", "key", key.String(), "error", err)
		}
	}
	slog.Info("all channels disconnected")
}

// release removes a reserved-but-unconnected slot.
func (m *Manager) release(key Key) {
	m.mu.Lock()
	delete(m.connectors, key)
	m.mu.Unlock()
}
