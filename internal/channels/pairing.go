package channels

import (
	"sync"
	"time"
)

// PairingStatus is the state of a QR-style manual pairing handshake.
type PairingStatus string

const (
	PairingWaitingQR PairingStatus = "waiting_qr"
	PairingPaired    PairingStatus = "paired"
	PairingError     PairingStatus = "error"
)

// PairingState is the observable progress of one pairing session.
// Read-only to API consumers, who poll it while the user scans.
type PairingState struct {
	Status    PairingStatus `json:"status"`
	QRPayload string        `json:"qr_payload,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
	LastError string        `json:"last_error,omitempty"`
}

// PairingKey builds the tracker key for one tenant's account session.
func PairingKey(userID, accountID string) string {
	return userID + ":" + accountID
}

// PairingTracker holds pairing sessions keyed by "userID:accountID".
// Connectors mutate it as the external platform advances the handshake.
type PairingTracker struct {
	mu     sync.RWMutex
	states map[string]PairingState
}

func NewPairingTracker() *PairingTracker {
	return &PairingTracker{states: make(map[string]PairingState)}
}

// SetWaitingQR records a fresh (or rotated) QR payload for scanning.
func (t *PairingTracker) SetWaitingQR(key, qrPayload string) {
	t.set(key, PairingState{Status: PairingWaitingQR, QRPayload: qrPayload})
}

// SetPaired marks the handshake complete; the QR payload is dropped.
func (t *PairingTracker) SetPaired(key string) {
	t.set(key, PairingState{Status: PairingPaired})
}

// SetError records a failed handshake with a human-readable reason.
func (t *PairingTracker) SetError(key string, err error) {
	t.set(key, PairingState{Status: PairingError, LastError: err.Error()})
}

// Get returns the current state for a pairing session.
func (t *PairingTracker) Get(key string) (PairingState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.states[key]
	return st, ok
}

// Clear removes a session, e.g. when its channel is disconnected.
func (t *PairingTracker) Clear(key string) {
	t.mu.Lock()
	delete(t.states, key)
	t.mu.Unlock()
}

func (t *PairingTracker) set(key string, st PairingState) {
	st.UpdatedAt = time.Now().UTC()
	t.mu.Lock()
	t.states[key] = st
	t.mu.Unlock()
}
