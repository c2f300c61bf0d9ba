package oauth

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// StateTTL bounds how long an authorization round trip may take.
const StateTTL = 10 * time.Minute

type stateEntry struct {
	userID      string
	channelType string
	expiresAt   time.Time
}

// stateStore holds pending authorization states in memory. States are
// single-use: Take removes the entry whether or not the exchange that
// follows succeeds. A background sweep drops abandoned flows.
type stateStore struct {
	mu      sync.Mutex
	entries map[string]stateEntry
	done    chan struct{}
	closed  bool
}

func newStateStore() *stateStore {
	s := &stateStore{
		entries: make(map[string]stateEntry),
		done:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Put registers a new state token for a pending flow.
func (s *stateStore) Put(state, userID, channelType string) {
	s.mu.Lock()
	s.entries[state] = stateEntry{
		userID:      userID,
		channelType: channelType,
		expiresAt:   time.Now().Add(StateTTL),
	}
	s.mu.Unlock()
}

// Take removes and returns the entry for a state token. Expired
// entries count as absent.
func (s *stateStore) Take(state string) (stateEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[state]
	if !ok {
		return stateEntry{}, false
	}
	delete(s.entries, state)
	if time.Now().After(e.expiresAt) {
		return stateEntry{}, false
	}
	return e, true
}

func (s *stateStore) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

func (s *stateStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	for state, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, state)
		}
	}
	s.mu.Unlock()
}

func (s *stateStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		close(s.done)
		s.closed = true
	}
}

// newStateToken returns 32 bytes of entropy, hex encoded.
func newStateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
