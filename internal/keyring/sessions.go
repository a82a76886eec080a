package keyring

import (
	"context"
	"sort"
	"sync"

	logx "publisher/pkg/logx"
)

// Sessions holds the unlocked in-memory keyring of each logged-in user.
type Sessions struct {
	durable *UserKeyrings
	log     logx.Logger

	mu     sync.RWMutex
	active map[string]*Memory
	// users serialises unlock against grants and revokes of the same user.
	users map[string]*sync.Mutex
}

func NewSessions(durable *UserKeyrings, log logx.Logger) *Sessions {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sessions{durable: durable, log: log, active: map[string]*Memory{}, users: map[string]*sync.Mutex{}}
}

// lockUser holds user's lock until the returned func is called.
func (s *Sessions) lockUser(user string) func() {
	s.mu.Lock()
	m, ok := s.users[user]
	if !ok {
		m = &sync.Mutex{}
		s.users[user] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Unlock decrypts the user's durable keyring into memory. It either
// populates the session completely or leaves it untouched and returns false.
func (s *Sessions) Unlock(ctx context.Context, user, password string) bool {
	// A grant landing between Open and replace would be lost.
	unlock := s.lockUser(user)
	defer unlock()

	keys, err := s.durable.Open(ctx, user, password)
	if err != nil {
		s.log.Warn("keyring unlock failed", logx.User(user), logx.Err(err))
		return false
	}

	s.mu.Lock()
	m, ok := s.active[user]
	if !ok {
		m = NewMemory()
		s.active[user] = m
	}
	s.mu.Unlock()
	m.replace(keys)

	s.log.Debug("keyring unlocked", logx.User(user), logx.Int("keys", len(keys)))
	return true
}

// Lock drops the user's in-memory keyring.
func (s *Sessions) Lock(user string) {
	s.mu.Lock()
	delete(s.active, user)
	s.mu.Unlock()
}

// Get returns the unlocked keyring of user, if any.
func (s *Sessions) Get(user string) (*Memory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.active[user]
	return m, ok
}

// Users lists users with an unlocked keyring.
func (s *Sessions) Users() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.active))
	for u := range s.active {
		out = append(out, u)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}
