package chat

import (
	"context"
	"sync"
	"time"
)

type sessionData struct {
	turns       []Turn
	createdAt   time.Time
	lastTouched time.Time
}

// SessionStore is the ephemeral ContextStore: one mutable turn list per
// caller session with a fixed TTL, no cross-session visibility. Expired
// sessions are dropped lazily on read and in bulk by ClearExpired.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]sessionData
	ttl      time.Duration
	window   int
	now      func() time.Time
}

// NewSessionStore creates the store. ttl == 0 means sessions never expire.
func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]sessionData),
		ttl:      ttl,
		now:      time.Now,
	}
}

// WithWindow bounds stored turn lists to the conversation memory window, so
// a long-lived session cannot grow past it between sweeps.
func (s *SessionStore) WithWindow(n int) *SessionStore {
	s.window = n
	return s
}

func (s *SessionStore) LoadContext(ctx context.Context, key string) ([]Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.sessions[key]
	if !ok {
		return nil, nil
	}
	if s.ttl > 0 && s.now().Sub(data.lastTouched) > s.ttl {
		delete(s.sessions, key)
		return nil, nil
	}

	turns := make([]Turn, len(data.turns))
	copy(turns, data.turns)
	return turns, nil
}

// StageUserTurn is a no-op: session state is replaced wholesale only after
// a successful exchange.
func (s *SessionStore) StageUserTurn(ctx context.Context, key string, turn Turn) error {
	return nil
}

// SaveExchange replaces the session's turn list with history + user +
// assistant, windowed to the configured memory, and refreshes the TTL.
func (s *SessionStore) SaveExchange(ctx context.Context, key string, history []Turn, user, assistant Turn) error {
	turns := make([]Turn, 0, len(history)+2)
	turns = append(turns, history...)
	turns = append(turns, user, assistant)
	if s.window > 0 {
		turns = Window(turns, s.window)
	}
	return s.Set(ctx, key, turns)
}

// Set replaces the session's turn list and refreshes the TTL.
func (s *SessionStore) Set(ctx context.Context, key string, turns []Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	data, ok := s.sessions[key]
	if !ok {
		data = sessionData{createdAt: now}
	}
	data.turns = make([]Turn, len(turns))
	copy(data.turns, turns)
	data.lastTouched = now
	s.sessions[key] = data
	return nil
}

func (s *SessionStore) Clear(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, key)
	return nil
}

// ClearExpired drops every session idle past the TTL relative to now and
// reports how many were dropped. Run periodically from main.
func (s *SessionStore) ClearExpired(ctx context.Context, now time.Time) (int, error) {
	if s.ttl == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int
	for key, data := range s.sessions {
		if now.Sub(data.lastTouched) > s.ttl {
			delete(s.sessions, key)
			deleted++
		}
	}
	return deleted, nil
}
