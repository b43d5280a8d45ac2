package session

import (
	"context"
	"sync"
	"time"

	"github.com/turnpike-ai/turnpike/pkg/schema"
)

// MemoryStore keeps sessions in a mutex-guarded map. Suitable for
// single-process deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
}

// NewMemoryStore builds an in-memory store. A non-positive ttl selects
// DefaultTTL.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

func (s *MemoryStore) GetOrCreate(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if sess, ok := s.sessions[id]; ok {
		if now.Sub(sess.LastAccess) <= s.ttl {
			sess.LastAccess = now
			return cloneSession(sess), nil
		}
		delete(s.sessions, id)
	}
	sess := &Session{ID: id, CreatedAt: now, LastAccess: now}
	s.sessions[id] = sess
	return cloneSession(sess), nil
}

func (s *MemoryStore) Touch(_ context.Context, id, intent, query string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	sess.TurnCount++
	sess.LastIntent = intent
	sess.LastQuery = query
	sess.LastAccess = s.now().UTC()
	return nil
}

func (s *MemoryStore) SetPending(_ context.Context, id string, kind schema.PendingKind, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	sess.PendingKind = kind
	sess.PendingPayload = clonePayload(payload)
	sess.LastAccess = s.now().UTC()
	return nil
}

func (s *MemoryStore) GetPending(_ context.Context, id string) (schema.PendingKind, map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return schema.PendingNone, nil, nil
	}
	kind := schema.ParsePendingKind(sess.PendingKind.String())
	return kind, clonePayload(sess.PendingPayload), nil
}

func (s *MemoryStore) HasPending(ctx context.Context, id string) (bool, error) {
	kind, _, err := s.GetPending(ctx, id)
	return !kind.IsNone(), err
}

func (s *MemoryStore) ClearPending(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.PendingKind = schema.PendingNone
		sess.PendingPayload = nil
	}
	return nil
}

func (s *MemoryStore) ClearPendingIfKind(_ context.Context, id string, kind schema.PendingKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok && sess.PendingKind == kind {
		sess.PendingKind = schema.PendingNone
		sess.PendingPayload = nil
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) ClearPendingIfPrefix(_ context.Context, id, prefix string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok && sess.PendingKind.HasPrefix(prefix) {
		sess.PendingKind = schema.PendingNone
		sess.PendingPayload = nil
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) PruneExpired(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	var pruned []string
	for id, sess := range s.sessions {
		if now.Sub(sess.LastAccess) > s.ttl {
			delete(s.sessions, id)
			pruned = append(pruned, id)
		}
	}
	return pruned, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneSession(sess *Session) *Session {
	out := *sess
	out.PendingPayload = clonePayload(sess.PendingPayload)
	return &out
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
