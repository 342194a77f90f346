package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"mindtrail/api/internal/graph"
)

// MemoryStore keeps sessions in process. Values are stored encoded so callers
// never share slices with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]byte)}
}

func (m *MemoryStore) SaveSession(_ context.Context, session graph.Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = payload
	return nil
}

func (m *MemoryStore) LoadSession(_ context.Context, id string) (graph.Session, error) {
	m.mu.RLock()
	payload, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return graph.Session{}, graph.ErrSessionNotFound
	}
	return decodeSession(payload)
}

func (m *MemoryStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]graph.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]graph.Session, 0, len(m.sessions))
	for _, payload := range m.sessions {
		session, err := decodeSession(payload)
		if err != nil {
			return nil, err
		}
		items = append(items, session)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func decodeSession(payload []byte) (graph.Session, error) {
	var session graph.Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return graph.Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return session, nil
}
