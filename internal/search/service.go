package search

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"

	"mindtrail/api/internal/graph"
)

type conceptIndex interface {
	Searcher
	IndexConcepts(records []ConceptRecord) error
	DeleteConcept(id string) error
}

// Service is the facade that tries Meilisearch first and falls back to a
// secondary searcher (Postgres FTS or a local scan).
type Service struct {
	index    conceptIndex
	fallback Searcher

	mu      sync.Mutex
	indexed map[string]map[string]struct{} // session id -> record ids confirmed in the index
	pending map[string]struct{}            // record ids still to delete from the index
	latest  map[string]graph.Session       // last version of each session, replayed on recovery
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Searcher) *Service {
	if meili == nil {
		return newService(nil, fallback)
	}
	s := newService(meili, fallback)
	meili.OnRecover(s.Resync)
	return s
}

func newService(index conceptIndex, fallback Searcher) *Service {
	return &Service{
		index:    index,
		fallback: fallback,
		indexed:  make(map[string]map[string]struct{}),
		pending:  make(map[string]struct{}),
		latest:   make(map[string]graph.Session),
	}
}

// Search tries Meilisearch if healthy, otherwise uses the fallback.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return Response{Results: []Result{}, Query: q.Text}
	}
	if s.index != nil && s.index.Healthy() {
		results, total, err := s.index.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: "meilisearch"}
		}
		log.Printf("search: meilisearch error, falling back: %v", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Backend: backendName(s.fallback)}
}

// IndexSession pushes every node of session and deletes records for nodes that
// disappeared since the session was last indexed. Deletes that cannot run now
// are kept and retried on the next successful push or on Resync.
func (s *Service) IndexSession(session graph.Session) {
	if s.index == nil {
		return
	}
	records := RecordsFor(session)
	current := make(map[string]struct{}, len(records))
	for _, r := range records {
		current[r.ID] = struct{}{}
	}

	s.mu.Lock()
	s.latest[session.ID] = session
	for id := range s.indexed[session.ID] {
		if _, ok := current[id]; !ok {
			s.pending[id] = struct{}{}
		}
	}
	for id := range current {
		delete(s.pending, id)
	}
	s.mu.Unlock()

	if !s.index.Healthy() {
		return
	}
	if err := s.index.IndexConcepts(records); err != nil {
		log.Printf("search: index session %s: %v", session.ID, err)
		return
	}

	s.mu.Lock()
	s.indexed[session.ID] = current
	s.mu.Unlock()
	s.flushDeletes()
}

// RemoveSession drops every record indexed for the session.
func (s *Service) RemoveSession(sessionID string) {
	if s.index == nil {
		return
	}
	s.mu.Lock()
	for id := range s.indexed[sessionID] {
		s.pending[id] = struct{}{}
	}
	delete(s.indexed, sessionID)
	delete(s.latest, sessionID)
	s.mu.Unlock()

	if s.index.Healthy() {
		s.flushDeletes()
	}
}

// ReindexAll indexes every saved session, typically at startup.
func (s *Service) ReindexAll(sessions []graph.Session) {
	for _, session := range sessions {
		s.IndexSession(session)
	}
}

// Resync replays the latest version of every known session and retries
// pending deletes. Meili calls it when the server comes back.
func (s *Service) Resync() {
	s.mu.Lock()
	sessions := make([]graph.Session, 0, len(s.latest))
	for _, session := range s.latest {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	log.Printf("search: resyncing %d sessions", len(sessions))
	s.ReindexAll(sessions)
	if s.index != nil && s.index.Healthy() {
		s.flushDeletes()
	}
}

func (s *Service) flushDeletes() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		s.mu.Lock()
		_, still := s.pending[id]
		s.mu.Unlock()
		if !still {
			continue
		}
		if err := s.index.DeleteConcept(id); err != nil {
			log.Printf("search: delete concept %s: %v", id, err)
			continue
		}
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}
}

func backendName(searcher Searcher) string {
	switch searcher.(type) {
	case *PgFTS:
		return "postgres"
	case *Local:
		return "local"
	default:
		return "fallback"
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
