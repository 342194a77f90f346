package graph

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"mindtrail/api/internal/layout"
	"mindtrail/api/internal/metrics"
	"mindtrail/api/internal/protocol"
	"mindtrail/api/internal/util"
)

const untitledSession = "Untitled session"

// Layouter positions nodes. *layout.Engine implements it.
type Layouter interface {
	Compute(ctx context.Context, nodes []layout.Node, edges []layout.Edge) (layout.Result, error)
}

type Store struct {
	mu        sync.RWMutex
	nodes     []Node
	edges     []Edge
	messages  []Message
	loading   bool
	expanding map[string]bool
	currentID string
	sessions  map[string]Session

	// generation changes whenever the graph is replaced by Reset or LoadSession
	generation uint64

	persist Persister
	layout  Layouter
	now     func() time.Time

	subMu   sync.Mutex
	subs    map[int]chan State
	nextSub int
}

func NewStore(persist Persister, layouter Layouter) *Store {
	return &Store{
		expanding: make(map[string]bool),
		sessions:  make(map[string]Session),
		persist:   persist,
		layout:    layouter,
		now:       time.Now,
		subs:      make(map[int]chan State),
	}
}

// Restore loads every persisted session into the cache.
func (s *Store) Restore(ctx context.Context) error {
	sessions, err := s.persist.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("restore sessions: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, session := range sessions {
		s.sessions[session.ID] = session
	}
	return nil
}

func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

func (s *Store) stateLocked() State {
	expanding := make([]string, 0, len(s.expanding))
	for id := range s.expanding {
		expanding = append(expanding, id)
	}
	sort.Strings(expanding)
	return State{
		Nodes:            cloneNodes(s.nodes),
		Edges:            cloneEdges(s.edges),
		Messages:         cloneMessages(s.messages),
		Flags:            Flags{Loading: s.loading, Expanding: expanding},
		CurrentSessionID: s.currentID,
	}
}

// Labels returns node labels in insertion order.
func (s *Store) Labels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	labels := make([]string, len(s.nodes))
	for i, n := range s.nodes {
		labels[i] = n.Label
	}
	return labels
}

func (s *Store) Node(id string) (Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.nodeIndex(id)
	if i < 0 {
		return Node{}, ErrNodeNotFound
	}
	return s.nodes[i], nil
}

func (s *Store) SetLoading(loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = loading
	s.notifyLocked()
}

func (s *Store) AddMessage(role, content, image string, quickReplies []string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := Message{
		ID:           util.NewID("msg"),
		Role:         role,
		Content:      content,
		Image:        image,
		QuickReplies: append([]string(nil), quickReplies...),
		CreatedAt:    s.now(),
	}
	s.messages = append(s.messages, msg)
	s.notifyLocked()
	return msg
}

// History returns at most limit of the latest messages, oldest first.
func (s *Store) History(limit int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if limit > 0 && len(s.messages) > limit {
		start = len(s.messages) - limit
	}
	return cloneMessages(s.messages[start:])
}

// AddNodeFromChat appends the node described by a model action. Duplicate
// labels return the existing node with added=false; actions without a label
// are ignored the same way.
func (s *Store) AddNodeFromChat(action protocol.GraphAction) (Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, added := s.addLocked(action, s.resolveParentLocked(action.ParentLabel))
	if added {
		s.relayoutLocked()
		s.notifyLocked()
		return s.nodes[len(s.nodes)-1], true
	}
	return node, false
}

// AddNode is the manual variant of AddNodeFromChat.
func (s *Store) AddNode(action protocol.GraphAction) (Node, bool, error) {
	if strings.TrimSpace(action.Label) == "" {
		return Node{}, false, ErrEmptyLabel
	}
	node, added := s.AddNodeFromChat(action)
	return node, added, nil
}

// ExpandNode asks gen for sub-concepts of id and attaches them as children.
// The generator runs without the lock held.
func (s *Store) ExpandNode(ctx context.Context, id string, gen ChildGenerator) ([]Node, error) {
	s.mu.Lock()
	i := s.nodeIndex(id)
	if i < 0 {
		s.mu.Unlock()
		return nil, ErrNodeNotFound
	}
	parent := s.nodes[i]
	labels := make([]string, len(s.nodes))
	for j, n := range s.nodes {
		labels[j] = n.Label
	}
	s.expanding[id] = true
	s.notifyLocked()
	s.mu.Unlock()

	children, err := gen.GenerateChildren(ctx, parent, labels)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.expanding, id)
	if err != nil {
		s.notifyLocked()
		return nil, fmt.Errorf("generate children for %s: %w", parent.Label, err)
	}
	// the node may have been removed by a reset or a session load meanwhile
	if s.nodeIndex(id) < 0 {
		s.notifyLocked()
		return nil, ErrNodeNotFound
	}

	addedIDs := make([]string, 0, len(children))
	for _, child := range children {
		if node, added := s.addLocked(child, id); added {
			addedIDs = append(addedIDs, node.ID)
		}
	}
	if len(addedIDs) > 0 {
		s.relayoutLocked()
	}
	s.notifyLocked()

	added := make([]Node, 0, len(addedIDs))
	for _, nodeID := range addedIDs {
		added = append(added, s.nodes[s.nodeIndex(nodeID)])
	}
	return added, nil
}

// MoveNode records a user drag. Positions are overwritten by the next layout.
func (s *Store) MoveNode(id string, pos Position) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.nodeIndex(id)
	if i < 0 {
		return Node{}, ErrNodeNotFound
	}
	s.nodes[i].Position = pos
	s.notifyLocked()
	return s.nodes[i], nil
}

// Reset clears the graph and transcript and detaches from the current session.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = nil
	s.edges = nil
	s.messages = nil
	s.currentID = ""
	s.generation++
	s.notifyLocked()
}

// SaveSession persists the current graph under name. Saving while a session is
// loaded overwrites that session.
func (s *Store) SaveSession(ctx context.Context, name string) (Session, error) {
	s.mu.RLock()
	session := Session{
		ID:       s.currentID,
		Name:     strings.TrimSpace(name),
		Nodes:    cloneNodes(s.nodes),
		Edges:    cloneEdges(s.edges),
		Messages: cloneMessages(s.messages),
	}
	if existing, ok := s.sessions[session.ID]; ok {
		session.CreatedAt = existing.CreatedAt
		if session.Name == "" {
			session.Name = existing.Name
		}
	}
	if session.Name == "" {
		session.Name = s.defaultNameLocked()
	}
	generation := s.generation
	s.mu.RUnlock()

	now := s.now()
	if session.ID == "" {
		session.ID = util.NewID("ses")
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	if err := s.persist.SaveSession(ctx, session); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	// a graph that was reset or replaced while persisting stays detached
	if s.generation == generation {
		s.currentID = session.ID
	}
	s.notifyLocked()
	return cloneSession(session), nil
}

// LoadSession replaces the graph and transcript with a saved session.
func (s *Store) LoadSession(ctx context.Context, id string) (Session, error) {
	session, err := s.Session(ctx, id)
	if err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
	s.nodes = cloneNodes(session.Nodes)
	s.edges = cloneEdges(session.Edges)
	s.messages = cloneMessages(session.Messages)
	s.currentID = session.ID
	s.generation++
	s.expanding = make(map[string]bool)
	s.relayoutLocked()
	s.notifyLocked()
	return cloneSession(session), nil
}

// Session returns a saved session from the cache, falling back to the persister.
func (s *Store) Session(ctx context.Context, id string) (Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return cloneSession(session), nil
	}

	session, err := s.persist.LoadSession(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, fmt.Errorf("load session: %w", err)
	}
	return session, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := s.persist.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	if s.currentID == id {
		s.currentID = ""
	}
	s.notifyLocked()
	return nil
}

// Sessions lists saved sessions, most recently updated first.
func (s *Store) Sessions() []SessionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]SessionSummary, 0, len(s.sessions))
	for _, session := range s.sessions {
		items = append(items, session.Summary())
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].UpdatedAt.After(items[j].UpdatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items
}

// SavedSessions returns copies of every cached session.
func (s *Store) SavedSessions() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		items = append(items, cloneSession(session))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}

// Subscribe returns a channel that receives the state after every change.
// Only the latest state is buffered.
func (s *Store) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// notifyLocked must be called with s.mu held so subscribers see changes in order.
func (s *Store) notifyLocked() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if len(s.subs) == 0 {
		return
	}
	state := s.stateLocked()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- state
	}
}

func (s *Store) addLocked(action protocol.GraphAction, parentID string) (Node, bool) {
	label := strings.Join(strings.Fields(action.Label), " ")
	if label == "" {
		return Node{}, false
	}
	if i := s.labelIndex(label); i >= 0 {
		return s.nodes[i], false
	}
	node := Node{
		ID:          util.NewID("node"),
		Label:       label,
		Description: strings.TrimSpace(action.Description),
		Emoji:       strings.TrimSpace(action.Emoji),
		Image:       action.Image,
		CreatedAt:   s.now(),
	}
	s.nodes = append(s.nodes, node)
	if parentID != "" {
		s.edges = append(s.edges, Edge{
			ID:     "edge_" + parentID + "_" + node.ID,
			Source: parentID,
			Target: node.ID,
		})
	}
	return node, true
}

// resolveParentLocked maps a parent label to a node id, defaulting to the root.
func (s *Store) resolveParentLocked(parentLabel string) string {
	if strings.TrimSpace(parentLabel) != "" {
		if i := s.labelIndex(parentLabel); i >= 0 {
			return s.nodes[i].ID
		}
	}
	return s.rootIDLocked()
}

// rootIDLocked returns the first node without an incoming edge.
func (s *Store) rootIDLocked() string {
	if len(s.nodes) == 0 {
		return ""
	}
	targets := make(map[string]struct{}, len(s.edges))
	for _, e := range s.edges {
		targets[e.Target] = struct{}{}
	}
	for _, n := range s.nodes {
		if _, ok := targets[n.ID]; !ok {
			return n.ID
		}
	}
	return s.nodes[0].ID
}

func (s *Store) defaultNameLocked() string {
	if root := s.rootIDLocked(); root != "" {
		return s.nodes[s.nodeIndex(root)].Label
	}
	return untitledSession
}

func (s *Store) relayoutLocked() {
	started := time.Now()
	nodes := make([]layout.Node, len(s.nodes))
	for i, n := range s.nodes {
		nodes[i] = layout.Node{ID: n.ID, HasImage: n.HasImage()}
	}
	edges := make([]layout.Edge, len(s.edges))
	for i, e := range s.edges {
		edges[i] = layout.Edge{Source: e.Source, Target: e.Target}
	}
	result, err := s.layout.Compute(context.Background(), nodes, edges)
	if err != nil {
		log.Printf("graph: layout failed, keeping positions: %v", err)
		return
	}
	for _, placed := range result.Nodes {
		if i := s.nodeIndex(placed.ID); i >= 0 {
			s.nodes[i].Position = Position{X: placed.X, Y: placed.Y}
		}
	}
	metrics.LayoutDuration.Observe(time.Since(started).Seconds())
}

func (s *Store) nodeIndex(id string) int {
	for i, n := range s.nodes {
		if n.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) labelIndex(label string) int {
	key := util.NormalizeLabel(label)
	for i, n := range s.nodes {
		if util.NormalizeLabel(n.Label) == key {
			return i
		}
	}
	return -1
}

func cloneNodes(in []Node) []Node {
	return append(make([]Node, 0, len(in)), in...)
}

func cloneEdges(in []Edge) []Edge {
	return append(make([]Edge, 0, len(in)), in...)
}

func cloneMessages(in []Message) []Message {
	out := make([]Message, len(in))
	for i, m := range in {
		m.QuickReplies = append([]string(nil), m.QuickReplies...)
		out[i] = m
	}
	return out
}

func cloneSession(in Session) Session {
	in.Nodes = cloneNodes(in.Nodes)
	in.Edges = cloneEdges(in.Edges)
	in.Messages = cloneMessages(in.Messages)
	return in
}
