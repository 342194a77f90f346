// Package graph holds the process-wide concept graph: nodes, edges, the chat
// transcript, UI flags and the cache of saved sessions.
package graph

import (
	"context"
	"errors"
	"time"

	"mindtrail/api/internal/protocol"
)

var (
	ErrNodeNotFound    = errors.New("node not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrEmptyLabel      = errors.New("label is required")
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Node struct {
	ID          string    `json:"id"`
	Label       string    `json:"label"`
	Description string    `json:"description"`
	Emoji       string    `json:"emoji,omitempty"`
	Image       string    `json:"image,omitempty"`
	Position    Position  `json:"position"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (n Node) HasImage() bool {
	return n.Image != ""
}

type Edge struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Target string `json:"target"`
}

type Message struct {
	ID           string    `json:"id"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`
	Image        string    `json:"image,omitempty"`
	QuickReplies []string  `json:"quickReplies,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Flags struct {
	Loading   bool     `json:"loading"`
	Expanding []string `json:"expanding"`
}

// State is a copy of everything the client renders.
type State struct {
	Nodes            []Node    `json:"nodes"`
	Edges            []Edge    `json:"edges"`
	Messages         []Message `json:"messages"`
	Flags            Flags     `json:"flags"`
	CurrentSessionID string    `json:"currentSessionId,omitempty"`
}

// Session is a named, persisted snapshot of the graph plus the transcript.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type SessionSummary struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	NodeCount    int       `json:"nodeCount"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (s Session) Summary() SessionSummary {
	return SessionSummary{
		ID:           s.ID,
		Name:         s.Name,
		NodeCount:    len(s.Nodes),
		MessageCount: len(s.Messages),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}

// Persister is the durable key-value store behind saved sessions.
type Persister interface {
	SaveSession(ctx context.Context, session Session) error
	LoadSession(ctx context.Context, id string) (Session, error)
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]Session, error)
}

// ChildGenerator proposes sub-concepts for a node.
type ChildGenerator interface {
	GenerateChildren(ctx context.Context, parent Node, existingLabels []string) ([]protocol.GraphAction, error)
}
