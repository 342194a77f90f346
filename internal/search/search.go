package search

import (
	"context"

	"mindtrail/api/internal/graph"
)

// Result is a single concept hit returned to the caller.
type Result struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionId"`
	SessionName string `json:"sessionName"`
	NodeID      string `json:"nodeId"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Emoji       string `json:"emoji,omitempty"`
	Snippet     string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text      string
	SessionID string // empty = all sessions
	Limit     int
	Offset    int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Searcher can execute a concept search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// ConceptRecord is the data we index for one node of a saved session.
type ConceptRecord struct {
	ID          string `json:"id"`
	SessionID   string `json:"sessionId"`
	SessionName string `json:"sessionName"`
	NodeID      string `json:"nodeId"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Emoji       string `json:"emoji"`
}

// RecordID is the index primary key for a node within a session.
func RecordID(sessionID, nodeID string) string {
	return sessionID + "_" + nodeID
}

// RecordsFor flattens a session into one record per node.
func RecordsFor(session graph.Session) []ConceptRecord {
	records := make([]ConceptRecord, 0, len(session.Nodes))
	for _, n := range session.Nodes {
		records = append(records, ConceptRecord{
			ID:          RecordID(session.ID, n.ID),
			SessionID:   session.ID,
			SessionName: session.Name,
			NodeID:      n.ID,
			Label:       n.Label,
			Description: n.Description,
			Emoji:       n.Emoji,
		})
	}
	return records
}

func normalizePage(q Query) (limit, offset int) {
	limit = q.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset = q.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
