package search

import (
	"context"
	"sort"
	"strings"

	"mindtrail/api/internal/graph"
)

// SessionSource lists the saved sessions a Local searcher scans.
type SessionSource interface {
	SavedSessions() []graph.Session
}

// Local is a case-insensitive substring scan over cached sessions, used when
// neither Meilisearch nor Postgres is available.
type Local struct {
	source SessionSource
}

func NewLocal(source SessionSource) *Local {
	return &Local{source: source}
}

func (l *Local) Healthy() bool {
	return true
}

func (l *Local) Search(_ context.Context, q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return nil, 0, nil
	}
	limit, offset := normalizePage(q)

	type scored struct {
		result Result
		score  int
	}
	var hits []scored
	for _, session := range l.source.SavedSessions() {
		if q.SessionID != "" && session.ID != q.SessionID {
			continue
		}
		for _, rec := range RecordsFor(session) {
			score := 0
			switch label := strings.ToLower(rec.Label); {
			case label == needle:
				score = 3
			case strings.Contains(label, needle):
				score = 2
			case strings.Contains(strings.ToLower(rec.Description), needle):
				score = 1
			default:
				continue
			}
			hits = append(hits, scored{score: score, result: Result{
				ID:          rec.ID,
				SessionID:   rec.SessionID,
				SessionName: rec.SessionName,
				NodeID:      rec.NodeID,
				Label:       rec.Label,
				Description: rec.Description,
				Emoji:       rec.Emoji,
				Snippet:     rec.Description,
			}})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].result.ID < hits[j].result.ID
	})

	total := len(hits)
	if offset >= total {
		return []Result{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	results := make([]Result, 0, end-offset)
	for _, h := range hits[offset:end] {
		results = append(results, h.result)
	}
	return results, total, nil
}
