package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search over the nodes
// of the sessions table's JSONB snapshots.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the session backend is too.
func (p *PgFTS) Healthy() bool {
	return true
}

const pgftsConcepts = `
	SELECT s.id AS session_id, s.name AS session_name,
		n->>'id' AS node_id,
		coalesce(n->>'label', '') AS label,
		coalesce(n->>'description', '') AS description,
		coalesce(n->>'emoji', '') AS emoji,
		ts_headline('english', coalesce(n->>'description', ''), q, 'MaxFragments=1,MaxWords=30') AS snippet,
		ts_rank(to_tsvector('english', coalesce(n->>'label', '') || ' ' || coalesce(n->>'description', '')), q) AS rank
	FROM sessions s,
		plainto_tsquery('english', $1) AS q,
		jsonb_array_elements(coalesce(s.snapshot->'nodes', '[]'::jsonb)) AS n
	WHERE to_tsvector('english', session_nodes_text(s.snapshot)) @@ q
		AND to_tsvector('english', coalesce(n->>'label', '') || ' ' || coalesce(n->>'description', '')) @@ q`

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit, offset := normalizePage(q)

	where := ""
	args := []any{q.Text}
	if q.SessionID != "" {
		where = " AND s.id = $2"
		args = append(args, q.SessionID)
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s%s) sub", pgftsConcepts, where)
	dataSQL := fmt.Sprintf(`SELECT session_id, session_name, node_id, label, description, emoji, snippet
		FROM (%s%s) sub
		ORDER BY rank DESC, session_id, node_id
		LIMIT %d OFFSET %d`, pgftsConcepts, where, limit, offset)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.SessionID, &r.SessionName, &r.NodeID, &r.Label, &r.Description, &r.Emoji, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.ID = RecordID(r.SessionID, r.NodeID)
		results = append(results, r)
	}
	return results, total, rows.Err()
}
