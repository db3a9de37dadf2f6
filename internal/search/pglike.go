package search

import (
	"database/sql"
	"fmt"
	"strings"
)

// PgLike implements Searcher over the suggestions table with ILIKE matching.
// It is the fallback when Meilisearch is down; only suggestions are covered
// (node titles live inside the outline JSONB and are Meilisearch-only).
type PgLike struct {
	db *sql.DB
}

func NewPgLike(db *sql.DB) *PgLike {
	return &PgLike{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgLike) Healthy() bool {
	return true
}

func (p *PgLike) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.FilterType == ResultNode {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	pattern := "%" + q.Text + "%"
	where := `(current_title ILIKE $1 OR suggested_title ILIKE $1 OR reason ILIKE $1)`
	args := []any{pattern}
	if q.FilterDocumentID != "" {
		where += ` AND document_id = $2`
		args = append(args, q.FilterDocumentID)
	}

	var total int
	if err := p.db.QueryRow(`SELECT COUNT(*) FROM suggestions WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count suggestion matches: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, document_id, action, status, current_title, suggested_title, reason
		FROM suggestions
		WHERE %s
		ORDER BY document_id, position
		LIMIT %d OFFSET %d
	`, where, limit, offset)
	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search suggestions: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		var currentTitle, suggestedTitle, reason string
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.Action, &r.Status, &currentTitle, &suggestedTitle, &reason); err != nil {
			return nil, 0, fmt.Errorf("scan suggestion match: %w", err)
		}
		r.Type = ResultSuggestion
		r.Title = firstNonBlank(suggestedTitle, currentTitle)
		r.Snippet = reason
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate suggestion matches: %w", err)
	}
	return results, total, nil
}
