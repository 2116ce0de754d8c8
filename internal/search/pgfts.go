package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search queries current artifact versions with plainto_tsquery and
// ts_rank, using ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
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

	where := `to_tsvector('english', a.title || ' ' || a.content) @@ plainto_tsquery('english', $1) AND a.is_current`
	args := []any{q.Text}
	argN := 2
	if q.ProjectID != "" {
		where += fmt.Sprintf(" AND a.project_id = $%d", argN)
		args = append(args, q.ProjectID)
		argN++
	}
	if q.FilterType != "" {
		where += fmt.Sprintf(" AND a.artifact_type = $%d", argN)
		args = append(args, q.FilterType)
		argN++
	}

	ctx := context.Background()

	var total int
	countSQL := "SELECT count(*) FROM artifacts a WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT a.id, a.project_id, a.artifact_type, a.title,
			ts_headline('english', coalesce(a.content, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			a.approval_status, a.version
		FROM artifacts a
		WHERE %s
		ORDER BY ts_rank(to_tsvector('english', a.title || ' ' || a.content), plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Type, &r.Title, &r.Snippet, &r.Status, &r.Version); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every current artifact version for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ArtifactRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, project_id, artifact_type, title, content, approval_status, version
		FROM artifacts
		WHERE is_current
	`)
	if err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}
	defer rows.Close()

	records := make([]ArtifactRecord, 0)
	for rows.Next() {
		var r ArtifactRecord
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Type, &r.Title, &r.Content, &r.Status, &r.Version); err != nil {
			return nil, fmt.Errorf("scan artifact record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifact records: %w", err)
	}
	return records, nil
}
