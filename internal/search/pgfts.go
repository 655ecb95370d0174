package search

import (
	"context"
	"database/sql"
	"encoding/json"
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

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// pgWhere builds the WHERE clause for q. $1 is always the tsquery text.
func pgWhere(q Query) (string, []any) {
	args := []any{q.Text}
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	where := []string{
		"d.fts @@ plainto_tsquery('english', $1)",
		"d.team_id = " + arg(q.TeamID),
		"d.deleted_at IS NULL",
		"d.template = FALSE",
	}

	var scope []string
	if len(q.CollectionIDs) > 0 {
		scope = append(scope, "(d.collection_id = ANY("+arg(q.CollectionIDs)+") AND d.published_at IS NOT NULL)")
	}
	if q.IncludeDraftsOf != "" {
		scope = append(scope, "(d.created_by_id = "+arg(q.IncludeDraftsOf)+" AND d.published_at IS NULL)")
	}
	if len(scope) > 0 {
		where = append(where, "("+strings.Join(scope, " OR ")+")")
	}

	if !q.IncludeArchived {
		where = append(where, "d.archived_at IS NULL")
	}
	if q.UpdatedAfter != nil {
		where = append(where, "d.updated_at >= "+arg(*q.UpdatedAfter))
	}
	if q.CollaboratorID != "" {
		where = append(where, "d.collaborator_ids @> jsonb_build_array("+arg(q.CollaboratorID)+"::text)")
	}
	return strings.Join(where, " AND "), args
}

// Search ranks documents with ts_rank and builds snippets with ts_headline.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || !q.scoped() {
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

	where, args := pgWhere(q)
	minWords, maxWords := q.snippetWords()

	countSQL := `SELECT count(*) FROM documents d WHERE ` + where

	dataSQL := fmt.Sprintf(`
		SELECT d.id,
			ts_rank(d.fts, plainto_tsquery('english', $1)) AS rank,
			ts_headline('english', d.text, plainto_tsquery('english', $1),
				'MaxFragments=1,MinWords=%d,MaxWords=%d,StartSel=<b>,StopSel=</b>') AS context
		FROM documents d
		WHERE %s
		ORDER BY rank DESC, d.updated_at DESC
		LIMIT %d OFFSET %d`,
		minWords, maxWords, where, limit, offset)

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
		if err := rows.Scan(&r.DocumentID, &r.Ranking, &r.Context); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every document for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, team_id, coalesce(collection_id, ''), title, text, created_by_id,
			collaborator_ids,
			template, published_at IS NOT NULL, archived_at IS NOT NULL, deleted_at IS NOT NULL,
			extract(epoch FROM updated_at)::bigint
		FROM documents
	`)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	documents := make([]DocumentRecord, 0)
	for rows.Next() {
		var d DocumentRecord
		var collaborators []byte
		if err := rows.Scan(&d.ID, &d.TeamID, &d.CollectionID, &d.Title, &d.Text, &d.CreatedByID,
			&collaborators, &d.Template, &d.Published, &d.Archived, &d.Deleted, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if err := json.Unmarshal(collaborators, &d.CollaboratorIDs); err != nil {
			return nil, fmt.Errorf("decode collaborators: %w", err)
		}
		documents = append(documents, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return documents, nil
}
