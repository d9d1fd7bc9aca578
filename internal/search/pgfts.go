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

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs a UNION ALL over page titles and block text using
// plainto_tsquery and ts_rank. Archived pages and their blocks are excluded.
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text, q.OwnerID}

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultPage {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'page'::text AS type, p.id, p.title, ''::text AS snippet, p.id AS page_id,
				ts_rank(p.fts, %s) AS rank
			FROM pages p
			WHERE p.fts @@ %s AND p.owner_id = $2 AND NOT p.is_archived`, tsQuery, tsQuery))
	}
	if q.FilterType == "" || q.FilterType == ResultBlock {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'block'::text AS type, b.id, p.title,
				ts_headline('english', b.plain_text, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				b.page_id,
				ts_rank(b.fts, %s) AS rank
			FROM blocks b
			JOIN pages p ON p.id = b.page_id
			WHERE b.fts @@ %s AND p.owner_id = $2 AND NOT p.is_archived`, tsQuery, tsQuery, tsQuery))
	}
	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	union := strings.Join(subQueries, " UNION ALL ")
	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, page_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)

	ctx := context.Background()

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
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.PageID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every active page and its text-bearing blocks for a
// full reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]PageRecord, []BlockRecord, error) {
	pageRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, owner_id, coalesce(parent_id, '')
		FROM pages
		WHERE NOT is_archived
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load pages: %w", err)
	}
	defer pageRows.Close()

	pages := make([]PageRecord, 0)
	for pageRows.Next() {
		var r PageRecord
		if err := pageRows.Scan(&r.ID, &r.Title, &r.OwnerID, &r.ParentID); err != nil {
			return nil, nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, r)
	}
	if err := pageRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate pages: %w", err)
	}

	blockRows, err := p.db.QueryContext(ctx, `
		SELECT b.id, b.page_id, p.owner_id, b.type, b.plain_text
		FROM blocks b
		JOIN pages p ON p.id = b.page_id
		WHERE NOT p.is_archived AND b.plain_text <> ''
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load blocks: %w", err)
	}
	defer blockRows.Close()

	blocks := make([]BlockRecord, 0)
	for blockRows.Next() {
		var r BlockRecord
		if err := blockRows.Scan(&r.ID, &r.PageID, &r.OwnerID, &r.Type, &r.Text); err != nil {
			return nil, nil, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, r)
	}
	if err := blockRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate blocks: %w", err)
	}
	return pages, blocks, nil
}
