package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgLike implements Searcher with a plain ILIKE scan over the posts table.
// Message volume per space is small enough that this is an acceptable
// fallback when Meilisearch is down or not configured.
type PgLike struct {
	db *sql.DB
}

// NewPgLike creates the PostgreSQL fallback searcher.
func NewPgLike(db *sql.DB) *PgLike {
	return &PgLike{db: db}
}

// Healthy always returns true — if Postgres is down, the whole engine is down.
func (p *PgLike) Healthy() bool {
	return true
}

// Search scans chat messages (room-scoped posts) for the query text.
func (p *PgLike) Search(q Query) ([]Result, int, error) {
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

	where := "room_id IS NOT NULL AND content ILIKE '%' || $1 || '%'"
	args := []any{q.Text}
	argN := 2
	if q.SpaceID != 0 {
		where += fmt.Sprintf(" AND space_id = $%d", argN)
		args = append(args, q.SpaceID)
		argN++
	}
	if q.RoomID != "" {
		where += fmt.Sprintf(" AND room_id = $%d", argN)
		args = append(args, q.RoomID)
		argN++
	}

	ctx := context.Background()

	var total int
	countSQL := "SELECT count(*) FROM posts WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pglike count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT id, content, author_name, space_id, room_id
		FROM posts
		WHERE %s
		ORDER BY created_at DESC
		LIMIT %d OFFSET %d`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pglike query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Snippet, &r.Author, &r.SpaceID, &r.RoomID); err != nil {
			return nil, 0, fmt.Errorf("pglike scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every chat message for full reindexing.
func (p *PgLike) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, content, author_name, space_id, room_id
		FROM posts
		WHERE room_id IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(&rec.ID, &rec.Content, &rec.Author, &rec.SpaceID, &rec.RoomID); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}
