package search

import (
	"context"
	"log"

	"github.com/stumn/Chatment-sub000/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to the
// Postgres scan.
type Service struct {
	meili  *Meili
	pglike *PgLike
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pglike *PgLike) *Service {
	return &Service{meili: meili, pglike: pglike}
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	results, total, err := s.pglike.Search(q)
	if err != nil {
		log.Printf("search: postgres fallback error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexMessage indexes a chat message (fire-and-forget to Meilisearch).
// Document rows are not indexed; the document pane is always fully loaded.
func (s *Service) IndexMessage(post store.Post) {
	if s.meili == nil || !s.meili.Healthy() || post.RoomID == nil {
		return
	}
	rec := MessageRecord{
		ID:      post.ID,
		Content: post.Content,
		Author:  post.AuthorDisplayName,
		SpaceID: post.SpaceID,
		RoomID:  *post.RoomID,
	}
	go func() {
		if err := s.meili.IndexMessage(rec); err != nil {
			log.Printf("search: index message %s: %v", rec.ID, err)
		}
	}()
}

// RemoveMessage removes a message from the index (fire-and-forget).
func (s *Service) RemoveMessage(postID string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteMessage(postID); err != nil {
			log.Printf("search: delete message %s: %v", postID, err)
		}
	}()
}

// ReindexAllFromPG reindexes every chat message from PostgreSQL into
// Meilisearch. Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pglike == nil {
		return
	}
	records, err := s.pglike.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexMessages(records); err != nil {
		log.Printf("search: reindex messages: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
