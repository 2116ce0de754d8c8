package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexArtifact indexes a current artifact version (fire-and-forget).
func (s *Service) IndexArtifact(record ArtifactRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexArtifact(record); err != nil {
			log.Printf("search: index artifact %s: %v", record.ID, err)
		}
	}()
}

// DeleteArtifact removes a superseded version from the index (fire-and-forget).
func (s *Service) DeleteArtifact(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteArtifact(id); err != nil {
			log.Printf("search: delete artifact %s: %v", id, err)
		}
	}()
}

// Reindex pushes every current artifact version into Meilisearch.
func (s *Service) Reindex(ctx context.Context) error {
	if s.meili == nil || !s.meili.Healthy() {
		return nil
	}
	records, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		return err
	}
	return s.meili.IndexArtifacts(records)
}

func nonNil(results []Result) []Result {
	if results == nil {
		return []Result{}
	}
	return results
}
