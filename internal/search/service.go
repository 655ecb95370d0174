package search

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type primaryIndex interface {
	Searcher
	Indexer
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  primaryIndex
	fallback Searcher
	pgfts    *PgFTS
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(m *Meili, pgfts *PgFTS, logger zerolog.Logger) *Service {
	s := &Service{pgfts: pgfts, logger: logger.With().Str("component", "search").Logger()}
	if m != nil {
		s.primary = m
	}
	if pgfts != nil {
		s.fallback = pgfts
	}
	return s
}

func (s *Service) primaryHealthy() bool {
	return s.primary != nil && s.primary.Healthy()
}

// Search tries the primary index if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	if s.primaryHealthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total}, nil
		}
		s.logger.Warn().Err(err).Msg("meilisearch error, falling back to pgfts")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}}, nil
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		return Response{Results: []Result{}}, err
	}
	return Response{Results: nonNil(results), Total: total}, nil
}

// IndexDocument indexes a document (fire-and-forget to the primary index).
func (s *Service) IndexDocument(doc DocumentRecord) {
	if !s.primaryHealthy() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.primary.IndexDocument(doc); err != nil {
			s.logger.Warn().Err(err).Str("document_id", doc.ID).Msg("index document")
		}
	}()
}

// IndexDocuments indexes a batch (fire-and-forget to the primary index).
func (s *Service) IndexDocuments(docs []DocumentRecord) {
	if !s.primaryHealthy() || len(docs) == 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.primary.IndexDocuments(docs); err != nil {
			s.logger.Warn().Err(err).Int("count", len(docs)).Msg("index documents")
		}
	}()
}

// DeleteDocument removes a document from the search index (fire-and-forget).
func (s *Service) DeleteDocument(id string) {
	if !s.primaryHealthy() {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.primary.DeleteDocument(id); err != nil {
			s.logger.Warn().Err(err).Str("document_id", id).Msg("delete document from index")
		}
	}()
}

// Wait blocks until in-flight index writes finish.
func (s *Service) Wait() {
	s.wg.Wait()
}

// ReindexAllFromPG pushes every document from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if !s.primaryHealthy() || s.pgfts == nil {
		return
	}
	documents, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("reindex load failed")
		return
	}
	if err := s.primary.IndexDocuments(documents); err != nil {
		s.logger.Error().Err(err).Msg("reindex documents")
		return
	}
	s.logger.Info().Int("count", len(documents)).Msg("reindexed documents")
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
