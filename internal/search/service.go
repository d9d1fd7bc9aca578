package search

import (
	"context"

	"github.com/erdodo/notion-sub004/internal/store"
	"github.com/rs/zerolog"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
// Index maintenance is fire-and-forget.
type Service struct {
	meili  *Meili
	pgfts  *PgFTS
	logger zerolog.Logger
}

// NewService creates a search service. Either backend may be nil.
func NewService(meili *Meili, pgfts *PgFTS, logger zerolog.Logger) *Service {
	return &Service{meili: meili, pgfts: pgfts, logger: logger.With().Str("component", "search").Logger()}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn().Err(err).Msg("meilisearch error, falling back to pgfts")
	}
	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.logger.Error().Err(err).Msg("pgfts search failed")
		return Response{Results: []Result{}, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

func (s *Service) indexing() bool {
	return s.meili != nil && s.meili.Healthy()
}

// IndexPages pushes active pages and the given blocks of those pages.
func (s *Service) IndexPages(_ context.Context, pages []store.Page, blocks []store.Block) {
	if !s.indexing() {
		return
	}
	pageRecords, blockRecords := records(pages, blocks)
	go func() {
		if err := s.meili.IndexPages(pageRecords); err != nil {
			s.logger.Warn().Err(err).Int("pages", len(pageRecords)).Msg("index pages")
		}
		if err := s.meili.IndexBlocks(blockRecords); err != nil {
			s.logger.Warn().Err(err).Int("blocks", len(blockRecords)).Msg("index blocks")
		}
	}()
}

// RemovePages drops pages and blocks from the index.
func (s *Service) RemovePages(_ context.Context, pageIDs, blockIDs []string) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.DeletePages(pageIDs); err != nil {
			s.logger.Warn().Err(err).Msg("remove pages from index")
		}
		if err := s.meili.DeleteBlocks(blockIDs); err != nil {
			s.logger.Warn().Err(err).Msg("remove blocks from index")
		}
	}()
}

// ReindexAllFromPG reindexes all active pages and blocks from PostgreSQL into
// Meilisearch and reports how many records were pushed.
func (s *Service) ReindexAllFromPG(ctx context.Context) (int, int, error) {
	if !s.indexing() || s.pgfts == nil {
		return 0, 0, nil
	}
	pages, blocks, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		return 0, 0, err
	}
	if err := s.meili.IndexPages(pages); err != nil {
		return 0, 0, err
	}
	if err := s.meili.IndexBlocks(blocks); err != nil {
		return len(pages), 0, err
	}
	return len(pages), len(blocks), nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
