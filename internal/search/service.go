package search

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Service is the facade that tries Meilisearch first and falls back to the
// comment store.
type Service struct {
	index    Indexer
	fallback *PgFTS
	logger   zerolog.Logger
}

// NewService creates a search service. index may be nil when Meilisearch is
// not configured.
func NewService(index Indexer, fallback *PgFTS, logger zerolog.Logger) *Service {
	return &Service{index: index, fallback: fallback, logger: logger}
}

func (s *Service) indexReady() bool {
	return s.index != nil && s.index.Healthy()
}

// Search tries the index if healthy, otherwise falls back to the store.
func (s *Service) Search(q Query) Response {
	if s.indexReady() {
		results, total, err := s.index.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn().Err(err).Msg("search: meilisearch error, falling back to store")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(q)
	if err != nil {
		s.logger.Error().Err(err).Msg("search: store fallback error")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexComment indexes a comment (fire-and-forget).
func (s *Service) IndexComment(record CommentRecord) {
	if !s.indexReady() {
		return
	}
	go func() {
		if err := s.index.IndexComments([]CommentRecord{record}); err != nil {
			s.logger.Warn().Err(err).Str("comment", record.ID).Msg("search: index comment")
		}
	}()
}

// DeleteComments removes comments from the index (fire-and-forget).
func (s *Service) DeleteComments(ids []string) {
	if !s.indexReady() || len(ids) == 0 {
		return
	}
	go func() {
		for _, id := range ids {
			if err := s.index.DeleteComment(id); err != nil {
				s.logger.Warn().Err(err).Str("comment", id).Msg("search: delete comment")
			}
		}
	}()
}

// Reindex pushes every comment updated since since from the store into the
// index. Called at startup once Meilisearch is healthy.
func (s *Service) Reindex(ctx context.Context, since time.Time) {
	if !s.indexReady() || s.fallback == nil {
		return
	}
	records, err := s.fallback.LoadAllRecords(ctx, since)
	if err != nil {
		s.logger.Error().Err(err).Msg("search: reindex load failed")
		return
	}
	if err := s.index.IndexComments(records); err != nil {
		s.logger.Error().Err(err).Int("count", len(records)).Msg("search: reindex comments")
		return
	}
	s.logger.Info().Int("count", len(records)).Msg("search: reindexed comments")
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
