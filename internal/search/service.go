package search

import (
	"context"

	"github.com/charmbracelet/log"
)

// Service is the facade that tries Meilisearch first and falls back to SQL.
type Service struct {
	meili    *Meili
	fallback *SQLFallback
	log      *log.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback *SQLFallback, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{meili: meili, fallback: fallback, log: logger.WithPrefix("search")}
}

// Search tries Meilisearch if healthy, otherwise falls back to SQL.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("meilisearch error, falling back to sql", "err", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.SearchContext(ctx, q)
	if err != nil {
		s.log.Error("sql search failed", "err", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexTask indexes a task (fire-and-forget to Meilisearch).
func (s *Service) IndexTask(t TaskRecord) {
	if s == nil || s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexTask(t); err != nil {
			s.log.Warn("index task", "task_id", t.ID, "err", err)
		}
	}()
}

// IndexMessage indexes a forum message (fire-and-forget to Meilisearch).
func (s *Service) IndexMessage(m MessageRecord) {
	if s == nil || s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexMessage(m); err != nil {
			s.log.Warn("index message", "message_id", m.ID, "err", err)
		}
	}()
}

// ReindexTasks pushes every stored task to Meilisearch.
func (s *Service) ReindexTasks(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.fallback == nil {
		return
	}
	records, err := s.fallback.LoadTaskRecords(ctx)
	if err != nil {
		s.log.Error("reindex load failed", "err", err)
		return
	}
	if err := s.meili.IndexTasks(records); err != nil {
		s.log.Error("reindex tasks", "err", err)
	}
}

func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
