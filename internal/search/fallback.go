package search

import (
	"context"
	"strconv"

	"teamdesk/internal/store"
)

// FallbackStore is the subset of the relational store used when Meilisearch
// is unavailable.
type FallbackStore interface {
	SearchTasks(ctx context.Context, query string, teamIDs []string, limit int) ([]store.Task, error)
	SearchMessages(ctx context.Context, query string, forumIDs []string, limit int) ([]store.MessageHit, error)
	ListTasks(ctx context.Context, filter store.TaskFilter) ([]store.Task, error)
}

// SQLFallback answers searches with case-insensitive LIKE matching.
type SQLFallback struct {
	store FallbackStore
}

func NewSQLFallback(s FallbackStore) *SQLFallback {
	return &SQLFallback{store: s}
}

func (f *SQLFallback) Healthy() bool { return f != nil && f.store != nil }

func (f *SQLFallback) Search(q Query) ([]Result, int, error) {
	return f.SearchContext(context.Background(), q)
}

func (f *SQLFallback) SearchContext(ctx context.Context, q Query) ([]Result, int, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	var results []Result
	if q.FilterType == "" || q.FilterType == ResultTask {
		tasks, err := f.store.SearchTasks(ctx, q.Text, q.TeamIDs, limit)
		if err != nil {
			return nil, 0, err
		}
		for _, t := range tasks {
			results = append(results, Result{
				Type:    ResultTask,
				ID:      t.ID,
				Title:   t.Name,
				Snippet: snippet(t.Description),
				TeamID:  t.TeamID,
				Status:  t.Status,
			})
		}
	}
	if q.FilterType == "" || q.FilterType == ResultMessage {
		hits, err := f.store.SearchMessages(ctx, q.Text, q.ForumIDs, limit)
		if err != nil {
			return nil, 0, err
		}
		for _, h := range hits {
			results = append(results, Result{
				Type:    ResultMessage,
				ID:      strconv.FormatInt(h.ID, 10),
				Snippet: snippet(h.Text),
				TeamID:  h.TeamID,
				ForumID: h.ForumID,
			})
		}
	}
	return results, len(results), nil
}

// LoadTaskRecords reads every task for a full reindex.
func (f *SQLFallback) LoadTaskRecords(ctx context.Context) ([]TaskRecord, error) {
	tasks, err := f.store.ListTasks(ctx, store.TaskFilter{})
	if err != nil {
		return nil, err
	}
	records := make([]TaskRecord, 0, len(tasks))
	for _, t := range tasks {
		records = append(records, TaskRecordFrom(t))
	}
	return records, nil
}

func TaskRecordFrom(t store.Task) TaskRecord {
	return TaskRecord{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		Priority:    t.Priority,
		Status:      t.Status,
		TeamID:      t.TeamID,
	}
}

func MessageRecordFrom(m store.Message, teamID string) MessageRecord {
	return MessageRecord{
		ID:      strconv.FormatInt(m.ID, 10),
		Text:    m.Text,
		ForumID: m.ForumID,
		TeamID:  teamID,
		UserID:  m.UserID,
	}
}

func snippet(text string) string {
	const max = 160
	r := []rune(text)
	if len(r) <= max {
		return text
	}
	return string(r[:max]) + "…"
}
