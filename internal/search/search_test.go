package search

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"teamdesk/internal/logging"
	"teamdesk/internal/store"
)

func newFallbackStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.Migrate(ctx, db, store.DriverSQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s, err := store.New(db, store.DriverSQLite)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	now := time.Now()
	if err := s.CreateUser(ctx, store.User{
		ID: "lead", StaffID: "CST1111", Username: "lead@example.com",
		PasswordHash: "x", Role: "team_leader", CreatedAt: now,
	}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	for _, id := range []string{"t1", "t2"} {
		team := store.Team{ID: id, Name: "Team " + id, LeaderID: "lead", CreatedAt: now}
		if err := s.CreateTeam(ctx, team, store.Forum{ID: "forum-" + id, Name: team.Name, CreatedAt: now}); err != nil {
			t.Fatalf("create team: %v", err)
		}
	}
	for i, task := range []store.Task{
		{ID: "task-1", Name: "Quarterly report", Description: "Collect the numbers", TeamID: "t1"},
		{ID: "task-2", Name: "Report archive", Description: "Move old files", TeamID: "t2"},
	} {
		task.Priority = "high"
		task.DueDate = now.Add(time.Duration(i+1) * time.Hour)
		task.CreatedAt = now
		if err := s.InsertTask(ctx, task); err != nil {
			t.Fatalf("insert task: %v", err)
		}
	}
	if _, err := s.AppendMessage(ctx, store.Message{ForumID: "forum-t1", Text: "the report is late", SentAt: now, UserID: "lead"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.AppendMessage(ctx, store.Message{ForumID: "forum-t2", Text: "report draft attached", SentAt: now, UserID: "lead"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	return s
}

func TestFallbackSearchHonoursVisibility(t *testing.T) {
	svc := NewService(nil, NewSQLFallback(newFallbackStore(t)), logging.Discard())

	resp := svc.Search(context.Background(), Query{Text: "REPORT", TeamIDs: []string{"t1"}, ForumIDs: []string{"forum-t1"}})
	if resp.Total != 2 {
		t.Fatalf("expected 2 hits, got %d: %+v", resp.Total, resp.Results)
	}
	for _, r := range resp.Results {
		if r.TeamID != "t1" {
			t.Fatalf("hit outside visible team: %+v", r)
		}
	}
	if resp.Results[0].Type != ResultTask || resp.Results[0].ID != "task-1" {
		t.Fatalf("unexpected first result %+v", resp.Results[0])
	}
	if resp.Results[1].Type != ResultMessage || resp.Results[1].ForumID != "forum-t1" {
		t.Fatalf("unexpected second result %+v", resp.Results[1])
	}
}

func TestFallbackSearchFilterTypeAndEmptyScope(t *testing.T) {
	svc := NewService(nil, NewSQLFallback(newFallbackStore(t)), logging.Discard())
	ctx := context.Background()

	resp := svc.Search(ctx, Query{Text: "report", FilterType: ResultMessage, TeamIDs: []string{"t1", "t2"}, ForumIDs: []string{"forum-t1", "forum-t2"}})
	if resp.Total != 2 {
		t.Fatalf("expected 2 message hits, got %+v", resp.Results)
	}
	for _, r := range resp.Results {
		if r.Type != ResultMessage {
			t.Fatalf("filter type ignored: %+v", r)
		}
	}

	resp = svc.Search(ctx, Query{Text: "report"})
	if resp.Results == nil || len(resp.Results) != 0 {
		t.Fatalf("expected empty non-nil results, got %#v", resp.Results)
	}
}

func TestLoadTaskRecords(t *testing.T) {
	records, err := NewSQLFallback(newFallbackStore(t)).LoadTaskRecords(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(records) != 2 || records[0].ID != "task-1" || records[0].Status != store.TaskOngoing {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestInFilterQuotesValues(t *testing.T) {
	got := inFilter("teamId", []string{"t1", `we"ird`})
	want := `teamId IN ["t1", "we\"ird"]`
	if got != want {
		t.Fatalf("inFilter = %s, want %s", got, want)
	}
}

func TestHitToResultPrefersHighlights(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, _ := json.Marshal(v)
		return b
	}
	hit := meili.Hit{
		"id":          raw("task-1"),
		"teamId":      raw("t1"),
		"name":        raw("Quarterly report"),
		"description": raw("Collect the numbers"),
		"status":      raw("ongoing"),
		"_formatted":  raw(map[string]string{"name": "Quarterly <mark>report</mark>"}),
	}
	r := hitToResult(hit, idxTasks)
	if r.Type != ResultTask || r.Title != "Quarterly <mark>report</mark>" || r.Snippet != "Collect the numbers" || r.Status != "ongoing" {
		t.Fatalf("unexpected task result %+v", r)
	}

	msg := meili.Hit{
		"id":      raw("42"),
		"forumId": raw("forum-t1"),
		"text":    raw("hello"),
	}
	r = hitToResult(msg, idxMessages)
	if r.Type != ResultMessage || r.ForumID != "forum-t1" || r.Snippet != "hello" {
		t.Fatalf("unexpected message result %+v", r)
	}
}
