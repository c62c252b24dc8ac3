package app

import (
	"context"
	"errors"
	"strings"

	"teamdesk/internal/rbac"
	"teamdesk/internal/search"
	"teamdesk/internal/store"
)

// Search looks through the tasks and forum messages the caller may see.
// Managers see every team; everyone else sees their own teams plus the
// general forum.
func (s *Service) Search(ctx context.Context, p Principal, text, resultType string, limit int) (search.Response, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return search.Response{Results: []search.Result{}}, nil
	}
	filter := search.ResultType(strings.ToLower(strings.TrimSpace(resultType)))
	if filter != "" && filter != search.ResultTask && filter != search.ResultMessage {
		return search.Response{}, validationError("INVALID_TYPE", "type must be task or message", nil)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}

	var (
		teams []store.Team
		err   error
	)
	if p.Role == rbac.RoleManager {
		teams, err = s.store.ListTeams(ctx, true)
	} else {
		teams, err = s.store.TeamsForUser(ctx, p.UserID)
	}
	if err != nil {
		return search.Response{}, storeError(err, nil, "list teams")
	}

	q := search.Query{Text: text, FilterType: filter, Limit: limit}
	for _, t := range teams {
		q.TeamIDs = append(q.TeamIDs, t.ID)
		if t.ForumID != "" {
			q.ForumIDs = append(q.ForumIDs, t.ForumID)
		}
	}
	general, err := s.store.GeneralForum(ctx)
	switch {
	case err == nil:
		q.ForumIDs = append(q.ForumIDs, general.ID)
	case !errors.Is(err, store.ErrNotFound):
		return search.Response{}, storeError(err, nil, "get general forum")
	}
	return s.search.Search(ctx, q), nil
}
