package app

import (
	"context"
	"errors"
	"strings"

	"teamdesk/internal/store"
	"teamdesk/internal/util"
)

type CreateTeamInput struct {
	Name      string   `json:"name"`
	LeaderID  string   `json:"leaderId"`
	MemberIDs []string `json:"memberIds"`
}

func teamView(t store.Team, users map[string]store.User) map[string]any {
	status := "Active"
	if t.Disbanded {
		status = "Disbanded"
	}
	members := make([]map[string]any, 0, len(t.MemberIDs))
	for _, id := range t.MemberIDs {
		members = append(members, personRef(id, users))
	}
	return map[string]any{
		"id":           t.ID,
		"name":         t.Name,
		"leader":       personRef(t.LeaderID, users),
		"members":      members,
		"status":       status,
		"disbanded":    t.Disbanded,
		"createdAt":    formatTime(t.CreatedAt),
		"disbandedAt":  formatOptionalTime(t.DisbandedAt),
		"forumId":      t.ForumID,
		"participants": len(t.Participants()),
	}
}

func personRef(userID string, users map[string]store.User) map[string]any {
	ref := map[string]any{"id": userID}
	if u, ok := users[userID]; ok {
		ref["name"] = u.DisplayName()
		ref["staffId"] = u.StaffID
	}
	return ref
}

func membershipViews(teams []store.Team, userID string) []map[string]any {
	out := make([]map[string]any, 0, len(teams))
	for _, t := range teams {
		status := "Active"
		if t.Disbanded {
			status = "Disbanded"
		}
		position := "Member"
		if t.LeaderID == userID {
			position = "Leader"
		}
		out = append(out, map[string]any{
			"id":       t.ID,
			"name":     t.Name,
			"status":   status,
			"position": position,
		})
	}
	return out
}

func (s *Service) usersFor(ctx context.Context, teams ...store.Team) (map[string]store.User, error) {
	var ids []string
	for _, t := range teams {
		ids = append(ids, t.Participants()...)
	}
	users, err := s.store.GetUsers(ctx, ids)
	if err != nil {
		return nil, storeError(err, nil, "load users")
	}
	return users, nil
}

// CreateTeam creates an active team and its forum together. The leader and
// every member must be known users.
func (s *Service) CreateTeam(ctx context.Context, input CreateTeamInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	leaderID := strings.TrimSpace(input.LeaderID)
	if name == "" {
		return nil, validationError("MISSING_NAME", "team name is required", nil)
	}
	if leaderID == "" {
		return nil, validationError("MISSING_LEADER", "team leader is required", nil)
	}

	seen := map[string]struct{}{leaderID: {}}
	members := make([]string, 0, len(input.MemberIDs))
	for _, raw := range input.MemberIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			return nil, validationError("INVALID_MEMBER", "member ids must not be blank", nil)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		members = append(members, id)
	}

	ids := append([]string{leaderID}, members...)
	users, err := s.store.GetUsers(ctx, ids)
	if err != nil {
		return nil, storeError(err, nil, "load users")
	}
	if _, ok := users[leaderID]; !ok {
		return nil, validationError("UNKNOWN_LEADER", "team leader is not a known user", map[string]any{"leaderId": leaderID})
	}
	var unknown []string
	for _, id := range members {
		if _, ok := users[id]; !ok {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return nil, validationError("UNKNOWN_MEMBER", "team members must be known users", map[string]any{"memberIds": unknown})
	}

	now := s.now()
	team := store.Team{
		ID:        util.NewID("team"),
		Name:      name,
		LeaderID:  leaderID,
		MemberIDs: members,
		CreatedAt: startOfDay(now),
	}
	forum := store.Forum{
		ID:        util.NewID("forum"),
		Name:      name,
		TeamID:    team.ID,
		Active:    true,
		CreatedAt: now,
	}
	if err := s.store.CreateTeam(ctx, team, forum); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, validationError("INVALID_MEMBER", "duplicate team member", nil)
		}
		return nil, storeError(err, nil, "create team")
	}
	team.ForumID = forum.ID

	s.log.Info("team created", "team_id", team.ID, "forum_id", forum.ID, "participants", len(team.Participants()))
	return teamView(team, users), nil
}

// DisbandTeam marks the team disbanded and its forum inactive. Repeating it
// changes nothing.
func (s *Service) DisbandTeam(ctx context.Context, teamID string) (map[string]any, error) {
	changed, err := s.store.DisbandTeam(ctx, teamID, s.now())
	if err != nil {
		return nil, storeError(err, notFoundError("TEAM_NOT_FOUND", "Team not found"), "disband team")
	}
	team, err := s.store.GetTeam(ctx, teamID)
	if err != nil {
		return nil, storeError(err, notFoundError("TEAM_NOT_FOUND", "Team not found"), "get team")
	}
	if changed {
		s.log.Info("team disbanded", "team_id", teamID, "forum_id", team.ForumID)
	}
	users, err := s.usersFor(ctx, team)
	if err != nil {
		return nil, err
	}
	return teamView(team, users), nil
}

func (s *Service) GetTeam(ctx context.Context, teamID string) (map[string]any, error) {
	team, err := s.store.GetTeam(ctx, teamID)
	if err != nil {
		return nil, storeError(err, notFoundError("TEAM_NOT_FOUND", "Team not found"), "get team")
	}
	users, err := s.usersFor(ctx, team)
	if err != nil {
		return nil, err
	}
	view := teamView(team, users)
	tasks, err := s.store.TasksForTeams(ctx, []string{teamID})
	if err != nil {
		return nil, storeError(err, nil, "list team tasks")
	}
	names := map[string]string{team.ID: team.Name}
	view["tasks"] = taskViews(tasks, names)
	return view, nil
}

func (s *Service) ListTeams(ctx context.Context, includeDisbanded bool) ([]map[string]any, error) {
	teams, err := s.store.ListTeams(ctx, includeDisbanded)
	if err != nil {
		return nil, storeError(err, nil, "list teams")
	}
	users, err := s.usersFor(ctx, teams...)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(teams))
	for _, t := range teams {
		out = append(out, teamView(t, users))
	}
	return out, nil
}

// GetOrCreateGeneralForum returns the general forum, creating it on first use.
// Concurrent first callers all end up with the same forum.
func (s *Service) GetOrCreateGeneralForum(ctx context.Context) (store.Forum, error) {
	forum, err := s.store.GeneralForum(ctx)
	if err == nil {
		return forum, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Forum{}, storeError(err, nil, "get general forum")
	}
	forum, created, err := s.store.EnsureGeneralForum(ctx, s.generalForumCandidate())
	if err != nil {
		return store.Forum{}, storeError(err, nil, "create general forum")
	}
	if created {
		s.log.Info("general forum created", "forum_id", forum.ID)
	}
	return forum, nil
}

// CreateGeneralForum is the explicit manager action; a second general forum
// is rejected.
func (s *Service) CreateGeneralForum(ctx context.Context) (map[string]any, error) {
	forum, created, err := s.store.EnsureGeneralForum(ctx, s.generalForumCandidate())
	if err != nil {
		return nil, storeError(err, nil, "create general forum")
	}
	if !created {
		return nil, invalidStateError("GENERAL_FORUM_EXISTS", "A general forum already exists", map[string]any{"forumId": forum.ID})
	}
	s.log.Info("general forum created", "forum_id", forum.ID)
	return forumView(forum, nil, ""), nil
}

func (s *Service) generalForumCandidate() store.Forum {
	return store.Forum{
		ID:        util.NewID("forum"),
		Name:      store.GeneralForumName,
		IsGeneral: true,
		Active:    true,
		CreatedAt: s.now(),
	}
}

func forumView(f store.Forum, messages []store.Message, teamName string) map[string]any {
	items := make([]map[string]any, 0, len(messages))
	for _, m := range messages {
		items = append(items, map[string]any{
			"id":     m.ID,
			"text":   m.Text,
			"time":   formatTime(m.SentAt),
			"userId": m.UserID,
		})
	}
	view := map[string]any{
		"id":        f.ID,
		"name":      f.Name,
		"isGeneral": f.IsGeneral,
		"active":    f.Active,
		"createdAt": formatTime(f.CreatedAt),
		"messages":  items,
	}
	if f.TeamID != "" {
		view["teamId"] = f.TeamID
		view["teamName"] = teamName
	}
	return view
}

// ForumOverview returns the general forum and the active forums of every team
// the user leads or belongs to, each with its most recent messages.
func (s *Service) ForumOverview(ctx context.Context, p Principal, limit int) (map[string]any, error) {
	if limit <= 0 {
		limit = 50
	}
	general, err := s.GetOrCreateGeneralForum(ctx)
	if err != nil {
		return nil, err
	}
	var generalView map[string]any
	if general.Active {
		messages, err := s.store.ListMessages(ctx, general.ID, limit)
		if err != nil {
			return nil, storeError(err, nil, "list messages")
		}
		generalView = forumView(general, messages, "")
	}

	teams, err := s.store.TeamsForUser(ctx, p.UserID)
	if err != nil {
		return nil, storeError(err, nil, "list user teams")
	}
	forums := make([]map[string]any, 0, len(teams))
	for _, t := range teams {
		if t.Disbanded || t.ForumID == "" {
			continue
		}
		forum, err := s.store.GetForum(ctx, t.ForumID)
		if err != nil {
			return nil, storeError(err, nil, "get forum")
		}
		if !forum.Active {
			continue
		}
		messages, err := s.store.ListMessages(ctx, forum.ID, limit)
		if err != nil {
			return nil, storeError(err, nil, "list messages")
		}
		forums = append(forums, forumView(forum, messages, t.Name))
	}
	return map[string]any{"general": generalView, "teams": forums}, nil
}
