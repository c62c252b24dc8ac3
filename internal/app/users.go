package app

import (
	"context"
	"strings"

	"teamdesk/internal/rbac"
	"teamdesk/internal/store"
)

type UpdateProfileInput struct {
	FirstName *string `json:"firstName"`
	LastName  *string `json:"lastName"`
	Phone     *string `json:"phone"`
}

func userView(u store.User) map[string]any {
	role := rbac.Normalize(u.Role)
	return map[string]any{
		"id":             u.ID,
		"staffId":        u.StaffID,
		"username":       u.Username,
		"firstName":      u.FirstName,
		"lastName":       u.LastName,
		"name":           u.DisplayName(),
		"phone":          u.Phone,
		"role":           string(role),
		"roleLabel":      role.Label(),
		"ongoingCount":   u.OngoingCount,
		"completedCount": u.CompletedCount,
		"createdAt":      formatTime(u.CreatedAt),
	}
}

// ListUsers returns managers and the rest of the staff separately.
func (s *Service) ListUsers(ctx context.Context) (map[string]any, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, storeError(err, nil, "list users")
	}
	managers := make([]map[string]any, 0)
	staff := make([]map[string]any, 0, len(users))
	for _, u := range users {
		if rbac.Normalize(u.Role) == rbac.RoleManager {
			managers = append(managers, userView(u))
			continue
		}
		staff = append(staff, userView(u))
	}
	return map[string]any{"managers": managers, "staff": staff}, nil
}

func (s *Service) GetUser(ctx context.Context, userID string) (map[string]any, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, storeError(err, notFoundError("USER_NOT_FOUND", "User not found"), "get user")
	}
	teams, err := s.store.TeamsForUser(ctx, userID)
	if err != nil {
		return nil, storeError(err, nil, "list user teams")
	}
	view := userView(user)
	view["teams"] = membershipViews(teams, userID)
	return view, nil
}

// UpdateProfile changes contact details. Users edit themselves; managers edit anyone.
func (s *Service) UpdateProfile(ctx context.Context, actor Principal, userID string, input UpdateProfileInput) (map[string]any, error) {
	if actor.UserID != userID && !actor.Can(rbac.ActionManageUsers) {
		return nil, forbiddenError("Cannot edit another user's profile")
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, storeError(err, notFoundError("USER_NOT_FOUND", "User not found"), "get user")
	}
	if input.FirstName != nil {
		user.FirstName = strings.TrimSpace(*input.FirstName)
	}
	if input.LastName != nil {
		user.LastName = strings.TrimSpace(*input.LastName)
	}
	if input.Phone != nil {
		user.Phone = strings.TrimSpace(*input.Phone)
	}
	if user.FirstName == "" || user.LastName == "" {
		return nil, validationError("MISSING_FIELDS", "first name and last name are required", nil)
	}
	if err := s.store.UpdateUserProfile(ctx, userID, user.FirstName, user.LastName, user.Phone); err != nil {
		return nil, storeError(err, notFoundError("USER_NOT_FOUND", "User not found"), "update profile")
	}
	return userView(user), nil
}

func (s *Service) PromoteUser(ctx context.Context, userID string) (map[string]any, error) {
	return s.setRole(ctx, userID, rbac.RoleTeamLeader)
}

func (s *Service) DemoteUser(ctx context.Context, userID string) (map[string]any, error) {
	return s.setRole(ctx, userID, rbac.RoleTeamMember)
}

func (s *Service) setRole(ctx context.Context, userID string, role rbac.Role) (map[string]any, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, storeError(err, notFoundError("USER_NOT_FOUND", "User not found"), "get user")
	}
	if rbac.Normalize(user.Role) == rbac.RoleManager {
		return nil, invalidStateError("MANAGER_ROLE_FIXED", "A manager cannot be promoted or demoted", nil)
	}
	if err := s.store.UpdateUserRole(ctx, userID, string(role)); err != nil {
		return nil, storeError(err, notFoundError("USER_NOT_FOUND", "User not found"), "update role")
	}
	user.Role = string(role)
	s.log.Info("role changed", "user_id", userID, "role", role)
	return userView(user), nil
}
