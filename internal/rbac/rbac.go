package rbac

import (
	"fmt"
	"strings"
)

type Role string
type Action string

const (
	RoleManager    Role = "manager"
	RoleTeamLeader Role = "team_leader"
	RoleTeamMember Role = "team_member"
)

const (
	ActionManageUsers       Action = "manage_users"
	ActionManageTeams       Action = "manage_teams"
	ActionManageTasks       Action = "manage_tasks"
	ActionCompleteTasks     Action = "complete_tasks"
	ActionViewTasks         Action = "view_tasks"
	ActionUploadFiles       Action = "upload_files"
	ActionChat              Action = "chat"
	ActionReconcileCounters Action = "reconcile_counters"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleManager:
		return true
	case RoleTeamLeader, RoleTeamMember:
		return action == ActionViewTasks || action == ActionUploadFiles || action == ActionChat
	default:
		return false
	}
}

// Parse accepts the stored form as well as the display labels
// ("Manager", "Team Leader", "Team Member").
func Parse(role string) (Role, error) {
	key := strings.ToLower(strings.TrimSpace(role))
	key = strings.NewReplacer(" ", "_", "-", "_").Replace(key)
	switch key {
	case "manager":
		return RoleManager, nil
	case "team_leader", "teamleader", "leader":
		return RoleTeamLeader, nil
	case "team_member", "teammember", "member":
		return RoleTeamMember, nil
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}
}

// Normalize maps unknown roles to team_member. The result keeps a member's
// capabilities, so it is not a deny-all role.
func Normalize(role string) Role {
	r, err := Parse(role)
	if err != nil {
		return RoleTeamMember
	}
	return r
}

func (r Role) Label() string {
	switch r {
	case RoleManager:
		return "Manager"
	case RoleTeamLeader:
		return "Team Leader"
	case RoleTeamMember:
		return "Team Member"
	default:
		return string(r)
	}
}
