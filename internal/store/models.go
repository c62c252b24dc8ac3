package store

import "time"

const (
	TaskOngoing   = "ongoing"
	TaskCompleted = "completed"
)

type User struct {
	ID             string
	StaffID        string
	Username       string
	FirstName      string
	LastName       string
	Phone          string
	PasswordHash   string
	Role           string
	OngoingCount   int
	CompletedCount int
	CreatedAt      time.Time
}

// DisplayName joins first and last name, falling back to the username.
func (u User) DisplayName() string {
	name := u.FirstName
	if u.LastName != "" {
		if name != "" {
			name += " "
		}
		name += u.LastName
	}
	if name == "" {
		return u.Username
	}
	return name
}

type Team struct {
	ID          string
	Name        string
	LeaderID    string
	MemberIDs   []string
	Disbanded   bool
	CreatedAt   time.Time
	DisbandedAt *time.Time
	ForumID     string
}

// Participants returns the leader followed by every member, without duplicates.
func (t Team) Participants() []string {
	seen := make(map[string]struct{}, len(t.MemberIDs)+1)
	out := make([]string, 0, len(t.MemberIDs)+1)
	for _, id := range append([]string{t.LeaderID}, t.MemberIDs...) {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Includes reports whether userID leads or belongs to the team.
func (t Team) Includes(userID string) bool {
	if userID == "" {
		return false
	}
	if t.LeaderID == userID {
		return true
	}
	for _, id := range t.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

type Forum struct {
	ID        string
	Name      string
	TeamID    string
	IsGeneral bool
	Active    bool
	CreatedAt time.Time
}

type Message struct {
	ID      int64
	ForumID string
	Text    string
	SentAt  time.Time
	UserID  string
}

type Task struct {
	ID          string
	Name        string
	Description string
	Priority    string
	DueDate     time.Time
	Status      string
	TeamID      string
	CreatedAt   time.Time
	CompletedAt *time.Time
	Files       []TaskFile
}

type TaskFile struct {
	ID         string
	TaskID     string
	FileName   string
	ObjectKey  string
	Note       string
	UploadedBy string
	UploadedAt time.Time
}

type TaskFilter struct {
	Status string
	TeamID string
}

// StatusCounts is the per-status task tally used to rebuild user counters.
type StatusCounts struct {
	Ongoing   int
	Completed int
}

type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
}

type MessageHit struct {
	Message
	TeamID string
}
