package app

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"teamdesk/internal/authpw"
	"teamdesk/internal/blob"
	"teamdesk/internal/config"
	"teamdesk/internal/email"
	"teamdesk/internal/fanout"
	"teamdesk/internal/rbac"
	"teamdesk/internal/search"
	"teamdesk/internal/store"
)

type dataStore interface {
	CreateUser(context.Context, store.User) error
	GetUser(context.Context, string) (store.User, error)
	GetUserByUsername(context.Context, string) (store.User, error)
	GetUsers(context.Context, []string) (map[string]store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	UpdateUserProfile(context.Context, string, string, string, string) error
	UpdateUserRole(context.Context, string, string) error
	IncrementCounters(context.Context, string, int, int) error
	RecountCounters(context.Context, string) (store.StatusCounts, store.StatusCounts, error)

	CreateTeam(context.Context, store.Team, store.Forum) error
	GetTeam(context.Context, string) (store.Team, error)
	ListTeams(context.Context, bool) ([]store.Team, error)
	TeamsForUser(context.Context, string) ([]store.Team, error)
	DisbandTeam(context.Context, string, time.Time) (bool, error)

	GetForum(context.Context, string) (store.Forum, error)
	ForumByTeam(context.Context, string) (store.Forum, error)
	GeneralForum(context.Context) (store.Forum, error)
	EnsureGeneralForum(context.Context, store.Forum) (store.Forum, bool, error)
	AppendMessage(context.Context, store.Message) (store.Message, error)
	ListMessages(context.Context, string, int) ([]store.Message, error)
	LastMessageAt(context.Context, string) (time.Time, error)

	InsertTask(context.Context, store.Task) error
	GetTask(context.Context, string) (store.Task, error)
	CompleteTask(context.Context, string, time.Time) error
	ListTasks(context.Context, store.TaskFilter) ([]store.Task, error)
	TasksForTeams(context.Context, []string) ([]store.Task, error)
	AddTaskFile(context.Context, store.TaskFile) error

	SessionStore
	Ping(ctx context.Context) error
}

// SessionStore keeps the server side of a signed-in session.
type SessionStore interface {
	SaveSession(ctx context.Context, sessionID, userID string, expiresAt time.Time) error
	LookupSession(ctx context.Context, sessionID string) (store.Session, error)
	RevokeSession(ctx context.Context, sessionID string) error
}

type searchIndex interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexTask(t search.TaskRecord)
	IndexMessage(m search.MessageRecord)
}

type notifier interface {
	IsConfigured() bool
	SendTaskAssigned(to []string, data email.TaskAssignedData) error
}

type blobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// Deps are the collaborators of a Service. Only Store is required.
type Deps struct {
	Store    dataStore
	Sessions SessionStore
	Search   searchIndex
	Blob     blobStore
	Mail     notifier
	Logger   *log.Logger
	Now      func() time.Time
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions SessionStore
	creds    *authpw.Service
	hub      *fanout.Hub
	search   searchIndex
	blob     blobStore
	mail     notifier
	log      *log.Logger
	now      func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sessions == nil {
		deps.Sessions = deps.Store
	}
	if deps.Blob == nil {
		deps.Blob = blob.NewMemory()
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		sessions: deps.Sessions,
		creds:    authpw.NewService(deps.Store, 0),
		hub: fanout.NewHub(deps.Store, fanout.Options{
			ClientBuffer: cfg.Fanout.ClientBuffer,
			Logger:       deps.Logger,
			Now:          deps.Now,
		}),
		search: deps.Search,
		blob:   deps.Blob,
		mail:   deps.Mail,
		log:    deps.Logger,
		now:    deps.Now,
	}
}

// Hub exposes the fan-out hub so a relay can be attached to it.
func (s *Service) Hub() *fanout.Hub {
	return s.hub
}

func (s *Service) Can(role rbac.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Close shuts the fan-out hub down and drops every live connection.
func (s *Service) Close() {
	s.hub.Close()
}

// startOfDay truncates t to local midnight.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
