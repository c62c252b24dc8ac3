package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"teamdesk/internal/auth"
	"teamdesk/internal/authpw"
	"teamdesk/internal/config"
	"teamdesk/internal/fanout"
	"teamdesk/internal/logging"
	"teamdesk/internal/store"
	"teamdesk/internal/util"
)

const testSecret = "test-secret"

// faultStore fails counter writes for selected users.
type faultStore struct {
	*store.Store
	mu         sync.Mutex
	failCounts map[string]bool
}

func (f *faultStore) failCountersFor(userIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failCounts = make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		f.failCounts[id] = true
	}
}

func (f *faultStore) IncrementCounters(ctx context.Context, userID string, ongoing, completed int) error {
	f.mu.Lock()
	fail := f.failCounts[userID]
	f.mu.Unlock()
	if fail {
		return errors.New("store timeout")
	}
	return f.Store.IncrementCounters(ctx, userID, ongoing, completed)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Auth.Secret = testSecret
	return cfg
}

func openTestStore(t *testing.T) *store.Store {
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
	st, err := store.New(db, store.DriverSQLite)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return st
}

func newServiceWith(t *testing.T, deps Deps) *Service {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	svc := New(testConfig(), deps)
	svc.creds = authpw.NewService(deps.Store, bcrypt.MinCost)
	t.Cleanup(svc.Close)
	return svc
}

func newTestService(t *testing.T) (*Service, *faultStore) {
	t.Helper()
	fs := &faultStore{Store: openTestStore(t)}
	return newServiceWith(t, Deps{Store: fs}), fs
}

var staffSeq struct {
	sync.Mutex
	n int
}

func seedUser(t *testing.T, st *faultStore, id, role string) store.User {
	t.Helper()
	staffSeq.Lock()
	staffSeq.n++
	staffID := fmt.Sprintf("CST%04d", staffSeq.n)
	staffSeq.Unlock()
	u := store.User{
		ID:           id,
		StaffID:      staffID,
		Username:     id + "@example.com",
		FirstName:    "First",
		LastName:     id,
		PasswordHash: "x",
		Role:         role,
		CreatedAt:    time.Now(),
	}
	if err := st.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("seed user %s: %v", id, err)
	}
	return u
}

// tokenFor opens a session for userID the way SignIn does, without a password.
func tokenFor(t *testing.T, svc *Service, userID string) string {
	t.Helper()
	sid := util.NewID("ses")
	expires := time.Now().Add(time.Hour)
	if err := svc.sessions.SaveSession(context.Background(), sid, userID, expires); err != nil {
		t.Fatalf("save session: %v", err)
	}
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{Sub: userID, SID: sid, Exp: expires.Unix()})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func connect(t *testing.T, svc *Service, userID string) *fanout.Conn {
	t.Helper()
	c, err := svc.OpenConnection(context.Background(), tokenFor(t, svc, userID))
	if err != nil {
		t.Fatalf("open connection for %s: %v", userID, err)
	}
	t.Cleanup(func() { svc.CloseConnection(c) })
	if frame := nextFrame(t, c); frame.Type != fanout.FrameHello {
		t.Fatalf("expected hello, got %+v", frame)
	}
	return c
}

func nextFrame(t *testing.T, c *fanout.Conn) fanout.Outbound {
	t.Helper()
	select {
	case data := <-c.Send():
		var out fanout.Outbound
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return out
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a frame on %s", c.ID())
		return fanout.Outbound{}
	}
}

func noFrame(t *testing.T, c *fanout.Conn) {
	t.Helper()
	select {
	case data := <-c.Send():
		t.Fatalf("unexpected frame for %s: %s", c.Principal().UserID, data)
	case <-time.After(50 * time.Millisecond):
	}
}

func mustCreateTeam(t *testing.T, svc *Service, name, leader string, members ...string) string {
	t.Helper()
	team, err := svc.CreateTeam(context.Background(), CreateTeamInput{Name: name, LeaderID: leader, MemberIDs: members})
	if err != nil {
		t.Fatalf("create team: %v", err)
	}
	return team["id"].(string)
}

func mustCreateTask(t *testing.T, svc *Service, teamID, name string) string {
	t.Helper()
	task, err := svc.CreateTask(context.Background(), CreateTaskInput{
		Name:     name,
		Priority: "high",
		DueDate:  "2026-06-01",
		TeamID:   teamID,
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task["id"].(string)
}

func counters(t *testing.T, st *faultStore, userID string) store.StatusCounts {
	t.Helper()
	u, err := st.GetUser(context.Background(), userID)
	if err != nil {
		t.Fatalf("get user %s: %v", userID, err)
	}
	return store.StatusCounts{Ongoing: u.OngoingCount, Completed: u.CompletedCount}
}
