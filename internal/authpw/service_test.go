package authpw

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"teamdesk/internal/store"
)

// mockUserStore is an in-memory UserStore for testing
type mockUserStore struct {
	mu         sync.Mutex
	users      map[string]store.User
	staffIDs   map[string]bool
	failStaffs int
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{
		users:    make(map[string]store.User),
		staffIDs: make(map[string]bool),
	}
}

func (m *mockUserStore) GetUserByUsername(ctx context.Context, username string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user, ok := m.users[username]; ok {
		return user, nil
	}
	return store.User{}, store.ErrNotFound
}

func (m *mockUserStore) CreateUser(ctx context.Context, user store.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failStaffs > 0 {
		m.failStaffs--
		return store.ErrConflict
	}
	if _, ok := m.users[user.Username]; ok || m.staffIDs[user.StaffID] {
		return store.ErrConflict
	}
	m.users[user.Username] = user
	m.staffIDs[user.StaffID] = true
	return nil
}

func newTestService() (*Service, *mockUserStore) {
	users := newMockUserStore()
	return NewService(users, bcrypt.MinCost), users
}

func TestSignUpAndSignIn(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	user, err := svc.SignUp(ctx, SignUpRequest{
		Username:  "Avery@Example.com",
		Password:  "correct horse",
		FirstName: "Avery",
		LastName:  "Stone",
		Role:      "team_member",
	})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if user.Username != "avery@example.com" {
		t.Fatalf("username should be normalized, got %q", user.Username)
	}
	if user.PasswordHash == "correct horse" {
		t.Fatal("password stored in clear text")
	}

	got, err := svc.SignIn(ctx, "avery@example.com", "correct horse")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if got.ID != user.ID {
		t.Fatalf("signed in as %q, want %q", got.ID, user.ID)
	}

	if _, err := svc.SignIn(ctx, "avery@example.com", "wrong password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := svc.SignIn(ctx, "nobody@example.com", "whatever1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
}

func TestSignUpValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	cases := []struct {
		name string
		req  SignUpRequest
		want error
	}{
		{name: "missing names", req: SignUpRequest{Username: "a@example.com", Password: "longenough"}, want: ErrMissingFields},
		{name: "not an email", req: SignUpRequest{Username: "avery", Password: "longenough", FirstName: "A", LastName: "B"}, want: ErrInvalidUsername},
		{name: "short password", req: SignUpRequest{Username: "a@example.com", Password: "short", FirstName: "A", LastName: "B"}, want: ErrWeakPassword},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.SignUp(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("SignUp() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSignUpRejectsDuplicateUsername(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	req := SignUpRequest{Username: "dup@example.com", Password: "longenough", FirstName: "A", LastName: "B"}
	if _, err := svc.SignUp(ctx, req); err != nil {
		t.Fatalf("first SignUp() error = %v", err)
	}
	if _, err := svc.SignUp(ctx, req); !errors.Is(err, ErrUsernameTaken) {
		t.Fatalf("expected ErrUsernameTaken, got %v", err)
	}
}

func TestSignUpRetriesStaffIDCollisions(t *testing.T) {
	svc, users := newTestService()
	users.failStaffs = 3

	user, err := svc.SignUp(context.Background(), SignUpRequest{Username: "retry@example.com", Password: "longenough", FirstName: "A", LastName: "B"})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if user.StaffID == "" {
		t.Fatal("expected a staff id")
	}
}

func TestGenerateStaffIDFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^CST[1-9]{4}$`)
	for i := 0; i < 100; i++ {
		id, err := GenerateStaffID()
		if err != nil {
			t.Fatalf("GenerateStaffID() error = %v", err)
		}
		if !pattern.MatchString(id) {
			t.Fatalf("unexpected staff id %q", id)
		}
	}
}
