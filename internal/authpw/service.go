// Package authpw provides username/password credentials for staff accounts.
package authpw

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"teamdesk/internal/store"
	"teamdesk/internal/util"
)

var (
	ErrMissingFields      = errors.New("username, password, first name and last name are required")
	ErrInvalidUsername    = errors.New("username must be an email address")
	ErrWeakPassword       = errors.New("password must be at least 8 characters")
	ErrUsernameTaken      = errors.New("username already registered")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

const staffIDAttempts = 8

// Service registers users and checks their credentials
type Service struct {
	store UserStore
	cost  int
	now   func() time.Time
}

// UserStore defines the storage interface for credentials
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

// NewService creates a credentials service. A cost of zero uses bcrypt's default.
func NewService(userStore UserStore, cost int) *Service {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Service{store: userStore, cost: cost, now: time.Now}
}

// SignUpRequest contains registration parameters
type SignUpRequest struct {
	Username  string
	Password  string
	FirstName string
	LastName  string
	Phone     string
	Role      string
}

// SignUp creates a new user with a freshly generated staff id.
func (s *Service) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	first := strings.TrimSpace(req.FirstName)
	last := strings.TrimSpace(req.LastName)
	if username == "" || req.Password == "" || first == "" || last == "" {
		return store.User{}, ErrMissingFields
	}
	if _, err := mail.ParseAddress(username); err != nil {
		return store.User{}, ErrInvalidUsername
	}
	if len(req.Password) < 8 {
		return store.User{}, ErrWeakPassword
	}

	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return store.User{}, ErrUsernameTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, fmt.Errorf("lookup username: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("usr"),
		Username:     username,
		FirstName:    first,
		LastName:     last,
		Phone:        strings.TrimSpace(req.Phone),
		PasswordHash: string(hash),
		Role:         req.Role,
		CreatedAt:    s.now().UTC(),
	}

	// Staff ids are short, so a collision is possible; retry with a new one.
	for attempt := 0; attempt < staffIDAttempts; attempt++ {
		user.StaffID, err = GenerateStaffID()
		if err != nil {
			return store.User{}, err
		}
		err = s.store.CreateUser(ctx, user)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return store.User{}, fmt.Errorf("create user: %w", err)
		}
		if _, lookupErr := s.store.GetUserByUsername(ctx, username); lookupErr == nil {
			return store.User{}, ErrUsernameTaken
		}
	}
	return store.User{}, fmt.Errorf("create user: no free staff id after %d attempts", staffIDAttempts)
}

// SignIn returns the user when the password matches.
func (s *Service) SignIn(ctx context.Context, username, password string) (store.User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.User{}, ErrInvalidCredentials
		}
		return store.User{}, fmt.Errorf("lookup user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// GenerateStaffID returns "CST" followed by four digits from 1 to 9.
func GenerateStaffID() (string, error) {
	var b strings.Builder
	b.WriteString("CST")
	for i := 0; i < 4; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(9))
		if err != nil {
			return "", fmt.Errorf("generate staff id: %w", err)
		}
		b.WriteByte(byte('1' + n.Int64()))
	}
	return b.String(), nil
}
