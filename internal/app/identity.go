package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"teamdesk/internal/auth"
	"teamdesk/internal/authpw"
	"teamdesk/internal/rbac"
	"teamdesk/internal/store"
	"teamdesk/internal/util"
)

// Principal is the signed-in user behind a request or a live connection.
type Principal struct {
	UserID    string
	Username  string
	Name      string
	Role      rbac.Role
	SessionID string
	ExpiresAt time.Time
}

func (p Principal) Can(action rbac.Action) bool {
	return rbac.Can(p.Role, action)
}

type RegisterInput struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Phone     string `json:"phone"`
	Role      string `json:"role"`
}

type SignInResult struct {
	Token     string
	Principal Principal
}

// Register creates a staff account. Without an actor it only succeeds while
// no user exists yet, and that first account is always a manager.
func (s *Service) Register(ctx context.Context, actor *Principal, input RegisterInput) (map[string]any, error) {
	role := rbac.RoleTeamMember
	if strings.TrimSpace(input.Role) != "" {
		parsed, err := rbac.Parse(input.Role)
		if err != nil {
			return nil, validationError("INVALID_ROLE", err.Error(), map[string]any{"role": input.Role})
		}
		role = parsed
	}

	if actor == nil {
		users, err := s.store.ListUsers(ctx)
		if err != nil {
			return nil, storeError(err, nil, "list users")
		}
		if len(users) > 0 {
			return nil, unauthenticatedError("Sign in as a manager to register users")
		}
		role = rbac.RoleManager
	} else if !actor.Can(rbac.ActionManageUsers) {
		return nil, forbiddenError("Only managers can register users")
	}

	user, err := s.creds.SignUp(ctx, authpw.SignUpRequest{
		Username:  input.Username,
		Password:  input.Password,
		FirstName: input.FirstName,
		LastName:  input.LastName,
		Phone:     input.Phone,
		Role:      string(role),
	})
	if err != nil {
		return nil, credentialError(err)
	}
	s.log.Info("user registered", "user_id", user.ID, "staff_id", user.StaffID, "role", user.Role)
	return userView(user), nil
}

func credentialError(err error) error {
	switch {
	case errors.Is(err, authpw.ErrMissingFields):
		return validationError("MISSING_FIELDS", err.Error(), nil)
	case errors.Is(err, authpw.ErrInvalidUsername):
		return validationError("INVALID_USERNAME", err.Error(), nil)
	case errors.Is(err, authpw.ErrWeakPassword):
		return validationError("WEAK_PASSWORD", err.Error(), nil)
	case errors.Is(err, authpw.ErrUsernameTaken):
		return invalidStateError("USERNAME_TAKEN", err.Error(), nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		e := unauthenticatedError("Invalid username or password")
		e.Code = "INVALID_CREDENTIALS"
		return e
	default:
		return storeUnavailable("credential check failed", err, nil)
	}
}

// SignIn checks the password and opens a server-side session. The returned
// token names both the user and the session.
func (s *Service) SignIn(ctx context.Context, username, password string) (SignInResult, error) {
	user, err := s.creds.SignIn(ctx, username, password)
	if err != nil {
		return SignInResult{}, credentialError(err)
	}

	now := s.now()
	expiresAt := now.Add(s.cfg.SessionTTL())
	sessionID := util.NewID("ses")
	if err := s.sessions.SaveSession(ctx, sessionID, user.ID, expiresAt); err != nil {
		return SignInResult{}, storeUnavailable("save session failed", err, nil)
	}

	token, err := auth.IssueToken([]byte(s.cfg.Auth.Secret), auth.Claims{
		Sub: user.ID,
		SID: sessionID,
		Exp: expiresAt.Unix(),
	})
	if err != nil {
		return SignInResult{}, err
	}

	s.log.Info("signed in", "user_id", user.ID, "session_id", sessionID)
	return SignInResult{Token: token, Principal: principalFor(user, sessionID, expiresAt)}, nil
}

func (s *Service) SignOut(ctx context.Context, p Principal) error {
	if p.SessionID == "" {
		return nil
	}
	if err := s.sessions.RevokeSession(ctx, p.SessionID); err != nil {
		return storeUnavailable("revoke session failed", err, nil)
	}
	return nil
}

// ResolvePrincipal turns a session token into the user behind it. The same
// call backs HTTP requests and the websocket handshake.
func (s *Service) ResolvePrincipal(ctx context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, unauthenticatedError("Missing session")
	}
	claims, err := auth.ParseToken([]byte(s.cfg.Auth.Secret), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			return Principal{}, unauthenticatedError("Session expired")
		}
		return Principal{}, unauthenticatedError("Invalid session")
	}

	sess, err := s.sessions.LookupSession(ctx, claims.SID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Principal{}, unauthenticatedError("Session ended")
		}
		return Principal{}, storeUnavailable("session lookup failed", err, nil)
	}
	if sess.UserID != claims.Sub {
		return Principal{}, unauthenticatedError("Invalid session")
	}

	user, err := s.store.GetUser(ctx, claims.Sub)
	if err != nil {
		return Principal{}, storeError(err, unauthenticatedError("Unknown user"), "load user")
	}
	return principalFor(user, sess.ID, sess.ExpiresAt), nil
}

func principalFor(user store.User, sessionID string, expiresAt time.Time) Principal {
	return Principal{
		UserID:    user.ID,
		Username:  user.Username,
		Name:      user.DisplayName(),
		Role:      rbac.Normalize(user.Role),
		SessionID: sessionID,
		ExpiresAt: expiresAt,
	}
}

func principalView(p Principal) map[string]any {
	return map[string]any{
		"userId":    p.UserID,
		"username":  p.Username,
		"name":      p.Name,
		"role":      string(p.Role),
		"roleLabel": p.Role.Label(),
		"expiresAt": formatTime(p.ExpiresAt),
	}
}
