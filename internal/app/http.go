package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"teamdesk/internal/rbac"
	"teamdesk/internal/store"
)

const sessionCookie = "teamdesk_session"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	log        *log.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *log.Logger) *HTTPServer {
	if logger == nil {
		logger = log.Default()
	}
	return &HTTPServer{service: service, corsOrigin: corsOrigin, log: logger.WithPrefix("http")}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// forbid writes a 403 Forbidden response and logs the denial
func (s *HTTPServer) forbid(w http.ResponseWriter, r *http.Request, p Principal, action rbac.Action) {
	s.log.Debug("forbidden", "user_id", p.UserID, "role", p.Role, "action", action, "path", r.URL.Path)
	writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/ws" {
		s.handleWebsocket(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/register" {
		s.handleRegister(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleSignIn(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := sessionToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		p, err := s.service.ResolvePrincipal(r.Context(), token)
		if err != nil {
			if errors.Is(err, ErrStoreUnavailable) {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		payload := principalView(p)
		payload["authenticated"] = true
		writeJSON(w, http.StatusOK, payload)
		return
	}

	p, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signout" {
		if err := s.service.SignOut(r.Context(), p); err != nil {
			s.fail(w, r, err)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: "", Path: "/", MaxAge: -1, HttpOnly: true})
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "users":
		s.handleUsers(w, r, p, parts[2:])
		return
	case "teams":
		s.handleTeams(w, r, p, parts[2:])
		return
	case "tasks":
		s.handleTasks(w, r, p, parts[2:])
		return
	case "forums":
		s.handleForums(w, r, p, parts[2:])
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/me/tasks" {
		payload, err := s.service.UserTasks(r.Context(), p.UserID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		resp, err := s.service.Search(r.Context(), p, q.Get("q"), q.Get("type"), limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var actor *Principal
	if token := sessionToken(r); token != "" {
		p, err := s.service.ResolvePrincipal(r.Context(), token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		actor = &p
	}
	var body RegisterInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	payload, err := s.service.Register(r.Context(), actor, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.SignIn(r.Context(), body.Username, body.Password)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    result.Token,
		Path:     "/",
		Expires:  result.Principal.ExpiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  principalView(result.Principal),
	})
}

func (s *HTTPServer) handleUsers(w http.ResponseWriter, r *http.Request, p Principal, parts []string) {
	if len(parts) == 0 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		if !p.Can(rbac.ActionManageUsers) {
			s.forbid(w, r, p, rbac.ActionManageUsers)
			return
		}
		payload, err := s.service.ListUsers(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	userID := parts[0]
	self := userID == p.UserID

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			if !self && !p.Can(rbac.ActionManageUsers) {
				s.forbid(w, r, p, rbac.ActionManageUsers)
				return
			}
			payload, err := s.service.GetUser(r.Context(), userID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		case http.MethodPut:
			var body UpdateProfileInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.UpdateProfile(r.Context(), p, userID, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) != 2 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch {
	case r.Method == http.MethodGet && parts[1] == "tasks":
		if !self && !p.Can(rbac.ActionManageTasks) {
			s.forbid(w, r, p, rbac.ActionManageTasks)
			return
		}
		payload, err := s.service.UserTasks(r.Context(), userID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case r.Method == http.MethodPost && (parts[1] == "promote" || parts[1] == "demote"):
		if !p.Can(rbac.ActionManageUsers) {
			s.forbid(w, r, p, rbac.ActionManageUsers)
			return
		}
		var (
			payload map[string]any
			err     error
		)
		if parts[1] == "promote" {
			payload, err = s.service.PromoteUser(r.Context(), userID)
		} else {
			payload, err = s.service.DemoteUser(r.Context(), userID)
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case r.Method == http.MethodPost && parts[1] == "reconcile":
		if !p.Can(rbac.ActionReconcileCounters) {
			s.forbid(w, r, p, rbac.ActionReconcileCounters)
			return
		}
		payload, err := s.service.ReconcileCounters(r.Context(), userID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleTeams(w http.ResponseWriter, r *http.Request, p Principal, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			if !p.Can(rbac.ActionManageTeams) {
				s.forbid(w, r, p, rbac.ActionManageTeams)
				return
			}
			includeDisbanded := r.URL.Query().Get("all") == "true"
			payload, err := s.service.ListTeams(r.Context(), includeDisbanded)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": payload})
		case http.MethodPost:
			if !p.Can(rbac.ActionManageTeams) {
				s.forbid(w, r, p, rbac.ActionManageTeams)
				return
			}
			var body CreateTeamInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateTeam(r.Context(), body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	teamID := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		if !p.Can(rbac.ActionManageTeams) {
			s.forbid(w, r, p, rbac.ActionManageTeams)
			return
		}
		payload, err := s.service.GetTeam(r.Context(), teamID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 2 && parts[1] == "disband" && r.Method == http.MethodPost:
		if !p.Can(rbac.ActionManageTeams) {
			s.forbid(w, r, p, rbac.ActionManageTeams)
			return
		}
		payload, err := s.service.DisbandTeam(r.Context(), teamID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleTasks(w http.ResponseWriter, r *http.Request, p Principal, parts []string) {
	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			if !p.Can(rbac.ActionManageTasks) {
				s.forbid(w, r, p, rbac.ActionManageTasks)
				return
			}
			q := r.URL.Query()
			payload, err := s.service.ListTasks(r.Context(), store.TaskFilter{Status: q.Get("status"), TeamID: q.Get("teamId")})
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": payload})
		case http.MethodPost:
			if !p.Can(rbac.ActionManageTasks) {
				s.forbid(w, r, p, rbac.ActionManageTasks)
				return
			}
			var body CreateTaskInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			payload, err := s.service.CreateTask(r.Context(), body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	taskID := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		if !p.Can(rbac.ActionViewTasks) {
			s.forbid(w, r, p, rbac.ActionViewTasks)
			return
		}
		payload, err := s.service.GetTask(r.Context(), p, taskID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 2 && parts[1] == "complete" && r.Method == http.MethodPost:
		if !p.Can(rbac.ActionCompleteTasks) {
			s.forbid(w, r, p, rbac.ActionCompleteTasks)
			return
		}
		payload, err := s.service.CompleteTask(r.Context(), taskID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 2 && parts[1] == "files" && r.Method == http.MethodPost:
		if !p.Can(rbac.ActionUploadFiles) {
			s.forbid(w, r, p, rbac.ActionUploadFiles)
			return
		}
		s.handleUpload(w, r, p, taskID)
	case len(parts) == 3 && parts[1] == "files" && r.Method == http.MethodGet:
		s.handleDownload(w, r, p, taskID, parts[2])
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, p Principal, taskID string) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAttachmentBytes+(1<<20))
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "files are limited to 5 MB", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "expected multipart form", nil)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "MISSING_FILE", "file is required", nil)
		return
	}
	defer file.Close()

	payload, err := s.service.AttachFile(r.Context(), p, taskID, FileUpload{
		Name:        header.Filename,
		Note:        r.FormValue("note"),
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleDownload(w http.ResponseWriter, r *http.Request, p Principal, taskID, fileID string) {
	file, body, err := s.service.OpenTaskFile(r.Context(), p, taskID, fileID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.FileName))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		s.log.Warn("file download interrupted", "task_id", taskID, "file_id", fileID, "err", err)
	}
}

func (s *HTTPServer) handleForums(w http.ResponseWriter, r *http.Request, p Principal, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		if !p.Can(rbac.ActionChat) {
			s.forbid(w, r, p, rbac.ActionChat)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		payload, err := s.service.ForumOverview(r.Context(), p, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
	case len(parts) == 1 && parts[0] == "general" && r.Method == http.MethodPost:
		if !p.Can(rbac.ActionManageTeams) {
			s.forbid(w, r, p, rbac.ActionManageTeams)
			return
		}
		payload, err := s.service.CreateGeneralForum(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Principal, bool) {
	token := sessionToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthorized", nil)
		return Principal{}, false
	}
	p, err := s.service.ResolvePrincipal(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return Principal{}, false
	}
	return p, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

// sessionToken reads the bearer header first and the session cookie second.
func sessionToken(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}
	if c, err := r.Cookie(sessionCookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
