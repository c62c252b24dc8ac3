package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"teamdesk/internal/blob"
	"teamdesk/internal/email"
	"teamdesk/internal/rbac"
	"teamdesk/internal/search"
	"teamdesk/internal/store"
	"teamdesk/internal/util"
)

const (
	maxAttachmentBytes = 5 << 20
	counterParallelism = 8
)

var allowedPriorities = map[string]string{
	"low":    "Low",
	"medium": "Medium",
	"high":   "High",
}

var allowedAttachmentTypes = map[string]struct{}{
	".jpeg": {},
	".jpg":  {},
	".png":  {},
	".gif":  {},
	".pdf":  {},
	".txt":  {},
	".doc":  {},
	".docx": {},
}

type CreateTaskInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	DueDate     string `json:"dueDate"`
	TeamID      string `json:"teamId"`
}

// FileUpload is one attachment as received from the transport.
type FileUpload struct {
	Name        string
	Note        string
	ContentType string
	Size        int64
	Body        io.Reader
}

func taskView(t store.Task, teamName string) map[string]any {
	files := make([]map[string]any, 0, len(t.Files))
	for _, f := range t.Files {
		files = append(files, taskFileView(f))
	}
	return map[string]any{
		"id":          t.ID,
		"name":        t.Name,
		"description": t.Description,
		"priority":    t.Priority,
		"dueDate":     t.DueDate.Format("2006-01-02"),
		"status":      t.Status,
		"teamId":      t.TeamID,
		"teamName":    teamName,
		"createdAt":   formatTime(t.CreatedAt),
		"completedAt": formatOptionalTime(t.CompletedAt),
		"files":       files,
	}
}

func taskFileView(f store.TaskFile) map[string]any {
	return map[string]any{
		"id":         f.ID,
		"fileName":   f.FileName,
		"note":       f.Note,
		"uploadedBy": f.UploadedBy,
		"uploadedAt": formatTime(f.UploadedAt),
	}
}

func taskViews(tasks []store.Task, teamNames map[string]string) []map[string]any {
	out := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskView(t, teamNames[t.TeamID]))
	}
	return out
}

func parseDueDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("dueDate must be YYYY-MM-DD")
}

// CreateTask stores an ongoing task for the team and then adds one ongoing
// task to the leader and every current member.
func (s *Service) CreateTask(ctx context.Context, input CreateTaskInput) (map[string]any, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, validationError("MISSING_NAME", "task name is required", nil)
	}
	priority, ok := allowedPriorities[strings.ToLower(strings.TrimSpace(input.Priority))]
	if !ok {
		return nil, validationError("INVALID_PRIORITY", "priority must be Low, Medium or High", map[string]any{"priority": input.Priority})
	}
	due, err := parseDueDate(input.DueDate)
	if err != nil {
		return nil, validationError("INVALID_DUE_DATE", err.Error(), map[string]any{"dueDate": input.DueDate})
	}
	teamID := strings.TrimSpace(input.TeamID)
	if teamID == "" {
		return nil, validationError("MISSING_TEAM", "teamId is required", nil)
	}

	team, err := s.store.GetTeam(ctx, teamID)
	if err != nil {
		return nil, storeError(err, notFoundError("TEAM_NOT_FOUND", "Team not found"), "get team")
	}
	if team.Disbanded {
		return nil, invalidStateError("TEAM_DISBANDED", "Cannot assign a task to a disbanded team", map[string]any{"teamId": teamID})
	}

	task := store.Task{
		ID:          util.NewID("task"),
		Name:        name,
		Description: strings.TrimSpace(input.Description),
		Priority:    priority,
		DueDate:     due,
		Status:      store.TaskOngoing,
		TeamID:      team.ID,
		CreatedAt:   s.now(),
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, storeError(err, nil, "insert task")
	}

	if err := s.adjustCounters(ctx, task.ID, team.Participants(), 1, 0); err != nil {
		return nil, err
	}

	s.log.Info("task created", "task_id", task.ID, "team_id", team.ID, "participants", len(team.Participants()))
	if s.search != nil {
		s.search.IndexTask(search.TaskRecordFrom(task))
	}
	s.notifyTaskAssigned(ctx, team, task)
	return taskView(task, team.Name), nil
}

// CompleteTask commits the status change first and then moves one task from
// ongoing to completed for every current participant of the owning team. If
// a counter write fails the task stays completed and ReconcileCounters repairs
// the drift.
func (s *Service) CompleteTask(ctx context.Context, taskID string) (map[string]any, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, storeError(err, notFoundError("TASK_NOT_FOUND", "Task not found"), "get task")
	}
	completedAt := s.now()
	if err := s.store.CompleteTask(ctx, taskID, completedAt); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, invalidStateError("TASK_ALREADY_COMPLETED", "Task is already completed", map[string]any{"taskId": taskID})
		}
		return nil, storeError(err, notFoundError("TASK_NOT_FOUND", "Task not found"), "complete task")
	}
	task.Status = store.TaskCompleted
	task.CompletedAt = &completedAt

	team, err := s.store.GetTeam(ctx, task.TeamID)
	if err != nil {
		s.log.Error("task completed but team lookup failed; counters need reconciliation", "task_id", taskID, "team_id", task.TeamID, "err", err)
		return nil, storeUnavailable("counter update incomplete", err, map[string]any{"taskId": taskID})
	}
	if err := s.adjustCounters(ctx, task.ID, team.Participants(), -1, 1); err != nil {
		return nil, err
	}

	s.log.Info("task completed", "task_id", taskID, "team_id", team.ID)
	if s.search != nil {
		s.search.IndexTask(search.TaskRecordFrom(task))
	}
	return taskView(task, team.Name), nil
}

// adjustCounters applies the same delta to every user. Each user's counters
// are independent, so the writes run in parallel; every write is attempted
// even when another one fails.
func (s *Service) adjustCounters(ctx context.Context, taskID string, userIDs []string, ongoing, completed int) error {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed []string
		first  error
	)
	g.SetLimit(counterParallelism)
	for _, userID := range userIDs {
		g.Go(func() error {
			if err := s.store.IncrementCounters(ctx, userID, ongoing, completed); err != nil {
				mu.Lock()
				failed = append(failed, userID)
				if first == nil {
					first = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	if len(failed) == 0 {
		return nil
	}
	sort.Strings(failed)
	s.log.Error("counter update incomplete; run reconciliation", "task_id", taskID, "failed_users", failed, "err", first)
	return storeUnavailable("counter update incomplete", first, map[string]any{
		"taskId":        taskID,
		"failedUserIds": failed,
	})
}

// ReconcileCounters recomputes a user's counters from the tasks of every team
// the user leads or belongs to, disbanded teams included.
func (s *Service) ReconcileCounters(ctx context.Context, userID string) (map[string]any, error) {
	before, after, err := s.store.RecountCounters(ctx, userID)
	if err != nil {
		return nil, storeError(err, notFoundError("USER_NOT_FOUND", "User not found"), "recount counters")
	}
	changed := before != after
	if changed {
		s.log.Warn("counter drift repaired", "user_id", userID,
			"ongoing_before", before.Ongoing, "ongoing", after.Ongoing,
			"completed_before", before.Completed, "completed", after.Completed)
	}
	return map[string]any{
		"userId":  userID,
		"changed": changed,
		"before":  countsView(before),
		"after":   countsView(after),
	}, nil
}

// ReconcileAll repairs every user's counters.
func (s *Service) ReconcileAll(ctx context.Context) ([]map[string]any, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, storeError(err, nil, "list users")
	}
	out := make([]map[string]any, 0, len(users))
	for _, u := range users {
		result, err := s.ReconcileCounters(ctx, u.ID)
		if err != nil {
			return out, err
		}
		out = append(out, result)
	}
	return out, nil
}

func countsView(c store.StatusCounts) map[string]any {
	return map[string]any{"ongoing": c.Ongoing, "completed": c.Completed}
}

func (s *Service) teamNames(ctx context.Context) (map[string]string, error) {
	teams, err := s.store.ListTeams(ctx, true)
	if err != nil {
		return nil, storeError(err, nil, "list teams")
	}
	names := make(map[string]string, len(teams))
	for _, t := range teams {
		names[t.ID] = t.Name
	}
	return names, nil
}

// ListTasks is the manager view over every task.
func (s *Service) ListTasks(ctx context.Context, filter store.TaskFilter) ([]map[string]any, error) {
	if filter.Status != "" && filter.Status != store.TaskOngoing && filter.Status != store.TaskCompleted {
		return nil, validationError("INVALID_STATUS", "status must be ongoing or completed", nil)
	}
	tasks, err := s.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, storeError(err, nil, "list tasks")
	}
	names, err := s.teamNames(ctx)
	if err != nil {
		return nil, err
	}
	return taskViews(tasks, names), nil
}

// UserTasks lists the tasks of every team userID leads or belongs to,
// split into ongoing and completed.
func (s *Service) UserTasks(ctx context.Context, userID string) (map[string]any, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, storeError(err, notFoundError("USER_NOT_FOUND", "User not found"), "get user")
	}
	teams, err := s.store.TeamsForUser(ctx, userID)
	if err != nil {
		return nil, storeError(err, nil, "list user teams")
	}
	names := make(map[string]string, len(teams))
	ids := make([]string, 0, len(teams))
	for _, t := range teams {
		names[t.ID] = t.Name
		ids = append(ids, t.ID)
	}
	tasks, err := s.store.TasksForTeams(ctx, ids)
	if err != nil {
		return nil, storeError(err, nil, "list tasks")
	}
	var ongoing, completed []store.Task
	for _, t := range tasks {
		if t.Status == store.TaskCompleted {
			completed = append(completed, t)
			continue
		}
		ongoing = append(ongoing, t)
	}
	return map[string]any{
		"teams":     membershipViews(teams, userID),
		"ongoing":   taskViews(ongoing, names),
		"completed": taskViews(completed, names),
	}, nil
}

// loadVisibleTask returns the task and its team when actor may see it:
// managers see everything, others only tasks of their own teams.
func (s *Service) loadVisibleTask(ctx context.Context, actor Principal, taskID string) (store.Task, store.Team, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return store.Task{}, store.Team{}, storeError(err, notFoundError("TASK_NOT_FOUND", "Task not found"), "get task")
	}
	team, err := s.store.GetTeam(ctx, task.TeamID)
	if err != nil {
		return store.Task{}, store.Team{}, storeError(err, notFoundError("TEAM_NOT_FOUND", "Team not found"), "get team")
	}
	if actor.Role != rbac.RoleManager && !team.Includes(actor.UserID) {
		return store.Task{}, store.Team{}, notFoundError("TASK_NOT_FOUND", "Task not found")
	}
	return task, team, nil
}

func (s *Service) GetTask(ctx context.Context, actor Principal, taskID string) (map[string]any, error) {
	task, team, err := s.loadVisibleTask(ctx, actor, taskID)
	if err != nil {
		return nil, err
	}
	return taskView(task, team.Name), nil
}

// AttachFile stores the bytes in blob storage and records the file on the task.
func (s *Service) AttachFile(ctx context.Context, actor Principal, taskID string, upload FileUpload) (map[string]any, error) {
	if !actor.Can(rbac.ActionUploadFiles) {
		return nil, forbiddenError("Uploading files is not allowed")
	}
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(upload.Name), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return nil, validationError("MISSING_FILE_NAME", "file name is required", nil)
	}
	ext := strings.ToLower(path.Ext(name))
	if _, ok := allowedAttachmentTypes[ext]; !ok {
		return nil, validationError("FILE_TYPE_NOT_ALLOWED", "allowed types are jpeg, jpg, png, gif, pdf, txt, doc and docx", map[string]any{"fileName": name})
	}
	if upload.Size > maxAttachmentBytes {
		return nil, domainError(http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "files are limited to 5 MB", map[string]any{"size": upload.Size})
	}
	if upload.Body == nil {
		return nil, validationError("MISSING_FILE", "file body is required", nil)
	}

	if _, _, err := s.loadVisibleTask(ctx, actor, taskID); err != nil {
		return nil, err
	}

	file := store.TaskFile{
		ID:         util.NewID("file"),
		TaskID:     taskID,
		FileName:   name,
		Note:       strings.TrimSpace(upload.Note),
		UploadedBy: actor.UserID,
		UploadedAt: s.now(),
	}
	file.ObjectKey = blob.TaskFileKey(taskID, file.ID, name)

	contentType := upload.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := s.blob.Put(ctx, file.ObjectKey, upload.Body, upload.Size, contentType); err != nil {
		return nil, storeUnavailable("store file failed", err, nil)
	}
	if err := s.store.AddTaskFile(ctx, file); err != nil {
		return nil, storeError(err, nil, "record task file")
	}
	s.log.Info("file attached", "task_id", taskID, "file_id", file.ID, "size", upload.Size)
	return taskFileView(file), nil
}

// OpenTaskFile returns the file record and a reader over its bytes.
func (s *Service) OpenTaskFile(ctx context.Context, actor Principal, taskID, fileID string) (store.TaskFile, io.ReadCloser, error) {
	task, _, err := s.loadVisibleTask(ctx, actor, taskID)
	if err != nil {
		return store.TaskFile{}, nil, err
	}
	for _, f := range task.Files {
		if f.ID != fileID {
			continue
		}
		rc, err := s.blob.Get(ctx, f.ObjectKey)
		if err != nil {
			if errors.Is(err, blob.ErrObjectNotFound) {
				return store.TaskFile{}, nil, notFoundError("FILE_NOT_FOUND", "File not found")
			}
			return store.TaskFile{}, nil, storeUnavailable("read file failed", err, nil)
		}
		return f, rc, nil
	}
	return store.TaskFile{}, nil, notFoundError("FILE_NOT_FOUND", "File not found")
}

// notifyTaskAssigned mails the team in the background. Mail failures are
// logged only.
func (s *Service) notifyTaskAssigned(ctx context.Context, team store.Team, task store.Task) {
	if s.mail == nil || !s.mail.IsConfigured() {
		return
	}
	users, err := s.store.GetUsers(ctx, team.Participants())
	if err != nil {
		s.log.Warn("task mail skipped", "task_id", task.ID, "err", err)
		return
	}
	to := make([]string, 0, len(users))
	for _, id := range team.Participants() {
		if u, ok := users[id]; ok {
			to = append(to, u.Username)
		}
	}
	data := email.TaskAssignedData{
		TeamName:    team.Name,
		TaskName:    task.Name,
		Description: task.Description,
		Priority:    task.Priority,
		DueDate:     task.DueDate.Format("2006-01-02"),
	}
	go func() {
		if err := s.mail.SendTaskAssigned(to, data); err != nil {
			s.log.Warn("task mail failed", "task_id", task.ID, "err", err)
		}
	}()
}
