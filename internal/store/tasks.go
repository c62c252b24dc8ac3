package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

func (s *Store) InsertTask(ctx context.Context, task Task) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO tasks (id, name, description, priority, due_date, status, team_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Name, task.Description, task.Priority, task.DueDate.UTC(), TaskOngoing, task.TeamID, task.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

const taskColumns = `id, name, description, priority, due_date, status, team_id, created_at, completed_at`

func scanTask(row rowScanner) (Task, error) {
	var t Task
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Priority, dbTime{&t.DueDate}, &t.Status, &t.TeamID,
		dbTime{&t.CreatedAt}, nullTime{&t.CompletedAt})
	return t, err
}

func (s *Store) GetTask(ctx context.Context, taskID string) (Task, error) {
	t, err := scanTask(s.queryRow(ctx, s.db, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, taskID))
	if err != nil {
		if err = notFound(err); errors.Is(err, ErrNotFound) {
			return Task{}, err
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	files, err := s.ListTaskFiles(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	t.Files = files
	return t, nil
}

// CompleteTask moves an ongoing task to completed. A task that is already
// completed yields ErrConflict and is left untouched.
func (s *Store) CompleteTask(ctx context.Context, taskID string, at time.Time) error {
	res, err := s.exec(ctx, s.db, `
		UPDATE tasks SET status=?, completed_at=? WHERE id=? AND status=?
	`, TaskCompleted, at.UTC(), taskID, TaskOngoing)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := s.queryRow(ctx, s.db, `SELECT COUNT(*) FROM tasks WHERE id=?`, taskID).Scan(&count); err != nil {
		return fmt.Errorf("lookup task: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Status != "" {
		clauses = append(clauses, `status=?`)
		args = append(args, filter.Status)
	}
	if filter.TeamID != "" {
		clauses = append(clauses, `team_id=?`)
		args = append(args, filter.TeamID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, ` AND `)
	}
	query += ` ORDER BY due_date, created_at, id`
	return s.listTasks(ctx, query, args...)
}

// TasksForTeams lists every task owned by one of the given teams.
func (s *Store) TasksForTeams(ctx context.Context, teamIDs []string) ([]Task, error) {
	if len(teamIDs) == 0 {
		return nil, nil
	}
	return s.listTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE team_id IN (`+placeholders(len(teamIDs))+`)
		ORDER BY due_date, created_at, id
	`, stringArgs(teamIDs)...)
}

// SearchTasks matches name or description case-insensitively within the given teams.
func (s *Store) SearchTasks(ctx context.Context, query string, teamIDs []string, limit int) ([]Task, error) {
	if len(teamIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	pattern := likePattern(query)
	args := append([]any{pattern, pattern}, stringArgs(teamIDs)...)
	args = append(args, limit)
	return s.listTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE (LOWER(name) LIKE ? OR LOWER(description) LIKE ?)
			AND team_id IN (`+placeholders(len(teamIDs))+`)
		ORDER BY created_at DESC, id
		LIMIT ?
	`, args...)
}

func (s *Store) listTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) AddTaskFile(ctx context.Context, file TaskFile) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO task_files (id, task_id, file_name, object_key, note, uploaded_by, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, file.ID, file.TaskID, file.FileName, file.ObjectKey, file.Note, file.UploadedBy, file.UploadedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert task file: %w", err)
	}
	return nil
}

func (s *Store) ListTaskFiles(ctx context.Context, taskID string) ([]TaskFile, error) {
	rows, err := s.query(ctx, s.db, `
		SELECT id, task_id, file_name, object_key, note, uploaded_by, uploaded_at
		FROM task_files WHERE task_id=?
		ORDER BY uploaded_at, id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task files: %w", err)
	}
	defer rows.Close()
	var out []TaskFile
	for rows.Next() {
		var f TaskFile
		if err := rows.Scan(&f.ID, &f.TaskID, &f.FileName, &f.ObjectKey, &f.Note, &f.UploadedBy, dbTime{&f.UploadedAt}); err != nil {
			return nil, fmt.Errorf("scan task file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func likePattern(query string) string {
	q := strings.ToLower(strings.TrimSpace(query))
	q = strings.NewReplacer("%", "", "_", "").Replace(q)
	return "%" + q + "%"
}
