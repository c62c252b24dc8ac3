package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const userColumns = `id, staff_id, username, first_name, last_name, phone, password_hash, role, ongoing_count, completed_count, created_at`

func scanUser(row rowScanner) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.StaffID, &u.Username, &u.FirstName, &u.LastName, &u.Phone, &u.PasswordHash, &u.Role,
		&u.OngoingCount, &u.CompletedCount, dbTime{&u.CreatedAt})
	return u, err
}

// CreateUser inserts a user. A duplicate username or staff id yields ErrConflict.
func (s *Store) CreateUser(ctx context.Context, u User) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO users (id, staff_id, username, first_name, last_name, phone, password_hash, role, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.StaffID, u.Username, u.FirstName, u.LastName, u.Phone, u.PasswordHash, u.Role, u.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID string) (User, error) {
	u, err := scanUser(s.queryRow(ctx, s.db, `SELECT `+userColumns+` FROM users WHERE id=?`, userID))
	if err != nil {
		if err = notFound(err); errors.Is(err, ErrNotFound) {
			return User{}, err
		}
		return User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (User, error) {
	u, err := scanUser(s.queryRow(ctx, s.db, `SELECT `+userColumns+` FROM users WHERE username=?`, username))
	if err != nil {
		if err = notFound(err); errors.Is(err, ErrNotFound) {
			return User{}, err
		}
		return User{}, fmt.Errorf("get user by username: %w", err)
	}
	return u, nil
}

// GetUsers loads the given users keyed by id. Unknown ids are absent from the result.
func (s *Store) GetUsers(ctx context.Context, userIDs []string) (map[string]User, error) {
	out := make(map[string]User, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := s.query(ctx, s.db, `SELECT `+userColumns+` FROM users WHERE id IN (`+placeholders(len(userIDs))+`)`, stringArgs(userIDs)...)
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out[u.ID] = u
	}
	return out, rows.Err()
}

func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.query(ctx, s.db, `SELECT `+userColumns+` FROM users ORDER BY last_name, first_name, id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) UpdateUserProfile(ctx context.Context, userID, firstName, lastName, phone string) error {
	res, err := s.exec(ctx, s.db, `UPDATE users SET first_name=?, last_name=?, phone=? WHERE id=?`, firstName, lastName, phone, userID)
	if err != nil {
		return fmt.Errorf("update user profile: %w", err)
	}
	return expectRow(res)
}

func (s *Store) UpdateUserRole(ctx context.Context, userID, role string) error {
	res, err := s.exec(ctx, s.db, `UPDATE users SET role=? WHERE id=?`, role, userID)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	return expectRow(res)
}

// IncrementCounters adjusts both workload counters in a single statement.
// Counters never drop below zero.
func (s *Store) IncrementCounters(ctx context.Context, userID string, ongoingDelta, completedDelta int) error {
	res, err := s.exec(ctx, s.db, `
		UPDATE users SET
			ongoing_count = CASE WHEN ongoing_count + ? < 0 THEN 0 ELSE ongoing_count + ? END,
			completed_count = CASE WHEN completed_count + ? < 0 THEN 0 ELSE completed_count + ? END
		WHERE id=?
	`, ongoingDelta, ongoingDelta, completedDelta, completedDelta, userID)
	if err != nil {
		return fmt.Errorf("increment counters: %w", err)
	}
	return expectRow(res)
}

// userTaskCount counts tasks with a given status across every team the
// outer users row leads or belongs to, disbanded teams included.
const userTaskCount = `(
	SELECT COUNT(*) FROM tasks k
	WHERE k.status = ? AND k.team_id IN (
		SELECT t.id FROM teams t
		WHERE t.leader_id = users.id
			OR EXISTS (SELECT 1 FROM team_members m WHERE m.team_id = t.id AND m.user_id = users.id)
	)
)`

// RecountCounters rebuilds both counters from the task table in one UPDATE,
// so an increment cannot land between the count and the write. It returns
// the counters as they were and as they are now.
func (s *Store) RecountCounters(ctx context.Context, userID string) (before, after StatusCounts, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.queryRow(ctx, tx, `SELECT ongoing_count, completed_count FROM users WHERE id=?`, userID).
			Scan(&before.Ongoing, &before.Completed); err != nil {
			if err = notFound(err); errors.Is(err, ErrNotFound) {
				return err
			}
			return fmt.Errorf("read counters: %w", err)
		}
		res, err := s.exec(ctx, tx, `
			UPDATE users SET
				ongoing_count = `+userTaskCount+`,
				completed_count = `+userTaskCount+`
			WHERE id=?
		`, TaskOngoing, TaskCompleted, userID)
		if err != nil {
			return fmt.Errorf("recount counters: %w", err)
		}
		if err := expectRow(res); err != nil {
			return err
		}
		if err := s.queryRow(ctx, tx, `SELECT ongoing_count, completed_count FROM users WHERE id=?`, userID).
			Scan(&after.Ongoing, &after.Completed); err != nil {
			return fmt.Errorf("read counters: %w", err)
		}
		return nil
	})
	return before, after, err
}

type rowsAffected interface {
	RowsAffected() (int64, error)
}

func expectRow(res rowsAffected) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
