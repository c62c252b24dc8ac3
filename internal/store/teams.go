package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const GeneralForumName = "General"

// CreateTeam writes the team, its forum and its memberships in one transaction.
func (s *Store) CreateTeam(ctx context.Context, team Team, forum Forum) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `
			INSERT INTO teams (id, name, leader_id, disbanded, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, team.ID, team.Name, team.LeaderID, false, team.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert team: %w", err)
		}
		for i, memberID := range team.MemberIDs {
			if _, err := s.exec(ctx, tx, `
				INSERT INTO team_members (team_id, user_id, position) VALUES (?, ?, ?)
			`, team.ID, memberID, i); err != nil {
				if isUniqueViolation(err) {
					return ErrConflict
				}
				return fmt.Errorf("insert team member: %w", err)
			}
		}
		if _, err := s.exec(ctx, tx, `
			INSERT INTO forums (id, name, team_id, is_general, active, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, forum.ID, forum.Name, team.ID, false, true, forum.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("insert team forum: %w", err)
		}
		return nil
	})
}

const teamColumns = `t.id, t.name, t.leader_id, t.disbanded, t.created_at, t.disbanded_at, COALESCE(f.id, '')`

func scanTeam(row rowScanner) (Team, error) {
	var t Team
	err := row.Scan(&t.ID, &t.Name, &t.LeaderID, &t.Disbanded, dbTime{&t.CreatedAt}, nullTime{&t.DisbandedAt}, &t.ForumID)
	return t, err
}

func (s *Store) GetTeam(ctx context.Context, teamID string) (Team, error) {
	t, err := scanTeam(s.queryRow(ctx, s.db, `
		SELECT `+teamColumns+`
		FROM teams t
		LEFT JOIN forums f ON f.team_id = t.id
		WHERE t.id=?
	`, teamID))
	if err != nil {
		if err = notFound(err); errors.Is(err, ErrNotFound) {
			return Team{}, err
		}
		return Team{}, fmt.Errorf("get team: %w", err)
	}
	teams := []Team{t}
	if err := s.loadMembers(ctx, teams); err != nil {
		return Team{}, err
	}
	return teams[0], nil
}

func (s *Store) ListTeams(ctx context.Context, includeDisbanded bool) ([]Team, error) {
	query := `SELECT ` + teamColumns + ` FROM teams t LEFT JOIN forums f ON f.team_id = t.id`
	var args []any
	if !includeDisbanded {
		query += ` WHERE t.disbanded = ?`
		args = append(args, false)
	}
	query += ` ORDER BY t.created_at, t.id`
	return s.listTeams(ctx, query, args...)
}

// TeamsForUser returns every team the user leads or belongs to, disbanded ones included.
func (s *Store) TeamsForUser(ctx context.Context, userID string) ([]Team, error) {
	return s.listTeams(ctx, `
		SELECT `+teamColumns+`
		FROM teams t
		LEFT JOIN forums f ON f.team_id = t.id
		WHERE t.leader_id = ?
			OR EXISTS (SELECT 1 FROM team_members m WHERE m.team_id = t.id AND m.user_id = ?)
		ORDER BY t.created_at, t.id
	`, userID, userID)
}

func (s *Store) listTeams(ctx context.Context, query string, args ...any) ([]Team, error) {
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	var out []Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan team: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if err := s.loadMembers(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// loadMembers fills MemberIDs in position order. The row cursor of the caller
// must already be closed: SQLite runs on a single connection.
func (s *Store) loadMembers(ctx context.Context, teams []Team) error {
	if len(teams) == 0 {
		return nil
	}
	index := make(map[string]int, len(teams))
	ids := make([]string, 0, len(teams))
	for i, t := range teams {
		index[t.ID] = i
		ids = append(ids, t.ID)
	}
	rows, err := s.query(ctx, s.db, `
		SELECT team_id, user_id FROM team_members
		WHERE team_id IN (`+placeholders(len(ids))+`)
		ORDER BY team_id, position
	`, stringArgs(ids)...)
	if err != nil {
		return fmt.Errorf("list team members: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var teamID, userID string
		if err := rows.Scan(&teamID, &userID); err != nil {
			return fmt.Errorf("scan team member: %w", err)
		}
		i := index[teamID]
		teams[i].MemberIDs = append(teams[i].MemberIDs, userID)
	}
	return rows.Err()
}

// DisbandTeam marks the team disbanded and deactivates its forum. It reports
// whether this call changed the team; repeating it is a no-op that still
// leaves the forum inactive.
func (s *Store) DisbandTeam(ctx context.Context, teamID string, at time.Time) (bool, error) {
	changed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := s.queryRow(ctx, tx, `SELECT COUNT(*) FROM teams WHERE id=?`, teamID).Scan(&exists); err != nil {
			return fmt.Errorf("lookup team: %w", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		res, err := s.exec(ctx, tx, `
			UPDATE teams SET disbanded=?, disbanded_at=? WHERE id=? AND disbanded=?
		`, true, at.UTC(), teamID, false)
		if err != nil {
			return fmt.Errorf("disband team: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		changed = n > 0
		if _, err := s.exec(ctx, tx, `UPDATE forums SET active=? WHERE team_id=?`, false, teamID); err != nil {
			return fmt.Errorf("deactivate team forum: %w", err)
		}
		return nil
	})
	return changed, err
}

const forumColumns = `id, name, COALESCE(team_id, ''), is_general, active, created_at`

func scanForum(row rowScanner) (Forum, error) {
	var f Forum
	err := row.Scan(&f.ID, &f.Name, &f.TeamID, &f.IsGeneral, &f.Active, dbTime{&f.CreatedAt})
	return f, err
}

func (s *Store) getForum(ctx context.Context, where string, args ...any) (Forum, error) {
	f, err := scanForum(s.queryRow(ctx, s.db, `SELECT `+forumColumns+` FROM forums WHERE `+where, args...))
	if err != nil {
		if err = notFound(err); errors.Is(err, ErrNotFound) {
			return Forum{}, err
		}
		return Forum{}, fmt.Errorf("get forum: %w", err)
	}
	return f, nil
}

func (s *Store) GetForum(ctx context.Context, forumID string) (Forum, error) {
	return s.getForum(ctx, `id=?`, forumID)
}

func (s *Store) ForumByTeam(ctx context.Context, teamID string) (Forum, error) {
	return s.getForum(ctx, `team_id=?`, teamID)
}

func (s *Store) GeneralForum(ctx context.Context) (Forum, error) {
	return s.getForum(ctx, `is_general=?`, true)
}

// EnsureGeneralForum inserts candidate as the general forum unless one already
// exists, then returns whichever forum holds the flag. The partial unique index
// on is_general arbitrates concurrent callers.
func (s *Store) EnsureGeneralForum(ctx context.Context, candidate Forum) (Forum, bool, error) {
	res, err := s.exec(ctx, s.db, `
		INSERT INTO forums (id, name, team_id, is_general, active, created_at)
		VALUES (?, ?, NULL, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, candidate.ID, candidate.Name, true, true, candidate.CreatedAt.UTC())
	if err != nil {
		return Forum{}, false, fmt.Errorf("insert general forum: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Forum{}, false, fmt.Errorf("rows affected: %w", err)
	}
	forum, err := s.GeneralForum(ctx)
	if err != nil {
		return Forum{}, false, err
	}
	return forum, n > 0, nil
}

// AppendMessage inserts one message. The store assigns the sequence id, so
// concurrent appends to the same forum never overwrite each other.
func (s *Store) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	err := s.queryRow(ctx, s.db, `
		INSERT INTO forum_messages (forum_id, body, sent_at, user_id)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`, msg.ForumID, msg.Text, msg.SentAt.UTC(), msg.UserID).Scan(&msg.ID)
	if err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.ForumID, &m.Text, dbTime{&m.SentAt}, &m.UserID)
	return m, err
}

// ListMessages returns the forum's messages in append order. A positive limit
// keeps only the most recent ones.
func (s *Store) ListMessages(ctx context.Context, forumID string, limit int) ([]Message, error) {
	query := `SELECT id, forum_id, body, sent_at, user_id FROM forum_messages WHERE forum_id=?`
	args := []any{forumID}
	if limit > 0 {
		query = `SELECT * FROM (` + query + ` ORDER BY id DESC LIMIT ?) recent`
		args = append(args, limit)
	}
	query += ` ORDER BY id ASC`
	rows, err := s.query(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LastMessageAt returns the newest timestamp in the forum, or the zero time.
func (s *Store) LastMessageAt(ctx context.Context, forumID string) (time.Time, error) {
	var last time.Time
	err := s.queryRow(ctx, s.db, `
		SELECT sent_at FROM forum_messages WHERE forum_id=? ORDER BY id DESC LIMIT 1
	`, forumID).Scan(dbTime{&last})
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last message time: %w", err)
	}
	return last, nil
}

// SearchMessages matches message text case-insensitively within the given forums.
func (s *Store) SearchMessages(ctx context.Context, query string, forumIDs []string, limit int) ([]MessageHit, error) {
	if len(forumIDs) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	args := append([]any{likePattern(query)}, stringArgs(forumIDs)...)
	args = append(args, limit)
	rows, err := s.query(ctx, s.db, `
		SELECT m.id, m.forum_id, m.body, m.sent_at, m.user_id, COALESCE(f.team_id, '')
		FROM forum_messages m
		JOIN forums f ON f.id = m.forum_id
		WHERE LOWER(m.body) LIKE ?
			AND m.forum_id IN (`+placeholders(len(forumIDs))+`)
		ORDER BY m.id DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()
	var out []MessageHit
	for rows.Next() {
		var hit MessageHit
		if err := rows.Scan(&hit.ID, &hit.ForumID, &hit.Text, dbTime{&hit.SentAt}, &hit.UserID, &hit.TeamID); err != nil {
			return nil, fmt.Errorf("scan message hit: %w", err)
		}
		out = append(out, hit)
	}
	return out, rows.Err()
}
