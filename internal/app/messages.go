package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"unicode/utf8"

	"teamdesk/internal/fanout"
	"teamdesk/internal/rbac"
	"teamdesk/internal/search"
	"teamdesk/internal/store"
)

const maxMessageRunes = 2000

// OpenConnection registers a live connection. A token that resolves to a
// principal yields an Identified connection; a missing or rejected token
// yields a Connected one that may receive the hello frame but cannot send.
// When the session cannot be checked at all, no connection is registered and
// the StoreUnavailable error is returned.
func (s *Service) OpenConnection(ctx context.Context, token string) (*fanout.Conn, error) {
	if strings.TrimSpace(token) == "" {
		return s.hub.Connect(fanout.Principal{}), nil
	}
	p, err := s.ResolvePrincipal(ctx, token)
	if errors.Is(err, ErrStoreUnavailable) {
		return nil, err
	}
	if err != nil {
		return s.hub.Connect(fanout.Principal{}), err
	}
	return s.hub.Connect(fanout.Principal{UserID: p.UserID, Role: string(p.Role)}), nil
}

func (s *Service) CloseConnection(c *fanout.Conn) {
	s.hub.Disconnect(c)
}

// SubmitMessage appends text to the selected forum on behalf of the
// connection's principal and broadcasts it to the forum's audience.
func (s *Service) SubmitMessage(ctx context.Context, c *fanout.Conn, sel fanout.Selector, text string) (store.Message, error) {
	if c == nil {
		return store.Message{}, unauthenticatedError("No connection")
	}
	switch c.State() {
	case fanout.StateClosed:
		return store.Message{}, invalidStateError("CONNECTION_CLOSED", "Connection is closed", nil)
	case fanout.StateConnected:
		return store.Message{}, unauthenticatedError("Sign in to send messages")
	}
	principal := c.Principal()
	if !rbac.Can(rbac.Normalize(principal.Role), rbac.ActionChat) {
		return store.Message{}, forbiddenError("Chat is not allowed")
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return store.Message{}, validationError("EMPTY_MESSAGE", "message text is required", nil)
	}
	if utf8.RuneCountInString(text) > maxMessageRunes {
		return store.Message{}, validationError("MESSAGE_TOO_LONG", "messages are limited to 2000 characters", nil)
	}

	forum, post, err := s.resolveForum(ctx, principal.UserID, sel)
	if err != nil {
		return store.Message{}, err
	}
	post.UserID = principal.UserID
	post.Text = text

	msg, err := s.hub.Publish(ctx, post)
	if err != nil {
		if errors.Is(err, fanout.ErrHubClosed) {
			return store.Message{}, storeUnavailable("message hub closed", err, nil)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return store.Message{}, storeUnavailable("append message timed out", err, nil)
		}
		return store.Message{}, storeError(err, nil, "append message")
	}

	if s.search != nil {
		s.search.IndexMessage(search.MessageRecordFrom(msg, forum.TeamID))
	}
	return msg, nil
}

// resolveForum finds the target forum and the audience allowed to see it.
func (s *Service) resolveForum(ctx context.Context, userID string, sel fanout.Selector) (store.Forum, fanout.Post, error) {
	if sel.General {
		forum, err := s.GetOrCreateGeneralForum(ctx)
		if err != nil {
			return store.Forum{}, fanout.Post{}, err
		}
		if !forum.Active {
			return store.Forum{}, fanout.Post{}, notFoundError("FORUM_INACTIVE", "Forum is not active")
		}
		return forum, fanout.Post{ForumID: forum.ID, Audience: fanout.Audience{All: true}}, nil
	}

	team, err := s.store.GetTeam(ctx, sel.TeamID)
	if err != nil {
		return store.Forum{}, fanout.Post{}, storeError(err, notFoundError("TEAM_NOT_FOUND", "Team not found"), "get team")
	}
	forum, err := s.store.ForumByTeam(ctx, team.ID)
	if err != nil {
		return store.Forum{}, fanout.Post{}, storeError(err, notFoundError("FORUM_NOT_FOUND", "Forum not found"), "get forum")
	}
	if !forum.Active {
		return store.Forum{}, fanout.Post{}, notFoundError("FORUM_INACTIVE", "Forum is not active")
	}
	if !team.Includes(userID) {
		return store.Forum{}, fanout.Post{}, forbiddenError("Only team members can post in this forum")
	}
	return forum, fanout.Post{
		ForumID:  forum.ID,
		TeamID:   team.ID,
		Audience: fanout.Audience{UserIDs: team.Participants()},
	}, nil
}

// HandleFrame processes one inbound frame and queues the reply on c.
func (s *Service) HandleFrame(ctx context.Context, c *fanout.Conn, data []byte) {
	in, err := fanout.DecodeInbound(data)
	if err != nil {
		s.hub.Reply(c, fanout.ErrorFrame("", "INVALID_FRAME", "Frame is not valid JSON"))
		return
	}
	if in.Type != fanout.FrameSendMessage {
		s.hub.Reply(c, fanout.ErrorFrame(in.RequestID, "UNKNOWN_FRAME", "Unsupported frame type"))
		return
	}
	sel, err := fanout.ParseSelector(in.ForumType, in.TeamID)
	if err != nil {
		s.hub.Reply(c, fanout.ErrorFrame(in.RequestID, "INVALID_FORUM", err.Error()))
		return
	}

	msg, err := s.SubmitMessage(ctx, c, sel, in.Message)
	if err != nil {
		status, code, message, _ := mapError(err)
		if status >= http.StatusInternalServerError {
			s.log.Error("send message failed", "conn_id", c.ID(), "user_id", c.Principal().UserID, "err", err)
		}
		s.hub.Reply(c, fanout.ErrorFrame(in.RequestID, code, message))
		return
	}
	s.hub.Reply(c, fanout.AckFrame(in.RequestID, msg.ID))
}
