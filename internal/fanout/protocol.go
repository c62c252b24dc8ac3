package fanout

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"teamdesk/internal/store"
)

const (
	FrameSendMessage = "sendMessage"
	FrameMessage     = "message"
	FrameAck         = "ack"
	FrameError       = "error"
	FrameHello       = "hello"
)

var ErrInvalidSelector = errors.New("forumType must be general or team with a teamId")

// Inbound is a frame sent by a client.
type Inbound struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	ForumType string `json:"forumType,omitempty"`
	TeamID    string `json:"teamId,omitempty"`
	Message   string `json:"message,omitempty"`
}

type MessagePayload struct {
	ID     int64     `json:"id"`
	Text   string    `json:"text"`
	Time   time.Time `json:"time"`
	UserID string    `json:"userId"`
}

// Outbound is a frame sent to a client.
type Outbound struct {
	Type       string          `json:"type"`
	RequestID  string          `json:"requestId,omitempty"`
	ForumID    string          `json:"forumId,omitempty"`
	TeamID     string          `json:"teamId,omitempty"`
	Message    *MessagePayload `json:"message,omitempty"`
	MessageID  int64           `json:"messageId,omitempty"`
	Code       string          `json:"code,omitempty"`
	Error      string          `json:"error,omitempty"`
	Identified *bool           `json:"identified,omitempty"`
	UserID     string          `json:"userId,omitempty"`
}

func DecodeInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("decode frame: %w", err)
	}
	in.Type = strings.TrimSpace(in.Type)
	return in, nil
}

func Encode(out Outbound) []byte {
	data, err := json.Marshal(out)
	if err != nil {
		// Outbound only holds plain values, so this is unreachable in practice.
		return []byte(`{"type":"error","code":"ENCODE_FAILED"}`)
	}
	return data
}

func MessageFrame(teamID string, msg store.Message) Outbound {
	return Outbound{
		Type:    FrameMessage,
		ForumID: msg.ForumID,
		TeamID:  teamID,
		Message: &MessagePayload{
			ID:     msg.ID,
			Text:   msg.Text,
			Time:   msg.SentAt,
			UserID: msg.UserID,
		},
	}
}

func AckFrame(requestID string, messageID int64) Outbound {
	return Outbound{Type: FrameAck, RequestID: requestID, MessageID: messageID}
}

func ErrorFrame(requestID, code, message string) Outbound {
	return Outbound{Type: FrameError, RequestID: requestID, Code: code, Error: message}
}

func helloFrame(p Principal) Outbound {
	identified := p.UserID != ""
	return Outbound{Type: FrameHello, Identified: &identified, UserID: p.UserID}
}

// Selector names the forum a message targets: the general forum or a team's forum.
type Selector struct {
	General bool
	TeamID  string
}

func ParseSelector(forumType, teamID string) (Selector, error) {
	switch strings.ToLower(strings.TrimSpace(forumType)) {
	case "general":
		return Selector{General: true}, nil
	case "team":
		teamID = strings.TrimSpace(teamID)
		if teamID == "" {
			return Selector{}, ErrInvalidSelector
		}
		return Selector{TeamID: teamID}, nil
	default:
		return Selector{}, ErrInvalidSelector
	}
}
