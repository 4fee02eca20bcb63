package collab

import (
	"bytes"
	"encoding/json"
)

// Inbound events.
const (
	EventJoinDocument   = "join-document"
	EventLeaveDocument  = "leave-document"
	EventDocumentChange = "document-change"
	EventCursorChange   = "cursor-change"
	EventHeartbeat      = "heartbeat"
	EventPing           = "ping"
)

// Outbound events.
const (
	EventUsersInDocument = "users-in-document"
	EventUserJoined      = "user-joined"
	EventUserLeft        = "user-left"
	EventDocumentChanged = "document-changed"
	EventCursorChanged   = "cursor-changed"
	EventPong            = "pong"
	EventError           = "error"
)

// Envelope is an inbound frame before its payload is decoded.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// JoinPayload asks to join a document room.
type JoinPayload struct {
	DocumentID  string `json:"documentId" validate:"required,max=128"`
	UserID      string `json:"userId" validate:"omitempty,max=128"`
	DisplayName string `json:"displayName" validate:"omitempty,max=256"`
}

// LeavePayload leaves a single document room without closing the connection.
type LeavePayload struct {
	DocumentID string `json:"documentId" validate:"required,max=128"`
}

// ChangePayload carries an edit. Delta and Content are relayed verbatim.
type ChangePayload struct {
	DocumentID string          `json:"documentId" validate:"required,max=128"`
	Delta      json.RawMessage `json:"delta"`
	Content    json.RawMessage `json:"content"`
}

// CursorPayload carries a caret position and selection.
type CursorPayload struct {
	DocumentID string          `json:"documentId" validate:"required,max=128"`
	Position   json.RawMessage `json:"position"`
	Selection  json.RawMessage `json:"selection"`
}

// HeartbeatPayload keeps a member's presence alive.
type HeartbeatPayload struct {
	DocumentID string `json:"documentId" validate:"required,max=128"`
	UserID     string `json:"userId" validate:"omitempty,max=128"`
}

// MemberInfo describes one room member to clients.
type MemberInfo struct {
	UserID       string `json:"userId"`
	DisplayName  string `json:"displayName"`
	Permission   string `json:"permission"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// DocumentChanged is the relayed form of a ChangePayload.
type DocumentChanged struct {
	Delta            json.RawMessage `json:"delta,omitempty"`
	Content          json.RawMessage `json:"content"`
	SenderID         string          `json:"senderId"`
	SenderName       string          `json:"senderName"`
	SenderPermission string          `json:"senderPermission"`
}

// CursorChanged is the relayed form of a CursorPayload.
type CursorChanged struct {
	SenderID         string          `json:"senderId"`
	SenderName       string          `json:"senderName"`
	SenderPermission string          `json:"senderPermission"`
	Position         json.RawMessage `json:"position,omitempty"`
	Selection        json.RawMessage `json:"selection,omitempty"`
}

// ErrorPayload reports a refused or malformed request to its sender only.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Event   string `json:"event,omitempty"`
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
