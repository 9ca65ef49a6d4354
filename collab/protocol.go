package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

// wire protocol for the collaboration endpoint.
// every message is a json text frame with a `type` tag and an inline payload.
// the field names match the server protocol and are not restyled.

type MessageType string

const (
	// client -> server
	MessageTypeJoinDocument   MessageType = "join-document"
	MessageTypeLeaveDocument  MessageType = "leave-document"
	MessageTypeTextChange     MessageType = "text-change"
	MessageTypeCursorPosition MessageType = "cursor-position"
	MessageTypeTypingStatus   MessageType = "typing-status"

	// server -> client
	MessageTypeDocumentJoined      MessageType = "document-joined"
	MessageTypeUserJoined          MessageType = "user-joined"
	MessageTypeUserLeft            MessageType = "user-left"
	MessageTypeOnlineUsers         MessageType = "online-users"
	MessageTypeTextChanged         MessageType = "text-changed"
	MessageTypeCursorMoved         MessageType = "cursor-moved"
	MessageTypeTypingStatusChanged MessageType = "typing-status-changed"
	MessageTypeError               MessageType = "error"
)

type OperationKind string

const (
	OperationKindInsert OperationKind = "insert"
	OperationKindDelete OperationKind = "delete"
	OperationKindRetain OperationKind = "retain"
)

// a single edit signal exchanged over the transport.
// operations are append-only facts. the client never rewrites history,
// it only applies the latest accepted content to local state.
type Operation struct {
	Kind     OperationKind `json:"type"`
	Position int           `json:"position"`
	Content  string        `json:"content,omitempty"`
	Length   int           `json:"length,omitempty"`
	AuthorId Id            `json:"authorId"`
	Version  int           `json:"version"`
}

type User struct {
	UserId   Id     `json:"id"`
	Username string `json:"username"`
}

type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type DocumentInfo struct {
	DocumentId Id     `json:"id"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	Version    int    `json:"version"`
}

type JoinDocument struct {
	DocumentId Id     `json:"documentId"`
	Token      string `json:"token"`
}

type LeaveDocument struct {
	DocumentId Id `json:"documentId"`
}

type TextChange struct {
	DocumentId Id         `json:"documentId"`
	Operation  *Operation `json:"operation"`
	Version    int        `json:"version"`
}

type CursorPosition struct {
	DocumentId Id         `json:"documentId"`
	Position   int        `json:"position"`
	Selection  *Selection `json:"selection,omitempty"`
}

type TypingStatus struct {
	DocumentId Id   `json:"documentId"`
	IsTyping   bool `json:"isTyping"`
}

type DocumentJoined struct {
	Document   *DocumentInfo `json:"document"`
	User       *User         `json:"user"`
	Permission string        `json:"permission"`
}

type UserJoined struct {
	User *User `json:"user"`
}

type UserLeft struct {
	User *User `json:"user"`
}

type OnlineUsers struct {
	Users []*User `json:"users"`
}

type TextChanged struct {
	Operation *Operation `json:"operation"`
	Version   int        `json:"version"`
	Author    *User      `json:"author"`
	Timestamp time.Time  `json:"timestamp"`
}

type CursorMoved struct {
	User      *User      `json:"user"`
	Position  int        `json:"position"`
	Selection *Selection `json:"selection,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

type TypingStatusChanged struct {
	User      *User     `json:"user"`
	IsTyping  bool      `json:"isTyping"`
	Timestamp time.Time `json:"timestamp"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

type envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func messageType(message any) (MessageType, error) {
	switch v := message.(type) {
	case *JoinDocument:
		return MessageTypeJoinDocument, nil
	case *LeaveDocument:
		return MessageTypeLeaveDocument, nil
	case *TextChange:
		return MessageTypeTextChange, nil
	case *CursorPosition:
		return MessageTypeCursorPosition, nil
	case *TypingStatus:
		return MessageTypeTypingStatus, nil
	case *DocumentJoined:
		return MessageTypeDocumentJoined, nil
	case *UserJoined:
		return MessageTypeUserJoined, nil
	case *UserLeft:
		return MessageTypeUserLeft, nil
	case *OnlineUsers:
		return MessageTypeOnlineUsers, nil
	case *TextChanged:
		return MessageTypeTextChanged, nil
	case *CursorMoved:
		return MessageTypeCursorMoved, nil
	case *TypingStatusChanged:
		return MessageTypeTypingStatusChanged, nil
	case *ErrorMessage:
		return MessageTypeError, nil
	default:
		return "", fmt.Errorf("Unknown message type: %T", v)
	}
}

func EncodeMessage(message any) ([]byte, error) {
	t, err := messageType(message)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&envelope{
		Type:    t,
		Payload: payload,
	})
}

func RequireEncodeMessage(message any) []byte {
	b, err := EncodeMessage(message)
	if err != nil {
		panic(err)
	}
	return b
}

func DecodeMessage(b []byte) (any, error) {
	e := &envelope{}
	if err := json.Unmarshal(b, e); err != nil {
		return nil, err
	}
	var message any
	switch e.Type {
	case MessageTypeJoinDocument:
		message = &JoinDocument{}
	case MessageTypeLeaveDocument:
		message = &LeaveDocument{}
	case MessageTypeTextChange:
		message = &TextChange{}
	case MessageTypeCursorPosition:
		message = &CursorPosition{}
	case MessageTypeTypingStatus:
		message = &TypingStatus{}
	case MessageTypeDocumentJoined:
		message = &DocumentJoined{}
	case MessageTypeUserJoined:
		message = &UserJoined{}
	case MessageTypeUserLeft:
		message = &UserLeft{}
	case MessageTypeOnlineUsers:
		message = &OnlineUsers{}
	case MessageTypeTextChanged:
		message = &TextChanged{}
	case MessageTypeCursorMoved:
		message = &CursorMoved{}
	case MessageTypeTypingStatusChanged:
		message = &TypingStatusChanged{}
	case MessageTypeError:
		message = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("Unknown message type: %s", e.Type)
	}
	if err := json.Unmarshal(e.Payload, message); err != nil {
		return nil, err
	}
	return message, nil
}
