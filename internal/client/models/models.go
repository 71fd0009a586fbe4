package models

import (
	"encoding/json"
	"time"
)

type User struct {
	ID       string    `json:"id"`
	Nickname string    `json:"nickname"`
	Username string    `json:"username,omitempty"`
	Avatar   string    `json:"avatar,omitempty"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
	IsAdmin  bool      `json:"isAdmin,omitempty"`
}

type Group struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	GroupID     string `json:"groupId"`
}

// Message is immutable once observed by the client.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	From      string    `json:"from"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Snapshot is the full-refresh response served by GET /api/me.
type Snapshot struct {
	User       User             `json:"user"`
	Users      []User           `json:"users"`
	Groups     []Group          `json:"groups"`
	Channels   []Channel        `json:"channels"`
	Messages   []Message        `json:"messages"`
	ReadByChat map[string]int64 `json:"readByChat"`
}

// Live channel event types.

type EventType string

const (
	EventMessage  EventType = "message"
	EventPresence EventType = "presence"
	EventTyping   EventType = "typing"
)

// Envelope is decoded first to pick the concrete event.
type Envelope struct {
	Type EventType `json:"type"`
}

type MessageEvent struct {
	Type    EventType `json:"type"`
	Message Message   `json:"message"`
}

type PresenceEvent struct {
	Type     EventType `json:"type"`
	UserID   string    `json:"userId"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

type TypingEvent struct {
	Type     EventType `json:"type"`
	From     string    `json:"from"`
	IsTyping *bool     `json:"isTyping,omitempty"`
}

// Typing reports whether the event announces typing; an absent flag counts
// as typing.
func (e TypingEvent) Typing() bool {
	return e.IsTyping == nil || *e.IsTyping
}

// Outbound payloads.

type Scope string

const (
	ScopeDirect  Scope = "dm"
	ScopeChannel Scope = "channel"
)

type SendMessagePayload struct {
	Type  EventType `json:"type"`
	Text  string    `json:"text"`
	To    string    `json:"to"`
	Scope Scope     `json:"scope"`
}

type SendTypingPayload struct {
	Type     EventType `json:"type"`
	To       string    `json:"to"`
	IsTyping bool      `json:"isTyping"`
}

// ReadReceiptPayload is the body of POST /api/read.
type ReadReceiptPayload struct {
	ChatID     string `json:"chatId"`
	LastReadAt int64  `json:"lastReadAt"`
}

// DecodeEvent unmarshals one live-channel frame into its concrete event type.
// Unknown types decode to a nil event and no error.
func DecodeEvent(data []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case EventMessage:
		var e MessageEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventPresence:
		var e PresenceEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventTyping:
		var e TypingEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, nil
}

// Millis converts a timestamp to the watermark unit used on the wire.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
