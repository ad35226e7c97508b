package core

import (
	"slices"
	"time"
)

// MessageKind identifies the primary payload of a message. A message carries
// exactly one payload kind; the send operations each set a single field.
type MessageKind int

const (
	TextMessage MessageKind = iota
	ImageMessage
	AudioMessage
)

// LastMessage is the denormalized summary a room (or direct chat) keeps of
// the most recent message. Every send overwrites it; concurrent senders race
// with last-writer-wins semantics.
type LastMessage struct {
	Text       string `json:"text"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Room is a chat room. Membership only grows in this code path; there is no
// leave or kick operation.
type Room struct {
	ID          string          `json:"-"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	IsPrivate   bool            `json:"isPrivate"`
	CreatedBy   string          `json:"createdBy"`
	CreatedAt   int64           `json:"createdAt"`
	RoomCode    string          `json:"roomCode,omitempty"`
	Members     map[string]bool `json:"members"`
	LastMessage *LastMessage    `json:"lastMessage,omitempty"`
}

func (r *Room) HasMember(uid string) bool {
	return r.Members[uid]
}

// Message is a chat message. Sender display fields are denormalized at send
// time and never updated retroactively. ReadBy contains the sender at
// creation and only grows.
type Message struct {
	ID           string   `json:"-"`
	RoomID       string   `json:"roomId"`
	SenderID     string   `json:"senderId"`
	SenderName   string   `json:"senderName"`
	SenderAvatar string   `json:"senderAvatar"`
	Text         string   `json:"text,omitempty"`
	ImageURL     string   `json:"imageUrl,omitempty"`
	AudioURL     string   `json:"audioUrl,omitempty"`
	Timestamp    int64    `json:"timestamp"`
	ReadBy       []string `json:"readBy"`
}

func (m *Message) HasReader(uid string) bool {
	return slices.Contains(m.ReadBy, uid)
}

func (m *Message) Kind() MessageKind {
	switch {
	case m.ImageURL != "":
		return ImageMessage
	case m.AudioURL != "":
		return AudioMessage
	default:
		return TextMessage
	}
}

// DirectChat is a read-only projection of a one-to-one conversation, joined
// against the peer's profile at materialization time.
type DirectChat struct {
	ID              string       `json:"-"`
	UserID          string       `json:"userId"`
	UserDisplayName string       `json:"userDisplayName"`
	UserPhotoURL    string       `json:"userPhotoURL"`
	UserStatus      Status       `json:"userStatus"`
	LastMessage     *LastMessage `json:"lastMessage,omitempty"`
}

// directChatRef is the stored form of a direct chat entry before the peer
// profile join.
type directChatRef struct {
	UserID      string       `json:"userId"`
	LastMessage *LastMessage `json:"lastMessage,omitempty"`
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// summarize shortens message text for a lastMessage summary.
func summarize(text string) string {
	runes := []rune(text)
	if len(runes) <= 30 {
		return text
	}
	return string(runes[:27]) + "..."
}
