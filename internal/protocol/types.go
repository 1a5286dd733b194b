// Package protocol holds the wire types exchanged between chat clients and
// the message relay.
package protocol

import (
	"time"

	"garagechat/internal/room"
)

// TimeLayout is the fixed-width ISO-8601 layout the relay stamps on messages.
// Fixed width keeps UTC timestamps lexically sortable.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// FormatTime renders t in TimeLayout (UTC).
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts TimeLayout and any RFC 3339 timestamp.
func ParseTime(raw string) (time.Time, bool) {
	if t, err := time.Parse(TimeLayout, raw); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// Message is a persisted chat message as materialized by the relay.
type Message struct {
	ID         string        `json:"message_id"`
	Content    string        `json:"content"`
	SenderID   room.Identity `json:"sender_id"`
	SenderName string        `json:"sender_name,omitempty"`
	Timestamp  string        `json:"timestamp"`
}

// Role is the side of the marketplace the signed-in identity acts as.
type Role string

const (
	RoleUser     Role = "user"
	RoleWorkshop Role = "workshop"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleWorkshop
}

// Participant is one side of a conversation summary.
type Participant struct {
	ID        room.Identity `json:"id"`
	Name      string        `json:"name,omitempty"`
	AvatarURL string        `json:"avatar_url,omitempty"`
}

// ConversationSummary is one row of the live conversation list.
type ConversationSummary struct {
	RoomID               room.RoomID `json:"room_id,omitempty"`
	User                 Participant `json:"user"`
	Workshop             Participant `json:"workshop"`
	LastMessage          *string     `json:"last_message"`
	LastMessageTimestamp *string     `json:"last_message_timestamp"`
	UnreadCount          int         `json:"unread_count"`
}

// Peer returns the participant on the opposite side of role. For an unknown
// role it falls back to whichever side is not self.
func (s ConversationSummary) Peer(role Role, self room.Identity) Participant {
	switch role {
	case RoleUser:
		return s.Workshop
	case RoleWorkshop:
		return s.User
	}
	if s.User.ID.Normalize() == self.Normalize() {
		return s.Workshop
	}
	return s.User
}

// LastActivity parses the last message timestamp; ok is false when the
// conversation has no message yet or the value does not parse.
func (s ConversationSummary) LastActivity() (time.Time, bool) {
	if s.LastMessageTimestamp == nil {
		return time.Time{}, false
	}
	return ParseTime(*s.LastMessageTimestamp)
}
