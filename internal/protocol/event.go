package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"garagechat/internal/room"
)

// Wire type tags.
const (
	TypeChatRooms   = "chat_rooms"
	TypeSnapshot    = "snapshot"
	TypeChatHistory = "chat_history"
	TypeChatMessage = "chat_message"
	TypeError       = "error"
)

// ErrMalformedEvent marks payloads that are dropped by the receiver.
var ErrMalformedEvent = errors.New("protocol: malformed event")

// Event is an inbound relay event. The set of variants is closed: Snapshot,
// HistoryReplay, LiveMessage and ErrorEvent.
type Event interface {
	isEvent()
}

// Snapshot replaces the whole conversation list.
type Snapshot struct {
	Conversations []ConversationSummary
}

// HistoryReplay replaces the whole transcript of a room.
type HistoryReplay struct {
	Messages []Message
}

// LiveMessage is a single message broadcast to a room.
type LiveMessage struct {
	Message Message
}

// ErrorEvent is a relay-side notice, e.g. a rate limit.
type ErrorEvent struct {
	Reason string
}

func (Snapshot) isEvent()      {}
func (HistoryReplay) isEvent() {}
func (LiveMessage) isEvent()   {}
func (ErrorEvent) isEvent()    {}

type envelope struct {
	Type       string                `json:"type"`
	ChatRooms  []ConversationSummary `json:"chat_rooms,omitempty"`
	Messages   []wireMessage         `json:"messages,omitempty"`
	MessageID  string                `json:"message_id,omitempty"`
	Message    string                `json:"message,omitempty"`
	Content    string                `json:"content,omitempty"`
	Sender     room.Identity         `json:"sender,omitempty"`
	SenderID   room.Identity         `json:"sender_id,omitempty"`
	SenderName string                `json:"sender_name,omitempty"`
	Timestamp  string                `json:"timestamp,omitempty"`
	Receiver   room.Identity         `json:"receiver,omitempty"`
	Error      string                `json:"error,omitempty"`
}

// wireMessage tolerates both history shapes the relay has emitted over time.
type wireMessage struct {
	ID         string        `json:"message_id"`
	Content    string        `json:"content"`
	Message    string        `json:"message"`
	SenderID   room.Identity `json:"sender_id"`
	Sender     room.Identity `json:"sender"`
	SenderName string        `json:"sender_name"`
	Timestamp  string        `json:"timestamp"`
}

func (w wireMessage) toMessage() Message {
	msg := Message{
		ID:         w.ID,
		Content:    w.Content,
		SenderID:   w.SenderID,
		SenderName: w.SenderName,
		Timestamp:  w.Timestamp,
	}
	if msg.Content == "" {
		msg.Content = w.Message
	}
	if msg.SenderID.IsZero() {
		msg.SenderID = w.Sender
	}
	return msg
}

// Decode parses an inbound payload into its Event variant. Any failure wraps
// ErrMalformedEvent.
func Decode(payload []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	switch strings.TrimSpace(env.Type) {
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	case TypeChatRooms, TypeSnapshot:
		conversations := env.ChatRooms
		if conversations == nil {
			conversations = []ConversationSummary{}
		}
		return Snapshot{Conversations: conversations}, nil
	case TypeChatHistory:
		messages := make([]Message, 0, len(env.Messages))
		for _, w := range env.Messages {
			messages = append(messages, w.toMessage())
		}
		return HistoryReplay{Messages: messages}, nil
	case TypeChatMessage:
		msg := wireMessage{
			ID:         env.MessageID,
			Content:    env.Content,
			Message:    env.Message,
			SenderID:   env.SenderID,
			Sender:     env.Sender,
			SenderName: env.SenderName,
			Timestamp:  env.Timestamp,
		}.toMessage()
		if msg.SenderID.IsZero() {
			return nil, fmt.Errorf("%w: chat_message without sender", ErrMalformedEvent)
		}
		return LiveMessage{Message: msg}, nil
	case TypeError:
		return ErrorEvent{Reason: env.Error}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, env.Type)
	}
}

// SendRequest is the only client-to-relay frame.
type SendRequest struct {
	Type     string        `json:"type"`
	Message  string        `json:"message"`
	Receiver room.Identity `json:"receiver"`
}

// EncodeSend builds the outbound chat_message frame.
func EncodeSend(content string, receiver room.Identity) ([]byte, error) {
	return json.Marshal(SendRequest{Type: TypeChatMessage, Message: content, Receiver: receiver})
}

// DecodeSend parses a client frame on the relay side.
func DecodeSend(payload []byte) (SendRequest, error) {
	var req SendRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return SendRequest{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if req.Type != TypeChatMessage {
		return SendRequest{}, fmt.Errorf("%w: unexpected type %q", ErrMalformedEvent, req.Type)
	}
	return req, nil
}

// EncodeSnapshot renders a chat_rooms frame.
func EncodeSnapshot(conversations []ConversationSummary) ([]byte, error) {
	if conversations == nil {
		conversations = []ConversationSummary{}
	}
	return json.Marshal(struct {
		Type      string                `json:"type"`
		ChatRooms []ConversationSummary `json:"chat_rooms"`
	}{Type: TypeChatRooms, ChatRooms: conversations})
}

// EncodeHistory renders a chat_history frame.
func EncodeHistory(messages []Message) ([]byte, error) {
	if messages == nil {
		messages = []Message{}
	}
	return json.Marshal(struct {
		Type     string    `json:"type"`
		Messages []Message `json:"messages"`
	}{Type: TypeChatHistory, Messages: messages})
}

// EncodeLive renders a chat_message broadcast frame.
func EncodeLive(msg Message) ([]byte, error) {
	return json.Marshal(struct {
		Type       string        `json:"type"`
		MessageID  string        `json:"message_id"`
		Message    string        `json:"message"`
		Sender     room.Identity `json:"sender"`
		SenderName string        `json:"sender_name,omitempty"`
		Timestamp  string        `json:"timestamp"`
	}{
		Type:       TypeChatMessage,
		MessageID:  msg.ID,
		Message:    msg.Content,
		Sender:     msg.SenderID,
		SenderName: msg.SenderName,
		Timestamp:  msg.Timestamp,
	})
}

// EncodeError renders an error frame.
func EncodeError(reason string) ([]byte, error) {
	return json.Marshal(struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}{Type: TypeError, Error: reason})
}
