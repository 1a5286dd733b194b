// Package tui is the terminal front end over a chat session.
package tui

import (
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"garagechat/internal/chat"
	"garagechat/internal/protocol"
	"garagechat/internal/room"
)

// Session is the part of *chat.Session the UI drives.
type Session interface {
	Identity() room.Identity
	Role() protocol.Role
	PeerOf(summary protocol.ConversationSummary) protocol.Participant
	Select(summary protocol.ConversationSummary) error
	CloseConversation()
	Send(content string) error
}

const maxNotices = 5

// Model is the Bubble Tea model: a conversation list and, once one is
// selected, the chat view for it.
type Model struct {
	session Session
	server  string

	summaries []protocol.ConversationSummary
	cursor    int
	listState chat.State

	inChat      bool
	pendingPeer room.Identity
	active      chat.Conversation
	peerName    string
	transcript  []protocol.Message
	detailState chat.State

	calls    *callQueue
	notices  []string
	input    textinput.Model
	viewport viewport.Model
	width    int
	height   int
}

func NewModel(session Session, server string) *Model {
	input := textinput.New()
	input.Placeholder = "Type a message…"
	input.CharLimit = 2000
	input.Prompt = "> "

	return &Model{
		session:  session,
		server:   server,
		calls:    newCallQueue(),
		input:    input,
		viewport: viewport.New(80, 16),
	}
}

func (model *Model) Init() tea.Cmd {
	return nil
}

func (model *Model) addNotice(text string) {
	model.notices = append(model.notices, text)
	if len(model.notices) > maxNotices {
		model.notices = model.notices[len(model.notices)-maxNotices:]
	}
}

func (model *Model) selected() (protocol.ConversationSummary, bool) {
	if model.cursor < 0 || model.cursor >= len(model.summaries) {
		return protocol.ConversationSummary{}, false
	}
	return model.summaries[model.cursor], true
}

// canSend is false until the open conversation's socket is up.
func (model *Model) canSend() bool {
	return model.inChat && model.detailState == chat.StateOpen
}
