package tui

import (
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"garagechat/internal/chat"
	"garagechat/internal/protocol"
)

// Session events reach the program as these messages.
type (
	snapshotMsg    []protocol.ConversationSummary
	transcriptMsg  []protocol.Message
	listStateMsg   chat.State
	detailStateMsg chat.State
	activeMsg      struct {
		conv chat.Conversation
		open bool
	}
	errorMsg struct{ err error }
)

// Attach forwards session events into send, normally (*tea.Program).Send.
func Attach(session *chat.Session, send func(tea.Msg)) {
	session.OnSnapshot(func(list []protocol.ConversationSummary) { send(snapshotMsg(list)) })
	session.OnTranscriptChange(func(msgs []protocol.Message) { send(transcriptMsg(msgs)) })
	session.OnListState(func(state chat.State) { send(listStateMsg(state)) })
	session.OnDetailState(func(state chat.State) { send(detailStateMsg(state)) })
	session.OnActiveChange(func(conv chat.Conversation, open bool) { send(activeMsg{conv: conv, open: open}) })
	session.OnError(func(err error) { send(errorMsg{err: err}) })
}

func (model *Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := message.(type) {
	case tea.WindowSizeMsg:
		model.width, model.height = typed.Width, typed.Height
		model.viewport.Width = max(typed.Width-6, 20)
		model.viewport.Height = max(typed.Height-12, 5)
		model.refreshTranscript()
		return model, nil

	case tea.KeyMsg:
		if typed.Type == tea.KeyCtrlC {
			return model, tea.Quit
		}
		if model.inChat {
			return model.updateChat(typed)
		}
		return model.updateList(typed)

	case snapshotMsg:
		model.summaries = typed
		if model.cursor >= len(model.summaries) {
			model.cursor = max(len(model.summaries)-1, 0)
		}
		return model, nil

	case transcriptMsg:
		model.transcript = typed
		model.refreshTranscript()
		return model, nil

	case listStateMsg:
		model.listState = chat.State(typed)
		return model, nil

	case detailStateMsg:
		model.detailState = chat.State(typed)
		return model, nil

	case activeMsg:
		if typed.open {
			// Only the selection still pending is entered. One the user
			// cancelled or replaced has its close queued behind it.
			if model.pendingPeer.IsZero() || typed.conv.Peer != model.pendingPeer {
				return model, nil
			}
			model.pendingPeer = ""
			model.inChat = true
			model.active = typed.conv
			model.input.SetValue("")
			return model, model.input.Focus()
		}
		if model.inChat {
			model.leaveChat()
		}
		return model, nil

	case errorMsg:
		model.addNotice(typed.err.Error())
		return model, nil
	}
	return model, nil
}

func (model *Model) updateList(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "q", "Q":
		return model, tea.Quit
	case "up", "k":
		if model.cursor > 0 {
			model.cursor--
		}
	case "down", "j":
		if model.cursor < len(model.summaries)-1 {
			model.cursor++
		}
	case "enter":
		summary, ok := model.selected()
		if !ok {
			return model, nil
		}
		peer := model.session.PeerOf(summary)
		model.peerName = displayName(peer)
		model.pendingPeer = peer.ID.Normalize()
		model.transcript = nil
		model.detailState = chat.StateDisconnected
		model.refreshTranscript()
		return model, model.selectCmd(summary)
	case "esc":
		if model.pendingPeer.IsZero() {
			return model, nil
		}
		model.pendingPeer = ""
		return model, model.closeConversationCmd()
	}
	return model, nil
}

func (model *Model) updateChat(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEsc:
		model.leaveChat()
		return model, model.closeConversationCmd()
	case tea.KeyPgUp, tea.KeyPgDown:
		var cmd tea.Cmd
		model.viewport, cmd = model.viewport.Update(key)
		return model, cmd
	case tea.KeyEnter:
		content := strings.TrimSpace(model.input.Value())
		if content == "" {
			return model, nil
		}
		if !model.canSend() {
			model.addNotice("Still connecting. Your message was not sent.")
			return model, nil
		}
		model.input.SetValue("")
		return model, model.sendCmd(content)
	}
	var cmd tea.Cmd
	model.input, cmd = model.input.Update(key)
	return model, cmd
}

func (model *Model) leaveChat() {
	model.inChat = false
	model.pendingPeer = ""
	model.active = chat.Conversation{}
	model.transcript = nil
	model.detailState = chat.StateDisconnected
	model.input.Blur()
	model.refreshTranscript()
}

func (model *Model) refreshTranscript() {
	model.viewport.SetContent(model.renderTranscript())
	model.viewport.GotoBottom()
}

// Session calls run as commands: their listeners feed back through
// Program.Send, which must not be called from inside Update. Commands run on
// their own goroutines, so each takes a ticket in Update and the calls
// execute in key press order.
func (model *Model) selectCmd(summary protocol.ConversationSummary) tea.Cmd {
	ticket := model.calls.take()
	return func() tea.Msg {
		var err error
		model.calls.run(ticket, func() { err = model.session.Select(summary) })
		if err != nil {
			return errorMsg{err: err}
		}
		return nil
	}
}

func (model *Model) closeConversationCmd() tea.Cmd {
	ticket := model.calls.take()
	return func() tea.Msg {
		model.calls.run(ticket, model.session.CloseConversation)
		return nil
	}
}

func (model *Model) sendCmd(content string) tea.Cmd {
	ticket := model.calls.take()
	return func() tea.Msg {
		var err error
		model.calls.run(ticket, func() { err = model.session.Send(content) })
		if err != nil {
			return errorMsg{err: err}
		}
		return nil
	}
}

// callQueue runs ticketed calls strictly in ticket order.
type callQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	issued  uint64
	serving uint64
}

func newCallQueue() *callQueue {
	q := &callQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *callQueue) take() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	ticket := q.issued
	q.issued++
	return ticket
}

func (q *callQueue) run(ticket uint64, fn func()) {
	q.mu.Lock()
	for q.serving != ticket {
		q.cond.Wait()
	}
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.serving++
		q.cond.Broadcast()
		q.mu.Unlock()
	}()
	fn()
}
