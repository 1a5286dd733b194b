package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"garagechat/internal/chat"
	"garagechat/internal/protocol"
)

var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	listBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	hintStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(0, 2).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109"))
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	disconnectedStyle  = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(0, 1).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	selfStyle          = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	selectedStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	itemStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	previewStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	unreadStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("16")).Background(lipgloss.Color("213")).Bold(true).Padding(0, 1)
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

func (model *Model) View() string {
	if model.inChat {
		return model.renderChatView()
	}
	return model.renderListView()
}

func (model *Model) renderListView() string {
	title := appTitleStyle.Render("GarageChat")
	subtitle := subtitleStyle.Render(fmt.Sprintf("Signed in as %s (%s)", model.session.Identity(), model.session.Role()))
	sections := []string{lipgloss.JoinVertical(lipgloss.Left, title, subtitle), renderState("Conversations", model.listState)}

	var lines []string
	if len(model.summaries) == 0 {
		lines = append(lines, hintStyle.Render("No conversations yet."))
	}
	for idx, summary := range model.summaries {
		lines = append(lines, model.renderSummary(summary, idx == model.cursor))
	}
	sections = append(sections, listBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))

	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	sections = append(sections, hintStyle.Render("↑/↓ select • Enter open • q quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *Model) renderSummary(summary protocol.ConversationSummary, selected bool) string {
	name := displayName(model.session.PeerOf(summary))
	preview := "no messages yet"
	if summary.LastMessage != nil {
		preview = truncate(strings.ReplaceAll(*summary.LastMessage, "\n", " "), 40)
	}

	prefix, style := "  ", itemStyle
	if selected {
		prefix, style = "➤ ", selectedStyle
	}
	line := style.Render(prefix+name) + "  " + previewStyle.Render(preview)
	if summary.UnreadCount > 0 {
		line += " " + unreadStyle.Render(fmt.Sprintf("%d", summary.UnreadCount))
	}
	return line
}

func (model *Model) renderChatView() string {
	segments := []string{"GarageChat", fmt.Sprintf("Chat with %s", model.peerName)}
	if id, err := model.active.RoomID(); err == nil {
		segments = append(segments, "Room "+id.String())
	}
	segments = append(segments, "Relay "+model.server)
	header := chatHeaderStyle.Render(strings.Join(segments, dividerStyle))

	sections := []string{header, renderState("Conversation", model.detailState)}
	sections = append(sections, messageBoxStyle.Render(model.viewport.View()))
	if notices := model.renderNotices(); notices != "" {
		sections = append(sections, notices)
	}
	if model.canSend() {
		sections = append(sections, inputBoxStyle.Render(model.input.View()))
	} else {
		sections = append(sections, inputBoxStyle.Render(connectingStyle.Render("connecting…")))
	}
	sections = append(sections, hintStyle.Render("Enter send • PgUp/PgDn scroll • Esc back to list • Ctrl+C quit"))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model *Model) renderTranscript() string {
	if len(model.transcript) == 0 {
		return systemMessageStyle.Render("No messages yet. Say hi and start the conversation.")
	}
	lines := make([]string, 0, len(model.transcript))
	for _, msg := range model.transcript {
		lines = append(lines, model.renderMessage(msg))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// renderMessage stamps the time, colors the sender and indents continuation
// lines.
func (model *Model) renderMessage(msg protocol.Message) string {
	stamp := "--:--"
	if t, ok := protocol.ParseTime(msg.Timestamp); ok {
		stamp = t.Local().Format("15:04")
	}
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", stamp))

	name := msg.SenderName
	if name == "" {
		name = msg.SenderID.String()
	}
	nameStyle := usernameStyle.Copy().Foreground(colorForUser(name))
	if msg.SenderID == model.session.Identity() {
		name, nameStyle = "you", selfStyle
	}
	body := messageBodyStyle.Render(strings.ReplaceAll(msg.Content, "\n", "\n   "))
	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", nameStyle.Render(name), ": ", body)
}

func (model *Model) renderNotices() string {
	if len(model.notices) == 0 {
		return ""
	}
	lines := make([]string, 0, len(model.notices))
	for _, notice := range model.notices {
		lines = append(lines, systemMessageStyle.Render(notice))
	}
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderState(label string, state chat.State) string {
	switch state {
	case chat.StateOpen:
		return connectedStyle.Render(label + ": connected")
	case chat.StateConnecting:
		return connectingStyle.Render(label + ": connecting…")
	case chat.StateReconnectScheduled:
		return connectingStyle.Render(label + ": connection lost, retrying…")
	default:
		return disconnectedStyle.Render(label + ": disconnected")
	}
}

func displayName(p protocol.Participant) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID.String()
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-1]) + "…"
}

func colorForUser(name string) lipgloss.Color {
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}
