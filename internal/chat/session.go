package chat

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"garagechat/internal/protocol"
	"garagechat/internal/room"
)

// SessionConfig identifies the signed-in participant.
type SessionConfig struct {
	Identity room.Identity
	Role     protocol.Role
	Token    string
	Options  Options
	Dedupe   DedupePolicy
}

// Session owns one identity's list channel and at most one open detail
// channel. Switching conversations always closes the previous detail channel
// before the next one dials.
//
// Session listeners are forwarded from the current channels. List and detail
// callbacks run on separate dispatchers, so a listener registered for both
// may see them interleave.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger
	list   *ListChannel

	switchMu sync.Mutex

	mu           sync.Mutex
	detail       *DetailChannel
	active       Conversation
	onSnapshot   []func([]protocol.ConversationSummary)
	onTranscript []func([]protocol.Message)
	onListState  []func(State)
	onDetail     []func(State)
	onActive     []func(Conversation, bool)
	onError      []func(error)
	started      bool
	closed       bool
}

func NewSession(cfg SessionConfig) *Session {
	cfg.Identity = cfg.Identity.Normalize()
	cfg.Options = cfg.Options.withDefaults()
	s := &Session{
		cfg:    cfg,
		logger: cfg.Options.Logger.With("identity", cfg.Identity.String()),
	}
	s.list = NewListChannel(cfg.Options, ListOptions{Role: cfg.Role, Dedupe: cfg.Dedupe})
	s.list.OnSnapshot(s.forwardSnapshot)
	s.list.OnState(s.forwardListState)
	s.list.OnError(s.forwardError)
	return s
}

func (s *Session) Identity() room.Identity { return s.cfg.Identity }

func (s *Session) Role() protocol.Role { return s.cfg.Role }

func (s *Session) OnSnapshot(fn func([]protocol.ConversationSummary)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSnapshot = append(s.onSnapshot, fn)
}

func (s *Session) OnTranscriptChange(fn func([]protocol.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTranscript = append(s.onTranscript, fn)
}

func (s *Session) OnListState(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onListState = append(s.onListState, fn)
}

func (s *Session) OnDetailState(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDetail = append(s.onDetail, fn)
}

// OnActiveChange fires when a conversation is opened (open=true) or closed.
func (s *Session) OnActiveChange(fn func(conv Conversation, open bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onActive = append(s.onActive, fn)
}

func (s *Session) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = append(s.onError, fn)
}

// Start opens the list channel.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyOpen
	}
	s.started = true
	s.mu.Unlock()

	if err := s.list.Open(s.cfg.Identity, s.cfg.Token); err != nil {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
		return err
	}
	s.logger.Info("session started", "role", string(s.cfg.Role))
	return nil
}

// PeerOf picks the other side of a summary for this session's role.
func (s *Session) PeerOf(summary protocol.ConversationSummary) protocol.Participant {
	return summary.Peer(s.cfg.Role, s.cfg.Identity)
}

// Select opens the conversation behind a list entry.
func (s *Session) Select(summary protocol.ConversationSummary) error {
	peer := s.PeerOf(summary)
	if peer.ID.IsZero() {
		return &ConnectionError{Op: "open detail", Err: ErrMissingRoom}
	}
	return s.OpenConversation(peer.ID)
}

// OpenConversation closes any open detail channel and opens one to peer.
func (s *Session) OpenConversation(peer room.Identity) error {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	conv := Conversation{Self: s.cfg.Identity, Peer: peer.Normalize()}
	if conv.Peer == "" {
		return &ConnectionError{Op: "open detail", Err: ErrMissingRoom}
	}
	if strings.TrimSpace(s.cfg.Token) == "" {
		return &ConnectionError{Op: "open detail", Err: ErrMissingToken}
	}
	if _, err := conv.RoomID(); err != nil {
		return &ConnectionError{Op: "open detail", Err: err}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prev := s.detail
	s.detail = nil
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	d := NewDetailChannel(s.cfg.Options)
	d.OnTranscriptChange(func(msgs []protocol.Message) { s.forwardTranscript(d, msgs) })
	d.OnState(func(state State) { s.forwardDetailState(d, state) })
	d.OnError(func(err error) {
		if s.isCurrent(d) {
			s.forwardError(err)
		}
	})

	// Installed before Open so the first replay is not mistaken for a stale
	// channel's event.
	s.mu.Lock()
	s.detail = d
	s.active = conv
	s.mu.Unlock()

	if err := d.Open(conv, s.cfg.Token); err != nil {
		s.mu.Lock()
		if s.detail == d {
			s.detail = nil
			s.active = Conversation{}
		}
		s.mu.Unlock()
		d.Close()
		s.notifyActive(Conversation{}, false)
		return err
	}
	s.logger.Debug("conversation opened", "peer", conv.Peer.String())
	s.notifyActive(conv, true)
	return nil
}

// CloseConversation closes the open detail channel, if any.
func (s *Session) CloseConversation() {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	d := s.detail
	s.detail = nil
	s.active = Conversation{}
	s.mu.Unlock()
	if d == nil {
		return
	}
	d.Close()
	s.notifyActive(Conversation{}, false)
}

// Active reports the open conversation.
func (s *Session) Active() (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.detail != nil
}

// Transcript returns the open conversation's transcript, or nil.
func (s *Session) Transcript() []protocol.Message {
	s.mu.Lock()
	d := s.detail
	s.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.Transcript()
}

// DetailState is DISCONNECTED when no conversation is open.
func (s *Session) DetailState() State {
	s.mu.Lock()
	d := s.detail
	s.mu.Unlock()
	if d == nil {
		return StateDisconnected
	}
	return d.State()
}

func (s *Session) ListState() State { return s.list.State() }

// Send writes to the open conversation.
func (s *Session) Send(content string) error {
	s.mu.Lock()
	d := s.detail
	s.mu.Unlock()
	if d == nil {
		return ErrSendRejected
	}
	return d.Send(content)
}

func (s *Session) Summaries() []protocol.ConversationSummary {
	return s.list.Summaries()
}

// Close tears down both channels. No session listener starts afterwards; one
// already running may finish.
func (s *Session) Close() {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	d := s.detail
	s.detail = nil
	s.active = Conversation{}
	s.onSnapshot, s.onTranscript, s.onListState = nil, nil, nil
	s.onDetail, s.onActive, s.onError = nil, nil, nil
	s.mu.Unlock()

	if d != nil {
		d.Close()
	}
	s.list.Close()
	s.logger.Info("session closed")
}

func (s *Session) isCurrent(d *DetailChannel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detail == d
}

func (s *Session) forwardSnapshot(list []protocol.ConversationSummary) {
	s.mu.Lock()
	listeners := slices.Clone(s.onSnapshot)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(list)
	}
}

func (s *Session) forwardListState(state State) {
	s.mu.Lock()
	listeners := slices.Clone(s.onListState)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}

func (s *Session) forwardTranscript(d *DetailChannel, msgs []protocol.Message) {
	s.mu.Lock()
	if s.detail != d {
		s.mu.Unlock()
		return
	}
	listeners := slices.Clone(s.onTranscript)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(msgs)
	}
}

func (s *Session) forwardDetailState(d *DetailChannel, state State) {
	s.mu.Lock()
	if s.detail != d {
		s.mu.Unlock()
		return
	}
	listeners := slices.Clone(s.onDetail)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}

func (s *Session) forwardError(err error) {
	s.mu.Lock()
	listeners := slices.Clone(s.onError)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(err)
	}
}

func (s *Session) notifyActive(conv Conversation, open bool) {
	s.mu.Lock()
	listeners := slices.Clone(s.onActive)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(conv, open)
	}
}
