package chat

import (
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"

	"garagechat/internal/protocol"
	"garagechat/internal/room"
)

// Conversation names the two sides of a detail channel.
type Conversation struct {
	Self room.Identity
	Peer room.Identity
}

// RoomID derives the relay topic for the conversation.
func (c Conversation) RoomID() (room.RoomID, error) {
	return room.Derive(c.Self, c.Peer)
}

// DetailChannel keeps the live, ordered transcript of one open conversation.
type DetailChannel struct {
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	target     Conversation
	roomID     room.RoomID
	link       *link
	transcript []protocol.Message
	onChange   []func([]protocol.Message)
	onState    []func(State)
	onError    []func(error)
	closed     bool
}

func NewDetailChannel(opts Options) *DetailChannel {
	opts = opts.withDefaults()
	return &DetailChannel{
		opts:   opts,
		logger: opts.Logger.With("channel", "detail"),
	}
}

// OnTranscriptChange registers fn to receive the full sorted transcript after
// every replay or append. Register before Open to observe the first replay.
func (d *DetailChannel) OnTranscriptChange(fn func([]protocol.Message)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.onChange = append(d.onChange, fn)
	}
}

func (d *DetailChannel) OnState(fn func(State)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.onState = append(d.onState, fn)
	}
}

// OnError receives connection failures that exhausted the reconnect policy
// and relay notices. Transient failures only show up as state changes.
func (d *DetailChannel) OnError(fn func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed {
		d.onError = append(d.onError, fn)
	}
}

// Open starts connecting to the conversation's room. It fails fast, without
// dialing, when the identities or token are missing.
func (d *DetailChannel) Open(conv Conversation, token string) error {
	conv = Conversation{Self: conv.Self.Normalize(), Peer: conv.Peer.Normalize()}
	switch {
	case conv.Self == "":
		return &ConnectionError{Op: "open detail", Err: ErrMissingIdentity}
	case conv.Peer == "":
		return &ConnectionError{Op: "open detail", Err: ErrMissingRoom}
	case strings.TrimSpace(token) == "":
		return &ConnectionError{Op: "open detail", Err: ErrMissingToken}
	}
	roomID, err := conv.RoomID()
	if err != nil {
		return &ConnectionError{Op: "open detail", Err: err}
	}
	endpoint, err := d.opts.detailEndpoint(roomID, token)
	if err != nil {
		return &ConnectionError{Op: "open detail", Err: err}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.link != nil {
		d.mu.Unlock()
		return ErrAlreadyOpen
	}
	d.target = conv
	d.roomID = roomID
	d.logger = d.logger.With("room", roomID.String())
	d.link = newLink(d.opts, endpoint, d.logger, linkHooks{
		handle: d.handle,
		notify: d.notifyState,
		fail:   d.notifyError,
	})
	l := d.link
	d.mu.Unlock()

	return l.start()
}

// RoomID returns the room this channel was opened for.
func (d *DetailChannel) RoomID() room.RoomID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.roomID
}

// Peer returns the other participant.
func (d *DetailChannel) Peer() room.Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.target.Peer
}

func (d *DetailChannel) State() State {
	d.mu.Lock()
	l := d.link
	d.mu.Unlock()
	if l == nil {
		return StateDisconnected
	}
	return l.State()
}

// Transcript returns a copy of the current ordered transcript.
func (d *DetailChannel) Transcript() []protocol.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Message(nil), d.transcript...)
}

// Send transmits content to the peer. Nothing is queued: when the channel is
// not OPEN the call returns ErrSendRejected and no frame is written. The
// message only appears in the transcript once the relay broadcasts it back.
func (d *DetailChannel) Send(content string) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return ErrEmptyContent
	}
	d.mu.Lock()
	l, peer, closed := d.link, d.target.Peer, d.closed
	d.mu.Unlock()
	if closed || l == nil {
		return ErrSendRejected
	}
	payload, err := protocol.EncodeSend(trimmed, peer)
	if err != nil {
		return err
	}
	return l.write(payload)
}

// Close detaches every listener, then tears down the connection. It is
// terminal and idempotent. No callback starts after Close returns; a callback
// already running is not waited for, so Close may be called from a listener.
func (d *DetailChannel) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.onChange, d.onState, d.onError = nil, nil, nil
	l := d.link
	d.mu.Unlock()
	if l != nil {
		l.close()
	}
}

func (d *DetailChannel) handle(event protocol.Event) {
	switch ev := event.(type) {
	case protocol.HistoryReplay:
		d.replace(ev.Messages)
	case protocol.LiveMessage:
		d.append(ev.Message)
	case protocol.ErrorEvent:
		d.logger.Warn("relay notice", "reason", ev.Reason)
		d.notifyError(relayNotice(ev.Reason))
	case protocol.Snapshot:
		d.logger.Debug("ignoring list snapshot on detail channel")
	default:
		d.logger.Warn("unhandled relay event", "event", event)
	}
}

func (d *DetailChannel) replace(messages []protocol.Message) {
	ordered := SortTranscript(messages)
	d.mu.Lock()
	d.transcript = ordered
	d.mu.Unlock()
	d.publish()
}

func (d *DetailChannel) append(msg protocol.Message) {
	if msg.SenderID.IsZero() {
		d.logger.Warn("dropping live message without sender", "message_id", msg.ID)
		return
	}
	d.mu.Lock()
	if msg.ID != "" {
		for _, existing := range d.transcript {
			if existing.ID == msg.ID {
				d.mu.Unlock()
				return
			}
		}
	}
	d.transcript = SortTranscript(append(d.transcript, msg))
	d.mu.Unlock()
	d.publish()
}

func (d *DetailChannel) publish() {
	d.mu.Lock()
	listeners := slices.Clone(d.onChange)
	snapshot := d.transcript
	d.mu.Unlock()
	for _, fn := range listeners {
		fn(append([]protocol.Message(nil), snapshot...))
	}
}

func (d *DetailChannel) notifyState(state State) {
	d.mu.Lock()
	listeners := slices.Clone(d.onState)
	d.mu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}

func (d *DetailChannel) notifyError(err error) {
	d.mu.Lock()
	listeners := slices.Clone(d.onError)
	d.mu.Unlock()
	for _, fn := range listeners {
		fn(err)
	}
}

// SortTranscript returns a copy of messages ordered ascending by timestamp.
// Equal timestamps keep arrival order. Timestamps that do not parse sort
// after all parseable ones, lexically among themselves.
func SortTranscript(messages []protocol.Message) []protocol.Message {
	out := append([]protocol.Message(nil), messages...)
	sort.SliceStable(out, func(i, j int) bool {
		return timestampLess(out[i].Timestamp, out[j].Timestamp)
	})
	return out
}

func timestampLess(a, b string) bool {
	ta, okA := protocol.ParseTime(a)
	tb, okB := protocol.ParseTime(b)
	switch {
	case okA && okB:
		return ta.Before(tb)
	case okA != okB:
		return okA
	}
	return a < b
}
