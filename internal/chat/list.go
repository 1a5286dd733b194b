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

// DedupePolicy controls collapsing of summaries that share a peer.
type DedupePolicy int

const (
	// DedupeAuto dedupes for the workshop role only.
	DedupeAuto DedupePolicy = iota
	DedupeOff
	DedupeByPeer
)

// ListOptions tune how snapshots are presented.
type ListOptions struct {
	Role   protocol.Role
	Dedupe DedupePolicy
}

func (o ListOptions) dedupe() bool {
	switch o.Dedupe {
	case DedupeOff:
		return false
	case DedupeByPeer:
		return true
	}
	return o.Role == protocol.RoleWorkshop
}

// ListChannel mirrors the relay's list of conversations for one identity.
type ListChannel struct {
	opts     Options
	listOpts ListOptions
	logger   *slog.Logger

	mu         sync.Mutex
	identity   room.Identity
	link       *link
	summaries  []protocol.ConversationSummary
	onSnapshot []func([]protocol.ConversationSummary)
	onState    []func(State)
	onError    []func(error)
	closed     bool
}

func NewListChannel(opts Options, listOpts ListOptions) *ListChannel {
	opts = opts.withDefaults()
	return &ListChannel{
		opts:     opts,
		listOpts: listOpts,
		logger:   opts.Logger.With("channel", "list"),
	}
}

// OnSnapshot registers fn to receive the ordered list after every snapshot.
func (c *ListChannel) OnSnapshot(fn func([]protocol.ConversationSummary)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.onSnapshot = append(c.onSnapshot, fn)
	}
}

func (c *ListChannel) OnState(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.onState = append(c.onState, fn)
	}
}

func (c *ListChannel) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.onError = append(c.onError, fn)
	}
}

// Open subscribes to the conversation list of identity.
func (c *ListChannel) Open(identity room.Identity, token string) error {
	identity = identity.Normalize()
	if identity == "" {
		return &ConnectionError{Op: "open list", Err: ErrMissingIdentity}
	}
	if strings.TrimSpace(token) == "" {
		return &ConnectionError{Op: "open list", Err: ErrMissingToken}
	}
	endpoint, err := c.opts.listEndpoint(identity, token)
	if err != nil {
		return &ConnectionError{Op: "open list", Err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.link != nil {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.identity = identity
	c.logger = c.logger.With("identity", identity.String())
	c.link = newLink(c.opts, endpoint, c.logger, linkHooks{
		handle: c.handle,
		notify: c.notifyState,
		fail:   c.notifyError,
	})
	l := c.link
	c.mu.Unlock()

	return l.start()
}

func (c *ListChannel) State() State {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return StateDisconnected
	}
	return l.State()
}

// Summaries returns a copy of the most recent ordered list.
func (c *ListChannel) Summaries() []protocol.ConversationSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.ConversationSummary(nil), c.summaries...)
}

// Close detaches listeners and tears down the subscription. Idempotent. Like
// DetailChannel.Close it does not wait for a callback already running.
func (c *ListChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.onSnapshot, c.onState, c.onError = nil, nil, nil
	l := c.link
	c.mu.Unlock()
	if l != nil {
		l.close()
	}
}

func (c *ListChannel) handle(event protocol.Event) {
	switch ev := event.(type) {
	case protocol.Snapshot:
		c.apply(ev.Conversations)
	case protocol.ErrorEvent:
		c.logger.Warn("relay notice", "reason", ev.Reason)
		c.notifyError(relayNotice(ev.Reason))
	default:
		c.logger.Debug("ignoring non-list event", "event", event)
	}
}

func (c *ListChannel) apply(conversations []protocol.ConversationSummary) {
	ordered := OrderSummaries(conversations)
	c.mu.Lock()
	if c.listOpts.dedupe() {
		ordered = DedupeSummaries(ordered, c.listOpts.Role, c.identity)
	}
	c.summaries = ordered
	listeners := slices.Clone(c.onSnapshot)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(append([]protocol.ConversationSummary(nil), ordered...))
	}
}

func (c *ListChannel) notifyState(state State) {
	c.mu.Lock()
	listeners := slices.Clone(c.onState)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
}

func (c *ListChannel) notifyError(err error) {
	c.mu.Lock()
	listeners := slices.Clone(c.onError)
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(err)
	}
}

// OrderSummaries returns a copy sorted by last activity, newest first.
// Conversations without a last message go last; ties keep relay order.
func OrderSummaries(list []protocol.ConversationSummary) []protocol.ConversationSummary {
	out := append([]protocol.ConversationSummary(nil), list...)
	sort.SliceStable(out, func(i, j int) bool {
		ti, okI := out[i].LastActivity()
		tj, okJ := out[j].LastActivity()
		switch {
		case okI && okJ:
			return ti.After(tj)
		case okI:
			return true
		}
		return false
	})
	return out
}

// DedupeSummaries keeps the first summary per peer identity. Apply it after
// OrderSummaries so the most recent conversation with a peer wins. Summaries
// without a peer id are never merged.
func DedupeSummaries(list []protocol.ConversationSummary, role protocol.Role, self room.Identity) []protocol.ConversationSummary {
	seen := make(map[room.Identity]struct{}, len(list))
	out := make([]protocol.ConversationSummary, 0, len(list))
	for _, s := range list {
		peer := s.Peer(role, self).ID.Normalize()
		if peer.IsZero() {
			out = append(out, s)
			continue
		}
		if _, dup := seen[peer]; dup {
			continue
		}
		seen[peer] = struct{}{}
		out = append(out, s)
	}
	return out
}
