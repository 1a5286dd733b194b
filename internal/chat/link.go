package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"garagechat/internal/protocol"
)

// link owns one logical relay connection: dialing, the read loop, reconnect
// scheduling and teardown. The list and detail channels each wrap one.
type link struct {
	endpoint  string
	dialer    Dialer
	backoff   Backoff
	scheduler Scheduler
	logger    *slog.Logger

	handle func(protocol.Event)
	notify func(State)
	fail   func(error)
	events *dispatcher

	mu      sync.Mutex
	writeMu sync.Mutex
	state   State
	conn    Conn
	gen     uint64
	attempt int
	timer   Timer
	cancel  context.CancelFunc
	started bool
	closed  bool
}

type linkHooks struct {
	handle func(protocol.Event)
	notify func(State)
	fail   func(error)
}

func newLink(opts Options, endpoint string, logger *slog.Logger, hooks linkHooks) *link {
	return &link{
		endpoint:  endpoint,
		dialer:    opts.Dialer,
		backoff:   opts.Backoff,
		scheduler: opts.Scheduler,
		logger:    logger,
		handle:    hooks.handle,
		notify:    hooks.notify,
		fail:      hooks.fail,
		events:    newDispatcher(),
	}
}

func (l *link) start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.started {
		return ErrAlreadyOpen
	}
	l.started = true
	l.events.start()
	l.connectLocked()
	return nil
}

func (l *link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *link) connectLocked() {
	l.gen++
	gen := l.gen
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.setStateLocked(StateConnecting)
	go l.dial(ctx, gen)
}

func (l *link) dial(ctx context.Context, gen uint64) {
	conn, err := l.dialer.Dial(ctx, l.endpoint)

	l.mu.Lock()
	if l.closed || gen != l.gen {
		l.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	if err != nil {
		l.logger.Warn("relay dial failed", "endpoint", redact(l.endpoint), "attempt", l.attempt+1, "error", err)
		l.scheduleLocked(&ConnectionError{Op: "dial", Endpoint: redact(l.endpoint), Err: err})
		l.mu.Unlock()
		return
	}
	l.conn = conn
	l.attempt = 0
	l.setStateLocked(StateOpen)
	l.mu.Unlock()

	l.logger.Debug("relay connected", "endpoint", redact(l.endpoint))
	l.readLoop(gen, conn)
}

// readLoop delivers one frame at a time until the socket fails.
func (l *link) readLoop(gen uint64, conn Conn) {
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			l.lost(gen, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		event, err := protocol.Decode(payload)
		if err != nil {
			l.logger.Warn("dropping malformed relay event", "endpoint", redact(l.endpoint), "error", err, "bytes", len(payload))
			continue
		}
		l.post(gen, func() { l.handle(event) })
	}
}

func (l *link) lost(gen uint64, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || gen != l.gen {
		return
	}
	if l.conn != nil {
		_ = l.conn.Close()
		l.conn = nil
	}
	if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		l.logger.Info("relay closed connection", "endpoint", redact(l.endpoint))
	} else {
		l.logger.Warn("relay connection lost", "endpoint", redact(l.endpoint), "error", cause)
	}
	l.scheduleLocked(cause)
}

func (l *link) scheduleLocked(cause error) {
	l.attempt++
	delay, ok := l.backoff.Next(l.attempt)
	if !ok {
		l.setStateLocked(StateDisconnected)
		err := &ConnectionError{
			Op:       "reconnect",
			Endpoint: redact(l.endpoint),
			Err:      fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, l.attempt-1, cause),
		}
		l.postLocked(0, func() { l.fail(err) })
		return
	}
	gen := l.gen
	l.setStateLocked(StateReconnectScheduled)
	l.logger.Debug("reconnect scheduled", "endpoint", redact(l.endpoint), "delay", delay, "attempt", l.attempt)
	l.timer = l.scheduler.AfterFunc(delay, func() { l.reconnect(gen) })
}

func (l *link) reconnect(gen uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || gen != l.gen || l.state != StateReconnectScheduled {
		return
	}
	l.timer = nil
	l.connectLocked()
}

func (l *link) write(payload []byte) error {
	l.mu.Lock()
	if l.state != StateOpen || l.conn == nil {
		state := l.state
		l.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrSendRejected, state)
	}
	conn := l.conn
	l.mu.Unlock()

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("chat: write: %w", err)
	}
	return nil
}

// close is terminal: it cancels pending dials and timers, stops delivery and
// closes the socket. Safe to call more than once, including from a callback
// on this link's dispatcher, so it never waits for a running callback.
func (l *link) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.gen++
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	conn := l.conn
	l.conn = nil
	l.state = StateClosing
	l.mu.Unlock()

	l.events.stop()
	if conn != nil {
		l.writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		l.writeMu.Unlock()
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			l.logger.Debug("close frame not sent", "error", err)
		}
		_ = conn.Close()
	}

	l.mu.Lock()
	l.state = StateDisconnected
	l.mu.Unlock()
}

func (l *link) setStateLocked(state State) {
	if l.state == state {
		return
	}
	l.state = state
	l.postLocked(0, func() { l.notify(state) })
}

func (l *link) post(gen uint64, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.postLocked(gen, fn)
}

// postLocked queues fn on the dispatcher. fn is skipped if the link is closed
// by the time it runs, or, for gen != 0, if the connection that produced it
// has been replaced.
func (l *link) postLocked(gen uint64, fn func()) {
	if l.closed {
		return
	}
	l.events.post(func() {
		l.mu.Lock()
		live := !l.closed && (gen == 0 || gen == l.gen)
		l.mu.Unlock()
		if live {
			fn()
		}
	})
}
