package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const testBaseURL = "ws://relay.test"

var errConnClosed = errors.New("fake conn closed")

type frame struct {
	data []byte
	err  error
}

// fakeConn is a scripted socket. Frames pushed with push are returned by
// ReadMessage in order; drop simulates the relay going away.
type fakeConn struct {
	inbound chan frame
	done    chan struct{}
	// sticky keeps serving reads after Close, like a socket whose buffered
	// frames are still being drained.
	sticky bool

	mu     sync.Mutex
	writes [][]byte
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan frame, 32), done: make(chan struct{})}
}

func (c *fakeConn) push(payload string) { c.inbound <- frame{data: []byte(payload)} }

func (c *fakeConn) drop() {
	c.inbound <- frame{err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure}}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	if c.sticky {
		f := <-c.inbound
		return websocket.TextMessage, f.data, f.err
	}
	select {
	case f := <-c.inbound:
		if f.err != nil {
			return 0, nil, f.err
		}
		return websocket.TextMessage, f.data, nil
	case <-c.done:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	if messageType != websocket.TextMessage {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.writes))
	for _, w := range c.writes {
		out = append(out, string(w))
	}
	return out
}

type dialResult struct {
	conn Conn
	err  error
}

type dialRequest struct {
	endpoint string
	reply    chan dialResult
}

func (r *dialRequest) accept() *fakeConn {
	conn := newFakeConn()
	r.reply <- dialResult{conn: conn}
	return conn
}

func (r *dialRequest) acceptWith(conn *fakeConn) {
	r.reply <- dialResult{conn: conn}
}

func (r *dialRequest) fail(err error) {
	r.reply <- dialResult{err: err}
}

// fakeDialer hands every dial to the test, which accepts or fails it.
type fakeDialer struct {
	requests chan *dialRequest
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{requests: make(chan *dialRequest, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	req := &dialRequest{endpoint: endpoint, reply: make(chan dialResult, 1)}
	d.requests <- req
	select {
	case res := <-req.reply:
		return res.conn, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *fakeDialer) next(t *testing.T) *dialRequest {
	t.Helper()
	select {
	case req := <-d.requests:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("expected a dial")
		return nil
	}
}

func (d *fakeDialer) expectNone(t *testing.T) {
	t.Helper()
	select {
	case req := <-d.requests:
		t.Fatalf("unexpected dial to %s", req.endpoint)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeTimer struct {
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

// fakeScheduler never fires on its own; tests call fire.
type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &fakeTimer{delay: d, fn: f}
	s.timers = append(s.timers, timer)
	return timer
}

func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, timer := range s.timers {
		timer.mu.Lock()
		if !timer.stopped {
			out = append(out, timer)
		}
		timer.mu.Unlock()
	}
	return out
}

// fire runs the most recent pending timer.
func (s *fakeScheduler) fire(t *testing.T) time.Duration {
	t.Helper()
	pending := s.pending()
	require.NotEmpty(t, pending, "no reconnect scheduled")
	timer := pending[len(pending)-1]
	timer.Stop()
	timer.fn()
	return timer.delay
}

type stateLog struct {
	mu     sync.Mutex
	states []State
}

func (l *stateLog) record(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) last() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		return StateDisconnected
	}
	return l.states[len(l.states)-1]
}

func (l *stateLog) all() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func testOptions(dialer *fakeDialer, sched *fakeScheduler) Options {
	return Options{
		BaseURL:   testBaseURL,
		Dialer:    dialer,
		Scheduler: sched,
	}
}

func waitState(t *testing.T, get func() State, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return get() == want }, 2*time.Second, 5*time.Millisecond,
		"state never reached %s", want)
}
