package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"garagechat/internal/protocol"
	"garagechat/internal/room"
)

type snapshotLog struct {
	mu      sync.Mutex
	calls   int
	current []protocol.ConversationSummary
}

func (l *snapshotLog) record(list []protocol.ConversationSummary) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	l.current = list
}

func (l *snapshotLog) snapshot() (int, []protocol.ConversationSummary) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls, l.current
}

func strPtr(s string) *string { return &s }

func summary(userID, workshopID, last, ts string) protocol.ConversationSummary {
	s := protocol.ConversationSummary{
		User:     protocol.Participant{ID: room.Identity(userID)},
		Workshop: protocol.Participant{ID: room.Identity(workshopID)},
	}
	if ts != "" {
		s.LastMessage = strPtr(last)
		s.LastMessageTimestamp = strPtr(ts)
	}
	return s
}

func peers(list []protocol.ConversationSummary, role protocol.Role) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		out = append(out, s.Peer(role, "").ID.String())
	}
	return out
}

func TestListChannel_OrdersSnapshotsByRecency(t *testing.T) {
	dialer := newFakeDialer()
	c := NewListChannel(testOptions(dialer, &fakeScheduler{}), ListOptions{Role: protocol.RoleUser})
	t.Cleanup(c.Close)
	snapshots := &snapshotLog{}
	c.OnSnapshot(snapshots.record)
	require.NoError(t, c.Open("5", "tok"))

	req := dialer.next(t)
	assert.Equal(t, testBaseURL+"/ws/rooms?identity=5&token=tok", req.endpoint)
	conn := req.accept()

	conn.push(`{"type":"chat_rooms","chat_rooms":[
		{"user":{"id":5},"workshop":{"id":20,"name":"Brake Bros"},"last_message":null,"last_message_timestamp":null,"unread_count":0},
		{"user":{"id":5},"workshop":{"id":21,"name":"Tyre Town"},"last_message":"ok","last_message_timestamp":"2024-03-01T09:00:00.000Z","unread_count":0},
		{"user":{"id":5},"workshop":{"id":22,"name":"Oil Spot"},"last_message":"done","last_message_timestamp":"2024-03-01T12:00:00.000Z","unread_count":2}
	]}`)

	require.Eventually(t, func() bool {
		calls, _ := snapshots.snapshot()
		return calls == 1
	}, time.Second, 5*time.Millisecond)
	_, list := snapshots.snapshot()
	assert.Equal(t, []string{"22", "21", "20"}, peers(list, protocol.RoleUser))
	assert.Equal(t, 2, list[0].UnreadCount)
	assert.Equal(t, list, c.Summaries())
}

func TestListChannel_SnapshotsAreIdempotent(t *testing.T) {
	dialer := newFakeDialer()
	c := NewListChannel(testOptions(dialer, &fakeScheduler{}), ListOptions{Role: protocol.RoleUser})
	t.Cleanup(c.Close)
	snapshots := &snapshotLog{}
	c.OnSnapshot(snapshots.record)
	require.NoError(t, c.Open("5", "tok"))
	conn := dialer.next(t).accept()

	frame := `{"type":"chat_rooms","chat_rooms":[
		{"user":{"id":5},"workshop":{"id":20},"last_message":"a","last_message_timestamp":"2024-03-01T09:00:00.000Z","unread_count":1},
		{"user":{"id":5},"workshop":{"id":21},"last_message":"b","last_message_timestamp":"2024-03-01T10:00:00.000Z","unread_count":0}
	]}`
	conn.push(frame)
	require.Eventually(t, func() bool {
		calls, _ := snapshots.snapshot()
		return calls == 1
	}, time.Second, 5*time.Millisecond)
	first := c.Summaries()

	conn.push(frame)
	require.Eventually(t, func() bool {
		calls, _ := snapshots.snapshot()
		return calls == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, first, c.Summaries())

	conn.push(`{"type":"chat_rooms","chat_rooms":[]}`)
	require.Eventually(t, func() bool { return len(c.Summaries()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestListChannel_WorkshopDedupesByPeer(t *testing.T) {
	dialer := newFakeDialer()
	c := NewListChannel(testOptions(dialer, &fakeScheduler{}), ListOptions{Role: protocol.RoleWorkshop})
	t.Cleanup(c.Close)
	snapshots := &snapshotLog{}
	c.OnSnapshot(snapshots.record)
	require.NoError(t, c.Open("20", "tok"))
	conn := dialer.next(t).accept()

	conn.push(`{"type":"chat_rooms","chat_rooms":[
		{"room_id":"5_20","user":{"id":5},"workshop":{"id":20},"last_message":"old","last_message_timestamp":"2024-03-01T09:00:00.000Z","unread_count":0},
		{"room_id":"7_20","user":{"id":7},"workshop":{"id":20},"last_message":"hi","last_message_timestamp":"2024-03-01T10:00:00.000Z","unread_count":0},
		{"room_id":"5_20b","user":{"id":5},"workshop":{"id":20},"last_message":"new","last_message_timestamp":"2024-03-01T11:00:00.000Z","unread_count":1}
	]}`)

	require.Eventually(t, func() bool {
		calls, _ := snapshots.snapshot()
		return calls == 1
	}, time.Second, 5*time.Millisecond)
	_, list := snapshots.snapshot()
	require.Len(t, list, 2)
	assert.Equal(t, []string{"5", "7"}, peers(list, protocol.RoleWorkshop))
	assert.Equal(t, "new", *list[0].LastMessage)
}

func TestListChannel_ReconnectsAfterUnexpectedClose(t *testing.T) {
	dialer := newFakeDialer()
	sched := &fakeScheduler{}
	c := NewListChannel(testOptions(dialer, sched), ListOptions{})
	t.Cleanup(c.Close)
	states := &stateLog{}
	c.OnState(states.record)
	require.NoError(t, c.Open("5", "tok"))

	dialer.next(t).accept().drop()
	waitState(t, states.last, StateReconnectScheduled)
	sched.fire(t)
	second := dialer.next(t)
	assert.Contains(t, second.endpoint, "identity=5")
	second.accept()
	waitState(t, states.last, StateOpen)
}

func TestListChannel_OpenValidation(t *testing.T) {
	dialer := newFakeDialer()
	c := NewListChannel(testOptions(dialer, &fakeScheduler{}), ListOptions{})

	var connErr *ConnectionError
	err := c.Open("", "tok")
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, ErrMissingIdentity)

	err = c.Open("5", "")
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, ErrMissingToken)

	dialer.expectNone(t)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestListChannel_OpenTwice(t *testing.T) {
	dialer := newFakeDialer()
	c := NewListChannel(testOptions(dialer, &fakeScheduler{}), ListOptions{})
	require.NoError(t, c.Open("5", "tok"))
	assert.ErrorIs(t, c.Open("5", "tok"), ErrAlreadyOpen)
	dialer.next(t)

	c.Close()
	assert.ErrorIs(t, c.Open("5", "tok"), ErrClosed)
}

func TestListChannel_RejectsNonWebsocketBase(t *testing.T) {
	opts := testOptions(newFakeDialer(), &fakeScheduler{})
	opts.BaseURL = "http://relay.test"
	err := NewListChannel(opts, ListOptions{}).Open("5", "tok")
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Contains(t, err.Error(), "invalid scheme")
}

func TestOrderSummaries(t *testing.T) {
	list := []protocol.ConversationSummary{
		summary("5", "a", "", ""),
		summary("5", "b", "x", "2024-03-01T09:00:00.000Z"),
		summary("5", "c", "", ""),
		summary("5", "d", "y", "2024-03-02T09:00:00.000Z"),
		summary("5", "e", "z", "2024-03-01T09:00:00.000Z"),
	}
	got := OrderSummaries(list)
	assert.Equal(t, []string{"d", "b", "e", "a", "c"}, peers(got, protocol.RoleUser))
	assert.Equal(t, "a", list[0].Workshop.ID.String(), "input untouched")
}

func TestDedupeSummaries(t *testing.T) {
	list := OrderSummaries([]protocol.ConversationSummary{
		summary("5", "20", "old", "2024-03-01T09:00:00.000Z"),
		summary("5", "20", "new", "2024-03-01T10:00:00.000Z"),
		summary("6", "20", "", ""),
	})

	got := DedupeSummaries(list, protocol.RoleWorkshop, "20")
	require.Len(t, got, 2)
	assert.Equal(t, "new", *got[0].LastMessage)
	assert.Equal(t, "6", got[1].User.ID.String())

	t.Run("without role falls back to the non-self side", func(t *testing.T) {
		got := DedupeSummaries(list, "", "20")
		assert.Len(t, got, 2)
	})
}

func TestDedupeSummaries_KeepsSummariesWithoutPeer(t *testing.T) {
	list := []protocol.ConversationSummary{
		summary("", "20", "first", "2024-03-01T10:00:00.000Z"),
		summary("", "20", "second", "2024-03-01T09:00:00.000Z"),
		summary("7", "20", "a", "2024-03-01T08:00:00.000Z"),
		summary("7", "20", "b", "2024-03-01T07:00:00.000Z"),
	}
	got := DedupeSummaries(list, protocol.RoleWorkshop, "20")
	require.Len(t, got, 3)
	assert.Equal(t, "first", *got[0].LastMessage)
	assert.Equal(t, "second", *got[1].LastMessage)
	assert.Equal(t, "a", *got[2].LastMessage)
}

func TestListOptions_Dedupe(t *testing.T) {
	assert.True(t, ListOptions{Role: protocol.RoleWorkshop}.dedupe())
	assert.False(t, ListOptions{Role: protocol.RoleUser}.dedupe())
	assert.True(t, ListOptions{Role: protocol.RoleUser, Dedupe: DedupeByPeer}.dedupe())
	assert.False(t, ListOptions{Role: protocol.RoleWorkshop, Dedupe: DedupeOff}.dedupe())
}
