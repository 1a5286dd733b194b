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

func newTestSession(t *testing.T, identity room.Identity, role protocol.Role) (*Session, *fakeDialer, *fakeScheduler) {
	t.Helper()
	dialer := newFakeDialer()
	sched := &fakeScheduler{}
	s := NewSession(SessionConfig{
		Identity: identity,
		Role:     role,
		Token:    "tok",
		Options:  testOptions(dialer, sched),
	})
	t.Cleanup(s.Close)
	return s, dialer, sched
}

func TestSession_StartOpensList(t *testing.T) {
	s, dialer, _ := newTestSession(t, "5", protocol.RoleUser)
	snapshots := &snapshotLog{}
	s.OnSnapshot(snapshots.record)
	require.NoError(t, s.Start())
	assert.ErrorIs(t, s.Start(), ErrAlreadyOpen)

	req := dialer.next(t)
	assert.Contains(t, req.endpoint, "/ws/rooms?identity=5")
	conn := req.accept()
	conn.push(`{"type":"chat_rooms","chat_rooms":[{"user":{"id":5},"workshop":{"id":20},"last_message":null,"last_message_timestamp":null,"unread_count":0}]}`)

	require.Eventually(t, func() bool {
		calls, _ := snapshots.snapshot()
		return calls == 1
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, s.Summaries(), 1)
	waitState(t, s.ListState, StateOpen)
}

func TestSession_SelectUsesRoleToPickPeer(t *testing.T) {
	summary := protocol.ConversationSummary{
		User:     protocol.Participant{ID: "5", Name: "Dana"},
		Workshop: protocol.Participant{ID: "12", Name: "Brake Bros"},
	}

	user, _, _ := newTestSession(t, "5", protocol.RoleUser)
	assert.Equal(t, room.Identity("12"), user.PeerOf(summary).ID)

	workshop, _, _ := newTestSession(t, "12", protocol.RoleWorkshop)
	assert.Equal(t, room.Identity("5"), workshop.PeerOf(summary).ID)

	roleless, dialer, _ := newTestSession(t, "12", "")
	assert.Equal(t, room.Identity("5"), roleless.PeerOf(summary).ID)

	require.NoError(t, roleless.Select(summary))
	assert.Contains(t, dialer.next(t).endpoint, "room=5_12")
}

func TestSession_SwitchClosesPreviousConversationFirst(t *testing.T) {
	s, dialer, _ := newTestSession(t, "5", protocol.RoleUser)
	transcripts := &transcriptLog{}
	s.OnTranscriptChange(transcripts.record)

	var mu sync.Mutex
	var active []string
	s.OnActiveChange(func(conv Conversation, open bool) {
		mu.Lock()
		defer mu.Unlock()
		if open {
			active = append(active, conv.Peer.String())
		}
	})

	require.NoError(t, s.OpenConversation("12"))
	first := dialer.next(t)
	assert.Contains(t, first.endpoint, "room=5_12")
	conn1 := newFakeConn()
	conn1.sticky = true
	first.acceptWith(conn1)
	waitState(t, s.DetailState, StateOpen)

	require.NoError(t, s.OpenConversation("30"))
	assert.True(t, conn1.isClosed(), "previous detail channel closed before the next dial")
	second := dialer.next(t)
	assert.Contains(t, second.endpoint, "room=5_30")
	conn2 := second.accept()

	conv, open := s.Active()
	require.True(t, open)
	assert.Equal(t, room.Identity("30"), conv.Peer)

	// A frame still drained from the old socket must not reach the session.
	conn1.push(historyFrame)
	conn2.push(`{"type":"chat_history","messages":[{"message_id":"x1","content":"quote ready","sender_id":30,"timestamp":"2024-03-01T10:00:00.000Z"}]}`)

	require.Eventually(t, func() bool {
		calls, _ := transcripts.snapshot()
		return calls >= 1
	}, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool {
		calls, _ := transcripts.snapshot()
		return calls != 1
	}, 100*time.Millisecond, 10*time.Millisecond)
	_, msgs := transcripts.snapshot()
	assert.Equal(t, []string{"x1"}, ids(msgs))

	mu.Lock()
	assert.Equal(t, []string{"12", "30"}, active)
	mu.Unlock()
}

func TestSession_SendGoesToActiveConversation(t *testing.T) {
	s, dialer, _ := newTestSession(t, "5", protocol.RoleUser)
	assert.ErrorIs(t, s.Send("nobody"), ErrSendRejected)

	require.NoError(t, s.OpenConversation("12"))
	conn := newFakeConn()
	dialer.next(t).acceptWith(conn)
	waitState(t, s.DetailState, StateOpen)

	require.NoError(t, s.Send("hello"))
	require.Len(t, conn.written(), 1)
	assert.JSONEq(t, `{"type":"chat_message","message":"hello","receiver":"12"}`, conn.written()[0])

	s.CloseConversation()
	assert.True(t, conn.isClosed())
	_, open := s.Active()
	assert.False(t, open)
	assert.ErrorIs(t, s.Send("again"), ErrSendRejected)
	assert.Nil(t, s.Transcript())
}

func TestSession_OpenConversationValidation(t *testing.T) {
	s, dialer, _ := newTestSession(t, "5", protocol.RoleUser)

	assert.ErrorIs(t, s.OpenConversation(""), ErrMissingRoom)
	assert.ErrorIs(t, s.OpenConversation("5"), room.ErrSelfChat)
	assert.ErrorIs(t, s.Select(protocol.ConversationSummary{}), ErrMissingRoom)
	dialer.expectNone(t)
}

func TestSession_CloseTearsDownEverything(t *testing.T) {
	s, dialer, _ := newTestSession(t, "5", protocol.RoleUser)
	require.NoError(t, s.Start())
	listConn := dialer.next(t).accept()
	require.NoError(t, s.OpenConversation("12"))
	detailConn := dialer.next(t).accept()
	waitState(t, s.DetailState, StateOpen)

	s.Close()
	s.Close()
	assert.True(t, listConn.isClosed())
	assert.True(t, detailConn.isClosed())
	assert.ErrorIs(t, s.OpenConversation("12"), ErrClosed)
	assert.ErrorIs(t, s.Start(), ErrClosed)
}

func TestSession_StartWithoutTokenFailsFast(t *testing.T) {
	dialer := newFakeDialer()
	s := NewSession(SessionConfig{Identity: "5", Options: testOptions(dialer, &fakeScheduler{})})
	t.Cleanup(s.Close)

	err := s.Start()
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, ErrMissingToken)
	dialer.expectNone(t)
}
