package relay

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"garagechat/internal/obs"
	"garagechat/internal/room"
)

type collector struct {
	mu     sync.Mutex
	frames []string
}

func (c *collector) deliver(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, string(payload))
}

func (c *collector) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

func TestMemoryFanout(t *testing.T) {
	f := NewMemoryFanout()
	a, b := &collector{}, &collector{}

	subA, err := f.Subscribe(roomTopic("5_12"), a.deliver)
	require.NoError(t, err)
	_, err = f.Subscribe(listTopic("5"), b.deliver)
	require.NoError(t, err)

	require.NoError(t, f.Publish("room.5_12", []byte("one")))
	require.NoError(t, f.Publish("list.5", []byte("two")))
	require.NoError(t, f.Publish("room.9_10", []byte("nobody")))
	assert.Equal(t, []string{"one"}, a.all())
	assert.Equal(t, []string{"two"}, b.all())

	require.NoError(t, subA.Unsubscribe())
	require.NoError(t, f.Publish("room.5_12", []byte("three")))
	assert.Equal(t, []string{"one"}, a.all())

	require.NoError(t, f.Close())
	assert.ErrorIs(t, f.Publish("list.5", []byte("late")), ErrFanoutClosed)
	_, err = f.Subscribe("list.5", b.deliver)
	assert.ErrorIs(t, err, ErrFanoutClosed)
}

func TestHubSharesTopicAndCleansUp(t *testing.T) {
	f := NewMemoryFanout()
	hub := NewHub(f, obs.Discard())
	c1 := &Client{id: "c1", send: make(chan []byte, 4), logger: obs.Discard()}
	c2 := &Client{id: "c2", send: make(chan []byte, 4), logger: obs.Discard()}

	t1, err := hub.join(roomTopic("5_12"), c1)
	require.NoError(t, err)
	t2, err := hub.join(roomTopic("5_12"), c2)
	require.NoError(t, err)
	assert.Same(t, t1, t2)
	assert.Equal(t, 2, hub.Subscribers("room.5_12"))

	require.NoError(t, f.Publish("room.5_12", []byte("hello")))
	for _, c := range []*Client{c1, c2} {
		select {
		case got := <-c.send:
			assert.Equal(t, "hello", string(got))
		case <-time.After(time.Second):
			t.Fatalf("client %s got nothing", c.id)
		}
	}

	hub.leave(t1, c1)
	hub.leave(t2, c2)
	assert.Equal(t, 0, hub.Subscribers("room.5_12"))
	require.NoError(t, f.Publish("room.5_12", []byte("gone")))
	f.mu.Lock()
	assert.Empty(t, f.subs)
	f.mu.Unlock()
}

func TestSlowClientIsDropped(t *testing.T) {
	f := NewMemoryFanout()
	hub := NewHub(f, obs.Discard())
	slow := &Client{id: "slow", send: make(chan []byte, 1), logger: obs.Discard()}
	topic, err := hub.join(listTopic("5"), slow)
	require.NoError(t, err)
	defer hub.leave(topic, slow)

	require.NoError(t, f.Publish("list.5", []byte("a")))
	require.NoError(t, f.Publish("list.5", []byte("b")))

	require.Eventually(t, func() bool {
		slow.mu.Lock()
		defer slow.mu.Unlock()
		return slow.closed
	}, time.Second, 5*time.Millisecond)
	assert.False(t, slow.enqueue([]byte("c")))
}

func TestNATSSubject(t *testing.T) {
	f := NewNATSFanout(nil, "")
	assert.Equal(t, "garagechat.room.5_12", f.subject(roomTopic(room.RoomID("5_12"))))
	assert.Equal(t, "garagechat.list.w~2e~1", f.subject(listTopic("w.1")))
	assert.Equal(t, "fleet.list.a~2a~", NewNATSFanout(nil, "fleet").subject("list.a*"))
}

// Runs only when a NATS server is reachable, e.g.
// GARAGECHAT_TEST_NATS_URL=nats://127.0.0.1:4222.
func TestNATSFanout(t *testing.T) {
	url := os.Getenv("GARAGECHAT_TEST_NATS_URL")
	if url == "" {
		t.Skip("GARAGECHAT_TEST_NATS_URL not set")
	}
	publisher, err := DialNATS(url, "garagechat-test", nats.Timeout(2*time.Second))
	require.NoError(t, err)
	defer publisher.Close()
	subscriber, err := DialNATS(url, "garagechat-test")
	require.NoError(t, err)
	defer subscriber.Close()

	got := &collector{}
	sub, err := subscriber.Subscribe(roomTopic("5_12"), got.deliver)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, subscriber.nc.Flush())

	require.NoError(t, publisher.Publish(roomTopic("5_12"), []byte(`{"type":"chat_message"}`)))
	require.Eventually(t, func() bool { return len(got.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
}
