package relay

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"garagechat/internal/room"
)

// Fanout carries encoded frames between relay instances. Topics are
// "room.<room id>" and "list.<identity>".
type Fanout interface {
	Publish(topic string, payload []byte) error
	Subscribe(topic string, deliver func([]byte)) (Subscription, error)
	Close() error
}

// Subscription is an active fanout subscription. *nats.Subscription
// satisfies it.
type Subscription interface {
	Unsubscribe() error
}

var ErrFanoutClosed = errors.New("relay: fanout closed")

func roomTopic(id room.RoomID) string { return "room." + id.String() }

func listTopic(identity room.Identity) string { return "list." + identity.String() }

// MemoryFanout delivers within the process. It is the default for a single
// relay instance.
type MemoryFanout struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

func NewMemoryFanout() *MemoryFanout {
	return &MemoryFanout{subs: make(map[string]map[*memorySub]struct{})}
}

type memorySub struct {
	fanout  *MemoryFanout
	topic   string
	deliver func([]byte)
}

func (s *memorySub) Unsubscribe() error {
	s.fanout.mu.Lock()
	defer s.fanout.mu.Unlock()
	if subs, ok := s.fanout.subs[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.fanout.subs, s.topic)
		}
	}
	return nil
}

func (f *MemoryFanout) Subscribe(topic string, deliver func([]byte)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFanoutClosed
	}
	sub := &memorySub{fanout: f, topic: topic, deliver: deliver}
	if f.subs[topic] == nil {
		f.subs[topic] = make(map[*memorySub]struct{})
	}
	f.subs[topic][sub] = struct{}{}
	return sub, nil
}

func (f *MemoryFanout) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrFanoutClosed
	}
	targets := make([]func([]byte), 0, len(f.subs[topic]))
	for sub := range f.subs[topic] {
		targets = append(targets, sub.deliver)
	}
	f.mu.Unlock()
	for _, deliver := range targets {
		deliver(payload)
	}
	return nil
}

func (f *MemoryFanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.subs = make(map[string]map[*memorySub]struct{})
	return nil
}

// NATSFanout publishes over NATS core subjects "<prefix>.<topic>", so several
// relays behind a load balancer share rooms.
type NATSFanout struct {
	nc     *nats.Conn
	prefix string
	owned  bool
}

// DialNATS connects to url and returns a fanout that owns the connection.
func DialNATS(url, prefix string, opts ...nats.Option) (*NATSFanout, error) {
	opts = append([]nats.Option{nats.Name("garagechat-relay")}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	f := NewNATSFanout(nc, prefix)
	f.owned = true
	return f, nil
}

// NewNATSFanout wraps an existing connection. The caller keeps ownership.
func NewNATSFanout(nc *nats.Conn, prefix string) *NATSFanout {
	if prefix == "" {
		prefix = "garagechat"
	}
	return &NATSFanout{nc: nc, prefix: prefix}
}

func (f *NATSFanout) subject(topic string) string {
	kind, name, _ := strings.Cut(topic, ".")
	return f.prefix + "." + kind + "." + subjectToken(name)
}

func (f *NATSFanout) Publish(topic string, payload []byte) error {
	if err := f.nc.Publish(f.subject(topic), payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (f *NATSFanout) Subscribe(topic string, deliver func([]byte)) (Subscription, error) {
	sub, err := f.nc.Subscribe(f.subject(topic), func(msg *nats.Msg) {
		deliver(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return sub, nil
}

func (f *NATSFanout) Close() error {
	if !f.owned {
		return nil
	}
	if err := f.nc.Drain(); err != nil {
		f.nc.Close()
		return err
	}
	return nil
}

// subjectToken escapes characters NATS treats as separators or wildcards.
func subjectToken(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, "~%x~", r)
		}
	}
	return b.String()
}
