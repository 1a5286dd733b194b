package relay

import (
	"log/slog"
	"sync"
)

// Hub tracks the topics that have at least one local subscriber. Each topic
// is fed by the fanout, so a publish on any relay instance reaches every
// subscriber.
type Hub struct {
	mutex  sync.Mutex
	topics map[string]*Topic
	fanout Fanout
	logger *slog.Logger
}

func NewHub(fanout Fanout, logger *slog.Logger) *Hub {
	return &Hub{topics: make(map[string]*Topic), fanout: fanout, logger: logger}
}

// join registers client on topic, creating and subscribing the topic first
// if needed.
func (hub *Hub) join(name string, client *Client) (*Topic, error) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	topic, exists := hub.topics[name]
	if !exists {
		topic = newTopic(name)
		sub, err := hub.fanout.Subscribe(name, topic.deliver)
		if err != nil {
			return nil, err
		}
		topic.sub = sub
		hub.topics[name] = topic
		go topic.run()
	}
	topic.members++
	topic.register <- client
	return topic, nil
}

// leave unregisters client and tears the topic down once it is empty.
func (hub *Hub) leave(topic *Topic, client *Client) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	topic.unregister <- client
	topic.members--
	if topic.members > 0 {
		return
	}
	if current, ok := hub.topics[topic.name]; ok && current == topic {
		delete(hub.topics, topic.name)
	}
	if topic.sub != nil {
		if err := topic.sub.Unsubscribe(); err != nil {
			hub.logger.Warn("fanout unsubscribe failed", "topic", topic.name, "error", err)
		}
	}
	close(topic.quit)
}

// Subscribers reports the local subscriber count of a topic.
func (hub *Hub) Subscribers(name string) int {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if topic, ok := hub.topics[name]; ok {
		return topic.members
	}
	return 0
}

// Topic fans frames out to the local clients subscribed to one subject.
type Topic struct {
	name       string
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	quit       chan struct{}
	sub        Subscription
	// members is guarded by the hub mutex.
	members int
}

func newTopic(name string) *Topic {
	return &Topic{
		name:       name,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		quit:       make(chan struct{}),
	}
}

func (topic *Topic) deliver(payload []byte) {
	select {
	case topic.broadcast <- payload:
	case <-topic.quit:
	}
}

func (topic *Topic) run() {
	for {
		select {
		case client := <-topic.register:
			topic.clients[client] = true
		case client := <-topic.unregister:
			delete(topic.clients, client)
		case payload := <-topic.broadcast:
			// A client that can't keep up is dropped; its write pump then
			// closes the socket.
			for client := range topic.clients {
				if !client.enqueue(payload) {
					client.closeSend()
					delete(topic.clients, client)
				}
			}
		case <-topic.quit:
			return
		}
	}
}
