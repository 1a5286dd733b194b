package relay

import (
	"sync"

	"garagechat/internal/room"
)

type presenceKey struct {
	room     room.RoomID
	identity room.Identity
}

// PresenceTracker counts the open detail connections per identity and room.
// A participant viewing a room does not accrue unread messages in it.
type PresenceTracker struct {
	mu     sync.Mutex
	online map[presenceKey]int
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[presenceKey]int)}
}

func (p *PresenceTracker) Enter(id room.RoomID, identity room.Identity) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := presenceKey{id, identity}
	p.online[key]++
	return p.online[key]
}

func (p *PresenceTracker) Leave(id room.RoomID, identity room.Identity) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := presenceKey{id, identity}
	if count, ok := p.online[key]; ok {
		if count <= 1 {
			delete(p.online, key)
			return 0
		}
		p.online[key] = count - 1
		return p.online[key]
	}
	return 0
}

func (p *PresenceTracker) Present(id room.RoomID, identity room.Identity) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[presenceKey{id, identity}] > 0
}
