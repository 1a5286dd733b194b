package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"garagechat/internal/room"
)

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(0, 0)
	limiter.now = func() time.Time { return now }

	for i := 0; i < rateLimitBurst; i++ {
		assert.True(t, limiter.Allow("conn-a"), "send %d", i)
	}
	assert.False(t, limiter.Allow("conn-a"))
	assert.True(t, limiter.Allow("conn-b"), "keys are independent")

	now = now.Add(rateLimitWindow)
	assert.True(t, limiter.Allow("conn-a"), "window slid past the burst")
}

func TestRateLimiterSlidesPerHit(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(2, 10*time.Second)
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("conn"))
	now = now.Add(4 * time.Second)
	assert.True(t, limiter.Allow("conn"))
	assert.False(t, limiter.Allow("conn"), "denied sends are not recorded")

	now = now.Add(6 * time.Second)
	assert.True(t, limiter.Allow("conn"), "first hit left the window")
	assert.False(t, limiter.Allow("conn"))

	now = now.Add(4 * time.Second)
	assert.True(t, limiter.Allow("conn"), "second hit left the window")
}

func TestRateLimiterForget(t *testing.T) {
	limiter := NewRateLimiter(1, time.Minute)
	assert.True(t, limiter.Allow("conn"))
	assert.False(t, limiter.Allow("conn"))
	limiter.Forget("conn")
	assert.True(t, limiter.Allow("conn"))
}

func TestPresenceTracker(t *testing.T) {
	p := NewPresenceTracker()
	id := room.RoomID("5_12")

	assert.False(t, p.Present(id, "5"))
	assert.Equal(t, 1, p.Enter(id, "5"))
	assert.Equal(t, 2, p.Enter(id, "5"))
	assert.True(t, p.Present(id, "5"))
	assert.False(t, p.Present(id, "12"))
	assert.False(t, p.Present("5_30", "5"))

	assert.Equal(t, 1, p.Leave(id, "5"))
	assert.True(t, p.Present(id, "5"))
	assert.Equal(t, 0, p.Leave(id, "5"))
	assert.False(t, p.Present(id, "5"))
	assert.Equal(t, 0, p.Leave(id, "5"))
}
