package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_DefaultIsFixedThreeSeconds(t *testing.T) {
	var b Backoff
	for attempt := 1; attempt <= 50; attempt++ {
		delay, ok := b.Next(attempt)
		assert.True(t, ok)
		assert.Equal(t, DefaultReconnectDelay, delay)
	}
}

func TestBackoff_MaxAttempts(t *testing.T) {
	b := FixedBackoff(time.Second)
	b.MaxAttempts = 2

	_, ok := b.Next(2)
	assert.True(t, ok)
	_, ok = b.Next(3)
	assert.False(t, ok)
}

func TestBackoff_ExponentialIsCappedWithJitter(t *testing.T) {
	b := ExponentialBackoff(time.Second, 10*time.Second)

	for attempt := 1; attempt <= 20; attempt++ {
		delay, ok := b.Next(attempt)
		assert.True(t, ok)
		assert.LessOrEqual(t, delay, 12*time.Second, "attempt %d", attempt)
		assert.GreaterOrEqual(t, delay, 800*time.Millisecond, "attempt %d", attempt)
	}

	noJitter := b
	noJitter.Jitter = 0
	got := make([]time.Duration, 0, 6)
	for attempt := 1; attempt <= 6; attempt++ {
		delay, _ := noJitter.Next(attempt)
		got = append(got, delay)
	}
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second,
	}, got)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "RECONNECT_SCHEDULED", StateReconnectScheduled.String())
	assert.Equal(t, "OPEN", StateOpen.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func TestRedact(t *testing.T) {
	got := redact("ws://relay.test/ws/chat?room=5_12&token=secret")
	assert.NotContains(t, got, "secret")
	assert.Contains(t, got, "room=5_12")
}
