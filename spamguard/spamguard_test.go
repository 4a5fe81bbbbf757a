package spamguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinLimit(t *testing.T) {
	g := New(Config{Window: 5000 * time.Millisecond, MaxMessages: 3})

	assert.True(t, g.Allow("bob"))
	assert.True(t, g.Allow("bob"))
	assert.True(t, g.Allow("bob"))
}

func TestFourthMessageWithinWindowSuppressed(t *testing.T) {
	now := time.Unix(1000, 0)
	g := New(Config{Window: 5000 * time.Millisecond, MaxMessages: 3})
	g.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, g.Allow("bob"))
		now = now.Add(time.Second)
	}
	assert.False(t, g.Allow("bob"), "4th preview within 5s of the first must be suppressed")
}

func TestWindowSlides(t *testing.T) {
	now := time.Unix(1000, 0)
	g := New(Config{Window: 5000 * time.Millisecond, MaxMessages: 3})
	g.now = func() time.Time { return now }

	assert.True(t, g.Allow("bob"))
	assert.True(t, g.Allow("bob"))
	assert.True(t, g.Allow("bob"))
	assert.False(t, g.Allow("bob"))

	// Once the earliest acceptance ages out, capacity frees up.
	now = now.Add(5001 * time.Millisecond)
	assert.True(t, g.Allow("bob"))
}

func TestSendersAreIndependent(t *testing.T) {
	now := time.Unix(1000, 0)
	g := New(Config{Window: 5000 * time.Millisecond, MaxMessages: 1})
	g.now = func() time.Time { return now }

	assert.True(t, g.Allow("bob"))
	assert.False(t, g.Allow("bob"))
	assert.True(t, g.Allow("carol"), "limits are per-sender")
}

func TestDefaultsApplied(t *testing.T) {
	g := New(Config{})
	assert.Equal(t, DefaultWindow, g.cfg.Window)
	assert.Equal(t, DefaultMaxMessages, g.cfg.MaxMessages)
}
