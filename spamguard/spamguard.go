// Package spamguard gates user-visible previews for incoming messages
// with a per-sender rate limit.
//
// The guard never affects message storage or decryption; a rejected
// preview is silently dropped while the message itself still lands in
// the conversation cache.
package spamguard

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultWindow is the trailing window previews are counted over.
	DefaultWindow = 5000 * time.Millisecond
	// DefaultMaxMessages is the number of previews allowed per sender
	// within the window.
	DefaultMaxMessages = 3
)

// Config controls the per-sender preview limit.
type Config struct {
	Window      time.Duration
	MaxMessages int
}

// DefaultConfig returns the default preview limit (3 messages per 5s).
func DefaultConfig() Config {
	return Config{
		Window:      DefaultWindow,
		MaxMessages: DefaultMaxMessages,
	}
}

// Guard tracks accepted preview timestamps per sender.
type Guard struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	accepted map[string][]time.Time
}

// New creates a Guard. Zero or negative config fields fall back to the
// defaults.
func New(cfg Config) *Guard {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	return &Guard{
		cfg:      cfg,
		now:      time.Now,
		accepted: make(map[string][]time.Time),
	}
}

// Allow reports whether a new message from senderID may raise a
// user-visible preview, and records the acceptance if so.
func (g *Guard) Allow(senderID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.cfg.Window)

	recent := g.accepted[senderID][:0]
	for _, t := range g.accepted[senderID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= g.cfg.MaxMessages {
		g.accepted[senderID] = recent
		logrus.WithFields(logrus.Fields{
			"function":  "Allow",
			"sender_id": senderID,
			"recent":    len(recent),
		}).Debug("Preview suppressed by rate limit")
		return false
	}

	g.accepted[senderID] = append(recent, now)
	return true
}
