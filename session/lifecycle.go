// Package session reacts to server-initiated session termination.
//
// A forced termination means another device authenticated with priority
// and this device's session is no longer valid. The reaction wipes
// local key material, shows a blocking user notice, then completes the
// logout. The sequence runs exactly once no matter how many termination
// signals arrive.
package session

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// KeyWiper clears local identity key material.
type KeyWiper interface {
	Clear() error
}

// SessionTerminatedNotice is the message shown to the user before
// logout completes.
const SessionTerminatedNotice = "You have been signed out because your account was used on another device."

// Lifecycle handles forced session termination.
type Lifecycle struct {
	keys   KeyWiper
	notice func(message string)
	logout func()

	once       sync.Once
	mu         sync.Mutex
	terminated bool
}

// NewLifecycle wires the termination reaction. notice is expected to
// block until the user acknowledges; logout runs after it returns.
// Either callback may be nil.
func NewLifecycle(keys KeyWiper, notice func(string), logout func()) *Lifecycle {
	return &Lifecycle{
		keys:   keys,
		notice: notice,
		logout: logout,
	}
}

// Terminate performs the forced-logout sequence. Idempotent: repeated
// calls after the first are no-ops.
func (l *Lifecycle) Terminate() {
	l.once.Do(func() {
		logrus.WithFields(logrus.Fields{
			"function": "Terminate",
		}).Warn("Forced session termination, clearing local keys")

		if l.keys != nil {
			if err := l.keys.Clear(); err != nil {
				// The session is gone either way; log and continue the
				// logout so the user is not left half signed in.
				logrus.WithFields(logrus.Fields{
					"function": "Terminate",
				}).WithError(err).Error("Failed to clear key store")
			}
		}

		if l.notice != nil {
			l.notice(SessionTerminatedNotice)
		}
		if l.logout != nil {
			l.logout()
		}

		l.mu.Lock()
		l.terminated = true
		l.mu.Unlock()
	})
}

// Terminated reports whether the forced-logout sequence has completed.
func (l *Lifecycle) Terminated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.terminated
}
