// Package cache implements the client-side paginated view of a
// conversation, holding both server-confirmed and speculative
// (optimistic) messages.
//
// A Cache instance covers a single room. Page 1 is the most recent page
// and the only page subject to live in-place mutation: new incoming
// messages, optimistic sends, and receipt updates all land there. Older
// pages are immutable once fetched.
package cache

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State represents the delivery state of a message. States only ever
// advance in the direction Pending -> Sent -> Delivered -> Read; a
// receipt carrying an earlier state than the current one is a no-op.
type State uint8

const (
	// StatePending means the message exists only locally, awaiting
	// server confirmation.
	StatePending State = iota
	// StateSent means the server has accepted the message.
	StateSent
	// StateDelivered means the message reached the recipient's device.
	StateDelivered
	// StateRead means the recipient has read the message.
	StateRead
)

// String returns the wire representation of the state.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSent:
		return "sent"
	case StateDelivered:
		return "delivered"
	case StateRead:
		return "read"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ParseState converts a wire state string into a State.
func ParseState(s string) (State, error) {
	switch s {
	case "pending":
		return StatePending, nil
	case "sent":
		return StateSent, nil
	case "delivered":
		return StateDelivered, nil
	case "read":
		return StateRead, nil
	default:
		return StatePending, fmt.Errorf("unknown message state %q", s)
	}
}

// Message is one entry in a conversation.
//
// ID is server-assigned and globally unique once the message is
// confirmed; TemporaryID is the client-generated correlation key used
// before confirmation. An optimistic message starts with only
// TemporaryID populated and acquires ID and SentAt when the server
// confirms it or echoes it back over the transport.
type Message struct {
	ID          string
	TemporaryID string
	AuthorID    string
	RoomID      string

	// Plaintext is the decrypted content, or a placeholder when
	// decryption failed. Ciphertext and Nonce are retained so a message
	// that failed to open for want of a key can be retried later.
	Plaintext  string
	Ciphertext []byte
	Nonce      []byte

	// Undecryptable marks a message whose content could not be opened;
	// Plaintext then holds a placeholder. A later delivery of the same
	// message that does open heals the entry in place.
	Undecryptable bool

	State   State
	SentAt  time.Time
	Created time.Time
}

// NewOptimistic creates a speculative local message for immediate
// display, keyed by a fresh temporary id.
func NewOptimistic(roomID, authorID, plaintext string) *Message {
	now := time.Now()
	return &Message{
		TemporaryID: uuid.NewString(),
		AuthorID:    authorID,
		RoomID:      roomID,
		Plaintext:   plaintext,
		State:       StatePending,
		SentAt:      now,
		Created:     now,
	}
}

// AdvanceState moves the message to the given state if it is an advance;
// regressions are ignored. Returns whether the state changed.
func (m *Message) AdvanceState(next State) bool {
	if next <= m.State {
		return false
	}
	m.State = next
	return true
}

// IsStalled reports whether the message has sat in Pending longer than
// timeout. The core performs no automatic retry for stalled sends; this
// is the hook callers use to surface or act on the condition.
func (m *Message) IsStalled(timeout time.Duration) bool {
	return m.State == StatePending && time.Since(m.Created) > timeout
}
