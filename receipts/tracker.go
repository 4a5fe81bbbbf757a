// Package receipts batches read-receipt acknowledgements for incoming
// messages and flushes them to the server on a best-effort schedule.
//
// Delivery is at-least-once: the pending set is only cleared after a
// successful flush, so a failed flush retries the full set next time.
// The server is assumed to treat duplicate acknowledgements as
// idempotent.
package receipts

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Flusher sends one batch of message ids to the server.
type Flusher interface {
	SendReceiptBatch(ctx context.Context, messageIDs []string) error
}

// Tracker collects ids of incoming messages that have been rendered to
// the user, de-duplicated, until the next flush.
type Tracker struct {
	flusher Flusher

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewTracker creates a Tracker that flushes through the given Flusher.
func NewTracker(flusher Flusher) *Tracker {
	return &Tracker{
		flusher: flusher,
		pending: make(map[string]struct{}),
	}
}

// Add records a rendered incoming message id for the next flush.
// Duplicate adds are collapsed.
func (t *Tracker) Add(messageID string) {
	if messageID == "" {
		return
	}
	t.mu.Lock()
	t.pending[messageID] = struct{}{}
	t.mu.Unlock()
}

// Pending returns the number of ids awaiting acknowledgement.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Flush sends the full pending set as one batch. On success the set is
// cleared; on failure it is retained for the next attempt.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	if len(t.pending) == 0 {
		t.mu.Unlock()
		return nil
	}
	ids := make([]string, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	if err := t.flusher.SendReceiptBatch(ctx, ids); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Flush",
			"batch":    len(ids),
		}).WithError(err).Warn("Receipt flush failed, retaining batch")
		return err
	}

	t.mu.Lock()
	for _, id := range ids {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Flush",
		"batch":    len(ids),
	}).Debug("Receipt batch flushed")

	return nil
}
