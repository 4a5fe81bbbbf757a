package cache

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Page is an ordered batch of messages. Number 1 is the most recent
// page; numeric order governs rendering, while the cursors govern
// pagination continuation.
type Page struct {
	Number         int
	Messages       []*Message
	NextCursor     string
	PreviousCursor string
}

// PageLoader fetches a page of confirmed messages from the backing
// store when it is not already resident.
type PageLoader interface {
	LoadPage(ctx context.Context, roomID string, page int) (*Page, error)
}

// Cache holds the paginated message set for a single room.
//
// A single mutex serializes all mutation: transport event delivery and
// user-initiated sends are the two concurrent producers, and both go
// through the same lock so interleavings cannot corrupt a page.
type Cache struct {
	roomID string
	loader PageLoader

	mu      sync.Mutex
	pages   map[int]*Page
	fetched map[int]bool
}

// New creates an empty cache for a room.
func New(roomID string, loader PageLoader) *Cache {
	return &Cache{
		roomID:  roomID,
		loader:  loader,
		pages:   make(map[int]*Page),
		fetched: make(map[int]bool),
	}
}

// RoomID returns the room this cache covers.
func (c *Cache) RoomID() string {
	return c.roomID
}

// LoadPage returns the requested page, fetching it from the backing
// store unless that page has already been store-backed. A resident page
// is never clobbered by a fetch: page 1 may already hold live entries
// created by the transport before the first history load, so fetched
// entries are folded in behind them, deduplicated by id and temporary
// id like any other merge.
func (c *Cache) LoadPage(ctx context.Context, number int) (*Page, error) {
	c.mu.Lock()
	if c.fetched[number] {
		page := c.pages[number]
		c.mu.Unlock()
		return page, nil
	}
	c.mu.Unlock()

	fetched, err := c.loader.LoadPage(ctx, c.roomID, number)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fetched[number] {
		// A concurrent loader won; keep the resident page.
		return c.pages[number], nil
	}
	c.fetched[number] = true

	if fetched == nil {
		fetched = &Page{Number: number}
	}

	page, ok := c.pages[number]
	if !ok {
		c.pages[number] = fetched
		page = fetched
	} else {
		// Live deliveries got here first. Stored entries are older than
		// anything delivered live, so they go behind the resident ones.
		page.NextCursor = fetched.NextCursor
		page.PreviousCursor = fetched.PreviousCursor
		for _, msg := range fetched.Messages {
			if c.absorbLocked(page, msg) {
				continue
			}
			page.Messages = append(page.Messages, msg)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "LoadPage",
		"room_id":  c.roomID,
		"page":     number,
		"messages": len(page.Messages),
	}).Debug("Page loaded into cache")

	return page, nil
}

// AppendOptimistic inserts a speculative local message at the head of
// page 1, synchronously, so the UI never waits on the network to show a
// sent message.
func (c *Cache) AppendOptimistic(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	page := c.newestPageLocked()
	page.Messages = append([]*Message{msg}, page.Messages...)
}

// MergeIncoming merges a transport-delivered message into page 1,
// deduplicated by server id and by temporary id. If the message is the
// echo of a local optimistic entry, the existing entry is confirmed in
// place (acquiring the server id and timestamp) rather than duplicated.
// Returns true if a new entry became visible.
func (c *Cache) MergeIncoming(msg *Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	page := c.newestPageLocked()
	if c.absorbLocked(page, msg) {
		return false
	}

	page.Messages = append([]*Message{msg}, page.Messages...)

	logrus.WithFields(logrus.Fields{
		"function": "MergeIncoming",
		"room_id":  c.roomID,
		"id":       msg.ID,
		"state":    msg.State.String(),
	}).Debug("Incoming message merged")

	return true
}

// absorbLocked folds a message into an existing page entry when one
// matches by server id or temporary id. A copy that decrypted
// successfully heals a placeholder; a confirmed copy fills in an
// optimistic entry. Returns false when no entry matched.
func (c *Cache) absorbLocked(page *Page, msg *Message) bool {
	for _, existing := range page.Messages {
		if msg.ID != "" && existing.ID == msg.ID {
			if existing.Undecryptable && !msg.Undecryptable {
				existing.Plaintext = msg.Plaintext
				existing.Undecryptable = false
			}
			return true
		}
		if msg.TemporaryID != "" && existing.TemporaryID == msg.TemporaryID {
			c.confirmLocked(existing, msg)
			return true
		}
	}
	return false
}

// confirmLocked fills server-confirmed fields into an optimistic entry.
func (c *Cache) confirmLocked(existing, confirmed *Message) {
	if existing.ID == "" {
		existing.ID = confirmed.ID
	}
	if !confirmed.SentAt.IsZero() {
		existing.SentAt = confirmed.SentAt
	}
	existing.AdvanceState(confirmed.State)
	if existing.State == StatePending {
		existing.AdvanceState(StateSent)
	}
}

// ApplyReceiptUpdate locates a message by temporary id or server id and
// advances its state. The lookup deliberately searches only page 1;
// entries on older pages are not retroactively updated. Returns whether
// a message changed state.
func (c *Cache) ApplyReceiptUpdate(ref string, newState State) bool {
	if ref == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	page, ok := c.pages[1]
	if !ok {
		return false
	}
	for _, msg := range page.Messages {
		if msg.TemporaryID == ref || msg.ID == ref {
			if msg.State == StatePending && newState > StatePending {
				// A receipt implies the server accepted the message.
				msg.AdvanceState(StateSent)
			}
			return msg.AdvanceState(newState)
		}
	}
	return false
}

// Messages returns a newest-first snapshot across all resident pages.
func (c *Cache) Messages() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	numbers := make([]int, 0, len(c.pages))
	for n := range c.pages {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	out := make([]*Message, 0)
	for _, n := range numbers {
		out = append(out, c.pages[n].Messages...)
	}
	return out
}

// Find returns the resident message matching a temporary id or server
// id, searching all pages, or nil.
func (c *Cache) Find(ref string) *Message {
	if ref == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, page := range c.pages {
		for _, msg := range page.Messages {
			if msg.TemporaryID == ref || msg.ID == ref {
				return msg
			}
		}
	}
	return nil
}

// newestPageLocked returns page 1, creating it if no page has been
// loaded yet (a brand-new conversation).
func (c *Cache) newestPageLocked() *Page {
	page, ok := c.pages[1]
	if !ok {
		page = &Page{Number: 1}
		c.pages[1] = page
	}
	return page
}
