package main

import (
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// storedMessage is one sealed message held by the relay's in-memory
// store. The relay never sees plaintext.
type storedMessage struct {
	ID          string
	TemporaryID string
	AuthorID    string
	RoomID      string
	Ciphertext  string
	Nonce       string
	State       string
	SentAt      int64
}

// memoryStore backs the paginated message endpoints. Messages per room
// are kept oldest-first; page 1 is the newest slice.
type memoryStore struct {
	mu       sync.Mutex
	rooms    map[string]string // participant pair -> room id
	messages map[string][]*storedMessage
	byID     map[string]*storedMessage
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		rooms:    make(map[string]string),
		messages: make(map[string][]*storedMessage),
		byID:     make(map[string]*storedMessage),
	}
}

func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "\x00" + b
}

// roomFor returns the room id for a participant pair, creating the
// room on first use.
func (s *memoryStore) roomFor(a, b string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(a, b)
	if id, ok := s.rooms[key]; ok {
		return id
	}
	id := uuid.NewString()
	s.rooms[key] = id
	return id
}

func (s *memoryStore) append(msg *storedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], msg)
	s.byID[msg.ID] = msg
}

// page returns one page, newest-first, with continuation cursors.
func (s *memoryStore) page(roomID string, page, size int) ([]*storedMessage, string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.messages[roomID]
	end := len(all) - (page-1)*size
	if end <= 0 {
		return nil, "", ""
	}
	start := end - size
	if start < 0 {
		start = 0
	}

	out := make([]*storedMessage, 0, end-start)
	for i := end - 1; i >= start; i-- {
		out = append(out, all[i])
	}

	next := ""
	if start > 0 {
		next = strconv.Itoa(page + 1)
	}
	prev := ""
	if page > 1 {
		prev = strconv.Itoa(page - 1)
	}
	return out, next, prev
}

// markRead advances the given messages to read and returns the ones
// that actually changed, sorted by id for deterministic forwarding.
func (s *memoryStore) markRead(ids []string) []*storedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := make([]*storedMessage, 0, len(ids))
	for _, id := range ids {
		msg, ok := s.byID[id]
		if !ok || msg.State == "read" {
			continue
		}
		msg.State = "read"
		changed = append(changed, msg)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].ID < changed[j].ID })
	return changed
}
