package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLoader struct {
	pages map[int]*Page
	calls int
	err   error
}

func (l *stubLoader) LoadPage(ctx context.Context, roomID string, page int) (*Page, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.pages[page], nil
}

func confirmed(id, author, text string) *Message {
	return &Message{
		ID:        id,
		AuthorID:  author,
		Plaintext: text,
		State:     StateSent,
		SentAt:    time.Now(),
		Created:   time.Now(),
	}
}

func TestAppendOptimisticIsImmediatelyVisible(t *testing.T) {
	c := New("room1", &stubLoader{})

	msg := NewOptimistic("room1", "alice", "hello")
	c.AppendOptimistic(msg)

	got := c.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, StatePending, got[0].State)
	assert.NotEmpty(t, got[0].TemporaryID)
	assert.Empty(t, got[0].ID, "optimistic entry has no server id yet")
}

func TestMergeIncomingIsIdempotentByID(t *testing.T) {
	c := New("room1", &stubLoader{})

	first := confirmed("m1", "bob", "hi")
	assert.True(t, c.MergeIncoming(first))
	assert.False(t, c.MergeIncoming(confirmed("m1", "bob", "hi")))

	assert.Len(t, c.Messages(), 1)
}

func TestMergeIncomingConfirmsOptimisticEcho(t *testing.T) {
	c := New("room1", &stubLoader{})

	optimistic := NewOptimistic("room1", "alice", "hello")
	c.AppendOptimistic(optimistic)

	echo := &Message{
		ID:          "m9",
		TemporaryID: optimistic.TemporaryID,
		AuthorID:    "alice",
		State:       StateSent,
		SentAt:      time.Now().Add(time.Second),
	}
	created := c.MergeIncoming(echo)

	assert.False(t, created, "echo must not create a second entry")
	got := c.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, "m9", got[0].ID)
	assert.Equal(t, StateSent, got[0].State)
	assert.Equal(t, "hello", got[0].Plaintext, "optimistic plaintext survives confirmation")
}

func TestMergeIncomingHealsPlaceholder(t *testing.T) {
	c := New("room1", &stubLoader{})

	broken := confirmed("m1", "bob", "This message could not be decrypted.")
	broken.Undecryptable = true
	require.True(t, c.MergeIncoming(broken))

	healed := confirmed("m1", "bob", "actual text")
	assert.False(t, c.MergeIncoming(healed))

	got := c.Messages()
	require.Len(t, got, 1)
	assert.Equal(t, "actual text", got[0].Plaintext)
	assert.False(t, got[0].Undecryptable)
}

func TestApplyReceiptUpdateNeverRegresses(t *testing.T) {
	c := New("room1", &stubLoader{})

	msg := confirmed("m1", "alice", "hey")
	c.MergeIncoming(msg)

	assert.True(t, c.ApplyReceiptUpdate("m1", StateRead))
	assert.False(t, c.ApplyReceiptUpdate("m1", StateSent), "regression must be a no-op")
	assert.False(t, c.ApplyReceiptUpdate("m1", StateDelivered))

	assert.Equal(t, StateRead, c.Find("m1").State)
}

func TestApplyReceiptUpdateByTemporaryID(t *testing.T) {
	c := New("room1", &stubLoader{})

	optimistic := NewOptimistic("room1", "alice", "hello")
	c.AppendOptimistic(optimistic)

	assert.True(t, c.ApplyReceiptUpdate(optimistic.TemporaryID, StateRead))
	assert.Equal(t, StateRead, optimistic.State)
}

// Receipt lookup is confined to the newest page: entries on older pages
// are not retroactively updated. This is a known limitation carried
// over deliberately, not an oversight.
func TestApplyReceiptUpdateSkipsOlderPages(t *testing.T) {
	old := confirmed("old1", "alice", "ancient history")
	loader := &stubLoader{pages: map[int]*Page{
		1: {Number: 1},
		2: {Number: 2, Messages: []*Message{old}},
	}}
	c := New("room1", loader)

	_, err := c.LoadPage(context.Background(), 1)
	require.NoError(t, err)
	_, err = c.LoadPage(context.Background(), 2)
	require.NoError(t, err)

	assert.False(t, c.ApplyReceiptUpdate("old1", StateRead))
	assert.Equal(t, StateSent, old.State, "older page entry must stay untouched")
}

func TestLoadPageFetchesOnceAndKeepsResident(t *testing.T) {
	loader := &stubLoader{pages: map[int]*Page{
		1: {Number: 1, Messages: []*Message{confirmed("m1", "bob", "hi")}},
	}}
	c := New("room1", loader)

	page, err := c.LoadPage(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 1)

	// A second load must serve the resident page, which may hold live
	// entries the store does not know about.
	c.AppendOptimistic(NewOptimistic("room1", "alice", "new"))
	page, err = c.LoadPage(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, page.Messages, 2)
	assert.Equal(t, 1, loader.calls)
}

func TestLoadPageFetchesHistoryBehindLiveEntries(t *testing.T) {
	loader := &stubLoader{pages: map[int]*Page{
		1: {Number: 1, Messages: []*Message{confirmed("h1", "bob", "stored")}, NextCursor: "2"},
	}}
	c := New("room1", loader)

	// A live delivery lands before the first history load.
	c.MergeIncoming(confirmed("live1", "bob", "fresh"))

	page, err := c.LoadPage(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, loader.calls, "live entries must not suppress the history fetch")

	require.Len(t, page.Messages, 2)
	assert.Equal(t, "live1", page.Messages[0].ID, "live entries stay in front")
	assert.Equal(t, "h1", page.Messages[1].ID, "stored history folds in behind")
	assert.Equal(t, "2", page.NextCursor)

	// The page is store-backed now; a refetch serves it resident.
	_, err = c.LoadPage(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, loader.calls)
}

func TestLoadPageDedupsStoredCopiesOfLiveEntries(t *testing.T) {
	optimistic := NewOptimistic("room1", "alice", "hello")
	stored := confirmed("m1", "alice", "hello")
	stored.TemporaryID = optimistic.TemporaryID
	loader := &stubLoader{pages: map[int]*Page{
		1: {Number: 1, Messages: []*Message{confirmed("live1", "bob", "hi"), stored}},
	}}
	c := New("room1", loader)

	c.MergeIncoming(confirmed("live1", "bob", "hi"))
	c.AppendOptimistic(optimistic)

	page, err := c.LoadPage(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2, "stored copies of resident entries must not duplicate")
	assert.Equal(t, "m1", optimistic.ID, "stored copy confirms the optimistic entry")
}

func TestLoadPagePropagatesError(t *testing.T) {
	loader := &stubLoader{err: errors.New("store down")}
	c := New("room1", loader)

	_, err := c.LoadPage(context.Background(), 1)
	assert.Error(t, err)
	assert.Empty(t, c.Messages())
}

func TestMessagesOrderedNewestFirst(t *testing.T) {
	loader := &stubLoader{pages: map[int]*Page{
		2: {Number: 2, Messages: []*Message{confirmed("m2", "bob", "older"), confirmed("m1", "bob", "oldest")}},
	}}
	c := New("room1", loader)

	_, err := c.LoadPage(context.Background(), 2)
	require.NoError(t, err)
	c.MergeIncoming(confirmed("m3", "bob", "newer"))
	c.MergeIncoming(confirmed("m4", "bob", "newest"))

	got := c.Messages()
	require.Len(t, got, 4)
	assert.Equal(t, "m4", got[0].ID)
	assert.Equal(t, "m3", got[1].ID)
	assert.Equal(t, "m2", got[2].ID)
	assert.Equal(t, "m1", got[3].ID)
}

func TestStateParseRoundTrip(t *testing.T) {
	for _, s := range []State{StatePending, StateSent, StateDelivered, StateRead} {
		parsed, err := ParseState(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, parsed)
	}
	_, err := ParseState("bogus")
	assert.Error(t, err)
}

func TestIsStalled(t *testing.T) {
	msg := NewOptimistic("room1", "alice", "hello")
	msg.Created = time.Now().Add(-time.Minute)

	assert.True(t, msg.IsStalled(30*time.Second))

	msg.AdvanceState(StateSent)
	assert.False(t, msg.IsStalled(30*time.Second), "sent messages are not stalled")
}

func TestAdvanceStateMonotonic(t *testing.T) {
	msg := NewOptimistic("room1", "alice", "x")

	assert.True(t, msg.AdvanceState(StateSent))
	assert.True(t, msg.AdvanceState(StateRead))
	assert.False(t, msg.AdvanceState(StateDelivered))
	assert.Equal(t, StateRead, msg.State)
}
