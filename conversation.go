package chatcore

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/cache"
	"github.com/opd-ai/chatcore/transport"
)

// Session is the transport-scoped view of a conversation: whether the
// channel is up and whether the peer looks online. Peer presence is a
// soft, actively polled signal that decays without fresh pings.
type Session struct {
	IsConnected  bool
	IsPeerOnline bool
}

// Conversation is one open two-party conversation view. It owns a
// presence ping loop and a transport subscription, both tied to its
// lifetime: Close stops the pings and detaches the subscription but
// never disconnects the shared transport.
type Conversation struct {
	client *Client
	roomID string
	peerID string
	cache  *cache.Cache

	mu         sync.Mutex
	peerOnline bool

	unsubscribe func()
	pingStop    chan struct{}
	closeOnce   sync.Once
}

// OpenConversation creates or fetches the room with a peer via the
// store's key exchange, caches the peer's public key, and returns the
// live view.
func (c *Client) OpenConversation(ctx context.Context, peerID string) (*Conversation, error) {
	room, err := c.api.CreateRoom(ctx, peerID)
	if err != nil {
		return nil, err
	}
	c.storeRemoteKey(room.PeerID, room.PeerPublicKey)
	return c.OpenConversationRoom(room.RoomID, room.PeerID), nil
}

// OpenConversationRoom opens a view on an already-known room. The
// peer's public key must already be cached (or arrive over the
// transport) before sealed content can be exchanged.
func (c *Client) OpenConversationRoom(roomID, peerID string) *Conversation {
	c.mu.Lock()
	c.roomPeers[roomID] = peerID
	c.mu.Unlock()

	conv := &Conversation{
		client:   c,
		roomID:   roomID,
		peerID:   peerID,
		cache:    c.roomCache(roomID),
		pingStop: make(chan struct{}),
	}
	conv.unsubscribe = c.conn.Subscribe(conv.handleEvent)
	go conv.pingLoop(c.opts.PresencePingInterval)

	logrus.WithFields(logrus.Fields{
		"function": "OpenConversationRoom",
		"room_id":  roomID,
		"peer_id":  peerID,
	}).Debug("Conversation view opened")

	return conv
}

// handleEvent tracks the peer's presence for this view.
func (v *Conversation) handleEvent(evt transport.Event) {
	switch e := evt.(type) {
	case transport.PeerPresenceEvent:
		if e.UserID != v.peerID {
			return
		}
		v.mu.Lock()
		v.peerOnline = e.Online
		v.mu.Unlock()

	case transport.DisconnectedEvent:
		v.mu.Lock()
		v.peerOnline = false
		v.mu.Unlock()
	}
}

// pingLoop sends liveness pings for the peer on a fixed short interval
// while the view is open. Send failures while disconnected are expected
// and ignored.
func (v *Conversation) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-v.pingStop:
			return
		case <-ticker.C:
			_ = v.client.conn.SendPresencePing(v.peerID)
		}
	}
}

// RoomID returns the room this view covers.
func (v *Conversation) RoomID() string {
	return v.roomID
}

// PeerID returns the other participant.
func (v *Conversation) PeerID() string {
	return v.peerID
}

// Session returns the current connection and presence snapshot.
func (v *Conversation) Session() Session {
	v.mu.Lock()
	online := v.peerOnline
	v.mu.Unlock()
	return Session{
		IsConnected:  v.client.conn.IsConnected(),
		IsPeerOnline: online,
	}
}

// Send seals and sends a text message to the peer, appearing in the
// cache immediately as a pending optimistic entry.
func (v *Conversation) Send(text string) (*cache.Message, error) {
	return v.client.SendText(v.roomID, v.peerID, text)
}

// LoadPage fetches a page of history into the cache. Incoming messages
// observed on the page are queued for read acknowledgement and a flush
// is attempted, since a new page of rendered messages is a meaningful
// UI event.
func (v *Conversation) LoadPage(ctx context.Context, page int) (*cache.Page, error) {
	loaded, err := v.cache.LoadPage(ctx, page)
	if err != nil {
		return nil, err
	}

	queued := false
	for _, msg := range loaded.Messages {
		if msg.AuthorID != v.client.opts.UserID && msg.ID != "" && msg.State < cache.StateRead {
			v.client.tracker.Add(msg.ID)
			queued = true
		}
	}
	if queued {
		go v.client.FlushReceipts(context.Background())
	}
	return loaded, nil
}

// Messages returns a newest-first snapshot of the resident history.
func (v *Conversation) Messages() []*cache.Message {
	return v.cache.Messages()
}

// Stalled returns optimistic messages stuck pending past the timeout.
// The core performs no automatic retry; callers decide what to surface.
func (v *Conversation) Stalled(timeout time.Duration) []*cache.Message {
	out := make([]*cache.Message, 0)
	for _, msg := range v.cache.Messages() {
		if msg.AuthorID == v.client.opts.UserID && msg.IsStalled(timeout) {
			out = append(out, msg)
		}
	}
	return out
}

// Close detaches the view: presence pings stop and the transport
// subscription is removed. The shared transport stays up; only the
// focus/foreground policy disconnects it.
func (v *Conversation) Close() {
	v.closeOnce.Do(func() {
		close(v.pingStop)
		v.unsubscribe()

		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"room_id":  v.roomID,
		}).Debug("Conversation view closed")
	})
}
