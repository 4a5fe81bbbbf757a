// Package chatcore implements the end-to-end encrypted real-time
// messaging core: identity key management, sealed message exchange over
// a reconnecting duplex channel, an optimistic conversation cache, read
// receipts, and forced-session-termination handling.
//
// Example:
//
//	opts := chatcore.NewOptions()
//	opts.DataDir = "/tmp/chat"
//	opts.UserID = "alice"
//	opts.ServerURL = "ws://localhost:4000/ws"
//	opts.APIBaseURL = "http://localhost:4000"
//
//	client, err := chatcore.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	conv, err := client.OpenConversation(ctx, "bob")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer conv.Close()
//
//	client.SetViewFocused(true)
//	client.SetAppForegrounded(true)
//	conv.Send(ctx, "hello")
package chatcore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/apiclient"
	"github.com/opd-ai/chatcore/cache"
	"github.com/opd-ai/chatcore/crypto"
	"github.com/opd-ai/chatcore/keystore"
	"github.com/opd-ai/chatcore/receipts"
	"github.com/opd-ai/chatcore/session"
	"github.com/opd-ai/chatcore/spamguard"
	"github.com/opd-ai/chatcore/transport"
)

// DecryptionPlaceholder is rendered in place of a message that could
// not be opened. Undecryptable content is never shown garbled or empty.
const DecryptionPlaceholder = "This message could not be decrypted."

// PreviewFunc receives a user-visible preview for a newly arrived
// message that passed the spam guard.
type PreviewFunc func(senderID, roomID, preview string)

// Options configures a messaging core client.
type Options struct {
	DataDir    string
	UserID     string
	ServerURL  string
	APIBaseURL string
	DeviceID   string

	SpamGuard            spamguard.Config
	PresencePingInterval time.Duration
	TransportRetries     int
	TransportBackoff     time.Duration
	PresenceTimeout      time.Duration

	// OnPreview surfaces previews for incoming messages; nil disables
	// previews entirely.
	OnPreview PreviewFunc
	// OnNotice shows a blocking, user-acknowledged notice. Used for the
	// forced-logout notice.
	OnNotice func(message string)
	// OnLogout completes a logout in the embedding application.
	OnLogout func()

	// Dial overrides the websocket dialer. Tests use this to inject an
	// in-memory connection.
	Dial transport.Dialer
	// Loader overrides the page source; defaults to the HTTP store.
	Loader cache.PageLoader
}

// NewOptions returns Options with defaults filled in.
func NewOptions() Options {
	return Options{
		SpamGuard:            spamguard.DefaultConfig(),
		PresencePingInterval: 5 * time.Second,
	}
}

// Client is the messaging core for one authenticated user on one device.
type Client struct {
	opts     Options
	keys     *keystore.Store
	identity *crypto.KeyPair
	api      *apiclient.Client
	conn     *transport.Client
	life     *session.Lifecycle
	tracker  *receipts.Tracker
	guard    *spamguard.Guard

	mu          sync.Mutex
	rooms       map[string]*cache.Cache
	roomPeers   map[string]string
	unsubscribe func()
}

// New builds the core: ensures the identity key pair exists, wires the
// transport with the public half as auth metadata, and subscribes the
// core event handler. No connection is attempted until the gating
// signals open.
func New(opts Options) (*Client, error) {
	if opts.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if opts.PresencePingInterval <= 0 {
		opts.PresencePingInterval = 5 * time.Second
	}

	keys, err := keystore.New(opts.DataDir)
	if err != nil {
		return nil, err
	}
	identity, cached, err := keys.EnsureIdentity()
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "New",
		"user_id":    opts.UserID,
		"from_cache": cached,
		"public_key": identity.Public[:8],
	}).Info("Messaging core identity ready")

	c := &Client{
		opts:      opts,
		keys:      keys,
		identity:  identity,
		api:       apiclient.New(opts.APIBaseURL, opts.UserID),
		guard:     spamguard.New(opts.SpamGuard),
		rooms:     make(map[string]*cache.Cache),
		roomPeers: make(map[string]string),
	}

	c.conn = transport.NewClient(transport.Config{
		ServerURL:       opts.ServerURL,
		UserID:          opts.UserID,
		PublicKey:       identity.Public,
		DeviceID:        opts.DeviceID,
		MaxRetries:      opts.TransportRetries,
		RetryBackoff:    opts.TransportBackoff,
		PresenceTimeout: opts.PresenceTimeout,
		Dial:            opts.Dial,
	})

	c.life = session.NewLifecycle(keys, opts.OnNotice, func() {
		c.conn.Close()
		if opts.OnLogout != nil {
			opts.OnLogout()
		}
	})

	c.tracker = receipts.NewTracker(&receiptFlusher{c: c})
	c.unsubscribe = c.conn.Subscribe(c.handleEvent)

	return c, nil
}

// Transport exposes the underlying channel, mainly for tests and the
// demo CLI.
func (c *Client) Transport() *transport.Client {
	return c.conn
}

// SetViewFocused forwards the view-focus gating signal to the transport.
func (c *Client) SetViewFocused(focused bool) {
	c.conn.SetViewFocused(focused)
}

// SetAppForegrounded forwards the app-foreground gating signal.
func (c *Client) SetAppForegrounded(foregrounded bool) {
	c.conn.SetAppForegrounded(foregrounded)
}

// Logout tears down the channel and erases the identity key pair. The
// remote key cache survives; use the forced-termination path or
// keystore.ClearAll for a full wipe.
func (c *Client) Logout() error {
	c.conn.Close()
	return c.keys.Clear()
}

// handleEvent is the core-level subscriber wired for the client's
// lifetime. Conversation views add their own narrower subscriptions.
func (c *Client) handleEvent(evt transport.Event) {
	switch e := evt.(type) {
	case transport.RemotePublicKeyEvent:
		c.storeRemoteKey(e.OwnerID, e.Key)

	case transport.IncomingMessageEvent:
		c.handleIncoming(e)

	case transport.ReceiptUpdateEvent:
		c.applyReceipt(e)

	case transport.SessionTerminatedEvent:
		c.life.Terminate()

	case transport.TransportErrorEvent:
		logrus.WithFields(logrus.Fields{
			"function": "handleEvent",
			"user_id":  c.opts.UserID,
		}).WithError(e.Err).Warn("Transport error")
	}
}

func (c *Client) storeRemoteKey(ownerID string, key []byte) {
	if len(key) != crypto.KeySize {
		logrus.WithFields(logrus.Fields{
			"function": "storeRemoteKey",
			"owner_id": ownerID,
			"length":   len(key),
		}).Warn("Ignoring remote public key with invalid length")
		return
	}
	var fixed [crypto.KeySize]byte
	copy(fixed[:], key)
	if err := c.keys.StoreRemotePublicKey(ownerID, fixed); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "storeRemoteKey",
			"owner_id": ownerID,
		}).WithError(err).Error("Failed to persist remote public key")
	}
}

// handleIncoming merges a transport-delivered message into the room
// cache. Self-authored echoes confirm the optimistic entry; peer
// messages are opened, stored, acknowledged, and (spam guard willing)
// previewed.
func (c *Client) handleIncoming(e transport.IncomingMessageEvent) {
	roomCache := c.roomCache(e.RoomID)
	sentAt := time.Unix(e.SentAt, 0)
	if e.SentAt == 0 {
		sentAt = time.Now()
	}

	if e.SenderID == c.opts.UserID {
		roomCache.MergeIncoming(&cache.Message{
			ID:          e.ID,
			TemporaryID: e.TemporaryID,
			AuthorID:    e.SenderID,
			RoomID:      e.RoomID,
			State:       cache.StateSent,
			SentAt:      sentAt,
			Created:     sentAt,
		})
		return
	}

	plaintext, openErr := c.open(e.ID, e.SenderID, e.Ciphertext, e.Nonce)
	text := plaintext
	undecryptable := openErr != nil
	if openErr != nil {
		logrus.WithFields(logrus.Fields{
			"function":  "handleIncoming",
			"sender_id": e.SenderID,
			"id":        e.ID,
		}).WithError(openErr).Warn("Incoming message could not be opened")
		text = DecryptionPlaceholder
	}

	existing := roomCache.Find(e.ID)
	healed := existing != nil && existing.Undecryptable && openErr == nil

	merged := roomCache.MergeIncoming(&cache.Message{
		ID:            e.ID,
		TemporaryID:   e.TemporaryID,
		AuthorID:      e.SenderID,
		RoomID:        e.RoomID,
		Plaintext:     text,
		Ciphertext:    e.Ciphertext,
		Nonce:         e.Nonce,
		Undecryptable: undecryptable,
		State:         cache.StateDelivered,
		SentAt:        sentAt,
		Created:       sentAt,
	})

	// A placeholder renders nothing worth acknowledging as read; the
	// ack waits for a redelivery that actually opens.
	if openErr != nil || (!merged && !healed) {
		return
	}

	c.tracker.Add(e.ID)
	go c.FlushReceipts(context.Background())

	if merged && c.opts.OnPreview != nil && c.guard.Allow(e.SenderID) {
		c.opts.OnPreview(e.SenderID, e.RoomID, text)
	}
}

// applyReceipt routes a receipt to the room holding the message. The
// event does not carry a room id, so open room caches are probed in
// turn; lookup inside each cache stays confined to the newest page.
func (c *Client) applyReceipt(e transport.ReceiptUpdateEvent) {
	state, err := cache.ParseState(e.State)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "applyReceipt",
			"ref":      e.Ref,
			"state":    e.State,
		}).Warn("Ignoring receipt with unknown state")
		return
	}

	c.mu.Lock()
	caches := make([]*cache.Cache, 0, len(c.rooms))
	for _, rc := range c.rooms {
		caches = append(caches, rc)
	}
	c.mu.Unlock()

	for _, rc := range caches {
		if rc.ApplyReceiptUpdate(e.Ref, state) {
			return
		}
	}
}

// open decrypts one incoming sealed message using the sender's cached
// public key. All failure modes map onto DecryptionError reasons and
// are isolated to the single message.
func (c *Client) open(messageID, senderID string, ciphertext, nonceBytes []byte) (string, error) {
	senderKey, err := c.keys.RemotePublicKey(senderID)
	if err != nil {
		if errors.Is(err, keystore.ErrKeyNotFound) {
			return "", &crypto.DecryptionError{MessageID: messageID, Reason: crypto.ErrMissingRemoteKey}
		}
		return "", fmt.Errorf("loading sender key: %w", err)
	}

	nonce, err := crypto.NonceFromBytes(nonceBytes)
	if err != nil {
		return "", &crypto.DecryptionError{MessageID: messageID, Reason: crypto.ErrMalformedNonce}
	}

	plaintext, err := crypto.Open(ciphertext, nonce, senderKey, c.identity.Private)
	if err != nil {
		return "", &crypto.DecryptionError{MessageID: messageID, Reason: crypto.ErrAuthenticationFailed}
	}
	return string(plaintext), nil
}

// roomCache returns the cache for a room, creating it on first touch.
// Each cache serializes its own mutations, giving the per-room
// single-writer discipline.
func (c *Client) roomCache(roomID string) *cache.Cache {
	c.mu.Lock()
	defer c.mu.Unlock()

	rc, ok := c.rooms[roomID]
	if !ok {
		loader := c.opts.Loader
		if loader == nil {
			loader = &decryptingLoader{c: c}
		}
		rc = cache.New(roomID, loader)
		c.rooms[roomID] = rc
	}
	return rc
}

func (c *Client) peerForRoom(roomID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomPeers[roomID]
}

// SendText seals and sends a text message. The optimistic entry is
// appended to the cache synchronously before any network activity, so
// the UI shows it immediately. On any failure the entry stays visibly
// Pending; there is no automatic retry.
func (c *Client) SendText(roomID, recipientID, text string) (*cache.Message, error) {
	msg := cache.NewOptimistic(roomID, c.opts.UserID, text)
	c.roomCache(roomID).AppendOptimistic(msg)

	recipientKey, err := c.keys.RemotePublicKey(recipientID)
	if err != nil {
		return msg, fmt.Errorf("recipient key unavailable: %w", err)
	}

	ciphertext, nonce, err := crypto.Seal([]byte(text), recipientKey, c.identity.Private)
	if err != nil {
		return msg, fmt.Errorf("sealing message: %w", err)
	}
	msg.Ciphertext = ciphertext
	msg.Nonce = nonce[:]

	err = c.conn.SendMessage(transport.OutgoingMessage{
		TemporaryID: msg.TemporaryID,
		RecipientID: recipientID,
		RoomID:      roomID,
		Ciphertext:  ciphertext,
		Nonce:       nonce[:],
	})
	if err != nil {
		return msg, err
	}
	return msg, nil
}

// FlushReceipts pushes any pending read acknowledgements to the server.
func (c *Client) FlushReceipts(ctx context.Context) error {
	return c.tracker.Flush(ctx)
}

// receiptFlusher prefers the live channel for receipt batches and falls
// back to the HTTP endpoint when the channel is down.
type receiptFlusher struct {
	c *Client
}

func (f *receiptFlusher) SendReceiptBatch(ctx context.Context, messageIDs []string) error {
	if f.c.conn.IsConnected() {
		if err := f.c.conn.SendReceiptBatch(messageIDs); err == nil {
			return nil
		}
	}
	return f.c.api.SendReceiptBatch(ctx, messageIDs)
}

// decryptingLoader fetches pages from the HTTP store and opens each
// sealed entry with the room peer's key. Entries that fail to open get
// the placeholder; the page load itself never fails on one bad message.
type decryptingLoader struct {
	c *Client
}

func (l *decryptingLoader) LoadPage(ctx context.Context, roomID string, page int) (*cache.Page, error) {
	loaded, err := l.c.api.LoadPage(ctx, roomID, page)
	if err != nil {
		return nil, err
	}

	for _, msg := range loaded.Messages {
		// The box shared secret is symmetric between the two
		// participants, so the peer's public key opens both directions.
		other := msg.AuthorID
		if other == l.c.opts.UserID {
			other = l.c.peerForRoom(roomID)
		}
		plaintext, openErr := l.c.open(msg.ID, other, msg.Ciphertext, msg.Nonce)
		if openErr != nil {
			msg.Plaintext = DecryptionPlaceholder
			msg.Undecryptable = true
			continue
		}
		msg.Plaintext = plaintext
	}
	return loaded, nil
}
