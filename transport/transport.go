// Package transport maintains the persistent, authenticated duplex
// channel to the messaging server.
//
// One Client exists per authenticated user per device. The connection is
// gated by two external signals ANDed together: the conversation view
// must be focused and the host app must be in the foreground. Either
// signal going false disconnects immediately; both going true
// (re)connects. Frequent connect/disconnect cycles are a deliberate
// battery and bandwidth tradeoff, not a failure mode.
//
// Subscribers receive typed events (connection changes, presence,
// incoming messages, receipts, forced session termination) and detach
// with the unsubscribe function returned by Subscribe.
package transport

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/crypto"
	"github.com/opd-ai/chatcore/limits"
)

// State represents the connection state of the channel.
type State uint8

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns a readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

var (
	// ErrNotConnected indicates a send was attempted while the channel
	// is down. The message stays pending; no automatic retry occurs.
	ErrNotConnected = errors.New("transport not connected")

	// ErrRetriesExhausted indicates the bounded reconnection policy gave
	// up. A fresh focus/foreground transition restarts the policy.
	ErrRetriesExhausted = errors.New("reconnection attempts exhausted")
)

const (
	// DefaultMaxRetries is the fixed reconnection attempt cap.
	DefaultMaxRetries = 5
	// DefaultRetryBackoff is the fixed (non-exponential) interval
	// between reconnection attempts.
	DefaultRetryBackoff = 2 * time.Second
	// DefaultPresenceTimeout is how long a peer stays online without a
	// fresh presence signal before decaying to offline.
	DefaultPresenceTimeout = 15 * time.Second
)

// Conn is the subset of a websocket connection the client uses. It
// exists so tests can substitute an in-memory connection.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer establishes a Conn to the server.
type Dialer func(url string) (Conn, error)

// WebsocketDialer dials a real websocket connection.
func WebsocketDialer(url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Config parameterizes the channel for one authenticated user on one
// device. PublicKey and DeviceID are sent once at connect time as auth
// metadata; the private key never touches this package.
type Config struct {
	ServerURL string
	UserID    string
	PublicKey [crypto.KeySize]byte
	DeviceID  string

	MaxRetries      int
	RetryBackoff    time.Duration
	PresenceTimeout time.Duration

	// Dial defaults to WebsocketDialer.
	Dial Dialer
}

func (c *Config) withDefaults() {
	if c.DeviceID == "" {
		c.DeviceID = uuid.NewString()
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.PresenceTimeout <= 0 {
		c.PresenceTimeout = DefaultPresenceTimeout
	}
	if c.Dial == nil {
		c.Dial = WebsocketDialer
	}
}

// OutgoingMessage is a sealed message handed to the transport.
// Delivery is fire-and-forget from the transport's perspective;
// confirmation arrives later as a receipt or server echo.
type OutgoingMessage struct {
	TemporaryID string
	RecipientID string
	RoomID      string
	Ciphertext  []byte
	Nonce       []byte
}

// Client is the duplex channel to the messaging server.
type Client struct {
	cfg Config

	mu           sync.Mutex
	state        State
	conn         Conn
	gen          uint64
	focused      bool
	foregrounded bool

	writeMu sync.Mutex

	handlersMu  sync.RWMutex
	handlers    map[int]Handler
	nextHandler int

	presenceMu     sync.Mutex
	presenceTimers map[string]*time.Timer
}

// NewClient creates a transport client. No connection is attempted
// until both gating signals are true.
func NewClient(cfg Config) *Client {
	cfg.withDefaults()
	return &Client{
		cfg:            cfg,
		handlers:       make(map[int]Handler),
		presenceTimers: make(map[string]*time.Timer),
	}
}

// Subscribe registers a handler for transport events and returns the
// matching unsubscribe function. Subscribe on view mount, unsubscribe
// on unmount; a leaked subscription outlives its view.
func (c *Client) Subscribe(h Handler) func() {
	c.handlersMu.Lock()
	id := c.nextHandler
	c.nextHandler++
	c.handlers[id] = h
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		delete(c.handlers, id)
		c.handlersMu.Unlock()
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the channel is established.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// SetViewFocused updates the view-focus gating signal.
func (c *Client) SetViewFocused(focused bool) {
	c.setGate(func() { c.focused = focused })
}

// SetAppForegrounded updates the app-foreground gating signal.
func (c *Client) SetAppForegrounded(foregrounded bool) {
	c.setGate(func() { c.foregrounded = foregrounded })
}

// setGate applies a gating change and reconciles the connection with
// the new gate value.
func (c *Client) setGate(apply func()) {
	c.mu.Lock()
	apply()
	open := c.focused && c.foregrounded

	if open && c.state == StateDisconnected {
		c.gen++
		gen := c.gen
		c.state = StateConnecting
		c.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "setGate",
			"user_id":  c.cfg.UserID,
		}).Debug("Gate opened, connecting")

		go c.run(gen)
		return
	}

	if !open && c.state != StateDisconnected {
		c.teardownLocked()
		c.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "setGate",
			"user_id":  c.cfg.UserID,
		}).Debug("Gate closed, disconnected")

		c.emit(DisconnectedEvent{})
		return
	}

	c.mu.Unlock()
}

// Close tears the channel down unconditionally. Used on logout; view
// teardown must use the gating signals instead.
func (c *Client) Close() {
	c.mu.Lock()
	wasUp := c.state != StateDisconnected
	c.focused = false
	c.foregrounded = false
	c.teardownLocked()
	c.mu.Unlock()

	c.presenceMu.Lock()
	for id, timer := range c.presenceTimers {
		timer.Stop()
		delete(c.presenceTimers, id)
	}
	c.presenceMu.Unlock()

	if wasUp {
		c.emit(DisconnectedEvent{})
	}
}

// teardownLocked invalidates the running loop and closes any live
// connection. Caller holds c.mu.
func (c *Client) teardownLocked() {
	c.gen++
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateDisconnected
}

// run drives the connect/read/reconnect cycle for one gate opening.
// The attempt counter resets after every successful connection, so the
// cap bounds consecutive failures, not total reconnects.
func (c *Client) run(gen uint64) {
	attempt := 0
	for {
		if !c.shouldRun(gen) {
			return
		}
		if attempt >= c.cfg.MaxRetries {
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"user_id":  c.cfg.UserID,
				"attempts": attempt,
			}).Warn("Reconnection attempts exhausted")
			c.markGaveUp(gen)
			c.emit(TransportErrorEvent{Err: ErrRetriesExhausted})
			return
		}

		conn, err := c.cfg.Dial(c.cfg.ServerURL)
		if err != nil {
			attempt++
			c.emit(TransportErrorEvent{Err: fmt.Errorf("dial: %w", err)})
			time.Sleep(c.cfg.RetryBackoff)
			continue
		}

		if !c.adoptConn(gen, conn) {
			conn.Close()
			return
		}

		if err := c.writeEnvelope(conn, c.authEnvelope()); err != nil {
			attempt++
			c.dropConn(gen)
			c.emit(TransportErrorEvent{Err: fmt.Errorf("auth: %w", err)})
			time.Sleep(c.cfg.RetryBackoff)
			continue
		}

		if !c.markConnected(gen) {
			return
		}
		attempt = 0
		c.emit(ConnectedEvent{})

		readErr := c.readLoop(conn)

		if !c.dropConn(gen) {
			// Teardown already handled the disconnect.
			return
		}
		c.emit(DisconnectedEvent{Err: readErr})

		if !c.shouldRun(gen) {
			return
		}
		time.Sleep(c.cfg.RetryBackoff)
	}
}

func (c *Client) shouldRun(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && c.focused && c.foregrounded
}

func (c *Client) adoptConn(gen uint64, conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.conn = conn
	return true
}

func (c *Client) markConnected(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.state = StateConnected
	return true
}

// dropConn clears the connection after a read failure. Returns false if
// the generation moved on (teardown owns the disconnect in that case).
func (c *Client) dropConn(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = StateConnecting
	return true
}

// markGaveUp parks the client in Disconnected after retries are
// exhausted so a later gate transition can start a fresh cycle.
func (c *Client) markGaveUp(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	c.state = StateDisconnected
}

func (c *Client) authEnvelope() *Envelope {
	return &Envelope{
		Type:      TypeAuth,
		UserID:    c.cfg.UserID,
		PublicKey: base64.StdEncoding.EncodeToString(c.cfg.PublicKey[:]),
		DeviceID:  c.cfg.DeviceID,
	}
}

// readLoop consumes inbound frames until the connection fails.
func (c *Client) readLoop(conn Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := limits.ValidateEnvelope(data); err != nil {
			c.emit(TransportErrorEvent{Err: err})
			continue
		}
		env, err := DecodeEnvelope(data)
		if err != nil {
			c.emit(TransportErrorEvent{Err: fmt.Errorf("decoding envelope: %w", err)})
			continue
		}
		c.dispatch(env)
	}
}

// dispatch converts a wire envelope into a typed event.
func (c *Client) dispatch(env *Envelope) {
	switch env.Type {
	case TypeMessage:
		ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
		if err != nil {
			c.emit(TransportErrorEvent{Err: fmt.Errorf("decoding ciphertext: %w", err)})
			return
		}
		nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
		if err != nil {
			c.emit(TransportErrorEvent{Err: fmt.Errorf("decoding nonce: %w", err)})
			return
		}
		c.emit(IncomingMessageEvent{
			ID:          env.ID,
			TemporaryID: env.TemporaryID,
			SenderID:    env.SenderID,
			RoomID:      env.RoomID,
			Ciphertext:  ciphertext,
			Nonce:       nonce,
			SentAt:      env.SentAt,
		})

	case TypeReceipt:
		ref := env.TemporaryID
		if ref == "" {
			ref = env.ID
		}
		c.emit(ReceiptUpdateEvent{Ref: ref, State: env.State})

	case TypePresence:
		c.emit(PeerPresenceEvent{UserID: env.UserID, Online: env.Online})
		c.trackPresence(env.UserID, env.Online)

	case TypePublicKey:
		key, err := base64.StdEncoding.DecodeString(env.Key)
		if err != nil {
			c.emit(TransportErrorEvent{Err: fmt.Errorf("decoding public key: %w", err)})
			return
		}
		c.emit(RemotePublicKeyEvent{OwnerID: env.OwnerID, Key: key})

	case TypeSessionTerminated:
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"user_id":  c.cfg.UserID,
		}).Warn("Server terminated this device's session")
		c.emit(SessionTerminatedEvent{})

	default:
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"type":     env.Type,
		}).Debug("Ignoring unknown envelope type")
	}
}

// trackPresence arms the decay timer for a peer. Online signals must
// keep arriving or the peer flips back to offline after the timeout.
func (c *Client) trackPresence(userID string, online bool) {
	c.presenceMu.Lock()
	defer c.presenceMu.Unlock()

	if timer, ok := c.presenceTimers[userID]; ok {
		timer.Stop()
		delete(c.presenceTimers, userID)
	}
	if !online {
		return
	}
	c.presenceTimers[userID] = time.AfterFunc(c.cfg.PresenceTimeout, func() {
		c.presenceMu.Lock()
		delete(c.presenceTimers, userID)
		c.presenceMu.Unlock()
		c.emit(PeerPresenceEvent{UserID: userID, Online: false})
	})
}

// SendMessage hands a sealed message to the channel. Fire-and-forget:
// a nil return means the frame was written, not that it was delivered.
func (c *Client) SendMessage(msg OutgoingMessage) error {
	return c.send(&Envelope{
		Type:        TypeMessage,
		TemporaryID: msg.TemporaryID,
		RecipientID: msg.RecipientID,
		RoomID:      msg.RoomID,
		SenderID:    c.cfg.UserID,
		Ciphertext:  base64.StdEncoding.EncodeToString(msg.Ciphertext),
		Nonce:       base64.StdEncoding.EncodeToString(msg.Nonce),
	})
}

// SendPresencePing asks the server for a fresh liveness signal for a
// peer. Sent on a short fixed interval while a conversation is open.
func (c *Client) SendPresencePing(targetUserID string) error {
	return c.send(&Envelope{
		Type:     TypePresencePing,
		TargetID: targetUserID,
		UserID:   c.cfg.UserID,
	})
}

// SendReceiptBatch acknowledges a batch of incoming message ids as read.
func (c *Client) SendReceiptBatch(messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	return c.send(&Envelope{
		Type:       TypeReceiptBatch,
		UserID:     c.cfg.UserID,
		State:      "read",
		MessageIDs: messageIDs,
	})
}

func (c *Client) send(env *Envelope) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}
	if err := c.writeEnvelope(conn, env); err != nil {
		c.emit(TransportErrorEvent{Err: err})
		return err
	}
	return nil
}

// writeEnvelope serializes writes; websocket connections permit only a
// single concurrent writer.
func (c *Client) writeEnvelope(conn Conn, env *Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// emit dispatches an event to all subscribers registered at the time
// of the snapshot.
func (c *Client) emit(evt Event) {
	c.handlersMu.RLock()
	handlers := make([]Handler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.handlersMu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
}
