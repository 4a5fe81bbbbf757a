package main

import (
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/transport"
)

// relayClient is one authenticated websocket connection.
type relayClient struct {
	userID   string
	deviceID string
	pubKey   string
	conn     *websocket.Conn
	send     chan []byte
}

func (c *relayClient) writePump() {
	for data := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// hub tracks connected devices and forwards sealed envelopes between
// them. One active device per user: a second authentication for the
// same user terminates the first session, matching the production
// server's priority rule.
type hub struct {
	store *memoryStore

	clients map[string]*relayClient

	keysMu sync.RWMutex
	keys   map[string]string // user id -> base64 public key

	registerCh   chan *relayClient
	unregisterCh chan *relayClient
	inboundCh    chan inbound
}

type inbound struct {
	from *relayClient
	env  *transport.Envelope
}

func newHub(store *memoryStore) *hub {
	return &hub{
		store:        store,
		clients:      make(map[string]*relayClient),
		keys:         make(map[string]string),
		registerCh:   make(chan *relayClient),
		unregisterCh: make(chan *relayClient),
		inboundCh:    make(chan inbound, 16),
	}
}

// run is the single goroutine that owns the client registry, so
// forwarding needs no locks.
func (h *hub) run() {
	for {
		select {
		case c := <-h.registerCh:
			h.register(c)
		case c := <-h.unregisterCh:
			if h.clients[c.userID] == c {
				delete(h.clients, c.userID)
				h.broadcastPresence(c.userID, false)
			}
			close(c.send)
		case in := <-h.inboundCh:
			h.handle(in.from, in.env)
		}
	}
}

func (h *hub) register(c *relayClient) {
	if old, ok := h.clients[c.userID]; ok {
		h.deliverTo(old, &transport.Envelope{Type: transport.TypeSessionTerminated})
		old.conn.Close()
		logrus.WithFields(logrus.Fields{
			"function": "register",
			"user_id":  c.userID,
		}).Warn("Terminated prior session for user")
	}
	h.clients[c.userID] = c
	if c.pubKey != "" {
		h.keysMu.Lock()
		h.keys[c.userID] = c.pubKey
		h.keysMu.Unlock()
	}

	// Share known keys both ways so either side can open messages.
	h.keysMu.RLock()
	known := make(map[string]string, len(h.keys))
	for owner, key := range h.keys {
		known[owner] = key
	}
	h.keysMu.RUnlock()

	for owner, key := range known {
		if owner == c.userID {
			continue
		}
		h.deliverTo(c, &transport.Envelope{Type: transport.TypePublicKey, OwnerID: owner, Key: key})
	}
	if key, ok := known[c.userID]; ok {
		env := &transport.Envelope{Type: transport.TypePublicKey, OwnerID: c.userID, Key: key}
		for id, peer := range h.clients {
			if id != c.userID {
				h.deliverTo(peer, env)
			}
		}
	}
	h.broadcastPresence(c.userID, true)
}

// publicKey returns the last public key a user authenticated with.
func (h *hub) publicKey(userID string) (string, bool) {
	h.keysMu.RLock()
	defer h.keysMu.RUnlock()
	key, ok := h.keys[userID]
	return key, ok
}

func (h *hub) broadcastPresence(userID string, online bool) {
	env := &transport.Envelope{Type: transport.TypePresence, UserID: userID, Online: online}
	for id, c := range h.clients {
		if id != userID {
			h.deliverTo(c, env)
		}
	}
}

func (h *hub) handle(from *relayClient, env *transport.Envelope) {
	switch env.Type {
	case transport.TypeMessage:
		h.handleMessage(from, env)

	case transport.TypeReceiptBatch:
		for _, msg := range h.store.markRead(env.MessageIDs) {
			if author, ok := h.clients[msg.AuthorID]; ok {
				h.deliverTo(author, &transport.Envelope{
					Type:        transport.TypeReceipt,
					ID:          msg.ID,
					TemporaryID: msg.TemporaryID,
					State:       "read",
				})
			}
		}

	case transport.TypePresencePing:
		_, online := h.clients[env.TargetID]
		h.deliverTo(from, &transport.Envelope{
			Type:   transport.TypePresence,
			UserID: env.TargetID,
			Online: online,
		})

	default:
		logrus.WithFields(logrus.Fields{
			"function": "handle",
			"type":     env.Type,
		}).Debug("Dropping unknown envelope type")
	}
}

func (h *hub) handleMessage(from *relayClient, env *transport.Envelope) {
	msg := &storedMessage{
		ID:          uuid.NewString(),
		TemporaryID: env.TemporaryID,
		AuthorID:    from.userID,
		RoomID:      env.RoomID,
		Ciphertext:  env.Ciphertext,
		Nonce:       env.Nonce,
		State:       "sent",
		SentAt:      time.Now().Unix(),
	}
	h.store.append(msg)

	out := &transport.Envelope{
		Type:        transport.TypeMessage,
		ID:          msg.ID,
		TemporaryID: msg.TemporaryID,
		SenderID:    from.userID,
		RoomID:      msg.RoomID,
		Ciphertext:  msg.Ciphertext,
		Nonce:       msg.Nonce,
		SentAt:      msg.SentAt,
	}

	// Echo to the sender so the optimistic entry picks up the server id.
	h.deliverTo(from, out)
	h.deliverTo(from, &transport.Envelope{
		Type:        transport.TypeReceipt,
		ID:          msg.ID,
		TemporaryID: msg.TemporaryID,
		State:       "sent",
	})

	recipient, ok := h.clients[env.RecipientID]
	if !ok {
		return
	}
	h.deliverTo(recipient, out)
	h.deliverTo(from, &transport.Envelope{
		Type:        transport.TypeReceipt,
		ID:          msg.ID,
		TemporaryID: msg.TemporaryID,
		State:       "delivered",
	})
}

func (h *hub) deliverTo(c *relayClient, env *transport.Envelope) {
	data, err := env.Encode()
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "deliverTo",
			"user_id":  c.userID,
		}).Warn("Dropping envelope for slow client")
	}
}

// serveWS handles one websocket connection: the first frame must be an
// auth envelope carrying {user_id, public_key, device_id}.
func (h *hub) serveWS(conn *websocket.Conn) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	env, err := transport.DecodeEnvelope(data)
	if err != nil || env.Type != transport.TypeAuth || env.UserID == "" {
		conn.Close()
		return
	}

	client := &relayClient{
		userID:   env.UserID,
		deviceID: env.DeviceID,
		pubKey:   env.PublicKey,
		conn:     conn,
		send:     make(chan []byte, 16),
	}
	h.registerCh <- client
	defer func() { h.unregisterCh <- client }()

	logrus.WithFields(logrus.Fields{
		"function":  "serveWS",
		"user_id":   client.userID,
		"device_id": client.deviceID,
	}).Info("Client authenticated")

	go client.writePump()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := transport.DecodeEnvelope(data)
		if err != nil {
			continue
		}
		h.inboundCh <- inbound{from: client, env: env}
	}
}
