package transport

// Event is a typed transport event delivered to subscribers. Variants
// are dispatched in the order they arrive from the server; handlers run
// on the transport's read goroutine and should hand heavy work off.
type Event interface {
	isEvent()
}

// ConnectedEvent fires when the channel is established and the auth
// metadata has been sent.
type ConnectedEvent struct{}

// DisconnectedEvent fires when the channel drops, whether by policy
// (focus/foreground gate) or by failure.
type DisconnectedEvent struct {
	Err error
}

// PeerPresenceEvent carries the soft online/offline signal for a peer.
// Online decays to false after a fixed timeout without a fresh signal.
type PeerPresenceEvent struct {
	UserID string
	Online bool
}

// RemotePublicKeyEvent announces a peer's public key observed on the
// channel; it must be stored before messages from that peer can be
// opened.
type RemotePublicKeyEvent struct {
	OwnerID string
	Key     []byte
}

// IncomingMessageEvent carries one sealed message.
type IncomingMessageEvent struct {
	ID          string
	TemporaryID string
	SenderID    string
	RoomID      string
	Ciphertext  []byte
	Nonce       []byte
	SentAt      int64
}

// ReceiptUpdateEvent carries a delivery-state transition for a message
// previously sent from this device. Ref is the temporary id before
// confirmation, the server id after.
type ReceiptUpdateEvent struct {
	Ref   string
	State string
}

// SessionTerminatedEvent signals that the server has invalidated this
// device's session, typically because another device authenticated with
// priority. Local key material must be wiped in response.
type SessionTerminatedEvent struct{}

// TransportErrorEvent reports a non-fatal channel error; the
// reconnection policy handles recovery.
type TransportErrorEvent struct {
	Err error
}

func (ConnectedEvent) isEvent()         {}
func (DisconnectedEvent) isEvent()      {}
func (PeerPresenceEvent) isEvent()      {}
func (RemotePublicKeyEvent) isEvent()   {}
func (IncomingMessageEvent) isEvent()   {}
func (ReceiptUpdateEvent) isEvent()     {}
func (SessionTerminatedEvent) isEvent() {}
func (TransportErrorEvent) isEvent()    {}

// Handler receives dispatched events.
type Handler func(Event)
