package transport

import "encoding/json"

// Envelope types exchanged on the duplex channel.
const (
	TypeAuth              = "auth"
	TypeMessage           = "message"
	TypeReceipt           = "receipt"
	TypeReceiptBatch      = "receipt_batch"
	TypePresencePing      = "presence_ping"
	TypePresence          = "presence"
	TypePublicKey         = "public_key"
	TypeSessionTerminated = "session_terminated"
)

// Envelope is the JSON wire frame for every message on the channel.
// Fields are populated per Type; key material is base64-encoded.
type Envelope struct {
	Type string `json:"type"`

	// auth
	UserID    string `json:"user_id,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
	DeviceID  string `json:"device_id,omitempty"`

	// message
	ID          string `json:"id,omitempty"`
	TemporaryID string `json:"temporary_id,omitempty"`
	SenderID    string `json:"sender_id,omitempty"`
	RecipientID string `json:"recipient_id,omitempty"`
	RoomID      string `json:"room_id,omitempty"`
	Ciphertext  string `json:"ciphertext,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
	SentAt      int64  `json:"sent_at,omitempty"`

	// receipt / receipt_batch
	State      string   `json:"state,omitempty"`
	MessageIDs []string `json:"message_ids,omitempty"`

	// presence / presence_ping
	TargetID string `json:"target_id,omitempty"`
	Online   bool   `json:"online,omitempty"`

	// public_key
	OwnerID string `json:"owner_id,omitempty"`
	Key     string `json:"key,omitempty"`
}

// Encode marshals the envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a wire frame.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
