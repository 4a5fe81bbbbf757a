// Package apiclient talks to the external message store over HTTP: the
// paginated conversation history, the receipt acknowledgement endpoint,
// and the room-creation key exchange.
//
// Messages come back from the store still sealed; decryption is the
// caller's concern.
package apiclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/cache"
)

// DefaultPageSize is the page size requested from the store.
const DefaultPageSize = 30

// Client is a thin JSON-over-HTTP client for the message store.
// UserID identifies the caller to the store on writes.
type Client struct {
	Base     string
	UserID   string
	HTTP     *http.Client
	PageSize int
}

// New creates a Client against the given base URL.
func New(base, userID string) *Client {
	return &Client{
		Base:     base,
		UserID:   userID,
		HTTP:     http.DefaultClient,
		PageSize: DefaultPageSize,
	}
}

var _ cache.PageLoader = (*Client)(nil)

// wireMessage is the store's JSON message layout.
type wireMessage struct {
	ID          string `json:"id"`
	TemporaryID string `json:"temporary_id"`
	AuthorID    string `json:"author_id"`
	RoomID      string `json:"room_id"`
	Ciphertext  string `json:"ciphertext"`
	Nonce       string `json:"nonce"`
	State       string `json:"state"`
	SentAt      int64  `json:"sent_at"`
}

type pageResponse struct {
	Messages       []wireMessage `json:"messages"`
	Page           int           `json:"page"`
	NextCursor     string        `json:"next_cursor"`
	PreviousCursor string        `json:"previous_cursor"`
}

// LoadPage fetches one page of conversation history, newest-first.
// Message content stays sealed in the returned entries.
func (c *Client) LoadPage(ctx context.Context, roomID string, page int) (*cache.Page, error) {
	q := url.Values{}
	q.Set("room_id", roomID)
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(c.PageSize))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+"/messages?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("loading page %d failed: %s", page, resp.Status)
	}

	var body pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}

	out := &cache.Page{
		Number:         page,
		NextCursor:     body.NextCursor,
		PreviousCursor: body.PreviousCursor,
		Messages:       make([]*cache.Message, 0, len(body.Messages)),
	}
	for _, wm := range body.Messages {
		msg, err := wm.toMessage()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "LoadPage",
				"room_id":  roomID,
				"id":       wm.ID,
			}).WithError(err).Warn("Skipping malformed stored message")
			continue
		}
		out.Messages = append(out.Messages, msg)
	}

	return out, nil
}

func (wm wireMessage) toMessage() (*cache.Message, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(wm.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(wm.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	state, err := cache.ParseState(wm.State)
	if err != nil {
		return nil, err
	}
	return &cache.Message{
		ID:          wm.ID,
		TemporaryID: wm.TemporaryID,
		AuthorID:    wm.AuthorID,
		RoomID:      wm.RoomID,
		Ciphertext:  ciphertext,
		Nonce:       nonce,
		State:       state,
		SentAt:      time.Unix(wm.SentAt, 0),
		Created:     time.Unix(wm.SentAt, 0),
	}, nil
}

type receiptEntry struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type receiptRequest struct {
	UserID   string         `json:"user_id"`
	Messages []receiptEntry `json:"messages"`
}

// SendReceiptBatch acknowledges a batch of message ids as read.
// Duplicate acknowledgements are expected to be idempotent server-side.
func (c *Client) SendReceiptBatch(ctx context.Context, messageIDs []string) error {
	entries := make([]receiptEntry, 0, len(messageIDs))
	for _, id := range messageIDs {
		entries = append(entries, receiptEntry{ID: id, State: "read"})
	}
	payload, err := json.Marshal(receiptRequest{UserID: c.UserID, Messages: entries})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+"/receipts", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("receipt batch failed: %s", resp.Status)
	}
	return nil
}

// RoomInfo is the result of creating (or fetching) a room with a peer.
// The peer's public key must be stored before any of their messages can
// be opened.
type RoomInfo struct {
	RoomID        string
	PeerID        string
	PeerPublicKey []byte
}

type roomRequest struct {
	UserID string `json:"user_id"`
	PeerID string `json:"peer_id"`
}

type roomResponse struct {
	RoomID        string `json:"room_id"`
	PeerID        string `json:"peer_id"`
	PeerPublicKey string `json:"peer_public_key"`
}

// CreateRoom creates or fetches the two-party room with a peer,
// returning the peer's current public key.
func (c *Client) CreateRoom(ctx context.Context, peerID string) (*RoomInfo, error) {
	payload, err := json.Marshal(roomRequest{UserID: c.UserID, PeerID: peerID})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+"/rooms", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("room creation failed: %s", resp.Status)
	}

	var body roomResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(body.PeerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("decoding peer public key: %w", err)
	}

	return &RoomInfo{
		RoomID:        body.RoomID,
		PeerID:        body.PeerID,
		PeerPublicKey: key,
	}, nil
}
