package apiclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatcore/cache"
)

func TestLoadPageMapsWireFields(t *testing.T) {
	ciphertext := base64.StdEncoding.EncodeToString([]byte{1, 2, 3})
	nonce := base64.StdEncoding.EncodeToString([]byte{4, 5, 6})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "room1", r.URL.Query().Get("room_id"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "30", r.URL.Query().Get("page_size"))

		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{
				{
					"id": "m1", "author_id": "bob", "room_id": "room1",
					"ciphertext": ciphertext, "nonce": nonce,
					"state": "delivered", "sent_at": 1700000000,
				},
			},
			"page":            2,
			"next_cursor":     "3",
			"previous_cursor": "1",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "alice")
	page, err := c.LoadPage(context.Background(), "room1", 2)
	require.NoError(t, err)

	assert.Equal(t, 2, page.Number)
	assert.Equal(t, "3", page.NextCursor)
	assert.Equal(t, "1", page.PreviousCursor)
	require.Len(t, page.Messages, 1)

	msg := page.Messages[0]
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "bob", msg.AuthorID)
	assert.Equal(t, []byte{1, 2, 3}, msg.Ciphertext)
	assert.Equal(t, []byte{4, 5, 6}, msg.Nonce)
	assert.Equal(t, cache.StateDelivered, msg.State)
	assert.EqualValues(t, 1700000000, msg.SentAt.Unix())
}

func TestLoadPageSkipsMalformedEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{
				{"id": "bad", "ciphertext": "not-base64!!", "nonce": "", "state": "sent"},
				{
					"id": "good", "author_id": "bob",
					"ciphertext": base64.StdEncoding.EncodeToString([]byte("x")),
					"nonce":      base64.StdEncoding.EncodeToString([]byte("y")),
					"state":      "sent", "sent_at": 1,
				},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "alice")
	page, err := c.LoadPage(context.Background(), "room1", 1)
	require.NoError(t, err, "one rotten entry must not fail the page")
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "good", page.Messages[0].ID)
}

func TestLoadPageServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, "alice")
	_, err := c.LoadPage(context.Background(), "room1", 1)
	assert.Error(t, err)
}

func TestSendReceiptBatchPostsReadStates(t *testing.T) {
	var got receiptRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/receipts", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	c := New(srv.URL, "alice")
	require.NoError(t, c.SendReceiptBatch(context.Background(), []string{"m1", "m2"}))

	assert.Equal(t, "alice", got.UserID)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, receiptEntry{ID: "m1", State: "read"}, got.Messages[0])
	assert.Equal(t, receiptEntry{ID: "m2", State: "read"}, got.Messages[1])
}

func TestCreateRoomDecodesPeerKey(t *testing.T) {
	key := make([]byte, 32)
	key[0] = 0x42

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req roomRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "alice", req.UserID)
		assert.Equal(t, "bob", req.PeerID)

		json.NewEncoder(w).Encode(map[string]any{
			"room_id":         "room1",
			"peer_id":         "bob",
			"peer_public_key": base64.StdEncoding.EncodeToString(key),
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "alice")
	room, err := c.CreateRoom(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "room1", room.RoomID)
	assert.Equal(t, "bob", room.PeerID)
	assert.Equal(t, key, room.PeerPublicKey)
}

func TestCreateRoomUnknownPeer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "peer key unknown", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "alice")
	_, err := c.CreateRoom(context.Background(), "nobody")
	assert.Error(t, err)
}
