// chatcore-relay is a development messaging server for the chatcore
// client: it authenticates websocket sessions, forwards sealed
// envelopes between peers, serves the paginated message store, and
// enforces one active session per user.
package main

import (
	"flag"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

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

func main() {
	addr := flag.String("addr", "127.0.0.1:4000", "listen address")
	flag.Parse()

	store := newMemoryStore()
	h := newHub(store)
	go h.run()

	app := fiber.New()

	app.Get("/ws", websocket.New(h.serveWS))

	// GET /messages?room_id=&page=&page_size=
	app.Get("/messages", func(c *fiber.Ctx) error {
		roomID := c.Query("room_id")
		page := c.QueryInt("page", 1)
		size := c.QueryInt("page_size", 30)
		if roomID == "" || page < 1 || size < 1 {
			return c.SendStatus(fiber.StatusBadRequest)
		}

		msgs, next, prev := store.page(roomID, page, size)
		out := pageResponse{Page: page, NextCursor: next, PreviousCursor: prev, Messages: make([]wireMessage, 0, len(msgs))}
		for _, m := range msgs {
			out.Messages = append(out.Messages, wireMessage{
				ID:          m.ID,
				TemporaryID: m.TemporaryID,
				AuthorID:    m.AuthorID,
				RoomID:      m.RoomID,
				Ciphertext:  m.Ciphertext,
				Nonce:       m.Nonce,
				State:       m.State,
				SentAt:      m.SentAt,
			})
		}
		return c.JSON(out)
	})

	// POST /receipts {user_id, messages: [{id, state}]}
	app.Post("/receipts", func(c *fiber.Ctx) error {
		var body struct {
			UserID   string `json:"user_id"`
			Messages []struct {
				ID    string `json:"id"`
				State string `json:"state"`
			} `json:"messages"`
		}
		if err := c.BodyParser(&body); err != nil {
			return c.SendStatus(fiber.StatusBadRequest)
		}
		ids := make([]string, 0, len(body.Messages))
		for _, m := range body.Messages {
			ids = append(ids, m.ID)
		}
		store.markRead(ids)
		return c.SendStatus(fiber.StatusOK)
	})

	// POST /rooms {user_id, peer_id} -> room id + peer public key
	app.Post("/rooms", func(c *fiber.Ctx) error {
		var body struct {
			UserID string `json:"user_id"`
			PeerID string `json:"peer_id"`
		}
		if err := c.BodyParser(&body); err != nil || body.UserID == "" || body.PeerID == "" {
			return c.SendStatus(fiber.StatusBadRequest)
		}

		key, ok := h.publicKey(body.PeerID)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "peer key unknown"})
		}
		return c.JSON(fiber.Map{
			"room_id":         store.roomFor(body.UserID, body.PeerID),
			"peer_id":         body.PeerID,
			"peer_public_key": key,
		})
	})

	logrus.WithFields(logrus.Fields{
		"function": "main",
		"addr":     *addr,
	}).Info("Relay listening")

	if err := app.Listen(*addr); err != nil {
		logrus.WithError(err).Fatal("Relay server exited")
	}
}
