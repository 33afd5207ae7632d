// frames.go
// Wire format: one JSON object per WebSocket text message, discriminated
// by the "type" field. The "message" key is an object on chat frames and
// a plain string on error frames, so the outbound shapes are separate
// structs rather than one frame type with optional fields.
package main

import (
	"encoding/json"
	"time"
)

// inboundFrame is what a client may send over an open session.
type inboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

type senderPayload struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
}

type messagePayload struct {
	ID        int64         `json:"id"`
	Sender    senderPayload `json:"sender"`
	Content   string        `json:"content"`
	CreatedAt string        `json:"created_at"`
	IsRead    bool          `json:"is_read"`
}

type handshakePayload struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	User1ID     int64  `json:"user1_id"`
	User2ID     int64  `json:"user2_id"`
	InitiatorID int64  `json:"initiator_id"`
	Message     string `json:"message"`
}

type messageFrame struct {
	Type    string         `json:"type"`
	Message messagePayload `json:"message"`
}

type handshakeFrame struct {
	Type      string           `json:"type"`
	Handshake handshakePayload `json:"handshake"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func marshalMessageFrame(m Message, sender User) []byte {
	frame := messageFrame{
		Type: "message",
		Message: messagePayload{
			ID: m.ID,
			Sender: senderPayload{
				ID:       sender.ID,
				Username: sender.Username,
				FullName: sender.DisplayName(),
			},
			Content:   m.Content,
			CreatedAt: m.CreatedAt.Format(time.RFC3339Nano),
			IsRead:    m.IsRead,
		},
	}
	payload, _ := json.Marshal(frame)
	return payload
}

func marshalHandshakeFrame(h Handshake, note string) []byte {
	frame := handshakeFrame{
		Type: "handshake",
		Handshake: handshakePayload{
			ID:          h.ID,
			Status:      wireHandshakeStatus(h.Status),
			User1ID:     h.User1ID,
			User2ID:     h.User2ID,
			InitiatorID: h.User2ID,
			Message:     note,
		},
	}
	payload, _ := json.Marshal(frame)
	return payload
}

func marshalErrorFrame(msg string) []byte {
	payload, _ := json.Marshal(errorFrame{Type: "error", Message: msg})
	return payload
}

// wireHandshakeStatus maps the stored status to its displayed form: a
// freshly created handshake is stored "active" but shown to both parties
// as "pending" until the owner approves it.
func wireHandshakeStatus(s HandshakeStatus) string {
	if s == HandshakeActive {
		return "pending"
	}
	return string(s)
}
