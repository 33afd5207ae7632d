// session.go
// One Session per live connection, with the read/write goroutine split:
// the read pump feeds inbound frames to the relay, the write pump drains
// the send channel back to the socket. Separating the two keeps a slow
// reader from blocking anyone else's broadcast.
package main

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const sendQueueSize = 32

// Session is ephemeral state owned by the registry for exactly the
// lifetime of one connection.
type Session struct {
	user     User
	conv     ConversationID
	socket   *websocket.Conn
	joinedAt time.Time
	log      zerolog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newSession(user User, conv ConversationID, socket *websocket.Conn, log zerolog.Logger) *Session {
	return &Session{
		user:     user,
		conv:     conv,
		socket:   socket,
		joinedAt: time.Now(),
		log: log.With().
			Int64("user_id", user.ID).
			Str("conversation", conv.String()).
			Logger(),
		send: make(chan []byte, sendQueueSize),
	}
}

// enqueue hands a payload to the write pump without blocking. Returns
// false when the session is already closed or its queue is full; the
// caller tears the session down in that case.
func (s *Session) enqueue(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// sendError delivers an in-band error frame to this session only.
func (s *Session) sendError(msg string) {
	s.enqueue(marshalErrorFrame(msg))
}

// closeSend shuts the outbound channel exactly once, letting the write
// pump finish with a close frame.
func (s *Session) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// readPump consumes inbound frames until the socket dies, dispatching
// each through the relay. Frames from one sender are handled strictly
// in receipt order because this loop is the only reader.
func (s *Session) readPump(srv *Server) {
	defer func() {
		srv.registry.Remove(s.conv.String(), s)
		s.socket.Close()
		s.log.Debug().Msg("session closed")
	}()

	s.socket.SetReadLimit(srv.cfg.Chat.MaxFrameBytes)
	s.socket.SetReadDeadline(time.Now().Add(srv.cfg.Chat.PongWait()))
	s.socket.SetPongHandler(func(string) error {
		return s.socket.SetReadDeadline(time.Now().Add(srv.cfg.Chat.PongWait()))
	})

	for {
		_, raw, err := s.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("socket read failed")
			}
			return
		}
		srv.relay.HandleFrame(s, raw)
	}
}

// writePump drains the send channel to the socket and keeps the
// connection alive with periodic pings. A write failure only ever tears
// down this session.
func (s *Session) writePump(pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.socket.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			s.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.socket.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.socket.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.log.Debug().Err(err).Msg("socket write failed")
				return
			}
		case <-ticker.C:
			s.socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
