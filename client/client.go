// Package client implements the conversation-side session manager: one
// active connection per conversation, automatic reconnection with a
// bounded retry budget, and optimistic local messages reconciled
// against the server echo.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrNotConnected is returned by Send when no session is open.
var ErrNotConnected = errors.New("not connected")

// State is the controller's connection state. Reconnection is an
// explicit machine, not a callback chain: every transition happens in
// exactly one place under the controller lock.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateGivenUp
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateGivenUp:
		return "given_up"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the controller settings.
type Config struct {
	// BaseURL is the server root, e.g. "ws://localhost:8080".
	BaseURL string

	// Token is the bearer token presented on connect.
	Token string

	// UserID is the local user's id, used to recognize own echoes.
	UserID int64

	// ReconnectDelay is the fixed delay between reconnect attempts.
	ReconnectDelay time.Duration

	// MaxReconnectAttempts bounds consecutive failed reconnects; after
	// that the controller reports StateGivenUp and stays there until a
	// fresh Connect call.
	MaxReconnectAttempts int

	// EchoTolerance is the timestamp window within which a server echo
	// still matches a local optimistic entry.
	EchoTolerance time.Duration

	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.EchoTolerance <= 0 {
		c.EchoTolerance = 10 * time.Second
	}
	return c
}

// Message is the client-side view of a chat message. Pending entries
// are optimistic: rendered locally with a negative temporary id until
// the server echo confirms them.
type Message struct {
	ID         int64
	SenderID   int64
	SenderName string
	Content    string
	CreatedAt  time.Time
	IsRead     bool
	Pending    bool
}

// HandshakeUpdate mirrors the server's handshake frame payload.
type HandshakeUpdate struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	User1ID     int64  `json:"user1_id"`
	User2ID     int64  `json:"user2_id"`
	InitiatorID int64  `json:"initiator_id"`
	Message     string `json:"message"`
}

// SendError reports a failed send and carries the original content so
// the caller can offer a retry.
type SendError struct {
	Content string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send %q: %v", e.Content, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// serverFrame is the raw inbound shape. "message" is an object on chat
// frames and a string on error frames, hence the RawMessage.
type serverFrame struct {
	Type      string           `json:"type"`
	Message   json.RawMessage  `json:"message,omitempty"`
	Handshake *HandshakeUpdate `json:"handshake,omitempty"`
}

type wireSender struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
}

type wireMessage struct {
	ID        int64      `json:"id"`
	Sender    wireSender `json:"sender"`
	Content   string     `json:"content"`
	CreatedAt string     `json:"created_at"`
	IsRead    bool       `json:"is_read"`
}

// Controller manages at most one live conversation connection.
type Controller struct {
	cfg Config
	log zerolog.Logger

	// Callbacks; set before Connect. Invoked off the controller lock.
	OnMessage     func(Message)
	OnHandshake   func(HandshakeUpdate)
	OnError       func(string)
	OnStateChange func(State)

	// writeMu serializes socket writes (gorilla allows one writer).
	writeMu sync.Mutex

	mu           sync.Mutex
	state        State
	conversation string
	conn         *websocket.Conn
	// gen invalidates read loops and retry timers from a superseded
	// connection; it bumps on every explicit teardown.
	gen        int
	attempt    int
	retryTimer *time.Timer
	nextTempID int64
	messages   []Message
}

func New(cfg Config) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cfg:        cfg,
		log:        cfg.Logger,
		state:      StateDisconnected,
		nextTempID: -1,
	}
}

// Connect opens a session on conversationID. Switching conversations
// force-closes the previous connection first; there is never more than
// one active socket per controller.
func (c *Controller) Connect(conversationID string) error {
	if conversationID == "" {
		return errors.New("conversation id is required")
	}

	c.mu.Lock()
	c.teardownLocked()
	c.conversation = conversationID
	c.messages = nil
	gen := c.gen
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.dial(gen)
	return nil
}

// Disconnect closes the session normally. The controller never
// reconnects after an explicit disconnect.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	c.teardownLocked()
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Conversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversation
}

// Messages returns a snapshot of the conversation as currently
// rendered, optimistic entries included.
func (c *Controller) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Send submits a chat message. The message is rendered optimistically
// with a temporary negative id before the write; on write failure the
// optimistic entry is removed and the returned *SendError carries the
// content for retry.
func (c *Controller) Send(content string) (Message, error) {
	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		c.mu.Unlock()
		return Message{}, &SendError{Content: content, Err: ErrNotConnected}
	}
	msg := Message{
		ID:        c.nextTempID,
		SenderID:  c.cfg.UserID,
		Content:   content,
		CreatedAt: time.Now(),
		Pending:   true,
	}
	c.nextTempID--
	c.messages = append(c.messages, msg)
	conn := c.conn
	c.mu.Unlock()

	err := c.writeFrame(conn, map[string]string{"type": "message", "content": content})
	if err != nil {
		c.mu.Lock()
		c.removeMessageLocked(msg.ID)
		c.mu.Unlock()
		return Message{}, &SendError{Content: content, Err: err}
	}
	return msg, nil
}

// StartHandshake asks the server to open the handshake negotiation.
func (c *Controller) StartHandshake() error {
	return c.sendControl("handshake_start")
}

// ApproveHandshake approves a pending handshake (owner only; the server
// enforces it).
func (c *Controller) ApproveHandshake() error {
	return c.sendControl("handshake_approve")
}

func (c *Controller) sendControl(frameType string) error {
	c.mu.Lock()
	conn := c.conn
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}
	return c.writeFrame(conn, map[string]string{"type": frameType})
}

func (c *Controller) writeFrame(conn *websocket.Conn, frame any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(frame)
}

// --- Connection machinery ---

func (c *Controller) endpoint() string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	return fmt.Sprintf("%s/ws/chat/%s/?token=%s", base, c.conversation, url.QueryEscape(c.cfg.Token))
}

// dial attempts one connection. Failures feed the retry machine; a
// stale generation means the caller was superseded and the result is
// discarded.
func (c *Controller) dial(gen int) {
	conn, resp, err := websocket.DefaultDialer.Dial(c.endpoint(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		if err == nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.log.Warn().Err(err).Str("conversation", c.conversation).Msg("dial failed")
		c.scheduleRetryLocked(gen)
		return
	}

	c.conn = conn
	c.attempt = 0
	c.setStateLocked(StateOpen)
	go c.readLoop(conn, gen)
}

// scheduleRetryLocked arms the fixed-delay reconnect timer, or gives up
// once the attempt budget is spent.
func (c *Controller) scheduleRetryLocked(gen int) {
	if c.attempt >= c.cfg.MaxReconnectAttempts {
		c.log.Error().
			Int("attempts", c.attempt).
			Str("conversation", c.conversation).
			Msg("giving up on reconnection")
		c.setStateLocked(StateGivenUp)
		return
	}
	c.attempt++
	c.setStateLocked(StateReconnecting)
	c.log.Warn().
		Int("attempt", c.attempt).
		Dur("delay", c.cfg.ReconnectDelay).
		Msg("scheduling reconnect")

	c.retryTimer = time.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateConnecting)
		c.mu.Unlock()
		c.dial(gen)
	})
}

func (c *Controller) readLoop(conn *websocket.Conn, gen int) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleClosed(gen, err)
			return
		}
		c.handleFrame(raw)
	}
}

// handleClosed classifies a dead connection: normal closure ends the
// session for good, anything else enters the reconnect machine.
func (c *Controller) handleClosed(gen int, err error) {
	c.mu.Lock()
	if gen != c.gen {
		// Superseded by an explicit disconnect or conversation switch.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return
	}
	c.log.Warn().Err(err).Str("conversation", c.conversation).Msg("connection lost")
	c.scheduleRetryLocked(gen)
	c.mu.Unlock()
}

// teardownLocked cancels any pending retry and closes the current
// socket with a normal close frame. Bumping gen detaches the read loop
// and timers that still reference the old connection.
func (c *Controller) teardownLocked() {
	c.gen++
	c.attempt = 0
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if c.conn != nil {
		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if cb := c.OnStateChange; cb != nil {
		go cb(s)
	}
}

// --- Inbound frames ---

func (c *Controller) handleFrame(raw []byte) {
	var frame serverFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.log.Warn().Err(err).Msg("unparseable server frame")
		return
	}

	switch frame.Type {
	case "message":
		var wm wireMessage
		if err := json.Unmarshal(frame.Message, &wm); err != nil {
			c.log.Warn().Err(err).Msg("unparseable message payload")
			return
		}
		createdAt, _ := time.Parse(time.RFC3339Nano, wm.CreatedAt)
		msg := Message{
			ID:         wm.ID,
			SenderID:   wm.Sender.ID,
			SenderName: wm.Sender.Username,
			Content:    wm.Content,
			CreatedAt:  createdAt,
			IsRead:     wm.IsRead,
		}
		c.reconcile(msg)
		if cb := c.OnMessage; cb != nil {
			cb(msg)
		}
	case "handshake":
		if frame.Handshake == nil {
			return
		}
		if cb := c.OnHandshake; cb != nil {
			cb(*frame.Handshake)
		}
	case "error":
		var msg string
		if err := json.Unmarshal(frame.Message, &msg); err != nil {
			return
		}
		c.log.Warn().Str("server_error", msg).Msg("server rejected a frame")
		if cb := c.OnError; cb != nil {
			cb(msg)
		}
	default:
		c.log.Warn().Str("type", frame.Type).Msg("unknown server frame type")
	}
}

// reconcile folds a server message into the local list. An echo of our
// own optimistic entry (same content, same sender, timestamps within
// the tolerance window) replaces it in place so nothing renders twice;
// everything else appends.
func (c *Controller) reconcile(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.SenderID == c.cfg.UserID {
		for i, m := range c.messages {
			if !m.Pending || m.SenderID != msg.SenderID || m.Content != msg.Content {
				continue
			}
			delta := msg.CreatedAt.Sub(m.CreatedAt)
			if delta < 0 {
				delta = -delta
			}
			if delta <= c.cfg.EchoTolerance {
				c.messages[i] = msg
				return
			}
		}
	}
	c.messages = append(c.messages, msg)
}

func (c *Controller) removeMessageLocked(id int64) {
	for i, m := range c.messages {
		if m.ID == id {
			c.messages = append(c.messages[:i], c.messages[i+1:]...)
			return
		}
	}
}
