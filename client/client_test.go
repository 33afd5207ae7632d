package client

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testUpgrader = websocket.Upgrader{}

func wsBaseURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func testConfig(ts *httptest.Server) Config {
	return Config{
		BaseURL:              wsBaseURL(ts),
		Token:                "test-token",
		UserID:               7,
		ReconnectDelay:       20 * time.Millisecond,
		MaxReconnectAttempts: 3,
		EchoTolerance:        5 * time.Second,
		Logger:               zerolog.Nop(),
	}
}

func awaitState(t *testing.T, c *Controller, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		2*time.Second, 5*time.Millisecond, "want state %v, have %v", want, c.State())
}

// echoServer answers every inbound chat frame with a server-style echo
// using the given message id and sender id.
func echoServer(t *testing.T, senderID int64) *httptest.Server {
	t.Helper()
	var nextID atomic.Int64
	nextID.Store(41)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var frame struct {
				Type    string `json:"type"`
				Content string `json:"content"`
			}
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			if frame.Type != "message" {
				continue
			}
			echo := fmt.Sprintf(
				`{"type":"message","message":{"id":%d,"sender":{"id":%d,"username":"me","full_name":"Me"},"content":%s,"created_at":%q,"is_read":false}}`,
				nextID.Add(1), senderID, mustJSON(frame.Content), time.Now().Format(time.RFC3339Nano))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(echo)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

func mustJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestReconnect_GivesUpAfterBudget(t *testing.T) {
	var requests atomic.Int32
	var refuse atomic.Bool
	refuse.Store(true)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if refuse.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	c := New(testConfig(ts))
	require.NoError(t, c.Connect("offer_1"))

	awaitState(t, c, StateGivenUp)
	assert.EqualValues(t, 4, requests.Load(), "initial connect plus the retry budget")

	// Given up means given up: no further attempts without a fresh Connect.
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 4, requests.Load())
	assert.Equal(t, StateGivenUp, c.State())

	// A fresh explicit Connect starts over.
	refuse.Store(false)
	require.NoError(t, c.Connect("offer_1"))
	awaitState(t, c, StateOpen)
	c.Disconnect()
}

func TestReconnect_AbnormalClosureRecovers(t *testing.T) {
	var upgrades atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if upgrades.Add(1) == 1 {
			// Drop the first connection without a close frame.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	c := New(testConfig(ts))
	require.NoError(t, c.Connect("need_10"))

	awaitState(t, c, StateOpen)
	require.Eventually(t, func() bool { return upgrades.Load() == 2 },
		2*time.Second, 5*time.Millisecond)
	c.Disconnect()
}

func TestNormalClosure_NoReconnect(t *testing.T) {
	var upgrades atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		upgrades.Add(1)
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.ReadMessage() // wait for the client's close response
	}))
	t.Cleanup(ts.Close)

	c := New(testConfig(ts))
	require.NoError(t, c.Connect("offer_1"))

	awaitState(t, c, StateDisconnected)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, upgrades.Load(), "normal closure must never reconnect")
}

func TestSend_OptimisticReconciliation(t *testing.T) {
	ts := echoServer(t, 7)
	c := New(testConfig(ts))
	require.NoError(t, c.Connect("offer_1"))
	awaitState(t, c, StateOpen)

	msg, err := c.Send("Thanks!")
	require.NoError(t, err)
	assert.Equal(t, int64(-1), msg.ID, "optimistic ids come from the negative namespace")
	assert.True(t, msg.Pending)

	// The echo replaces the optimistic entry in place: one message, not two.
	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return len(msgs) == 1 && !msgs[0].Pending
	}, 2*time.Second, 5*time.Millisecond)

	msgs := c.Messages()
	assert.Equal(t, int64(42), msgs[0].ID)
	assert.Equal(t, "Thanks!", msgs[0].Content)

	// Temp ids keep descending for subsequent sends.
	msg2, err := c.Send("See you then")
	require.NoError(t, err)
	assert.Equal(t, int64(-2), msg2.ID)
	require.Eventually(t, func() bool {
		msgs := c.Messages()
		return len(msgs) == 2 && !msgs[1].Pending
	}, 2*time.Second, 5*time.Millisecond)

	c.Disconnect()
}

func TestReconcile_ForeignMessageAppends(t *testing.T) {
	c := New(Config{UserID: 7, Logger: zerolog.Nop()})
	c.handleFrame([]byte(`{"type":"message","message":{"id":9,"sender":{"id":3,"username":"alice","full_name":"Alice"},"content":"hi","created_at":"2026-08-24T10:00:00Z","is_read":false}}`))

	msgs := c.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(9), msgs[0].ID)
	assert.Equal(t, int64(3), msgs[0].SenderID)
	assert.False(t, msgs[0].Pending)
}

func TestReconcile_OutsideToleranceAppends(t *testing.T) {
	c := New(Config{UserID: 7, EchoTolerance: time.Second, Logger: zerolog.Nop()})
	stale := time.Now().Add(-time.Hour)
	c.mu.Lock()
	c.messages = append(c.messages, Message{ID: -1, SenderID: 7, Content: "hi", CreatedAt: stale, Pending: true})
	c.mu.Unlock()

	c.reconcile(Message{ID: 5, SenderID: 7, Content: "hi", CreatedAt: time.Now()})

	msgs := c.Messages()
	require.Len(t, msgs, 2, "an echo outside the window is a different message")
	assert.True(t, msgs[0].Pending)
}

func TestSend_NotConnected(t *testing.T) {
	c := New(Config{BaseURL: "ws://127.0.0.1:1", UserID: 7, Logger: zerolog.Nop()})

	_, err := c.Send("hello")
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, "hello", sendErr.Content, "content comes back for retry")
	assert.Empty(t, c.Messages(), "no optimistic entry may linger")
}

func TestSend_WriteFailureRemovesOptimisticEntry(t *testing.T) {
	ts := echoServer(t, 7)
	c := New(testConfig(ts))
	require.NoError(t, c.Connect("offer_1"))
	awaitState(t, c, StateOpen)

	// Sever the transport underneath the controller; the next write fails.
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	conn.UnderlyingConn().Close()

	_, err := c.Send("doomed")
	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "doomed", sendErr.Content)
	for _, m := range c.Messages() {
		assert.NotEqual(t, "doomed", m.Content, "failed send must not leave an optimistic entry")
	}
	c.Disconnect()
}

func TestConnect_SwitchClosesPreviousNormally(t *testing.T) {
	closed := make(chan bool, 4)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closed <- websocket.IsCloseError(err, websocket.CloseNormalClosure)
				return
			}
		}
	}))
	t.Cleanup(ts.Close)

	c := New(testConfig(ts))
	require.NoError(t, c.Connect("offer_1"))
	awaitState(t, c, StateOpen)

	require.NoError(t, c.Connect("offer_2"))
	awaitState(t, c, StateOpen)
	assert.Equal(t, "offer_2", c.Conversation())

	select {
	case normal := <-closed:
		assert.True(t, normal, "previous connection must close with code 1000")
	case <-time.After(2 * time.Second):
		t.Fatal("previous connection was never closed")
	}
	c.Disconnect()
}

func TestHandshakeFramesReachCallback(t *testing.T) {
	updates := make(chan HandshakeUpdate, 1)
	c := New(Config{UserID: 7, Logger: zerolog.Nop()})
	c.OnHandshake = func(h HandshakeUpdate) { updates <- h }

	c.handleFrame([]byte(`{"type":"handshake","handshake":{"id":"abc","status":"pending","user1_id":1,"user2_id":7,"initiator_id":7,"message":"Handshake created"}}`))

	select {
	case h := <-updates:
		assert.Equal(t, "abc", h.ID)
		assert.Equal(t, "pending", h.Status)
		assert.Equal(t, int64(7), h.InitiatorID)
	default:
		t.Fatal("handshake callback not invoked")
	}
}

func TestErrorFramesReachCallback(t *testing.T) {
	errs := make(chan string, 1)
	c := New(Config{UserID: 7, Logger: zerolog.Nop()})
	c.OnError = func(msg string) { errs <- msg }

	c.handleFrame([]byte(`{"type":"error","message":"Content is required"}`))

	select {
	case msg := <-errs:
		assert.Equal(t, "Content is required", msg)
	default:
		t.Fatal("error callback not invoked")
	}
}
