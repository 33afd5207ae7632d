// gateway.go
// The connection gateway: upgrade HTTP to WebSocket, authenticate the
// bearer token, authorize against the conversation context, then hand
// the session to the registry and spin up the per-connection pumps.
// Join is silent — nothing is persisted or announced on connect.
package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Refusal close codes, sent after the protocol upgrade so the client
// can tell why it was turned away.
const (
	closeMalformedConversation = 4000
	closeAuthFailed            = 4001
	closeForbidden             = 4003
	closeConversationFull      = 4004
)

// UserStore is the slice of Store the gateway loads identities from.
type UserStore interface {
	UserByID(id int64) (User, error)
}

type Server struct {
	cfg      *Config
	log      zerolog.Logger
	tokens   TokenValidator
	users    UserStore
	resolver ContextResolver
	registry *Registry
	relay    *Relay
	upgrader websocket.Upgrader
}

func NewServer(cfg *Config, log zerolog.Logger, store *Store, tokens TokenValidator) *Server {
	registry := NewRegistry(cfg.Chat.MaxConversationMembers)
	negotiator := NewNegotiator(store, store, registry, log)
	relay := NewRelay(store, store, registry, negotiator, log)
	return &Server{
		cfg:      cfg,
		log:      log,
		tokens:   tokens,
		users:    store,
		resolver: store,
		registry: registry,
		relay:    relay,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Origin policy belongs to the deployment front door.
			},
		},
	}
}

// Handler routes the conversation endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/chat/{conversation}/{$}", s.handleChat)
	return mux
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	convRaw := r.PathValue("conversation")
	token := bearerToken(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}

	conv, err := ParseConversationID(convRaw)
	if err != nil {
		s.refuse(conn, closeMalformedConversation, "malformed conversation id")
		return
	}

	userID, ok := s.tokens.Lookup(token)
	if !ok {
		s.refuse(conn, closeAuthFailed, "authentication failed")
		return
	}
	user, err := s.users.UserByID(userID)
	if err != nil {
		s.refuse(conn, closeAuthFailed, "authentication failed")
		return
	}

	ctx, err := s.resolver.ResolveContext(conv)
	if err != nil {
		s.refuse(conn, closeForbidden, "not a party to this conversation")
		return
	}
	if !isParty(ctx, user.ID) {
		s.log.Warn().
			Int64("user_id", user.ID).
			Str("conversation", conv.String()).
			Msg("connection refused: not a party")
		s.refuse(conn, closeForbidden, "not a party to this conversation")
		return
	}

	sess := newSession(user, conv, conn, s.log)
	if err := s.registry.Add(conv.String(), sess); err != nil {
		s.refuse(conn, closeConversationFull, "conversation is full")
		return
	}

	s.log.Info().
		Int64("user_id", user.ID).
		Str("username", user.Username).
		Str("conversation", conv.String()).
		Msg("session opened")

	go sess.writePump(s.cfg.Chat.PingInterval(), s.cfg.Chat.WriteWait())
	go sess.readPump(s)
}

// isParty reports whether userID is the context owner or the accepted
// counterpart. Nobody else may connect.
func isParty(ctx ConversationContext, userID int64) bool {
	if userID == ctx.Owner() {
		return true
	}
	counterpart, ok := ctx.Counterpart()
	return ok && counterpart == userID
}

// bearerToken pulls the token from the query string, falling back to an
// Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return rest
	}
	return ""
}

func (s *Server) refuse(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(s.cfg.Chat.WriteWait())
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}
