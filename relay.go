// relay.go
// Inbound frame dispatch and the chat message path. A rejected frame is
// visible only to the sender; the conversation continues uninterrupted.
package main

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
)

// In-band error texts. These travel to the client verbatim.
const (
	errEmptyContent        = "Content is required"
	errRecipientUnresolved = "No accepted interest for this conversation"
	errPersistFailed       = "Could not save message"
	errUnknownType         = "Unknown message type"
	errInvalidJSON         = "Invalid JSON"
)

// MessageStore is the slice of Store the relay persists through.
type MessageStore interface {
	CreateMessage(kind ConversationKind, interestID, senderID, recipientID int64, content string) (Message, error)
}

// Relay validates and persists chat messages, derives their recipient
// from the conversation context, and fans the result out through the
// registry. Handshake frames are delegated to the negotiator.
type Relay struct {
	resolver   ContextResolver
	messages   MessageStore
	registry   *Registry
	negotiator *Negotiator
	log        zerolog.Logger
}

func NewRelay(resolver ContextResolver, messages MessageStore, registry *Registry, negotiator *Negotiator, log zerolog.Logger) *Relay {
	return &Relay{
		resolver:   resolver,
		messages:   messages,
		registry:   registry,
		negotiator: negotiator,
		log:        log,
	}
}

// HandleFrame processes one inbound frame from a live session. Every
// failure mode is soft: an error frame goes back to the sender and the
// connection stays open.
func (r *Relay) HandleFrame(s *Session, raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.sendError(errInvalidJSON)
		return
	}

	switch frame.Type {
	case "message":
		r.handleMessage(s, frame.Content)
	case "handshake_start":
		r.negotiator.Start(s)
	case "handshake_approve":
		r.negotiator.Approve(s)
	default:
		s.sendError(errUnknownType)
	}
}

// handleMessage runs the full message path: trim/validate, derive the
// recipient, persist, then broadcast. Persistence always completes
// before the broadcast; an unpersisted message is never fanned out.
func (r *Relay) handleMessage(s *Session, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		s.sendError(errEmptyContent)
		return
	}

	ctx, err := r.resolver.ResolveContext(s.conv)
	if err != nil {
		r.log.Warn().Err(err).Str("conversation", s.conv.String()).Msg("context resolution failed")
		s.sendError(errPersistFailed)
		return
	}

	counterpart, ok := ctx.Counterpart()
	if !ok {
		s.sendError(errRecipientUnresolved)
		return
	}

	// The recipient is derived, never supplied: owner talks to the
	// accepted counterpart, the counterpart talks to the owner.
	recipient := counterpart
	if s.user.ID != ctx.Owner() {
		recipient = ctx.Owner()
	}

	interestID, _ := ctx.LinkedInterest()
	msg, err := r.messages.CreateMessage(s.conv.Kind, interestID, s.user.ID, recipient, content)
	if err != nil {
		r.log.Error().Err(err).Str("conversation", s.conv.String()).Msg("message persist failed")
		s.sendError(errPersistFailed)
		return
	}

	r.registry.Broadcast(s.conv.String(), marshalMessageFrame(msg, s.user))
}
