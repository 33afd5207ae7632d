// handshake.go
// The handshake negotiator drives the only two transitions this
// subsystem owns: none -> active on a counterpart's start, and
// active -> in_progress on the owner's approval. completed/cancelled
// are reached through an external flow and only reflected here.
package main

import (
	"errors"

	"github.com/rs/zerolog"
)

const (
	errHandshakeStarted      = "Handshake already started"
	errHandshakeInvalidState = "Invalid handshake state"
	errNotAuthorized         = "Not authorized"
)

// HandshakeStore is the slice of Store the negotiator persists through.
type HandshakeStore interface {
	HandshakeByInterest(kind ConversationKind, interestID int64) (*Handshake, error)
	CreateHandshake(kind ConversationKind, interestID, ownerID, counterpartID int64) (Handshake, error)
	ApproveHandshake(id string) (Handshake, error)
}

type Negotiator struct {
	resolver   ContextResolver
	handshakes HandshakeStore
	registry   *Registry
	log        zerolog.Logger
}

func NewNegotiator(resolver ContextResolver, handshakes HandshakeStore, registry *Registry, log zerolog.Logger) *Negotiator {
	return &Negotiator{
		resolver:   resolver,
		handshakes: handshakes,
		registry:   registry,
		log:        log,
	}
}

// Start creates the conversation's handshake. Preconditions: no
// handshake exists yet, and the caller is the counterpart, not the
// owner. user1 is always the owner, user2 the initiating counterpart.
func (n *Negotiator) Start(s *Session) {
	ctx, interestID, ok := n.resolveWithInterest(s)
	if !ok {
		return
	}
	if s.user.ID == ctx.Owner() {
		s.sendError(errNotAuthorized)
		return
	}

	existing, err := n.handshakes.HandshakeByInterest(s.conv.Kind, interestID)
	if err != nil {
		n.log.Error().Err(err).Str("conversation", s.conv.String()).Msg("handshake lookup failed")
		s.sendError(errHandshakeInvalidState)
		return
	}
	if existing != nil {
		s.sendError(errHandshakeStarted)
		return
	}

	counterpart, _ := ctx.Counterpart()
	h, err := n.handshakes.CreateHandshake(s.conv.Kind, interestID, ctx.Owner(), counterpart)
	if errors.Is(err, ErrHandshakeExists) {
		// Lost a race with a concurrent start; exactly one row exists.
		s.sendError(errHandshakeStarted)
		return
	}
	if err != nil {
		n.log.Error().Err(err).Str("conversation", s.conv.String()).Msg("handshake create failed")
		s.sendError(errHandshakeInvalidState)
		return
	}

	n.log.Info().
		Str("handshake_id", h.ID).
		Str("conversation", s.conv.String()).
		Int64("initiator", s.user.ID).
		Msg("handshake started")
	n.registry.Broadcast(s.conv.String(), marshalHandshakeFrame(h, "Handshake created"))
}

// Approve moves the handshake to in_progress. Preconditions: the
// handshake is active and the caller is the context owner.
func (n *Negotiator) Approve(s *Session) {
	ctx, interestID, ok := n.resolveWithInterest(s)
	if !ok {
		return
	}
	if s.user.ID != ctx.Owner() {
		s.sendError(errNotAuthorized)
		return
	}

	existing, err := n.handshakes.HandshakeByInterest(s.conv.Kind, interestID)
	if err != nil {
		n.log.Error().Err(err).Str("conversation", s.conv.String()).Msg("handshake lookup failed")
		s.sendError(errHandshakeInvalidState)
		return
	}
	if existing == nil || existing.Status != HandshakeActive {
		s.sendError(errHandshakeInvalidState)
		return
	}

	h, err := n.handshakes.ApproveHandshake(existing.ID)
	if errors.Is(err, ErrInvalidHandshakeState) {
		s.sendError(errHandshakeInvalidState)
		return
	}
	if err != nil {
		n.log.Error().Err(err).Str("handshake_id", existing.ID).Msg("handshake approve failed")
		s.sendError(errHandshakeInvalidState)
		return
	}

	n.log.Info().
		Str("handshake_id", h.ID).
		Str("conversation", s.conv.String()).
		Msg("handshake approved")
	n.registry.Broadcast(s.conv.String(), marshalHandshakeFrame(h, "Handshake approved"))
}

// resolveWithInterest loads the context and its accepted interest,
// reporting the usual soft errors to the sender when either is missing.
func (n *Negotiator) resolveWithInterest(s *Session) (ConversationContext, int64, bool) {
	ctx, err := n.resolver.ResolveContext(s.conv)
	if err != nil {
		n.log.Warn().Err(err).Str("conversation", s.conv.String()).Msg("context resolution failed")
		s.sendError(errHandshakeInvalidState)
		return nil, 0, false
	}
	interestID, ok := ctx.LinkedInterest()
	if !ok {
		s.sendError(errRecipientUnresolved)
		return nil, 0, false
	}
	return ctx, interestID, true
}
