// conversation.go
// Conversation identity and context resolution. A conversation is not a
// stored row: it is the synthetic id ("offer"|"need")_<int> scoping a
// fan-out group of live sessions to one offer or need.
package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type ConversationKind string

const (
	KindOffer ConversationKind = "offer"
	KindNeed  ConversationKind = "need"
)

var ErrMalformedConversationID = errors.New("malformed conversation id")

// ConversationID identifies one offer/need conversation. Parsing is
// deterministic: the same string always yields the same value.
type ConversationID struct {
	Kind      ConversationKind
	ContextID int64
}

func (c ConversationID) String() string {
	return fmt.Sprintf("%s_%d", c.Kind, c.ContextID)
}

// ParseConversationID parses "offer_<n>" or "need_<n>" where n is a
// positive decimal integer. Anything else is rejected.
func ParseConversationID(s string) (ConversationID, error) {
	kind, rest, ok := strings.Cut(s, "_")
	if !ok {
		return ConversationID{}, ErrMalformedConversationID
	}
	if kind != string(KindOffer) && kind != string(KindNeed) {
		return ConversationID{}, ErrMalformedConversationID
	}
	// ParseUint rejects signs and non-digits outright.
	id, err := strconv.ParseUint(rest, 10, 63)
	if err != nil || id == 0 {
		return ConversationID{}, ErrMalformedConversationID
	}
	return ConversationID{Kind: ConversationKind(kind), ContextID: int64(id)}, nil
}

// ConversationContext is the resolved view of the entity behind a
// conversation: who owns it, and — once an interest has been accepted —
// who the other party is. Recipients are always derived from this,
// never supplied by the caller.
type ConversationContext interface {
	Kind() ConversationKind
	Owner() int64
	Counterpart() (int64, bool)
	LinkedInterest() (int64, bool)
}

// ContextResolver looks up the live context for a conversation id.
// Implemented by Store over the offers/needs tables.
type ContextResolver interface {
	ResolveContext(id ConversationID) (ConversationContext, error)
}

// entityContext backs both conversation kinds; the owner and
// accepted-interest lookups are symmetric between offers and needs.
type entityContext struct {
	kind        ConversationKind
	owner       int64
	counterpart int64
	interestID  int64
	hasInterest bool
}

func (c *entityContext) Kind() ConversationKind { return c.kind }
func (c *entityContext) Owner() int64           { return c.owner }

func (c *entityContext) Counterpart() (int64, bool) {
	return c.counterpart, c.hasInterest
}

func (c *entityContext) LinkedInterest() (int64, bool) {
	return c.interestID, c.hasInterest
}
