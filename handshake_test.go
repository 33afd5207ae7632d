package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandshakes struct {
	existing *Handshake
	created  int
}

func (f *fakeHandshakes) HandshakeByInterest(ConversationKind, int64) (*Handshake, error) {
	return f.existing, nil
}

func (f *fakeHandshakes) CreateHandshake(kind ConversationKind, interestID, ownerID, counterpartID int64) (Handshake, error) {
	if f.existing != nil {
		return Handshake{}, ErrHandshakeExists
	}
	f.created++
	h := Handshake{
		ID:        uuid.NewString(),
		User1ID:   ownerID,
		User2ID:   counterpartID,
		Status:    HandshakeActive,
		CreatedAt: time.Now(),
	}
	f.existing = &h
	return h, nil
}

func (f *fakeHandshakes) ApproveHandshake(id string) (Handshake, error) {
	if f.existing == nil || f.existing.ID != id || f.existing.Status != HandshakeActive {
		return Handshake{}, ErrInvalidHandshakeState
	}
	now := time.Now()
	f.existing.Status = HandshakeInProgress
	f.existing.StartedAt = &now
	return *f.existing, nil
}

type negotiatorFixture struct {
	negotiator  *Negotiator
	handshakes  *fakeHandshakes
	owner       *Session
	counterpart *Session
}

func newNegotiatorFixture(t *testing.T) *negotiatorFixture {
	t.Helper()
	registry := NewRegistry(0)
	handshakes := &fakeHandshakes{}
	negotiator := NewNegotiator(&stubResolver{ctx: acceptedOfferContext()}, handshakes, registry, zerolog.Nop())

	owner := testSession(1, "offer_1")
	counterpart := testSession(2, "offer_1")
	require.NoError(t, registry.Add("offer_1", owner))
	require.NoError(t, registry.Add("offer_1", counterpart))
	return &negotiatorFixture{negotiator, handshakes, owner, counterpart}
}

func drainHandshakeFrame(t *testing.T, s *Session) handshakePayload {
	t.Helper()
	frame := drainFrame(t, s)
	var typ string
	require.NoError(t, json.Unmarshal(frame["type"], &typ))
	require.Equal(t, "handshake", typ)
	var payload handshakePayload
	require.NoError(t, json.Unmarshal(frame["handshake"], &payload))
	return payload
}

func TestNegotiator_StartByCounterpart(t *testing.T) {
	f := newNegotiatorFixture(t)

	f.negotiator.Start(f.counterpart)

	require.Equal(t, 1, f.handshakes.created)
	for _, s := range []*Session{f.owner, f.counterpart} {
		payload := drainHandshakeFrame(t, s)
		assert.Equal(t, "pending", payload.Status, "fresh handshake displays as pending")
		assert.Equal(t, int64(1), payload.User1ID)
		assert.Equal(t, int64(2), payload.User2ID)
		assert.Equal(t, int64(2), payload.InitiatorID)
		assert.Equal(t, "Handshake created", payload.Message)
	}
}

func TestNegotiator_StartByOwnerRejected(t *testing.T) {
	f := newNegotiatorFixture(t)

	f.negotiator.Start(f.owner)

	assertErrorFrame(t, f.owner, errNotAuthorized)
	assertNoFrame(t, f.counterpart)
	assert.Zero(t, f.handshakes.created)
}

func TestNegotiator_StartIsIdempotent(t *testing.T) {
	f := newNegotiatorFixture(t)

	f.negotiator.Start(f.counterpart)
	drainHandshakeFrame(t, f.owner)
	drainHandshakeFrame(t, f.counterpart)

	f.negotiator.Start(f.counterpart)

	assertErrorFrame(t, f.counterpart, errHandshakeStarted)
	assertNoFrame(t, f.owner)
	assert.Equal(t, 1, f.handshakes.created, "exactly one handshake per context")
}

func TestNegotiator_ApproveByOwner(t *testing.T) {
	f := newNegotiatorFixture(t)
	f.negotiator.Start(f.counterpart)
	drainHandshakeFrame(t, f.owner)
	drainHandshakeFrame(t, f.counterpart)

	f.negotiator.Approve(f.owner)

	for _, s := range []*Session{f.owner, f.counterpart} {
		payload := drainHandshakeFrame(t, s)
		assert.Equal(t, "in_progress", payload.Status)
		assert.Equal(t, "Handshake approved", payload.Message)
	}
}

func TestNegotiator_ApproveByCounterpartRejected(t *testing.T) {
	f := newNegotiatorFixture(t)
	f.negotiator.Start(f.counterpart)
	drainHandshakeFrame(t, f.owner)
	drainHandshakeFrame(t, f.counterpart)

	f.negotiator.Approve(f.counterpart)

	assertErrorFrame(t, f.counterpart, errNotAuthorized)
	assertNoFrame(t, f.owner)
	assert.Equal(t, HandshakeActive, f.handshakes.existing.Status)
}

func TestNegotiator_ApproveWithoutStart(t *testing.T) {
	f := newNegotiatorFixture(t)

	f.negotiator.Approve(f.owner)

	assertErrorFrame(t, f.owner, errHandshakeInvalidState)
	assertNoFrame(t, f.counterpart)
}

func TestNegotiator_ApproveTwiceRejected(t *testing.T) {
	f := newNegotiatorFixture(t)
	f.negotiator.Start(f.counterpart)
	f.negotiator.Approve(f.owner)
	for range 2 {
		drainFrame(t, f.owner)
		drainFrame(t, f.counterpart)
	}

	f.negotiator.Approve(f.owner)

	assertErrorFrame(t, f.owner, errHandshakeInvalidState)
	assertNoFrame(t, f.counterpart)
}

func TestNegotiator_StartWithoutAcceptedInterest(t *testing.T) {
	registry := NewRegistry(0)
	handshakes := &fakeHandshakes{}
	resolver := &stubResolver{ctx: &stubContext{kind: KindOffer, owner: 1}}
	negotiator := NewNegotiator(resolver, handshakes, registry, zerolog.Nop())

	owner := testSession(1, "offer_1")
	require.NoError(t, registry.Add("offer_1", owner))

	negotiator.Start(owner)

	assertErrorFrame(t, owner, errRecipientUnresolved)
	assert.Zero(t, handshakes.created)
}
