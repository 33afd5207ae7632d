package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConversationID(t *testing.T) {
	tests := []struct {
		in   string
		kind ConversationKind
		id   int64
	}{
		{"offer_1", KindOffer, 1},
		{"need_10", KindNeed, 10},
		{"offer_987654", KindOffer, 987654},
	}
	for _, tt := range tests {
		conv, err := ParseConversationID(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.kind, conv.Kind)
		assert.Equal(t, tt.id, conv.ContextID)
		assert.Equal(t, tt.in, conv.String())
	}
}

func TestParseConversationID_Rejects(t *testing.T) {
	bad := []string{
		"",
		"offer",
		"offer_",
		"offer_0",
		"offer_-3",
		"offer_+3",
		"offer_12x",
		"offer_1_2",
		"need_ 5",
		"room_5",
		"OFFER_5",
		"5_offer",
	}
	for _, in := range bad {
		_, err := ParseConversationID(in)
		assert.ErrorIs(t, err, ErrMalformedConversationID, "input %q", in)
	}
}
