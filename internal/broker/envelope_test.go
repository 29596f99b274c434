package broker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeWireFormat(t *testing.T) {
	env := Envelope{
		Type: ReservationCreated,
		To:   "x@y",
		Data: map[string]any{"reservation_id": "r-1"},
		Metadata: Metadata{
			UserID:     "u-1",
			Timestamp:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
			RetryCount: 2,
			EventID:    "e-1",
		},
	}
	body, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.Equal(t, "reservation.created", decoded["type"])
	require.Equal(t, "x@y", decoded["to"])

	meta, ok := decoded["metadata"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "u-1", meta["user_id"])
	require.EqualValues(t, 2, meta["retry_count"])
	require.Contains(t, meta, "timestamp")
}

func TestEnvelopeOmitsEmptyRecipient(t *testing.T) {
	body, err := json.Marshal(Envelope{Type: ReservationExpired})
	require.NoError(t, err)
	require.NotContains(t, string(body), `"to"`)
}

func TestDeadLetterPreservesOriginalPayload(t *testing.T) {
	original := []byte(`{"type":"email.verification","data":{}}`)
	dl := DeadLetter{
		Original:  original,
		Error:     "missing verification_token",
		Timestamp: time.Now(),
	}
	body, err := json.Marshal(dl)
	require.NoError(t, err)

	var decoded DeadLetter
	require.NoError(t, json.Unmarshal(body, &decoded))
	require.JSONEq(t, string(original), string(decoded.Original))
	require.Equal(t, "missing verification_token", decoded.Error)
}

func TestKnownRoutingKeys(t *testing.T) {
	for _, key := range []string{
		ReservationCreated, ReservationConfirmed, ReservationCancelled, ReservationExpired,
		EmailVerification, EmailPasswordReset, EmailPasswordChanged, EmailAccountApproval,
	} {
		require.True(t, KnownRoutingKey(key), key)
	}
	require.False(t, KnownRoutingKey("order.created"))
}
