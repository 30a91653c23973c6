package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/billbridge/internal/syncerr"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := []byte(`{"id":"evt_1","type":"invoice.created"}`)
	header := SignPayload("whsec_test", payload, now)

	require.NoError(t, VerifySignature("whsec_test", header, payload, DefaultTolerance, now.Add(time.Minute)))
}

func TestVerifySignatureRejectsTampering(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := []byte(`{"id":"evt_1","type":"invoice.created"}`)
	header := SignPayload("whsec_test", payload, now)

	tampered := append([]byte(nil), payload...)
	tampered[10] ^= 0x01

	cases := map[string]struct {
		secret  string
		header  string
		payload []byte
		now     time.Time
	}{
		"tampered body":   {"whsec_test", header, tampered, now},
		"wrong secret":    {"whsec_other", header, payload, now},
		"missing header":  {"whsec_test", "", payload, now},
		"no v1":           {"whsec_test", "t=1700000000", payload, now},
		"stale timestamp": {"whsec_test", header, payload, now.Add(10 * time.Minute)},
		"empty secret":    {"", header, payload, now},
	}
	for name, tc := range cases {
		err := VerifySignature(tc.secret, tc.header, tc.payload, DefaultTolerance, tc.now)
		assert.ErrorIs(t, err, syncerr.ErrSignature, name)
	}
}

func TestVerifySignatureAcceptsAnyV1(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := []byte(`{}`)
	good := SignPayload("whsec_new", payload, now)
	header := "t=1700000000,v1=deadbeef," + good[len("t=1700000000,"):]
	require.NoError(t, VerifySignature("whsec_new", header, payload, DefaultTolerance, now))
}

func TestParseEvent(t *testing.T) {
	event, err := ParseEvent([]byte(`{"id":"evt_1","type":"invoice.payment_succeeded","created":1700000000,"data":{"object":{"id":"in_1","object":"invoice"}}}`))
	require.NoError(t, err)
	assert.Equal(t, "invoice.payment_succeeded", event.Type)
	assert.Equal(t, "in_1", event.ObjectID())

	_, err = ParseEvent([]byte(`not json`))
	assert.ErrorIs(t, err, syncerr.ErrValidation)

	_, err = ParseEvent([]byte(`{"id":"evt_2"}`))
	assert.ErrorIs(t, err, syncerr.ErrValidation)
}
