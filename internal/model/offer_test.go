package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOfferPushPayload(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	raw := json.RawMessage(`{
		"offerId": "R1",
		"pickup_desc": "Main St",
		"drop_desc": "Airport",
		"distance": "12.5",
		"price": 180,
		"riders": [{"id": "d1", "name": "Ann", "price": "175"}],
		"expiresAt": "2026-03-01T10:02:00Z"
	}`)
	o, err := ParseOffer(raw, SourcePush, now, 0)
	require.NoError(t, err)
	assert.Equal(t, "R1", o.ID)
	assert.Equal(t, OfferPending, o.Status)
	assert.Equal(t, SourcePush, o.Source)
	assert.Equal(t, Amount(12.5), o.Payload.Distance)
	assert.Equal(t, Amount(175), o.Payload.Riders[0].Price)
	assert.Equal(t, 120*time.Second, o.Remaining(now))
}

func TestParseOfferPollPayloadUsesCreatedAtPlusTTL(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	raw := json.RawMessage(`{"rideRequestId":"R2","pickup_desc":"a","drop_desc":"b","createdAt":` +
		jsonInt(created.UnixMilli()) + `,"retryCount":2}`)
	o, err := ParseOffer(raw, SourcePoll, created.Add(5*time.Second), 90*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "R2", o.ID)
	assert.True(t, o.IssuedAt.Equal(created))
	assert.True(t, o.ExpiresAt.Equal(created.Add(90*time.Second)))
	assert.Equal(t, 2, o.Payload.RetryCount)
}

func TestParseOfferRejectsMissingFields(t *testing.T) {
	_, err := ParseOffer(json.RawMessage(`{"requestId":"R3","pickup_desc":" "}`), SourcePush, time.Now(), 0)
	var verr *OfferValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "R3", verr.OfferID)
	assert.Equal(t, []string{"pickup_desc", "drop_desc"}, verr.Missing)

	_, err = ParseOffer(json.RawMessage(`{"pickup_desc":"a","drop_desc":"b"}`), SourcePush, time.Now(), 0)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, []string{"offerId"}, verr.Missing)
}

func TestParseOfferMalformedJSON(t *testing.T) {
	_, err := ParseOffer(json.RawMessage(`{"offerId":`), SourcePush, time.Now(), 0)
	var verr *OfferValidationError
	require.True(t, errors.As(err, &verr))
	assert.Error(t, verr.Unwrap())
}

func TestAmountRejectsGarbage(t *testing.T) {
	var a Amount
	assert.Error(t, json.Unmarshal([]byte(`"twelve"`), &a))
	require.NoError(t, json.Unmarshal([]byte(`null`), &a))
	assert.Equal(t, Amount(0), a)
}

func TestOfferStatusTerminal(t *testing.T) {
	assert.False(t, OfferPending.Terminal())
	for _, s := range []OfferStatus{OfferAccepted, OfferRejected, OfferExpired, OfferSuperseded} {
		assert.True(t, s.Terminal(), s)
	}
}

func TestNetworkStateDiffersIgnoresChangedAt(t *testing.T) {
	a := NetworkState{Reachable: true, InternetReachable: true, TransportType: TransportWifi, ChangedAt: time.Now()}
	b := a
	b.ChangedAt = a.ChangedAt.Add(time.Minute)
	assert.False(t, a.Differs(b))
	b.TransportType = TransportCellular
	assert.True(t, a.Differs(b))
	assert.Equal(t, TransportWifi, ParseTransportType("ethernet"))
	assert.Equal(t, TransportUnknown, ParseTransportType("bluetooth"))
}

func TestNewDecisionFillsAcceptFromOwnRiderEntry(t *testing.T) {
	now := time.Now()
	o := Offer{
		ID:        "R1",
		ExpiresAt: now.Add(time.Minute),
		Payload: OfferPayload{
			Price:       100,
			VehicleType: "sedan",
			User:        &UserRef{ID: "u9"},
			Riders: []Rider{
				{ID: "other", Name: "Bob"},
				{ID: "me", Name: "Ann", VehicleNumber: "KA-01", Price: 95, ETA: 4},
			},
		},
	}
	d := NewDecision(o, DecisionAccept, "", "me", now)
	require.NotNil(t, d.Accept)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, "R1", d.Accept.RideRequestID)
	assert.Equal(t, "u9", d.Accept.UserID)
	assert.Equal(t, "Ann", d.Accept.RiderName)
	assert.Equal(t, 95.0, d.Accept.Price)
	assert.Equal(t, "sedan", d.Accept.VehicleType)
	assert.True(t, d.OfferExpiresAt.Equal(o.ExpiresAt))

	r := NewDecision(o, DecisionReject, ReasonTimeout, "me", now)
	assert.Nil(t, r.Accept)
	assert.Equal(t, ReasonTimeout, r.Reason)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
