package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

type DecisionKind string

const (
	DecisionAccept DecisionKind = "accept"
	DecisionReject DecisionKind = "reject"
)

// Reasons the controller attaches to automatic rejects.
const (
	ReasonTimeout  = "timeout"
	ReasonReplaced = "replaced"
	ReasonManual   = "manual"
)

// Decision is the worker's answer to an offer.
type Decision struct {
	ID           string       `json:"id"`
	OfferID      string       `json:"offerId"`
	Kind         DecisionKind `json:"decision"`
	Reason       string       `json:"reason,omitempty"`
	SubmittedAt  time.Time    `json:"submittedAt"`
	Acknowledged bool         `json:"acknowledged"`
	Attempts     int          `json:"attempts"`
	WorkerID     string       `json:"workerId,omitempty"`
	// OfferExpiresAt bounds how long a queued accept stays worth resending.
	OfferExpiresAt time.Time   `json:"offerExpiresAt"`
	Accept         *AcceptData `json:"accept,omitempty"`
}

// NewDecision builds a decision for o with a time ordered id.
func NewDecision(o Offer, kind DecisionKind, reason, workerID string, now time.Time) Decision {
	d := Decision{
		ID:             ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		OfferID:        o.ID,
		Kind:           kind,
		Reason:         reason,
		SubmittedAt:    now,
		WorkerID:       workerID,
		OfferExpiresAt: o.ExpiresAt,
	}
	if kind == DecisionAccept {
		d.Accept = acceptDataFor(o, workerID)
	}
	return d
}

func acceptDataFor(o Offer, workerID string) *AcceptData {
	a := &AcceptData{
		RideRequestID: o.ID,
		RiderID:       workerID,
		VehicleType:   o.Payload.VehicleType,
		Price:         float64(o.Payload.Price),
	}
	if o.Payload.User != nil {
		a.UserID = o.Payload.User.ID
	}
	// The server lists the competing workers; pick our own entry when present.
	for _, r := range o.Payload.Riders {
		if r.ID != workerID {
			continue
		}
		a.RiderName = r.Name
		a.VehicleName = r.VehicleName
		a.VehicleNumber = r.VehicleNumber
		if r.VehicleType != "" {
			a.VehicleType = r.VehicleType
		}
		if r.Price > 0 {
			a.Price = float64(r.Price)
		}
		a.ETA = float64(r.ETA)
		break
	}
	return a
}
