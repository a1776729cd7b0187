package conn

import (
	"encoding/json"
	"strings"

	"driverlink/internal/model"
)

type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventConnectError
	EventOfferReceived
	EventDecisionAck
	EventDecisionFailed
	EventSuperseded
	EventPong
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventConnectError:
		return "connect_error"
	case EventOfferReceived:
		return "offer_received"
	case EventDecisionAck:
		return "decision_ack"
	case EventDecisionFailed:
		return "decision_failed"
	case EventSuperseded:
		return "superseded"
	case EventPong:
		return "pong"
	default:
		return "unknown"
	}
}

// Event is the closed set of things the manager reports. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind    EventKind
	Session model.Session

	Reason string // Disconnected, Superseded
	Err    error  // ConnectError

	OfferID  string             // OfferReceived, Superseded; DecisionAck and DecisionFailed when the server names it
	Payload  json.RawMessage    // OfferReceived
	Decision model.DecisionKind // DecisionAck
	Message  string             // DecisionFailed
	Conflict bool               // DecisionFailed: the offer went to someone else
	Pong     model.Pong         // Pong
}

// decode maps a channel frame onto an Event. ok is false for frames the
// agent does not care about.
func decode(f model.Frame) (Event, bool) {
	switch f.Event {
	case model.EventRideCome:
		var p model.OfferPayload
		_ = json.Unmarshal(f.Data, &p)
		return Event{Kind: EventOfferReceived, OfferID: p.ID(), Payload: f.Data}, true

	case model.EventRiderConfirm:
		var m model.RiderConfirm
		_ = json.Unmarshal(f.Data, &m)
		return Event{Kind: EventDecisionAck, Decision: model.DecisionAccept, OfferID: m.OfferID(), Message: m.Message}, true

	case model.EventRejectionConfirmed:
		var m model.RejectionConfirmed
		_ = json.Unmarshal(f.Data, &m)
		return Event{Kind: EventDecisionAck, Decision: model.DecisionReject, OfferID: m.RideID, Message: m.Message}, true

	case model.EventRideError:
		var m model.RideError
		if err := json.Unmarshal(f.Data, &m); err != nil {
			// some servers send a bare string
			_ = json.Unmarshal(f.Data, &m.Message)
		}
		return Event{Kind: EventDecisionFailed, OfferID: m.RideRequestID, Message: m.Message, Conflict: IsConflict(m.Message)}, true

	case model.EventRideCancelled:
		var m model.RideCancelled
		_ = json.Unmarshal(f.Data, &m)
		return Event{Kind: EventSuperseded, OfferID: m.RideRequestID, Reason: m.Reason}, true

	case model.EventPong:
		var p model.Pong
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return Event{}, false
		}
		return Event{Kind: EventPong, Pong: p}, true
	}
	return Event{}, false
}

// IsConflict recognises the server's "someone else got it" replies.
func IsConflict(msg string) bool {
	m := strings.ToLower(msg)
	for _, s := range []string{"already been accepted", "already accepted", "already claimed", "already assigned", "no longer available"} {
		if strings.Contains(m, s) {
			return true
		}
	}
	return false
}
