package decision

import (
	"fmt"
	"time"

	"driverlink/internal/model"
)

// TimeoutError means no acknowledgement arrived after every attempt.
type TimeoutError struct {
	OfferID  string
	Kind     model.DecisionKind
	Attempts int
	Wait     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s for offer %s not acknowledged after %d attempts (%s each)", e.Kind, e.OfferID, e.Attempts, e.Wait)
}

// DecisionConflictError means the offer was claimed by another worker.
type DecisionConflictError struct {
	OfferID string
	Message string
}

func (e *DecisionConflictError) Error() string {
	return fmt.Sprintf("offer %s already claimed: %s", e.OfferID, e.Message)
}

// RejectedError is a ride_error that is not a conflict.
type RejectedError struct {
	OfferID string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("decision for offer %s refused: %s", e.OfferID, e.Message)
}
