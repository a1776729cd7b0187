package offer

import (
	"errors"
	"time"

	"driverlink/internal/model"
)

type State int

const (
	Idle State = iota
	Pending
	Deciding
	Resolved
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Pending:
		return "pending"
	case Deciding:
		return "deciding"
	case Resolved:
		return "resolved"
	default:
		return "unknown"
	}
}

// Policy decides what happens to a second offer while one is pending.
type Policy string

const (
	// FirstWins discards the newcomer.
	FirstWins Policy = "first_wins"
	// LatestWins rejects the displaced offer with reason "replaced".
	LatestWins Policy = "latest_wins"
)

var (
	ErrNoPendingOffer = errors.New("offer: no pending offer")
	ErrStopped        = errors.New("offer: controller stopped")
)

// Snapshot is an immutable view of the controller. Offer is nil when Idle.
type Snapshot struct {
	State    State
	Offer    *model.Offer
	Decision model.DecisionKind
	// Message carries the last server refusal shown to the worker.
	Message string
	At      time.Time
}

// Remaining is the countdown left at now, zero outside Pending and Deciding.
func (s Snapshot) Remaining(now time.Time) time.Duration {
	if s.Offer == nil || (s.State != Pending && s.State != Deciding) {
		return 0
	}
	return s.Offer.Remaining(now)
}
