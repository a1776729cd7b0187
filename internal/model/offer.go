package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type OfferStatus string

const (
	OfferPending    OfferStatus = "pending"
	OfferAccepted   OfferStatus = "accepted"
	OfferRejected   OfferStatus = "rejected"
	OfferExpired    OfferStatus = "expired"
	OfferSuperseded OfferStatus = "superseded"
)

// Terminal reports whether no further transition may leave s.
func (s OfferStatus) Terminal() bool {
	return s != OfferPending && s != ""
}

// ConfirmsExpired reports whether next may replace a recorded prev: an
// accept the server confirmed after the countdown ran out.
func ConfirmsExpired(prev, next OfferStatus) bool {
	return prev == OfferExpired && next == OfferAccepted
}

type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// DefaultOfferTTL applies when the server does not send expiresAt.
const DefaultOfferTTL = 120 * time.Second

// Offer is a time-boxed work proposal held by the offer controller.
type Offer struct {
	ID         string       `json:"offerId"`
	IssuedAt   time.Time    `json:"issuedAt"`
	ExpiresAt  time.Time    `json:"expiresAt"`
	ReceivedAt time.Time    `json:"receivedAt"`
	Payload    OfferPayload `json:"payload"`
	Status     OfferStatus  `json:"status"`
	Source     Source       `json:"sourceChannel"`
}

// Remaining is the countdown left at now, never negative.
func (o Offer) Remaining(now time.Time) time.Duration {
	d := o.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// OfferPayload is the union of the push (ride_come) and poll (poll-rides)
// offer shapes.
type OfferPayload struct {
	OfferID       string    `json:"offerId,omitempty"`
	RequestID     string    `json:"requestId,omitempty"`
	RideRequestID string    `json:"rideRequestId,omitempty"`
	PickupDesc    string    `json:"pickup_desc"`
	DropDesc      string    `json:"drop_desc"`
	Distance      Amount    `json:"distance,omitempty"`
	Duration      Amount    `json:"duration,omitempty"`
	Price         Amount    `json:"price,omitempty"`
	Riders        []Rider   `json:"riders,omitempty"`
	Polyline      string    `json:"polyline,omitempty"`
	VehicleType   string    `json:"vehicleType,omitempty"`
	RetryCount    int       `json:"retryCount,omitempty"`
	User          *UserRef  `json:"user,omitempty"`
	CreatedAt     Timestamp `json:"createdAt,omitempty"`
	ExpiresAt     Timestamp `json:"expiresAt,omitempty"`
}

// Rider is a competing-worker entry carried by an offer.
type Rider struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	RideRequestID string `json:"rideRequestId,omitempty"`
	VehicleName   string `json:"vehicleName,omitempty"`
	VehicleNumber string `json:"vehicleNumber,omitempty"`
	VehicleType   string `json:"vehicleType,omitempty"`
	Price         Amount `json:"price,omitempty"`
	ETA           Amount `json:"eta,omitempty"`
}

type UserRef struct {
	ID string `json:"_id"`
}

// ID returns the first non-empty offer identifier the server used.
func (p OfferPayload) ID() string {
	for _, id := range []string{p.OfferID, p.RequestID, p.RideRequestID} {
		if s := strings.TrimSpace(id); s != "" {
			return s
		}
	}
	return ""
}

// OfferValidationError marks a malformed offer payload. Such offers are
// logged and dropped; they never reach the worker.
type OfferValidationError struct {
	OfferID string
	Missing []string
	Err     error
}

func (e *OfferValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid offer %q: %v", e.OfferID, e.Err)
	}
	return fmt.Sprintf("invalid offer %q: missing field(s) %s", e.OfferID, strings.Join(e.Missing, ", "))
}

func (e *OfferValidationError) Unwrap() error { return e.Err }

// ParseOffer decodes and validates an offer delivered over src. The expiry is
// taken from the payload when present, otherwise issuance plus ttl.
func ParseOffer(raw json.RawMessage, src Source, now time.Time, ttl time.Duration) (Offer, error) {
	var p OfferPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Offer{}, &OfferValidationError{Err: err}
	}
	return NewOffer(p, src, now, ttl)
}

// NewOffer validates an already decoded payload.
func NewOffer(p OfferPayload, src Source, now time.Time, ttl time.Duration) (Offer, error) {
	if err := validateOfferPayload(p); err != nil {
		return Offer{}, err
	}
	if ttl <= 0 {
		ttl = DefaultOfferTTL
	}
	issued := now
	if !p.CreatedAt.IsZero() {
		issued = p.CreatedAt.Time
	}
	expires := issued.Add(ttl)
	if !p.ExpiresAt.IsZero() {
		expires = p.ExpiresAt.Time
	}
	return Offer{
		ID:         p.ID(),
		IssuedAt:   issued,
		ExpiresAt:  expires,
		ReceivedAt: now,
		Payload:    p,
		Status:     OfferPending,
		Source:     src,
	}, nil
}

func validateOfferPayload(p OfferPayload) error {
	var missing []string
	if p.ID() == "" {
		missing = append(missing, "offerId")
	}
	if strings.TrimSpace(p.PickupDesc) == "" {
		missing = append(missing, "pickup_desc")
	}
	if strings.TrimSpace(p.DropDesc) == "" {
		missing = append(missing, "drop_desc")
	}
	if p.Price < 0 {
		return &OfferValidationError{OfferID: p.ID(), Err: fmt.Errorf("price must be >= 0")}
	}
	if len(missing) > 0 {
		return &OfferValidationError{OfferID: p.ID(), Missing: missing}
	}
	return nil
}

// Amount decodes numbers the server may send either as JSON numbers or as
// numeric strings.
type Amount float64

func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if strings.TrimSpace(s) == "" {
			*a = 0
			return nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return fmt.Errorf("amount %q: %w", s, err)
		}
		*a = Amount(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*a = Amount(f)
	return nil
}

// Timestamp accepts RFC 3339 strings or epoch milliseconds.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`""`)) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", s, err)
		}
		t.Time = ts
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return err
	}
	t.Time = time.UnixMilli(ms)
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// OfferRecord is the persisted ledger entry for a resolved offer.
type OfferRecord struct {
	OfferID    string      `json:"offerId" yaml:"offerId"`
	Status     OfferStatus `json:"status" yaml:"status"`
	Source     Source      `json:"source" yaml:"source"`
	PickupDesc string      `json:"pickupDesc,omitempty" yaml:"pickupDesc,omitempty"`
	DropDesc   string      `json:"dropDesc,omitempty" yaml:"dropDesc,omitempty"`
	Price      float64     `json:"price,omitempty" yaml:"price,omitempty"`
	ResolvedAt time.Time   `json:"resolvedAt" yaml:"resolvedAt"`
}

// Record builds the ledger entry for a resolved offer.
func (o Offer) Record(at time.Time) OfferRecord {
	return OfferRecord{
		OfferID:    o.ID,
		Status:     o.Status,
		Source:     o.Source,
		PickupDesc: o.Payload.PickupDesc,
		DropDesc:   o.Payload.DropDesc,
		Price:      float64(o.Payload.Price),
		ResolvedAt: at,
	}
}
