package model

import "encoding/json"

// Channel event names.
const (
	EventDriverConnect       = "driver_connect"
	EventConnectionConfirmed = "connection_confirmed"
	EventConnectionError     = "connection_error"
	EventRideCome            = "ride_come"
	EventRideAccepted        = "ride_accepted"
	EventRideRejected        = "ride_rejected"
	EventRiderConfirm        = "rider_confirm_message"
	EventRejectionConfirmed  = "rejection_confirmed"
	EventRideError           = "ride_error"
	EventRideCancelled       = "ride_cancelled"
	EventPing                = "ping-custom"
	EventPong                = "pong-custom"
)

// Frame is one JSON text message on the channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type DriverConnect struct {
	UserType string `json:"userType"`
	UserID   string `json:"userId"`
}

type ConnectionConfirmed struct {
	Status string `json:"status"`
	UserID string `json:"userId"`
}

type ConnectionErrorMessage struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// AcceptData is the body of ride_accepted.
type AcceptData struct {
	RideRequestID string  `json:"ride_request_id"`
	RiderID       string  `json:"rider_id"`
	UserID        string  `json:"user_id,omitempty"`
	RiderName     string  `json:"rider_name,omitempty"`
	VehicleName   string  `json:"vehicleName,omitempty"`
	VehicleNumber string  `json:"vehicleNumber,omitempty"`
	VehicleType   string  `json:"vehicleType,omitempty"`
	Price         float64 `json:"price,omitempty"`
	ETA           float64 `json:"eta,omitempty"`
}

type RideAccepted struct {
	Data AcceptData `json:"data"`
}

type RideRejected struct {
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id"`
	Reason   string `json:"reason,omitempty"`
}

// RiderConfirm acknowledges an accept. The dispatch server echoes the
// updated ride request in RideDetails rather than a top level id.
type RiderConfirm struct {
	Message       string       `json:"message,omitempty"`
	RideRequestID string       `json:"ride_request_id,omitempty"`
	RideID        string       `json:"rideId,omitempty"`
	RideDetails   *RideDetails `json:"rideDetails,omitempty"`
}

// RideDetails is the ride request document attached to rider_confirm_message.
// ID is the ride request id offers carry as requestId; TempRideID is the
// ride created for the winning driver.
type RideDetails struct {
	ID         string `json:"_id,omitempty"`
	RideStatus string `json:"rideStatus,omitempty"`
	TempRideID string `json:"temp_ride_id,omitempty"`
}

// OfferID returns the offer the confirmation is for, or "" when the frame
// names none.
func (m RiderConfirm) OfferID() string {
	switch {
	case m.RideRequestID != "":
		return m.RideRequestID
	case m.RideID != "":
		return m.RideID
	case m.RideDetails != nil:
		return m.RideDetails.ID
	}
	return ""
}

type RejectionConfirmed struct {
	RideID  string `json:"ride_id"`
	Message string `json:"message,omitempty"`
}

// RideError reports a refused decision. The dispatch server sends only the
// message.
type RideError struct {
	Message       string `json:"message"`
	RideRequestID string `json:"ride_request_id,omitempty"`
}

type RideCancelled struct {
	RideRequestID string `json:"ride_request_id"`
	Reason        string `json:"reason,omitempty"`
}

type TransportInfo struct {
	Name       string `json:"name"`
	ReadyState string `json:"readyState"`
}

type PingNetworkState struct {
	IsConnected         bool   `json:"isConnected"`
	IsInternetReachable bool   `json:"isInternetReachable"`
	Type                string `json:"type"`
}

type Ping struct {
	Time          int64            `json:"time"`
	TransportInfo TransportInfo    `json:"transportInfo"`
	NetworkState  PingNetworkState `json:"networkState"`
}

type Pong struct {
	Echo struct {
		Time int64 `json:"time"`
	} `json:"echo"`
	Authenticated bool   `json:"authenticated"`
	UserID        string `json:"userId,omitempty"`
}
