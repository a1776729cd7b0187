package api

import "driverlink/internal/model"

// Partner is the worker profile returned by GET /rider/user-details.
type Partner struct {
	ID            string `json:"_id"`
	Name          string `json:"name"`
	Phone         string `json:"phone,omitempty"`
	IsAvailable   bool   `json:"isAvailable"`
	OnRide        bool   `json:"on_ride_id_present,omitempty"`
	VehicleNumber string `json:"vehicleNumber,omitempty"`
}

type UserDetails struct {
	Partner Partner `json:"partner"`
}

// Driver statuses reported alongside poll results.
const (
	DriverUnavailable     = "unavailable"
	DriverOnRide          = "on_ride"
	DriverRechargeExpired = "recharge_expired"
)

// PollResponse is the body of POST /rides/driver/poll-rides.
type PollResponse struct {
	Success      bool                 `json:"success"`
	Rides        []model.OfferPayload `json:"rides"`
	DriverStatus string               `json:"driverStatus,omitempty"`
	Message      string               `json:"message,omitempty"`
}

type pollRequest struct {
	DriverID string `json:"driver_id"`
}

type fallbackRequest struct {
	RideID string `json:"rideId"`
	UserID string `json:"userId"`
}

// Location is one position report.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type RegisterToken struct {
	UserID   string `json:"userId"`
	Token    string `json:"token"`
	Platform string `json:"platform,omitempty"`
}

// Notification is an out-of-band push message.
type Notification struct {
	Token string            `json:"token"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}
