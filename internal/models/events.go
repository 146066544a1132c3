package models

import (
	"encoding/json"
	"time"
)

// Event names on the WebSocket surface.
const (
	// client -> core
	EvRequestTrip  = "request-trip"
	EvSubmitRating = "submit-rating"
	EvCancelTrip   = "cancel-trip"

	// driver -> core
	EvDriverOnline    = "driver-online"
	EvDriverOffline   = "driver-offline"
	EvAcceptOffer     = "accept-offer"
	EvRejectOffer     = "reject-offer"
	EvPositionUpdate  = "position-update"
	EvPickupConfirmed = "pickup-confirmed"
	EvFinalizeTrip    = "finalize-trip"

	// core -> client / driver
	EvTripOffer        = "trip-offer"
	EvOfferWithdrawn   = "offer-withdrawn"
	EvTripMatched      = "trip-matched"
	EvTripHandshake    = "trip-handshake"
	EvDriverPosition   = "driver-position"
	EvDriverETA        = "driver-eta"
	EvTripStarted      = "trip-started"
	EvTripCompleted    = "trip-completed"
	EvTripCompletedAck = "trip-completed-ack"
	EvTripCancelled    = "trip-cancelled"
	EvTripExpired      = "trip-expired"
	EvTripResumed      = "trip-resumed"
	EvTripRequested    = "trip-requested"
	EvError            = "error"
)

// Event is a typed message addressed to one user.
type Event struct {
	Type   string `json:"type"`
	TripID string `json:"trip_id,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// Inbound is a raw message received from a session.
type Inbound struct {
	Type   string          `json:"type"`
	TripID string          `json:"trip_id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type TripOffer struct {
	TripID        string    `json:"trip_id"`
	Origin        string    `json:"origin"`
	Destination   string    `json:"destination"`
	VehicleType   string    `json:"vehicle_type"`
	Price         float64   `json:"price"`
	PaymentMethod string    `json:"payment_method"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type TripMatched struct {
	DriverSnapshot
	ETASeconds float64 `json:"eta_seconds,omitempty"`
}

// TripETA refines the pickup estimate sent with trip-matched.
type TripETA struct {
	TripID     string  `json:"trip_id"`
	ETASeconds float64 `json:"eta_seconds"`
}

type TripHandshake struct {
	ClientID      string  `json:"client_id"`
	ClientPhone   string  `json:"client_phone"`
	Origin        string  `json:"origin"`
	Destination   string  `json:"destination"`
	Price         float64 `json:"price"`
	PaymentMethod string  `json:"payment_method"`
}

type TripCompleted struct {
	TripID        string  `json:"trip_id"`
	Price         float64 `json:"price"`
	PaymentMethod string  `json:"payment_method"`
}

type TripCompletedAck struct {
	TripID     string  `json:"trip_id"`
	Commission float64 `json:"commission"`
}

type TripClosed struct {
	TripID string `json:"trip_id"`
	Reason string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Inbound payloads.

type DriverOnlinePayload struct {
	Name     string  `json:"name"`
	Phone    string  `json:"phone"`
	Vehicle  Vehicle `json:"vehicle"`
	Location Coord   `json:"location"`
}

type PositionPayload struct {
	Location Coord `json:"location"`
}

type FinalizePayload struct {
	ClientID string `json:"client_id"`
	DriverID string `json:"driver_id"`
}

type RatingPayload struct {
	Stars   int    `json:"stars"`
	Comment string `json:"comment"`
}

// TripEvent is the record emitted on the trip event stream for every
// applied phase transition.
type TripEvent struct {
	TripID    string    `json:"trip_id"`
	From      Phase     `json:"from,omitempty"`
	To        Phase     `json:"to"`
	ClientID  string    `json:"client_id"`
	DriverID  string    `json:"driver_id,omitempty"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}
