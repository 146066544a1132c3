package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Role string

const (
	RoleClient Role = "CLIENT"
	RoleDriver Role = "DRIVER"
	RoleAdmin  Role = "ADMIN"
)

func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleDriver, RoleAdmin:
		return true
	}
	return false
}

// Identity is the authenticated user behind a session.
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

type Session struct {
	ID          string    `json:"id"`
	Identity    Identity  `json:"identity"`
	ConnectedAt time.Time `json:"connected_at"`
}

type Vehicle struct {
	Model string `json:"model"`
	Plate string `json:"plate"`
	Type  string `json:"type"` // carro, moto
}

// DriverAvailability is a driver's entry in the online pool.
type DriverAvailability struct {
	DriverID  string    `json:"driver_id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Vehicle   Vehicle   `json:"vehicle"`
	Location  Coord     `json:"location"`
	Online    bool      `json:"online"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	VehicleCarro = "carro"
	VehicleMoto  = "moto"
)

type TripRequest struct {
	Origin          string  `json:"origin"`
	Destination     string  `json:"destination"`
	Pickup          *Coord  `json:"pickup,omitempty"`
	VehicleType     string  `json:"vehicle_type"`
	Price           float64 `json:"price"`
	PaymentMethod   string  `json:"payment_method"`
	ClientID        string  `json:"client_id"`
	ClientSessionID string  `json:"client_session_id,omitempty"`
	ClientPhone     string  `json:"client_phone,omitempty"`
}

// DriverSnapshot is the driver display info bound to a trip at match time.
type DriverSnapshot struct {
	DriverID string `json:"driver_id"`
	Name     string `json:"name"`
	Phone    string `json:"phone,omitempty"`
	Vehicle  string `json:"vehicle"`
	Plate    string `json:"plate"`
	Location Coord  `json:"location"`
}

type Trip struct {
	ID            string              `json:"id"`
	ClientID      string              `json:"client_id"`
	DriverID      string              `json:"driver_id,omitempty"`
	Request       TripRequest         `json:"request"`
	Driver        *DriverSnapshot     `json:"driver,omitempty"`
	Phase         Phase               `json:"phase"`
	Transitions   map[Phase]time.Time `json:"transitions"`
	Price         float64             `json:"price"`
	PaymentMethod string              `json:"payment_method"`
	Commission    float64             `json:"commission"`
	Rating        *int                `json:"rating,omitempty"`
	Comment       string              `json:"comment,omitempty"`
	CancelledBy   string              `json:"cancelled_by,omitempty"`
}

// At returns the time the trip entered phase p, zero if it never did.
func (t Trip) At(p Phase) time.Time { return t.Transitions[p] }

// Involves reports whether userID is the client or the driver of the trip.
func (t Trip) Involves(userID string) bool {
	return userID != "" && (t.ClientID == userID || t.DriverID == userID)
}

// Clone returns a deep copy safe to hand out of the state machine.
func (t Trip) Clone() Trip {
	c := t
	if t.Driver != nil {
		d := *t.Driver
		c.Driver = &d
	}
	if t.Request.Pickup != nil {
		p := *t.Request.Pickup
		c.Request.Pickup = &p
	}
	if t.Rating != nil {
		r := *t.Rating
		c.Rating = &r
	}
	c.Transitions = make(map[Phase]time.Time, len(t.Transitions))
	for k, v := range t.Transitions {
		c.Transitions[k] = v
	}
	return c
}

// DriverLocation is the record published on the location stream.
type DriverLocation struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	Online   bool      `json:"online"`
	Updated  time.Time `json:"updated"`
}
