package models

import (
	"errors"
	"fmt"
)

var (
	ErrNoDriversAvailable = errors.New("no drivers available")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrAlreadyClaimed     = fmt.Errorf("trip already claimed: %w", ErrInvalidTransition)
	ErrAlreadyRated       = errors.New("trip already rated")
	ErrInvalidRating      = errors.New("rating must be between 1 and 5 stars")
	ErrUnknownTrip        = errors.New("unknown trip")
	ErrUnknownSession     = errors.New("unknown session")
	ErrPersistenceFailure = errors.New("persistence failure")
	ErrOfferWithdrawn     = errors.New("offer withdrawn")
	ErrDriverBusy         = errors.New("driver engaged in another trip")
	ErrDriverOffline      = errors.New("driver offline")
	ErrActiveTrip         = errors.New("user already has an active trip")
	ErrNotParticipant     = errors.New("user is not a party to this trip")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidRequest     = errors.New("invalid request")
)

// Code returns the wire name of a domain error, empty for unknown errors.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNoDriversAvailable):
		return "NoDriversAvailable"
	case errors.Is(err, ErrAlreadyRated):
		return "AlreadyRated"
	case errors.Is(err, ErrInvalidRating):
		return "InvalidRating"
	case errors.Is(err, ErrInvalidTransition):
		return "InvalidTransition"
	case errors.Is(err, ErrUnknownTrip):
		return "UnknownTrip"
	case errors.Is(err, ErrUnknownSession):
		return "UnknownSession"
	case errors.Is(err, ErrPersistenceFailure):
		return "PersistenceFailure"
	case errors.Is(err, ErrOfferWithdrawn):
		return "OfferWithdrawn"
	case errors.Is(err, ErrDriverBusy):
		return "DriverBusy"
	case errors.Is(err, ErrDriverOffline):
		return "DriverOffline"
	case errors.Is(err, ErrActiveTrip):
		return "ActiveTrip"
	case errors.Is(err, ErrNotParticipant):
		return "NotParticipant"
	case errors.Is(err, ErrForbidden):
		return "Forbidden"
	case errors.Is(err, ErrInvalidRequest):
		return "InvalidRequest"
	}
	return "Internal"
}
