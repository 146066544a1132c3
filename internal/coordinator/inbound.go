package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/trip-dispatch/internal/models"
)

// HandleInbound routes one event received on session s.
func (c *Coordinator) HandleInbound(ctx context.Context, s models.Session, in models.Inbound) error {
	id := s.Identity
	switch in.Type {
	case models.EvRequestTrip:
		var req models.TripRequest
		if err := decode(in, &req); err != nil {
			return err
		}
		req.ClientSessionID = s.ID
		_, err := c.RequestTrip(ctx, id, req)
		return err

	case models.EvCancelTrip:
		_, err := c.CancelTrip(ctx, id.ID, in.TripID)
		return err

	case models.EvSubmitRating:
		if id.Role != models.RoleClient {
			return forbidden(in, id)
		}
		var p models.RatingPayload
		if err := decode(in, &p); err != nil {
			return err
		}
		return c.SubmitRating(ctx, id.ID, in.TripID, p.Stars, p.Comment)

	case models.EvDriverOnline:
		var p models.DriverOnlinePayload
		if err := decode(in, &p); err != nil {
			return err
		}
		return c.DriverOnline(ctx, id, p)
	}

	// the rest are driver events
	if id.Role != models.RoleDriver {
		if isKnown(in.Type) {
			return forbidden(in, id)
		}
		return fmt.Errorf("event %q: %w", in.Type, models.ErrInvalidRequest)
	}
	switch in.Type {
	case models.EvDriverOffline:
		return c.DriverOffline(ctx, id.ID)
	case models.EvAcceptOffer:
		_, err := c.AcceptOffer(ctx, id.ID, in.TripID)
		return err
	case models.EvRejectOffer:
		return c.RejectOffer(ctx, id.ID, in.TripID)
	case models.EvPositionUpdate:
		var p models.PositionPayload
		if err := decode(in, &p); err != nil {
			return err
		}
		_, err := c.PositionUpdate(ctx, id.ID, in.TripID, p.Location)
		return err
	case models.EvPickupConfirmed:
		_, err := c.ConfirmPickup(ctx, id.ID, in.TripID)
		return err
	case models.EvFinalizeTrip:
		var p models.FinalizePayload
		if err := decode(in, &p); err != nil {
			return err
		}
		_, err := c.FinalizeTrip(ctx, id.ID, in.TripID, p)
		return err
	}
	return fmt.Errorf("event %q: %w", in.Type, models.ErrInvalidRequest)
}

// ErrorEvent converts a handler error into the frame sent back to the
// session. Duplicate and late signals are not surfaced.
func ErrorEvent(in models.Inbound, err error) (models.Event, bool) {
	if err == nil || errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrOfferWithdrawn) {
		return models.Event{}, false
	}
	return models.Event{
		Type:   models.EvError,
		TripID: in.TripID,
		Data:   models.ErrorPayload{Code: models.Code(err), Message: err.Error()},
	}, true
}

func decode(in models.Inbound, v any) error {
	if len(in.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(in.Data, v); err != nil {
		return fmt.Errorf("event %q: %v: %w", in.Type, err, models.ErrInvalidRequest)
	}
	return nil
}

func forbidden(in models.Inbound, id models.Identity) error {
	return fmt.Errorf("event %q by %s %s: %w", in.Type, id.Role, id.ID, models.ErrForbidden)
}

func isKnown(typ string) bool {
	switch typ {
	case models.EvDriverOffline, models.EvAcceptOffer, models.EvRejectOffer,
		models.EvPositionUpdate, models.EvPickupConfirmed, models.EvFinalizeTrip:
		return true
	}
	return false
}
