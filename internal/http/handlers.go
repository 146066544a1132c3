package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-dispatch/internal/auth"
	"github.com/example/trip-dispatch/internal/coordinator"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/matcher"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/registry"
	"github.com/example/trip-dispatch/internal/trip"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Coord    *coordinator.Coordinator
	Engine   *matcher.Engine
	Registry *registry.Registry
	Trips    *trip.Machine
	WSReg    *dispatch.WSRegistry
	Auth     *auth.Verifier
	Ready    []Pinger
	Logger   *slog.Logger
}

type Server struct {
	coord    *coordinator.Coordinator
	engine   *matcher.Engine
	registry *registry.Registry
	trips    *trip.Machine
	wsreg    *dispatch.WSRegistry
	auth     *auth.Verifier
	ready    []Pinger
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		coord:    d.Coord,
		engine:   d.Engine,
		registry: d.Registry,
		trips:    d.Trips,
		wsreg:    d.WSReg,
		auth:     d.Auth,
		ready:    d.Ready,
		logger:   d.Logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/trips", s.handleRequestTrip).Methods("POST")
	api.HandleFunc("/trips/{trip_id}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trips/{trip_id}/rating", s.handleRating).Methods("PUT")
	api.HandleFunc("/trips/{trip_id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/history/{user_id}", s.handleHistory).Methods("GET")
	api.HandleFunc("/drivers/online", s.handleOnlineDrivers).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRequestTrip(w http.ResponseWriter, r *http.Request) {
	var req models.TripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	t, err := s.coord.RequestTrip(r.Context(), identity(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"trip_id": t.ID,
		"phase":   t.Phase,
		"offers":  len(s.engine.Pending(t.ID)),
	})
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	t, err := s.trips.Get(mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if id.Role != models.RoleAdmin && !t.Involves(id.ID) {
		s.writeError(w, r, models.ErrNotParticipant)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRating(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if id.Role != models.RoleClient {
		s.writeError(w, r, models.ErrForbidden)
		return
	}
	var p models.RatingPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := s.coord.SubmitRating(r.Context(), id.ID, mux.Vars(r)["trip_id"], p.Stars, p.Comment); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	t, err := s.coord.CancelTrip(r.Context(), identity(r).ID, mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	userID := mux.Vars(r)["user_id"]
	if id.ID != userID && id.Role != models.RoleAdmin {
		s.writeError(w, r, models.ErrForbidden)
		return
	}
	rep, err := s.coord.HistorySummary(r.Context(), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleOnlineDrivers(w http.ResponseWriter, r *http.Request) {
	if identity(r).Role != models.RoleAdmin {
		s.writeError(w, r, models.ErrForbidden)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.ListOnlineDrivers())
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, p := range s.ready {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("readiness_failed", "err", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWS runs one session: it is registered after the upgrade, inbound
// frames go to the coordinator, and the session is torn down when the
// socket closes.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.auth.FromRequest(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "user_id", id.ID, "err", err)
		return
	}
	sessionID := uuid.NewString()
	ws := s.wsreg.Attach(sessionID, id.ID, conn)
	sess, err := s.coord.Connect(r.Context(), sessionID, id)
	if err != nil {
		s.wsreg.Detach(ws)
		return
	}
	s.logger.Info("ws_connected", "session_id", sessionID, "user_id", id.ID, "role", id.Role)

	ctx := context.Background()
	err = ws.ReadLoop(func(in models.Inbound) {
		herr := s.coord.HandleInbound(ctx, sess, in)
		if ev, ok := coordinator.ErrorEvent(in, herr); ok {
			s.logger.Info("inbound_rejected", "session_id", sessionID, "type", in.Type, "trip_id", in.TripID, "err", herr)
			ws.Send(ev)
		} else if herr != nil {
			s.logger.Debug("inbound_ignored", "session_id", sessionID, "type", in.Type, "trip_id", in.TripID, "err", herr)
		}
	})
	if err != nil {
		s.logger.Debug("ws_read_closed", "session_id", sessionID, "err", err)
	}
	s.wsreg.Detach(ws)
	if err := s.coord.Disconnect(ctx, sessionID); err != nil && !errors.Is(err, models.ErrUnknownSession) {
		s.logger.Warn("disconnect_failed", "session_id", sessionID, "err", err)
	}
	s.logger.Info("ws_disconnected", "session_id", sessionID, "user_id", id.ID)
}

// statusTable maps domain errors to HTTP status codes, first match wins.
var statusTable = []struct {
	err    error
	status int
}{
	{models.ErrInvalidRequest, http.StatusBadRequest},
	{models.ErrInvalidRating, http.StatusBadRequest},
	{models.ErrUnknownTrip, http.StatusNotFound},
	{models.ErrUnknownSession, http.StatusNotFound},
	{models.ErrForbidden, http.StatusForbidden},
	{models.ErrNotParticipant, http.StatusForbidden},
	{models.ErrAlreadyRated, http.StatusConflict},
	{models.ErrActiveTrip, http.StatusConflict},
	{models.ErrInvalidTransition, http.StatusConflict},
	{models.ErrOfferWithdrawn, http.StatusConflict},
	{models.ErrDriverBusy, http.StatusConflict},
	{models.ErrDriverOffline, http.StatusConflict},
	{models.ErrNoDriversAvailable, http.StatusServiceUnavailable},
	{models.ErrPersistenceFailure, http.StatusServiceUnavailable},
}

func statusFor(err error) int {
	for _, e := range statusTable {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request_failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "err", err)
	}
	writeJSON(w, status, models.ErrorPayload{Code: models.Code(err), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
