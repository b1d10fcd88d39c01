package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/rides"
)

// LocationPublisher forwards accepted location reports downstream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
}

type Options struct {
	Rides     *rides.Service
	Matcher   *matcher.Service
	Locations LocationPublisher           // optional
	Ready     func(context.Context) error // optional
	Logger    *slog.Logger
}

type Server struct {
	rides     *rides.Service
	matcher   *matcher.Service
	locations LocationPublisher
	ready     func(context.Context) error
	logger    *slog.Logger
	sessions  *sessionRegistry
	mux       *mux.Router
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		rides:     opts.Rides,
		matcher:   opts.Matcher,
		locations: opts.Locations,
		ready:     opts.Ready,
		logger:    logger,
		sessions:  newSessionRegistry(),
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleSubmitRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/match", s.handleMatchRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/respond", s.handleRespond).Methods(http.MethodPatch)
	api.HandleFunc("/rides/{id}/cancel", s.handleTransition(s.rides.Cancel)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.handleTransition(s.rides.Start)).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.handleTransition(s.rides.Complete)).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}", s.handlePutDriver).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws/drivers/{id}/location", s.handleLocationStream).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleSubmitRide(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	ride, err := s.rides.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.rides.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type matchResponse struct {
	RideID   string `json:"ride_id"`
	DriverID string `json:"driver_id,omitempty"`
	Matched  bool   `json:"matched"`
}

func (s *Server) handleMatchRide(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	driverID, matched, err := s.matcher.MatchRide(r.Context(), rideID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, matchResponse{RideID: rideID, DriverID: driverID, Matched: matched})
}

type respondRequest struct {
	DriverID string `json:"driver_id"`
	Accept   *bool  `json:"accept"`
}

type respondResponse struct {
	RideID   string        `json:"ride_id"`
	DriverID string        `json:"driver_id"`
	Outcome  rides.Outcome `json:"outcome"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.DriverID == "" || req.Accept == nil {
		writeJSONError(w, http.StatusBadRequest, "driver_id and accept are required")
		return
	}
	outcome, err := s.rides.RespondToMatch(r.Context(), rideID, req.DriverID, *req.Accept)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, respondResponse{RideID: rideID, DriverID: req.DriverID, Outcome: outcome})
}

func (s *Server) handleTransition(fn func(context.Context, string) (*models.Ride, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ride, err := fn(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ride)
	}
}

type driverRequest struct {
	Available    *bool         `json:"available"`
	LicensePlate *string       `json:"license_plate"`
	CarModel     *string       `json:"car_model"`
	Location     *models.Coord `json:"location"`
}

func (s *Server) handlePutDriver(w http.ResponseWriter, r *http.Request) {
	var req driverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Available == nil {
		writeJSONError(w, http.StatusBadRequest, "available is required")
		return
	}
	prof, err := s.rides.UpdateDriver(r.Context(), mux.Vars(r)["id"], rides.DriverUpdate{
		Available:    *req.Available,
		LicensePlate: req.LicensePlate,
		CarModel:     req.CarModel,
		Location:     req.Location,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prof)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	prof, err := s.rides.GetDriver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prof)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.DriverLocation
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.ingestLocation(r.Context(), loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ingestLocation applies a report to the index, then forwards it to the
// location topic when one is configured.
func (s *Server) ingestLocation(ctx context.Context, loc models.DriverLocation) error {
	if err := s.rides.UpdateLocation(ctx, loc); err != nil {
		return err
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(ctx, loc); err != nil {
			s.requestLogger(ctx).Warn("publish location failed", "driver_id", loc.DriverID, "error", err)
		}
	}
	return nil
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.requestLogger(r.Context()).Warn("readiness check failed", "error", err)
			writeJSONError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// statusFor maps an error category to its HTTP status. CommitFailed is
// checked first because a failed commit may also wrap a transport error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, rides.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrCommitFailed):
		return http.StatusInternalServerError
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.requestLogger(r.Context()).Error("request failed", "route", routeTemplate(r), "error", err)
	}
	writeJSONError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
