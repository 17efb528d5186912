package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lockerhub/lockerd/internal/auth"
	"github.com/lockerhub/lockerd/internal/locker/bus"
	"github.com/lockerhub/lockerd/internal/locker/service"
	"github.com/lockerhub/lockerd/internal/locker/types"
)

type Dependencies struct {
	Logger    *zap.Logger
	Addr      string
	Engine    *service.Engine
	Telemetry *service.Telemetry
	Bus       *bus.Bus
	Verifier  *auth.Verifier
	DeviceKey string
}

type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	engine     *service.Engine
	telemetry  *service.Telemetry
	bus        *bus.Bus
	verifier   *auth.Verifier
	deviceKey  string
}

func NewServer(d Dependencies) *Server {
	s := &Server{
		logger:    d.Logger,
		engine:    d.Engine,
		telemetry: d.Telemetry,
		bus:       d.Bus,
		verifier:  d.Verifier,
		deviceKey: d.DeviceKey,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(d.Logger))

	r.Route("/v1", func(r chi.Router) {
		// User- and admin-facing API, behind the identity provider.
		r.Group(func(r chi.Router) {
			r.Use(s.requireUser)

			r.Get("/me", s.handleMe)
			r.Get("/lockers", s.handleListLockers)
			r.Get("/lockers/{lockerID}", s.handleGetLocker)
			r.Post("/lockers/{lockerID}/reserve", s.handleReserve)
			r.Post("/lockers/{lockerID}/release", s.handleRelease)
			r.Post("/lockers/{lockerID}/command", s.handleCommand)
			r.Get("/logs", s.handleLogs)
			r.Get("/stream", s.handleStream)

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.requireAdmin)
				r.Get("/users", s.handleListUsers)
				r.Post("/lockers", s.handleProvisionLocker)
				r.Post("/lockers/{lockerID}/force-unlock", s.handleForceUnlock)
				r.Post("/lockers/{lockerID}/force-lock", s.handleForceLock)
				r.Post("/lockers/{lockerID}/force-release", s.handleForceRelease)
			})
		})

		// Embedded controllers, behind the shared device key.
		r.Group(func(r chi.Router) {
			r.Use(s.requireDevice)
			r.Post("/telemetry", s.handleTelemetry)
		})
	})

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ── handlers ─────────────────────────────────────────────────────────────────

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.engine.Me(r.Context(), identityFrom(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleListLockers(w http.ResponseWriter, r *http.Request) {
	ls, err := s.engine.Lockers(r.Context(), identityFrom(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ls)
}

func (s *Server) handleGetLocker(w http.ResponseWriter, r *http.Request) {
	l, err := s.engine.Locker(r.Context(), identityFrom(r), chi.URLParam(r, "lockerID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req types.ReserveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	l, err := s.engine.Reserve(r.Context(), identityFrom(r), chi.URLParam(r, "lockerID"), req.Token)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	l, err := s.engine.Release(r.Context(), identityFrom(r), chi.URLParam(r, "lockerID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req types.CommandRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	l, err := s.engine.SendCommand(r.Context(), identityFrom(r), chi.URLParam(r, "lockerID"), req.Command)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "limit", 30)
	logs, err := s.engine.RecentLogs(r.Context(), identityFrom(r), n)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	us, err := s.engine.Users(r.Context(), identityFrom(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, us)
}

func (s *Server) handleProvisionLocker(w http.ResponseWriter, r *http.Request) {
	var req types.ProvisionLockerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	l, err := s.engine.ProvisionLocker(r.Context(), identityFrom(r), req.LockerID, req.QRToken)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (s *Server) handleForceUnlock(w http.ResponseWriter, r *http.Request) {
	l, err := s.engine.ForceUnlock(r.Context(), identityFrom(r), chi.URLParam(r, "lockerID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleForceLock(w http.ResponseWriter, r *http.Request) {
	l, err := s.engine.ForceLock(r.Context(), identityFrom(r), chi.URLParam(r, "lockerID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleForceRelease(w http.ResponseWriter, r *http.Request) {
	l, err := s.engine.ForceRelease(r.Context(), identityFrom(r), chi.URLParam(r, "lockerID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var req types.TelemetryRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	deviceTime := parseOptionalTimestamp(req.DeviceTime)
	s.telemetry.Report(r.Context(), req.LockerID, req.State, deviceTime)

	// Telemetry is best effort; the device always gets an acknowledgment.
	writeJSON(w, http.StatusOK, types.TelemetryResponse{
		OK:         true,
		LockerID:   req.LockerID,
		ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// ── plumbing ─────────────────────────────────────────────────────────────────

const maxRequestBody = 4096

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, code, err.Error())
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, service.ErrNotOwner):
		return http.StatusForbidden, "not_owner"
	case errors.Is(err, service.ErrTokenMismatch):
		return http.StatusForbidden, "token_mismatch"
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, service.ErrAlreadyOccupied):
		return http.StatusConflict, "already_occupied"
	case errors.Is(err, service.ErrUserAlreadyAssigned):
		return http.StatusConflict, "user_already_assigned"
	case errors.Is(err, service.ErrLockerExists):
		return http.StatusConflict, "locker_exists"
	case errors.Is(err, service.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, service.ErrInvalidCommand),
		errors.Is(err, service.ErrInvalidLockerID),
		errors.Is(err, service.ErrInvalidToken):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, service.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// parseOptionalTimestamp parses a device-reported timestamp.  Returns nil
// if the string is empty or unparseable.
func parseOptionalTimestamp(s string) *time.Time {
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		u := t.UTC()
		return &u
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		u := t.UTC()
		return &u
	}
	return nil
}
