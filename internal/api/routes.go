package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/MickyRosa/VisTrain2.0/internal/auth"
	"github.com/MickyRosa/VisTrain2.0/internal/logging"
	"github.com/MickyRosa/VisTrain2.0/internal/measurement"
	"github.com/MickyRosa/VisTrain2.0/internal/motion"
)

const (
	apiV1       = "/api/v1"
	maxBodySize = 64 << 10
)

// RegisterRoutes registers the v1 endpoints and, when enabled, the metrics
// endpoint on r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusNotFound, measurement.CodeNotFound, "Resource not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed,
			fmt.Sprintf("Method %s is not allowed", r.Method), nil)
	})

	r.Get(apiV1+"/health", s.handleHealth)
	if s.metrics != nil && s.metricsPath != "" {
		r.Method(http.MethodGet, s.metricsPath, s.metrics.Handler())
	}

	read := s.auth.RequireScope(auth.ScopeRead)
	control := s.auth.RequireScope(auth.ScopeControl)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Authenticate)

		r.With(read).Get(apiV1+"/locomotives", s.handleLocomotives)
		r.With(read).Get(apiV1+"/locomotives/{name}", s.handleLocomotive)

		r.With(read).Get(apiV1+"/connection", s.handleConnection)
		r.With(control).Post(apiV1+"/connection/connect", s.handleConnect)
		r.With(control).Post(apiV1+"/connection/disconnect", s.handleDisconnect)

		r.With(control).Post(apiV1+"/runs", s.handleStartRun)
		r.With(read).Get(apiV1+"/runs/current", s.handleCurrentRun)
		r.With(control).Post(apiV1+"/runs/current/stop", s.handleStopRun)

		// Any authenticated principal may halt the layout.
		r.Post(apiV1+"/estop", s.handleEmergencyStop)

		r.With(s.auth.RequireScope(auth.ScopeTelemetry)).Get(apiV1+"/telemetry", s.handleTelemetry)
	})
}

// handleLocomotives handles GET /locomotives
func (s *Server) handleLocomotives(w http.ResponseWriter, _ *http.Request) {
	WriteSuccess(w, s.registry.List())
}

// handleLocomotive handles GET /locomotives/{name}
func (s *Server) handleLocomotive(w http.ResponseWriter, r *http.Request) {
	l, err := s.registry.Lookup(chi.URLParam(r, "name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	WriteSuccess(w, l)
}

type connectionView struct {
	Status string `json:"status"`
}

func (s *Server) connection() connectionView {
	return connectionView{Status: s.runs.ConnectionStatus().String()}
}

// handleConnection handles GET /connection
func (s *Server) handleConnection(w http.ResponseWriter, _ *http.Request) {
	WriteSuccess(w, s.connection())
}

// handleConnect handles POST /connection/connect
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.Connect(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	WriteSuccess(w, s.connection())
}

// handleDisconnect handles POST /connection/disconnect
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.Disconnect(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	WriteSuccess(w, s.connection())
}

// runRequest is the POST /runs body. Durations use Go syntax, e.g. "12s".
type runRequest struct {
	Locomotive       string        `json:"locomotive"`
	StartNotch       int           `json:"startNotch"`
	EndNotch         int           `json:"endNotch"`
	Policy           motion.Policy `json:"policy"`
	TotalDuration    duration      `json:"totalDuration"`
	DurationPerNotch duration      `json:"durationPerNotch"`
	Hold             duration      `json:"hold"`
}

func (rr runRequest) toRequest() measurement.Request {
	return measurement.Request{
		Locomotive: rr.Locomotive,
		Profile: motion.Profile{
			StartNotch:       rr.StartNotch,
			EndNotch:         rr.EndNotch,
			Policy:           rr.Policy,
			TotalDuration:    time.Duration(rr.TotalDuration),
			DurationPerNotch: time.Duration(rr.DurationPerNotch),
		},
		Hold: time.Duration(rr.Hold),
	}
}

type duration time.Duration

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string such as \"10s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

// handleStartRun handles POST /runs
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var body runRequest
	if err := decodeStrict(w, r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if body.Locomotive == "" {
		writeErr(w, badRequest("locomotive is required"))
		return
	}
	if s.sessions == nil {
		WriteError(w, http.StatusServiceUnavailable, measurement.CodeUnavailable,
			"Acquisition is not available", nil)
		return
	}

	session, err := s.sessions(r.Context())
	if err != nil {
		s.log.Error(r.Context(), "open acquisition session", logging.Err(err))
		WriteError(w, http.StatusServiceUnavailable, measurement.CodeUnavailable,
			"Acquisition is not available", nil)
		return
	}

	st, err := s.runs.StartRun(r.Context(), body.toRequest(), session)
	if err != nil {
		_ = session.Finalize(context.WithoutCancel(r.Context()))
		writeErr(w, err)
		return
	}
	WriteAccepted(w, st)
}

// handleCurrentRun handles GET /runs/current
func (s *Server) handleCurrentRun(w http.ResponseWriter, _ *http.Request) {
	st, ok := s.runs.Current()
	if !ok {
		writeErr(w, measurement.ErrNoActiveRun)
		return
	}
	WriteSuccess(w, st)
}

// handleStopRun handles POST /runs/current/stop
func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.stopTimeout)
	defer cancel()

	if err := s.runs.Stop(ctx); err != nil {
		writeErr(w, err)
		return
	}
	st, _ := s.runs.Current()
	WriteSuccess(w, st)
}

// handleEmergencyStop handles POST /estop
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if err := s.runs.EmergencyStop(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	WriteSuccess(w, map[string]any{"halted": true})
}

// handleTelemetry handles GET /telemetry (SSE)
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if s.telemetry == nil {
		WriteError(w, http.StatusServiceUnavailable, measurement.CodeUnavailable,
			"Telemetry service not available", nil)
		return
	}
	if err := s.telemetry.Subscribe(r.Context(), w, r); err != nil {
		s.log.Debug(r.Context(), "telemetry stream ended", logging.Err(err))
	}
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	subsystems := map[string]bool{
		"runs":      s.runs != nil,
		"registry":  s.registry != nil,
		"telemetry": s.telemetry != nil,
	}
	health := map[string]any{
		"status":     "ok",
		"uptimeSec":  time.Since(s.startTime).Seconds(),
		"version":    s.version,
		"subsystems": subsystems,
	}
	if s.runs != nil {
		health["connection"] = s.runs.ConnectionStatus().String()
	}

	for _, up := range subsystems {
		if !up {
			health["status"] = "degraded"
			WriteError(w, http.StatusServiceUnavailable, CodeDegraded,
				"One or more subsystems are unavailable", health)
			return
		}
	}
	WriteSuccess(w, health)
}

// decodeStrict decodes exactly one JSON value with no unknown fields.
func decodeStrict(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, motion.ErrInvalidProfile) {
			return err
		}
		return badRequest("Invalid JSON body: " + err.Error())
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return badRequest("Request body must contain a single JSON object")
	}
	return nil
}
