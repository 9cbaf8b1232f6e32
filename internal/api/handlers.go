package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"syncbot/internal/scheduler"
)

// HealthOutput reports liveness.
type HealthOutput struct {
	Body struct {
		Status   string `json:"status" doc:"healthy, or stopping once a stop was requested"`
		Stopping bool   `json:"stopping"`
	}
}

// StatusOutput wraps the scheduler snapshot.
type StatusOutput struct {
	Body scheduler.Status
}

// AcceptedOutput acknowledges a control request.
type AcceptedOutput struct {
	Body struct {
		Message string `json:"message"`
	}
}

func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "healthCheck",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"Health"},
	}, s.handleHealth)

	bearer := []map[string][]string{{"bearer": {}}}

	huma.Register(s.api, huma.Operation{
		OperationID: "getStatus",
		Method:      http.MethodGet,
		Path:        "/api/v1/status",
		Summary:     "Loop status",
		Description: "Current user, start time and counters of every loop, with totals.",
		Tags:        []string{"Scheduler"},
		Security:    bearer,
	}, s.handleStatus)

	huma.Register(s.api, huma.Operation{
		OperationID:   "stop",
		Method:        http.MethodPost,
		Path:          "/api/v1/stop",
		Summary:       "Stop polling",
		Description:   "Loops finish their current user and exit.",
		Tags:          []string{"Scheduler"},
		Security:      bearer,
		DefaultStatus: http.StatusAccepted,
	}, s.handleStop)

	huma.Register(s.api, huma.Operation{
		OperationID:   "forceExit",
		Method:        http.MethodPost,
		Path:          "/api/v1/force-exit",
		Summary:       "Stop and exit the process",
		Description:   "In-flight runs get the configured grace period before the process exits.",
		Tags:          []string{"Scheduler"},
		Security:      bearer,
		DefaultStatus: http.StatusAccepted,
	}, s.handleForceExit)
}

func (s *Server) handleHealth(_ context.Context, _ *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{}
	out.Body.Status = "healthy"
	if s.control.Status().Stopping {
		out.Body.Status = "stopping"
		out.Body.Stopping = true
	}
	return out, nil
}

func (s *Server) handleStatus(_ context.Context, _ *struct{}) (*StatusOutput, error) {
	return &StatusOutput{Body: s.control.Status()}, nil
}

func (s *Server) handleStop(_ context.Context, _ *struct{}) (*AcceptedOutput, error) {
	s.logger.Info("Stop requested over HTTP")
	s.control.Stop()
	out := &AcceptedOutput{}
	out.Body.Message = "stopping after in-flight runs"
	return out, nil
}

func (s *Server) handleForceExit(_ context.Context, _ *struct{}) (*AcceptedOutput, error) {
	s.logger.Warn("Force exit requested over HTTP")
	go s.control.ForceExit()
	out := &AcceptedOutput{}
	out.Body.Message = "exiting after grace period"
	return out, nil
}
