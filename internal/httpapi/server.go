/*
 * internal/httpapi/server.go
 *
 * Operational HTTP surface: the websocket stream endpoint plus JSON
 * endpoints for health, service definitions, recent logs and telemetry.
 */

package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/opsdeck/opsdeck/internal/logging"
	"github.com/opsdeck/opsdeck/internal/services"
	"github.com/opsdeck/opsdeck/internal/telemetry"
)

// CorrelationIDHeader is the HTTP header used for request correlation.
const CorrelationIDHeader = "X-Correlation-ID"

// StatusReporter exposes the pieces of hub and aggregator state the health
// endpoint reports.
type StatusReporter interface {
	ClientCount() int
}

// RunReporter reports whether the aggregation loop is active.
type RunReporter interface {
	Running() bool
}

// Server wires the operational endpoints onto a mux.
type Server struct {
	stream      http.Handler
	hub         StatusReporter
	aggregator  RunReporter
	definitions *services.Store
	logs        *logging.Buffer
	telemetry   *telemetry.Recorder
}

// NewServer constructs the API server. stream handles websocket upgrades;
// the remaining collaborators back the JSON endpoints.
func NewServer(
	stream http.Handler,
	hub StatusReporter,
	aggregator RunReporter,
	definitions *services.Store,
	logs *logging.Buffer,
	recorder *telemetry.Recorder,
) *Server {
	return &Server{
		stream:      stream,
		hub:         hub,
		aggregator:  aggregator,
		definitions: definitions,
		logs:        logs,
		telemetry:   recorder,
	}
}

// Register attaches the API routes to the provided mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("/api/v1/stream", s.stream)
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/services", s.handleServices)
	mux.HandleFunc("/api/v1/logs", s.handleLogs)
	mux.HandleFunc("/api/v1/telemetry/summary", s.handleTelemetrySummary)
}

// HealthResponse is the payload of the health endpoint.
type HealthResponse struct {
	Status      string `json:"status"`
	Clients     int    `json:"clients"`
	Aggregating bool   `json:"aggregating"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !applyCORS(w, r, http.MethodGet) {
		return
	}
	correlationID := getCorrelationID(r)
	if r.Method != http.MethodGet {
		setCorrelationID(w, correlationID)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	clients := s.hub.ClientCount()
	running := s.aggregator.Running()

	// The aggregator runs exactly while clients are connected; anything else
	// means the start/stop wiring is broken.
	status := "ok"
	if (clients > 0) != running {
		status = "degraded"
	}
	writeJSON(w, correlationID, HealthResponse{
		Status:      status,
		Clients:     clients,
		Aggregating: running,
	})
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	if !applyCORS(w, r, http.MethodGet) {
		return
	}
	correlationID := getCorrelationID(r)
	if r.Method != http.MethodGet {
		setCorrelationID(w, correlationID)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, correlationID, struct {
		Services []services.Definition `json:"services"`
	}{Services: s.definitions.Definitions()})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !applyCORS(w, r, http.MethodGet) {
		return
	}
	correlationID := getCorrelationID(r)
	if r.Method != http.MethodGet {
		setCorrelationID(w, correlationID)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, correlationID, struct {
		Entries []logging.Entry `json:"entries"`
	}{Entries: s.logs.Entries()})
}

func (s *Server) handleTelemetrySummary(w http.ResponseWriter, r *http.Request) {
	if !applyCORS(w, r, http.MethodGet) {
		return
	}
	correlationID := getCorrelationID(r)
	if r.Method != http.MethodGet {
		setCorrelationID(w, correlationID)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, correlationID, s.telemetry.SnapshotSummary())
}

// getCorrelationID returns the caller-supplied correlation ID or mints one.
func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get(CorrelationIDHeader); id != "" {
		return id
	}
	return uuid.NewString()[:8] // Short 8-char ID for readability
}

func setCorrelationID(w http.ResponseWriter, correlationID string) {
	if correlationID != "" {
		w.Header().Set(CorrelationIDHeader, correlationID)
	}
}

func writeJSON(w http.ResponseWriter, correlationID string, payload any) {
	w.Header().Set("Content-Type", "application/json")
	setCorrelationID(w, correlationID)
	_ = json.NewEncoder(w).Encode(payload)
}

func applyCORS(w http.ResponseWriter, r *http.Request, allowedMethods ...string) bool {
	origin := r.Header.Get("Origin")
	if origin != "" {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
	}

	if r.Method == http.MethodOptions {
		allowMethods := strings.Join(append(allowedMethods, http.MethodOptions), ", ")
		w.Header().Set("Access-Control-Allow-Methods", allowMethods)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+CorrelationIDHeader)
		w.WriteHeader(http.StatusNoContent)
		return false
	}
	return true
}
