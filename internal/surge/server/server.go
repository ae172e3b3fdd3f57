// Package server is the REST and websocket surface of the orchestrator.
// It trusts an authenticating proxy for identity headers and performs
// role checks before delegating to the lifecycle manager.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"

	"github.com/surgeproject/surge/internal/common/auth"
	"github.com/surgeproject/surge/internal/common/surgeerrors"
	"github.com/surgeproject/surge/internal/common/util"
	"github.com/surgeproject/surge/internal/surge/domain"
	"github.com/surgeproject/surge/internal/surge/lifecycle"
	"github.com/surgeproject/surge/internal/surge/repository"
)

const (
	definitionCacheTTL     = 30 * time.Second
	definitionCacheCleanup = time.Minute
)

// ExecutionManager is the slice of the lifecycle manager driven by the
// API.
type ExecutionManager interface {
	StartExecution(principal auth.Principal, definitionID string) (*domain.TestExecution, error)
	AbortExecution(principal auth.Principal, executionID string, reason string) error
}

// Telemetry serves live metric snapshots for running executions.
type Telemetry interface {
	Snapshot(executionID string) (*domain.MetricSnapshot, bool)
	Subscribe(executionID string) (<-chan *domain.MetricSnapshot, func(), bool)
}

// KillSwitch is the admin-facing slice of the safety enforcer.
type KillSwitch interface {
	SetKillSwitch(active bool) error
	IsKillSwitchActive() (bool, error)
}

type Server struct {
	definitions repository.DefinitionRepository
	executions  repository.ExecutionRepository
	manager     ExecutionManager
	telemetry   Telemetry
	killSwitch  KillSwitch

	// Definitions are immutable per version, which makes them safe to
	// cache for list-heavy dashboards.
	definitionCache *cache.Cache
	upgrader        websocket.Upgrader
}

func NewServer(
	definitions repository.DefinitionRepository,
	executions repository.ExecutionRepository,
	manager ExecutionManager,
	telemetry Telemetry,
	killSwitch KillSwitch,
) *Server {
	return &Server{
		definitions:     definitions,
		executions:      executions,
		manager:         manager,
		telemetry:       telemetry,
		killSwitch:      killSwitch,
		definitionCache: cache.New(definitionCacheTTL, definitionCacheCleanup),
		upgrader:        websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
	}
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(principalMiddleware)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/definitions", s.createDefinition).Methods(http.MethodPost)
	api.HandleFunc("/definitions", s.listDefinitions).Methods(http.MethodGet)
	api.HandleFunc("/definitions/{id}", s.getDefinition).Methods(http.MethodGet)
	api.HandleFunc("/definitions/{id}", s.updateDefinition).Methods(http.MethodPut)
	api.HandleFunc("/definitions/{id}", s.deleteDefinition).Methods(http.MethodDelete)
	api.HandleFunc("/definitions/{id}/versions", s.getDefinitionVersions).Methods(http.MethodGet)
	api.HandleFunc("/definitions/{id}/start", s.startExecution).Methods(http.MethodPost)
	api.HandleFunc("/definitions/{id}/executions", s.listExecutions).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}", s.getExecution).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/abort", s.abortExecution).Methods(http.MethodPost)
	api.HandleFunc("/executions/{id}/metrics", s.getExecutionMetrics).Methods(http.MethodGet)
	api.HandleFunc("/executions/{id}/telemetry", s.streamTelemetry).Methods(http.MethodGet)
	api.HandleFunc("/admin/killswitch", s.getKillSwitch).Methods(http.MethodGet)
	api.HandleFunc("/admin/killswitch", s.setKillSwitch).Methods(http.MethodPut)
	return router
}

func principalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := auth.FromRequest(r)
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func (s *Server) createDefinition(w http.ResponseWriter, r *http.Request) {
	principal := auth.GetPrincipal(r.Context())
	if !principal.CanManageExecutions() {
		writeError(w, &surgeerrors.ErrNoPermission{
			Principal: principal.Name, Role: string(principal.Role), Action: "create definition"})
		return
	}

	definition := &domain.TestDefinition{}
	if err := json.NewDecoder(r.Body).Decode(definition); err != nil {
		writeError(w, &surgeerrors.ErrValidation{Message: "malformed request body: " + err.Error()})
		return
	}
	if definition.ID == "" {
		definition.ID = util.NewULID()
	}
	if definition.Method == "" {
		definition.Method = http.MethodGet
	}
	definition.OrgID = principal.OrgID
	definition.UserID = principal.Name
	definition.CreatedAt = time.Now()

	if err := lifecycle.ValidateDefinition(definition); err != nil {
		writeError(w, err)
		return
	}
	if err := s.definitions.CreateDefinition(definition); err != nil {
		var exists *repository.ErrDefinitionAlreadyExists
		if errors.As(err, &exists) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, definition)
}

func (s *Server) listDefinitions(w http.ResponseWriter, r *http.Request) {
	definitions, err := s.definitions.GetAllDefinitions()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, definitions)
}

func (s *Server) getDefinition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if cached, ok := s.definitionCache.Get(id); ok {
		writeJSON(w, http.StatusOK, cached)
		return
	}
	definition, err := s.definitions.GetDefinition(id)
	if err != nil {
		writeError(w, err)
		return
	}
	s.definitionCache.SetDefault(id, definition)
	writeJSON(w, http.StatusOK, definition)
}

func (s *Server) updateDefinition(w http.ResponseWriter, r *http.Request) {
	principal := auth.GetPrincipal(r.Context())
	if !principal.CanManageExecutions() {
		writeError(w, &surgeerrors.ErrNoPermission{
			Principal: principal.Name, Role: string(principal.Role), Action: "update definition"})
		return
	}

	id := mux.Vars(r)["id"]
	existing, err := s.definitions.GetDefinition(id)
	if err != nil {
		writeError(w, err)
		return
	}
	// Executions compile their timeline from one definition version but
	// re-read limits at launch, so edits are blocked while any
	// execution is queued or running.
	if err := s.requireNoActiveExecution(id); err != nil {
		writeError(w, err)
		return
	}

	definition := &domain.TestDefinition{}
	if err := json.NewDecoder(r.Body).Decode(definition); err != nil {
		writeError(w, &surgeerrors.ErrValidation{Message: "malformed request body: " + err.Error()})
		return
	}
	definition.ID = id
	definition.Version = existing.Version
	definition.OrgID = existing.OrgID
	definition.UserID = principal.Name
	definition.CreatedAt = existing.CreatedAt
	if definition.Method == "" {
		definition.Method = http.MethodGet
	}

	if err := lifecycle.ValidateDefinition(definition); err != nil {
		writeError(w, err)
		return
	}
	if err := s.definitions.UpdateDefinition(definition); err != nil {
		writeError(w, err)
		return
	}
	s.definitionCache.Delete(id)
	writeJSON(w, http.StatusOK, definition)
}

func (s *Server) deleteDefinition(w http.ResponseWriter, r *http.Request) {
	principal := auth.GetPrincipal(r.Context())
	if !principal.CanManageExecutions() {
		writeError(w, &surgeerrors.ErrNoPermission{
			Principal: principal.Name, Role: string(principal.Role), Action: "delete definition"})
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.requireNoActiveExecution(id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.definitions.DeleteDefinition(id); err != nil {
		writeError(w, err)
		return
	}
	s.definitionCache.Delete(id)
	w.WriteHeader(http.StatusNoContent)
}

// requireNoActiveExecution rejects mutations of a definition that still
// has a queued or running execution referencing it.
func (s *Server) requireNoActiveExecution(definitionID string) error {
	executions, err := s.executions.GetExecutionsForDefinition(definitionID)
	if err != nil {
		return err
	}
	for _, execution := range executions {
		if !execution.State.IsTerminal() {
			return &surgeerrors.ErrAlreadyRunning{
				DefinitionID: definitionID,
				ExecutionID:  execution.ID,
			}
		}
	}
	return nil
}

func (s *Server) getDefinitionVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.definitions.GetDefinitionVersions(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *Server) startExecution(w http.ResponseWriter, r *http.Request) {
	principal := auth.GetPrincipal(r.Context())
	execution, err := s.manager.StartExecution(principal, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, execution)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	executions, err := s.executions.GetExecutionsForDefinition(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executions)
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := s.executions.GetExecution(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execution)
}

type abortRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) abortExecution(w http.ResponseWriter, r *http.Request) {
	principal := auth.GetPrincipal(r.Context())
	request := abortRequest{}
	if r.Body != nil {
		// An empty body means an unexplained abort, which is fine.
		_ = json.NewDecoder(r.Body).Decode(&request)
	}
	if err := s.manager.AbortExecution(principal, mux.Vars(r)["id"], request.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// getExecutionMetrics serves the live snapshot while the execution runs
// and falls back to the persisted final snapshot afterwards.
func (s *Server) getExecutionMetrics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if snapshot, ok := s.telemetry.Snapshot(id); ok {
		writeJSON(w, http.StatusOK, snapshot)
		return
	}
	snapshot, err := s.executions.GetSnapshot(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) streamTelemetry(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	updates, unsubscribe, ok := s.telemetry.Subscribe(id)
	if !ok {
		writeError(w, &surgeerrors.ErrNotFound{Type: "execution", Value: id})
		return
	}
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("telemetry websocket upgrade failed")
		return
	}
	defer conn.Close()

	for snapshot := range updates {
		if err := conn.WriteJSON(snapshot); err != nil {
			return
		}
	}
	// The execution was sealed; tell the client this stream is complete.
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "execution finished"),
		time.Now().Add(time.Second))
}

type killSwitchState struct {
	Active bool `json:"active"`
}

func (s *Server) getKillSwitch(w http.ResponseWriter, r *http.Request) {
	active, err := s.killSwitch.IsKillSwitchActive()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, killSwitchState{Active: active})
}

func (s *Server) setKillSwitch(w http.ResponseWriter, r *http.Request) {
	principal := auth.GetPrincipal(r.Context())
	if !principal.IsAdmin() {
		writeError(w, &surgeerrors.ErrNoPermission{
			Principal: principal.Name, Role: string(principal.Role), Action: "set kill switch"})
		return
	}
	state := killSwitchState{}
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		writeError(w, &surgeerrors.ErrValidation{Message: "malformed request body: " + err.Error()})
		return
	}
	if err := s.killSwitch.SetKillSwitch(state.Active); err != nil {
		writeError(w, err)
		return
	}
	log.WithField("active", state.Active).WithField("principal", principal.Name).Warn("kill switch changed")
	writeJSON(w, http.StatusOK, state)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	status := surgeerrors.HTTPStatusFromError(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Error("failed to write response body")
	}
}
