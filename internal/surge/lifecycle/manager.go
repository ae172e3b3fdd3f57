// Package lifecycle owns the execution state machine. Every transition
// of a TestExecution happens here, under a per-execution lock, so that
// concurrent abort requests, engine completions and safety aborts
// resolve to exactly one terminal state.
package lifecycle

import (
	"context"
	"fmt"
	"hash/fnv"
	"net/url"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/surgeproject/surge/internal/common/auth"
	"github.com/surgeproject/surge/internal/common/surgeerrors"
	"github.com/surgeproject/surge/internal/common/util"
	"github.com/surgeproject/surge/internal/surge/domain"
	"github.com/surgeproject/surge/internal/surge/engine"
	"github.com/surgeproject/surge/internal/surge/notify"
	"github.com/surgeproject/surge/internal/surge/profile"
	"github.com/surgeproject/surge/internal/surge/repository"
	"github.com/surgeproject/surge/internal/surge/safety"
)

const lockStripes = 128

// ReasonRestart marks executions that were non-terminal when the
// orchestrator went down and could not be resumed.
const ReasonRestart = "orchestrator restart"

// Dispatcher is the slice of the dispatch layer the lifecycle manager
// drives.
type Dispatcher interface {
	Route(timeline domain.StageTimeline) domain.EngineType
	Launch(spec *engine.Spec, engineType domain.EngineType)
	Abort(executionID string)
}

// Enforcer is the slice of the safety layer consulted on the
// queued-to-running transition.
type Enforcer interface {
	Authorize(orgID string, requestedRPS float64) error
	Release(orgID string, reservedRPS float64)
}

// MetricSink registers executions with the aggregator and seals them on
// terminal transition.
type MetricSink interface {
	Register(executionID string, limits domain.Limits)
	Seal(executionID string)
}

type Manager struct {
	definitions repository.DefinitionRepository
	executions  repository.ExecutionRepository
	audit       repository.AuditRepository
	enforcer    Enforcer
	sink        MetricSink
	dispatcher  Dispatcher
	notifier    notify.Notifier
	clock       util.Clock

	locks [lockStripes]sync.Mutex
}

func NewManager(
	definitions repository.DefinitionRepository,
	executions repository.ExecutionRepository,
	audit repository.AuditRepository,
	enforcer Enforcer,
	sink MetricSink,
	dispatcher Dispatcher,
	notifier notify.Notifier,
) *Manager {
	return NewManagerWithClock(definitions, executions, audit, enforcer, sink, dispatcher, notifier, &util.DefaultClock{})
}

func NewManagerWithClock(
	definitions repository.DefinitionRepository,
	executions repository.ExecutionRepository,
	audit repository.AuditRepository,
	enforcer Enforcer,
	sink MetricSink,
	dispatcher Dispatcher,
	notifier notify.Notifier,
	clock util.Clock,
) *Manager {
	return &Manager{
		definitions: definitions,
		executions:  executions,
		audit:       audit,
		enforcer:    enforcer,
		sink:        sink,
		dispatcher:  dispatcher,
		notifier:    notifier,
		clock:       clock,
	}
}

// SetDispatcher breaks the construction cycle between the manager and
// the dispatcher, which reports back into the manager.
func (m *Manager) SetDispatcher(dispatcher Dispatcher) {
	m.dispatcher = dispatcher
}

// StartExecution validates, compiles and queues a new execution of the
// given definition. On success the execution is queued and handed to the
// dispatcher; authorization against the rate budget happens when a slot
// is acquired.
func (m *Manager) StartExecution(principal auth.Principal, definitionID string) (*domain.TestExecution, error) {
	if !principal.CanManageExecutions() {
		return nil, &surgeerrors.ErrNoPermission{
			Principal: principal.Name,
			Role:      string(principal.Role),
			Action:    "start execution",
		}
	}

	definition, err := m.definitions.GetDefinition(definitionID)
	if err != nil {
		return nil, err
	}
	if err := ValidateDefinition(definition); err != nil {
		return nil, err
	}

	timeline, err := profile.Compile(definition.Profile)
	if err != nil {
		return nil, err
	}

	if !definition.AllowParallelRuns {
		siblings, err := m.executions.GetExecutionsForDefinition(definitionID)
		if err != nil {
			return nil, err
		}
		for _, sibling := range siblings {
			if !sibling.State.IsTerminal() {
				return nil, &surgeerrors.ErrAlreadyRunning{
					DefinitionID: definitionID,
					ExecutionID:  sibling.ID,
				}
			}
		}
	}

	execution := &domain.TestExecution{
		ID:                util.NewULID(),
		DefinitionID:      definition.ID,
		DefinitionVersion: definition.Version,
		OrgID:             definition.OrgID,
		State:             domain.ExecutionQueued,
		Engine:            m.dispatcher.Route(timeline),
		Timeline:          timeline,
		AuthorizedRPS:     definition.Limits.MaxRPS,
		CreatedAt:         m.clock.Now(),
	}
	if err := m.executions.CreateExecution(execution); err != nil {
		return nil, err
	}
	m.appendAudit("execution_queued", execution, principal.Name,
		fmt.Sprintf("queued by %s for definition %s", principal.Name, definitionID))

	m.dispatcher.Launch(specFor(execution, definition), execution.Engine)
	return execution, nil
}

// AbortExecution handles a user-initiated abort. Aborting an execution
// that is already terminal is a no-op.
func (m *Manager) AbortExecution(principal auth.Principal, executionID string, reason string) error {
	if !principal.CanManageExecutions() {
		return &surgeerrors.ErrNoPermission{
			Principal: principal.Name,
			Role:      string(principal.Role),
			Action:    "abort execution",
		}
	}
	if reason == "" {
		reason = fmt.Sprintf("aborted by %s", principal.Name)
	}
	return m.abort(executionID, reason)
}

// AbortAll aborts every non-terminal execution, e.g. when the kill
// switch is engaged.
func (m *Manager) AbortAll(reason string) {
	active, err := m.executions.GetNonTerminalExecutions()
	if err != nil {
		log.WithError(err).Error("failed to list executions for abort")
		return
	}
	for _, execution := range active {
		if err := m.abort(execution.ID, reason); err != nil {
			log.WithError(err).WithField("executionId", execution.ID).Error("abort failed")
		}
	}
}

// ReconcileOnStartup fails every execution left non-terminal by a
// previous process. In-flight engines do not survive a restart, so the
// honest outcome is a failure with an explicit reason rather than a
// silently resurrected run.
func (m *Manager) ReconcileOnStartup() error {
	orphans, err := m.executions.GetNonTerminalExecutions()
	if err != nil {
		return err
	}
	for _, execution := range orphans {
		wasRunning := execution.State == domain.ExecutionRunning
		execution.State = domain.ExecutionFailed
		execution.LastError = ReasonRestart
		now := m.clock.Now()
		execution.FinishedAt = &now
		if err := m.executions.UpdateExecution(execution); err != nil {
			return err
		}
		if wasRunning {
			m.enforcer.Release(execution.OrgID, execution.AuthorizedRPS)
		}
		m.appendAudit("execution_failed", execution, "system", ReasonRestart)
		log.WithField("executionId", execution.ID).Warn("failed orphaned execution from previous run")
	}
	return nil
}

// WatchSafetyAborts consumes abort signals raised by the safety
// enforcer, e.g. on budget drift. Intended to run as a background task.
func (m *Manager) WatchSafetyAborts(ctx context.Context, aborts <-chan safety.AbortSignal) {
	for {
		select {
		case signal := <-aborts:
			if err := m.abort(signal.ExecutionID, signal.Reason); err != nil {
				log.WithError(err).WithField("executionId", signal.ExecutionID).Error("safety abort failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// WatchBreaches consumes threshold breaches from the aggregator. Every
// breach is audited and notified; a hard breach additionally aborts the
// execution.
func (m *Manager) WatchBreaches(ctx context.Context, breaches <-chan domain.ThresholdBreach) {
	for {
		select {
		case breach := <-breaches:
			m.onBreach(breach)
		case <-ctx.Done():
			return
		}
	}
}

// ReportLaunching implements the dispatch reporter. It authorizes the
// execution against the rate budget and moves it to running. A non-nil
// return means the execution is already finalized and must not run.
func (m *Manager) ReportLaunching(executionID string) error {
	m.lock(executionID)
	defer m.unlock(executionID)

	execution, err := m.executions.GetExecution(executionID)
	if err != nil {
		return err
	}
	if execution.State != domain.ExecutionQueued {
		return fmt.Errorf("execution %s is no longer queued", executionID)
	}

	if err := m.enforcer.Authorize(execution.OrgID, execution.AuthorizedRPS); err != nil {
		execution.State = domain.ExecutionFailed
		execution.LastError = err.Error()
		now := m.clock.Now()
		execution.FinishedAt = &now
		if updateErr := m.executions.UpdateExecution(execution); updateErr != nil {
			log.WithError(updateErr).WithField("executionId", executionID).Error("failed to record authorization denial")
		}
		m.appendAudit("authorization_denied", execution, "system", err.Error())
		m.notifyFor(execution, notify.EventFailed, err.Error())
		return err
	}

	limits := domain.Limits{}
	if definition, defErr := m.definitions.GetDefinition(execution.DefinitionID); defErr == nil {
		limits = definition.Limits
	}
	m.sink.Register(executionID, limits)

	execution.State = domain.ExecutionRunning
	now := m.clock.Now()
	execution.StartedAt = &now
	if err := m.executions.UpdateExecution(execution); err != nil {
		m.enforcer.Release(execution.OrgID, execution.AuthorizedRPS)
		m.sink.Seal(executionID)
		return err
	}
	m.appendAudit("execution_started", execution, "system",
		fmt.Sprintf("running on engine %s", execution.Engine))
	m.notifyFor(execution, notify.EventStarted,
		fmt.Sprintf("execution started on engine %s", execution.Engine))
	return nil
}

// ReportCompleted implements the dispatch reporter for a clean
// end-of-timeline finish.
func (m *Manager) ReportCompleted(executionID string) {
	m.finalize(executionID, domain.ExecutionCompleted, "", "")
}

// ReportFailed implements the dispatch reporter for engine failures.
func (m *Manager) ReportFailed(executionID string, failure error) {
	m.finalize(executionID, domain.ExecutionFailed, failure.Error(), "")
}

func (m *Manager) abort(executionID string, reason string) error {
	m.lock(executionID)
	execution, err := m.executions.GetExecution(executionID)
	if err != nil {
		m.unlock(executionID)
		return err
	}
	if execution.State.IsTerminal() {
		m.unlock(executionID)
		return nil
	}

	wasRunning := execution.State == domain.ExecutionRunning
	execution.State = domain.ExecutionAborted
	execution.AbortReason = reason
	now := m.clock.Now()
	execution.FinishedAt = &now
	if err := m.executions.UpdateExecution(execution); err != nil {
		m.unlock(executionID)
		return err
	}
	m.unlock(executionID)

	// The abort is recorded before the engine is cancelled, so a racing
	// completion report finds a terminal state and becomes a no-op.
	m.dispatcher.Abort(executionID)
	if wasRunning {
		m.enforcer.Release(execution.OrgID, execution.AuthorizedRPS)
	}
	m.sink.Seal(executionID)
	m.appendAudit("execution_aborted", execution, "system", reason)
	m.notifyFor(execution, notify.EventAborted, reason)
	return nil
}

func (m *Manager) finalize(executionID string, state domain.ExecutionState, lastError string, abortReason string) {
	m.lock(executionID)
	execution, err := m.executions.GetExecution(executionID)
	if err != nil {
		m.unlock(executionID)
		log.WithError(err).WithField("executionId", executionID).Error("cannot finalize execution")
		return
	}
	if execution.State.IsTerminal() {
		m.unlock(executionID)
		return
	}

	wasRunning := execution.State == domain.ExecutionRunning
	execution.State = state
	execution.LastError = lastError
	execution.AbortReason = abortReason
	now := m.clock.Now()
	execution.FinishedAt = &now
	if err := m.executions.UpdateExecution(execution); err != nil {
		m.unlock(executionID)
		log.WithError(err).WithField("executionId", executionID).Error("failed to record terminal state")
		return
	}
	m.unlock(executionID)

	if wasRunning {
		m.enforcer.Release(execution.OrgID, execution.AuthorizedRPS)
	}
	m.sink.Seal(executionID)

	switch state {
	case domain.ExecutionCompleted:
		m.appendAudit("execution_completed", execution, "system", "timeline finished")
		m.notifyFor(execution, notify.EventCompleted, "execution completed")
	case domain.ExecutionFailed:
		m.appendAudit("execution_failed", execution, "system", lastError)
		m.notifyFor(execution, notify.EventFailed, lastError)
	}
}

func (m *Manager) onBreach(breach domain.ThresholdBreach) {
	execution, err := m.executions.GetExecution(breach.ExecutionID)
	if err != nil {
		log.WithError(err).WithField("executionId", breach.ExecutionID).Error("breach for unknown execution")
		return
	}
	message := fmt.Sprintf("%s threshold breached: observed %.3f, limit %.3f",
		breach.Kind, breach.Observed, breach.Limit)
	m.appendAudit("threshold_breach", execution, "system", message)
	m.notifyFor(execution, notify.EventBreach, message)

	if breach.Hard {
		if err := m.abort(breach.ExecutionID, message); err != nil {
			log.WithError(err).WithField("executionId", breach.ExecutionID).Error("breach abort failed")
		}
	}
}

func (m *Manager) appendAudit(eventType string, execution *domain.TestExecution, principal string, message string) {
	err := m.audit.AppendAuditEvent(&repository.AuditEvent{
		Type:        eventType,
		ExecutionID: execution.ID,
		OrgID:       execution.OrgID,
		Principal:   principal,
		Message:     message,
		Time:        m.clock.Now(),
	})
	if err != nil {
		log.WithError(err).WithField("executionId", execution.ID).Error("failed to append audit event")
	}
}

func (m *Manager) notifyFor(execution *domain.TestExecution, eventType notify.EventType, message string) {
	definition, err := m.definitions.GetDefinition(execution.DefinitionID)
	if err != nil {
		return
	}
	policy := definition.Notifications
	switch eventType {
	case notify.EventStarted:
		if !policy.OnStart {
			return
		}
	case notify.EventCompleted:
		if !policy.OnComplete {
			return
		}
	case notify.EventFailed, notify.EventAborted, notify.EventBreach:
		if !policy.OnFailure {
			return
		}
	}
	m.notifier.Notify(notify.Event{
		Type:         eventType,
		ExecutionID:  execution.ID,
		DefinitionID: execution.DefinitionID,
		OrgID:        execution.OrgID,
		Message:      message,
		Time:         m.clock.Now(),
	})
}

func (m *Manager) lock(executionID string) {
	m.locks[stripe(executionID)].Lock()
}

func (m *Manager) unlock(executionID string) {
	m.locks[stripe(executionID)].Unlock()
}

func stripe(executionID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(executionID))
	return int(h.Sum32() % lockStripes)
}

func specFor(execution *domain.TestExecution, definition *domain.TestDefinition) *engine.Spec {
	return &engine.Spec{
		ExecutionID: execution.ID,
		TargetURL:   definition.TargetURL,
		Method:      definition.Method,
		Headers:     definition.Headers,
		Body:        definition.BodyTemplate,
		Timeout:     definition.Timeout,
		MaxRPS:      definition.Limits.MaxRPS,
		Timeline:    execution.Timeline,
	}
}

var allowedMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true, "HEAD": true,
}

// ValidateDefinition checks a definition for structural problems before
// it is stored or started. All problems are reported at once.
func ValidateDefinition(definition *domain.TestDefinition) error {
	var result *multierror.Error

	if definition.Name == "" {
		result = multierror.Append(result, fmt.Errorf("name must not be empty"))
	}
	if definition.TargetURL == "" {
		result = multierror.Append(result, fmt.Errorf("target url must not be empty"))
	} else if u, err := url.Parse(definition.TargetURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		result = multierror.Append(result, fmt.Errorf("target url %q is not a valid http(s) url", definition.TargetURL))
	}
	if definition.Method != "" && !allowedMethods[definition.Method] {
		result = multierror.Append(result, fmt.Errorf("unsupported http method %q", definition.Method))
	}
	if definition.Limits.MaxRPS <= 0 {
		result = multierror.Append(result, fmt.Errorf("limits.maxRps must be positive"))
	}
	if definition.Limits.MaxErrorRate < 0 || definition.Limits.MaxErrorRate > 1 {
		result = multierror.Append(result, fmt.Errorf("limits.maxErrorRate must be between 0 and 1"))
	}
	if definition.Limits.MaxP95Latency < 0 {
		result = multierror.Append(result, fmt.Errorf("limits.maxP95Latency must not be negative"))
	}
	if definition.Timeout < 0 {
		result = multierror.Append(result, fmt.Errorf("timeout must not be negative"))
	}
	if definition.CronSchedule != "" {
		if _, err := cron.ParseStandard(definition.CronSchedule); err != nil {
			result = multierror.Append(result, fmt.Errorf("invalid cron schedule %q: %s", definition.CronSchedule, err))
		}
	}

	if result.ErrorOrNil() != nil {
		return &surgeerrors.ErrValidation{Message: result.Error()}
	}
	return nil
}
