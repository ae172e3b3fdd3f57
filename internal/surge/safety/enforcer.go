// Package safety enforces the per-tenant and global rate budgets. The
// enforcer is the only component that mutates the shared RateBudget
// counters and the one source of mid-run force aborts outside explicit
// user requests.
package safety

import (
	log "github.com/sirupsen/logrus"

	"github.com/surgeproject/surge/internal/common/surgeerrors"
	"github.com/surgeproject/surge/internal/surge/configuration"
	"github.com/surgeproject/surge/internal/surge/repository"
)

// AbortSignal asks the lifecycle manager to force-abort one execution.
type AbortSignal struct {
	ExecutionID string
	Reason      string
}

type Enforcer struct {
	config  configuration.SafetyConfig
	budgets repository.RateBudgetRepository
	aborts  chan AbortSignal
}

func NewEnforcer(config configuration.SafetyConfig, budgets repository.RateBudgetRepository) *Enforcer {
	return &Enforcer{
		config:  config,
		budgets: budgets,
		aborts:  make(chan AbortSignal, 64),
	}
}

// Authorize reserves requestedRPS from the organisation's and the global
// budget, or returns ErrKillSwitchActive/ErrQuotaExceeded without
// reserving anything. A successful reservation must be paired with a
// Release when the execution reaches a terminal state.
func (e *Enforcer) Authorize(orgID string, requestedRPS float64) error {
	active, err := e.budgets.IsKillSwitchActive()
	if err != nil {
		return err
	}
	if active {
		return &surgeerrors.ErrKillSwitchActive{}
	}
	return e.budgets.TryReserve(orgID, requestedRPS, e.config.OrgCap(orgID), e.config.GlobalCapRPS)
}

// Release returns a reservation to the budget.
func (e *Enforcer) Release(orgID string, reservedRPS float64) {
	if err := e.budgets.Release(orgID, reservedRPS); err != nil {
		log.WithError(err).WithField("orgId", orgID).Error("failed to release rate budget")
	}
}

// RecordConsumption feeds an observed rate back into the budget counters
// and raises a mid-run abort if the observed rate has drifted above the
// authorized budget by more than the configured tolerance.
func (e *Enforcer) RecordConsumption(orgID string, executionID string, observedRPS float64, authorizedRPS float64) {
	if err := e.budgets.RecordObserved(orgID, executionID, observedRPS, e.config.BudgetWindow); err != nil {
		log.WithError(err).WithField("executionId", executionID).Error("failed to record rate consumption")
	}

	if authorizedRPS <= 0 {
		return
	}
	if observedRPS > authorizedRPS*(1+e.config.DriftTolerance) {
		e.raiseAbort(AbortSignal{
			ExecutionID: executionID,
			Reason:      "observed request rate exceeds authorized budget",
		})
	}
}

// Aborts is the stream of force-abort requests raised by this enforcer,
// consumed by the lifecycle manager.
func (e *Enforcer) Aborts() <-chan AbortSignal {
	return e.aborts
}

// SetKillSwitch flips the emergency kill switch. While active, Authorize
// denies unconditionally; the poll loop aborts anything still running.
func (e *Enforcer) SetKillSwitch(active bool) error {
	return e.budgets.SetKillSwitch(active)
}

func (e *Enforcer) IsKillSwitchActive() (bool, error) {
	return e.budgets.IsKillSwitchActive()
}

// PollKillSwitch is run periodically by the background task manager.
// While the switch is active it aborts all running executions; abort is
// idempotent, so repeated polls settle to a no-op once everything has
// stopped.
func (e *Enforcer) PollKillSwitch(abortAll func(reason string)) {
	active, err := e.budgets.IsKillSwitchActive()
	if err != nil {
		log.WithError(err).Error("failed to poll kill switch")
		return
	}
	if active {
		abortAll("kill switch")
	}
}

func (e *Enforcer) raiseAbort(signal AbortSignal) {
	select {
	case e.aborts <- signal:
	default:
		log.WithField("executionId", signal.ExecutionID).
			Warn("abort signal channel full, dropping signal; next consumption poll will retry")
	}
}
