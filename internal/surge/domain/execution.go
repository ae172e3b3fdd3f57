package domain

import (
	"time"
)

// ExecutionState is the lifecycle state of one test execution.
type ExecutionState string

const (
	ExecutionQueued    ExecutionState = "queued"
	ExecutionRunning   ExecutionState = "running"
	ExecutionCompleted ExecutionState = "completed"
	ExecutionFailed    ExecutionState = "failed"
	ExecutionAborted   ExecutionState = "aborted"
)

// IsTerminal reports whether no further transition is permitted out of s.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionAborted:
		return true
	}
	return false
}

// EngineType identifies which load-generation backend ran an execution.
type EngineType string

const (
	EngineScripted        EngineType = "scripted"
	EngineAsyncRunner     EngineType = "async_runner"
	EngineHighConcurrency EngineType = "high_concurrency"
)

// TestExecution is one run of a TestDefinition. The lifecycle manager is
// the only writer of State; engine adapters never touch it.
type TestExecution struct {
	ID                string         `json:"id"`
	DefinitionID      string         `json:"definitionId"`
	DefinitionVersion int            `json:"definitionVersion"`
	OrgID             string         `json:"orgId"`
	State             ExecutionState `json:"state"`
	Engine            EngineType     `json:"engine,omitempty"`
	Timeline          StageTimeline  `json:"timeline"`

	// AuthorizedRPS is the rate budget reserved for this execution,
	// released back to the safety enforcer on terminal transition.
	AuthorizedRPS float64 `json:"authorizedRps"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
	AbortReason string     `json:"abortReason,omitempty"`
}
