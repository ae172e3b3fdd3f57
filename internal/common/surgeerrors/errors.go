// Package surgeerrors contains the error types returned by code handling
// orchestrator requests. The HTTP layer looks for the types defined here
// and maps them to response status codes.
//
// If multiple errors occur in some function (e.g., several invalid fields
// in one definition), that function should return an error of type
// multierror.Error from package github.com/hashicorp/go-multierror that
// encapsulates those individual errors.
package surgeerrors

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ErrNoPermission occurs when a principal attempts an action its role does
// not permit.
type ErrNoPermission struct {
	Principal string
	Role      string
	Action    string
}

func (err *ErrNoPermission) Error() string {
	return fmt.Sprintf("%s with role %q lacks permission for action %s", err.Principal, err.Role, err.Action)
}

// ErrNotFound is returned whenever some resource isn't found.
// Type is the resource type, e.g., "definition" or "execution".
type ErrNotFound struct {
	Type  string
	Value string
}

func (err *ErrNotFound) Error() string {
	return fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
}

// ErrValidation is returned when a test definition is malformed. It is
// always raised before any state change.
type ErrValidation struct {
	Message string
}

func (err *ErrValidation) Error() string {
	return fmt.Sprintf("invalid test definition: %s", err.Message)
}

// ErrInvalidProfile is returned when load-profile parameters are
// internally inconsistent, at compile time and before any resource is
// reserved.
type ErrInvalidProfile struct {
	Profile string
	Message string
}

func (err *ErrInvalidProfile) Error() string {
	return fmt.Sprintf("invalid %s profile: %s", err.Profile, err.Message)
}

// ErrQuotaExceeded is returned when an authorization request would push an
// organisation or the global budget over its configured cap.
type ErrQuotaExceeded struct {
	OrgID        string
	RequestedRPS float64
	AvailableRPS float64
	Scope        string // "organization" or "global"
}

func (err *ErrQuotaExceeded) Error() string {
	return fmt.Sprintf(
		"requested rate %.0f rps exceeds remaining %s budget of %.0f rps for organisation %s",
		err.RequestedRPS, err.Scope, err.AvailableRPS, err.OrgID)
}

// ErrKillSwitchActive is returned for every authorization attempt while
// the emergency kill switch is set.
type ErrKillSwitchActive struct{}

func (err *ErrKillSwitchActive) Error() string {
	return "emergency kill switch is active; all traffic generation is halted"
}

// ErrAlreadyRunning is returned on a start request for a definition that
// already has a non-terminal execution and does not allow parallel runs.
type ErrAlreadyRunning struct {
	DefinitionID string
	ExecutionID  string
}

func (err *ErrAlreadyRunning) Error() string {
	return fmt.Sprintf("definition %s already has active execution %s", err.DefinitionID, err.ExecutionID)
}

// ErrEngineFailure wraps an engine adapter crash or launch error together
// with any diagnostic output captured from the engine.
type ErrEngineFailure struct {
	ExecutionID string
	Engine      string
	Diagnostic  string
}

func (err *ErrEngineFailure) Error() string {
	if err.Diagnostic != "" {
		return fmt.Sprintf("engine %s failed for execution %s: %s", err.Engine, err.ExecutionID, err.Diagnostic)
	}
	return fmt.Sprintf("engine %s failed for execution %s", err.Engine, err.ExecutionID)
}

// HTTPStatusFromError maps error types to HTTP response codes. Uses
// errors.As to look through the chain of errors, as opposed to just
// considering the topmost error in the chain.
func HTTPStatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}
	{
		var e *ErrNotFound
		if errors.As(err, &e) {
			return http.StatusNotFound
		}
	}
	{
		var e *ErrNoPermission
		if errors.As(err, &e) {
			return http.StatusForbidden
		}
	}
	{
		var e *ErrValidation
		if errors.As(err, &e) {
			return http.StatusBadRequest
		}
	}
	{
		var e *ErrInvalidProfile
		if errors.As(err, &e) {
			return http.StatusBadRequest
		}
	}
	{
		var e *ErrQuotaExceeded
		if errors.As(err, &e) {
			return http.StatusTooManyRequests
		}
	}
	{
		var e *ErrKillSwitchActive
		if errors.As(err, &e) {
			return http.StatusServiceUnavailable
		}
	}
	{
		var e *ErrAlreadyRunning
		if errors.As(err, &e) {
			return http.StatusConflict
		}
	}
	{
		var e *ErrEngineFailure
		if errors.As(err, &e) {
			return http.StatusBadGateway
		}
	}
	return http.StatusInternalServerError
}
