// Package engine contains the load-generation backends. Each adapter is
// a black box to the orchestrator: it receives a compiled stage timeline
// and emits a stream of metric samples until the timeline ends or its
// context is cancelled.
package engine

import (
	"context"
	"time"

	"github.com/surgeproject/surge/internal/surge/domain"
)

// Spec is everything an adapter needs to generate load: the request
// template from the test definition and the compiled timeline.
type Spec struct {
	ExecutionID string            `json:"executionId"`
	TargetURL   string            `json:"targetUrl"`
	Method      string            `json:"method"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	MaxRPS      float64           `json:"maxRps,omitempty"`

	Timeline domain.StageTimeline `json:"timeline"`
}

// Adapter is the common capability of all engine variants. Run blocks
// until the timeline is exhausted or ctx is cancelled; cancellation is
// cooperative and checked at stage boundaries and request pacing points.
// Run never closes the samples channel, the caller owns it.
//
// A ctx.Err() return means the run was cancelled, any other non-nil
// error is an engine failure.
type Adapter interface {
	Type() domain.EngineType
	Run(ctx context.Context, spec *Spec, samples chan<- *domain.MetricSample) error
}
