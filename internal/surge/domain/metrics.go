package domain

import (
	"time"
)

// MetricSample is one observation batch emitted by an engine adapter.
// Samples are immutable and consumed exactly once by the aggregator.
type MetricSample struct {
	ExecutionID string    `json:"executionId"`
	Timestamp   time.Time `json:"timestamp"`

	Concurrency   int   `json:"concurrency"`
	RequestsDelta int64 `json:"requestsDelta"`
	ErrorsDelta   int64 `json:"errorsDelta"`

	// Latencies are the individual latency observations covered by this
	// sample. Engines batching at high volume may send many per sample.
	Latencies []time.Duration `json:"latencies,omitempty"`
}

// MetricSnapshot is the rolling per-execution summary maintained by the
// aggregator. Snapshots are immutable; readers always observe a complete
// snapshot swapped in atomically by the single writer.
type MetricSnapshot struct {
	ExecutionID string    `json:"executionId"`
	Timestamp   time.Time `json:"timestamp"`

	TotalRequests int64   `json:"totalRequests"`
	TotalErrors   int64   `json:"totalErrors"`
	ErrorRate     float64 `json:"errorRate"`

	P50Latency time.Duration `json:"p50Latency"`
	P95Latency time.Duration `json:"p95Latency"`
	P99Latency time.Duration `json:"p99Latency"`

	// Throughput is requests per second over the trailing window.
	Throughput float64 `json:"throughput"`

	Concurrency int `json:"concurrency"`
}

// BreachKind names the limit crossed by a threshold breach.
type BreachKind string

const (
	BreachP95Latency BreachKind = "p95_latency"
	BreachErrorRate  BreachKind = "error_rate"
)

// ThresholdBreach is the edge-triggered event produced when a live metric
// first crosses a configured limit. One event fires per crossing, not one
// per breaching snapshot.
type ThresholdBreach struct {
	ExecutionID string     `json:"executionId"`
	Kind        BreachKind `json:"kind"`
	Limit       float64    `json:"limit"`
	Observed    float64    `json:"observed"`
	Timestamp   time.Time  `json:"timestamp"`

	// Hard marks breaches that must escalate to an abort.
	Hard bool `json:"hard"`
}
