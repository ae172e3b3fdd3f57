package configuration

import (
	"time"

	"github.com/go-redis/redis"

	"github.com/surgeproject/surge/internal/surge/domain"
)

type SurgeConfig struct {
	HttpPort    uint16
	MetricsPort uint16

	Redis redis.UniversalOptions

	// AuditStreamMaxLength caps the audit trail stream; older events are
	// trimmed.
	AuditStreamMaxLength int64

	Safety      SafetyConfig
	Dispatch    DispatchConfig
	Aggregation AggregationConfig
	Scheduling  SchedulingConfig
}

type SafetyConfig struct {
	// DefaultOrgCapRPS applies to organisations without an explicit
	// override.
	DefaultOrgCapRPS float64
	OrgCapOverrides  map[string]float64

	// GlobalCapRPS limits aggregate authorized rate across all tenants.
	GlobalCapRPS float64

	// BudgetWindow is the length of the sliding consumption window; the
	// recorded consumption of a window expires with it.
	BudgetWindow time.Duration

	// DriftTolerance is the fraction by which observed rate may exceed
	// the authorized budget before a mid-run abort is raised, e.g. 0.2
	// for 20%.
	DriftTolerance float64

	// ConsumptionPollInterval controls how often live snapshots are fed
	// back into the budget counters and checked for drift.
	ConsumptionPollInterval time.Duration
}

func (c SafetyConfig) OrgCap(orgID string) float64 {
	if cap, ok := c.OrgCapOverrides[orgID]; ok {
		return cap
	}
	return c.DefaultOrgCapRPS
}

type DispatchConfig struct {
	// MaxActiveEngines bounds the number of engine adapters running at
	// once; launches beyond it wait in FIFO order.
	MaxActiveEngines int

	// AbortGracePeriod is how long an engine gets to shut down after a
	// cancellation signal before it is terminated forcefully.
	AbortGracePeriod time.Duration

	// HighConcurrencyThreshold routes executions whose peak concurrency
	// is at or above this value to the high-concurrency engine.
	HighConcurrencyThreshold int

	// DefaultEngine runs everything below the threshold.
	DefaultEngine domain.EngineType

	// ScriptedRunnerBinary is the external load-script runner the
	// scripted engine shells out to, with any fixed arguments.
	ScriptedRunnerBinary string
	ScriptedRunnerArgs   []string
}

type AggregationConfig struct {
	// ThroughputWindow is the trailing window for requests/second.
	ThroughputWindow time.Duration

	// Histogram bounds; latencies outside are clamped.
	HistogramMinLatency time.Duration
	HistogramMaxLatency time.Duration
	HistogramSigFigs    int
}

type SchedulingConfig struct {
	TickInterval time.Duration
}
