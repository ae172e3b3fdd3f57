package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/surgeproject/surge/internal/surge/domain"
	"github.com/surgeproject/surge/internal/surge/repository"
)

const MetricPrefix = "surge_"

// DispatchStats is the slice of the dispatcher exposed to metric
// collection.
type DispatchStats interface {
	QueueDepth() int
	ActiveCount() int
}

// AggregationStats is the slice of the aggregator exposed to metric
// collection.
type AggregationStats interface {
	ActiveExecutions() int
}

func ExposeDataMetrics(
	definitionRepository repository.DefinitionRepository,
	executionRepository repository.ExecutionRepository,
	budgetRepository repository.RateBudgetRepository,
	dispatchStats DispatchStats,
	aggregationStats AggregationStats,
) *OrchestratorInfoCollector {
	collector := &OrchestratorInfoCollector{
		definitionRepository,
		executionRepository,
		budgetRepository,
		dispatchStats,
		aggregationStats}
	prometheus.MustRegister(collector)
	return collector
}

type OrchestratorInfoCollector struct {
	definitionRepository repository.DefinitionRepository
	executionRepository  repository.ExecutionRepository
	budgetRepository     repository.RateBudgetRepository
	dispatchStats        DispatchStats
	aggregationStats     AggregationStats
}

var activeExecutionsDesc = prometheus.NewDesc(
	MetricPrefix+"active_executions",
	"Number of non-terminal executions by state",
	[]string{"state"},
	nil,
)

var dispatchQueueDepthDesc = prometheus.NewDesc(
	MetricPrefix+"dispatch_queue_depth",
	"Number of executions waiting for an engine slot",
	nil,
	nil,
)

var activeEnginesDesc = prometheus.NewDesc(
	MetricPrefix+"active_engines",
	"Number of engines currently generating load",
	nil,
	nil,
)

var aggregatedExecutionsDesc = prometheus.NewDesc(
	MetricPrefix+"aggregated_executions",
	"Number of executions with live metric aggregation",
	nil,
	nil,
)

var reservedBudgetDesc = prometheus.NewDesc(
	MetricPrefix+"reserved_budget_rps",
	"Rate budget currently reserved by an organisation",
	[]string{"org"},
	nil,
)

var observedRateDesc = prometheus.NewDesc(
	MetricPrefix+"observed_rate_rps",
	"Observed request rate per execution within the consumption window",
	[]string{"org", "executionId"},
	nil,
)

var globalReservedBudgetDesc = prometheus.NewDesc(
	MetricPrefix+"global_reserved_budget_rps",
	"Rate budget currently reserved across all organisations",
	nil,
	nil,
)

var killSwitchDesc = prometheus.NewDesc(
	MetricPrefix+"kill_switch_active",
	"1 while the emergency kill switch is engaged",
	nil,
	nil,
)

func (c *OrchestratorInfoCollector) Describe(desc chan<- *prometheus.Desc) {
	desc <- activeExecutionsDesc
	desc <- dispatchQueueDepthDesc
	desc <- activeEnginesDesc
	desc <- aggregatedExecutionsDesc
	desc <- reservedBudgetDesc
	desc <- globalReservedBudgetDesc
	desc <- killSwitchDesc
}

func (c *OrchestratorInfoCollector) Collect(metrics chan<- prometheus.Metric) {
	executions, e := c.executionRepository.GetNonTerminalExecutions()
	if e != nil {
		log.Errorf("Error while getting execution metrics %s", e)
		recordInvalidMetrics(metrics, e)
		return
	}

	countsByState := map[domain.ExecutionState]int{
		domain.ExecutionQueued:  0,
		domain.ExecutionRunning: 0,
	}
	for _, execution := range executions {
		countsByState[execution.State]++
	}
	for state, count := range countsByState {
		metrics <- prometheus.MustNewConstMetric(
			activeExecutionsDesc, prometheus.GaugeValue, float64(count), string(state))
	}

	metrics <- prometheus.MustNewConstMetric(
		dispatchQueueDepthDesc, prometheus.GaugeValue, float64(c.dispatchStats.QueueDepth()))
	metrics <- prometheus.MustNewConstMetric(
		activeEnginesDesc, prometheus.GaugeValue, float64(c.dispatchStats.ActiveCount()))
	metrics <- prometheus.MustNewConstMetric(
		aggregatedExecutionsDesc, prometheus.GaugeValue, float64(c.aggregationStats.ActiveExecutions()))

	definitions, e := c.definitionRepository.GetAllDefinitions()
	if e != nil {
		log.Errorf("Error while getting budget metrics %s", e)
		recordInvalidMetrics(metrics, e)
		return
	}
	orgs := map[string]bool{}
	for _, definition := range definitions {
		orgs[definition.OrgID] = true
	}
	for org := range orgs {
		reserved, e := c.budgetRepository.GetReserved(org)
		if e != nil {
			log.Errorf("Error while getting reserved budget for %s: %s", org, e)
			continue
		}
		metrics <- prometheus.MustNewConstMetric(
			reservedBudgetDesc, prometheus.GaugeValue, reserved, org)

		observed, e := c.budgetRepository.GetObserved(org)
		if e != nil {
			log.Errorf("Error while getting observed rates for %s: %s", org, e)
			continue
		}
		for executionID, rate := range observed {
			metrics <- prometheus.MustNewConstMetric(
				observedRateDesc, prometheus.GaugeValue, rate, org, executionID)
		}
	}

	globalReserved, e := c.budgetRepository.GetGlobalReserved()
	if e != nil {
		log.Errorf("Error while getting global budget metrics %s", e)
		recordInvalidMetrics(metrics, e)
		return
	}
	metrics <- prometheus.MustNewConstMetric(
		globalReservedBudgetDesc, prometheus.GaugeValue, globalReserved)

	killSwitchActive, e := c.budgetRepository.IsKillSwitchActive()
	if e != nil {
		log.Errorf("Error while getting kill switch state %s", e)
		recordInvalidMetrics(metrics, e)
		return
	}
	killSwitchValue := 0.0
	if killSwitchActive {
		killSwitchValue = 1.0
	}
	metrics <- prometheus.MustNewConstMetric(killSwitchDesc, prometheus.GaugeValue, killSwitchValue)
}

func recordInvalidMetrics(metrics chan<- prometheus.Metric, e error) {
	metrics <- prometheus.NewInvalidMetric(activeExecutionsDesc, e)
	metrics <- prometheus.NewInvalidMetric(reservedBudgetDesc, e)
	metrics <- prometheus.NewInvalidMetric(globalReservedBudgetDesc, e)
	metrics <- prometheus.NewInvalidMetric(killSwitchDesc, e)
}
