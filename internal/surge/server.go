package surge

import (
	"context"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/surgeproject/surge/internal/common"
	"github.com/surgeproject/surge/internal/common/health"
	"github.com/surgeproject/surge/internal/common/task"
	"github.com/surgeproject/surge/internal/surge/aggregator"
	"github.com/surgeproject/surge/internal/surge/configuration"
	"github.com/surgeproject/surge/internal/surge/dispatch"
	"github.com/surgeproject/surge/internal/surge/engine"
	"github.com/surgeproject/surge/internal/surge/lifecycle"
	"github.com/surgeproject/surge/internal/surge/metrics"
	"github.com/surgeproject/surge/internal/surge/notify"
	"github.com/surgeproject/surge/internal/surge/repository"
	"github.com/surgeproject/surge/internal/surge/safety"
	"github.com/surgeproject/surge/internal/surge/scheduling"
	"github.com/surgeproject/surge/internal/surge/server"
)

// Serve wires up the orchestrator and runs it until ctx is cancelled or
// a service fails.
func Serve(ctx context.Context, config *configuration.SurgeConfig, healthChecks *health.MultiChecker) error {
	log.Info("Surge orchestrator starting")
	defer log.Info("Surge orchestrator shutting down")

	if err := validateSurgeConfig(config); err != nil {
		return err
	}

	// We call startupCompleteCheck.MarkComplete() when all services have
	// been started.
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks.Add(startupCompleteCheck)

	// Run all services within an errgroup to propagate errors between
	// services. Defer cancelling the parent context to ensure the
	// errgroup is cancelled on return.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	db := redis.NewUniversalClient(&config.Redis)
	defer func() {
		if err := db.Close(); err != nil {
			log.WithError(err).Error("failed to close Redis client")
		}
	}()

	definitionRepository := repository.NewRedisDefinitionRepository(db)
	executionRepository := repository.NewRedisExecutionRepository(db)
	budgetRepository := repository.NewRedisRateBudgetRepository(db)
	auditRepository := repository.NewRedisAuditRepository(db, config.AuditStreamMaxLength)
	healthChecks.Add(repository.NewRedisHealth(db))

	enforcer := safety.NewEnforcer(config.Safety, budgetRepository)
	metricAggregator := aggregator.New(config.Aggregation, executionRepository)

	notifier := notify.NewAsyncNotifier(notify.LogNotifier{}, 256)
	defer notifier.Stop()

	manager := lifecycle.NewManager(
		definitionRepository,
		executionRepository,
		auditRepository,
		enforcer,
		metricAggregator,
		nil,
		notifier,
	)
	dispatcher := dispatch.NewDispatcher(
		config.Dispatch,
		buildEngines(config.Dispatch),
		metricAggregator,
		manager,
	)
	manager.SetDispatcher(dispatcher)

	scheduler := scheduling.NewScheduler(config.Scheduling, definitionRepository, manager)

	metrics.ExposeDataMetrics(definitionRepository, executionRepository, budgetRepository, dispatcher, metricAggregator)

	// Fail whatever the previous process left behind before accepting
	// new work.
	if err := manager.ReconcileOnStartup(); err != nil {
		return errors.WithMessage(err, "startup reconciliation failed")
	}

	g.Go(func() error {
		manager.WatchSafetyAborts(ctx, enforcer.Aborts())
		return nil
	})
	g.Go(func() error {
		manager.WatchBreaches(ctx, metricAggregator.Breaches())
		return nil
	})

	taskManager := task.NewBackgroundTaskManager(metrics.MetricPrefix)
	defer taskManager.StopAll(time.Second * 2)
	taskManager.Register(scheduler.Tick, config.Scheduling.TickInterval, "scheduler_tick")
	taskManager.Register(func() {
		enforcer.PollKillSwitch(manager.AbortAll)
	}, config.Safety.ConsumptionPollInterval, "kill_switch_poll")
	taskManager.Register(func() {
		pollConsumption(metricAggregator, executionRepository, enforcer)
	}, config.Safety.ConsumptionPollInterval, "consumption_poll")

	apiServer := server.NewServer(
		definitionRepository,
		executionRepository,
		manager,
		metricAggregator,
		enforcer,
	)
	shutdownHTTP := common.ServeHTTP(config.HttpPort, apiServer.Router())
	defer shutdownHTTP()

	startupCompleteCheck.MarkComplete()
	return g.Wait()
}

func buildEngines(config configuration.DispatchConfig) []engine.Adapter {
	adapters := []engine.Adapter{
		engine.NewAsyncRunnerEngine(),
		engine.NewHighConcurrencyEngine(),
	}
	if config.ScriptedRunnerBinary != "" {
		adapters = append(adapters, engine.NewScriptedEngine(config.ScriptedRunnerBinary, config.ScriptedRunnerArgs))
	}
	return adapters
}

// pollConsumption feeds live throughput back into the windowed budget
// counters, where the safety enforcer checks it for drift.
func pollConsumption(
	metricAggregator *aggregator.Aggregator,
	executionRepository repository.ExecutionRepository,
	enforcer *safety.Enforcer,
) {
	for _, executionID := range metricAggregator.ActiveExecutionIDs() {
		snapshot, ok := metricAggregator.Snapshot(executionID)
		if !ok || snapshot == nil {
			continue
		}
		execution, err := executionRepository.GetExecution(executionID)
		if err != nil {
			log.WithError(err).WithField("executionId", executionID).Warn("consumption poll skipped execution")
			continue
		}
		enforcer.RecordConsumption(execution.OrgID, executionID, snapshot.Throughput, execution.AuthorizedRPS)
	}
}

func validateSurgeConfig(config *configuration.SurgeConfig) error {
	if config.Dispatch.MaxActiveEngines <= 0 {
		return errors.New("dispatch.maxActiveEngines must be positive")
	}
	if config.Safety.DefaultOrgCapRPS <= 0 {
		return errors.New("safety.defaultOrgCapRps must be positive")
	}
	if config.Safety.GlobalCapRPS <= 0 {
		return errors.New("safety.globalCapRps must be positive")
	}
	if config.Safety.ConsumptionPollInterval <= 0 {
		return errors.New("safety.consumptionPollInterval must be positive")
	}
	if config.Scheduling.TickInterval <= 0 {
		return errors.New("scheduling.tickInterval must be positive")
	}
	if config.Aggregation.ThroughputWindow <= 0 {
		return errors.New("aggregation.throughputWindow must be positive")
	}
	return nil
}
