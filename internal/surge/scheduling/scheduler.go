// Package scheduling starts executions for definitions carrying a cron
// schedule. The scheduler is tick driven and stateless across restarts;
// fire times are recomputed from the schedule, and missed ticks collapse
// into a single catch-up run rather than a burst.
package scheduling

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/surgeproject/surge/internal/common/auth"
	"github.com/surgeproject/surge/internal/common/util"
	"github.com/surgeproject/surge/internal/surge/configuration"
	"github.com/surgeproject/surge/internal/surge/domain"
	"github.com/surgeproject/surge/internal/surge/repository"
)

// SchedulerPrincipalName identifies scheduler-started executions in the
// audit trail.
const SchedulerPrincipalName = "scheduler"

// Starter is the slice of the lifecycle manager the scheduler drives.
type Starter interface {
	StartExecution(principal auth.Principal, definitionID string) (*domain.TestExecution, error)
}

type scheduleEntry struct {
	spec    string
	nextRun time.Time
}

type Scheduler struct {
	config      configuration.SchedulingConfig
	definitions repository.DefinitionRepository
	starter     Starter
	clock       util.Clock

	entries map[string]*scheduleEntry
}

func NewScheduler(
	config configuration.SchedulingConfig,
	definitions repository.DefinitionRepository,
	starter Starter,
) *Scheduler {
	return NewSchedulerWithClock(config, definitions, starter, &util.DefaultClock{})
}

func NewSchedulerWithClock(
	config configuration.SchedulingConfig,
	definitions repository.DefinitionRepository,
	starter Starter,
	clock util.Clock,
) *Scheduler {
	return &Scheduler{
		config:      config,
		definitions: definitions,
		starter:     starter,
		clock:       clock,
		entries:     map[string]*scheduleEntry{},
	}
}

// Run ticks the scheduler until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick()
		case <-ctx.Done():
			return
		}
	}
}

// Tick reloads the scheduled definitions and fires every entry whose
// next run time has passed. Each due entry fires at most once per tick
// no matter how many runs were missed.
func (s *Scheduler) Tick() {
	definitions, err := s.definitions.GetAllDefinitions()
	if err != nil {
		log.WithError(err).Error("scheduler failed to load definitions")
		return
	}

	now := s.clock.Now()
	scheduled := map[string]bool{}
	for _, definition := range definitions {
		if definition.CronSchedule == "" {
			continue
		}
		scheduled[definition.ID] = true
		s.tickDefinition(definition, now)
	}

	// Forget entries whose definition disappeared or lost its schedule.
	for id := range s.entries {
		if !scheduled[id] {
			delete(s.entries, id)
		}
	}
}

func (s *Scheduler) tickDefinition(definition *domain.TestDefinition, now time.Time) {
	schedule, err := cron.ParseStandard(definition.CronSchedule)
	if err != nil {
		log.WithError(err).WithField("definitionId", definition.ID).Warn("skipping definition with invalid cron schedule")
		return
	}

	entry, known := s.entries[definition.ID]
	if !known || entry.spec != definition.CronSchedule {
		// Newly seen or rewritten schedules arm for the next occurrence
		// instead of firing immediately.
		s.entries[definition.ID] = &scheduleEntry{
			spec:    definition.CronSchedule,
			nextRun: schedule.Next(now),
		}
		return
	}

	if now.Before(entry.nextRun) {
		return
	}
	entry.nextRun = schedule.Next(now)
	s.fire(definition)
}

func (s *Scheduler) fire(definition *domain.TestDefinition) {
	principal := auth.Principal{
		Name:  SchedulerPrincipalName,
		OrgID: definition.OrgID,
		Role:  auth.RoleOperator,
	}
	execution, err := s.starter.StartExecution(principal, definition.ID)
	if err != nil {
		// Overlapping runs and exhausted budgets are expected outcomes
		// for a schedule, not scheduler failures.
		log.WithError(err).WithField("definitionId", definition.ID).Info("scheduled start not performed")
		return
	}
	log.WithFields(log.Fields{
		"definitionId": definition.ID,
		"executionId":  execution.ID,
	}).Info("started scheduled execution")
}
