// Package profile compiles declarative load profiles into concrete stage
// timelines. Compilation is pure and deterministic: the same profile
// always yields the same timeline, and all parameter validation happens
// here, before any budget is reserved or engine launched.
package profile

import (
	"fmt"

	"github.com/surgeproject/surge/internal/common/surgeerrors"
	"github.com/surgeproject/surge/internal/surge/domain"
)

const (
	warmupSeconds       = 5
	cooldownSeconds     = 60
	spikeWarmupSeconds  = 30
	spikeRampSeconds    = 10
	spikeDropSeconds    = 30
	soakRampSeconds     = 600
	soakMinimumSeconds  = 2 * soakRampSeconds
	maxRampSubStages    = 10
	minRampSubStageSpan = 5
)

// Compile expands a load profile into its canonical stage timeline.
func Compile(p domain.LoadProfile) (domain.StageTimeline, error) {
	switch p.Type {
	case domain.ProfileRampUp:
		return compileRampUp(p)
	case domain.ProfileSteadyState:
		return compileSteadyState(p)
	case domain.ProfileSpike:
		return compileSpike(p)
	case domain.ProfileSoak:
		return compileSoak(p)
	default:
		return domain.StageTimeline{}, &surgeerrors.ErrInvalidProfile{
			Profile: string(p.Type),
			Message: "unknown profile type",
		}
	}
}

func compileRampUp(p domain.LoadProfile) (domain.StageTimeline, error) {
	if err := requirePositive(p.Type, "initialUsers", p.InitialUsers); err != nil {
		return domain.StageTimeline{}, err
	}
	if err := requirePositive(p.Type, "targetUsers", p.TargetUsers); err != nil {
		return domain.StageTimeline{}, err
	}
	if err := requirePositive(p.Type, "rampSeconds", p.RampSeconds); err != nil {
		return domain.StageTimeline{}, err
	}
	if err := requirePositive(p.Type, "holdSeconds", p.HoldSeconds); err != nil {
		return domain.StageTimeline{}, err
	}
	if p.TargetUsers < p.InitialUsers {
		return domain.StageTimeline{}, &surgeerrors.ErrInvalidProfile{
			Profile: string(p.Type),
			Message: fmt.Sprintf("targetUsers (%d) must be at least initialUsers (%d)", p.TargetUsers, p.InitialUsers),
		}
	}

	stages := []domain.Stage{
		{Name: "warm-up", DurationSeconds: warmupSeconds, TargetConcurrency: p.InitialUsers},
	}
	stages = append(stages, rampStages(p.InitialUsers, p.TargetUsers, p.RampSeconds)...)
	stages = append(stages,
		domain.Stage{Name: "hold", DurationSeconds: p.HoldSeconds, TargetConcurrency: p.TargetUsers},
		domain.Stage{Name: "cooldown", DurationSeconds: cooldownSeconds, TargetConcurrency: 0},
	)
	return domain.StageTimeline{Stages: stages}, nil
}

func compileSteadyState(p domain.LoadProfile) (domain.StageTimeline, error) {
	if err := requirePositive(p.Type, "concurrentUsers", p.ConcurrentUsers); err != nil {
		return domain.StageTimeline{}, err
	}
	if err := requirePositive(p.Type, "durationSeconds", p.DurationSeconds); err != nil {
		return domain.StageTimeline{}, err
	}
	return domain.StageTimeline{Stages: []domain.Stage{
		{Name: "hold", DurationSeconds: p.DurationSeconds, TargetConcurrency: p.ConcurrentUsers},
	}}, nil
}

func compileSpike(p domain.LoadProfile) (domain.StageTimeline, error) {
	if err := requirePositive(p.Type, "baselineUsers", p.BaselineUsers); err != nil {
		return domain.StageTimeline{}, err
	}
	if err := requirePositive(p.Type, "baselineSeconds", p.BaselineSeconds); err != nil {
		return domain.StageTimeline{}, err
	}
	if err := requirePositive(p.Type, "spikeUsers", p.SpikeUsers); err != nil {
		return domain.StageTimeline{}, err
	}
	if err := requirePositive(p.Type, "spikeSeconds", p.SpikeSeconds); err != nil {
		return domain.StageTimeline{}, err
	}
	if p.SpikeUsers <= p.BaselineUsers {
		return domain.StageTimeline{}, &surgeerrors.ErrInvalidProfile{
			Profile: string(p.Type),
			Message: fmt.Sprintf("spikeUsers (%d) must exceed baselineUsers (%d)", p.SpikeUsers, p.BaselineUsers),
		}
	}

	return domain.StageTimeline{Stages: []domain.Stage{
		{Name: "baseline-warmup", DurationSeconds: spikeWarmupSeconds, TargetConcurrency: p.BaselineUsers},
		{Name: "baseline-hold", DurationSeconds: p.BaselineSeconds, TargetConcurrency: p.BaselineUsers},
		{Name: "spike-ramp", DurationSeconds: spikeRampSeconds, TargetConcurrency: p.SpikeUsers},
		{Name: "spike-hold", DurationSeconds: p.SpikeSeconds, TargetConcurrency: p.SpikeUsers},
		{Name: "spike-drop", DurationSeconds: spikeDropSeconds, TargetConcurrency: p.BaselineUsers},
		{Name: "cooldown", DurationSeconds: cooldownSeconds, TargetConcurrency: 0},
	}}, nil
}

func compileSoak(p domain.LoadProfile) (domain.StageTimeline, error) {
	if err := requirePositive(p.Type, "concurrentUsers", p.ConcurrentUsers); err != nil {
		return domain.StageTimeline{}, err
	}
	if p.DurationSeconds <= soakMinimumSeconds {
		return domain.StageTimeline{}, &surgeerrors.ErrInvalidProfile{
			Profile: string(p.Type),
			Message: fmt.Sprintf("soak duration must exceed %d seconds, got %d", soakMinimumSeconds, p.DurationSeconds),
		}
	}

	return domain.StageTimeline{Stages: []domain.Stage{
		{Name: "ramp-up", DurationSeconds: soakRampSeconds, TargetConcurrency: p.ConcurrentUsers},
		{Name: "extended-hold", DurationSeconds: p.DurationSeconds - soakMinimumSeconds, TargetConcurrency: p.ConcurrentUsers},
		{Name: "ramp-down", DurationSeconds: soakRampSeconds, TargetConcurrency: 0},
	}}, nil
}

// rampStages expands a linear ramp into equal sub-stages with
// monotonically non-decreasing concurrency. Duration rounding remainders
// go to the last sub-stage so the stage durations always sum exactly to
// totalSeconds.
func rampStages(from int, to int, totalSeconds int) []domain.Stage {
	steps := maxRampSubStages
	if totalSeconds/minRampSubStageSpan < steps {
		steps = totalSeconds / minRampSubStageSpan
	}
	if steps < 1 {
		steps = 1
	}

	stages := make([]domain.Stage, 0, steps)
	span := totalSeconds / steps
	for i := 1; i <= steps; i++ {
		duration := span
		if i == steps {
			duration = totalSeconds - span*(steps-1)
		}
		concurrency := from + (to-from)*i/steps
		stages = append(stages, domain.Stage{
			Name:              fmt.Sprintf("ramp-%d", i),
			DurationSeconds:   duration,
			TargetConcurrency: concurrency,
		})
	}
	return stages
}

func requirePositive(profile domain.ProfileType, field string, value int) error {
	if value <= 0 {
		return &surgeerrors.ErrInvalidProfile{
			Profile: string(profile),
			Message: fmt.Sprintf("%s must be a positive integer, got %d", field, value),
		}
	}
	return nil
}
