package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surgeproject/surge/internal/common/surgeerrors"
	"github.com/surgeproject/surge/internal/surge/domain"
)

func TestRampUpTimelineDuration(t *testing.T) {
	timeline, err := Compile(domain.LoadProfile{
		Type:         domain.ProfileRampUp,
		InitialUsers: 1,
		TargetUsers:  50,
		RampSeconds:  60,
		HoldSeconds:  120,
	})
	require.NoError(t, err)

	// warm-up(5) + ramp(60) + hold(120) + cooldown(60)
	assert.Equal(t, 245, timeline.TotalDurationSeconds())
	assert.Equal(t, 50, timeline.PeakConcurrency())
}

func TestRampUpConcurrencyIsMonotonic(t *testing.T) {
	timeline, err := Compile(domain.LoadProfile{
		Type:         domain.ProfileRampUp,
		InitialUsers: 5,
		TargetUsers:  200,
		RampSeconds:  90,
		HoldSeconds:  30,
	})
	require.NoError(t, err)

	last := 0
	for _, stage := range timeline.Stages {
		if stage.Name == "cooldown" {
			break
		}
		assert.GreaterOrEqual(t, stage.TargetConcurrency, last,
			"stage %s decreased concurrency during ramp-up", stage.Name)
		last = stage.TargetConcurrency
	}
	assert.Equal(t, 200, last)
}

func TestRampUpRejectsTargetBelowInitial(t *testing.T) {
	_, err := Compile(domain.LoadProfile{
		Type:         domain.ProfileRampUp,
		InitialUsers: 50,
		TargetUsers:  10,
		RampSeconds:  60,
		HoldSeconds:  60,
	})
	var invalid *surgeerrors.ErrInvalidProfile
	assert.ErrorAs(t, err, &invalid)
}

func TestSteadyStateTimeline(t *testing.T) {
	timeline, err := Compile(domain.LoadProfile{
		Type:            domain.ProfileSteadyState,
		ConcurrentUsers: 25,
		DurationSeconds: 300,
	})
	require.NoError(t, err)
	require.Len(t, timeline.Stages, 1)
	assert.Equal(t, 300, timeline.TotalDurationSeconds())
	assert.Equal(t, 25, timeline.Stages[0].TargetConcurrency)
}

func TestSpikeTimeline(t *testing.T) {
	timeline, err := Compile(domain.LoadProfile{
		Type:            domain.ProfileSpike,
		BaselineUsers:   10,
		BaselineSeconds: 120,
		SpikeUsers:      100,
		SpikeSeconds:    60,
	})
	require.NoError(t, err)

	// 30 + 120 + 10 + 60 + 30 + 60
	assert.Equal(t, 310, timeline.TotalDurationSeconds())
	assert.Equal(t, 100, timeline.PeakConcurrency())
	assert.Equal(t, 0, timeline.Stages[len(timeline.Stages)-1].TargetConcurrency)
}

func TestSpikeRejectsSpikeBelowBaseline(t *testing.T) {
	_, err := Compile(domain.LoadProfile{
		Type:            domain.ProfileSpike,
		BaselineUsers:   100,
		BaselineSeconds: 60,
		SpikeUsers:      50,
		SpikeSeconds:    30,
	})
	var invalid *surgeerrors.ErrInvalidProfile
	assert.ErrorAs(t, err, &invalid)
}

func TestSoakTimeline(t *testing.T) {
	timeline, err := Compile(domain.LoadProfile{
		Type:            domain.ProfileSoak,
		ConcurrentUsers: 40,
		DurationSeconds: 3600,
	})
	require.NoError(t, err)
	assert.Equal(t, 3600, timeline.TotalDurationSeconds())
	require.Len(t, timeline.Stages, 3)
	assert.Equal(t, 3600-1200, timeline.Stages[1].DurationSeconds)
}

func TestSoakRejectsShortDuration(t *testing.T) {
	_, err := Compile(domain.LoadProfile{
		Type:            domain.ProfileSoak,
		ConcurrentUsers: 40,
		DurationSeconds: 1200,
	})
	var invalid *surgeerrors.ErrInvalidProfile
	assert.ErrorAs(t, err, &invalid)
}

func TestCompileIsDeterministic(t *testing.T) {
	p := domain.LoadProfile{
		Type:         domain.ProfileRampUp,
		InitialUsers: 3,
		TargetUsers:  77,
		RampSeconds:  47,
		HoldSeconds:  60,
	}
	first, err := Compile(p)
	require.NoError(t, err)
	second, err := Compile(p)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestAllStageDurationsArePositive(t *testing.T) {
	profiles := []domain.LoadProfile{
		{Type: domain.ProfileRampUp, InitialUsers: 1, TargetUsers: 2, RampSeconds: 1, HoldSeconds: 1},
		{Type: domain.ProfileSteadyState, ConcurrentUsers: 1, DurationSeconds: 1},
		{Type: domain.ProfileSpike, BaselineUsers: 1, BaselineSeconds: 1, SpikeUsers: 2, SpikeSeconds: 1},
		{Type: domain.ProfileSoak, ConcurrentUsers: 1, DurationSeconds: 1201},
	}
	for _, p := range profiles {
		timeline, err := Compile(p)
		require.NoError(t, err, "profile %s", p.Type)
		require.NotEmpty(t, timeline.Stages)
		for _, stage := range timeline.Stages {
			assert.Positive(t, stage.DurationSeconds, "profile %s stage %s", p.Type, stage.Name)
			assert.GreaterOrEqual(t, stage.TargetConcurrency, 0)
		}
	}
}

func TestUnknownProfileType(t *testing.T) {
	_, err := Compile(domain.LoadProfile{Type: "sawtooth"})
	var invalid *surgeerrors.ErrInvalidProfile
	assert.ErrorAs(t, err, &invalid)
}
