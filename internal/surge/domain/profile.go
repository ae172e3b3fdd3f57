package domain

// ProfileType identifies one of the supported load shapes.
type ProfileType string

const (
	ProfileRampUp      ProfileType = "ramp_up"
	ProfileSteadyState ProfileType = "steady_state"
	ProfileSpike       ProfileType = "spike"
	ProfileSoak        ProfileType = "soak"
)

// LoadProfile is a tagged variant carrying the parameters of one load
// shape. Only the fields of the selected variant are meaningful; the
// compiler rejects inconsistent parameter sets before any resource is
// reserved.
type LoadProfile struct {
	Type ProfileType `json:"type"`

	// ramp_up
	InitialUsers int `json:"initialUsers,omitempty"`
	TargetUsers  int `json:"targetUsers,omitempty"`
	RampSeconds  int `json:"rampSeconds,omitempty"`
	HoldSeconds  int `json:"holdSeconds,omitempty"`

	// steady_state and soak
	ConcurrentUsers int `json:"concurrentUsers,omitempty"`
	DurationSeconds int `json:"durationSeconds,omitempty"`

	// spike
	BaselineUsers   int `json:"baselineUsers,omitempty"`
	BaselineSeconds int `json:"baselineSeconds,omitempty"`
	SpikeUsers      int `json:"spikeUsers,omitempty"`
	SpikeSeconds    int `json:"spikeSeconds,omitempty"`
}

// Stage is one step of a compiled timeline: hold TargetConcurrency
// virtual users for DurationSeconds.
type Stage struct {
	Name              string `json:"name"`
	DurationSeconds   int    `json:"durationSeconds"`
	TargetConcurrency int    `json:"targetConcurrency"`
}

// StageTimeline is the ordered, concrete expansion of a LoadProfile.
// It is never empty, every stage duration is strictly positive, and it
// is owned exclusively by the execution that compiled it.
type StageTimeline struct {
	Stages []Stage `json:"stages"`
}

// TotalDurationSeconds is the sum of all stage durations.
func (t StageTimeline) TotalDurationSeconds() int {
	total := 0
	for _, s := range t.Stages {
		total += s.DurationSeconds
	}
	return total
}

// PeakConcurrency is the highest concurrency target of any stage. The
// dispatcher routes on this value.
func (t StageTimeline) PeakConcurrency() int {
	peak := 0
	for _, s := range t.Stages {
		if s.TargetConcurrency > peak {
			peak = s.TargetConcurrency
		}
	}
	return peak
}
