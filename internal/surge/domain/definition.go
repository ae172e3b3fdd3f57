package domain

import (
	"time"
)

// Limits are the pass/fail and safety limits attached to a test definition.
// MaxRPS caps the request rate the execution may be authorized for,
// MaxErrorRate and MaxP95Latency are threshold limits evaluated against
// live metric snapshots.
type Limits struct {
	MaxRPS        float64       `json:"maxRps"`
	MaxErrorRate  float64       `json:"maxErrorRate"`
	MaxP95Latency time.Duration `json:"maxP95Latency"`

	// HardThresholds escalates a threshold breach to an abort instead of
	// a notification-only event.
	HardThresholds bool `json:"hardThresholds"`
}

// NotificationPolicy mirrors the per-definition notification flags.
type NotificationPolicy struct {
	OnStart    bool `json:"onStart"`
	OnComplete bool `json:"onComplete"`
	OnFailure  bool `json:"onFailure"`
}

// TestDefinition is the declarative description of a load test.
// Definitions are immutable once created; an edit produces a new version
// rather than mutating history.
type TestDefinition struct {
	ID          string `json:"id"`
	Version     int    `json:"version"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	TargetURL    string            `json:"targetUrl"`
	Method       string            `json:"method"`
	Headers      map[string]string `json:"headers,omitempty"`
	BodyTemplate string            `json:"bodyTemplate,omitempty"`
	Timeout      time.Duration     `json:"timeout,omitempty"`

	Profile LoadProfile `json:"profile"`
	Limits  Limits      `json:"limits"`

	// CronSchedule is an optional cron expression; empty means the
	// definition only runs on explicit start requests.
	CronSchedule string `json:"cronSchedule,omitempty"`

	// AllowParallelRuns permits more than one non-terminal execution of
	// this definition at a time.
	AllowParallelRuns bool `json:"allowParallelRuns,omitempty"`

	Notifications NotificationPolicy `json:"notifications"`

	OrgID     string    `json:"orgId"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}
