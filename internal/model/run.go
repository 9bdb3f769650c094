package model

import "time"

// RunTrigger identifies what started a scheduler run.
type RunTrigger string

const (
	TriggerTick   RunTrigger = "tick"
	TriggerManual RunTrigger = "manual"
)

// RunRecord summarises one scheduler run.
type RunRecord struct {
	ID              string              `json:"id" yaml:"id"`
	Trigger         RunTrigger          `json:"trigger" yaml:"trigger"`
	StartedAt       time.Time           `json:"started_at" yaml:"started_at"`
	FinishedAt      time.Time           `json:"finished_at" yaml:"finished_at"`
	MessagesFetched int                 `json:"messages_fetched" yaml:"messages_fetched"`
	OutcomesByKind  map[OutcomeKind]int `json:"outcomes_by_kind" yaml:"outcomes_by_kind"`

	// QuietHours is set when the run was skipped because it fell inside the
	// configured quiet window.
	QuietHours bool `json:"quiet_hours,omitempty" yaml:"quiet_hours,omitempty"`

	// Canceled is set when Stop interrupted the batch between messages.
	Canceled bool `json:"canceled,omitempty" yaml:"canceled,omitempty"`

	// Error holds the run-level failure (fetch connection or auth error).
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Stats are cumulative processing counters since the process started.
type Stats struct {
	TotalRuns               int                 `json:"total_runs" yaml:"total_runs"`
	FailedRuns              int                 `json:"failed_runs" yaml:"failed_runs"`
	QuietRuns               int                 `json:"quiet_runs" yaml:"quiet_runs"`
	MessagesFetched         int                 `json:"messages_fetched" yaml:"messages_fetched"`
	ConsecutiveAuthFailures int                 `json:"consecutive_auth_failures" yaml:"consecutive_auth_failures"`
	LastError               string              `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	LastErrorAt             time.Time           `json:"last_error_at,omitempty" yaml:"last_error_at,omitempty"`
	OutcomeTotals           map[OutcomeKind]int `json:"outcome_totals" yaml:"outcome_totals"`
}
