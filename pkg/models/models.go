// Package models defines the domain models for the flow orchestration service
package models

import (
	"encoding/json"
	"time"
)

// RunMode controls whether breakpoints pause a run
type RunMode string

const (
	RunModeExpress RunMode = "express"
	RunModeCustom  RunMode = "custom"
)

// RunStatus represents the lifecycle state of a run
type RunStatus string

const (
	RunStatusQueued      RunStatus = "queued"
	RunStatusRunning     RunStatus = "running"
	RunStatusWaitingUser RunStatus = "waiting_user"
	RunStatusSucceeded   RunStatus = "succeeded"
	RunStatusFailed      RunStatus = "failed"
	RunStatusCancelled   RunStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// StageRunStatus represents the outcome of a single stage attempt
type StageRunStatus string

const (
	StageRunRunning   StageRunStatus = "running"
	StageRunSucceeded StageRunStatus = "succeeded"
	StageRunFailed    StageRunStatus = "failed"
	StageRunSkipped   StageRunStatus = "skipped"
	// StageRunStale marks an attempt abandoned by a crashed worker.
	StageRunStale StageRunStatus = "stale"
)

// Contributes reports whether the stage's output is visible to later stages.
func (s StageRunStatus) Contributes() bool {
	return s == StageRunSucceeded || s == StageRunSkipped
}

// JobStatus represents the lifecycle state of a generic job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// EventLevel is the severity of a run event
type EventLevel string

const (
	EventInfo  EventLevel = "info"
	EventWarn  EventLevel = "warn"
	EventError EventLevel = "error"
)

// Waiting reasons recorded on paused runs.
const (
	WaitingReasonBreakpoint = "breakpoint_after"
)

// StageResult is what a completed stage contributes to the run context.
type StageResult struct {
	Output    map[string]any `json:"output"`
	Artifacts []string       `json:"artifacts"`
}

// RunContext is the persisted, open-ended state of a run.
type RunContext struct {
	Inputs  map[string]any         `json:"inputs"`
	Context map[string]StageResult `json:"context"`
}

// Run is one execution of a flow
type Run struct {
	ID                 string     `json:"id"`
	FlowID             string     `json:"flow_id"`
	Mode               RunMode    `json:"mode"`
	Status             RunStatus  `json:"status"`
	UserPrompt         string     `json:"user_prompt"`
	Seed               int64      `json:"seed"`
	Context            RunContext `json:"context"`
	CurrentStageKey    *string    `json:"current_stage_key,omitempty"`
	WaitingForStageKey *string    `json:"waiting_for_stage_key,omitempty"`
	WaitingReason      *string    `json:"waiting_reason,omitempty"`
	ErrorSummary       *string    `json:"error_summary,omitempty"`
	ClaimToken         string     `json:"-"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// StageRun records one attempt at one stage of a run
type StageRun struct {
	ID                string         `json:"id"`
	RunID             string         `json:"run_id"`
	StageKey          string         `json:"stage_key"`
	Attempt           int            `json:"attempt"`
	Status            StageRunStatus `json:"status"`
	ResolvedPrompt    string         `json:"resolved_prompt"`
	ResolvedBindings  map[string]any `json:"resolved_bindings,omitempty"`
	Output            map[string]any `json:"output,omitempty"`
	ProducedArtifacts []string       `json:"produced_artifacts,omitempty"`
	Error             *string        `json:"error,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	EndedAt           *time.Time     `json:"ended_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
}

// RunEvent is an append-only log entry attached to a run
type RunEvent struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	StageKey  *string         `json:"stage_key,omitempty"`
	Level     EventLevel      `json:"level"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Job is a generic unit of background work
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Status     JobStatus       `json:"status"`
	Payload    json.RawMessage `json:"payload"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *string         `json:"error,omitempty"`
	ClaimToken string          `json:"-"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
