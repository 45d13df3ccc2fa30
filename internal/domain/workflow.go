package domain

import (
	"encoding/json"
	"time"
)

// WorkflowStatus is the state of one workflow invocation.
type WorkflowStatus string

const (
	WorkflowCreated      WorkflowStatus = "created"
	WorkflowRunning      WorkflowStatus = "running"
	WorkflowWaiting      WorkflowStatus = "waiting"
	WorkflowCompleted    WorkflowStatus = "completed"
	WorkflowCompensating WorkflowStatus = "compensating"
	WorkflowCompensated  WorkflowStatus = "compensated"
	WorkflowFailed       WorkflowStatus = "failed"
	WorkflowCancelled    WorkflowStatus = "cancelled"
)

// Terminal reports whether the run admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowCompleted, WorkflowCompensated, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// WorkflowRun is one invocation of a registered workflow. Version pins the
// workflow definition the run started under; resume always uses that version.
type WorkflowRun struct {
	ID            string
	WorkflowName  string
	Version       int
	Input         json.RawMessage
	Output        json.RawMessage
	Status        WorkflowStatus
	CurrentStep   string
	NodeID        string
	StartedAt     time.Time
	CompletedAt   *time.Time
	LastHeartbeat *time.Time
	Error         string
}

// StepStatus is the state of one workflow step checkpoint.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepCompleted   StepStatus = "completed"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
	StepSkipped     StepStatus = "skipped"
)

// WorkflowStep is one checkpoint. UNIQUE(workflow_run_id, step_name) keeps a
// step recorded at most once per run; a completed row is never overwritten.
type WorkflowStep struct {
	WorkflowRunID string
	StepName      string
	Status        StepStatus
	Result        json.RawMessage
	Error         string
	StartedAt     time.Time
	CompletedAt   *time.Time
}
