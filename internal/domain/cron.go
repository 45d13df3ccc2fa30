package domain

import "time"

// CronRunStatus is the state of one scheduled cron execution.
type CronRunStatus string

const (
	CronRunRunning   CronRunStatus = "running"
	CronRunCompleted CronRunStatus = "completed"
	CronRunFailed    CronRunStatus = "failed"
)

// CronRun is one scheduled execution instance. The UNIQUE(cron_name,
// scheduled_time) constraint on forge_cron_runs is the physical exactly-once
// guarantee: even two simultaneous leaders cannot insert the same pair twice.
type CronRun struct {
	ID            string
	CronName      string
	ScheduledTime time.Time
	Status        CronRunStatus
	NodeID        string
	CatchUp       bool
	StartedAt     time.Time
	CompletedAt   *time.Time
	Error         string
}
