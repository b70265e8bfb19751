package stores

import (
	"time"
)

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID                string     `json:"id"`
	Workflow          string     `json:"workflow"`
	State             string     `json:"state"`
	TotalSteps        int        `json:"total_steps"`
	CompletedSteps    int        `json:"completed_steps"`
	FailedStep        *string    `json:"failed_step,omitempty"`
	Failure           *string    `json:"failure,omitempty"`
	FailureCode       *string    `json:"failure_code,omitempty"`
	RollbackPerformed bool       `json:"rollback_performed"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// Duration returns how long the run took, or zero while it is unfinished.
func (r *RunRecord) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// ResourceStatus tracks a provisioned resource through rollback.
type ResourceStatus string

const (
	// ResourceStatusLive means the resource was created and not deleted.
	ResourceStatusLive ResourceStatus = "live"

	// ResourceStatusDeleted means rollback deleted the resource.
	ResourceStatusDeleted ResourceStatus = "deleted"

	// ResourceStatusDeleteFailed means rollback gave up on the resource; it
	// needs manual cleanup.
	ResourceStatusDeleteFailed ResourceStatus = "delete_failed"
)

// ResourceRecord is one row of run_resources.
type ResourceRecord struct {
	RunID              string         `json:"run_id"`
	Position           int            `json:"position"`
	Step               string         `json:"step"`
	Kind               string         `json:"kind"`
	ResourceID         string         `json:"resource_id"`
	DependsOnReadiness bool           `json:"depends_on_readiness"`
	Status             ResourceStatus `json:"status"`
	DeleteAttempts     int            `json:"delete_attempts"`
	CreatedAt          time.Time      `json:"created_at"`
	DeletedAt          *time.Time     `json:"deleted_at,omitempty"`
}

// RollbackErrorRecord is one row of run_rollback_errors.
type RollbackErrorRecord struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Step       string    `json:"step"`
	ResourceID string    `json:"resource_id"`
	Code       *string   `json:"code,omitempty"`
	Message    string    `json:"message"`
	Attempts   int       `json:"attempts"`
	RecordedAt time.Time `json:"recorded_at"`
}

// EventRecord is one row of run_events.
type EventRecord struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Type       string    `json:"type"`
	Level      string    `json:"level"`
	Step       *string   `json:"step,omitempty"`
	ResourceID *string   `json:"resource_id,omitempty"`
	Message    string    `json:"message"`
	Data       *string   `json:"data,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// RunDetail is a run with everything recorded about it.
type RunDetail struct {
	Run            *RunRecord             `json:"run"`
	Resources      []*ResourceRecord      `json:"resources"`
	RollbackErrors []*RollbackErrorRecord `json:"rollback_errors"`
	Events         []*EventRecord         `json:"events,omitempty"`
}
