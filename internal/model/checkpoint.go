package model

import "time"

// CheckpointState is the durable progress record of one batch workflow.
type CheckpointState struct {
	ExternalJobID string             `json:"external_job_id,omitempty"`
	ProcessedIDs  []int64            `json:"processed_ids"`
	StartedAt     time.Time          `json:"started_at"`
	LastUpdated   time.Time          `json:"last_updated"`
	Stats         map[string]float64 `json:"stats"`
}

// Processed reports whether id is already recorded.
func (c *CheckpointState) Processed(id int64) bool {
	for _, p := range c.ProcessedIDs {
		if p == id {
			return true
		}
	}
	return false
}

// FailureStatus is the state of a failure ledger row.
type FailureStatus string

const (
	FailurePending   FailureStatus = "pending"
	FailurePermanent FailureStatus = "permanent"
	FailureResolved  FailureStatus = "resolved"
)

// FailureRecord tracks a failed (subject, source) lookup for the retry workflow.
type FailureRecord struct {
	ID          string        `json:"id"`
	Subject     Subject       `json:"subject"`
	Kind        Kind          `json:"kind"`
	Source      SourceType    `json:"source"`
	Error       string        `json:"error"`
	Attempts    int           `json:"attempts"`
	Status      FailureStatus `json:"status"`
	NextRetryAt time.Time     `json:"next_retry_at"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
