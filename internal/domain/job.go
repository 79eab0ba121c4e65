package domain

import "time"

// JobStatus is the lifecycle state of an EmbeddingJob.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobLeased    JobStatus = "leased"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// EmbeddingJob asks a worker to embed one message. A leased job whose
// LeasedUntil has passed is reclaimable by any worker.
type EmbeddingJob struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	MessageID    string     `json:"message_id"`
	Status       JobStatus  `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts"`
	LastError    string     `json:"last_error,omitempty"`
	EnqueuedAt   time.Time  `json:"enqueued_at"`
	RunAfter     time.Time  `json:"run_after"`
	LeasedUntil  *time.Time `json:"leased_until,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Exhausted reports whether the job has used all of its attempts.
func (j EmbeddingJob) Exhausted() bool {
	return j.MaxAttempts > 0 && j.AttemptCount >= j.MaxAttempts
}
