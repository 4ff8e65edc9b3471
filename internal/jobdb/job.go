package jobdb

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

type Status = string

const (
	Pending    Status = "PENDING"
	Processing Status = "PROCESSING"
	Completed  Status = "COMPLETED"
	Failed     Status = "FAILED"
	Cancelled  Status = "CANCELLED"
)

// Job is one row of the email_jobs table. Terminal rows are never deleted,
// they double as the delivery log.
type Job struct {
	bun.BaseModel `bun:"table:email_jobs"`

	ID            string     `bun:"id,pk"`
	Type          string     `bun:"job_type,notnull"`
	Recipient     string     `bun:"recipient,notnull"`
	Payload       []byte     `bun:"payload,notnull"`
	Priority      int        `bun:"priority,notnull"`
	ScheduledFor  time.Time  `bun:"scheduled_for,notnull"`
	Attempts      int        `bun:"attempts,notnull"`
	MaxAttempts   int        `bun:"max_attempts,notnull"`
	Status        Status     `bun:"status,notnull"`
	ReservationID string     `bun:"reservation_id,nullzero"`
	Fingerprint   string     `bun:"fingerprint,nullzero"`
	LastError     string     `bun:"last_error,nullzero"`
	CreatedAt     time.Time  `bun:"created_at,notnull"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull"`
	StartedAt     *time.Time `bun:"started_at"`
	CompletedAt   *time.Time `bun:"completed_at"`
	FailedAt      *time.Time `bun:"failed_at"`
	CancelledAt   *time.Time `bun:"cancelled_at"`
}

func (j *Job) BeforeAppendModel(ctx context.Context, query bun.Query) error {
	switch query.(type) {
	case *bun.InsertQuery:
		now := time.Now().UTC()
		if j.CreatedAt.IsZero() {
			j.CreatedAt = now
		}
		if j.UpdatedAt.IsZero() {
			j.UpdatedAt = now
		}
	}
	return nil
}

// TypeStatusCount is one bucket of the per-type breakdown used for
// scheduler statistics.
type TypeStatusCount struct {
	JobType string `bun:"job_type"`
	Status  Status `bun:"status"`
	Count   int    `bun:"count"`
}
