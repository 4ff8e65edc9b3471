package jobdb

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"
)

const (
	pgUniqueViolation = "23505"

	NoRowsAffected = 0
)

var (
	// ErrDuplicateActiveJob reports that an active job with the same
	// fingerprint already exists. Callers treat it as "already scheduled".
	ErrDuplicateActiveJob = errors.New("an active job with the same fingerprint already exists")

	// ErrStateConflict reports that a conditional status transition matched
	// no row, meaning the job was no longer in the expected prior state.
	ErrStateConflict = errors.New("job is no longer in the expected state")
)

type JobStore interface {
	// InsertJob persists a new pending job row. A fingerprint collision with
	// another active row surfaces as ErrDuplicateActiveJob.
	InsertJob(ctx context.Context, job *Job) error

	// ClaimDueJobs atomically moves up to limit due pending jobs to
	// PROCESSING and returns them ordered by priority descending, then
	// scheduled_for ascending. Concurrent claimers skip each other's rows.
	ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)

	// MarkCompleted transitions a PROCESSING job to COMPLETED.
	MarkCompleted(ctx context.Context, id string) error

	// MarkForRetry returns a PROCESSING job to PENDING with the new attempt
	// count, next eligible time and the failure reason.
	MarkForRetry(ctx context.Context, id string, attempts int, retryAt time.Time, reason string) error

	// MarkFailed transitions a PROCESSING job to terminal FAILED.
	MarkFailed(ctx context.Context, id string, attempts int, reason string) error

	// CancelPending cancels a job only while it is still PENDING. Returns
	// false without error when the job was in any other state.
	CancelPending(ctx context.Context, id string) (bool, error)

	CountByStatus(ctx context.Context) (map[Status]int, error)

	ListTypeStatusCounts(ctx context.Context, jobTypes []string) ([]TypeStatusCount, error)

	// ListExpiredPending returns pending jobs of the given type whose
	// scheduled time has passed the given instant.
	ListExpiredPending(ctx context.Context, jobType string, before time.Time) ([]Job, error)
}

// MaintenanceStore is the slice of the store used by periodic maintenance
// jobs rather than the hot dispatch path.
type MaintenanceStore interface {
	// RequeueStalledJobs returns PROCESSING rows whose work started before
	// the given instant back to PENDING so a later poll can re-claim them.
	// Covers workers lost to crashes or hard kills mid-send.
	RequeueStalledJobs(ctx context.Context, startedBefore time.Time) (int, error)
}

type jobStore struct {
	db *bun.DB
}

func NewJobStore(db *bun.DB) JobStore {
	return &jobStore{db: db}
}

func NewMaintenanceStore(db *bun.DB) MaintenanceStore {
	return &jobStore{db: db}
}

func (s *jobStore) InsertJob(ctx context.Context, job *Job) error {
	_, err := s.db.NewInsert().Model(job).Exec(ctx)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return ErrDuplicateActiveJob
		}
		return err
	}
	return nil
}

func (s *jobStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	var jobs []Job
	sub := s.db.NewSelect().
		Table("email_jobs").
		Column("id").
		Where("status = (?)", Pending).
		Where("scheduled_for <= (?)", now).
		OrderExpr("priority DESC, scheduled_for ASC").
		Limit(limit).
		For("UPDATE SKIP LOCKED")

	err := s.db.NewUpdate().
		TableExpr("email_jobs as j").
		TableExpr("(?) as sub", sub).
		Set("status = (?)", Processing).
		Set("started_at = (?)", now.UTC()).
		Set("updated_at = (?)", time.Now().UTC()).
		Where("sub.id = j.id").
		Returning("j.*").
		Scan(ctx, &jobs)
	if err != nil {
		return nil, err
	}

	// UPDATE ... RETURNING does not preserve the subquery ordering, and the
	// dispatch order is a contract.
	slices.SortFunc(jobs, func(a, b Job) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return a.ScheduledFor.Compare(b.ScheduledFor)
	})

	return jobs, nil
}

func (s *jobStore) MarkCompleted(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().
		Table("email_jobs").
		Set("status = (?)", Completed).
		Set("completed_at = (?)", now).
		Set("updated_at = (?)", now).
		Where("id = (?)", id).
		Where("status = (?)", Processing).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *jobStore) MarkForRetry(ctx context.Context, id string, attempts int, retryAt time.Time, reason string) error {
	res, err := s.db.NewUpdate().
		Table("email_jobs").
		Set("status = (?)", Pending).
		Set("attempts = (?)", attempts).
		Set("scheduled_for = (?)", retryAt.UTC()).
		Set("last_error = (?)", reason).
		Set("started_at = NULL").
		Set("updated_at = (?)", time.Now().UTC()).
		Where("id = (?)", id).
		Where("status = (?)", Processing).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *jobStore) MarkFailed(ctx context.Context, id string, attempts int, reason string) error {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().
		Table("email_jobs").
		Set("status = (?)", Failed).
		Set("attempts = (?)", attempts).
		Set("last_error = (?)", reason).
		Set("failed_at = (?)", now).
		Set("updated_at = (?)", now).
		Where("id = (?)", id).
		Where("status = (?)", Processing).
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *jobStore) CancelPending(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.NewUpdate().
		Table("email_jobs").
		Set("status = (?)", Cancelled).
		Set("cancelled_at = (?)", now).
		Set("updated_at = (?)", now).
		Where("id = (?)", id).
		Where("status = (?)", Pending).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > NoRowsAffected, nil
}

func (s *jobStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	var buckets []TypeStatusCount
	err := s.db.NewSelect().
		Table("email_jobs").
		Column("status").
		ColumnExpr("count(*) AS count").
		Group("status").
		Scan(ctx, &buckets)
	if err != nil {
		return nil, err
	}

	counts := make(map[Status]int, len(buckets))
	for _, b := range buckets {
		counts[b.Status] = b.Count
	}
	return counts, nil
}

func (s *jobStore) ListTypeStatusCounts(ctx context.Context, jobTypes []string) ([]TypeStatusCount, error) {
	var buckets []TypeStatusCount
	err := s.db.NewSelect().
		Table("email_jobs").
		Column("job_type", "status").
		ColumnExpr("count(*) AS count").
		Where("job_type IN (?)", bun.In(jobTypes)).
		Group("job_type", "status").
		Scan(ctx, &buckets)
	if err != nil {
		return nil, err
	}
	return buckets, nil
}

func (s *jobStore) ListExpiredPending(ctx context.Context, jobType string, before time.Time) ([]Job, error) {
	var jobs []Job
	err := s.db.NewSelect().
		Model(&jobs).
		Where("job_type = (?)", jobType).
		Where("status = (?)", Pending).
		Where("scheduled_for < (?)", before).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *jobStore) RequeueStalledJobs(ctx context.Context, startedBefore time.Time) (int, error) {
	res, err := s.db.NewUpdate().
		Table("email_jobs").
		Set("status = (?)", Pending).
		Set("started_at = NULL").
		Set("updated_at = (?)", time.Now().UTC()).
		Where("status = (?)", Processing).
		Where("started_at < (?)", startedBefore).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

func requireRow(res interface{ RowsAffected() (int64, error) }) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == NoRowsAffected {
		return ErrStateConflict
	}
	return nil
}
