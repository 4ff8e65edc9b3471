package reservamail

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/enigma-dining/reservamail/internal/jobdb"
	"github.com/enigma-dining/reservamail/mailer"
)

const (
	stopped = iota
	running
)

const (
	defaultPriority    = 5
	defaultMaxAttempts = 3
	minPriority        = 1
	maxPriority        = 10
)

// ErrDuplicateJob reports that an active job with the same dedup key
// already exists; the previous scheduling call won.
var ErrDuplicateJob = jobdb.ErrDuplicateActiveJob

// QueueStats is a point-in-time snapshot of the job table plus the number
// of jobs currently held by in-process workers.
type QueueStats struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
	Cancelled  int
	ActiveJobs int
}

// EmailQueue owns the job lifecycle: it persists new jobs, polls for due
// rows, fans out sends under a concurrency cap and the global rate gate,
// and applies retry-with-backoff on failure.
type EmailQueue struct {
	ctx      context.Context
	conf     *Config
	store    jobdb.JobStore
	sender   mailer.Sender
	renderer Renderer
	clock    clockwork.Clock
	log      *logrus.Logger
	gate     *sendGate

	inFlight atomic.Int64
	state    atomic.Uint32
	shutdown chan struct{}
}

func NewEmailQueue(ctx context.Context, conf *Config, store jobdb.JobStore, sender mailer.Sender, renderer Renderer, clock clockwork.Clock) *EmailQueue {
	return &EmailQueue{
		ctx:      ctx,
		conf:     conf,
		store:    store,
		sender:   sender,
		renderer: renderer,
		clock:    clock,
		log:      conf.Logger,
		gate:     newSendGate(clock, conf.RateLimit, time.Minute),
	}
}

// Enqueue validates and persists a new pending job, returning its id.
func (q *EmailQueue) Enqueue(ctx context.Context, jobType JobType, recipient string, payload any, opts ...EnqueueOption) (string, error) {
	if err := validateRecipient(recipient); err != nil {
		return "", err
	}

	raw, err := marshalPayload(jobType, payload)
	if err != nil {
		return "", err
	}

	options := EnqueueOptions{
		Priority:     defaultPriority,
		ScheduledFor: q.clock.Now(),
		MaxAttempts:  defaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Priority < minPriority {
		options.Priority = minPriority
	}
	if options.Priority > maxPriority {
		options.Priority = maxPriority
	}

	job := &jobdb.Job{
		ID:            ulid.Make().String(),
		Type:          string(jobType),
		Recipient:     recipient,
		Payload:       raw,
		Priority:      options.Priority,
		ScheduledFor:  options.ScheduledFor.UTC(),
		MaxAttempts:   options.MaxAttempts,
		Status:        jobdb.Pending,
		ReservationID: options.reservationID,
		Fingerprint:   options.fingerprint,
	}

	if err := q.store.InsertJob(ctx, job); err != nil {
		return "", err
	}

	q.log.WithFields(logrus.Fields{
		"job_id":        job.ID,
		"type":          jobType,
		"recipient":     recipient,
		"priority":      job.Priority,
		"scheduled_for": job.ScheduledFor,
	}).Info("email job enqueued")

	return job.ID, nil
}

// Cancel cancels a job only while it is still pending. A job already picked
// up by a worker is never aborted mid-flight, so cancellation of a
// processing or terminal job returns false.
func (q *EmailQueue) Cancel(ctx context.Context, jobID string) (bool, error) {
	cancelled, err := q.store.CancelPending(ctx, jobID)
	if err != nil {
		return false, err
	}
	if cancelled {
		q.log.WithField("job_id", jobID).Info("email job cancelled")
	}
	return cancelled, nil
}

func (q *EmailQueue) Stats(ctx context.Context) (*QueueStats, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueStats{
		Pending:    counts[jobdb.Pending],
		Processing: counts[jobdb.Processing],
		Completed:  counts[jobdb.Completed],
		Failed:     counts[jobdb.Failed],
		Cancelled:  counts[jobdb.Cancelled],
		ActiveJobs: int(q.inFlight.Load()),
	}, nil
}

// Start launches the poll-and-dispatch loop. Safe to call while already
// running.
func (q *EmailQueue) Start() {
	if !q.state.CompareAndSwap(stopped, running) {
		return
	}
	q.shutdown = make(chan struct{})
	go q.pollLoop()
	q.log.Info("email queue processing started")
}

// Stop signals the poll loop to exit at its next iteration boundary.
// In-flight sends finish naturally and are not awaited.
func (q *EmailQueue) Stop() {
	if !q.state.CompareAndSwap(running, stopped) {
		return
	}
	close(q.shutdown)
	q.log.Info("email queue processing stopped")
}

func (q *EmailQueue) pollLoop() {
	shutdown := q.shutdown
	for {
		select {
		case <-shutdown:
			return
		default:
		}

		if err := q.processBatch(q.ctx); err != nil {
			q.log.WithError(err).Error("email queue poll failed")
			if !q.sleep(shutdown, q.conf.ErrorBackoff) {
				return
			}
			continue
		}

		if !q.sleep(shutdown, q.conf.PollInterval) {
			return
		}
	}
}

func (q *EmailQueue) sleep(shutdown chan struct{}, d time.Duration) bool {
	select {
	case <-shutdown:
		return false
	case <-q.clock.After(d):
		return true
	}
}

// processBatch claims due jobs within the remaining concurrency budget and
// dispatches each to its own worker goroutine.
func (q *EmailQueue) processBatch(ctx context.Context) error {
	budget := q.conf.MaxConcurrent - int(q.inFlight.Load())
	if budget <= 0 {
		return nil
	}
	limit := min(budget, q.conf.BatchSize)

	jobs, err := q.store.ClaimDueJobs(ctx, q.clock.Now(), limit)
	if err != nil {
		return err
	}

	for i := range jobs {
		job := jobs[i]
		q.inFlight.Add(1)
		go func() {
			defer q.inFlight.Add(-1)
			q.processJob(ctx, &job)
		}()
	}
	return nil
}

func (q *EmailQueue) processJob(ctx context.Context, job *jobdb.Job) {
	if err := q.gate.Wait(ctx); err != nil {
		// Process is going away before the rate gate opened. The row stays
		// PROCESSING and the stalled-job sweep returns it to the queue.
		q.log.WithField("job_id", job.ID).WithError(err).Warn("send abandoned before dispatch")
		return
	}

	if err := q.send(ctx, job); err != nil {
		q.handleJobFailure(ctx, job, err)
		return
	}

	if err := q.store.MarkCompleted(ctx, job.ID); err != nil {
		q.log.WithField("job_id", job.ID).WithError(err).Error("failed to mark job completed")
		return
	}
	q.log.WithField("job_id", job.ID).Info("email job completed")
}

func (q *EmailQueue) send(ctx context.Context, job *jobdb.Job) error {
	payload, err := unmarshalPayload(JobType(job.Type), job.Payload)
	if err != nil {
		return err
	}

	rendered, err := q.renderer.Render(JobType(job.Type), payload)
	if err != nil {
		return err
	}

	return q.sender.Send(ctx, mailer.Email{
		To:      job.Recipient,
		Subject: rendered.Subject,
		HTML:    rendered.HTML,
		Text:    rendered.Text,
	})
}

// handleJobFailure either reschedules with exponential backoff or, once the
// attempt cap is reached, marks the job permanently failed. Render and
// transport failures ride the same path: both are solved by retry with a
// cap, and a persistently broken template correctly exhausts its attempts
// and lands in FAILED for manual inspection.
func (q *EmailQueue) handleJobFailure(ctx context.Context, job *jobdb.Job, sendErr error) {
	attempts := job.Attempts + 1

	if attempts >= job.MaxAttempts {
		if err := q.store.MarkFailed(ctx, job.ID, attempts, sendErr.Error()); err != nil {
			q.log.WithField("job_id", job.ID).WithError(err).Error("failed to mark job failed")
			return
		}
		q.log.WithFields(logrus.Fields{
			"job_id":   job.ID,
			"attempts": attempts,
		}).WithError(sendErr).Error("email job failed permanently")
		return
	}

	delay := q.backoff(attempts)
	retryAt := q.clock.Now().Add(delay)
	if err := q.store.MarkForRetry(ctx, job.ID, attempts, retryAt, sendErr.Error()); err != nil {
		q.log.WithField("job_id", job.ID).WithError(err).Error("failed to reschedule job")
		return
	}
	q.log.WithFields(logrus.Fields{
		"job_id":       job.ID,
		"attempt":      attempts,
		"max_attempts": job.MaxAttempts,
		"retry_at":     retryAt,
	}).WithError(sendErr).Warn("email job scheduled for retry")
}

// backoff returns base * 2^(attempts-1).
func (q *EmailQueue) backoff(attempts int) time.Duration {
	return q.conf.RetryBaseDelay << (attempts - 1)
}
