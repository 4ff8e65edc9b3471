package reservamail

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/enigma-dining/reservamail/hash"
	"github.com/enigma-dining/reservamail/internal/jobdb"
)

const (
	reminderPriority    = 7
	reminderMaxAttempts = 3
	reviewPriority      = 5
	reviewMaxAttempts   = 2
)

// Customer identifies the recipient of a derived email.
type Customer struct {
	ID    string
	Name  string
	Email string
}

// SchedulerStats summarizes the derived job types.
type SchedulerStats struct {
	TotalScheduled   int
	PendingReminders int
	PendingReviews   int
	FailedJobs       int
}

// ReminderScheduler keeps the derived job types, reminders before a
// reservation and review requests after it, synchronized with the current
// state of reservations. Its monitoring loop doubles as the self-healing
// reconciliation sweep.
type ReminderScheduler struct {
	ctx          context.Context
	conf         *Config
	queue        *EmailQueue
	jobs         jobdb.JobStore
	reservations jobdb.ReservationStore
	clock        clockwork.Clock
	log          *logrus.Logger

	state    atomic.Uint32
	shutdown chan struct{}
}

func NewReminderScheduler(ctx context.Context, conf *Config, queue *EmailQueue, jobs jobdb.JobStore, reservations jobdb.ReservationStore, clock clockwork.Clock) *ReminderScheduler {
	return &ReminderScheduler{
		ctx:          ctx,
		conf:         conf,
		queue:        queue,
		jobs:         jobs,
		reservations: reservations,
		clock:        clock,
		log:          conf.Logger,
	}
}

// ScheduleReminder derives a reminder job firing a fixed lead before the
// reservation moment. Returns an empty job id without error when the
// reminder instant has already passed, or when an active reminder for the
// reservation already exists. Both are expected no-op outcomes, not
// failures.
func (s *ReminderScheduler) ScheduleReminder(ctx context.Context, reservationID string, when time.Time, customer Customer) (string, error) {
	reminderAt := when.Add(-s.conf.ReminderLead)
	if !reminderAt.After(s.clock.Now()) {
		s.log.WithField("reservation_id", reservationID).Info("skipping reminder: reminder time is in the past")
		return "", nil
	}

	payload, err := s.buildPayload(ctx, reservationID, customer)
	if err != nil {
		return "", fmt.Errorf("failed to snapshot reservation %s: %w", reservationID, err)
	}

	jobID, err := s.queue.Enqueue(ctx, TypeReservationReminder, customer.Email, payload,
		WithPriority(reminderPriority),
		WithScheduledFor(reminderAt),
		WithMaxAttempts(reminderMaxAttempts),
		withReservation(reservationID, jobFingerprint(reservationID, TypeReservationReminder)),
	)
	if err != nil {
		if errors.Is(err, ErrDuplicateJob) {
			s.log.WithField("reservation_id", reservationID).Debug("reminder already scheduled")
			return "", nil
		}
		return "", err
	}

	if err := s.reservations.MarkReminderScheduled(ctx, reservationID, jobID); err != nil {
		s.log.WithField("reservation_id", reservationID).WithError(err).Warn("failed to flag reservation as reminder-scheduled")
	}

	s.log.WithFields(logrus.Fields{
		"reservation_id": reservationID,
		"job_id":         jobID,
		"reminder_at":    reminderAt,
	}).Info("reminder scheduled")

	return jobID, nil
}

// ScheduleReviewRequest derives a review request firing a fixed delay after
// the reservation's end.
func (s *ReminderScheduler) ScheduleReviewRequest(ctx context.Context, reservationID string, endsAt time.Time, customer Customer) (string, error) {
	reviewAt := endsAt.Add(s.conf.ReviewDelay)

	payload, err := s.buildPayload(ctx, reservationID, customer)
	if err != nil {
		return "", fmt.Errorf("failed to snapshot reservation %s: %w", reservationID, err)
	}

	jobID, err := s.queue.Enqueue(ctx, TypeReservationReview, customer.Email, payload,
		WithPriority(reviewPriority),
		WithScheduledFor(reviewAt),
		WithMaxAttempts(reviewMaxAttempts),
		withReservation(reservationID, jobFingerprint(reservationID, TypeReservationReview)),
	)
	if err != nil {
		if errors.Is(err, ErrDuplicateJob) {
			s.log.WithField("reservation_id", reservationID).Debug("review request already scheduled")
			return "", nil
		}
		return "", err
	}

	s.log.WithFields(logrus.Fields{
		"reservation_id": reservationID,
		"job_id":         jobID,
		"review_at":      reviewAt,
	}).Info("review request scheduled")

	return jobID, nil
}

// CancelReminder cancels the pending reminder of a reservation and clears
// its bookkeeping flags. Returns false when there was nothing to cancel or
// the job is already processing or terminal.
func (s *ReminderScheduler) CancelReminder(ctx context.Context, reservationID string) (bool, error) {
	res, err := s.reservations.GetReservation(ctx, reservationID)
	if err != nil {
		return false, err
	}
	if res.ReminderJobID == "" {
		return false, nil
	}

	cancelled, err := s.queue.Cancel(ctx, res.ReminderJobID)
	if err != nil {
		return false, err
	}
	if !cancelled {
		return false, nil
	}

	if err := s.reservations.ClearReminderScheduled(ctx, reservationID); err != nil {
		return false, err
	}
	s.log.WithField("reservation_id", reservationID).Info("reminder cancelled")
	return true, nil
}

// UpdateReminder re-derives the reminder after a reservation time change:
// cancel whatever pending reminder exists, then schedule against the new
// time. Idempotent: a second call with the same time leaves exactly one
// pending reminder.
func (s *ReminderScheduler) UpdateReminder(ctx context.Context, reservationID string, newWhen time.Time, customer Customer) (string, error) {
	if _, err := s.CancelReminder(ctx, reservationID); err != nil {
		s.log.WithField("reservation_id", reservationID).WithError(err).Warn("failed to cancel existing reminder before update")
	}
	return s.ScheduleReminder(ctx, reservationID, newWhen, customer)
}

// StartMonitoring launches the periodic reconciliation sweep. Safe to call
// while already running.
func (s *ReminderScheduler) StartMonitoring() {
	if !s.state.CompareAndSwap(stopped, running) {
		return
	}
	s.shutdown = make(chan struct{})
	go s.monitorLoop()
	s.log.Info("reminder scheduler monitoring started")
}

func (s *ReminderScheduler) StopMonitoring() {
	if !s.state.CompareAndSwap(running, stopped) {
		return
	}
	close(s.shutdown)
	s.log.Info("reminder scheduler monitoring stopped")
}

func (s *ReminderScheduler) monitorLoop() {
	shutdown := s.shutdown

	// Initial pass so a restart recovers promptly instead of waiting a
	// full interval.
	s.runSweep(s.ctx)

	for {
		select {
		case <-shutdown:
			return
		case <-s.clock.After(s.conf.MonitorInterval):
		}
		s.runSweep(s.ctx)
	}
}

func (s *ReminderScheduler) runSweep(ctx context.Context) {
	if _, err := s.ScheduleAllPendingReminders(ctx); err != nil {
		s.log.WithError(err).Error("reconciliation sweep failed")
	}
	if err := s.cleanupExpiredReminders(ctx); err != nil {
		s.log.WithError(err).Error("expired reminder cleanup failed")
	}
}

// ScheduleAllPendingReminders scans confirmed future reservations that have
// no reminder scheduled yet and schedules reminders for all of them.
// Idempotent under repeated invocation: flagged reservations are skipped by
// the query, and the store's unique fingerprint index catches the rest.
func (s *ReminderScheduler) ScheduleAllPendingReminders(ctx context.Context) (int, error) {
	reservations, err := s.reservations.ListConfirmedUnscheduled(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}

	scheduled := 0
	for _, res := range reservations {
		if res.CustomerEmail == "" {
			continue
		}
		jobID, err := s.ScheduleReminder(ctx, res.ID, res.StartsAt, Customer{
			ID:    res.CustomerID,
			Name:  res.CustomerName,
			Email: res.CustomerEmail,
		})
		if err != nil {
			s.log.WithField("reservation_id", res.ID).WithError(err).Error("sweep failed to schedule reminder")
			continue
		}
		if jobID != "" {
			scheduled++
		}
	}

	if scheduled > 0 {
		s.log.WithField("count", scheduled).Info("reconciliation sweep scheduled reminders")
	}
	return scheduled, nil
}

// cleanupExpiredReminders cancels pending reminders whose send window has
// passed and clears the owning reservation's flag so a later correction can
// re-derive it.
func (s *ReminderScheduler) cleanupExpiredReminders(ctx context.Context) error {
	expired, err := s.jobs.ListExpiredPending(ctx, string(TypeReservationReminder), s.clock.Now())
	if err != nil {
		return err
	}
	if len(expired) == 0 {
		return nil
	}

	s.log.WithField("count", len(expired)).Info("cleaning up expired reminder jobs")
	for _, job := range expired {
		if _, err := s.queue.Cancel(ctx, job.ID); err != nil {
			s.log.WithField("job_id", job.ID).WithError(err).Warn("failed to cancel expired reminder")
			continue
		}
		if job.ReservationID != "" {
			if err := s.reservations.ClearReminderScheduled(ctx, job.ReservationID); err != nil {
				s.log.WithField("reservation_id", job.ReservationID).WithError(err).Warn("failed to clear reminder flag")
			}
		}
	}
	return nil
}

func (s *ReminderScheduler) Stats(ctx context.Context) (*SchedulerStats, error) {
	buckets, err := s.jobs.ListTypeStatusCounts(ctx, []string{
		string(TypeReservationReminder),
		string(TypeReservationReview),
	})
	if err != nil {
		return nil, err
	}

	stats := new(SchedulerStats)
	for _, b := range buckets {
		stats.TotalScheduled += b.Count
		switch {
		case b.Status == jobdb.Pending && b.JobType == string(TypeReservationReminder):
			stats.PendingReminders += b.Count
		case b.Status == jobdb.Pending && b.JobType == string(TypeReservationReview):
			stats.PendingReviews += b.Count
		case b.Status == jobdb.Failed:
			stats.FailedJobs += b.Count
		}
	}
	return stats, nil
}

// buildPayload snapshots everything the eventual render needs into the job
// row, so delivery works even if the reservation is edited afterwards.
func (s *ReminderScheduler) buildPayload(ctx context.Context, reservationID string, customer Customer) (*ReservationPayload, error) {
	res, err := s.reservations.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, err
	}

	payload := &ReservationPayload{
		ReservationID:   res.ID,
		CustomerID:      customer.ID,
		CustomerName:    customer.Name,
		CustomerEmail:   customer.Email,
		ReservationDate: res.StartsAt.Format("Monday, 2 January 2006"),
		ReservationTime: res.StartsAt.Format("15:04"),
		PartySize:       res.PartySize,
		TableLocation:   res.TableLocation,
		TableNumber:     res.TableNumber,
		SpecialRequests: res.SpecialRequests,
		RestaurantName:  s.conf.Restaurant.Name,
		RestaurantEmail: s.conf.Restaurant.Email,
		RestaurantPhone: s.conf.Restaurant.Phone,
	}
	// TODO: snapshot pre-order items once ReservationStore exposes the
	// reservation_items rows.
	if res.ManageToken != "" && s.conf.Restaurant.BaseURL != "" {
		payload.ManageURL = fmt.Sprintf("%s/reservation/manage?token=%s", s.conf.Restaurant.BaseURL, res.ManageToken)
	}
	return payload, nil
}

func jobFingerprint(reservationID string, jobType JobType) string {
	return hash.Fingerprint(reservationID, string(jobType))
}
