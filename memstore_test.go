package reservamail

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/enigma-dining/reservamail/internal/jobdb"
	"github.com/enigma-dining/reservamail/mailer"
)

var (
	_ jobdb.JobStore         = &memoryStore{}
	_ jobdb.MaintenanceStore = &memoryStore{}
	_ jobdb.ReservationStore = &memoryStore{}
)

var errSendFailed = errors.New("smtp: transient send failure")

// memoryStore is an in-memory stand-in for the Postgres-backed stores. It
// mirrors their transition rules, including the active-fingerprint dedup
// and the conditional status updates, so queue and scheduler behavior can
// be tested without a container.
type memoryStore struct {
	mu           sync.Mutex
	jobs         map[string]*jobdb.Job
	reservations map[string]*jobdb.Reservation
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		jobs:         make(map[string]*jobdb.Job),
		reservations: make(map[string]*jobdb.Reservation),
	}
}

func (m *memoryStore) InsertJob(ctx context.Context, job *jobdb.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.Fingerprint != "" {
		for _, existing := range m.jobs {
			if existing.Fingerprint == job.Fingerprint &&
				(existing.Status == jobdb.Pending || existing.Status == jobdb.Processing) {
				return jobdb.ErrDuplicateActiveJob
			}
		}
	}

	stored := *job
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}
	m.jobs[stored.ID] = &stored
	return nil
}

func (m *memoryStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]jobdb.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*jobdb.Job
	for _, j := range m.jobs {
		if j.Status == jobdb.Pending && !j.ScheduledFor.After(now) {
			due = append(due, j)
		}
	}
	slices.SortFunc(due, func(a, b *jobdb.Job) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return a.ScheduledFor.Compare(b.ScheduledFor)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]jobdb.Job, 0, len(due))
	startedAt := now.UTC()
	for _, j := range due {
		j.Status = jobdb.Processing
		j.StartedAt = &startedAt
		claimed = append(claimed, *j)
	}
	return claimed, nil
}

func (m *memoryStore) MarkCompleted(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != jobdb.Processing {
		return jobdb.ErrStateConflict
	}
	now := time.Now().UTC()
	j.Status = jobdb.Completed
	j.CompletedAt = &now
	return nil
}

func (m *memoryStore) MarkForRetry(ctx context.Context, id string, attempts int, retryAt time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != jobdb.Processing {
		return jobdb.ErrStateConflict
	}
	j.Status = jobdb.Pending
	j.Attempts = attempts
	j.ScheduledFor = retryAt.UTC()
	j.LastError = reason
	j.StartedAt = nil
	return nil
}

func (m *memoryStore) MarkFailed(ctx context.Context, id string, attempts int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != jobdb.Processing {
		return jobdb.ErrStateConflict
	}
	now := time.Now().UTC()
	j.Status = jobdb.Failed
	j.Attempts = attempts
	j.LastError = reason
	j.FailedAt = &now
	return nil
}

func (m *memoryStore) CancelPending(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok || j.Status != jobdb.Pending {
		return false, nil
	}
	now := time.Now().UTC()
	j.Status = jobdb.Cancelled
	j.CancelledAt = &now
	return true, nil
}

func (m *memoryStore) CountByStatus(ctx context.Context) (map[jobdb.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[jobdb.Status]int)
	for _, j := range m.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (m *memoryStore) ListTypeStatusCounts(ctx context.Context, jobTypes []string) ([]jobdb.TypeStatusCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buckets := make(map[string]*jobdb.TypeStatusCount)
	for _, j := range m.jobs {
		if !slices.Contains(jobTypes, j.Type) {
			continue
		}
		key := j.Type + "/" + j.Status
		if b, ok := buckets[key]; ok {
			b.Count++
			continue
		}
		buckets[key] = &jobdb.TypeStatusCount{JobType: j.Type, Status: j.Status, Count: 1}
	}

	out := make([]jobdb.TypeStatusCount, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, *b)
	}
	return out, nil
}

func (m *memoryStore) ListExpiredPending(ctx context.Context, jobType string, before time.Time) ([]jobdb.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []jobdb.Job
	for _, j := range m.jobs {
		if j.Type == jobType && j.Status == jobdb.Pending && j.ScheduledFor.Before(before) {
			expired = append(expired, *j)
		}
	}
	return expired, nil
}

func (m *memoryStore) RequeueStalledJobs(ctx context.Context, startedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	requeued := 0
	for _, j := range m.jobs {
		if j.Status == jobdb.Processing && j.StartedAt != nil && j.StartedAt.Before(startedBefore) {
			j.Status = jobdb.Pending
			j.StartedAt = nil
			requeued++
		}
	}
	return requeued, nil
}

func (m *memoryStore) GetReservation(ctx context.Context, id string) (*jobdb.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation %s: no rows in result set", id)
	}
	copied := *res
	return &copied, nil
}

func (m *memoryStore) ListConfirmedUnscheduled(ctx context.Context, after time.Time) ([]jobdb.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []jobdb.Reservation
	for _, res := range m.reservations {
		if res.Status == jobdb.ReservationConfirmed && res.StartsAt.After(after) && !res.ReminderScheduled {
			out = append(out, *res)
		}
	}
	slices.SortFunc(out, func(a, b jobdb.Reservation) int {
		return a.StartsAt.Compare(b.StartsAt)
	})
	return out, nil
}

func (m *memoryStore) MarkReminderScheduled(ctx context.Context, id, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if res, ok := m.reservations[id]; ok {
		res.ReminderScheduled = true
		res.ReminderJobID = jobID
	}
	return nil
}

func (m *memoryStore) ClearReminderScheduled(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if res, ok := m.reservations[id]; ok {
		res.ReminderScheduled = false
		res.ReminderJobID = ""
	}
	return nil
}

func (m *memoryStore) putReservation(res *jobdb.Reservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *res
	m.reservations[res.ID] = &copied
}

func (m *memoryStore) job(id string) (jobdb.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return jobdb.Job{}, false
	}
	return *j, true
}

func (m *memoryStore) jobsWithStatus(status jobdb.Status) []jobdb.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []jobdb.Job
	for _, j := range m.jobs {
		if j.Status == status {
			out = append(out, *j)
		}
	}
	return out
}

// stubSender records delivered messages. A positive failures value makes
// that many leading calls fail; a negative value makes every call fail.
type stubSender struct {
	mu       sync.Mutex
	failures int
	sent     []mailer.Email
}

func (s *stubSender) Send(_ context.Context, email mailer.Email) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures != 0 {
		if s.failures > 0 {
			s.failures--
		}
		return errSendFailed
	}
	s.sent = append(s.sent, email)
	return nil
}

func (s *stubSender) recipients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, e := range s.sent {
		out = append(out, e.To)
	}
	return out
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type stubRenderer struct {
	err error
}

func (r *stubRenderer) Render(jobType JobType, payload any) (*RenderedEmail, error) {
	if r.err != nil {
		return nil, r.err
	}
	return &RenderedEmail{
		Subject: "subject " + string(jobType),
		HTML:    "<p>" + string(jobType) + "</p>",
		Text:    string(jobType),
	}, nil
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}
