package reservamail

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	"github.com/enigma-dining/reservamail/internal/jobdb"
)

func newTestQueue(clock clockwork.Clock, opts ...ConfigFunc) (*EmailQueue, *memoryStore, *stubSender) {
	conf := NewConfig(append(opts, WithLogger(testLogger()))...)
	store := newMemoryStore()
	sender := &stubSender{}
	queue := NewEmailQueue(context.Background(), conf, store, sender, &stubRenderer{}, clock)
	return queue, store, sender
}

func samplePayload() *ReservationPayload {
	return &ReservationPayload{
		ReservationID:   "res-1",
		CustomerName:    "Ada Lovelace",
		CustomerEmail:   "ada@example.com",
		ReservationDate: "Friday, 12 September 2025",
		ReservationTime: "19:30",
		PartySize:       4,
		RestaurantName:  "Enigma Dining",
	}
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()

	t.Run("defaults", func(t *testing.T) {
		queue, store, _ := newTestQueue(clock)

		jobID, err := queue.Enqueue(ctx, TypeReservationCreated, "ada@example.com", samplePayload())
		assert.NoError(t, err)
		assert.NotEmpty(t, jobID)

		job, ok := store.job(jobID)
		assert.True(t, ok)
		assert.Equal(t, string(TypeReservationCreated), job.Type)
		assert.Equal(t, "ada@example.com", job.Recipient)
		assert.Equal(t, defaultPriority, job.Priority)
		assert.Equal(t, defaultMaxAttempts, job.MaxAttempts)
		assert.Equal(t, jobdb.Pending, job.Status)
		assert.True(t, job.ScheduledFor.Equal(clock.Now().UTC()))
	})

	t.Run("options and priority clamping", func(t *testing.T) {
		queue, store, _ := newTestQueue(clock)
		at := clock.Now().Add(3 * time.Hour)

		jobID, err := queue.Enqueue(ctx, TypeReservationReminder, "ada@example.com", samplePayload(),
			WithPriority(99),
			WithScheduledFor(at),
			WithMaxAttempts(5),
		)
		assert.NoError(t, err)

		job, _ := store.job(jobID)
		assert.Equal(t, maxPriority, job.Priority)
		assert.Equal(t, 5, job.MaxAttempts)
		assert.True(t, job.ScheduledFor.Equal(at.UTC()))

		jobID, err = queue.Enqueue(ctx, TypeReservationReminder, "ada@example.com", samplePayload(),
			WithPriority(-3),
		)
		assert.NoError(t, err)
		job, _ = store.job(jobID)
		assert.Equal(t, minPriority, job.Priority)
	})

	t.Run("invalid recipient", func(t *testing.T) {
		queue, store, _ := newTestQueue(clock)

		_, err := queue.Enqueue(ctx, TypeReservationCreated, "not-an-address", samplePayload())
		assert.ErrorIs(t, err, ErrInvalidRecipient)
		assert.Empty(t, store.jobsWithStatus(jobdb.Pending))
	})

	t.Run("mismatched payload", func(t *testing.T) {
		queue, _, _ := newTestQueue(clock)

		_, err := queue.Enqueue(ctx, TypeReservationCreated, "ada@example.com", &CustomPayload{Subject: "hi"})
		assert.ErrorIs(t, err, ErrUnknownJobType)
	})

	t.Run("unknown job type", func(t *testing.T) {
		queue, _, _ := newTestQueue(clock)

		_, err := queue.Enqueue(ctx, JobType("carrier_pigeon"), "ada@example.com", samplePayload())
		assert.ErrorIs(t, err, ErrUnknownJobType)
	})

	t.Run("duplicate fingerprint", func(t *testing.T) {
		queue, _, _ := newTestQueue(clock)

		_, err := queue.Enqueue(ctx, TypeReservationReminder, "ada@example.com", samplePayload(),
			withReservation("res-1", jobFingerprint("res-1", TypeReservationReminder)))
		assert.NoError(t, err)

		_, err = queue.Enqueue(ctx, TypeReservationReminder, "ada@example.com", samplePayload(),
			withReservation("res-1", jobFingerprint("res-1", TypeReservationReminder)))
		assert.ErrorIs(t, err, ErrDuplicateJob)
	})
}

func TestProcessBatchDispatchesByPriority(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	queue, _, sender := newTestQueue(clock, WithMaxConcurrent(1))

	payload := samplePayload()
	_, err := queue.Enqueue(ctx, TypeReservationCreated, "low@example.com", payload, WithPriority(3))
	assert.NoError(t, err)
	_, err = queue.Enqueue(ctx, TypeReservationCreated, "high@example.com", payload, WithPriority(9))
	assert.NoError(t, err)
	_, err = queue.Enqueue(ctx, TypeReservationCreated, "mid@example.com", payload, WithPriority(5))
	assert.NoError(t, err)

	// One slot of concurrency, so each pass dispatches exactly the highest
	// priority job still due.
	for i := 1; i <= 3; i++ {
		assert.NoError(t, queue.processBatch(ctx))
		assert.Eventually(t, func() bool {
			return sender.count() == i && queue.inFlight.Load() == 0
		}, time.Second*2, time.Millisecond*10)
	}

	assert.Equal(t, []string{"high@example.com", "mid@example.com", "low@example.com"}, sender.recipients())
}

func TestProcessBatchRespectsConcurrencyBudget(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	queue, store, _ := newTestQueue(clock, WithMaxConcurrent(3), WithBatchSize(5))

	for i := 0; i < 5; i++ {
		_, err := queue.Enqueue(ctx, TypeReservationCreated, "guest@example.com", samplePayload())
		assert.NoError(t, err)
	}

	queue.inFlight.Store(2)
	assert.NoError(t, queue.processBatch(ctx))
	assert.Eventually(t, func() bool {
		return queue.inFlight.Load() == 2
	}, time.Second*2, time.Millisecond*10)
	// Only one slot was free, so only one job left PENDING.
	assert.Len(t, store.jobsWithStatus(jobdb.Pending), 4)

	queue.inFlight.Store(3)
	assert.NoError(t, queue.processBatch(ctx))
	assert.Len(t, store.jobsWithStatus(jobdb.Pending), 4)
	queue.inFlight.Store(0)
}

func TestRetryWithExponentialBackoff(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 9, 12, 10, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	queue, store, sender := newTestQueue(clock, WithRetryBaseDelay(5*time.Second))
	sender.failures = -1

	jobID, err := queue.Enqueue(ctx, TypeReservationCreated, "ada@example.com", samplePayload())
	assert.NoError(t, err)

	assert.NoError(t, queue.processBatch(ctx))
	assert.Eventually(t, func() bool {
		job, _ := store.job(jobID)
		return job.Status == jobdb.Pending && job.Attempts == 1
	}, time.Second*2, time.Millisecond*10)

	job, _ := store.job(jobID)
	assert.True(t, job.ScheduledFor.Equal(start.Add(5*time.Second)))
	assert.Equal(t, errSendFailed.Error(), job.LastError)

	// Not due yet, so a poll at the original instant claims nothing.
	assert.NoError(t, queue.processBatch(ctx))
	job, _ = store.job(jobID)
	assert.Equal(t, jobdb.Pending, job.Status)

	clock.Advance(5 * time.Second)
	assert.NoError(t, queue.processBatch(ctx))
	assert.Eventually(t, func() bool {
		job, _ := store.job(jobID)
		return job.Status == jobdb.Pending && job.Attempts == 2
	}, time.Second*2, time.Millisecond*10)

	// Second delay doubles the first.
	job, _ = store.job(jobID)
	assert.True(t, job.ScheduledFor.Equal(start.Add(5*time.Second+10*time.Second)))

	clock.Advance(10 * time.Second)
	assert.NoError(t, queue.processBatch(ctx))
	assert.Eventually(t, func() bool {
		job, _ := store.job(jobID)
		return job.Status == jobdb.Failed
	}, time.Second*2, time.Millisecond*10)

	job, _ = store.job(jobID)
	assert.Equal(t, defaultMaxAttempts, job.Attempts)
	assert.Equal(t, errSendFailed.Error(), job.LastError)
	assert.NotNil(t, job.FailedAt)
	assert.Zero(t, sender.count())
}

func TestRetryThenSucceed(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	queue, store, sender := newTestQueue(clock)
	sender.failures = 1

	jobID, err := queue.Enqueue(ctx, TypeReservationCreated, "ada@example.com", samplePayload())
	assert.NoError(t, err)

	assert.NoError(t, queue.processBatch(ctx))
	assert.Eventually(t, func() bool {
		job, _ := store.job(jobID)
		return job.Status == jobdb.Pending && job.Attempts == 1
	}, time.Second*2, time.Millisecond*10)

	clock.Advance(5 * time.Second)
	assert.NoError(t, queue.processBatch(ctx))
	assert.Eventually(t, func() bool {
		job, _ := store.job(jobID)
		return job.Status == jobdb.Completed
	}, time.Second*2, time.Millisecond*10)

	job, _ := store.job(jobID)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, 1, sender.count())
}

func TestRenderFailureRidesRetryPath(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	queue, store, _ := newTestQueue(clock)
	queue.renderer = &stubRenderer{err: assert.AnError}

	jobID, err := queue.Enqueue(ctx, TypeReservationCreated, "ada@example.com", samplePayload())
	assert.NoError(t, err)

	assert.NoError(t, queue.processBatch(ctx))
	assert.Eventually(t, func() bool {
		job, _ := store.job(jobID)
		return job.Status == jobdb.Pending && job.Attempts == 1
	}, time.Second*2, time.Millisecond*10)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	queue, store, _ := newTestQueue(clock)

	t.Run("pending job cancels", func(t *testing.T) {
		jobID, err := queue.Enqueue(ctx, TypeReservationReminder, "ada@example.com", samplePayload(),
			WithScheduledFor(clock.Now().Add(time.Hour)))
		assert.NoError(t, err)

		cancelled, err := queue.Cancel(ctx, jobID)
		assert.NoError(t, err)
		assert.True(t, cancelled)

		job, _ := store.job(jobID)
		assert.Equal(t, jobdb.Cancelled, job.Status)
		assert.NotNil(t, job.CancelledAt)

		cancelled, err = queue.Cancel(ctx, jobID)
		assert.NoError(t, err)
		assert.False(t, cancelled)
	})

	t.Run("claimed job does not cancel", func(t *testing.T) {
		jobID, err := queue.Enqueue(ctx, TypeReservationReminder, "eve@example.com", samplePayload())
		assert.NoError(t, err)

		claimed, err := store.ClaimDueJobs(ctx, clock.Now(), 10)
		assert.NoError(t, err)
		assert.NotEmpty(t, claimed)

		cancelled, err := queue.Cancel(ctx, jobID)
		assert.NoError(t, err)
		assert.False(t, cancelled)
	})
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	queue, store, _ := newTestQueue(clock)

	seed := []struct {
		id     string
		status jobdb.Status
	}{
		{"j1", jobdb.Pending},
		{"j2", jobdb.Pending},
		{"j3", jobdb.Processing},
		{"j4", jobdb.Completed},
		{"j5", jobdb.Failed},
		{"j6", jobdb.Cancelled},
	}
	for _, s := range seed {
		assert.NoError(t, store.InsertJob(ctx, &jobdb.Job{
			ID:     s.id,
			Type:   string(TypeReservationCreated),
			Status: s.status,
		}))
	}

	stats, err := queue.Stats(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.Processing)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 0, stats.ActiveJobs)
}

func TestStartStopIdempotent(t *testing.T) {
	clock := clockwork.NewFakeClock()
	queue, _, _ := newTestQueue(clock)

	queue.Start()
	queue.Start()
	assert.Equal(t, uint32(running), queue.state.Load())

	queue.Stop()
	queue.Stop()
	assert.Equal(t, uint32(stopped), queue.state.Load())

	// A stopped queue restarts cleanly.
	queue.Start()
	assert.Equal(t, uint32(running), queue.state.Load())
	queue.Stop()
}
