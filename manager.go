package reservamail

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/uptrace/bun"

	"github.com/enigma-dining/reservamail/internal/jobdb"
	"github.com/enigma-dining/reservamail/mailer"
	"github.com/enigma-dining/reservamail/migrations"
)

type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusWarning   HealthStatus = "warning"
	StatusUnhealthy HealthStatus = "unhealthy"
)

const (
	uninitialized = iota
	initialized
)

const (
	unhealthyFailureRate = 0.10
	warningFailureRate   = 0.05
	warningActiveJobs    = 100
)

// HealthReport is the manager's periodic assessment of the pipeline.
type HealthReport struct {
	Status      HealthStatus
	ActiveJobs  int
	FailureRate float64
	Queue       QueueStats
	Scheduler   SchedulerStats
	CheckedAt   time.Time
}

// Status is the aggregate exposed to an operational status endpoint.
type Status struct {
	Initialized bool
	Queue       *QueueStats
	Scheduler   *SchedulerStats
	Health      *HealthReport
}

// JobManager supervises the queue and the scheduler as one unit:
// coordinated startup and shutdown, periodic health assessment, and
// stalled-job recovery.
type JobManager struct {
	ctx          context.Context
	conf         *Config
	db           *bun.DB
	queue        *EmailQueue
	scheduler    *ReminderScheduler
	maintenance  jobdb.MaintenanceStore
	processor    *BackgroundJobProcessor
	clock        clockwork.Clock
	log          *logrus.Logger
	state        atomic.Uint32
}

// NewFromConfig bootstraps the full pipeline against the configured
// Postgres DSN and mail transport. The host's composition root should hold
// exactly one JobManager per process.
func NewFromConfig(ctx context.Context, conf *Config) (*JobManager, error) {
	db, err := initializeDB(conf)
	if err != nil {
		return nil, err
	}

	sender, err := mailer.NewSender(conf.Mail)
	if err != nil {
		return nil, err
	}

	m := NewJobManager(ctx, conf,
		jobdb.NewJobStore(db),
		jobdb.NewReservationStore(db),
		jobdb.NewMaintenanceStore(db),
		sender, nil,
		clockwork.NewRealClock(),
	)
	m.db = db
	return m, nil
}

// NewJobManager wires explicitly injected collaborators. This is the
// constructor tests and composition roots with their own storage use.
func NewJobManager(ctx context.Context, conf *Config, jobs jobdb.JobStore, reservations jobdb.ReservationStore, maintenance jobdb.MaintenanceStore, sender mailer.Sender, renderer Renderer, clock clockwork.Clock) *JobManager {
	queue := NewEmailQueue(ctx, conf, jobs, sender, renderer, clock)
	scheduler := NewReminderScheduler(ctx, conf, queue, jobs, reservations, clock)

	return &JobManager{
		ctx:         ctx,
		conf:        conf,
		queue:       queue,
		scheduler:   scheduler,
		maintenance: maintenance,
		clock:       clock,
		log:         conf.Logger,
	}
}

// WithRenderer injects the template layer. Must be set before Initialize.
func (m *JobManager) WithRenderer(renderer Renderer) *JobManager {
	m.queue.renderer = renderer
	return m
}

// Queue exposes the transactional enqueue surface to the application.
func (m *JobManager) Queue() *EmailQueue {
	return m.queue
}

// Scheduler exposes the reminder derivation surface to the application.
func (m *JobManager) Scheduler() *ReminderScheduler {
	return m.scheduler
}

// Initialize starts the queue poll loop, then the scheduler monitor, then
// the periodic maintenance processor, in that order so health checks never
// observe a half-started system. Idempotent: a second call while running is
// a no-op.
func (m *JobManager) Initialize(ctx context.Context) error {
	if m.queue.renderer == nil {
		return errors.New("no template renderer configured, call WithRenderer before Initialize")
	}

	if !m.state.CompareAndSwap(uninitialized, initialized) {
		m.log.Info("job manager already initialized")
		return nil
	}

	if m.db != nil {
		if err := migrations.Migrate(ctx, m.db); err != nil {
			m.state.Store(uninitialized)
			return err
		}
	}

	m.queue.Start()
	m.scheduler.StartMonitoring()

	m.processor = NewBackgroundJobProcessor(m.conf, maintenanceDeps{
		store:       m.maintenance,
		clock:       m.clock,
		healthCheck: m.HealthCheck,
	}, m.clock)
	m.processor.SetUp()
	m.processor.Start()

	m.log.Info("email job processing system initialized")
	return nil
}

// Shutdown stops the three loops in reverse order. It signals and returns:
// in-flight sends finish naturally and are not awaited. Idempotent.
func (m *JobManager) Shutdown() error {
	if !m.state.CompareAndSwap(initialized, uninitialized) {
		m.log.Info("job manager not initialized, nothing to shut down")
		return nil
	}

	if m.processor != nil {
		m.processor.Close()
		m.processor = nil
	}
	m.scheduler.StopMonitoring()
	m.queue.Stop()

	m.log.Info("email job processing system shut down")
	return nil
}

// Restart is a full stop/start cycle.
func (m *JobManager) Restart(ctx context.Context) error {
	m.log.Info("restarting email job processing system")
	if err := m.Shutdown(); err != nil {
		return err
	}
	return m.Initialize(ctx)
}

// EmergencyStop is the Shutdown variant for signal handlers and panic
// recovery paths: sub-errors are logged and swallowed so the process can
// always exit cleanly.
func (m *JobManager) EmergencyStop() {
	m.log.Warn("emergency stop of email job processing system")
	if err := m.Shutdown(); err != nil {
		m.log.WithError(err).Error("error during emergency stop")
	}
}

// HealthCheck computes the three-tier health classification from the
// store's counters.
func (m *JobManager) HealthCheck(ctx context.Context) (*HealthReport, error) {
	queueStats, err := m.queue.Stats(ctx)
	if err != nil {
		return nil, err
	}
	schedulerStats, err := m.scheduler.Stats(ctx)
	if err != nil {
		return nil, err
	}

	activeJobs := queueStats.Pending + queueStats.Processing
	failureRate := 0.0
	if finished := queueStats.Completed + queueStats.Failed; finished > 0 {
		failureRate = float64(queueStats.Failed) / float64(finished)
	}

	return &HealthReport{
		Status:      classifyHealth(activeJobs, failureRate),
		ActiveJobs:  activeJobs,
		FailureRate: failureRate,
		Queue:       *queueStats,
		Scheduler:   *schedulerStats,
		CheckedAt:   m.clock.Now(),
	}, nil
}

func classifyHealth(activeJobs int, failureRate float64) HealthStatus {
	switch {
	case failureRate > unhealthyFailureRate:
		return StatusUnhealthy
	case activeJobs > warningActiveJobs || failureRate > warningFailureRate:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

// GetStatus aggregates everything a status endpoint needs.
func (m *JobManager) GetStatus(ctx context.Context) (*Status, error) {
	status := &Status{Initialized: m.state.Load() == initialized}
	if !status.Initialized {
		return status, nil
	}

	health, err := m.HealthCheck(ctx)
	if err != nil {
		return nil, err
	}
	status.Queue = &health.Queue
	status.Scheduler = &health.Scheduler
	status.Health = health
	return status, nil
}
