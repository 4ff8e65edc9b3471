package reservamail

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/enigma-dining/reservamail/internal/jobdb"
)

var (
	_ JobHandler = &stalledJobHandler{}
	_ JobHandler = &healthCheckJobHandler{}
)

type HandleFunc = func(ctx context.Context) error

type JobRegister interface {
	Register(handle JobHandler)
}

type JobHandler interface {
	JobMeta
	Handle(ctx context.Context) error
}

type JobMeta interface {
	PeriodicSchedule() string
	Name() string
}

// maintenanceDeps bundles what the periodic handlers touch: the maintenance
// slice of the store, a clock, and the manager's health assessment.
type maintenanceDeps struct {
	store       jobdb.MaintenanceStore
	clock       clockwork.Clock
	healthCheck func(ctx context.Context) (*HealthReport, error)
}

type baseJobHandler struct {
	conf *Config
	deps maintenanceDeps
}

type stalledJobHandler struct {
	baseJobHandler
}

// newStalledJobHandler recovers PROCESSING rows abandoned by a crashed or
// killed worker, returning them to PENDING so the poll loop can re-claim
// them.
func newStalledJobHandler(conf *Config, deps maintenanceDeps) *stalledJobHandler {
	return &stalledJobHandler{
		baseJobHandler: baseJobHandler{conf: conf, deps: deps},
	}
}

func (h *stalledJobHandler) Handle(ctx context.Context) error {
	cutoff := h.deps.clock.Now().Add(-h.conf.StalledAfter)
	requeued, err := h.deps.store.RequeueStalledJobs(ctx, cutoff)
	if err != nil {
		return err
	}
	if requeued > 0 {
		h.conf.Logger.WithField("count", requeued).Warn("requeued stalled email jobs")
	}
	return nil
}

func (h *stalledJobHandler) PeriodicSchedule() string {
	return h.conf.StalledSchedule
}

func (h *stalledJobHandler) Name() string {
	return "Stalled Job Requeue"
}

type healthCheckJobHandler struct {
	baseJobHandler
}

func newHealthCheckJobHandler(conf *Config, deps maintenanceDeps) *healthCheckJobHandler {
	return &healthCheckJobHandler{
		baseJobHandler: baseJobHandler{conf: conf, deps: deps},
	}
}

func (h *healthCheckJobHandler) Handle(ctx context.Context) error {
	report, err := h.deps.healthCheck(ctx)
	if err != nil {
		return err
	}

	fields := logrus.Fields{
		"active_jobs":  report.ActiveJobs,
		"failure_rate": report.FailureRate,
	}
	if report.Status != StatusHealthy {
		h.conf.Logger.WithFields(fields).Warnf("email system health check: %s", report.Status)
	} else {
		h.conf.Logger.WithFields(fields).Info("email system healthy")
	}
	return nil
}

func (h *healthCheckJobHandler) PeriodicSchedule() string {
	return h.conf.HealthSchedule
}

func (h *healthCheckJobHandler) Name() string {
	return "Health Check"
}
