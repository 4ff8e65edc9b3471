package reservamail

import (
	"crypto/tls"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/enigma-dining/reservamail/mailer"
)

// RestaurantInfo is the contact block stamped into every payload snapshot so
// messages render without further lookups at send time.
type RestaurantInfo struct {
	Name    string
	Email   string
	Phone   string
	BaseURL string
}

type Config struct {
	///////////////////////
	// EMAIL QUEUE SECTION //
	///////////////////////

	// Interval between poll cycles while the queue is idle or healthy.
	PollInterval time.Duration

	// Backoff applied after an unexpected poll-level error before retrying
	// the poll itself.
	ErrorBackoff time.Duration

	// Upper bound on rows fetched per poll cycle.
	BatchSize int

	// Upper bound on simultaneous in-flight sends.
	MaxConcurrent int

	// Sends permitted per rolling 60-second window, across all workers.
	// The default reflects the Titan.email published limit.
	RateLimit int

	// Base delay for exponential retry backoff: base * 2^(attempts-1).
	RetryBaseDelay time.Duration

	/////////////////////
	// SCHEDULER SECTION //
	/////////////////////

	// How far before the reservation moment the reminder fires.
	ReminderLead time.Duration

	// How long after the reservation end the review request fires.
	ReviewDelay time.Duration

	// Interval of the reconciliation sweep and expiry cleanup.
	MonitorInterval time.Duration

	///////////////////////
	// MAINTENANCE SECTION //
	///////////////////////

	// Crontab schedule of the periodic health assessment.
	HealthSchedule string

	// Crontab schedule of the stalled-job requeue pass.
	StalledSchedule string

	// Age past which a PROCESSING row is considered stalled and requeued.
	StalledAfter time.Duration

	/////////////////////
	// GENERAL SECTION //
	/////////////////////

	Restaurant RestaurantInfo

	Mail mailer.Config

	DSN string

	TLSConfig *tls.Config

	// Verbose attaches a query hook that logs every SQL statement.
	Verbose bool

	Logger *logrus.Logger
}

type ConfigFunc func(c *Config)

func NewConfig(opts ...ConfigFunc) *Config {
	c := &Config{
		PollInterval:    time.Second,
		ErrorBackoff:    5 * time.Second,
		BatchSize:       5,
		MaxConcurrent:   3,
		RateLimit:       30,
		RetryBaseDelay:  5 * time.Second,
		ReminderLead:    12 * time.Hour,
		ReviewDelay:     2 * time.Hour,
		MonitorInterval: time.Minute,
		HealthSchedule:  "*/5 * * * *",
		StalledSchedule: "*/5 * * * *",
		StalledAfter:    5 * time.Minute,
		Logger:          logrus.StandardLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func WithPollInterval(interval time.Duration) ConfigFunc {
	return func(c *Config) {
		c.PollInterval = interval
	}
}

func WithErrorBackoff(backoff time.Duration) ConfigFunc {
	return func(c *Config) {
		c.ErrorBackoff = backoff
	}
}

func WithBatchSize(size int) ConfigFunc {
	return func(c *Config) {
		c.BatchSize = size
	}
}

func WithMaxConcurrent(n int) ConfigFunc {
	return func(c *Config) {
		c.MaxConcurrent = n
	}
}

func WithRateLimit(perMinute int) ConfigFunc {
	return func(c *Config) {
		c.RateLimit = perMinute
	}
}

func WithRetryBaseDelay(delay time.Duration) ConfigFunc {
	return func(c *Config) {
		c.RetryBaseDelay = delay
	}
}

func WithReminderLead(lead time.Duration) ConfigFunc {
	return func(c *Config) {
		c.ReminderLead = lead
	}
}

func WithReviewDelay(delay time.Duration) ConfigFunc {
	return func(c *Config) {
		c.ReviewDelay = delay
	}
}

func WithMonitorInterval(interval time.Duration) ConfigFunc {
	return func(c *Config) {
		c.MonitorInterval = interval
	}
}

func WithStalledAfter(age time.Duration) ConfigFunc {
	return func(c *Config) {
		c.StalledAfter = age
	}
}

func WithRestaurant(info RestaurantInfo) ConfigFunc {
	return func(c *Config) {
		c.Restaurant = info
	}
}

func WithMailConfig(mail mailer.Config) ConfigFunc {
	return func(c *Config) {
		c.Mail = mail
	}
}

func WithDSN(dsn string) ConfigFunc {
	return func(c *Config) {
		c.DSN = dsn
	}
}

func WithTLSConfig(tlsConfig *tls.Config) ConfigFunc {
	return func(c *Config) {
		c.TLSConfig = tlsConfig
	}
}

func WithVerbose(verbose bool) ConfigFunc {
	return func(c *Config) {
		c.Verbose = verbose
	}
}

func WithLogger(logger *logrus.Logger) ConfigFunc {
	return func(c *Config) {
		c.Logger = logger
	}
}
