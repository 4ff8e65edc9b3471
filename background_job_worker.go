package reservamail

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const executorCount = 2

type JobScheduler interface {
	SetUp()
	Start()
	Close()
}

var (
	_ JobRegister  = &BackgroundJobProcessor{}
	_ JobScheduler = &BackgroundJobProcessor{}
)

// BackgroundJobProcessor runs the pipeline's periodic maintenance work
// (stalled-job requeueing and health assessment) on crontab schedules. One
// orchestrator goroutine tracks fire times in a min-heap; a small pool of
// executors runs the handlers.
type BackgroundJobProcessor struct {
	baseJobHandler
	registeredJobs map[string]HandleFunc
	jobMetas       []JobMeta
	jobsChan       chan string
	clock          clockwork.Clock
	log            *logrus.Logger
	shutdown       chan struct{}
}

type cronJobScheduler struct {
	meta      JobMeta
	schedule  cron.Schedule
	nextRunAt time.Time
}

func NewBackgroundJobProcessor(conf *Config, deps maintenanceDeps, clock clockwork.Clock) *BackgroundJobProcessor {
	return &BackgroundJobProcessor{
		baseJobHandler: baseJobHandler{conf: conf, deps: deps},
		registeredJobs: make(map[string]HandleFunc),
		jobMetas:       make([]JobMeta, 0),
		jobsChan:       make(chan string),
		clock:          clock,
		log:            conf.Logger,
		shutdown:       make(chan struct{}),
	}
}

func (b *BackgroundJobProcessor) SetUp() {
	handlers := []JobHandler{
		newStalledJobHandler(b.conf, b.deps),
		newHealthCheckJobHandler(b.conf, b.deps),
	}

	for _, j := range handlers {
		b.Register(j)
	}
}

func (b *BackgroundJobProcessor) Register(handle JobHandler) {
	handleFunc := func(ctx context.Context) error {
		return handle.Handle(ctx)
	}
	b.registeredJobs[handle.Name()] = handleFunc
	b.jobMetas = append(b.jobMetas, handle)
}

func (b *BackgroundJobProcessor) Start() {
	go b.cronJobOrchestrator()

	for range executorCount {
		go b.cronJobExecutor()
	}
}

func (b *BackgroundJobProcessor) Close() {
	close(b.shutdown)
}

func (b *BackgroundJobProcessor) cronJobOrchestrator() {
	queue := NewJobSchedulerQueue()
	for _, j := range b.jobMetas {
		schedule, err := cron.ParseStandard(j.PeriodicSchedule())
		if err != nil {
			b.log.WithFields(logrus.Fields{
				"job":      j.Name(),
				"schedule": j.PeriodicSchedule(),
			}).Error("unable to parse crontab schedule")
			continue
		}
		queue.Push(&cronJobScheduler{
			meta:      j,
			schedule:  schedule,
			nextRunAt: schedule.Next(b.clock.Now()),
		})
	}

	for queue.Len() > 0 {
		next := queue.Peek()
		dur := next.nextRunAt.Sub(b.clock.Now())
		// in case of negative make sure the wait just fires right away, the
		// cron is already ready for a next run.
		if dur < 0 {
			dur = time.Millisecond * 100
		}
		select {
		case <-b.shutdown:
			return
		case <-b.clock.After(dur):
		}

		// more than one cron can be overdue by now; drain every ready entry
		// before waiting again.
		now := b.clock.Now()
		for queue.Len() > 0 && !queue.Peek().nextRunAt.After(now) {
			ready := queue.Pop()
			ready.nextRunAt = ready.schedule.Next(now)
			select {
			case <-b.shutdown:
				return
			case b.jobsChan <- ready.meta.Name():
			}
			queue.Push(ready)
		}
	}
}

func (b *BackgroundJobProcessor) cronJobExecutor() {
	for {
		select {
		case <-b.shutdown:
			return
		case cronName := <-b.jobsChan:
			ctx, cancel := context.WithTimeout(context.Background(), time.Second*15)
			handler := b.registeredJobs[cronName]
			if err := handler(ctx); err != nil {
				b.log.WithField("job", cronName).WithError(err).Error("periodic job failed")
			}
			cancel()
		}
	}
}
