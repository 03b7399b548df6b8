// internal/scheduler/scheduler.go
package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/burrow/internal/state"
)

// Job is a named maintenance task run on a cron schedule.
type Job struct {
	Name     string
	Schedule string
	Run      func()
}

// Scheduler runs maintenance jobs for the server.
type Scheduler struct {
	jobs []Job
	cron *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func New(jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs: jobs,
		cron: cron.New(cron.WithParser(cronParser)),
	}
}

// Start registers every job with a schedule and starts the cron ticker. Jobs
// with an invalid schedule are logged and skipped. It returns the number of
// jobs registered.
func (s *Scheduler) Start() int {
	registered := 0
	for _, job := range s.jobs {
		if job.Schedule == "" {
			continue
		}
		_, err := s.cron.AddFunc(job.Schedule, job.Run)
		if err != nil {
			slog.Error("invalid cron schedule", "name", job.Name, "schedule", job.Schedule, "error", err)
			continue
		}
		slog.Info("scheduled job", "name", job.Name, "schedule", job.Schedule)
		registered++
	}

	s.cron.Start()
	return registered
}

// Stop stops the cron ticker and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// EvictionJob drops the in-memory replay buffers of sessions idle for at
// least idle. Evicted sessions reload from storage on next use.
func EvictionJob(log *state.EventLog, schedule string, idle time.Duration) Job {
	return Job{
		Name:     "evict-idle-sessions",
		Schedule: schedule,
		Run: func() {
			if n := log.EvictIdle(idle); n > 0 {
				slog.Info("evicted idle sessions", "count", n, "resident", log.Resident())
			}
		},
	}
}
