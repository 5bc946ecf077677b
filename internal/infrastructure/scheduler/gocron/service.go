package scheduler

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/tideswap/swapd/internal/core/ports"
)

type service struct {
	scheduler *gocron.Scheduler
	job       *gocron.Job
}

func NewScheduler() ports.SchedulerService {
	svc := gocron.NewScheduler(time.UTC)
	job := gocron.Job{}
	return &service{svc, &job}
}

func (s *service) Start() {
	s.scheduler.StartAsync()
}

func (s *service) Stop() {
	s.scheduler.Stop()
}

// ScheduleRefund runs refundFunc once at the given time, replacing any
// previously scheduled attempt.
func (s *service) ScheduleRefund(at time.Time, refundFunc func()) error {
	delay := time.Until(at)
	if delay < 0 {
		return fmt.Errorf("cannot schedule task in the past")
	}

	s.scheduler.Remove(s.job)

	job, err := s.scheduler.
		Every(int(delay.Seconds()) + 1).Seconds().
		WaitForSchedule().LimitRunsTo(1).
		Do(refundFunc)
	if err != nil {
		return err
	}

	s.job = job

	return nil
}

func (s *service) WhenNextRefund() time.Time {
	return s.job.NextRun()
}
