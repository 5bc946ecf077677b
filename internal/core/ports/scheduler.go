package ports

import "time"

// SchedulerService schedules the unilateral refund attempt for a swap
// whose cooperative path did not complete before the timeout.
type SchedulerService interface {
	Start()
	Stop()
	ScheduleRefund(at time.Time, refundFunc func()) error
	WhenNextRefund() time.Time
}
