package dispatcher

import (
	"context"
	"time"

	"github.com/assetra/automation/logkeys"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// Scheduler arranges for a pending delivery to be redispatched at a time.
// Implementations are expected to run at most one attempt per delivery at
// a time.
type Scheduler interface {
	ScheduleRetry(ctx context.Context, tenantID, deliveryID string, at time.Time) error
}

// PollScheduler relies on the next attempt time already stored on the
// delivery: a Worker polling for due deliveries performs the redispatch.
type PollScheduler struct {
	logger log.Logger
}

// NewPollScheduler creates a new poll scheduler.
func NewPollScheduler(logger log.Logger) *PollScheduler {
	if logger == nil {
		logger = log.NopLogger
	}
	return &PollScheduler{logger: logger}
}

// ScheduleRetry implements Scheduler. It only logs.
func (s *PollScheduler) ScheduleRetry(ctx context.Context, tenantID, deliveryID string, at time.Time) error {
	ctxlog.Logger(ctx, s.logger).Debug(
		logkeys.Message, "delivery scheduled for polling",
		logkeys.TenantID, tenantID,
		logkeys.DeliveryID, deliveryID,
		logkeys.NextAttempt, at,
	)
	return nil
}
