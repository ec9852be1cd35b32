package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/assetra/automation/dispatcher/storage"
	"github.com/assetra/automation/logkeys"

	"github.com/micromdm/nanolib/log"
)

const (
	DefaultWorkerDuration = time.Second * 30
	DefaultWorkerLimit    = 100
)

// Redispatcher makes the next attempt of a pending delivery.
type Redispatcher interface {
	Redispatch(ctx context.Context, tenantID, deliveryID string) error
}

// Worker redispatches due deliveries on an interval.
// Deliveries are attempted one at a time.
type Worker struct {
	redispatcher Redispatcher
	storage      storage.DeliveryStorage
	logger       log.Logger
	now          func() time.Time

	// duration is the interval at which the worker will wake up to
	// poll for due deliveries.
	duration time.Duration

	// limit is the most deliveries attempted per poll.
	limit int
}

type WorkerOption func(w *Worker)

func WithWorkerLogger(logger log.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithWorkerDuration configures the polling interval for the worker.
func WithWorkerDuration(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.duration = d
	}
}

// WithWorkerLimit configures how many deliveries are attempted per poll.
func WithWorkerLimit(limit int) WorkerOption {
	return func(w *Worker) {
		w.limit = limit
	}
}

// WithWorkerClock sets the time source used to find due deliveries.
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		w.now = now
	}
}

func NewWorker(redispatcher Redispatcher, storage storage.DeliveryStorage, opts ...WorkerOption) *Worker {
	w := &Worker{
		redispatcher: redispatcher,
		storage:      storage,
		logger:       log.NopLogger,
		now:          time.Now,
		duration:     DefaultWorkerDuration,
		limit:        DefaultWorkerLimit,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunOnce redispatches the deliveries that are currently due.
// Errors for one delivery do not stop the others; the last error is returned.
func (w *Worker) RunOnce(ctx context.Context) error {
	due, err := w.storage.RetrieveDueDeliveries(ctx, w.now(), w.limit)
	if err != nil {
		return logAndError(err, w.logger, "retrieving due deliveries")
	}
	var retErr error
	for _, delivery := range due {
		if err = w.redispatcher.Redispatch(ctx, delivery.TenantID, delivery.ID); err != nil {
			retErr = fmt.Errorf("delivery %s: %w", delivery.ID, err)
			w.logger.Info(
				logkeys.Message, "redispatching",
				logkeys.TenantID, delivery.TenantID,
				logkeys.DeliveryID, delivery.ID,
				logkeys.Error, err,
			)
		}
	}
	if len(due) > 0 {
		w.logger.Debug(
			logkeys.Message, "redispatched due deliveries",
			logkeys.GenericCount, len(due),
		)
	}
	return retErr
}

// Run starts and runs the worker forever on an interval.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug(logkeys.Message, "starting worker", "duration", w.duration)

	ticker := time.NewTicker(w.duration)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.RunOnce(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
