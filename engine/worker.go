package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/assetra/automation/engine/storage"
	"github.com/assetra/automation/logkeys"
	"github.com/assetra/automation/workflow"

	"github.com/micromdm/nanolib/log"
)

const DefaultDuration = time.Minute * 5

// TriggerExecutor runs triggered workflows.
type TriggerExecutor interface {
	ExecuteTriggeredWorkflows(ctx context.Context, t *Trigger) ([]string, error)
}

// Worker fires on_time workflows on an interval.
// Each tick runs every active on_time definition of every tenant with no
// asset or scan event in the run context.
type Worker struct {
	executor TriggerExecutor
	storage  storage.DefinitionStorage
	logger   log.Logger
	now      func() time.Time

	// duration is the interval at which the worker will wake up to
	// fire on_time workflows.
	duration time.Duration
}

type WorkerOption func(w *Worker)

func WithWorkerLogger(logger log.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithWorkerDuration configures the firing interval for the worker.
func WithWorkerDuration(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.duration = d
	}
}

// WithWorkerClock sets the time source used for the fired_at context value.
func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		w.now = now
	}
}

func NewWorker(executor TriggerExecutor, storage storage.DefinitionStorage, opts ...WorkerOption) *Worker {
	w := &Worker{
		executor: executor,
		storage:  storage,
		logger:   log.NopLogger,
		now:      time.Now,
		duration: DefaultDuration,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunOnce fires on_time workflows for every tenant that has any.
// Errors for one tenant do not stop the others; the last error is returned.
func (w *Worker) RunOnce(ctx context.Context) error {
	tenants, err := w.storage.RetrieveTenantsWithTrigger(ctx, workflow.TriggerOnTime)
	if err != nil {
		return logAndError(err, w.logger, "retrieving on_time tenants")
	}
	firedAt := w.now().UTC().Format(time.RFC3339)
	var retErr error
	for _, tenant := range tenants {
		logger := w.logger.With(logkeys.TenantID, tenant)
		runIDs, err := w.executor.ExecuteTriggeredWorkflows(ctx, &Trigger{
			TenantID:    tenant,
			TriggerType: workflow.TriggerOnTime,
			Extra:       map[string]interface{}{"fired_at": firedAt},
		})
		if err != nil {
			retErr = fmt.Errorf("tenant %s: %w", tenant, err)
			logger.Info(logkeys.Message, "firing on_time workflows", logkeys.Error, err)
			continue
		}
		logger.Debug(
			logkeys.Message, "fired on_time workflows",
			logkeys.GenericCount, len(runIDs),
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
