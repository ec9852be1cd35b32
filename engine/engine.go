// Package engine implements the Assetra workflow engine.
//
// The engine selects a tenant's active workflow definitions for a trigger,
// evaluates their entry conditions against a run context and interprets
// their steps in order, recording each execution as a workflow run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/assetra/automation/engine/storage"
	"github.com/assetra/automation/logkeys"
	"github.com/assetra/automation/metrics"
	"github.com/assetra/automation/utils/uuid"
	"github.com/assetra/automation/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	ErrInvalidDefinition = errors.New("invalid workflow definition")
	ErrNilTrigger        = errors.New("nil trigger")
)

// ValidationError carries every problem the definition validator found.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %d problem(s)", ErrInvalidDefinition, len(e.Errors))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidDefinition
}

// Run completion event names sent to the Notifier.
const (
	EventRunCompleted = "workflow.run.completed"
	EventRunFailed    = "workflow.run.failed"
)

// Notifier is told about finished runs.
// Notification failures are logged and never fail a run.
type Notifier interface {
	Notify(ctx context.Context, tenantID, event string, payload map[string]interface{}) error
}

// Engine runs tenant-defined workflows against asset-tracking events.
type Engine struct {
	storage  storage.AllStorage
	notifier Notifier
	metrics  *metrics.Metrics

	logger log.Logger
	ider   uuid.IDer
	now    func() time.Time
}

// Options configure the engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger log.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNotifier sends run completion events to n.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithMetrics records run counts and durations to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithIDer sets the generator for run and history record IDs.
func WithIDer(ider uuid.IDer) Option {
	return func(e *Engine) {
		e.ider = ider
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates a new workflow engine with default configurations.
func New(storage storage.AllStorage, opts ...Option) *Engine {
	engine := &Engine{
		storage: storage,
		logger:  log.NopLogger,
		ider:    uuid.NewUUID(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

func logAndError(err error, logger log.Logger, msg string) error {
	logger.Info(
		logkeys.Message, msg,
		logkeys.Error, err,
	)
	return fmt.Errorf("%s: %w", msg, err)
}

// StoreDefinition validates and stores def.
// A *ValidationError is returned if the validator reports problems; nothing
// is stored in that case. New definitions get an ID and version 1. Replacing
// an existing definition increments its version and keeps its creation time.
func (e *Engine) StoreDefinition(ctx context.Context, def *workflow.Definition) error {
	if errs := def.Validate(); len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	if def.TenantID == "" {
		return storage.ErrMissingTenantID
	}
	now := e.now().UTC()
	def.UpdatedAt = now
	if def.ID == "" {
		def.ID = e.ider.ID()
	}
	prev, err := e.storage.RetrieveDefinition(ctx, def.TenantID, def.ID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		def.Version = 1
		def.CreatedAt = now
	case err != nil:
		return fmt.Errorf("retrieving definition: %w", err)
	default:
		def.Version = prev.Version + 1
		def.CreatedAt = prev.CreatedAt
	}
	if err = e.storage.StoreDefinition(ctx, def); err != nil {
		return fmt.Errorf("storing definition: %w", err)
	}
	ctxlog.Logger(ctx, e.logger).Debug(
		logkeys.Message, "stored definition",
		logkeys.TenantID, def.TenantID,
		logkeys.DefinitionID, def.ID,
		"version", def.Version,
	)
	return nil
}
