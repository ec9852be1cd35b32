package http

import (
	"context"
	"net/http"

	"github.com/assetra/automation/engine"
	"github.com/assetra/automation/engine/storage"
	"github.com/assetra/automation/workflow"

	"github.com/micromdm/nanolib/log"
)

// APIStorage is the read side of engine storage used by the API.
type APIStorage interface {
	RetrieveDefinition(ctx context.Context, tenantID, id string) (*workflow.Definition, error)
	RetrieveRun(ctx context.Context, tenantID, id string) (*workflow.Run, error)
	RetrieveRuns(ctx context.Context, tenantID string, status workflow.RunStatus) ([]*workflow.Run, error)
	RetrieveAsset(ctx context.Context, tenantID, id string) (*workflow.Asset, error)
	RetrieveScanEvent(ctx context.Context, tenantID, id string) (*workflow.ScanEvent, error)
}

var _ APIStorage = storage.AllStorage(nil)

// APIEngine is the workflow engine as used by the API.
type APIEngine interface {
	DefinitionStorer
	WorkflowExecutor
	ScanRecorder
	StatusUpdater
}

var _ APIEngine = (*engine.Engine)(nil)

// Mux can register HTTP handlers.
// Ostensibly this supports flow router.
type Mux interface {
	// Handle registers the handler for the given pattern.
	Handle(pattern string, handler http.Handler, methods ...string)
}

// HandleAPIv1 registers the various API handlers into mux.
// API endpoint paths are prepended with prefix.
// Authentication and tenant scoping are not present.
// They are assumed to be layered with mux, possibly at the Handle call.
// The logger is adorned with a "handler" key of the endpoint name.
func HandleAPIv1(prefix string, mux Mux, logger log.Logger, e APIEngine, s APIStorage) {
	// workflow definitions

	mux.Handle(
		prefix+"/workflows",
		PutDefinitionHandler(e, logger.With("handler", "put definition")),
		"POST",
	)
	mux.Handle(
		prefix+"/workflows/:id",
		PutDefinitionHandler(e, logger.With("handler", "put definition")),
		"PUT",
	)
	mux.Handle(
		prefix+"/workflows/:id",
		GetDefinitionHandler(s, logger.With("handler", "get definition")),
		"GET",
	)
	mux.Handle(
		prefix+"/workflows/:id/execute",
		ExecuteHandler(e, s, logger.With("handler", "execute workflow")),
		"POST",
	)

	// workflow runs

	mux.Handle(
		prefix+"/runs",
		ListRunsHandler(s, logger.With("handler", "list runs")),
		"GET",
	)
	mux.Handle(
		prefix+"/runs/:id",
		GetRunHandler(s, logger.With("handler", "get run")),
		"GET",
	)

	// domain events

	mux.Handle(
		prefix+"/events/scan",
		ScanHandler(e, logger.With("handler", "scan event")),
		"POST",
	)
	mux.Handle(
		prefix+"/events/status",
		StatusHandler(e, logger.With("handler", "status event")),
		"POST",
	)
}
