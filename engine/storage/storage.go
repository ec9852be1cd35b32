// Package storage defines types and primitives for workflow engine storage backends.
package storage

import (
	"context"
	"errors"

	"github.com/assetra/automation/workflow"
)

var (
	// ErrNotFound is returned (possibly wrapped) when a record does not
	// exist for the given tenant.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when appending a history record whose ID is already stored.
	ErrAlreadyExists = errors.New("already exists")

	ErrMissingTenantID = errors.New("missing tenant id")
	ErrMissingID       = errors.New("missing id")
)

// DefinitionStorage stores workflow definitions.
// Definitions are expected to have been validated before they are stored.
type DefinitionStorage interface {
	// StoreDefinition creates or replaces a definition.
	StoreDefinition(ctx context.Context, def *workflow.Definition) error

	// RetrieveDefinition returns ErrNotFound if id does not exist for tenantID.
	RetrieveDefinition(ctx context.Context, tenantID, id string) (*workflow.Definition, error)

	// RetrieveActiveDefinitions returns the active definitions of tenantID
	// subscribed to trigger, ordered by name (then ID).
	RetrieveActiveDefinitions(ctx context.Context, tenantID string, trigger workflow.TriggerType) ([]*workflow.Definition, error)

	// RetrieveTenantsWithTrigger returns the sorted, distinct tenants
	// having at least one active definition subscribed to trigger.
	RetrieveTenantsWithTrigger(ctx context.Context, trigger workflow.TriggerType) ([]string, error)
}

// RunStorage stores workflow runs.
type RunStorage interface {
	// StoreRun creates or replaces a run.
	StoreRun(ctx context.Context, run *workflow.Run) error

	// RetrieveRun returns ErrNotFound if id does not exist for tenantID.
	RetrieveRun(ctx context.Context, tenantID, id string) (*workflow.Run, error)

	// RetrieveRuns returns the runs of tenantID, newest first.
	// An empty status returns runs of any status.
	RetrieveRuns(ctx context.Context, tenantID string, status workflow.RunStatus) ([]*workflow.Run, error)
}

// AssetStorage stores the asset-tracking records workflows read and mutate.
type AssetStorage interface {
	// StoreAsset creates or replaces an asset.
	StoreAsset(ctx context.Context, asset *workflow.Asset) error

	// RetrieveAsset returns ErrNotFound if id does not exist for tenantID.
	RetrieveAsset(ctx context.Context, tenantID, id string) (*workflow.Asset, error)

	// StoreScanEvent creates a scan event.
	StoreScanEvent(ctx context.Context, scan *workflow.ScanEvent) error

	// RetrieveScanEvent returns ErrNotFound if id does not exist for tenantID.
	RetrieveScanEvent(ctx context.Context, tenantID, id string) (*workflow.ScanEvent, error)

	// AppendHistory stores a new history record.
	// History is append-only: ErrAlreadyExists is returned for a duplicate ID.
	AppendHistory(ctx context.Context, rec *workflow.HistoryRecord) error

	// RetrieveHistory returns the history of an asset, oldest first.
	RetrieveHistory(ctx context.Context, tenantID, assetID string) ([]*workflow.HistoryRecord, error)
}

// AllStorage is the storage needed by the workflow engine.
type AllStorage interface {
	DefinitionStorage
	RunStorage
	AssetStorage
}

// CheckKey returns an error if either the tenant or record ID is empty.
func CheckKey(tenantID, id string) error {
	if tenantID == "" {
		return ErrMissingTenantID
	}
	if id == "" {
		return ErrMissingID
	}
	return nil
}
