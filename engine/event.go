package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/assetra/automation/engine/storage"
	"github.com/assetra/automation/logkeys"
	"github.com/assetra/automation/workflow"

	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	ErrMissingRawValue = errors.New("missing raw value")
	ErrMissingAssetID  = errors.New("missing asset id")
)

// RecordScan stores a scan event and runs the tenant's on_scan workflows.
//
// The scan is decoded and marked validated or rejected before it is stored.
// If the scan references an asset the asset must exist; a scan history
// record is appended for it before workflows run. Workflow failures are
// recorded as failed runs and do not fail the scan.
func (e *Engine) RecordScan(ctx context.Context, scan *workflow.ScanEvent, actorID string) ([]string, error) {
	if scan == nil {
		return nil, errors.New("nil scan event")
	}
	if scan.TenantID == "" {
		return nil, storage.ErrMissingTenantID
	}
	if scan.RawValue == "" {
		return nil, ErrMissingRawValue
	}

	var asset *workflow.Asset
	if scan.AssetID != "" {
		var err error
		if asset, err = e.storage.RetrieveAsset(ctx, scan.TenantID, scan.AssetID); err != nil {
			return nil, fmt.Errorf("retrieving asset: %w", err)
		}
	}

	if scan.ID == "" {
		scan.ID = e.ider.ID()
	}
	if scan.CreatedAt.IsZero() {
		scan.CreatedAt = e.now().UTC()
	}
	scan.Validate(e.now())
	if err := e.storage.StoreScanEvent(ctx, scan); err != nil {
		return nil, fmt.Errorf("storing scan event: %w", err)
	}

	if asset != nil {
		previous := map[string]interface{}{"status": string(asset.Status)}
		next := map[string]interface{}{"status": string(asset.Status), "last_scan": scan.ID}
		if err := e.appendHistory(ctx, asset, workflow.HistoryScan, actorID, previous, next); err != nil {
			return nil, err
		}
	}

	ctxlog.Logger(ctx, e.logger).Debug(
		logkeys.Message, "recorded scan",
		logkeys.TenantID, scan.TenantID,
		logkeys.ScanEventID, scan.ID,
		logkeys.AssetID, scan.AssetID,
		"status", scan.Status,
	)

	return e.ExecuteTriggeredWorkflows(ctx, &Trigger{
		TenantID:    scan.TenantID,
		TriggerType: workflow.TriggerOnScan,
		ActorID:     actorID,
		Asset:       asset,
		ScanEvent:   scan,
		Extra:       map[string]interface{}{workflow.ContextScanEvent: scan.ContextMap()},
	})
}

// StatusChange is a request to change the status of an asset.
type StatusChange struct {
	TenantID   string
	AssetID    string
	Status     workflow.AssetStatus
	LocationID string // optional new location
	ActorID    string
}

// UpdateAssetStatus applies a status change to an asset, records a move
// history record and, if the status actually changed, runs the tenant's
// on_status_change workflows with previous_status and new_status in the
// run context. The updated asset is returned with the created run IDs.
func (e *Engine) UpdateAssetStatus(ctx context.Context, change *StatusChange) (*workflow.Asset, []string, error) {
	if change == nil {
		return nil, nil, errors.New("nil status change")
	}
	if change.AssetID == "" {
		return nil, nil, ErrMissingAssetID
	}
	if !change.Status.Valid() {
		return nil, nil, ErrInvalidAssetStatus
	}
	asset, err := e.storage.RetrieveAsset(ctx, change.TenantID, change.AssetID)
	if err != nil {
		return nil, nil, fmt.Errorf("retrieving asset: %w", err)
	}

	previousStatus := asset.Status
	previous := map[string]interface{}{"status": string(asset.Status), "location": asset.LocationID}
	asset.Status = change.Status
	if change.LocationID != "" {
		asset.LocationID = change.LocationID
	}
	asset.UpdatedAt = e.now().UTC()
	if err = e.storage.StoreAsset(ctx, asset); err != nil {
		return nil, nil, fmt.Errorf("storing asset: %w", err)
	}
	next := map[string]interface{}{"status": string(asset.Status), "location": asset.LocationID}
	if err = e.appendHistory(ctx, asset, workflow.HistoryMove, change.ActorID, previous, next); err != nil {
		return asset, nil, err
	}

	if previousStatus == asset.Status {
		return asset, nil, nil
	}
	runIDs, err := e.ExecuteTriggeredWorkflows(ctx, &Trigger{
		TenantID:    asset.TenantID,
		TriggerType: workflow.TriggerOnStatusChange,
		ActorID:     change.ActorID,
		Asset:       asset,
		Extra: map[string]interface{}{
			"previous_status": string(previousStatus),
			"new_status":      string(asset.Status),
		},
	})
	return asset, runIDs, err
}
