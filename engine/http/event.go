package http

import (
	"context"
	"net/http"

	"github.com/assetra/automation/engine"
	httpcmd "github.com/assetra/automation/http"
	"github.com/assetra/automation/http/api"
	"github.com/assetra/automation/logkeys"
	"github.com/assetra/automation/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

type ScanRecorder interface {
	RecordScan(ctx context.Context, scan *workflow.ScanEvent, actorID string) ([]string, error)
}

type StatusUpdater interface {
	UpdateAssetStatus(ctx context.Context, change *engine.StatusChange) (*workflow.Asset, []string, error)
}

// ScanHandler records a scan event from the JSON body and runs the
// tenant's on_scan workflows.
func ScanHandler(recorder ScanRecorder, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		if recorder == nil {
			logger.Info(logkeys.Error, ErrMissingEngine)
			api.JSONError(w, ErrMissingEngine, 0)
			return
		}

		scan := new(workflow.ScanEvent)
		if err := api.DecodeJSON(r, scan); err != nil {
			logger.Info(logkeys.Message, "decoding scan event", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		// identity is assigned by the engine and scope by the request
		scan.ID = ""
		scan.TenantID = httpcmd.TenantID(r.Context())

		runIDs, err := recorder.RecordScan(r.Context(), scan, r.Header.Get(httpcmd.ActorHeader))
		if err != nil {
			logger.Info(logkeys.Message, "recording scan", logkeys.Error, err)
			api.JSONError(w, err, errorStatus(err))
			return
		}
		if runIDs == nil {
			runIDs = []string{}
		}

		logger.Debug(
			logkeys.Message, "recorded scan",
			logkeys.ScanEventID, scan.ID,
			logkeys.GenericCount, len(runIDs),
		)
		resp := &struct {
			ScanEvent *workflow.ScanEvent `json:"scan_event"`
			RunIDs    []string            `json:"run_ids"`
		}{ScanEvent: scan, RunIDs: runIDs}
		if err = api.JSON(w, resp, http.StatusCreated); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

type statusRequest struct {
	AssetID    string               `json:"asset_id"`
	Status     workflow.AssetStatus `json:"status"`
	LocationID string               `json:"location_id"`
}

// StatusHandler changes the status of an asset from the JSON body and
// runs the tenant's on_status_change workflows.
func StatusHandler(updater StatusUpdater, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		if updater == nil {
			logger.Info(logkeys.Error, ErrMissingEngine)
			api.JSONError(w, ErrMissingEngine, 0)
			return
		}

		req := new(statusRequest)
		if err := api.DecodeJSON(r, req); err != nil {
			logger.Info(logkeys.Message, "decoding status change", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		logger = logger.With(logkeys.AssetID, req.AssetID)

		asset, runIDs, err := updater.UpdateAssetStatus(r.Context(), &engine.StatusChange{
			TenantID:   httpcmd.TenantID(r.Context()),
			AssetID:    req.AssetID,
			Status:     req.Status,
			LocationID: req.LocationID,
			ActorID:    r.Header.Get(httpcmd.ActorHeader),
		})
		if err != nil {
			logger.Info(logkeys.Message, "updating asset status", logkeys.Error, err)
			api.JSONError(w, err, errorStatus(err))
			return
		}
		if runIDs == nil {
			runIDs = []string{}
		}

		logger.Debug(logkeys.Message, "updated asset status", logkeys.GenericCount, len(runIDs))
		resp := &struct {
			Asset  *workflow.Asset `json:"asset"`
			RunIDs []string        `json:"run_ids"`
		}{Asset: asset, RunIDs: runIDs}
		if err = api.JSON(w, resp, http.StatusOK); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}
