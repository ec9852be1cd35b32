// Package http contains HTTP handlers that work with the workflow engine.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/assetra/automation/engine"
	"github.com/assetra/automation/engine/storage"
	httpcmd "github.com/assetra/automation/http"
	"github.com/assetra/automation/http/api"
	"github.com/assetra/automation/logkeys"
	"github.com/assetra/automation/workflow"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	ErrMissingEngine  = errors.New("missing engine")
	ErrMissingStore   = errors.New("missing store")
	ErrNoID           = errors.New("missing id parameter")
	ErrAssetNotFound  = errors.New("asset not found")
	ErrScanNotFound   = errors.New("scan event not found")
	ErrInvalidRequest = errors.New("invalid request body")
)

type DefinitionStorer interface {
	StoreDefinition(ctx context.Context, def *workflow.Definition) error
}

type WorkflowExecutor interface {
	ExecuteTriggeredWorkflows(ctx context.Context, t *engine.Trigger) ([]string, error)
	DryRunWorkflow(ctx context.Context, def *workflow.Definition, t *engine.Trigger) (*engine.DryRunResult, error)
}

// errorStatus maps engine and storage errors to HTTP status codes.
// Zero means an internal error.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrMissingTenantID),
		errors.Is(err, engine.ErrMissingRawValue),
		errors.Is(err, engine.ErrMissingAssetID),
		errors.Is(err, engine.ErrInvalidAssetStatus):
		return http.StatusBadRequest
	}
	return 0
}

// decodeDefinition validates the generic form of body and then decodes it.
// Validation messages are returned separately from decoding errors.
func decodeDefinition(body []byte) (*workflow.Definition, []string, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	triggerType, _ := raw["trigger_type"].(string)
	conditions, ok := raw["entry_conditions"]
	if !ok || conditions == nil {
		conditions = map[string]interface{}{}
	}
	if errs := workflow.ValidateDefinition(triggerType, conditions, raw["steps"]); len(errs) > 0 {
		return nil, errs, nil
	}

	// definitions are active unless stated otherwise
	def := &workflow.Definition{Active: true}
	if err := json.Unmarshal(body, def); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return def, nil, nil
}

// PutDefinitionHandler validates and stores a workflow definition.
// The definition ID comes from the "id" path parameter when routed with
// one, otherwise from the body; a missing ID creates a new definition.
func PutDefinitionHandler(storer DefinitionStorer, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		if storer == nil {
			logger.Info(logkeys.Error, ErrMissingEngine)
			api.JSONError(w, ErrMissingEngine, 0)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, api.MaxBodySize))
		if err != nil {
			logger.Info(logkeys.Message, "reading body", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		def, errs, err := decodeDefinition(body)
		if err != nil {
			logger.Info(logkeys.Message, "decoding definition", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		} else if len(errs) > 0 {
			logger.Debug(logkeys.Message, "invalid definition", logkeys.GenericCount, len(errs))
			api.JSONErrors(w, errs)
			return
		}

		def.TenantID = httpcmd.TenantID(r.Context())
		if id := flow.Param(r.Context(), "id"); id != "" {
			def.ID = id
		}
		err = storer.StoreDefinition(r.Context(), def)
		var verr *engine.ValidationError
		if errors.As(err, &verr) {
			api.JSONErrors(w, verr.Errors)
			return
		} else if err != nil {
			logger.Info(logkeys.Message, "storing definition", logkeys.Error, err)
			api.JSONError(w, err, errorStatus(err))
			return
		}

		logger.Debug(
			logkeys.Message, "stored definition",
			logkeys.DefinitionID, def.ID,
			"version", def.Version,
		)
		status := http.StatusOK
		if def.Version == 1 {
			status = http.StatusCreated
		}
		if err = api.JSON(w, def, status); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// GetDefinitionHandler returns JSON of the definition in the "id" path parameter.
func GetDefinitionHandler(store APIStorage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		if store == nil {
			logger.Info(logkeys.Error, ErrMissingStore)
			api.JSONError(w, ErrMissingStore, 0)
			return
		}

		id := flow.Param(r.Context(), "id")
		if id == "" {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, ErrNoID)
			api.JSONError(w, ErrNoID, http.StatusBadRequest)
			return
		}
		logger = logger.With(logkeys.DefinitionID, id)

		def, err := store.RetrieveDefinition(r.Context(), httpcmd.TenantID(r.Context()), id)
		if err != nil {
			logger.Info(logkeys.Message, "retrieving definition", logkeys.Error, err)
			api.JSONError(w, err, errorStatus(err))
			return
		}
		if err = api.JSON(w, def, http.StatusOK); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

type executeRequest struct {
	DryRun      bool                   `json:"dry_run"`
	Force       bool                   `json:"force"`
	AssetID     string                 `json:"asset_id"`
	ScanEventID string                 `json:"scan_event_id"`
	Context     map[string]interface{} `json:"context"`
}

// ExecuteHandler runs, or previews with dry_run, the definition in the
// "id" path parameter against an optional asset and scan event.
func ExecuteHandler(executor WorkflowExecutor, store APIStorage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		if executor == nil || store == nil {
			logger.Info(logkeys.Error, ErrMissingEngine)
			api.JSONError(w, ErrMissingEngine, 0)
			return
		}

		req := new(executeRequest)
		if err := api.DecodeJSON(r, req); err != nil && !errors.Is(err, api.ErrEmptyBody) {
			logger.Info(logkeys.Message, "decoding request", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}

		tenantID := httpcmd.TenantID(r.Context())
		id := flow.Param(r.Context(), "id")
		logger = logger.With(logkeys.DefinitionID, id)
		def, err := store.RetrieveDefinition(r.Context(), tenantID, id)
		if err != nil {
			logger.Info(logkeys.Message, "retrieving definition", logkeys.Error, err)
			api.JSONError(w, err, errorStatus(err))
			return
		}

		t := &engine.Trigger{
			TenantID:     tenantID,
			TriggerType:  def.TriggerType,
			ActorID:      r.Header.Get(httpcmd.ActorHeader),
			Extra:        req.Context,
			DefinitionID: def.ID,
			Force:        req.Force,
		}
		if req.AssetID != "" {
			if t.Asset, err = store.RetrieveAsset(r.Context(), tenantID, req.AssetID); errors.Is(err, storage.ErrNotFound) {
				api.JSONError(w, ErrAssetNotFound, http.StatusNotFound)
				return
			} else if err != nil {
				logger.Info(logkeys.Message, "retrieving asset", logkeys.Error, err)
				api.JSONError(w, err, 0)
				return
			}
		}
		if req.ScanEventID != "" {
			if t.ScanEvent, err = store.RetrieveScanEvent(r.Context(), tenantID, req.ScanEventID); errors.Is(err, storage.ErrNotFound) {
				api.JSONError(w, ErrScanNotFound, http.StatusNotFound)
				return
			} else if err != nil {
				logger.Info(logkeys.Message, "retrieving scan event", logkeys.Error, err)
				api.JSONError(w, err, 0)
				return
			}
		}

		if req.DryRun {
			preview, err := executor.DryRunWorkflow(r.Context(), def, t)
			if err != nil {
				logger.Info(logkeys.Message, "dry run", logkeys.Error, err)
				api.JSONError(w, err, 0)
				return
			}
			resp := &struct {
				DryRun  bool                 `json:"dry_run"`
				Preview *engine.DryRunResult `json:"preview"`
			}{DryRun: true, Preview: preview}
			if err = api.JSON(w, resp, http.StatusOK); err != nil {
				logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
			}
			return
		}

		runIDs, err := executor.ExecuteTriggeredWorkflows(r.Context(), t)
		if err != nil {
			logger.Info(logkeys.Message, "executing workflow", logkeys.Error, err)
			api.JSONError(w, err, 0)
			return
		}
		runs := make([]*workflow.Run, 0, len(runIDs))
		for _, runID := range runIDs {
			run, err := store.RetrieveRun(r.Context(), tenantID, runID)
			if err != nil {
				logger.Info(logkeys.Message, "retrieving run", logkeys.RunID, runID, logkeys.Error, err)
				api.JSONError(w, err, 0)
				return
			}
			runs = append(runs, run)
		}
		// newest first
		sort.Slice(runs, func(i, j int) bool { return runs[i].ID > runs[j].ID })

		logger.Debug(logkeys.Message, "executed workflow", logkeys.GenericCount, len(runs))
		resp := &struct {
			RunCount int             `json:"run_count"`
			Runs     []*workflow.Run `json:"runs"`
		}{RunCount: len(runIDs), Runs: runs}
		if err = api.JSON(w, resp, http.StatusOK); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}
