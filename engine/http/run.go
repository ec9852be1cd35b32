package http

import (
	"errors"
	"net/http"

	httpcmd "github.com/assetra/automation/http"
	"github.com/assetra/automation/http/api"
	"github.com/assetra/automation/logkeys"
	"github.com/assetra/automation/workflow"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var ErrInvalidRunStatus = errors.New("invalid run status")

// GetRunHandler returns JSON of the run in the "id" path parameter.
func GetRunHandler(store APIStorage, logger log.Logger) http.HandlerFunc {
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

		run, err := store.RetrieveRun(r.Context(), httpcmd.TenantID(r.Context()), id)
		if err != nil {
			logger.Info(logkeys.Message, "retrieving run", logkeys.RunID, id, logkeys.Error, err)
			api.JSONError(w, err, errorStatus(err))
			return
		}
		if err = api.JSON(w, run, http.StatusOK); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// ListRunsHandler returns JSON of the tenant's runs, newest first.
// The optional "status" query parameter filters by run status.
func ListRunsHandler(store APIStorage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		if store == nil {
			logger.Info(logkeys.Error, ErrMissingStore)
			api.JSONError(w, ErrMissingStore, 0)
			return
		}

		status := workflow.RunStatus(r.URL.Query().Get("status"))
		if status != "" && !status.Valid() {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, ErrInvalidRunStatus)
			api.JSONError(w, ErrInvalidRunStatus, http.StatusBadRequest)
			return
		}

		runs, err := store.RetrieveRuns(r.Context(), httpcmd.TenantID(r.Context()), status)
		if err != nil {
			logger.Info(logkeys.Message, "retrieving runs", logkeys.Error, err)
			api.JSONError(w, err, errorStatus(err))
			return
		}
		if runs == nil {
			runs = []*workflow.Run{}
		}
		logger.Debug(logkeys.Message, "retrieved runs", logkeys.GenericCount, len(runs))
		if err = api.JSON(w, runs, http.StatusOK); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}
