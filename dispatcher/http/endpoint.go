package http

import (
	"context"
	"net/http"

	httpcmd "github.com/assetra/automation/http"
	"github.com/assetra/automation/http/api"
	"github.com/assetra/automation/logkeys"
	"github.com/assetra/automation/webhook"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

type EndpointStorer interface {
	StoreEndpoint(ctx context.Context, endpoint *webhook.Endpoint) (bool, error)
}

// redact returns a copy of endpoint without its signing secret.
func redact(endpoint *webhook.Endpoint) *webhook.Endpoint {
	if endpoint == nil {
		return nil
	}
	e := *endpoint
	e.Secret = ""
	return &e
}

// PutEndpointHandler creates or replaces a webhook endpoint from the JSON body.
// The endpoint ID comes from the "id" path parameter when routed with one.
// Secrets are write-only and never returned.
func PutEndpointHandler(storer EndpointStorer, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		if storer == nil {
			logger.Info(logkeys.Error, ErrMissingDispatcher)
			api.JSONError(w, ErrMissingDispatcher, 0)
			return
		}

		// endpoints are active unless stated otherwise
		endpoint := &webhook.Endpoint{Active: true}
		if err := api.DecodeJSON(r, endpoint); err != nil {
			logger.Info(logkeys.Message, "decoding endpoint", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		endpoint.TenantID = httpcmd.TenantID(r.Context())
		if id := flow.Param(r.Context(), "id"); id != "" {
			endpoint.ID = id
		}

		created, err := storer.StoreEndpoint(r.Context(), endpoint)
		if err != nil {
			logger.Info(logkeys.Message, "storing endpoint", logkeys.EndpointID, endpoint.ID, logkeys.Error, err)
			api.JSONError(w, err, errorStatus(err))
			return
		}

		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		if err = api.JSON(w, redact(endpoint), status); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// GetEndpointHandler returns JSON of the endpoint in the "id" path parameter.
func GetEndpointHandler(store APIStorage, logger log.Logger) http.HandlerFunc {
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

		endpoint, err := store.RetrieveEndpoint(r.Context(), httpcmd.TenantID(r.Context()), id)
		if err != nil {
			logger.Info(logkeys.Message, "retrieving endpoint", logkeys.EndpointID, id, logkeys.Error, err)
			api.JSONError(w, err, errorStatus(err))
			return
		}
		if err = api.JSON(w, redact(endpoint), http.StatusOK); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// ListEndpointsHandler returns JSON of the tenant's endpoints.
// The optional "direction" query parameter filters by direction.
func ListEndpointsHandler(store APIStorage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		if store == nil {
			logger.Info(logkeys.Error, ErrMissingStore)
			api.JSONError(w, ErrMissingStore, 0)
			return
		}

		direction := webhook.Direction(r.URL.Query().Get("direction"))
		endpoints, err := store.RetrieveEndpoints(r.Context(), httpcmd.TenantID(r.Context()), direction)
		if err != nil {
			logger.Info(logkeys.Message, "retrieving endpoints", logkeys.Error, err)
			api.JSONError(w, err, errorStatus(err))
			return
		}
		redacted := make([]*webhook.Endpoint, len(endpoints))
		for i := range endpoints {
			redacted[i] = redact(endpoints[i])
		}
		logger.Debug(logkeys.Message, "retrieved endpoints", logkeys.GenericCount, len(redacted))
		if err = api.JSON(w, redacted, http.StatusOK); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}
