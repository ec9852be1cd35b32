package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/assetra/automation/dispatcher"
	httpcmd "github.com/assetra/automation/http"
	"github.com/assetra/automation/http/api"
	"github.com/assetra/automation/logkeys"
	"github.com/assetra/automation/webhook"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

var ErrInvalidDeliveryStatus = errors.New("invalid delivery status")

type InboundRecorder interface {
	RecordInbound(ctx context.Context, req *dispatcher.InboundRequest) (*webhook.Delivery, error)
}

type Redispatcher interface {
	Redispatch(ctx context.Context, tenantID, deliveryID string) error
}

// GetDeliveryHandler returns JSON of the delivery in the "id" path parameter.
func GetDeliveryHandler(store APIStorage, logger log.Logger) http.HandlerFunc {
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

		delivery, err := store.RetrieveDelivery(r.Context(), httpcmd.TenantID(r.Context()), id)
		if err != nil {
			logger.Info(logkeys.Message, "retrieving delivery", logkeys.DeliveryID, id, logkeys.Error, err)
			api.JSONError(w, err, errorStatus(err))
			return
		}
		if err = api.JSON(w, delivery, http.StatusOK); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// ListDeliveriesHandler returns JSON of the tenant's deliveries, newest first.
// The optional "status" query parameter filters by delivery status.
func ListDeliveriesHandler(store APIStorage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		if store == nil {
			logger.Info(logkeys.Error, ErrMissingStore)
			api.JSONError(w, ErrMissingStore, 0)
			return
		}

		status := webhook.DeliveryStatus(r.URL.Query().Get("status"))
		if status != "" && !status.Valid() {
			logger.Info(logkeys.Message, "parameters", logkeys.Error, ErrInvalidDeliveryStatus)
			api.JSONError(w, ErrInvalidDeliveryStatus, http.StatusBadRequest)
			return
		}

		deliveries, err := store.RetrieveDeliveries(r.Context(), httpcmd.TenantID(r.Context()), status)
		if err != nil {
			logger.Info(logkeys.Message, "retrieving deliveries", logkeys.Error, err)
			api.JSONError(w, err, errorStatus(err))
			return
		}
		if deliveries == nil {
			deliveries = []*webhook.Delivery{}
		}
		logger.Debug(logkeys.Message, "retrieved deliveries", logkeys.GenericCount, len(deliveries))
		if err = api.JSON(w, deliveries, http.StatusOK); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

// RedispatchHandler makes the next attempt for the pending or failed
// delivery in the "id" path parameter and returns the resulting delivery.
func RedispatchHandler(redispatcher Redispatcher, store APIStorage, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		if redispatcher == nil || store == nil {
			logger.Info(logkeys.Error, ErrMissingDispatcher)
			api.JSONError(w, ErrMissingDispatcher, 0)
			return
		}

		id := flow.Param(r.Context(), "id")
		tenantID := httpcmd.TenantID(r.Context())
		logger = logger.With(logkeys.DeliveryID, id)
		if err := redispatcher.Redispatch(r.Context(), tenantID, id); err != nil {
			logger.Info(logkeys.Message, "redispatching delivery", logkeys.Error, err)
			api.JSONError(w, err, errorStatus(err))
			return
		}

		delivery, err := store.RetrieveDelivery(r.Context(), tenantID, id)
		if err != nil {
			logger.Info(logkeys.Message, "retrieving delivery", logkeys.Error, err)
			api.JSONError(w, err, errorStatus(err))
			return
		}
		logger.Debug(logkeys.Message, "redispatched delivery", "status", delivery.Status)
		if err = api.JSON(w, delivery, http.StatusOK); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}

type inboundRequest struct {
	EndpointID string          `json:"endpoint_id"`
	EventName  string          `json:"event_name"`
	Payload    json.RawMessage `json:"payload"`
}

// InboundHandler accepts a webhook from an external system on behalf of
// one of the tenant's inbound endpoints.
func InboundHandler(recorder InboundRecorder, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := ctxlog.Logger(r.Context(), logger)
		if recorder == nil {
			logger.Info(logkeys.Error, ErrMissingDispatcher)
			api.JSONError(w, ErrMissingDispatcher, 0)
			return
		}

		req := new(inboundRequest)
		if err := api.DecodeJSON(r, req); err != nil {
			logger.Info(logkeys.Message, "decoding inbound webhook", logkeys.Error, err)
			api.JSONError(w, err, http.StatusBadRequest)
			return
		}
		logger = logger.With(logkeys.EndpointID, req.EndpointID)

		delivery, err := recorder.RecordInbound(r.Context(), &dispatcher.InboundRequest{
			TenantID:   httpcmd.TenantID(r.Context()),
			EndpointID: req.EndpointID,
			EventName:  req.EventName,
			Payload:    req.Payload,
		})
		if err != nil {
			logger.Info(logkeys.Message, "recording inbound webhook", logkeys.Error, err)
			api.JSONError(w, err, errorStatus(err))
			return
		}

		resp := &struct {
			DeliveryID string `json:"delivery_id"`
			Status     string `json:"status"`
		}{DeliveryID: delivery.ID, Status: "accepted"}
		if err = api.JSON(w, resp, http.StatusAccepted); err != nil {
			logger.Info(logkeys.Message, "encoding json response", logkeys.Error, err)
		}
	}
}
