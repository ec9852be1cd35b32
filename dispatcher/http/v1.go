// Package http contains HTTP handlers for webhook endpoints and deliveries.
package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/assetra/automation/dispatcher"
	"github.com/assetra/automation/dispatcher/storage"
	"github.com/assetra/automation/webhook"

	"github.com/micromdm/nanolib/log"
)

// APIStorage is the read side of webhook storage used by the API.
type APIStorage interface {
	RetrieveEndpoint(ctx context.Context, tenantID, id string) (*webhook.Endpoint, error)
	RetrieveEndpoints(ctx context.Context, tenantID string, direction webhook.Direction) ([]*webhook.Endpoint, error)
	RetrieveDelivery(ctx context.Context, tenantID, id string) (*webhook.Delivery, error)
	RetrieveDeliveries(ctx context.Context, tenantID string, status webhook.DeliveryStatus) ([]*webhook.Delivery, error)
}

var _ APIStorage = storage.AllStorage(nil)

// APIDispatcher is the webhook dispatcher as used by the API.
type APIDispatcher interface {
	EndpointStorer
	InboundRecorder
	Redispatcher
}

var _ APIDispatcher = (*dispatcher.Dispatcher)(nil)

// Mux can register HTTP handlers.
type Mux interface {
	// Handle registers the handler for the given pattern.
	Handle(pattern string, handler http.Handler, methods ...string)
}

// HandleAPIv1 registers the webhook API handlers into mux.
// API endpoint paths are prepended with prefix.
// Authentication and tenant scoping are assumed to be layered with mux.
func HandleAPIv1(prefix string, mux Mux, logger log.Logger, d APIDispatcher, s APIStorage) {
	// endpoints

	mux.Handle(
		prefix+"/webhooks/endpoints",
		PutEndpointHandler(d, logger.With("handler", "put endpoint")),
		"POST",
	)
	mux.Handle(
		prefix+"/webhooks/endpoints",
		ListEndpointsHandler(s, logger.With("handler", "list endpoints")),
		"GET",
	)
	mux.Handle(
		prefix+"/webhooks/endpoints/:id",
		PutEndpointHandler(d, logger.With("handler", "put endpoint")),
		"PUT",
	)
	mux.Handle(
		prefix+"/webhooks/endpoints/:id",
		GetEndpointHandler(s, logger.With("handler", "get endpoint")),
		"GET",
	)

	// deliveries

	mux.Handle(
		prefix+"/webhooks/deliveries",
		ListDeliveriesHandler(s, logger.With("handler", "list deliveries")),
		"GET",
	)
	mux.Handle(
		prefix+"/webhooks/deliveries/:id",
		GetDeliveryHandler(s, logger.With("handler", "get delivery")),
		"GET",
	)
	mux.Handle(
		prefix+"/webhooks/deliveries/:id/redispatch",
		RedispatchHandler(d, s, logger.With("handler", "redispatch delivery")),
		"POST",
	)

	// inbound

	mux.Handle(
		prefix+"/webhooks/inbound",
		InboundHandler(d, logger.With("handler", "inbound webhook")),
		"POST",
	)
}

var (
	ErrMissingDispatcher = errors.New("missing dispatcher")
	ErrMissingStore      = errors.New("missing store")
	ErrNoID              = errors.New("missing id parameter")
)

// errorStatus maps dispatcher and storage errors to HTTP status codes.
// Zero means an internal error.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatcher.ErrDeliveryTerminal),
		errors.Is(err, dispatcher.ErrNotOutbound):
		return http.StatusConflict
	case errors.Is(err, storage.ErrMissingTenantID),
		errors.Is(err, dispatcher.ErrInvalidDirection),
		errors.Is(err, dispatcher.ErrMissingURL),
		errors.Is(err, dispatcher.ErrInvalidRetryPolicy):
		return http.StatusBadRequest
	}
	return 0
}
