package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/assetra/automation/dispatcher/storage"
	"github.com/assetra/automation/logkeys"
	"github.com/assetra/automation/webhook"

	"github.com/micromdm/nanolib/log/ctxlog"
)

var (
	ErrInvalidDirection = errors.New("invalid endpoint direction")
	ErrMissingURL       = errors.New("outbound endpoint requires url")
)

// StoreEndpoint creates or replaces an endpoint and reports whether it was
// created. An endpoint without an ID is assigned one. Creating an outbound
// endpoint enqueues an EventEndpointCreated delivery to it.
func (d *Dispatcher) StoreEndpoint(ctx context.Context, endpoint *webhook.Endpoint) (bool, error) {
	if endpoint == nil {
		return false, errors.New("nil endpoint")
	}
	if endpoint.TenantID == "" {
		return false, storage.ErrMissingTenantID
	}
	if !endpoint.Direction.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidDirection, endpoint.Direction)
	}
	if endpoint.Direction == webhook.DirectionOutbound && endpoint.URL == "" {
		return false, ErrMissingURL
	}

	now := d.now().UTC()
	if endpoint.ID == "" {
		endpoint.ID = d.ider.ID()
	}
	prev, err := d.storage.RetrieveEndpoint(ctx, endpoint.TenantID, endpoint.ID)
	created := errors.Is(err, storage.ErrNotFound)
	if err != nil && !created {
		return false, fmt.Errorf("retrieving endpoint: %w", err)
	}
	if created {
		endpoint.CreatedAt = now
	} else {
		endpoint.CreatedAt = prev.CreatedAt
		endpoint.LastDeliveryAt = prev.LastDeliveryAt
	}
	endpoint.UpdatedAt = now
	if err = d.storage.StoreEndpoint(ctx, endpoint); err != nil {
		return false, fmt.Errorf("storing endpoint: %w", err)
	}

	logger := ctxlog.Logger(ctx, d.logger).With(
		logkeys.TenantID, endpoint.TenantID,
		logkeys.EndpointID, endpoint.ID,
	)
	logger.Debug(logkeys.Message, "stored endpoint", "created", created)
	if !created || endpoint.Direction != webhook.DirectionOutbound {
		return created, nil
	}
	_, err = d.Enqueue(ctx, &Request{
		TenantID:   endpoint.TenantID,
		EndpointID: endpoint.ID,
		EventName:  EventEndpointCreated,
		Payload:    map[string]interface{}{"endpoint_id": endpoint.ID},
	})
	if err != nil {
		return created, logAndError(err, logger, "enqueueing endpoint created event")
	}
	return created, nil
}
