package dispatcher

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/assetra/automation/dispatcher/storage"
	"github.com/assetra/automation/logkeys"
	"github.com/assetra/automation/webhook"

	"github.com/micromdm/nanolib/log/ctxlog"
)

// DefaultInboundEvent is the event name of inbound deliveries that do not name one.
const DefaultInboundEvent = "inbound.event"

// InboundRequest is a webhook received from an external system.
type InboundRequest struct {
	TenantID   string
	EndpointID string
	EventName  string
	Payload    interface{}
}

// RecordInbound records an accepted inbound webhook as a successful delivery.
// The endpoint must be an inbound endpoint of the tenant; otherwise a
// storage.ErrNotFound error is returned.
func (d *Dispatcher) RecordInbound(ctx context.Context, req *InboundRequest) (*webhook.Delivery, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	endpoint, err := d.storage.RetrieveEndpoint(ctx, req.TenantID, req.EndpointID)
	if err != nil {
		return nil, err
	}
	if endpoint.Direction != webhook.DirectionInbound {
		return nil, fmt.Errorf("%w: inbound endpoint %s", storage.ErrNotFound, req.EndpointID)
	}
	eventName := req.EventName
	if eventName == "" {
		eventName = DefaultInboundEvent
	}
	payload, err := webhook.CanonicalPayload(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	if bytes.Equal(payload, []byte("null")) {
		payload = []byte("{}")
	}

	now := d.now().UTC()
	delivery := &webhook.Delivery{
		ID:           d.ider.ID(),
		TenantID:     req.TenantID,
		EndpointID:   endpoint.ID,
		EventName:    eventName,
		Payload:      payload,
		Status:       webhook.StatusSuccess,
		ResponseCode: http.StatusAccepted,
		ResponseBody: "accepted",
		DeliveredAt:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err = d.storage.StoreDelivery(ctx, delivery); err != nil {
		return nil, fmt.Errorf("storing delivery: %w", err)
	}
	ctxlog.Logger(ctx, d.logger).Debug(
		logkeys.Message, "recorded inbound webhook",
		logkeys.TenantID, req.TenantID,
		logkeys.EndpointID, endpoint.ID,
		logkeys.DeliveryID, delivery.ID,
		logkeys.EventName, eventName,
	)
	return delivery, nil
}
