package dispatcher

import (
	"context"
	"fmt"

	"github.com/assetra/automation/dispatcher/storage"
	"github.com/assetra/automation/logkeys"
	"github.com/assetra/automation/webhook"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

// EventEndpointCreated is sent to an outbound endpoint when it is created.
const EventEndpointCreated = "webhook.created"

// Enqueuer creates pending deliveries.
type Enqueuer interface {
	Enqueue(ctx context.Context, req *Request) (string, error)
}

// Publisher fans events out to the active outbound endpoints of a tenant
// subscribed to them. It can serve as the workflow engine's notifier.
type Publisher struct {
	enqueuer Enqueuer
	storage  storage.EndpointStorage
	logger   log.Logger
}

// NewPublisher creates a new publisher.
func NewPublisher(enqueuer Enqueuer, storage storage.EndpointStorage, logger log.Logger) *Publisher {
	if logger == nil {
		logger = log.NopLogger
	}
	return &Publisher{enqueuer: enqueuer, storage: storage, logger: logger}
}

// Notify enqueues a delivery of event to every subscribed endpoint.
// Enqueue errors for one endpoint do not stop the others; the last error
// is returned.
func (p *Publisher) Notify(ctx context.Context, tenantID, event string, payload map[string]interface{}) error {
	logger := ctxlog.Logger(ctx, p.logger).With(
		logkeys.TenantID, tenantID,
		logkeys.EventName, event,
	)
	endpoints, err := p.storage.RetrieveEndpoints(ctx, tenantID, webhook.DirectionOutbound)
	if err != nil {
		return logAndError(err, logger, "retrieving endpoints")
	}
	var count int
	var retErr error
	for _, endpoint := range endpoints {
		if !endpoint.Active || !endpoint.Subscribed(event) {
			continue
		}
		if _, err = p.enqueuer.Enqueue(ctx, &Request{
			TenantID:   tenantID,
			EndpointID: endpoint.ID,
			EventName:  event,
			Payload:    payload,
		}); err != nil {
			retErr = fmt.Errorf("endpoint %s: %w", endpoint.ID, err)
			continue
		}
		count++
	}
	logger.Debug(
		logkeys.Message, "published event",
		logkeys.GenericCount, count,
	)
	return retErr
}
