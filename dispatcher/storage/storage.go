// Package storage defines types and primitives for webhook dispatcher storage backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/assetra/automation/webhook"
)

var (
	// ErrNotFound is returned (possibly wrapped) when a record does not
	// exist for the given tenant.
	ErrNotFound = errors.New("not found")

	ErrMissingTenantID = errors.New("missing tenant id")
	ErrMissingID       = errors.New("missing id")
)

// EndpointStorage stores webhook endpoints.
type EndpointStorage interface {
	// StoreEndpoint creates or replaces an endpoint.
	StoreEndpoint(ctx context.Context, e *webhook.Endpoint) error

	// RetrieveEndpoint returns ErrNotFound if id does not exist for tenantID.
	RetrieveEndpoint(ctx context.Context, tenantID, id string) (*webhook.Endpoint, error)

	// RetrieveEndpoints returns the endpoints of tenantID ordered by name
	// (then ID). An empty direction returns endpoints of both directions.
	RetrieveEndpoints(ctx context.Context, tenantID string, direction webhook.Direction) ([]*webhook.Endpoint, error)
}

// DeliveryStorage stores webhook deliveries.
type DeliveryStorage interface {
	// StoreDelivery creates or replaces a delivery.
	StoreDelivery(ctx context.Context, d *webhook.Delivery) error

	// RetrieveDelivery returns ErrNotFound if id does not exist for tenantID.
	RetrieveDelivery(ctx context.Context, tenantID, id string) (*webhook.Delivery, error)

	// RetrieveDeliveries returns the deliveries of tenantID, newest first.
	// An empty status returns deliveries of any status.
	RetrieveDeliveries(ctx context.Context, tenantID string, status webhook.DeliveryStatus) ([]*webhook.Delivery, error)

	// RetrieveDueDeliveries returns pending deliveries of any tenant whose
	// next attempt is at or before now, earliest first. At most limit
	// deliveries are returned if limit is positive.
	RetrieveDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*webhook.Delivery, error)
}

// AllStorage is the storage needed by the webhook dispatcher.
type AllStorage interface {
	EndpointStorage
	DeliveryStorage
}

// CheckKey returns an error if either the tenant or record ID is empty.
func CheckKey(tenantID, id string) error {
	if tenantID == "" {
		return ErrMissingTenantID
	}
	if id == "" {
		return ErrMissingID
	}
	return nil
}

// Due reports whether d is pending with a next attempt at or before now.
func Due(d *webhook.Delivery, now time.Time) bool {
	return d.Status == webhook.StatusPending && !d.NextAttemptAt.IsZero() && !d.NextAttemptAt.After(now)
}
