// Package kv implements a webhook dispatcher storage backend using a key-value interface.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/assetra/automation/dispatcher/storage"
	"github.com/assetra/automation/webhook"

	"github.com/micromdm/nanolib/storage/kv"
)

// KV is a webhook dispatcher storage backend using a key-value interface.
// Records are JSON encoded and keyed by tenant ID and record ID.
type KV struct {
	mu            sync.RWMutex
	endpointStore kv.KeysPrefixTraversingBucket
	deliveryStore kv.KeysPrefixTraversingBucket
}

// New creates a new key-value webhook dispatcher storage backend.
func New(endpointStore, deliveryStore kv.KeysPrefixTraversingBucket) *KV {
	return &KV{
		endpointStore: endpointStore,
		deliveryStore: deliveryStore,
	}
}

const keySep = "."

func key(tenantID, id string) string {
	return tenantID + keySep + id
}

func get(ctx context.Context, b kv.ROBucket, tenantID, id string, v interface{}) error {
	if err := storage.CheckKey(tenantID, id); err != nil {
		return err
	}
	err := getJSON(ctx, b, key(tenantID, id), v)
	if errors.Is(err, kv.ErrKeyNotFound) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	return err
}

// StoreEndpoint implements the storage interface method.
func (s *KV) StoreEndpoint(ctx context.Context, e *webhook.Endpoint) error {
	if e == nil {
		return errors.New("nil endpoint")
	}
	if err := storage.CheckKey(e.TenantID, e.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return setJSON(ctx, s.endpointStore, key(e.TenantID, e.ID), e)
}

// RetrieveEndpoint implements the storage interface method.
func (s *KV) RetrieveEndpoint(ctx context.Context, tenantID, id string) (*webhook.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := new(webhook.Endpoint)
	if err := get(ctx, s.endpointStore, tenantID, id, e); err != nil {
		return nil, err
	}
	return e, nil
}

// RetrieveEndpoints implements the storage interface method.
func (s *KV) RetrieveEndpoints(ctx context.Context, tenantID string, direction webhook.Direction) ([]*webhook.Endpoint, error) {
	if tenantID == "" {
		return nil, storage.ErrMissingTenantID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var endpoints []*webhook.Endpoint
	for _, k := range keysPrefix(ctx, s.endpointStore, tenantID+keySep) {
		e := new(webhook.Endpoint)
		if err := getJSON(ctx, s.endpointStore, k, e); err != nil {
			return nil, fmt.Errorf("reading endpoint: %w", err)
		}
		if e.TenantID == tenantID && (direction == "" || e.Direction == direction) {
			endpoints = append(endpoints, e)
		}
	}
	sort.SliceStable(endpoints, func(i, j int) bool {
		if endpoints[i].Name == endpoints[j].Name {
			return endpoints[i].ID < endpoints[j].ID
		}
		return endpoints[i].Name < endpoints[j].Name
	})
	return endpoints, nil
}

// StoreDelivery implements the storage interface method.
func (s *KV) StoreDelivery(ctx context.Context, d *webhook.Delivery) error {
	if d == nil {
		return errors.New("nil delivery")
	}
	if err := storage.CheckKey(d.TenantID, d.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return setJSON(ctx, s.deliveryStore, key(d.TenantID, d.ID), d)
}

// RetrieveDelivery implements the storage interface method.
func (s *KV) RetrieveDelivery(ctx context.Context, tenantID, id string) (*webhook.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := new(webhook.Delivery)
	if err := get(ctx, s.deliveryStore, tenantID, id, d); err != nil {
		return nil, err
	}
	return d, nil
}

// deliveries reads every delivery under prefix that passes filter.
func (s *KV) deliveries(ctx context.Context, prefix string, filter func(*webhook.Delivery) bool) ([]*webhook.Delivery, error) {
	var ret []*webhook.Delivery
	for _, k := range keysPrefix(ctx, s.deliveryStore, prefix) {
		d := new(webhook.Delivery)
		if err := getJSON(ctx, s.deliveryStore, k, d); err != nil {
			return nil, fmt.Errorf("reading delivery: %w", err)
		}
		if filter(d) {
			ret = append(ret, d)
		}
	}
	return ret, nil
}

// RetrieveDeliveries implements the storage interface method.
func (s *KV) RetrieveDeliveries(ctx context.Context, tenantID string, status webhook.DeliveryStatus) ([]*webhook.Delivery, error) {
	if tenantID == "" {
		return nil, storage.ErrMissingTenantID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret, err := s.deliveries(ctx, tenantID+keySep, func(d *webhook.Delivery) bool {
		return d.TenantID == tenantID && (status == "" || d.Status == status)
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ret, func(i, j int) bool {
		if ret[i].CreatedAt.Equal(ret[j].CreatedAt) {
			return ret[i].ID > ret[j].ID
		}
		return ret[i].CreatedAt.After(ret[j].CreatedAt)
	})
	return ret, nil
}

// RetrieveDueDeliveries implements the storage interface method.
func (s *KV) RetrieveDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*webhook.Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret, err := s.deliveries(ctx, "", func(d *webhook.Delivery) bool {
		return storage.Due(d, now)
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(ret, func(i, j int) bool {
		if ret[i].NextAttemptAt.Equal(ret[j].NextAttemptAt) {
			return ret[i].ID < ret[j].ID
		}
		return ret[i].NextAttemptAt.Before(ret[j].NextAttemptAt)
	})
	if limit > 0 && len(ret) > limit {
		ret = ret[:limit]
	}
	return ret, nil
}
