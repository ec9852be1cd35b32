// Package kv implements a workflow engine storage backend using a key-value interface.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/assetra/automation/engine/storage"
	"github.com/assetra/automation/workflow"

	"github.com/micromdm/nanolib/storage/kv"
)

// KV is a workflow engine storage backend using a key-value interface.
// Records are JSON encoded and keyed by tenant ID and record ID.
type KV struct {
	mu           sync.RWMutex
	defStore     kv.KeysPrefixTraversingBucket
	runStore     kv.KeysPrefixTraversingBucket
	assetStore   kv.KeysPrefixTraversingBucket
	scanStore    kv.KeysPrefixTraversingBucket
	historyStore kv.KeysPrefixTraversingBucket
}

// New creates a new key-value workflow engine storage backend.
func New(defStore, runStore, assetStore, scanStore, historyStore kv.KeysPrefixTraversingBucket) *KV {
	return &KV{
		defStore:     defStore,
		runStore:     runStore,
		assetStore:   assetStore,
		scanStore:    scanStore,
		historyStore: historyStore,
	}
}

const keySep = "."

func key(tenantID string, ids ...string) string {
	return tenantID + keySep + strings.Join(ids, keySep)
}

func tenantPrefix(tenantID string) string {
	return tenantID + keySep
}

// get reads a tenant-scoped record, converting missing keys to storage.ErrNotFound.
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

// StoreDefinition implements the storage interface method.
func (s *KV) StoreDefinition(ctx context.Context, def *workflow.Definition) error {
	if def == nil {
		return errors.New("nil definition")
	}
	if err := storage.CheckKey(def.TenantID, def.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return setJSON(ctx, s.defStore, key(def.TenantID, def.ID), def)
}

// RetrieveDefinition implements the storage interface method.
func (s *KV) RetrieveDefinition(ctx context.Context, tenantID, id string) (*workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def := new(workflow.Definition)
	if err := get(ctx, s.defStore, tenantID, id, def); err != nil {
		return nil, err
	}
	return def, nil
}

// RetrieveActiveDefinitions implements the storage interface method.
func (s *KV) RetrieveActiveDefinitions(ctx context.Context, tenantID string, trigger workflow.TriggerType) ([]*workflow.Definition, error) {
	if tenantID == "" {
		return nil, storage.ErrMissingTenantID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var defs []*workflow.Definition
	for _, k := range keysPrefix(ctx, s.defStore, tenantPrefix(tenantID)) {
		def := new(workflow.Definition)
		if err := getJSON(ctx, s.defStore, k, def); err != nil {
			return nil, fmt.Errorf("reading definition: %w", err)
		}
		if def.TenantID == tenantID && def.Active && def.TriggerType == trigger {
			defs = append(defs, def)
		}
	}
	sort.SliceStable(defs, func(i, j int) bool {
		if defs[i].Name == defs[j].Name {
			return defs[i].ID < defs[j].ID
		}
		return defs[i].Name < defs[j].Name
	})
	return defs, nil
}

// RetrieveTenantsWithTrigger implements the storage interface method.
func (s *KV) RetrieveTenantsWithTrigger(ctx context.Context, trigger workflow.TriggerType) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	var tenants []string
	for _, k := range keysPrefix(ctx, s.defStore, "") {
		def := new(workflow.Definition)
		if err := getJSON(ctx, s.defStore, k, def); err != nil {
			return nil, fmt.Errorf("reading definition: %w", err)
		}
		if !def.Active || def.TriggerType != trigger {
			continue
		}
		if _, ok := seen[def.TenantID]; !ok {
			seen[def.TenantID] = struct{}{}
			tenants = append(tenants, def.TenantID)
		}
	}
	sort.Strings(tenants)
	return tenants, nil
}

// StoreRun implements the storage interface method.
func (s *KV) StoreRun(ctx context.Context, run *workflow.Run) error {
	if run == nil {
		return errors.New("nil run")
	}
	if err := storage.CheckKey(run.TenantID, run.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return setJSON(ctx, s.runStore, key(run.TenantID, run.ID), run)
}

// RetrieveRun implements the storage interface method.
func (s *KV) RetrieveRun(ctx context.Context, tenantID, id string) (*workflow.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run := new(workflow.Run)
	if err := get(ctx, s.runStore, tenantID, id, run); err != nil {
		return nil, err
	}
	return run, nil
}

// RetrieveRuns implements the storage interface method.
func (s *KV) RetrieveRuns(ctx context.Context, tenantID string, status workflow.RunStatus) ([]*workflow.Run, error) {
	if tenantID == "" {
		return nil, storage.ErrMissingTenantID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []*workflow.Run
	for _, k := range keysPrefix(ctx, s.runStore, tenantPrefix(tenantID)) {
		run := new(workflow.Run)
		if err := getJSON(ctx, s.runStore, k, run); err != nil {
			return nil, fmt.Errorf("reading run: %w", err)
		}
		if run.TenantID == tenantID && (status == "" || run.Status == status) {
			runs = append(runs, run)
		}
	}
	sort.SliceStable(runs, func(i, j int) bool {
		if runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	return runs, nil
}

// StoreAsset implements the storage interface method.
func (s *KV) StoreAsset(ctx context.Context, asset *workflow.Asset) error {
	if asset == nil {
		return errors.New("nil asset")
	}
	if err := storage.CheckKey(asset.TenantID, asset.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return setJSON(ctx, s.assetStore, key(asset.TenantID, asset.ID), asset)
}

// RetrieveAsset implements the storage interface method.
func (s *KV) RetrieveAsset(ctx context.Context, tenantID, id string) (*workflow.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset := new(workflow.Asset)
	if err := get(ctx, s.assetStore, tenantID, id, asset); err != nil {
		return nil, err
	}
	return asset, nil
}

// StoreScanEvent implements the storage interface method.
func (s *KV) StoreScanEvent(ctx context.Context, scan *workflow.ScanEvent) error {
	if scan == nil {
		return errors.New("nil scan event")
	}
	if err := storage.CheckKey(scan.TenantID, scan.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return setJSON(ctx, s.scanStore, key(scan.TenantID, scan.ID), scan)
}

// RetrieveScanEvent implements the storage interface method.
func (s *KV) RetrieveScanEvent(ctx context.Context, tenantID, id string) (*workflow.ScanEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	scan := new(workflow.ScanEvent)
	if err := get(ctx, s.scanStore, tenantID, id, scan); err != nil {
		return nil, err
	}
	return scan, nil
}

// AppendHistory implements the storage interface method.
// History records are keyed by tenant, asset and record ID.
func (s *KV) AppendHistory(ctx context.Context, rec *workflow.HistoryRecord) error {
	if rec == nil {
		return errors.New("nil history record")
	}
	if err := storage.CheckKey(rec.TenantID, rec.ID); err != nil {
		return err
	}
	if rec.AssetID == "" {
		return errors.New("missing asset id")
	}
	k := key(rec.TenantID, rec.AssetID, rec.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if found, err := s.historyStore.Has(ctx, k); err != nil {
		return fmt.Errorf("checking history record: %w", err)
	} else if found {
		return fmt.Errorf("%w: history record %s", storage.ErrAlreadyExists, rec.ID)
	}
	return setJSON(ctx, s.historyStore, k, rec)
}

// RetrieveHistory implements the storage interface method.
func (s *KV) RetrieveHistory(ctx context.Context, tenantID, assetID string) ([]*workflow.HistoryRecord, error) {
	if err := storage.CheckKey(tenantID, assetID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var recs []*workflow.HistoryRecord
	for _, k := range keysPrefix(ctx, s.historyStore, key(tenantID, assetID)+keySep) {
		rec := new(workflow.HistoryRecord)
		if err := getJSON(ctx, s.historyStore, k, rec); err != nil {
			return nil, fmt.Errorf("reading history record: %w", err)
		}
		if rec.TenantID == tenantID && rec.AssetID == assetID {
			recs = append(recs, rec)
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs, nil
}
