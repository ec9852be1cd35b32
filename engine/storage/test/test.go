// Package test contains a conformance suite for workflow engine storage backends.
package test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/assetra/automation/engine/storage"
	"github.com/assetra/automation/workflow"
)

// TestEngineStorage runs the storage conformance tests against new storage.
// Tenant IDs are unique per invocation so that persistent backends may be
// reused between test runs.
func TestEngineStorage(t *testing.T, newStorage func() storage.AllStorage) {
	s := newStorage()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano())

	t.Run("definitions", func(t *testing.T) {
		testDefinitions(t, s, "tenant-def-"+suffix)
	})

	t.Run("runs", func(t *testing.T) {
		testRuns(t, s, "tenant-run-"+suffix)
	})

	t.Run("assets", func(t *testing.T) {
		testAssets(t, s, "tenant-asset-"+suffix)
	})

	t.Run("history", func(t *testing.T) {
		testHistory(t, s, "tenant-hist-"+suffix)
	})
}

func testDefinitions(t *testing.T, s storage.DefinitionStorage, tenant string) {
	ctx := context.Background()

	if _, err := s.RetrieveDefinition(ctx, tenant, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
	}

	newDef := func(id, name string, trigger workflow.TriggerType, active bool) *workflow.Definition {
		return &workflow.Definition{
			ID:              id,
			TenantID:        tenant,
			Name:            name,
			Version:         1,
			TriggerType:     trigger,
			EntryConditions: map[string]interface{}{"asset.status": "active"},
			Steps: []workflow.Step{
				{Action: workflow.ActionSetAssetStatus, SetAssetStatus: &workflow.SetAssetStatus{Status: workflow.AssetInMaintenance}},
				{Action: workflow.ActionSetOutput, SetOutput: &workflow.SetOutput{Key: "k", Value: "{{scan_event.raw_value}}"}},
			},
			Active:    active,
			CreatedAt: time.Now().UTC().Truncate(time.Second),
		}
	}

	for _, def := range []*workflow.Definition{
		newDef("d3", "charlie", workflow.TriggerOnScan, true),
		newDef("d1", "alpha", workflow.TriggerOnScan, true),
		newDef("d2", "bravo", workflow.TriggerOnScan, false),
		newDef("d4", "delta", workflow.TriggerOnStatusChange, true),
		// same tenant ID prefix must not leak into this tenant's results
		{ID: "d5", TenantID: tenant + ".other", Name: "aaa", TriggerType: workflow.TriggerOnScan, Active: true,
			Steps: []workflow.Step{{Action: workflow.ActionCreateHistory, CreateHistory: &workflow.CreateHistory{}}}},
	} {
		if err := s.StoreDefinition(ctx, def); err != nil {
			t.Fatal(err)
		}
	}

	def, err := s.RetrieveDefinition(ctx, tenant, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := def.Name, "alpha"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := len(def.Steps), 2; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if p := def.Steps[0].SetAssetStatus; p == nil || p.Status != workflow.AssetInMaintenance {
		t.Errorf("unexpected step payload: %+v", def.Steps[0])
	}
	if have, want := def.EntryConditions["asset.status"], "active"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if _, err = s.RetrieveDefinition(ctx, "some-other-tenant", "d1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("cross-tenant read: have: %v, want: %v", err, storage.ErrNotFound)
	}

	defs, err := s.RetrieveActiveDefinitions(ctx, tenant, workflow.TriggerOnScan)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(defs), 2; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if defs[0].ID != "d1" || defs[1].ID != "d3" {
		t.Errorf("definitions not ordered by name: %s, %s", defs[0].Name, defs[1].Name)
	}

	// update to deactivate
	def.Active = false
	def.Version = 2
	if err = s.StoreDefinition(ctx, def); err != nil {
		t.Fatal(err)
	}
	if defs, err = s.RetrieveActiveDefinitions(ctx, tenant, workflow.TriggerOnScan); err != nil {
		t.Fatal(err)
	} else if len(defs) != 1 || defs[0].ID != "d3" {
		t.Errorf("unexpected active definitions after update: %d", len(defs))
	}

	tenants, err := s.RetrieveTenantsWithTrigger(ctx, workflow.TriggerOnStatusChange)
	if err != nil {
		t.Fatal(err)
	}
	if !contains(tenants, tenant) {
		t.Errorf("tenant %s missing from %v", tenant, tenants)
	}
	if tenants, err = s.RetrieveTenantsWithTrigger(ctx, workflow.TriggerOnTime); err != nil {
		t.Fatal(err)
	} else if contains(tenants, tenant) {
		t.Errorf("tenant %s should have no on_time definitions", tenant)
	}
}

func testRuns(t *testing.T, s storage.RunStorage, tenant string) {
	ctx := context.Background()

	if _, err := s.RetrieveRun(ctx, tenant, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
	}

	started := time.Now().UTC().Truncate(time.Second)
	run := &workflow.Run{
		ID:           "r1",
		TenantID:     tenant,
		DefinitionID: "d1",
		AssetID:      "a1",
		Status:       workflow.RunRunning,
		Context:      map[string]interface{}{"asset": "a1", "trigger_type": "on_scan"},
		InputData:    map[string]interface{}{"trigger_type": "on_scan"},
		OutputData:   map[string]interface{}{"executed_steps": []interface{}{}},
		StartedAt:    started,
	}
	if err := s.StoreRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	if err := s.StoreRun(ctx, &workflow.Run{
		ID:           "r2",
		TenantID:     tenant,
		DefinitionID: "d1",
		Status:       workflow.RunFailed,
		OutputData:   map[string]interface{}{"error": "boom"},
		StartedAt:    started.Add(time.Second),
		CompletedAt:  started.Add(2 * time.Second),
	}); err != nil {
		t.Fatal(err)
	}

	run.Status = workflow.RunSuccess
	run.CompletedAt = started.Add(time.Second)
	run.OutputData = map[string]interface{}{"executed_steps": []interface{}{map[string]interface{}{"action": "set_output", "key": "k"}}}
	if err := s.StoreRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	got, err := s.RetrieveRun(ctx, tenant, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := got.Status, workflow.RunSuccess; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := got.AssetID, "a1"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if !got.CompletedAt.Equal(run.CompletedAt) {
		t.Errorf("have: %v, want: %v", got.CompletedAt, run.CompletedAt)
	}
	steps, _ := got.OutputData["executed_steps"].([]interface{})
	if have, want := len(steps), 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	runs, err := s.RetrieveRuns(ctx, tenant, "")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(runs), 2; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := runs[0].ID, "r2"; have != want {
		t.Errorf("newest first: have: %v, want: %v", have, want)
	}

	if runs, err = s.RetrieveRuns(ctx, tenant, workflow.RunFailed); err != nil {
		t.Fatal(err)
	} else if len(runs) != 1 || runs[0].ID != "r2" {
		t.Errorf("unexpected failed runs: %d", len(runs))
	}
}

func testAssets(t *testing.T, s storage.AssetStorage, tenant string) {
	ctx := context.Background()

	if _, err := s.RetrieveAsset(ctx, tenant, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
	}
	if _, err := s.RetrieveScanEvent(ctx, tenant, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
	}

	asset := &workflow.Asset{
		ID:           "a1",
		TenantID:     tenant,
		AssetTag:     "TAG-1",
		Name:         "Forklift",
		Status:       workflow.AssetActive,
		CustomFields: map[string]interface{}{"serial": "SN-1"},
	}
	if err := s.StoreAsset(ctx, asset); err != nil {
		t.Fatal(err)
	}
	asset.Status = workflow.AssetInMaintenance
	asset.CustomFields["last_scanned_value"] = "QR-A-2001"
	if err := s.StoreAsset(ctx, asset); err != nil {
		t.Fatal(err)
	}
	got, err := s.RetrieveAsset(ctx, tenant, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := got.Status, workflow.AssetInMaintenance; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := got.CustomFields["last_scanned_value"], "QR-A-2001"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := got.CustomFields["serial"], "SN-1"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	scan := &workflow.ScanEvent{
		ID:         "s1",
		TenantID:   tenant,
		AssetID:    "a1",
		Symbology:  "qr",
		RawValue:   "QR-A-2001",
		SourceType: "mobile",
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}
	scan.Validate(scan.CreatedAt)
	if err = s.StoreScanEvent(ctx, scan); err != nil {
		t.Fatal(err)
	}
	gotScan, err := s.RetrieveScanEvent(ctx, tenant, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := gotScan.RawValue, scan.RawValue; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := gotScan.AssetID, "a1"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := gotScan.Status, workflow.ScanValidated; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := gotScan.DecodedPayload["raw"], "QR-A-2001"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func testHistory(t *testing.T, s storage.AssetStorage, tenant string) {
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i, et := range []workflow.HistoryEventType{workflow.HistoryMaintain, workflow.HistoryInspect} {
		rec := &workflow.HistoryRecord{
			ID:            fmt.Sprintf("h%d", i),
			TenantID:      tenant,
			AssetID:       "a1",
			EventType:     et,
			PreviousState: map[string]interface{}{"status": "active"},
			NewState:      map[string]interface{}{"status": "in_maintenance"},
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		}
		var err error
		if rec.Checksum, err = rec.ComputeChecksum(); err != nil {
			t.Fatal(err)
		}
		if err = s.AppendHistory(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	err := s.AppendHistory(ctx, &workflow.HistoryRecord{
		ID:        "h0",
		TenantID:  tenant,
		AssetID:   "a1",
		EventType: workflow.HistoryScan,
		CreatedAt: base,
	})
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("have: %v, want: %v", err, storage.ErrAlreadyExists)
	}

	recs, err := s.RetrieveHistory(ctx, tenant, "a1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(recs), 2; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := recs[0].EventType, workflow.HistoryMaintain; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	sum, err := recs[0].ComputeChecksum()
	if err != nil {
		t.Fatal(err)
	}
	if have, want := recs[0].Checksum, sum; have != want {
		t.Errorf("checksum changed across storage: have: %v, want: %v", have, want)
	}

	if recs, err = s.RetrieveHistory(ctx, tenant, "a2"); err != nil {
		t.Fatal(err)
	} else if len(recs) != 0 {
		t.Errorf("expected no history, have %d", len(recs))
	}
}

func contains(s []string, v string) bool {
	for _, i := range s {
		if i == v {
			return true
		}
	}
	return false
}
