package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/assetra/automation/engine"
	"github.com/assetra/automation/engine/storage"
	"github.com/assetra/automation/engine/storage/inmem"
	httpcmd "github.com/assetra/automation/http"
	"github.com/assetra/automation/workflow"

	"github.com/alexedwards/flow"
	"github.com/micromdm/nanolib/log"
)

const testTenant = "t1"

func newTestServer(t *testing.T) (http.Handler, storage.AllStorage) {
	t.Helper()
	s := inmem.New()
	mux := flow.New()
	HandleAPIv1("/v1", mux, log.NopLogger, engine.New(s), s)
	return httpcmd.TenantHandler(mux), s
}

func do(t *testing.T, h http.Handler, method, path, body string, v interface{}) int {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(httpcmd.TenantHeader, testTenant)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if v != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
			t.Fatalf("decoding %s %s response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

const testDefinition = `{
	"name": "scan-maintenance",
	"trigger_type": "on_scan",
	"entry_conditions": {"asset.status": "active"},
	"steps": [
		{"action": "set_asset_status", "status": "in_maintenance"},
		{"action": "set_output", "key": "tag", "value": "{{ asset.asset_tag }}"}
	]
}`

func TestDefinitionHandlers(t *testing.T) {
	h, _ := newTestServer(t)

	var verr struct {
		Errors []string `json:"errors"`
	}
	code := do(t, h, "POST", "/v1/workflows", `{"trigger_type": "bogus", "steps": {}}`, &verr)
	if have, want := code, http.StatusBadRequest; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := verr.Errors, []string{"trigger_type is invalid", "steps must be a non-empty list"}; !reflect.DeepEqual(have, want) {
		t.Errorf("have: %v, want: %v", have, want)
	}

	def := new(workflow.Definition)
	if have, want := do(t, h, "POST", "/v1/workflows", testDefinition, def), http.StatusCreated; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if def.ID == "" {
		t.Fatal("empty definition id")
	}
	if have, want := def.Version, 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if !def.Active {
		t.Error("expected definition to default to active")
	}
	if have, want := def.TenantID, testTenant; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	updated := new(workflow.Definition)
	if have, want := do(t, h, "PUT", "/v1/workflows/"+def.ID, testDefinition, updated), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := updated.Version, 2; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	got := new(workflow.Definition)
	if have, want := do(t, h, "GET", "/v1/workflows/"+def.ID, "", got), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := len(got.Steps), 2; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if have, want := do(t, h, "GET", "/v1/workflows/nope", "", nil), http.StatusNotFound; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestExecuteHandler(t *testing.T) {
	h, s := newTestServer(t)
	ctx := context.Background()

	asset := &workflow.Asset{ID: "A1", TenantID: testTenant, AssetTag: "TAG-1", Status: workflow.AssetActive}
	if err := s.StoreAsset(ctx, asset); err != nil {
		t.Fatal(err)
	}
	def := new(workflow.Definition)
	if have, want := do(t, h, "POST", "/v1/workflows", testDefinition, def), http.StatusCreated; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	path := "/v1/workflows/" + def.ID + "/execute"

	var errResp struct {
		Err string `json:"error"`
	}
	if have, want := do(t, h, "POST", path, `{"asset_id": "missing"}`, &errResp), http.StatusNotFound; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := errResp.Err, "asset not found"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := do(t, h, "POST", path, `{"scan_event_id": "missing"}`, &errResp), http.StatusNotFound; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := errResp.Err, "scan event not found"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	var dry struct {
		DryRun  bool                `json:"dry_run"`
		Preview engine.DryRunResult `json:"preview"`
	}
	if have, want := do(t, h, "POST", path, `{"asset_id": "A1", "dry_run": true}`, &dry), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if !dry.DryRun || !dry.Preview.MatchedEntryConditions {
		t.Errorf("unexpected dry run response: %+v", dry)
	}
	if have, want := len(dry.Preview.SimulatedSteps), 2; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	stored, err := s.RetrieveAsset(ctx, testTenant, "A1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stored.Status, workflow.AssetActive; have != want {
		t.Errorf("dry run mutated asset: have: %v, want: %v", have, want)
	}

	var exec struct {
		RunCount int             `json:"run_count"`
		Runs     []*workflow.Run `json:"runs"`
	}
	if have, want := do(t, h, "POST", path, `{"asset_id": "A1"}`, &exec), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := exec.RunCount, 1; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	run := exec.Runs[0]
	if have, want := run.Status, workflow.RunSuccess; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := run.OutputData["tag"], "TAG-1"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// the entry condition no longer matches once the asset is in maintenance
	if have, want := do(t, h, "POST", path, `{"asset_id": "A1"}`, &exec), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := exec.RunCount, 0; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := do(t, h, "POST", path, `{"asset_id": "A1", "force": true}`, &exec), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := exec.RunCount, 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	got := new(workflow.Run)
	if have, want := do(t, h, "GET", "/v1/runs/"+run.ID, "", got), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := got.DefinitionID, def.ID; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	var runs []*workflow.Run
	if have, want := do(t, h, "GET", "/v1/runs?status=success", "", &runs), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := len(runs), 2; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := do(t, h, "GET", "/v1/runs?status=failed", "", &runs), http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := len(runs), 0; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := do(t, h, "GET", "/v1/runs?status=bogus", "", nil), http.StatusBadRequest; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestEventHandlers(t *testing.T) {
	h, s := newTestServer(t)
	ctx := context.Background()

	asset := &workflow.Asset{ID: "A1", TenantID: testTenant, AssetTag: "TAG-1", Status: workflow.AssetActive}
	if err := s.StoreAsset(ctx, asset); err != nil {
		t.Fatal(err)
	}
	if have, want := do(t, h, "POST", "/v1/workflows", testDefinition, nil), http.StatusCreated; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}

	var scanResp struct {
		ScanEvent *workflow.ScanEvent `json:"scan_event"`
		RunIDs    []string            `json:"run_ids"`
	}
	code := do(t, h, "POST", "/v1/events/scan", `{"asset_id": "A1", "symbology": "qr", "raw_value": "QR-1"}`, &scanResp)
	if have, want := code, http.StatusCreated; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if scanResp.ScanEvent.ID == "" {
		t.Error("empty scan event id")
	}
	if have, want := len(scanResp.RunIDs), 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if have, want := do(t, h, "POST", "/v1/events/scan", `{"asset_id": "nope", "raw_value": "QR-1"}`, nil), http.StatusNotFound; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := do(t, h, "POST", "/v1/events/scan", `{"symbology": "qr"}`, nil), http.StatusBadRequest; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	var statusResp struct {
		Asset  *workflow.Asset `json:"asset"`
		RunIDs []string        `json:"run_ids"`
	}
	code = do(t, h, "POST", "/v1/events/status", `{"asset_id": "A1", "status": "retired"}`, &statusResp)
	if have, want := code, http.StatusOK; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := statusResp.Asset.Status, workflow.AssetRetired; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := len(statusResp.RunIDs), 0; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := do(t, h, "POST", "/v1/events/status", `{"asset_id": "A1", "status": "bogus"}`, nil), http.StatusBadRequest; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestMissingTenant(t *testing.T) {
	h, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/v1/runs", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if have, want := rec.Code, http.StatusBadRequest; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
