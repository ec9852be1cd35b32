package engine

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/assetra/automation/engine/storage"
	"github.com/assetra/automation/engine/storage/inmem"
	"github.com/assetra/automation/utils/uuid"
	"github.com/assetra/automation/workflow"
)

const testTenant = "t1"

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type notification struct {
	tenantID string
	event    string
	payload  map[string]interface{}
}

type testNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *testNotifier) Notify(_ context.Context, tenantID, event string, payload map[string]interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{tenantID: tenantID, event: event, payload: payload})
	return nil
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, storage.AllStorage) {
	t.Helper()
	s := inmem.New()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(s, opts...), s
}

func storeAsset(t *testing.T, s storage.AllStorage, asset *workflow.Asset) {
	t.Helper()
	if err := s.StoreAsset(context.Background(), asset); err != nil {
		t.Fatal(err)
	}
}

func scanDefinition(steps ...workflow.Step) *workflow.Definition {
	return &workflow.Definition{
		TenantID:        testTenant,
		Name:            "scan-maintenance",
		TriggerType:     workflow.TriggerOnScan,
		EntryConditions: map[string]interface{}{},
		Steps:           steps,
		Active:          true,
	}
}

func setStatus(status workflow.AssetStatus) workflow.Step {
	return workflow.Step{Action: workflow.ActionSetAssetStatus, SetAssetStatus: &workflow.SetAssetStatus{Status: status}}
}

func updateFields(fields map[string]interface{}) workflow.Step {
	return workflow.Step{Action: workflow.ActionUpdateAssetCustomFields, UpdateAssetCustomFields: &workflow.UpdateAssetCustomFields{Fields: fields}}
}

func requireFields(fields ...string) workflow.Step {
	return workflow.Step{Action: workflow.ActionValidateRequiredFields, ValidateRequiredFields: &workflow.ValidateRequiredFields{Fields: fields}}
}

func setOutput(key string, value interface{}) workflow.Step {
	return workflow.Step{Action: workflow.ActionSetOutput, SetOutput: &workflow.SetOutput{Key: key, Value: value}}
}

func TestScanTriggeredWorkflow(t *testing.T) {
	ctx := context.Background()
	notifier := new(testNotifier)
	// sequential IDs keep same-instant history records in creation order
	ids := uuid.NewStaticIDs("id-01", "id-02", "id-03", "id-04", "id-05", "id-06", "id-07", "id-08")
	e, s := newTestEngine(t, WithNotifier(notifier), WithIDer(ids))
	storeAsset(t, s, &workflow.Asset{ID: "A1", TenantID: testTenant, AssetTag: "TAG-1", Status: workflow.AssetActive})

	def := scanDefinition(
		setStatus(workflow.AssetInMaintenance),
		updateFields(map[string]interface{}{"last_scanned_value": "{{scan_event.raw_value}}"}),
	)
	if err := e.StoreDefinition(ctx, def); err != nil {
		t.Fatal(err)
	}

	runIDs, err := e.RecordScan(ctx, &workflow.ScanEvent{
		TenantID:  testTenant,
		AssetID:   "A1",
		Symbology: "qr",
		RawValue:  "QR-A-2001",
	}, "user-1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(runIDs), 1; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}

	asset, err := s.RetrieveAsset(ctx, testTenant, "A1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := asset.Status, workflow.AssetInMaintenance; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := asset.CustomFields["last_scanned_value"], "QR-A-2001"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	runs, err := s.RetrieveRuns(ctx, testTenant, "")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(runs), 1; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	run := runs[0]
	if have, want := run.Status, workflow.RunSuccess; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if run.CompletedAt.IsZero() {
		t.Error("completed_at not set")
	}
	if have, want := run.Context["asset"], "A1"; have != want {
		t.Errorf("context snapshot asset: have: %v, want: %v", have, want)
	}
	if have, want := run.InputData["trigger_type"], "on_scan"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	steps, _ := run.OutputData["executed_steps"].([]interface{})
	if have, want := len(steps), 2; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	hist, err := s.RetrieveHistory(ctx, testTenant, "A1")
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, h := range hist {
		types = append(types, string(h.EventType))
		if h.Checksum == "" {
			t.Error("history record missing checksum")
		}
	}
	// scan history then the maintain record from set_asset_status
	if have, want := strings.Join(types, ","), "scan,maintain"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if have, want := len(notifier.sent), 1; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := notifier.sent[0].event, EventRunCompleted; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestFailedStepPartialApplication(t *testing.T) {
	ctx := context.Background()
	notifier := new(testNotifier)
	e, s := newTestEngine(t, WithNotifier(notifier))
	asset := &workflow.Asset{ID: "A1", TenantID: testTenant, Status: workflow.AssetActive}
	storeAsset(t, s, asset)

	if err := e.StoreDefinition(ctx, scanDefinition(
		setStatus(workflow.AssetInMaintenance),
		requireFields("serial", "owner"),
		setOutput("never", "written"),
	)); err != nil {
		t.Fatal(err)
	}

	runIDs, err := e.ExecuteTriggeredWorkflows(ctx, &Trigger{
		TenantID:    testTenant,
		TriggerType: workflow.TriggerOnScan,
		Asset:       asset,
	})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(runIDs), 1; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}

	run, err := s.RetrieveRun(ctx, testTenant, runIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if have, want := run.Status, workflow.RunFailed; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := run.OutputData["error"], "missing required fields: serial, owner"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	steps, _ := run.OutputData["executed_steps"].([]interface{})
	if have, want := len(steps), 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if _, ok := run.OutputData["never"]; ok {
		t.Error("steps after the failure must not run")
	}

	// the first step's side effect is not rolled back
	stored, err := s.RetrieveAsset(ctx, testTenant, "A1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stored.Status, workflow.AssetInMaintenance; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	if len(notifier.sent) != 1 || notifier.sent[0].event != EventRunFailed {
		t.Errorf("unexpected notifications: %+v", notifier.sent)
	}
}

func TestStepErrors(t *testing.T) {
	ctx := context.Background()
	for _, test := range []struct {
		name  string
		step  workflow.Step
		asset bool
		err   error
		msg   string
	}{
		{"status requires asset", setStatus(workflow.AssetLost), false, ErrAssetRequired, "asset is required for set_asset_status"},
		{"fields require asset", updateFields(map[string]interface{}{"a": 1}), false, ErrAssetRequired, "asset is required for update_asset_custom_fields"},
		{"history requires asset", workflow.Step{Action: workflow.ActionCreateHistory, CreateHistory: &workflow.CreateHistory{}}, false, ErrAssetRequired, "asset is required for create_history"},
		{"invalid status", setStatus("melted"), true, ErrInvalidAssetStatus, "invalid asset status"},
		{"output requires key", setOutput("", 1), true, ErrOutputKeyRequired, "set_output requires key"},
		{"unsupported", workflow.Step{Action: "run_script"}, true, ErrUnsupportedAction, "unsupported workflow action: run_script"},
	} {
		t.Run(test.name, func(t *testing.T) {
			e, s := newTestEngine(t)
			var asset *workflow.Asset
			if test.asset {
				asset = &workflow.Asset{ID: "A1", TenantID: testTenant, Status: workflow.AssetActive}
				storeAsset(t, s, asset)
			}
			// stored directly to bypass the definition validator
			def := scanDefinition(test.step)
			def.ID = "d1"
			if err := s.StoreDefinition(ctx, def); err != nil {
				t.Fatal(err)
			}
			runIDs, err := e.ExecuteTriggeredWorkflows(ctx, &Trigger{TenantID: testTenant, TriggerType: workflow.TriggerOnScan, Asset: asset})
			if err != nil {
				t.Fatal(err)
			}
			if len(runIDs) != 1 {
				t.Fatalf("expected one run, have %d", len(runIDs))
			}
			run, err := s.RetrieveRun(ctx, testTenant, runIDs[0])
			if err != nil {
				t.Fatal(err)
			}
			if have, want := run.Status, workflow.RunFailed; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}
			if have, want := run.OutputData["error"], test.msg; have != want {
				t.Errorf("have: %v, want: %v", have, want)
			}

			sr := &stepRun{run: &workflow.Run{ID: "r", TenantID: testTenant}, rc: workflow.NewRunContext(workflow.TriggerOnScan, asset, nil, nil)}
			if _, err = e.executeStep(ctx, sr, test.step); !errors.Is(err, test.err) {
				t.Errorf("have: %v, want: %v", err, test.err)
			}
		})
	}
}

func TestEntryConditionsAndFilters(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	asset := &workflow.Asset{ID: "A1", TenantID: testTenant, Status: workflow.AssetActive}
	storeAsset(t, s, asset)

	for _, def := range []*workflow.Definition{
		{ID: "d-match", TenantID: testTenant, Name: "b-match", TriggerType: workflow.TriggerOnScan, Active: true,
			EntryConditions: map[string]interface{}{"asset.status": "active"},
			Steps:           []workflow.Step{setOutput("matched", true)}},
		{ID: "d-nomatch", TenantID: testTenant, Name: "a-nomatch", TriggerType: workflow.TriggerOnScan, Active: true,
			EntryConditions: map[string]interface{}{"asset.status": "lost"},
			Steps:           []workflow.Step{setOutput("matched", true)}},
		{ID: "d-missing", TenantID: testTenant, Name: "c-missing", TriggerType: workflow.TriggerOnScan, Active: true,
			EntryConditions: map[string]interface{}{"site.code": "WH-1"},
			Steps:           []workflow.Step{setOutput("matched", true)}},
	} {
		if err := e.StoreDefinition(ctx, def); err != nil {
			t.Fatal(err)
		}
	}

	trigger := func(defID string, force bool) []string {
		runIDs, err := e.ExecuteTriggeredWorkflows(ctx, &Trigger{
			TenantID:     testTenant,
			TriggerType:  workflow.TriggerOnScan,
			Asset:        asset,
			DefinitionID: defID,
			Force:        force,
		})
		if err != nil {
			t.Fatal(err)
		}
		return runIDs
	}

	if have, want := len(trigger("", false)), 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := len(trigger("d-nomatch", false)), 0; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := len(trigger("d-nomatch", true)), 1; have != want {
		t.Errorf("forced: have: %v, want: %v", have, want)
	}
	if have, want := len(trigger("", true)), 3; have != want {
		t.Errorf("forced all: have: %v, want: %v", have, want)
	}

	// other trigger types and tenants are not selected
	runIDs, err := e.ExecuteTriggeredWorkflows(ctx, &Trigger{TenantID: testTenant, TriggerType: workflow.TriggerOnTime, Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(runIDs) != 0 {
		t.Errorf("unexpected runs: %v", runIDs)
	}
	runIDs, err = e.ExecuteTriggeredWorkflows(ctx, &Trigger{TenantID: "t2", TriggerType: workflow.TriggerOnScan, Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(runIDs) != 0 {
		t.Errorf("unexpected runs: %v", runIDs)
	}
}

func TestSetOutputAndOrdering(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	asset := &workflow.Asset{ID: "A1", TenantID: testTenant, Status: workflow.AssetActive}
	storeAsset(t, s, asset)

	// "a-first" runs before "b-second" and its status change is visible
	// to the second definition's entry conditions.
	for _, def := range []*workflow.Definition{
		{TenantID: testTenant, Name: "b-second", TriggerType: workflow.TriggerOnScan, Active: true,
			EntryConditions: map[string]interface{}{"asset.status": "lost"},
			Steps:           []workflow.Step{setOutput("seen_status", "{{asset.status}}")}},
		{TenantID: testTenant, Name: "a-first", TriggerType: workflow.TriggerOnScan, Active: true,
			Steps: []workflow.Step{setStatus(workflow.AssetLost)}},
	} {
		if err := e.StoreDefinition(ctx, def); err != nil {
			t.Fatal(err)
		}
	}

	runIDs, err := e.ExecuteTriggeredWorkflows(ctx, &Trigger{TenantID: testTenant, TriggerType: workflow.TriggerOnScan, Asset: asset})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(runIDs), 2; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	run, err := s.RetrieveRun(ctx, testTenant, runIDs[1])
	if err != nil {
		t.Fatal(err)
	}
	if have, want := run.OutputData["seen_status"], "lost"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := run.Status, workflow.RunSuccess; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
}

func TestDryRunDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	asset := &workflow.Asset{ID: "A1", TenantID: testTenant, Status: workflow.AssetActive, CustomFields: map[string]interface{}{"serial": "SN-1"}}
	storeAsset(t, s, asset)

	def := scanDefinition(
		requireFields("serial", "owner"),
		setStatus(workflow.AssetInMaintenance),
		updateFields(map[string]interface{}{"last_scanned_value": "{{scan_event.raw_value}}"}),
		workflow.Step{Action: workflow.ActionCreateHistory, CreateHistory: &workflow.CreateHistory{EventType: workflow.HistoryMaintain}},
		setOutput("value", "{{scan_event.raw_value}}"),
	)
	def.EntryConditions = map[string]interface{}{"scan_event.symbology": "qr"}
	if err := e.StoreDefinition(ctx, def); err != nil {
		t.Fatal(err)
	}

	scan := &workflow.ScanEvent{ID: "S1", TenantID: testTenant, Symbology: "qr", RawValue: "QR-A-2001"}

	res, err := e.DryRunWorkflow(ctx, def, &Trigger{Asset: asset, ScanEvent: scan})
	if err != nil {
		t.Fatal(err)
	}
	if !res.MatchedEntryConditions || res.Forced {
		t.Errorf("unexpected match flags: %+v", res)
	}
	if have, want := res.Message, DryRunSuccessful; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := len(res.SimulatedSteps), 5; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	if have, want := res.SimulatedSteps[0]["missing"], []string{"owner"}; !reflect.DeepEqual(have, want) {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := res.SimulatedSteps[1]["from_status"], workflow.AssetActive; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	preview, _ := res.SimulatedSteps[2]["preview_custom_fields"].(map[string]interface{})
	if have, want := preview["last_scanned_value"], "QR-A-2001"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := res.SimulatedSteps[4]["value"], "QR-A-2001"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	// not matched without force
	res, err = e.DryRunWorkflow(ctx, def, &Trigger{Asset: asset, ScanEvent: &workflow.ScanEvent{Symbology: "gs1"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.MatchedEntryConditions || len(res.SimulatedSteps) != 0 || res.Message != DryRunNotMatched {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.SimulatedSteps == nil {
		t.Error("simulated steps should be an empty list, not null")
	}

	// forced
	res, err = e.DryRunWorkflow(ctx, def, &Trigger{Asset: asset, Force: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.MatchedEntryConditions || !res.Forced || len(res.SimulatedSteps) != 5 {
		t.Errorf("unexpected result: %+v", res)
	}

	// neither the in-memory asset nor storage changed
	if asset.Status != workflow.AssetActive || len(asset.CustomFields) != 1 {
		t.Errorf("asset mutated: %+v", asset)
	}
	stored, err := s.RetrieveAsset(ctx, testTenant, "A1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != workflow.AssetActive || len(stored.CustomFields) != 1 {
		t.Errorf("stored asset mutated: %+v", stored)
	}
	runs, err := s.RetrieveRuns(ctx, testTenant, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 0 {
		t.Errorf("dry run created %d runs", len(runs))
	}
	hist, err := s.RetrieveHistory(ctx, testTenant, "A1")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 0 {
		t.Errorf("dry run created %d history records", len(hist))
	}
}

func TestDryRunUnsupportedAction(t *testing.T) {
	e, _ := newTestEngine(t)
	def := scanDefinition(workflow.Step{Action: "teleport"})
	_, err := e.DryRunWorkflow(context.Background(), def, &Trigger{Force: true})
	if !errors.Is(err, ErrUnsupportedAction) {
		t.Errorf("have: %v, want: %v", err, ErrUnsupportedAction)
	}
	var stepErr *StepError
	if !errors.As(err, &stepErr) || stepErr.Index != 0 {
		t.Errorf("expected step error at index 0: %v", err)
	}
}

func TestStoreDefinition(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)

	err := e.StoreDefinition(ctx, &workflow.Definition{TenantID: testTenant, TriggerType: "on_moon"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, have: %v", err)
	}
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Error("validation error should wrap ErrInvalidDefinition")
	}
	if have, want := strings.Join(verr.Errors, "; "), "trigger_type is invalid; steps must be a non-empty list"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	def := scanDefinition(setOutput("k", "v"))
	if err = e.StoreDefinition(ctx, def); err != nil {
		t.Fatal(err)
	}
	if def.ID == "" {
		t.Fatal("definition ID not assigned")
	}
	if have, want := def.Version, 1; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	def.Name = "renamed"
	if err = e.StoreDefinition(ctx, def); err != nil {
		t.Fatal(err)
	}
	stored, err := s.RetrieveDefinition(ctx, testTenant, def.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stored.Version, 2; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := stored.Name, "renamed"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if !stored.CreatedAt.Equal(testNow) {
		t.Errorf("created_at changed: %v", stored.CreatedAt)
	}
}

func TestRecordScanUnknownAsset(t *testing.T) {
	e, s := newTestEngine(t)
	_, err := e.RecordScan(context.Background(), &workflow.ScanEvent{TenantID: testTenant, AssetID: "nope", RawValue: "x"}, "")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("have: %v, want: %v", err, storage.ErrNotFound)
	}
	runs, _ := s.RetrieveRuns(context.Background(), testTenant, "")
	if len(runs) != 0 {
		t.Errorf("unexpected runs: %d", len(runs))
	}
}

func TestUpdateAssetStatus(t *testing.T) {
	ctx := context.Background()
	e, s := newTestEngine(t)
	storeAsset(t, s, &workflow.Asset{ID: "A1", TenantID: testTenant, Status: workflow.AssetActive})

	if err := e.StoreDefinition(ctx, &workflow.Definition{
		TenantID:        testTenant,
		Name:            "lost-asset",
		TriggerType:     workflow.TriggerOnStatusChange,
		Active:          true,
		EntryConditions: map[string]interface{}{"previous_status": "active", "new_status": "lost"},
		Steps: []workflow.Step{
			{Action: workflow.ActionCreateHistory, CreateHistory: &workflow.CreateHistory{EventType: workflow.HistoryReconcile}},
			setOutput("from", "{{previous_status}}"),
		},
	}); err != nil {
		t.Fatal(err)
	}

	asset, runIDs, err := e.UpdateAssetStatus(ctx, &StatusChange{TenantID: testTenant, AssetID: "A1", Status: workflow.AssetLost})
	if err != nil {
		t.Fatal(err)
	}
	if have, want := asset.Status, workflow.AssetLost; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := len(runIDs), 1; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	run, err := s.RetrieveRun(ctx, testTenant, runIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if have, want := run.OutputData["from"], "active"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	hist, err := s.RetrieveHistory(ctx, testTenant, "A1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(hist), 2; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}

	// no change, no workflows
	_, runIDs, err = e.UpdateAssetStatus(ctx, &StatusChange{TenantID: testTenant, AssetID: "A1", Status: workflow.AssetLost})
	if err != nil {
		t.Fatal(err)
	}
	if len(runIDs) != 0 {
		t.Errorf("unexpected runs: %v", runIDs)
	}

	if _, _, err = e.UpdateAssetStatus(ctx, &StatusChange{TenantID: testTenant, AssetID: "A1", Status: "melted"}); !errors.Is(err, ErrInvalidAssetStatus) {
		t.Errorf("have: %v, want: %v", err, ErrInvalidAssetStatus)
	}
}

func TestRecordScanValidation(t *testing.T) {
	ctx := context.Background()
	ids := uuid.NewStaticIDs("id-01", "id-02", "id-03", "id-04", "id-05", "id-06", "id-07", "id-08")
	e, s := newTestEngine(t, WithIDer(ids))
	storeAsset(t, s, &workflow.Asset{ID: "A1", TenantID: testTenant, Status: workflow.AssetActive})

	var steps []workflow.Step
	if err := json.Unmarshal([]byte(`[{"action": "create_history", "previous_state": null}]`), &steps); err != nil {
		t.Fatal(err)
	}
	if err := e.StoreDefinition(ctx, scanDefinition(steps...)); err != nil {
		t.Fatal(err)
	}

	scan := &workflow.ScanEvent{TenantID: testTenant, AssetID: "A1", Symbology: "ean13", RawValue: "4006381333931"}
	runIDs, err := e.RecordScan(ctx, scan, "")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(runIDs), 1; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}

	stored, err := s.RetrieveScanEvent(ctx, testTenant, scan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if have, want := stored.Status, workflow.ScanRejected; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := stored.ValidationErrors, []string{workflow.ScanErrUnsupportedSymbol}; !reflect.DeepEqual(have, want) {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if have, want := stored.DecodedPayload["raw"], "4006381333931"; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}

	hist, err := s.RetrieveHistory(ctx, testTenant, "A1")
	if err != nil {
		t.Fatal(err)
	}
	if have, want := len(hist), 2; have != want {
		t.Fatalf("have: %v, want: %v", have, want)
	}
	// the explicit null is kept while the absent new state defaults
	rec := hist[1]
	if have, want := rec.EventType, workflow.HistoryInspect; have != want {
		t.Errorf("have: %v, want: %v", have, want)
	}
	if rec.PreviousState != nil {
		t.Errorf("have: %v, want: nil", rec.PreviousState)
	}
	if have, want := rec.NewState, map[string]interface{}{"status": "active"}; !reflect.DeepEqual(have, want) {
		t.Errorf("have: %v, want: %v", have, want)
	}
}
