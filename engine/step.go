package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/assetra/automation/workflow"
)

var (
	ErrUnsupportedAction     = errors.New("unsupported workflow action")
	ErrAssetRequired         = errors.New("asset is required")
	ErrInvalidAssetStatus    = errors.New("invalid asset status")
	ErrMissingRequiredFields = errors.New("missing required fields")
	ErrOutputKeyRequired     = errors.New("set_output requires key")
)

// StepError is a failure of one step of a run.
// The runner converts it into a failed run; it never escapes to the
// trigger's caller.
type StepError struct {
	Index  int
	Action workflow.Action
	Err    error
}

func (e *StepError) Error() string {
	return e.Err.Error()
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// stepRun is the state shared by the steps of one executing run.
type stepRun struct {
	run     *workflow.Run
	rc      workflow.RunContext
	actorID string
}

// truthy reports whether v is a present, non-empty value.
func truthy(v interface{}) bool {
	if v == nil {
		return false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.String, reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() > 0
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint() != 0
	case reflect.Float32, reflect.Float64:
		return rv.Float() != 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// missingFields returns the fields that are absent or empty at the source path.
func missingFields(p *workflow.ValidateRequiredFields, rc workflow.RunContext) []string {
	missing := []string{}
	src := p.SourcePath()
	for _, field := range p.Fields {
		if v, ok := workflow.Resolve(rc, src+"."+field); !ok || !truthy(v) {
			missing = append(missing, field)
		}
	}
	return missing
}

// mergeCustomFields returns a copy of existing with the rendered fields merged in.
func mergeCustomFields(existing, fields map[string]interface{}, rc workflow.RunContext) map[string]interface{} {
	merged := make(map[string]interface{}, len(existing)+len(fields))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = workflow.Render(v, rc)
	}
	return merged
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func requireAsset(rc workflow.RunContext, action workflow.Action) (*workflow.Asset, error) {
	if asset := rc.Asset(); asset != nil {
		return asset, nil
	}
	return nil, fmt.Errorf("%w for %s", ErrAssetRequired, action)
}

// executeStep interprets step against the run, applying and persisting its
// side effects immediately.
func (e *Engine) executeStep(ctx context.Context, sr *stepRun, step workflow.Step) (workflow.StepResult, error) {
	switch step.Action {
	case workflow.ActionValidateRequiredFields:
		p := step.ValidateRequiredFields
		if p == nil {
			p = new(workflow.ValidateRequiredFields)
		}
		if missing := missingFields(p, sr.rc); len(missing) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrMissingRequiredFields, strings.Join(missing, ", "))
		}
		return workflow.StepResult{"action": step.Action, "missing": []string{}}, nil

	case workflow.ActionSetAssetStatus:
		asset, err := requireAsset(sr.rc, step.Action)
		if err != nil {
			return nil, err
		}
		var status workflow.AssetStatus
		if step.SetAssetStatus != nil {
			status = step.SetAssetStatus.Status
		}
		if !status.Valid() {
			return nil, ErrInvalidAssetStatus
		}
		previous := map[string]interface{}{"status": string(asset.Status)}
		asset.Status = status
		asset.UpdatedAt = e.now().UTC()
		if err = e.storage.StoreAsset(ctx, asset); err != nil {
			return nil, fmt.Errorf("storing asset: %w", err)
		}
		next := map[string]interface{}{"status": string(status)}
		if err = e.appendHistory(ctx, asset, workflow.HistoryMaintain, sr.actorID, previous, next); err != nil {
			return nil, err
		}
		return workflow.StepResult{"action": step.Action, "status": status}, nil

	case workflow.ActionUpdateAssetCustomFields:
		asset, err := requireAsset(sr.rc, step.Action)
		if err != nil {
			return nil, err
		}
		var fields map[string]interface{}
		if step.UpdateAssetCustomFields != nil {
			fields = step.UpdateAssetCustomFields.Fields
		}
		asset.CustomFields = mergeCustomFields(asset.CustomFields, fields, sr.rc)
		asset.UpdatedAt = e.now().UTC()
		if err = e.storage.StoreAsset(ctx, asset); err != nil {
			return nil, fmt.Errorf("storing asset: %w", err)
		}
		return workflow.StepResult{"action": step.Action, "updated_keys": sortedKeys(fields)}, nil

	case workflow.ActionCreateHistory:
		p := step.CreateHistory
		if p == nil {
			p = new(workflow.CreateHistory)
		}
		asset, err := requireAsset(sr.rc, step.Action)
		if err != nil {
			return nil, err
		}
		previous, err := historyState(p.PreviousState, map[string]interface{}{"status": string(asset.Status)})
		if err != nil {
			return nil, err
		}
		next, err := historyState(p.NewState, map[string]interface{}{"status": string(asset.Status)})
		if err != nil {
			return nil, err
		}
		if err = e.appendHistory(ctx, asset, p.HistoryEventType(), sr.actorID, previous, next); err != nil {
			return nil, err
		}
		return workflow.StepResult{"action": step.Action, "event_type": p.HistoryEventType()}, nil

	case workflow.ActionSetOutput:
		p := step.SetOutput
		if p == nil || p.Key == "" {
			return nil, ErrOutputKeyRequired
		}
		if sr.run.OutputData == nil {
			sr.run.OutputData = make(map[string]interface{})
		}
		sr.run.OutputData[p.Key] = workflow.JSONSafe(workflow.Render(p.Value, sr.rc))
		if err := e.storage.StoreRun(ctx, sr.run); err != nil {
			return nil, fmt.Errorf("storing run output: %w", err)
		}
		return workflow.StepResult{"action": step.Action, "key": p.Key}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedAction, step.Action)
}

// SimulateStep reports what step would do against rc without mutating rc,
// the asset, or storage. Only an unsupported action is an error.
func SimulateStep(step workflow.Step, rc workflow.RunContext) (workflow.StepResult, error) {
	asset := rc.Asset()
	switch step.Action {
	case workflow.ActionValidateRequiredFields:
		p := step.ValidateRequiredFields
		if p == nil {
			p = new(workflow.ValidateRequiredFields)
		}
		missing := missingFields(p, rc)
		return workflow.StepResult{"action": step.Action, "ok": len(missing) == 0, "missing": missing}, nil

	case workflow.ActionSetAssetStatus:
		var from, to interface{}
		if asset != nil {
			from = asset.Status
		}
		if step.SetAssetStatus != nil {
			to = step.SetAssetStatus.Status
		}
		return workflow.StepResult{"action": step.Action, "from_status": from, "to_status": to, "ok": asset != nil}, nil

	case workflow.ActionUpdateAssetCustomFields:
		var existing, fields map[string]interface{}
		if asset != nil {
			existing = asset.CustomFields
		}
		if step.UpdateAssetCustomFields != nil {
			fields = step.UpdateAssetCustomFields.Fields
		}
		return workflow.StepResult{
			"action":                step.Action,
			"ok":                    asset != nil,
			"preview_custom_fields": mergeCustomFields(existing, fields, rc),
		}, nil

	case workflow.ActionCreateHistory:
		eventType := workflow.HistoryInspect
		if step.CreateHistory != nil {
			eventType = step.CreateHistory.HistoryEventType()
		}
		return workflow.StepResult{"action": step.Action, "ok": asset != nil, "event_type": eventType}, nil

	case workflow.ActionSetOutput:
		var key string
		var value interface{}
		if step.SetOutput != nil {
			key, value = step.SetOutput.Key, step.SetOutput.Value
		}
		return workflow.StepResult{"action": step.Action, "ok": key != "", "key": key, "value": workflow.Render(value, rc)}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedAction, step.Action)
}

// appendHistory writes an immutable history record for asset.
// historyState decodes a create_history state, returning def if raw is absent.
func historyState(raw json.RawMessage, def interface{}) (interface{}, error) {
	if len(raw) == 0 {
		return def, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decoding history state: %w", err)
	}
	return v, nil
}

func (e *Engine) appendHistory(ctx context.Context, asset *workflow.Asset, eventType workflow.HistoryEventType, actorID string, previous, next interface{}) error {
	rec := &workflow.HistoryRecord{
		ID:            e.ider.ID(),
		TenantID:      asset.TenantID,
		AssetID:       asset.ID,
		EventType:     eventType,
		ActorID:       actorID,
		LocationID:    asset.LocationID,
		PreviousState: workflow.JSONSafe(previous),
		NewState:      workflow.JSONSafe(next),
		CreatedAt:     e.now().UTC(),
	}
	var err error
	if rec.Checksum, err = rec.ComputeChecksum(); err != nil {
		return fmt.Errorf("history checksum: %w", err)
	}
	if err = e.storage.AppendHistory(ctx, rec); err != nil {
		return fmt.Errorf("appending history: %w", err)
	}
	return nil
}
