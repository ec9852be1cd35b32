package workflow

import (
	"encoding/json"
	"time"
)

// Definition is a tenant-defined declarative workflow.
// Definitions are validated before they are stored and are read-only to
// the engine.
type Definition struct {
	ID              string                 `json:"id"`
	TenantID        string                 `json:"tenant_id"`
	Name            string                 `json:"name"`
	Version         int                    `json:"version"`
	TriggerType     TriggerType            `json:"trigger_type"`
	EntryConditions map[string]interface{} `json:"entry_conditions"`
	Steps           []Step                 `json:"steps"`
	Active          bool                   `json:"is_active"`
	CreatedAt       time.Time              `json:"created_at,omitzero"`
	UpdatedAt       time.Time              `json:"updated_at,omitzero"`
}

// Validate runs the definition validator against d.
// The typed definition is converted to its generic JSON form first so the
// same rules apply to stored definitions and raw API input.
func (d *Definition) Validate() []string {
	if d == nil {
		return []string{"definition is required"}
	}
	var steps interface{}
	if b, err := json.Marshal(d.Steps); err != nil {
		return []string{"steps could not be encoded: " + err.Error()}
	} else if err = json.Unmarshal(b, &steps); err != nil {
		return []string{"steps could not be decoded: " + err.Error()}
	}
	var conditions interface{} = map[string]interface{}{}
	if d.EntryConditions != nil {
		conditions = d.EntryConditions
	}
	return ValidateDefinition(string(d.TriggerType), conditions, steps)
}

// RunStatus is the state of a workflow run.
type RunStatus string

const (
	// RunPending is never persisted: a run is created already running
	// once its entry conditions match.
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Terminal reports whether s admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunSuccess, RunFailed:
		return true
	}
	return false
}

// StepResult is the record one interpreted step produces.
type StepResult map[string]interface{}

// Run is one execution of a definition.
type Run struct {
	ID           string                 `json:"id"`
	TenantID     string                 `json:"tenant_id"`
	DefinitionID string                 `json:"definition_id"`
	AssetID      string                 `json:"asset_id,omitempty"`
	ScanEventID  string                 `json:"scan_event_id,omitempty"`
	Status       RunStatus              `json:"status"`
	Context      map[string]interface{} `json:"context"`
	InputData    map[string]interface{} `json:"input_data"`
	// OutputData holds the set_output keys, the executed_steps results
	// and, for a failed run, the step error under "error".
	OutputData  map[string]interface{} `json:"output_data"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at,omitzero"`
}
