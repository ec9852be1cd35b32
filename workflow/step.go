package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Action is the tag of a workflow step.
type Action string

const (
	ActionValidateRequiredFields  Action = "validate_required_fields"
	ActionSetAssetStatus          Action = "set_asset_status"
	ActionUpdateAssetCustomFields Action = "update_asset_custom_fields"
	ActionCreateHistory           Action = "create_history"
	ActionSetOutput               Action = "set_output"
)

// SupportedActions is the closed set of step kinds.
// There is no registration mechanism: adding a kind means adding a
// constant here and a case to the engine interpreter.
var SupportedActions = [...]Action{
	ActionValidateRequiredFields,
	ActionSetAssetStatus,
	ActionUpdateAssetCustomFields,
	ActionCreateHistory,
	ActionSetOutput,
}

// Supported reports whether a is one of SupportedActions.
func (a Action) Supported() bool {
	for _, v := range SupportedActions {
		if a == v {
			return true
		}
	}
	return false
}

// DefaultRequiredFieldsSource is the context path checked when a
// validate_required_fields step does not name a source.
const DefaultRequiredFieldsSource = "asset.custom_fields"

// ErrMissingAction is returned when decoding a step with no action tag.
var ErrMissingAction = errors.New("missing step action")

// ValidateRequiredFields checks that Fields are present and non-empty in the
// mapping found at Source.
type ValidateRequiredFields struct {
	Fields []string `json:"fields"`
	Source string   `json:"source,omitempty"`
}

// SourcePath returns Source or its default.
func (p *ValidateRequiredFields) SourcePath() string {
	if p.Source == "" {
		return DefaultRequiredFieldsSource
	}
	return p.Source
}

// SetAssetStatus changes the status of the context asset.
type SetAssetStatus struct {
	Status AssetStatus `json:"status"`
}

// UpdateAssetCustomFields merges rendered values into the context asset's custom fields.
type UpdateAssetCustomFields struct {
	Fields map[string]interface{} `json:"fields"`
}

// CreateHistory appends a history record for the context asset.
// An absent state defaults to the asset's current status while an
// explicit JSON null is recorded as null.
type CreateHistory struct {
	EventType     HistoryEventType `json:"event_type,omitempty"`
	PreviousState json.RawMessage  `json:"previous_state,omitempty"`
	NewState      json.RawMessage  `json:"new_state,omitempty"`
}

// HistoryEventType returns EventType or the default (inspect).
func (p *CreateHistory) HistoryEventType() HistoryEventType {
	if p.EventType == "" {
		return HistoryInspect
	}
	return p.EventType
}

// SetOutput writes a rendered value into the run output under Key.
type SetOutput struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// Step is one element of a workflow definition.
// Exactly one payload matching Action is set for supported actions.
// A step with an unsupported action decodes successfully with no payload
// so that the interpreter can reject it.
type Step struct {
	Action Action

	ValidateRequiredFields  *ValidateRequiredFields
	SetAssetStatus          *SetAssetStatus
	UpdateAssetCustomFields *UpdateAssetCustomFields
	CreateHistory           *CreateHistory
	SetOutput               *SetOutput
}

// payload returns the kind-specific payload for s.Action.
func (s *Step) payload() interface{} {
	switch s.Action {
	case ActionValidateRequiredFields:
		return s.ValidateRequiredFields
	case ActionSetAssetStatus:
		return s.SetAssetStatus
	case ActionUpdateAssetCustomFields:
		return s.UpdateAssetCustomFields
	case ActionCreateHistory:
		return s.CreateHistory
	case ActionSetOutput:
		return s.SetOutput
	}
	return nil
}

// MarshalJSON encodes s as a flat object: the action tag alongside the payload fields.
func (s Step) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{})
	if p := s.payload(); p != nil {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		if err = json.Unmarshal(b, &m); err != nil {
			return nil, err
		}
	}
	m["action"] = s.Action
	return json.Marshal(m)
}

// UnmarshalJSON decodes the flat object form of a step.
func (s *Step) UnmarshalJSON(data []byte) error {
	var tag struct {
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	if tag.Action == "" {
		return ErrMissingAction
	}
	*s = Step{Action: tag.Action}
	var p interface{}
	switch tag.Action {
	case ActionValidateRequiredFields:
		s.ValidateRequiredFields = new(ValidateRequiredFields)
		p = s.ValidateRequiredFields
	case ActionSetAssetStatus:
		s.SetAssetStatus = new(SetAssetStatus)
		p = s.SetAssetStatus
	case ActionUpdateAssetCustomFields:
		s.UpdateAssetCustomFields = new(UpdateAssetCustomFields)
		p = s.UpdateAssetCustomFields
	case ActionCreateHistory:
		s.CreateHistory = new(CreateHistory)
		p = s.CreateHistory
	case ActionSetOutput:
		s.SetOutput = new(SetOutput)
		p = s.SetOutput
	default:
		return nil
	}
	if err := json.Unmarshal(data, p); err != nil {
		return fmt.Errorf("decoding %s step: %w", tag.Action, err)
	}
	return nil
}
