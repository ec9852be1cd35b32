// Package logkeys defines some static logging keys for consistent structured logging output.
// Mostly exists as a mental aid when drafting log messages.
package logkeys

const (
	Message = "msg"
	Error   = "err"

	TenantID = "tenant_id"

	// workflow engine
	DefinitionID   = "definition_id"
	DefinitionName = "definition_name"
	RunID          = "run_id"
	TriggerType    = "trigger_type"
	Action         = "action"
	StepIndex      = "step_index"
	AssetID        = "asset_id"
	ScanEventID    = "scan_event_id"

	// webhooks
	EndpointID  = "endpoint_id"
	DeliveryID  = "delivery_id"
	EventName   = "event_name"
	Attempt     = "attempt"
	StatusCode  = "status_code"
	NextAttempt = "next_attempt_at"

	// a context-dependent numerical count/length of something
	GenericCount = "count"
)
