package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/assetra/automation/logkeys"
	"github.com/assetra/automation/workflow"

	"github.com/micromdm/nanolib/log/ctxlog"
)

// Trigger is one occurrence of a domain event that may start workflows.
type Trigger struct {
	TenantID    string
	TriggerType workflow.TriggerType
	ActorID     string

	Asset     *workflow.Asset
	ScanEvent *workflow.ScanEvent
	Extra     map[string]interface{}

	// DefinitionID restricts execution to a single definition.
	DefinitionID string

	// Force skips entry condition evaluation.
	Force bool
}

// RunContext builds the base run context for t under trigger.
func (t *Trigger) RunContext(trigger workflow.TriggerType) workflow.RunContext {
	return workflow.NewRunContext(trigger, t.Asset, t.ScanEvent, t.Extra)
}

// ExecuteTriggeredWorkflows runs the tenant's active definitions subscribed
// to the trigger type and returns the IDs of every run created, whether it
// succeeded or failed.
//
// Definitions are evaluated in name order against one shared run context so
// later definitions observe the asset changes made by earlier ones. Step
// failures produce failed runs and are not returned as errors; an error is
// returned only when definitions cannot be read or a run cannot be stored.
func (e *Engine) ExecuteTriggeredWorkflows(ctx context.Context, t *Trigger) ([]string, error) {
	if t == nil {
		return nil, ErrNilTrigger
	}
	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.TenantID, t.TenantID,
		logkeys.TriggerType, t.TriggerType,
	)

	defs, err := e.storage.RetrieveActiveDefinitions(ctx, t.TenantID, t.TriggerType)
	if err != nil {
		return nil, logAndError(err, logger, "retrieving definitions")
	}

	rc := t.RunContext(t.TriggerType)
	var runIDs []string
	var retErr error // accumulate and return the last run error
	for _, def := range defs {
		if t.DefinitionID != "" && def.ID != t.DefinitionID {
			continue
		}
		defLogger := logger.With(
			logkeys.DefinitionID, def.ID,
			logkeys.DefinitionName, def.Name,
		)
		if !t.Force && !workflow.EntryConditionsMatch(def.EntryConditions, rc) {
			defLogger.Debug(logkeys.Message, "entry conditions did not match")
			continue
		}
		runID, err := e.runDefinition(ctx, def, t, rc)
		if runID != "" {
			runIDs = append(runIDs, runID)
		}
		if err != nil {
			retErr = logAndError(err, defLogger, "running workflow")
		}
	}
	return runIDs, retErr
}

// runDefinition creates a run for def and interprets its steps in order.
func (e *Engine) runDefinition(ctx context.Context, def *workflow.Definition, t *Trigger, rc workflow.RunContext) (string, error) {
	started := e.now()
	run := &workflow.Run{
		ID:           e.ider.ID(),
		TenantID:     t.TenantID,
		DefinitionID: def.ID,
		Status:       workflow.RunRunning,
		Context:      rc.Snapshot(),
		InputData:    map[string]interface{}{"trigger_type": string(t.TriggerType)},
		OutputData:   map[string]interface{}{"executed_steps": []workflow.StepResult{}},
		StartedAt:    started.UTC(),
	}
	if t.Asset != nil {
		run.AssetID = t.Asset.ID
	}
	if t.ScanEvent != nil {
		run.ScanEventID = t.ScanEvent.ID
	}
	if err := e.storage.StoreRun(ctx, run); err != nil {
		return "", fmt.Errorf("creating run: %w", err)
	}

	logger := ctxlog.Logger(ctx, e.logger).With(
		logkeys.TenantID, run.TenantID,
		logkeys.DefinitionID, def.ID,
		logkeys.RunID, run.ID,
	)

	sr := &stepRun{run: run, rc: rc, actorID: t.ActorID}
	executed := []workflow.StepResult{}
	var stepErr *StepError
	for i, step := range def.Steps {
		result, err := e.executeStep(ctx, sr, step)
		if err != nil {
			stepErr = &StepError{Index: i, Action: step.Action, Err: err}
			break
		}
		executed = append(executed, result)
	}

	run.OutputData["executed_steps"] = executed
	if stepErr == nil {
		run.Status = workflow.RunSuccess
	} else {
		run.Status = workflow.RunFailed
		run.OutputData["error"] = stepErr.Error()
		logger.Info(
			logkeys.Message, "workflow step failed",
			logkeys.StepIndex, stepErr.Index,
			logkeys.Action, stepErr.Action,
			logkeys.Error, stepErr.Err,
		)
	}
	run.CompletedAt = e.now().UTC()
	e.metrics.WorkflowExecuted(ctx, def.Name, string(run.Status), e.now().Sub(started))

	if err := e.storage.StoreRun(ctx, run); err != nil {
		return run.ID, fmt.Errorf("finalizing run: %w", err)
	}
	logger.Debug(
		logkeys.Message, "workflow run finished",
		"status", run.Status,
		logkeys.GenericCount, len(executed),
	)
	e.notifyRun(ctx, run)
	return run.ID, nil
}

func (e *Engine) notifyRun(ctx context.Context, run *workflow.Run) {
	if e.notifier == nil {
		return
	}
	event := EventRunCompleted
	if run.Status == workflow.RunFailed {
		event = EventRunFailed
	}
	payload := map[string]interface{}{
		"run_id":        run.ID,
		"definition_id": run.DefinitionID,
		"status":        string(run.Status),
	}
	if run.AssetID != "" {
		payload["asset_id"] = run.AssetID
	}
	if errMsg, ok := run.OutputData["error"]; ok {
		payload["error"] = errMsg
	}
	if err := e.notifier.Notify(ctx, run.TenantID, event, payload); err != nil {
		ctxlog.Logger(ctx, e.logger).Info(
			logkeys.Message, "notifying run completion",
			logkeys.RunID, run.ID,
			logkeys.EventName, event,
			logkeys.Error, err,
		)
	}
}

// Dry run messages.
const (
	DryRunNotMatched = "Entry conditions did not match"
	DryRunSuccessful = "Dry run successful"
)

// DryRunResult previews a definition without side effects.
type DryRunResult struct {
	MatchedEntryConditions bool                  `json:"matched_entry_conditions"`
	Forced                 bool                  `json:"forced"`
	SimulatedSteps         []workflow.StepResult `json:"simulated_steps"`
	Message                string                `json:"message"`
}

// DryRunWorkflow simulates def against the trigger's asset, scan event and
// extra context. The run context is built with the definition's trigger
// type; the trigger's TriggerType, TenantID and DefinitionID are ignored.
// No run is created and nothing is persisted.
func (e *Engine) DryRunWorkflow(ctx context.Context, def *workflow.Definition, t *Trigger) (*DryRunResult, error) {
	if def == nil {
		return nil, errors.New("nil definition")
	}
	if t == nil {
		t = new(Trigger)
	}
	rc := t.RunContext(def.TriggerType)
	matched := workflow.EntryConditionsMatch(def.EntryConditions, rc)
	if !matched && !t.Force {
		return &DryRunResult{
			SimulatedSteps: []workflow.StepResult{},
			Message:        DryRunNotMatched,
		}, nil
	}
	res := &DryRunResult{
		MatchedEntryConditions: matched,
		Forced:                 t.Force,
		SimulatedSteps:         make([]workflow.StepResult, 0, len(def.Steps)),
		Message:                DryRunSuccessful,
	}
	for i, step := range def.Steps {
		result, err := SimulateStep(step, rc)
		if err != nil {
			return nil, &StepError{Index: i, Action: step.Action, Err: err}
		}
		res.SimulatedSteps = append(res.SimulatedSteps, result)
	}
	ctxlog.Logger(ctx, e.logger).Debug(
		logkeys.Message, "dry run",
		logkeys.DefinitionID, def.ID,
		logkeys.GenericCount, len(res.SimulatedSteps),
	)
	return res, nil
}
