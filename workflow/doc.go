/*
Package workflow defines workflow definitions, steps, runs and the pure
primitives that operate on them.

# Definitions

A Definition belongs to a tenant and subscribes to one trigger type
(on_scan, on_status_change or on_time). Its entry conditions are a
conjunction of dotted-path equality checks against the run context and its
steps are an ordered list drawn from a closed set of actions. Definitions
must pass ValidateDefinition before they are stored; the engine trusts
stored definitions.

# Steps

A Step is a tagged union: the Action tag selects exactly one payload.
The JSON form is flat, e.g.

	{"action": "set_asset_status", "status": "in_maintenance"}

There is no scripting: the set of actions is fixed at compile time in
SupportedActions.

# Context

A RunContext is the mutable value bag a run's steps read and write. It
holds at least "asset", "scan_event" and "trigger_type" plus any extra
values supplied by the trigger. Paths such as "scan_event.raw_value" are
resolved with Resolve; domain objects participate through the Fielder
interface. String values of the exact form "{{path}}" are templates and
are substituted with Render.

A RunContext is never persisted as-is. Snapshot produces a JSON-safe
projection in which domain objects are reduced to their primary keys.
*/
package workflow
