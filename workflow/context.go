package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// Well-known run context keys.
const (
	ContextAsset       = "asset"
	ContextScanEvent   = "scan_event"
	ContextTriggerType = "trigger_type"
)

// Fielder provides attribute-style access to domain objects placed in a
// run context. The bool is false when the attribute is missing or unset.
type Fielder interface {
	Field(name string) (interface{}, bool)
}

// PrimaryKeyer is implemented by domain objects that reduce to their
// primary key in JSON-safe context projections.
type PrimaryKeyer interface {
	PrimaryKey() string
}

// RunContext is the mutable value bag threaded through one workflow run.
// Steps that change the referenced asset mutate it in place.
type RunContext map[string]interface{}

// NewRunContext builds the base context for a trigger.
// Extra values are merged last and may override the base keys.
func NewRunContext(trigger TriggerType, asset *Asset, scanEvent *ScanEvent, extra map[string]interface{}) RunContext {
	c := RunContext{ContextTriggerType: string(trigger)}
	// avoid storing typed nil pointers so that absent objects resolve as absent
	if asset != nil {
		c[ContextAsset] = asset
	} else {
		c[ContextAsset] = nil
	}
	if scanEvent != nil {
		c[ContextScanEvent] = scanEvent
	} else {
		c[ContextScanEvent] = nil
	}
	for k, v := range extra {
		c[k] = v
	}
	return c
}

// Asset returns the context asset, if any.
func (c RunContext) Asset() *Asset {
	a, _ := c[ContextAsset].(*Asset)
	return a
}

// Resolve walks the dotted path through c.
// At each level a mapping is indexed by key and anything else is asked for
// an attribute. A missing or nil value at any level yields absent (false);
// no partial results are returned.
func Resolve(c RunContext, path string) (interface{}, bool) {
	var current interface{} = map[string]interface{}(c)
	for _, part := range strings.Split(path, ".") {
		var ok bool
		if current, ok = lookup(current, part); !ok || isNil(current) {
			return nil, false
		}
	}
	return current, true
}

func lookup(v interface{}, key string) (interface{}, bool) {
	switch t := v.(type) {
	case RunContext:
		r, ok := t[key]
		return r, ok
	case map[string]interface{}:
		r, ok := t[key]
		return r, ok
	case map[string]string:
		r, ok := t[key]
		return r, ok
	case Fielder:
		return t.Field(key)
	}
	return nil, false
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Render substitutes a whole-string template placeholder.
// Only a string wrapped exactly in "{{" and "}}" is treated as a template;
// its trimmed contents are resolved as a path against c. Absent values
// render as the empty string. Non-strings are returned unchanged.
func Render(value interface{}, c RunContext) interface{} {
	s, ok := value.(string)
	if !ok {
		return value
	}
	if len(s) < 4 || !strings.HasPrefix(s, "{{") || !strings.HasSuffix(s, "}}") {
		return s
	}
	resolved, ok := Resolve(c, strings.TrimSpace(s[2:len(s)-2]))
	if !ok {
		return ""
	}
	return resolved
}

// EntryConditionsMatch reports whether every condition path resolves in c
// to a value equal to its expected value. A missing value is a mismatch.
// An empty set of conditions always matches.
func EntryConditionsMatch(conditions map[string]interface{}, c RunContext) bool {
	for path, expected := range conditions {
		actual, ok := Resolve(c, path)
		if !ok || !jsonEqual(actual, expected) {
			return false
		}
	}
	return true
}

// jsonEqual compares values by their JSON-safe form so that e.g. an int
// in context equals a float64 decoded from a stored definition.
func jsonEqual(a, b interface{}) bool {
	return reflect.DeepEqual(normalize(JSONSafe(a)), normalize(JSONSafe(b)))
}

// normalize converts numeric types to float64 recursively.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, item := range t {
			m[k] = normalize(item)
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, item := range t {
			s[i] = normalize(item)
		}
		return s
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	}
	return v
}

// JSONSafe returns a projection of v containing only JSON primitives, maps
// and slices. Domain objects are reduced to their primary key and any
// other value is stringified.
func JSONSafe(v interface{}) interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case string, bool, float64, float32, int, int32, int64, uint, uint64, json.Number:
		return t
	case RunContext:
		return JSONSafe(map[string]interface{}(t))
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, item := range t {
			m[k] = JSONSafe(item)
		}
		return m
	case map[string]string:
		m := make(map[string]interface{}, len(t))
		for k, item := range t {
			m[k] = item
		}
		return m
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, item := range t {
			s[i] = JSONSafe(item)
		}
		return s
	case []string:
		s := make([]interface{}, len(t))
		for i, item := range t {
			s[i] = item
		}
		return s
	case PrimaryKeyer:
		if isNil(t) {
			return nil
		}
		return t.PrimaryKey()
	}
	if isNil(v) {
		return nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.String {
		// named string types such as AssetStatus
		return rv.String()
	}
	return fmt.Sprint(v)
}

// Snapshot returns the JSON-safe projection of c for persistence.
func (c RunContext) Snapshot() map[string]interface{} {
	m, _ := JSONSafe(c).(map[string]interface{})
	return m
}
