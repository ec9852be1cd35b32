package workflow

import "fmt"

// ValidateDefinition statically checks a workflow definition in its generic
// (decoded JSON) form and returns every violation found. An empty result
// means the definition is valid.
//
// Rules are evaluated independently so that all problems are reported,
// except that an empty or non-list steps value stops validation (no
// per-step checks follow) and an unsupported action stops the checks for
// that step only.
func ValidateDefinition(triggerType string, entryConditions interface{}, steps interface{}) []string {
	var errs []string
	if !TriggerType(triggerType).Valid() {
		errs = append(errs, "trigger_type is invalid")
	}

	if _, ok := entryConditions.(map[string]interface{}); !ok {
		errs = append(errs, "entry_conditions must be an object")
	}

	stepList, ok := steps.([]interface{})
	if !ok || len(stepList) < 1 {
		return append(errs, "steps must be a non-empty list")
	}

	for i, rawStep := range stepList {
		errs = append(errs, validateStep(fmt.Sprintf("steps[%d]", i), rawStep)...)
	}
	return errs
}

func validateStep(ref string, rawStep interface{}) (errs []string) {
	step, ok := rawStep.(map[string]interface{})
	if !ok {
		return []string{ref + " must be an object"}
	}

	action, _ := step["action"].(string)
	if !Action(action).Supported() {
		return []string{ref + ".action is unsupported"}
	}

	switch Action(action) {
	case ActionValidateRequiredFields:
		if fields, ok := step["fields"].([]interface{}); !ok || len(fields) < 1 {
			errs = append(errs, ref+".fields must be a non-empty list")
		} else {
			for _, f := range fields {
				if s, ok := f.(string); !ok || s == "" {
					errs = append(errs, ref+".fields must contain only non-empty strings")
					break
				}
			}
		}
		if src, present := step["source"]; present {
			if s, ok := src.(string); !ok || s == "" {
				errs = append(errs, ref+".source must be a non-empty string")
			}
		}

	case ActionSetAssetStatus:
		if status, _ := step["status"].(string); !AssetStatus(status).Valid() {
			errs = append(errs, ref+".status is invalid")
		}

	case ActionUpdateAssetCustomFields:
		if _, ok := step["fields"].(map[string]interface{}); !ok {
			errs = append(errs, ref+".fields must be an object")
		}

	case ActionCreateHistory:
		if et, present := step["event_type"]; present && et != nil && et != "" {
			if s, _ := et.(string); !HistoryEventType(s).Valid() {
				errs = append(errs, ref+".event_type is invalid")
			}
		}

	case ActionSetOutput:
		if key, _ := step["key"].(string); key == "" {
			errs = append(errs, ref+".key is required")
		}
		if _, present := step["value"]; !present {
			errs = append(errs, ref+".value is required")
		}
	}
	return
}
