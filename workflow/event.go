package workflow

// TriggerType is the category of domain event a workflow definition subscribes to.
type TriggerType string

// Storage backends persist these string values.
const (
	TriggerOnScan         TriggerType = "on_scan"
	TriggerOnStatusChange TriggerType = "on_status_change"
	TriggerOnTime         TriggerType = "on_time"
)

// TriggerTypes is the closed set of known trigger types.
var TriggerTypes = [...]TriggerType{
	TriggerOnScan,
	TriggerOnStatusChange,
	TriggerOnTime,
}

func (t TriggerType) Valid() bool {
	for _, v := range TriggerTypes {
		if t == v {
			return true
		}
	}
	return false
}

func (t TriggerType) String() string {
	return string(t)
}
