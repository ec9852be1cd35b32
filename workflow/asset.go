package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/assetra/automation/utils/canonjson"
)

// AssetStatus is the lifecycle status of a tracked asset.
type AssetStatus string

const (
	AssetActive        AssetStatus = "active"
	AssetInMaintenance AssetStatus = "in_maintenance"
	AssetRetired       AssetStatus = "retired"
	AssetLost          AssetStatus = "lost"
)

// AssetStatuses is the closed set of valid asset statuses.
var AssetStatuses = [...]AssetStatus{
	AssetActive,
	AssetInMaintenance,
	AssetRetired,
	AssetLost,
}

// Valid reports whether s is a member of the asset status enum.
func (s AssetStatus) Valid() bool {
	for _, v := range AssetStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// HistoryEventType categorizes asset state history records.
type HistoryEventType string

const (
	HistoryCreate    HistoryEventType = "create"
	HistoryAssign    HistoryEventType = "assign"
	HistoryMove      HistoryEventType = "move"
	HistoryInspect   HistoryEventType = "inspect"
	HistoryMaintain  HistoryEventType = "maintain"
	HistoryRetire    HistoryEventType = "retire"
	HistoryScan      HistoryEventType = "scan"
	HistoryReconcile HistoryEventType = "reconcile"
)

// HistoryEventTypes is the closed set of valid history event types.
var HistoryEventTypes = [...]HistoryEventType{
	HistoryCreate,
	HistoryAssign,
	HistoryMove,
	HistoryInspect,
	HistoryMaintain,
	HistoryRetire,
	HistoryScan,
	HistoryReconcile,
}

func (t HistoryEventType) Valid() bool {
	for _, v := range HistoryEventTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Asset is a tenant-scoped tracked asset.
// Only the fields the automation pipeline reads or writes are modeled.
type Asset struct {
	ID           string                 `json:"id"`
	TenantID     string                 `json:"tenant_id"`
	AssetTag     string                 `json:"asset_tag"`
	Name         string                 `json:"name,omitempty"`
	Status       AssetStatus            `json:"status"`
	LocationID   string                 `json:"location_id,omitempty"`
	CustomFields map[string]interface{} `json:"custom_fields,omitempty"`
	UpdatedAt    time.Time              `json:"updated_at,omitzero"`
}

// PrimaryKey returns the asset ID.
func (a *Asset) PrimaryKey() string {
	return a.ID
}

// Field implements attribute-style access for context resolution.
func (a *Asset) Field(name string) (interface{}, bool) {
	if a == nil {
		return nil, false
	}
	switch name {
	case "id":
		return a.ID, true
	case "tenant_id":
		return a.TenantID, true
	case "asset_tag":
		return a.AssetTag, true
	case "name":
		return a.Name, true
	case "status":
		return string(a.Status), true
	case "location_id":
		return a.LocationID, a.LocationID != ""
	case "custom_fields":
		return a.CustomFields, a.CustomFields != nil
	}
	return nil, false
}

// ScanEvent is a single barcode/RFID scan captured by a client.
type ScanEvent struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	AssetID    string `json:"asset_id,omitempty"`
	Symbology  string `json:"symbology"`
	RawValue   string `json:"raw_value"`
	SourceType string `json:"source_type,omitempty"`
	LocationID string `json:"location_id,omitempty"`

	Status           ScanStatus             `json:"status,omitempty"`
	DecodedPayload   map[string]interface{} `json:"decoded_payload,omitempty"`
	ValidationErrors []string               `json:"validation_errors,omitempty"`

	CreatedAt time.Time `json:"created_at,omitzero"`
}

// PrimaryKey returns the scan event ID.
func (s *ScanEvent) PrimaryKey() string {
	return s.ID
}

// Field implements attribute-style access for context resolution.
func (s *ScanEvent) Field(name string) (interface{}, bool) {
	if s == nil {
		return nil, false
	}
	switch name {
	case "id":
		return s.ID, true
	case "tenant_id":
		return s.TenantID, true
	case "asset_id":
		return s.AssetID, s.AssetID != ""
	case "symbology":
		return s.Symbology, true
	case "raw_value":
		return s.RawValue, true
	case "source_type":
		return s.SourceType, true
	case "location_id":
		return s.LocationID, s.LocationID != ""
	case "status":
		return string(s.Status), s.Status != ""
	}
	return nil, false
}

// ContextMap is the map form of a scan event placed into run contexts by
// the scan trigger.
func (s *ScanEvent) ContextMap() map[string]interface{} {
	return map[string]interface{}{
		"id":          s.ID,
		"symbology":   s.Symbology,
		"raw_value":   s.RawValue,
		"source_type": s.SourceType,
	}
}

// HistoryRecord is an immutable entry in an asset's state history.
type HistoryRecord struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenant_id"`
	AssetID       string           `json:"asset_id"`
	EventType     HistoryEventType `json:"event_type"`
	ActorID       string           `json:"actor_id,omitempty"`
	LocationID    string           `json:"location_id,omitempty"`
	PreviousState interface{}      `json:"previous_state"`
	NewState      interface{}      `json:"new_state"`
	Checksum      string           `json:"checksum"`
	CreatedAt     time.Time        `json:"created_at"`
}

// ComputeChecksum returns the SHA-256 hex digest identifying the record contents.
func (h *HistoryRecord) ComputeChecksum() (string, error) {
	prev, err := canonjson.Marshal(h.PreviousState)
	if err != nil {
		return "", fmt.Errorf("previous state: %w", err)
	}
	next, err := canonjson.Marshal(h.NewState)
	if err != nil {
		return "", fmt.Errorf("new state: %w", err)
	}
	sum := sha256.Sum256([]byte(h.AssetID + ":" + string(h.EventType) + ":" + string(prev) + ":" + string(next)))
	return hex.EncodeToString(sum[:]), nil
}
