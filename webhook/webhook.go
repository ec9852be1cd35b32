// Package webhook defines webhook endpoints, deliveries and the pure parts
// of the delivery state machine: canonical signing and retry decisions.
package webhook

import (
	"encoding/json"
	"time"
)

// Direction is the direction of traffic for an endpoint.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionInbound || d == DirectionOutbound
}

// DeliveryStatus is the state of a delivery.
type DeliveryStatus string

const (
	StatusPending    DeliveryStatus = "pending"
	StatusSuccess    DeliveryStatus = "success"
	StatusFailed     DeliveryStatus = "failed"
	StatusDeadLetter DeliveryStatus = "dead_letter"
)

// Terminal reports whether s admits no further delivery attempts.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusDeadLetter
}

// Valid reports whether s is a known delivery status.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSuccess, StatusFailed, StatusDeadLetter:
		return true
	}
	return false
}

// Endpoint is a tenant-scoped webhook target or source.
type Endpoint struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Direction Direction `json:"direction"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret,omitempty"`

	// Events are the event names an outbound endpoint is subscribed to.
	Events []string `json:"events"`

	Active bool `json:"is_active"`

	// LastDeliveryAt is only updated by a successful outbound send.
	LastDeliveryAt time.Time `json:"last_delivery_at,omitzero"`

	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// Subscribed reports whether e is subscribed to event.
func (e *Endpoint) Subscribed(event string) bool {
	for _, v := range e.Events {
		if v == event {
			return true
		}
	}
	return false
}

// Delivery is one logical delivery of an event to an endpoint.
// The same delivery is reused across retries.
type Delivery struct {
	ID         string `json:"id"`
	TenantID   string `json:"tenant_id"`
	EndpointID string `json:"endpoint_id"`
	EventName  string `json:"event_name"`

	// Payload is the canonical JSON body set at creation. It never
	// changes so every attempt sends and signs the same bytes.
	Payload json.RawMessage `json:"payload"`

	// MaxAttempts and RetryBase override the dispatcher defaults for
	// this delivery when non-zero.
	MaxAttempts int           `json:"max_attempts,omitempty"`
	RetryBase   time.Duration `json:"retry_base,omitempty"`

	Status       DeliveryStatus `json:"status"`
	AttemptCount int            `json:"attempt_count"`
	ResponseCode int            `json:"response_code,omitempty"`
	ResponseBody string         `json:"response_body,omitempty"`
	LastError    string         `json:"last_error,omitempty"`

	NextAttemptAt  time.Time `json:"next_attempt_at,omitzero"`
	DeadLetteredAt time.Time `json:"dead_lettered_at,omitzero"`
	DeliveredAt    time.Time `json:"delivered_at,omitzero"`

	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}
