// Package webhook implements per-owner webhook subscriptions and the
// at-least-once event delivery pipeline: TriggerEvent appends an immutable
// event record, then fans it out to every active matching webhook with
// HMAC signing, bounded retries, and a per-webhook delivery history.
package webhook

import "time"

// EventType is the closed set of event names a webhook may subscribe to.
type EventType string

const (
	EventRequestCreated   EventType = "request.created"
	EventRequestCompleted EventType = "request.completed"
	EventRequestFailed    EventType = "request.failed"
	EventModelUnavailable EventType = "model.unavailable"
	EventModelFallback    EventType = "model.fallback"
	EventEndpointCreated  EventType = "endpoint.created"
	EventEndpointUpdated  EventType = "endpoint.updated"
	EventEndpointDeleted  EventType = "endpoint.deleted"
	EventCreditLow        EventType = "credit.low"
	EventBatchCompleted   EventType = "batch.completed"
	EventError            EventType = "error"
)

var allEventTypes = map[EventType]struct{}{
	EventRequestCreated:   {},
	EventRequestCompleted: {},
	EventRequestFailed:    {},
	EventModelUnavailable: {},
	EventModelFallback:    {},
	EventEndpointCreated:  {},
	EventEndpointUpdated:  {},
	EventEndpointDeleted:  {},
	EventCreditLow:        {},
	EventBatchCompleted:   {},
	EventError:            {},
}

// ValidEventType reports whether t is a member of the closed event set.
func ValidEventType(t EventType) bool {
	_, ok := allEventTypes[t]
	return ok
}

const (
	// DefaultRetries is applied when a webhook is created without an
	// explicit retry count.
	DefaultRetries = 3
	// MaxRetries caps the per-webhook retry knob.
	MaxRetries = 10
)

// Config is one webhook subscription. Deliveries go to URL; Events selects
// which event types fan out to it.
type Config struct {
	ID      string            `json:"id"`
	Owner   string            `json:"owner"`
	URL     string            `json:"url"`
	Name    string            `json:"name"`
	Events  []EventType       `json:"events"`
	Secret  string            `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Retries int               `json:"retries"`
	Active  bool              `json:"active"`

	// LastStatus is the HTTP status of the most recent delivery attempt,
	// 0 when the attempt never reached the upstream.
	LastStatus int       `json:"last_status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (c *Config) subscribes(t EventType) bool {
	for _, e := range c.Events {
		if e == t {
			return true
		}
	}
	return false
}

// Event is an append-only record of something that happened in the core.
// Consumers deduplicate redelivered events by ID.
type Event struct {
	ID    string    `json:"id"`
	TS    time.Time `json:"ts"`
	Owner string    `json:"owner"`
	Type  EventType `json:"type"`
	Data  any       `json:"data,omitempty"`
}

// Delivery records one attempt to hand an event to one webhook.
type Delivery struct {
	ID           string     `json:"id"`
	WebhookID    string     `json:"webhook_id"`
	EventID      string     `json:"event_id"`
	Attempt      int        `json:"attempt"`
	TS           time.Time  `json:"ts"`
	Success      bool       `json:"success"`
	StatusCode   int        `json:"status_code,omitempty"`
	ResponseBody string     `json:"response_body,omitempty"`
	NextRetry    *time.Time `json:"next_retry,omitempty"`
}
