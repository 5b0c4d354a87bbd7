// Package notify delivers lifecycle and security events to configured sinks.
// Delivery is fire-and-forget: events are queued on a bounded channel and a
// background worker pushes them out, so a slow or failing sink can never
// stall the activation path.
package notify

import "time"

// Trigger identifies the event class for routing and display.
type Trigger string

const (
	TriggerIPBanned         Trigger = "Security.IpBanned"
	TriggerZombieDetected   Trigger = "Security.ZombieDetected"
	TriggerLicenseCreated   Trigger = "License.Created"
	TriggerLicenseActivated Trigger = "License.Activated"
	TriggerResetRequested   Trigger = "License.ResetRequested"
)

// Event is one notification.
type Event struct {
	Trigger Trigger        `json:"trigger"`
	Title   string         `json:"title"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}

// Notifier is the interface the core components emit through.
type Notifier interface {
	Notify(trigger Trigger, title, message string, data map[string]any)
}

// Discard is a Notifier that drops everything. Useful in tests and CLI paths.
type Discard struct{}

func (Discard) Notify(Trigger, string, string, map[string]any) {}

// Sink receives events from the dispatcher worker.
type Sink interface {
	Deliver(ev Event) error
}
