// Package signaling owns the logical connection to the relay: registration,
// the long-poll event loop, the liveness heartbeat, and reconnection with
// bounded exponential backoff.
//
// The connection lifecycle is modeled as a pure state machine
// (Transition) whose effects are executed by the Session runtime, keeping
// the transition logic synchronously testable.
package signaling

import "encoding/json"

// EventType identifies a remote notification delivered through the relay.
type EventType string

const (
	EventInvite         EventType = "invite"
	EventInviteAccepted EventType = "invite_accepted"
	EventInviteRejected EventType = "invite_rejected"
	EventMessage        EventType = "message"
	EventContactDeleted EventType = "contact_deleted"
	EventContactBlocked EventType = "contact_blocked"
	EventProfileUpdated EventType = "profile_updated"
)

// Event is a remote notification. Delivery is at-least-once; consumers must
// apply events idempotently.
type Event struct {
	Type    EventType       `json:"type"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Notification types surfaced on the application bus.
const (
	NotifyConnectionStatus = "signaling.connection_status"
	NotifySendFailed       = "signaling.send_failed"
)

// SendFailure reports an outbound relay command that failed. Sends are never
// retried automatically; the caller must re-issue.
type SendFailure struct {
	Command string
	To      string
	Err     error
}
