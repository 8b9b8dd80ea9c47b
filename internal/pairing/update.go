package pairing

import "pairsync/internal/model"

// EventKind tags a committed session change so subscribers (local observers,
// the status hub bridge) can map it to wire frames.
type EventKind string

const (
	EventState        EventKind = "state" // Starting, AwaitingScan, Stopped transitions
	EventQR           EventKind = "qr"
	EventLinked       EventKind = "linked"
	EventExpired      EventKind = "expired"
	EventError        EventKind = "error"
	EventDisconnected EventKind = "disconnected"
)

// Event is delivered exactly once per commit, carrying an immutable snapshot
// of the session after the commit was applied.
type Event struct {
	Kind    EventKind
	Session model.PairingSession
}

// UpdateFunc is a local observer callback registered via OnUpdate.
type UpdateFunc func(model.PairingSession)
