package pairing

import "errors"

var (
	// ErrAlreadyLinked is returned by Start while a linked session exists.
	ErrAlreadyLinked = errors.New("sub-client already linked")

	// ErrUnknownSubClient is returned for reads of a sub-client that has
	// never been started or restored.
	ErrUnknownSubClient = errors.New("unknown sub-client")
)

// Error reasons surfaced on the session. Terminal Error/Expired states are
// user-visible and require an explicit re-Start; nothing here is retried by
// the engine itself.
const (
	ReasonBackendUnreachable = "service unreachable"
	ReasonQRTimeout          = "QR generation timeout"
)
