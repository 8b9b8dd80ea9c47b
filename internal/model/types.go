package model

type SessionState string

const (
	StateIdle         SessionState = "idle"
	StateStarting     SessionState = "starting"
	StateAwaitingScan SessionState = "awaiting_scan"
	StateLinked       SessionState = "linked"
	StateExpired      SessionState = "expired"
	StateError        SessionState = "error"
	StateStopped      SessionState = "stopped"
)

// Terminal reports whether the state ends the current pairing attempt.
func (s SessionState) Terminal() bool {
	switch s {
	case StateLinked, StateExpired, StateError, StateStopped:
		return true
	}
	return false
}

type Device struct {
	Phone       string
	DeviceName  string
	ConnectedAt int64
}

// PairingSession is the externally observable state of one device-linking
// attempt for one sub-client. ID equals the sub-client identifier.
//
// Invariants, enforced by the commit path in internal/pairing:
//   - QRPayload is non-empty only in AwaitingScan.
//   - Device is non-nil iff State == Linked.
//   - Generation only ever increases, exactly once per Start.
type PairingSession struct {
	ID         string
	State      SessionState
	QRPayload  string
	QRIssuedAt int64
	Device     *Device
	LastError  string
	Generation int64
	UpdatedAt  int64
}

// LinkedDevice is the persisted record of a completed pairing, kept so a
// linked sub-client survives a service restart.
type LinkedDevice struct {
	SubClientID string `json:"subClientId"`
	Phone       string `json:"phone"`
	DeviceName  string `json:"deviceName"`
	ConnectedAt int64  `json:"connectedAt"`
}
