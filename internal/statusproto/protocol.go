// Package statusproto defines the JSON frame protocol of the status channel:
// a tagged union spoken both by the hub towards browser subscribers and by
// the upstream push transport towards this service.
package statusproto

import (
	"encoding/json"
	"errors"

	"pairsync/internal/model"
)

const (
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeSubscribed   = "subscribed"
	TypeStatus       = "status"
	TypeQRCode       = "qr_code"
	TypeQRTimeout    = "qr_timeout"
	TypeConnected    = "connected"
	TypeDisconnected = "disconnected"
	TypeError        = "error"
)

// Frame is one protocol message. Type discriminates which of the optional
// fields are meaningful.
type Frame struct {
	Type        string `json:"type"`
	SubClientID string `json:"subClientId"`
	State       string `json:"state,omitempty"`
	Connected   *bool  `json:"connected,omitempty"`
	Phone       string `json:"phone,omitempty"`
	DeviceName  string `json:"deviceName,omitempty"`
	ConnectedAt int64  `json:"connectedAt,omitempty"`
	QRCode      string `json:"qrCode,omitempty"`
	Error       string `json:"error,omitempty"`
}

var (
	ErrMissingType        = errors.New("frame missing type")
	ErrMissingSubClientID = errors.New("frame missing subClientId")
)

func Parse(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	if f.Type == "" {
		return Frame{}, ErrMissingType
	}
	if f.SubClientID == "" {
		return Frame{}, ErrMissingSubClientID
	}
	return f, nil
}

func (f Frame) Encode() []byte {
	data, _ := json.Marshal(f)
	return data
}

func Subscribed(subClientID string) Frame {
	return Frame{Type: TypeSubscribed, SubClientID: subClientID}
}

func Subscribe(subClientID string) Frame {
	return Frame{Type: TypeSubscribe, SubClientID: subClientID}
}

// Status builds the snapshot frame for a session.
func Status(sess model.PairingSession) Frame {
	connected := sess.State == model.StateLinked
	f := Frame{
		Type:        TypeStatus,
		SubClientID: sess.ID,
		State:       string(sess.State),
		Connected:   &connected,
	}
	if sess.Device != nil {
		f.Phone = sess.Device.Phone
		f.DeviceName = sess.Device.DeviceName
		f.ConnectedAt = sess.Device.ConnectedAt
	}
	return f
}

// FramesForEvent maps a committed session change to its outbound frames.
// kind matches pairing.EventKind values; edge events get their dedicated
// frame followed by a status snapshot where observers need both.
func FramesForEvent(kind string, sess model.PairingSession) []Frame {
	switch kind {
	case "qr":
		return []Frame{{Type: TypeQRCode, SubClientID: sess.ID, QRCode: sess.QRPayload}}
	case "linked":
		connected := Frame{Type: TypeConnected, SubClientID: sess.ID}
		if sess.Device != nil {
			connected.Phone = sess.Device.Phone
			connected.DeviceName = sess.Device.DeviceName
			connected.ConnectedAt = sess.Device.ConnectedAt
		}
		return []Frame{connected, Status(sess)}
	case "expired":
		return []Frame{{Type: TypeQRTimeout, SubClientID: sess.ID}, Status(sess)}
	case "error":
		return []Frame{{Type: TypeError, SubClientID: sess.ID, Error: sess.LastError}}
	case "disconnected":
		return []Frame{{Type: TypeDisconnected, SubClientID: sess.ID}, Status(sess)}
	case "state":
		return []Frame{Status(sess)}
	default:
		return nil
	}
}
