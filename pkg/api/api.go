// Package api defines the control messages exchanged between the relay and its peers.
//
// Each control message is a JSON object with a required "Type" discriminator
// and a fixed set of fields that depend on that type:
//
//	{"Type":"ViewerConnectRequest","SessionID":"ABCD 2345"}
//
// Messages are decoded once at the boundary into one of the concrete variants
// (a *Classify, *JoinRequest, ...) and validated there, so handlers never
// look at raw fields. Raw binary frames carry no envelope and never pass
// through this package.
package api

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Type is the message discriminator.
type Type string

const (
	ConnectionTypeT   Type = "ConnectionType"
	SessionIDT        Type = "SessionID"
	ReadyForViewerT   Type = "ReadyForViewer"
	ViewerConnectT    Type = "ViewerConnectRequest"
	ElevatedClientT   Type = "RequestForElevatedClient"
	DesktopSwitchT    Type = "DesktopSwitch"
	ParticipantListT  Type = "ParticipantList"
	EncryptionStatusT Type = "EncryptionStatus"
	ImageRequestT     Type = "ImageRequest"
	SASRequestT       Type = "SAS"
	HeartbeatT        Type = "Heartbeat"
	HubDataRequestT   Type = "HubDataRequest"
	BinaryTransferT   Type = "BinaryTransferStarting"
)

// Status values carried by request/response messages.
const (
	StatusOk       = "ok"
	StatusFailed   = "failed"
	StatusNotFound = "notfound"

	EncryptionOn     = "On"
	EncryptionOff    = "Off"
	EncryptionFailed = "Failed"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
)

// Message is one of the concrete message variants of this package.
type Message interface {
	Kind() Type
	setType(Type)
}

// Header is embedded into every variant and holds the discriminator.
type Header struct {
	Type Type `json:"Type"`
}

func (h *Header) setType(t Type) { h.Type = t }

type validator interface{ validate() error }

// factory lists every message a peer may legally send.
// Server-only messages are encoded but never decoded by the relay
// and are still listed so that peers (and tests) can decode them.
var factory = map[Type]func() Message{
	ConnectionTypeT:   func() Message { return new(Classify) },
	SessionIDT:        func() Message { return new(SessionAssigned) },
	ReadyForViewerT:   func() Message { return new(ReadyForViewer) },
	ViewerConnectT:    func() Message { return new(JoinRequest) },
	ElevatedClientT:   func() Message { return new(ElevationRequest) },
	DesktopSwitchT:    func() Message { return new(DesktopSwitch) },
	ParticipantListT:  func() Message { return new(ParticipantList) },
	EncryptionStatusT: func() Message { return new(EncryptionStatus) },
	ImageRequestT:     func() Message { return new(ImageRequest) },
	SASRequestT:       func() Message { return new(SAS) },
	HeartbeatT:        func() Message { return new(Heartbeat) },
	HubDataRequestT:   func() Message { return new(HubDataRequest) },
	BinaryTransferT:   func() Message { return new(BinaryTransferStart) },
}

// Decode unwraps a control message into its variant.
// Two-pass: the header is read first to pick the concrete type.
func Decode(data []byte) (Message, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	mk, ok := factory[h.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, h.Type)
	}
	m := mk()
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, h.Type, err)
	}
	if v, ok := m.(validator); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, h.Type, err)
		}
	}
	return m, nil
}

// Encode serializes a message, stamping its discriminator.
func Encode(m Message) ([]byte, error) {
	m.setType(m.Kind())
	return json.Marshal(m)
}
