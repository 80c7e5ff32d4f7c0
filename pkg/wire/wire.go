// Package wire moves discrete units over a peer connection.
//
// A unit is either a serialized control message or a raw binary frame.
// On a plain TCP stream every unit is prefixed with a 5-byte header:
//
//	uint32 big-endian payload length | 1 byte kind | payload
//
// On a WebSocket the frame type carries the kind: text messages are control
// messages and binary messages are raw frames.
//
// Once a cipher is set, payloads in both directions are sealed as
// nonce|ciphertext|tag; the header stays in the clear.
package wire

import (
	"errors"
	"time"

	"github.com/giongto35/cloud-relay/pkg/crypto"
)

type Kind byte

const (
	Message Kind = 1
	Binary  Kind = 2
)

func (k Kind) String() string {
	switch k {
	case Message:
		return "message"
	case Binary:
		return "binary"
	}
	return "unknown"
}

const (
	headerSize     = 5
	writeWait      = 10 * time.Second
	DefaultMaxUnit = 16 << 20
)

var (
	ErrUnitTooLarge = errors.New("unit too large")
	ErrBadKind      = errors.New("bad unit kind")
)

// Transport is one side of a peer connection.
//
// ReadUnit must be called from a single goroutine; the returned payload is
// only valid until the next call. WriteUnit calls must be serialized by the
// caller. Release hands the pooled buffers back and must be called once
// after both reads and writes are over.
type Transport interface {
	ReadUnit() (Kind, []byte, error)
	WriteUnit(kind Kind, payload []byte) error
	SetCipher(c *crypto.Cipher)
	RemoteAddr() string
	Close() error
	Release()
}
