package tern

import (
	"errors"
	"fmt"

	"github.com/ternnet/tern/transport"
)

var (
	// ErrAlreadyInitialized is returned by Init while another Library
	// handle is still alive.
	ErrAlreadyInitialized = errors.New("tern: engine already initialized")

	// ErrAlreadyDeinitialized is returned by Init after the last Library
	// handle has been closed.
	ErrAlreadyDeinitialized = errors.New("tern: engine already deinitialized")

	// ErrPacketSpent is returned by Peer.SendPacket when given a packet
	// whose buffer the engine already took ownership of, or a destroyed
	// one.
	ErrPacketSpent = errors.New("tern: packet already spent")

	// ErrPacketTooLarge is returned by NewPacket when the payload length
	// cannot be represented in the engine's length field.
	ErrPacketTooLarge = errors.New("tern: packet data too large for engine length field")
)

// InitError reports a failed engine initialization with the raw status code.
type InitError struct {
	Code transport.Status
}

func (e *InitError) Error() string {
	return fmt.Sprintf("tern: engine initialization failed (status %d)", e.Code)
}

// EngineError reports an engine operation failure. Code carries the engine's
// raw negative status; creation failures signaled by a nil handle use code 0.
type EngineError struct {
	Op   string
	Code transport.Status
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("tern: %s failed (status %d)", e.Op, e.Code)
}

func engineErr(op string, code transport.Status) error {
	return &EngineError{Op: op, Code: code}
}
