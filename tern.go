// Package tern is a connection manager for reliable-UDP engines. It
// multiplexes logical peers and channels over a single socket endpoint and
// offers per-packet reliability and sequencing modes.
//
// The package does not implement retransmission, congestion control or the
// socket layer itself; those live in a transport.Engine (see the
// transport/memtransport and transport/quictransport implementations). tern
// owns the resources the engine hands out - hosts, peer slots, packets - and
// turns the engine's raw event stream into a safe, generation-checked API.
//
// Typical use: Init an engine, create a Host, then repeatedly call
// Host.Service to drive the connection and drain events.
package tern

import (
	"fmt"
	"sync/atomic"

	"github.com/ternnet/tern/transport"
)

// Process-wide engine lifecycle. The engine is initialized exactly once, on
// the first successful Init, and deinitialized exactly once, when the last
// reference to the Library is released.
const (
	stateUninitialized uint32 = iota
	stateInitialized
	stateDeinitialized
)

var libState atomic.Uint32

// Library is the shared handle to an initialized engine. Hosts hold a
// reference to it for as long as they live; the engine is torn down when
// the last reference (the Library itself or any Host) is released.
//
// The Library is safe to share across goroutines. Hosts created from it
// are not; see Host.
type Library struct {
	engine transport.Engine
	refs   atomic.Int32
}

// Init initializes the engine and returns the process-wide Library handle.
//
// Only one Library may be live per process. A second Init while the first
// is alive returns ErrAlreadyInitialized; an Init after the last handle
// was closed returns ErrAlreadyDeinitialized.
func Init(engine transport.Engine) (*Library, error) {
	if !libState.CompareAndSwap(stateUninitialized, stateInitialized) {
		switch s := libState.Load(); s {
		case stateInitialized:
			return nil, ErrAlreadyInitialized
		case stateDeinitialized:
			return nil, ErrAlreadyDeinitialized
		default:
			panic(fmt.Sprintf("tern: corrupt library state %d", s))
		}
	}

	if s := engine.Initialize(); s < 0 {
		// Leave room for the caller to try a different engine.
		libState.Store(stateUninitialized)
		return nil, &InitError{Code: s}
	}

	lib := &Library{engine: engine}
	lib.refs.Store(1)
	return lib, nil
}

// LinkedVersion reports the engine release this Library is bound to.
func (l *Library) LinkedVersion() transport.Version {
	return l.engine.LinkedVersion()
}

// ResolveAddress resolves a hostname through the engine. The call may block
// on name resolution. An empty or unresolvable hostname fails with the
// engine's resolution status.
func (l *Library) ResolveAddress(hostname string, port uint16) (Address, error) {
	wire, status := l.engine.ResolveHost(hostname)
	if status < 0 {
		return Address{}, engineErr("address_set_host", status)
	}
	wire.Port = port
	return addressFromWire(wire), nil
}

// Close releases the caller's reference to the Library. The engine is
// deinitialized once every Host created from this Library has been closed
// as well.
func (l *Library) Close() error {
	l.release()
	return nil
}

func (l *Library) retain() {
	l.refs.Add(1)
}

func (l *Library) release() {
	n := l.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("tern: library reference count underflow")
	}
	if !libState.CompareAndSwap(stateInitialized, stateDeinitialized) {
		panic(fmt.Sprintf("tern: corrupt library state %d at teardown", libState.Load()))
	}
	l.engine.Deinitialize()
}
