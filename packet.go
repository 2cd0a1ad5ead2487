package tern

import (
	"math"

	"github.com/ternnet/tern/transport"
)

// PacketMode is the reliability and sequencing contract requested for one
// outbound packet.
//
// There is no reliable-unsequenced mode; reliable traffic is always
// sequenced by the engine.
type PacketMode uint8

const (
	// UnreliableSequenced packets may be dropped by the network but are
	// delivered in order relative to other sequenced packets on the same
	// channel. This is the default mode.
	UnreliableSequenced PacketMode = iota
	// UnreliableUnsequenced packets may be dropped or arrive out of order.
	UnreliableUnsequenced
	// ReliableSequenced packets are guaranteed to arrive, in order
	// relative to other reliable packets on the same channel.
	ReliableSequenced
)

// IsReliable reports whether the mode guarantees delivery.
func (m PacketMode) IsReliable() bool {
	return m == ReliableSequenced
}

// IsSequenced reports whether the mode guarantees ordering on a channel.
func (m PacketMode) IsSequenced() bool {
	return m == UnreliableSequenced || m == ReliableSequenced
}

// String returns the mode name.
func (m PacketMode) String() string {
	switch m {
	case UnreliableSequenced:
		return "unreliable-sequenced"
	case UnreliableUnsequenced:
		return "unreliable-unsequenced"
	case ReliableSequenced:
		return "reliable-sequenced"
	default:
		return "unknown"
	}
}

func (m PacketMode) flags() transport.PacketFlags {
	switch m {
	case UnreliableSequenced:
		return 0
	case UnreliableUnsequenced:
		return transport.FlagUnsequenced
	case ReliableSequenced:
		return transport.FlagReliable
	default:
		panic("tern: invalid packet mode")
	}
}

func modeFromFlags(f transport.PacketFlags) PacketMode {
	switch {
	case f&transport.FlagReliable != 0:
		return ReliableSequenced
	case f&transport.FlagUnsequenced != 0:
		return UnreliableUnsequenced
	default:
		return UnreliableSequenced
	}
}

// Packet is an engine-owned byte buffer tagged with a transmission mode.
//
// An outbound Packet transfers ownership of its buffer to the engine when
// it is sent; after a successful Peer.SendPacket the Packet is spent and
// must not be used again. Packets obtained from receive events own an
// engine-allocated buffer and should be released with Destroy once the
// payload is no longer needed.
type Packet struct {
	raw transport.Packet
}

// NewPacket allocates an engine packet taking ownership of data. The caller
// must not modify data afterwards.
//
// Fails with ErrPacketTooLarge if the length cannot be represented in the
// engine's 32-bit length field, and with an EngineError if the engine
// rejects the allocation.
func (l *Library) NewPacket(data []byte, mode PacketMode) (*Packet, error) {
	if uint64(len(data)) > math.MaxUint32 {
		return nil, ErrPacketTooLarge
	}
	raw := l.engine.CreatePacket(data, mode.flags())
	if raw == nil {
		return nil, engineErr("packet_create", 0)
	}
	return &Packet{raw: raw}, nil
}

func packetFromRaw(raw transport.Packet) *Packet {
	return &Packet{raw: raw}
}

// Data returns a zero-copy read-only view of the payload. The slice is only
// valid while the Packet is alive; it must not be modified.
func (p *Packet) Data() []byte {
	if p.raw == nil {
		return nil
	}
	return p.raw.Data()
}

// Mode reports the transmission mode the packet was created with.
func (p *Packet) Mode() PacketMode {
	if p.raw == nil {
		return UnreliableSequenced
	}
	return modeFromFlags(p.raw.Flags())
}

// Destroy releases the engine buffer. Safe to call more than once; a spent
// packet (one the engine took ownership of during a send) is a no-op.
func (p *Packet) Destroy() {
	if p.raw == nil {
		return
	}
	p.raw.Destroy()
	p.raw = nil
}
