// Package transport defines the contract between the tern wrapper layer and
// an underlying reliable-UDP engine.
//
// An Engine is expected to provide retransmission, sequencing, congestion
// control and the UDP socket itself. The wrapper layer built on top of this
// package only manages ownership, peer identity and event translation. The
// contract intentionally mirrors the raw engine conventions (tri-state
// statuses, nil handles on failure, a reusable event record) so that the
// translation into a safe API happens in exactly one place.
package transport

import "time"

// Status is the tri-state result used throughout the engine contract.
// Negative values report an engine failure, zero means "nothing happened"
// (or plain success for operations without a payload), and positive values
// signal that an event record was filled in.
type Status int

// OK reports whether the status is non-negative.
func (s Status) OK() bool { return s >= 0 }

// Version identifies an engine release.
type Version struct {
	Major uint8
	Minor uint8
	Patch uint8
}

// WireAddress is the engine-level address record. Host holds the IPv4
// address as four opaque bytes already in network byte order; the wrapper
// must not apply any additional endian conversion.
type WireAddress struct {
	Host [4]byte
	Port uint16
}

// PacketFlags control reliability and sequencing of a single packet.
type PacketFlags uint32

const (
	// FlagReliable requests guaranteed, in-order delivery.
	FlagReliable PacketFlags = 1 << 0
	// FlagUnsequenced disables sequencing for an unreliable packet.
	FlagUnsequenced PacketFlags = 1 << 1
)

// EventType discriminates the raw event record.
type EventType uint8

const (
	EventNone EventType = iota
	EventConnect
	EventDisconnect
	EventReceive
)

// PeerState is the engine-owned connection state machine position.
// The wrapper surfaces these read-only and never drives transitions itself.
type PeerState uint8

const (
	PeerDisconnected PeerState = iota
	PeerConnecting
	PeerAcknowledgingConnect
	PeerConnectionPending
	PeerConnectionSucceeded
	PeerConnected
	PeerDisconnectLater
	PeerDisconnecting
	PeerAcknowledgingDisconnect
	PeerZombie
)

// RawEvent is the record filled in by Host.Service and Host.CheckEvents.
// It is only valid until the next service call on the same host.
type RawEvent struct {
	Type      EventType
	Peer      Peer
	ChannelID uint8
	Data      uint32
	Packet    Packet
}

// Engine is a reliable-UDP engine as seen by the wrapper layer.
//
// Engines are not safe for concurrent use of a single Host; distinct hosts
// created from the same engine are independent.
type Engine interface {
	// Initialize prepares the engine for use. Called exactly once per
	// process by the library guard.
	Initialize() Status

	// Deinitialize tears the engine down. Called exactly once, after the
	// last host has been destroyed.
	Deinitialize()

	// LinkedVersion reports the engine release the wrapper is bound to.
	LinkedVersion() Version

	// CreateHost allocates a host with a fixed peer array. A nil bind
	// address creates an outbound-only endpoint. Zero channelLimit and
	// bandwidth values mean "engine maximum" and "unlimited". Returns nil
	// on resource exhaustion or an unusable bind address.
	CreateHost(bind *WireAddress, peerCount, channelLimit int, incomingBandwidth, outgoingBandwidth uint32) Host

	// CreatePacket allocates an engine-owned packet taking ownership of
	// data. The caller must not modify data afterwards. Returns nil on
	// allocation failure.
	CreatePacket(data []byte, flags PacketFlags) Packet

	// ResolveHost resolves a hostname to a wire address host value. May
	// block on name resolution.
	ResolveHost(name string) (WireAddress, Status)
}

// Host is one engine-level endpoint with its peer array.
type Host interface {
	// Service performs engine maintenance (retransmission, timeouts) and
	// fills ev with at most one event, blocking up to timeout. A zero
	// timeout polls without blocking.
	Service(timeout time.Duration, ev *RawEvent) Status

	// CheckEvents drains one already-queued event without performing
	// maintenance and without blocking.
	CheckEvents(ev *RawEvent) Status

	// Connect begins a connection attempt and returns the peer slot it
	// occupies, or nil if no slot is available. data is delivered to the
	// remote side's connect event.
	Connect(addr WireAddress, channelCount int, data uint32) Peer

	// Flush transmits queued outbound packets immediately.
	Flush()

	// Destroy releases the host and its socket. No method may be called
	// afterwards.
	Destroy()

	// SetBandwidthLimit adjusts the incoming/outgoing bandwidth in
	// bytes per second, zero meaning unlimited. Applies to future
	// negotiations only.
	SetBandwidthLimit(incoming, outgoing uint32)

	// SetChannelLimit adjusts the channel limit for future connections,
	// zero meaning the engine maximum.
	SetChannelLimit(limit int)

	// ChannelLimit reports the current per-connection channel limit.
	ChannelLimit() int

	IncomingBandwidth() uint32
	OutgoingBandwidth() uint32

	// Address reports the bound address, or the zero value for an
	// outbound-only host.
	Address() WireAddress

	// PeerCount reports the fixed size of the peer array.
	PeerCount() int

	// Peer returns the handle for a slot index in [0, PeerCount()).
	Peer(index int) Peer
}

// Peer is one slot of a host's peer array. Handles stay valid for the life
// of the host; the slot they name is reused across connections.
type Peer interface {
	// Index reports the slot position within the owning host's array.
	Index() int

	State() PeerState
	Address() WireAddress
	ChannelCount() int
	IncomingBandwidth() uint32
	OutgoingBandwidth() uint32

	// RoundTripTime reports the mean RTT of reliable traffic.
	RoundTripTime() time.Duration

	// Send queues a packet for transmission, taking ownership of it on
	// success. A negative status leaves ownership with the caller.
	Send(channel uint8, pkt Packet) Status

	// Receive dequeues one pending inbound packet, reporting the channel
	// it arrived on. ok is false when the queue is empty.
	Receive() (pkt Packet, channel uint8, ok bool)

	// Disconnect requests a graceful disconnect; completion is signaled
	// by a later disconnect event carrying data.
	Disconnect(data uint32)

	// DisconnectLater disconnects once queued outbound packets have been
	// transmitted.
	DisconnectLater(data uint32)

	// DisconnectNow tears the connection down immediately with a single
	// best-effort notification and no local disconnect event.
	DisconnectNow(data uint32)

	// Reset forcefully returns the slot to the disconnected state without
	// notifying the remote side at all.
	Reset()
}

// Packet is an engine-owned byte buffer.
type Packet interface {
	// Data is a zero-copy view of the payload, valid until Destroy.
	Data() []byte

	Flags() PacketFlags

	// Destroy releases the packet. Must be called exactly once for
	// packets the engine has not taken ownership of.
	Destroy()
}
