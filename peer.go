package tern

import (
	"fmt"
	"time"

	"github.com/ternnet/tern/transport"
)

// PeerID is a generation-checked handle identifying a peer slot. It is safe
// to store across calls: once the connection occupying the slot completes a
// disconnect, the slot's generation moves on and the old PeerID resolves to
// nothing instead of aliasing a later connection.
type PeerID struct {
	Index      int
	Generation uint64
}

// String formats the handle as "index@generation".
func (id PeerID) String() string {
	return fmt.Sprintf("%d@%d", id.Index, id.Generation)
}

// PeerState is a position in the engine's connection state machine. The
// wrapper surfaces states read-only; transitions are owned entirely by the
// engine.
type PeerState uint8

const (
	StateDisconnected PeerState = iota
	StateConnecting
	StateAcknowledgingConnect
	StateConnectionPending
	StateConnectionSucceeded
	StateConnected
	StateDisconnectLater
	StateDisconnecting
	StateAcknowledgingDisconnect
	StateZombie
)

// String returns the state name.
func (s PeerState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAcknowledgingConnect:
		return "ACKNOWLEDGING_CONNECT"
	case StateConnectionPending:
		return "CONNECTION_PENDING"
	case StateConnectionSucceeded:
		return "CONNECTION_SUCCEEDED"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnectLater:
		return "DISCONNECT_LATER"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateAcknowledgingDisconnect:
		return "ACKNOWLEDGING_DISCONNECT"
	case StateZombie:
		return "ZOMBIE"
	default:
		return "UNKNOWN"
	}
}

// peerStateFromRaw maps an engine state code. An out-of-range code means the
// wrapper and engine have drifted out of sync, which is unrecoverable.
func peerStateFromRaw(raw transport.PeerState) PeerState {
	if raw > transport.PeerZombie {
		panic(fmt.Sprintf("tern: engine reported unknown peer state %d", raw))
	}
	return PeerState(raw)
}

// Peer is one endpoint of a logical connection, borrowed from a Host. Peers
// are never constructed by the caller; resolve one through Host.Peer or an
// Event, use it, and let it go. A Peer must not outlive the next disconnect
// of its slot - store the PeerID instead and re-resolve.
type Peer struct {
	host  *Host
	raw   transport.Peer
	index int
}

// ID returns the generation-checked handle for this peer's slot.
func (p *Peer) ID() PeerID {
	return PeerID{Index: p.index, Generation: p.host.slots[p.index].generation}
}

// State reports the current position in the connection state machine.
func (p *Peer) State() PeerState {
	return peerStateFromRaw(p.raw.State())
}

// Address returns the remote endpoint address.
func (p *Peer) Address() Address {
	return addressFromWire(p.raw.Address())
}

// ChannelCount reports how many channels are allocated for this connection.
func (p *Peer) ChannelCount() int {
	return p.raw.ChannelCount()
}

// IncomingBandwidth reports the downstream bandwidth in bytes/second.
func (p *Peer) IncomingBandwidth() uint32 {
	return p.raw.IncomingBandwidth()
}

// OutgoingBandwidth reports the upstream bandwidth in bytes/second.
func (p *Peer) OutgoingBandwidth() uint32 {
	return p.raw.OutgoingBandwidth()
}

// MeanRTT reports the mean round-trip time between sending a reliable
// packet and receiving its acknowledgement.
func (p *Peer) MeanRTT() time.Duration {
	return p.raw.RoundTripTime()
}

// SendPacket queues a packet for transmission on the given channel. The
// engine takes ownership of the packet on success; on failure ownership
// stays with the caller, who may retry or Destroy it.
//
// Actual transmission happens during Host.Service or Host.Flush.
func (p *Peer) SendPacket(pkt *Packet, channel uint8) error {
	if pkt == nil || pkt.raw == nil {
		return ErrPacketSpent
	}
	size := len(pkt.raw.Data())
	mode := pkt.Mode()

	status := p.raw.Send(channel, pkt.raw)
	if status < 0 {
		return engineErr("peer_send", status)
	}
	if status > 0 {
		panic(fmt.Sprintf("tern: engine returned positive send status %d", status))
	}
	pkt.raw = nil

	p.host.metrics.RecordPacketSent(mode.String(), size)
	p.host.logger.Debug("packet queued",
		"peer_id", p.ID().String(),
		"channel_id", channel,
		"mode", mode.String(),
		"bytes", size)
	return nil
}

// Receive dequeues one pending inbound packet from this peer, bypassing the
// host event stream. Reports the channel the packet arrived on; ok is false
// when nothing is queued.
func (p *Peer) Receive() (pkt *Packet, channel uint8, ok bool) {
	raw, ch, ok := p.raw.Receive()
	if !ok {
		return nil, 0, false
	}
	p.host.metrics.RecordPacketReceived(len(raw.Data()))
	return packetFromRaw(raw), ch, true
}

// Disconnect requests a graceful disconnect. Completion is signaled by a
// later Disconnect event carrying data; slot cleanup happens with that
// event, not here.
func (p *Peer) Disconnect(data uint32) {
	p.raw.Disconnect(data)
}

// DisconnectLater requests a disconnect deferred until all queued outbound
// packets have been transmitted. Completion is signaled by a later
// Disconnect event carrying data.
func (p *Peer) DisconnectLater(data uint32) {
	p.raw.DisconnectLater(data)
}

// DisconnectNow tears the connection down immediately. The remote side gets
// at most a best-effort notification and no Disconnect event follows
// locally, so the slot cleanup (generation bump, data drop) happens here,
// synchronously.
func (p *Peer) DisconnectNow(data uint32) {
	p.raw.DisconnectNow(data)
	p.host.cleanupSlot(p.index)
}

// Reset forcefully returns the slot to the disconnected state without any
// notification to the remote side, which will time out on its end. As with
// DisconnectNow, no event follows and the slot is cleaned up synchronously.
func (p *Peer) Reset() {
	p.raw.Reset()
	p.host.cleanupSlot(p.index)
}

// Data returns the caller-attached value for this slot's current
// connection, or nil if none is set.
func (p *Peer) Data() any {
	return p.host.slots[p.index].data
}

// SetData attaches a value to this slot's current connection, replacing any
// existing one. The value is dropped when the connection completes a
// disconnect.
func (p *Peer) SetData(v any) {
	p.host.slots[p.index].data = v
}

// TakeData removes and returns the caller-attached value, or nil.
func (p *Peer) TakeData() any {
	v := p.host.slots[p.index].data
	p.host.slots[p.index].data = nil
	return v
}

// String formats the peer for diagnostics.
func (p *Peer) String() string {
	return fmt.Sprintf("Peer{id=%s, state=%s, addr=%s}", p.ID(), p.State(), p.Address())
}
