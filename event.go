package tern

import "fmt"

// EventType discriminates host events.
type EventType uint8

const (
	// EventConnect reports that a connection attempt (local or remote)
	// completed.
	EventConnect EventType = iota
	// EventDisconnect reports that a connection finished disconnecting.
	EventDisconnect
	// EventReceive reports an inbound packet.
	EventReceive
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventReceive:
		return "receive"
	default:
		return "unknown"
	}
}

// Event is a transient, single-use notification produced by Host.Service or
// Host.CheckEvents. An Event is valid until the next service call on its
// Host; it must not be stored beyond that.
//
// A Disconnect event carries a side effect: the slot it names must bump its
// generation and drop its caller-attached data exactly once. Calling Finish
// performs that cleanup eagerly; otherwise it runs automatically at the
// start of the next Service or CheckEvents call. Until the cleanup runs,
// the event's PeerID still resolves, so handlers can inspect the departing
// connection's data.
type Event struct {
	host      *Host
	id        PeerID
	typ       EventType
	data      uint32
	channelID uint8
	packet    *Packet
}

// Type reports the event kind.
func (e *Event) Type() EventType {
	return e.typ
}

// PeerID identifies the peer slot this event happened on.
func (e *Event) PeerID() PeerID {
	return e.id
}

// Peer resolves the event's peer. Returns nil once the slot's disconnect
// cleanup has run.
func (e *Event) Peer() *Peer {
	return e.host.Peer(e.id)
}

// Data returns the remote side's disconnect code for Disconnect events and
// zero otherwise.
func (e *Event) Data() uint32 {
	return e.data
}

// ChannelID returns the receiving channel for Receive events and zero
// otherwise.
func (e *Event) ChannelID() uint8 {
	return e.channelID
}

// Packet returns the received packet for Receive events and nil otherwise.
// The caller is responsible for destroying it once the payload is no longer
// needed.
func (e *Event) Packet() *Packet {
	return e.packet
}

// Finish consumes the event. For a Disconnect event this performs the slot
// cleanup (generation bump, data drop) immediately and disarms the
// automatic cleanup at the next service call; for other events it is a
// no-op. Finishing twice is harmless.
func (e *Event) Finish() {
	if e.typ != EventDisconnect {
		return
	}
	if e.host.pendingCleanup == e.id.Index {
		e.host.finishPendingCleanup()
	}
}

// String formats the event for diagnostics.
func (e *Event) String() string {
	switch e.typ {
	case EventConnect:
		return fmt.Sprintf("Event{connect, peer=%s}", e.id)
	case EventDisconnect:
		return fmt.Sprintf("Event{disconnect, peer=%s, data=%d}", e.id, e.data)
	case EventReceive:
		return fmt.Sprintf("Event{receive, peer=%s, channel=%d, bytes=%d}",
			e.id, e.channelID, len(e.packet.Data()))
	default:
		return fmt.Sprintf("Event{unknown(%d), peer=%s}", e.typ, e.id)
	}
}
