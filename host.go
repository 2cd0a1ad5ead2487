package tern

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ternnet/tern/internal/logging"
	"github.com/ternnet/tern/internal/metrics"
	"github.com/ternnet/tern/transport"
)

// BandwidthLimit is a bandwidth cap in bytes/second, with zero meaning
// unlimited.
type BandwidthLimit uint32

// BandwidthUnlimited places no limit on bandwidth.
const BandwidthUnlimited BandwidthLimit = 0

// ChannelLimit caps the number of channels per connection, with zero
// meaning the engine maximum.
type ChannelLimit int

// ChannelLimitMaximum allows as many channels as the engine supports.
const ChannelLimitMaximum ChannelLimit = 0

// DefaultMaxPeers is the peer array size used when HostSettings leaves
// MaxPeers zero.
const DefaultMaxPeers = 32

// HostSettings configures a new Host.
type HostSettings struct {
	// BindAddress is the local endpoint to accept inbound connections on.
	// Nil creates an outbound-only host.
	BindAddress *Address

	// MaxPeers fixes the size of the peer array for the host's lifetime.
	// Zero means DefaultMaxPeers.
	MaxPeers int

	// ChannelLimit caps channels per connection for future negotiations.
	ChannelLimit ChannelLimit

	// IncomingBandwidth and OutgoingBandwidth cap throughput in
	// bytes/second, zero meaning unlimited.
	IncomingBandwidth BandwidthLimit
	OutgoingBandwidth BandwidthLimit

	// Logger receives debug traces of host activity. Nil discards them.
	Logger *slog.Logger
}

// DefaultHostSettings returns settings for an outbound-only host with
// unlimited bandwidth and the engine's maximum channel count.
func DefaultHostSettings() HostSettings {
	return HostSettings{
		MaxPeers:          DefaultMaxPeers,
		ChannelLimit:      ChannelLimitMaximum,
		IncomingBandwidth: BandwidthUnlimited,
		OutgoingBandwidth: BandwidthUnlimited,
	}
}

// slot is the persistent per-index state of the peer array. The slot
// storage lives as long as the Host; the generation counter advances each
// time the connection occupying the slot completes a disconnect, which is
// what invalidates stale PeerIDs.
type slot struct {
	generation uint64
	data       any
	// connected tracks whether this occupancy produced a Connect event,
	// so the connected-peers gauge only moves for counted connections.
	connected bool
}

// Host is one local endpoint, owning the engine host handle and the peer
// slot array. It is the sole owner of all Peer storage.
//
// A Host must be driven from a single goroutine at a time; none of its
// methods are internally synchronized. Distinct Hosts are independent.
type Host struct {
	lib     *Library
	raw     transport.Host
	slots   []slot
	logger  *slog.Logger
	metrics *metrics.Metrics

	// pendingCleanup holds the slot index of a delivered Disconnect event
	// whose cleanup has not run yet, or -1. At most one can be pending
	// because the cleanup runs before the next event is translated.
	pendingCleanup int

	closed bool
}

// NewHost creates a Host backed by this Library's engine. The returned Host
// holds a reference to the Library until it is closed.
func (l *Library) NewHost(s HostSettings) (*Host, error) {
	if s.MaxPeers == 0 {
		s.MaxPeers = DefaultMaxPeers
	}
	if s.MaxPeers < 0 {
		return nil, fmt.Errorf("tern: invalid max peers %d", s.MaxPeers)
	}
	if s.ChannelLimit < 0 {
		return nil, fmt.Errorf("tern: invalid channel limit %d", s.ChannelLimit)
	}

	var bind *transport.WireAddress
	if s.BindAddress != nil {
		w := s.BindAddress.toWire()
		bind = &w
	}

	raw := l.engine.CreateHost(bind, s.MaxPeers, int(s.ChannelLimit),
		uint32(s.IncomingBandwidth), uint32(s.OutgoingBandwidth))
	if raw == nil {
		return nil, engineErr("host_create", 0)
	}

	logger := s.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	l.retain()
	return &Host{
		lib:            l,
		raw:            raw,
		slots:          make([]slot, s.MaxPeers),
		logger:         logger,
		metrics:        metrics.Default(),
		pendingCleanup: -1,
	}, nil
}

// Connect initiates a connection attempt to addr with channelCount channels
// and returns the handle of the peer slot it occupies. The connection is
// not usable until a later Connect event arrives for the same PeerID.
//
// data is delivered to the remote engine along with the attempt.
func (h *Host) Connect(addr Address, channelCount int, data uint32) (PeerID, error) {
	// A slot freed by the last Disconnect event must finish its cleanup
	// before it can be handed out again, or the new handle would carry the
	// old generation and be invalidated by the next service call.
	h.finishPendingCleanup()

	raw := h.raw.Connect(addr.toWire(), channelCount, data)
	if raw == nil {
		return PeerID{}, engineErr("host_connect", 0)
	}
	idx := raw.Index()
	if idx < 0 || idx >= len(h.slots) {
		panic(fmt.Sprintf("tern: engine returned peer index %d outside [0, %d)", idx, len(h.slots)))
	}
	id := PeerID{Index: idx, Generation: h.slots[idx].generation}
	h.logger.Debug("connect initiated",
		logging.KeyPeerID, id.String(),
		logging.KeyAddress, addr.String(),
		"channels", channelCount)
	return id, nil
}

// Service performs engine maintenance and returns at most one event,
// blocking for up to timeout. A zero timeout polls without blocking.
// Returns (nil, nil) when no event occurred within the timeout.
//
// Call it repeatedly: retransmission and connection timeouts only make
// progress inside Service.
func (h *Host) Service(timeout time.Duration) (*Event, error) {
	h.finishPendingCleanup()
	h.metrics.RecordServiceCall()

	var raw transport.RawEvent
	status := h.raw.Service(timeout, &raw)
	if status < 0 {
		return nil, engineErr("host_service", status)
	}
	if status == 0 {
		return nil, nil
	}
	return h.translateEvent(&raw), nil
}

// CheckEvents drains one already-queued event without performing
// maintenance and without blocking. Use it to pace event handling
// separately from Service.
func (h *Host) CheckEvents() (*Event, error) {
	h.finishPendingCleanup()

	var raw transport.RawEvent
	status := h.raw.CheckEvents(&raw)
	if status < 0 {
		return nil, engineErr("host_check_events", status)
	}
	if status == 0 {
		return nil, nil
	}
	return h.translateEvent(&raw), nil
}

// translateEvent turns a filled raw event record into a typed Event. The
// engine reporting an event for an unknown slot or with an unknown
// discriminant means both sides have drifted out of sync, which is not
// recoverable.
func (h *Host) translateEvent(raw *transport.RawEvent) *Event {
	idx := raw.Peer.Index()
	if idx < 0 || idx >= len(h.slots) {
		panic(fmt.Sprintf("tern: engine event names peer index %d outside [0, %d)", idx, len(h.slots)))
	}
	id := PeerID{Index: idx, Generation: h.slots[idx].generation}

	ev := &Event{host: h, id: id}
	switch raw.Type {
	case transport.EventConnect:
		ev.typ = EventConnect
		h.slots[idx].connected = true
		h.metrics.RecordConnect()
	case transport.EventDisconnect:
		ev.typ = EventDisconnect
		ev.data = raw.Data
		h.pendingCleanup = idx
	case transport.EventReceive:
		ev.typ = EventReceive
		ev.channelID = raw.ChannelID
		ev.packet = packetFromRaw(raw.Packet)
		h.metrics.RecordPacketReceived(len(raw.Packet.Data()))
	default:
		panic(fmt.Sprintf("tern: engine reported unknown event type %d", raw.Type))
	}

	h.metrics.RecordEvent(ev.typ.String())
	h.logger.Debug("event", logging.KeyEvent, ev.String())
	return ev
}

// finishPendingCleanup completes the slot cleanup owed by the most recent
// Disconnect event, if it has not been finished explicitly.
func (h *Host) finishPendingCleanup() {
	idx := h.pendingCleanup
	if idx < 0 {
		return
	}
	h.pendingCleanup = -1
	h.cleanupSlot(idx)
}

// cleanupSlot runs the once-per-completed-disconnect slot cleanup: the
// generation advances, invalidating outstanding PeerIDs, and the
// caller-attached data is dropped.
func (h *Host) cleanupSlot(idx int) {
	// DisconnectNow or Reset on a slot whose Disconnect-event cleanup is
	// still pending must not run the cleanup a second time.
	if h.pendingCleanup == idx {
		h.pendingCleanup = -1
	}
	s := &h.slots[idx]
	s.generation++
	s.data = nil
	if s.connected {
		s.connected = false
		h.metrics.RecordDisconnect()
	}
	h.logger.Debug("slot cleaned up",
		"slot", idx,
		logging.KeyGeneration, s.generation)
}

// Flush transmits queued outbound packets immediately instead of waiting
// for the next Service call. Best effort.
func (h *Host) Flush() {
	h.raw.Flush()
}

// Peer resolves a PeerID to a live peer. Returns nil if the index is out of
// range or the slot's generation has moved past the handle's, which is what
// keeps a stale PeerID from aliasing a later connection in the same slot.
func (h *Host) Peer(id PeerID) *Peer {
	if id.Index < 0 || id.Index >= len(h.slots) {
		return nil
	}
	if h.slots[id.Index].generation != id.Generation {
		return nil
	}
	return &Peer{host: h, raw: h.raw.Peer(id.Index), index: id.Index}
}

// Peers returns a peer for every slot of the array, connected or not.
func (h *Host) Peers() []*Peer {
	peers := make([]*Peer, len(h.slots))
	for i := range h.slots {
		peers[i] = &Peer{host: h, raw: h.raw.Peer(i), index: i}
	}
	return peers
}

// PeerCount reports the fixed size of the peer array.
func (h *Host) PeerCount() int {
	return h.raw.PeerCount()
}

// Address reports the bound local address, or the zero Address for an
// outbound-only host.
func (h *Host) Address() Address {
	return addressFromWire(h.raw.Address())
}

// SetBandwidthLimits adjusts the live bandwidth configuration. Applies to
// future negotiations, not already-established connections.
func (h *Host) SetBandwidthLimits(incoming, outgoing BandwidthLimit) {
	h.raw.SetBandwidthLimit(uint32(incoming), uint32(outgoing))
}

// SetChannelLimit adjusts the channel limit for future connections.
func (h *Host) SetChannelLimit(limit ChannelLimit) {
	h.raw.SetChannelLimit(int(limit))
}

// ChannelLimit reports the current per-connection channel limit.
func (h *Host) ChannelLimit() ChannelLimit {
	return ChannelLimit(h.raw.ChannelLimit())
}

// IncomingBandwidth reports the configured downstream cap.
func (h *Host) IncomingBandwidth() BandwidthLimit {
	return BandwidthLimit(h.raw.IncomingBandwidth())
}

// OutgoingBandwidth reports the configured upstream cap.
func (h *Host) OutgoingBandwidth() BandwidthLimit {
	return BandwidthLimit(h.raw.OutgoingBandwidth())
}

// Close releases every slot's caller-attached data, destroys the engine
// host and drops the Host's reference to the Library. The Host must not be
// used afterwards. Safe to call more than once.
func (h *Host) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	h.finishPendingCleanup()
	for i := range h.slots {
		h.slots[i].data = nil
	}
	h.raw.Destroy()
	h.lib.release()
	return nil
}
