package memtransport

import (
	"time"

	"github.com/ternnet/tern/transport"
)

// peer implements transport.Peer. Peers are allocated once per host slot
// and reused across connections; all fields are guarded by the host mutex.
type peer struct {
	h     *host
	index int

	state        transport.PeerState
	remote       *peer
	remoteAddr   transport.WireAddress
	channelCount int
	remoteInBW   uint32
	remoteOutBW  uint32
	rtt          time.Duration
	laterData    uint32

	// nextReliableAt is the earliest time the next reliable delivery from
	// this peer may arrive, keeping reliable traffic in order under jitter.
	nextReliableAt time.Time

	sendSeq map[uint8]uint32
	recvSeq map[uint8]uint32
	rxQueue []rxItem
}

// teardownLocked returns the slot to its disconnected state.
func (p *peer) teardownLocked() {
	p.state = transport.PeerDisconnected
	p.remote = nil
	p.remoteAddr = transport.WireAddress{}
	p.channelCount = 0
	p.remoteInBW = 0
	p.remoteOutBW = 0
	p.rtt = 0
	p.laterData = 0
	p.sendSeq = nil
	p.recvSeq = nil
	p.rxQueue = nil
}

// Index implements transport.Peer.
func (p *peer) Index() int {
	return p.index
}

// State implements transport.Peer.
func (p *peer) State() transport.PeerState {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	return p.state
}

// Address implements transport.Peer.
func (p *peer) Address() transport.WireAddress {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	return p.remoteAddr
}

// ChannelCount implements transport.Peer.
func (p *peer) ChannelCount() int {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	return p.channelCount
}

// IncomingBandwidth implements transport.Peer, reporting the remote host's
// inbound limit.
func (p *peer) IncomingBandwidth() uint32 {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	return p.remoteInBW
}

// OutgoingBandwidth implements transport.Peer, reporting the remote host's
// outbound limit.
func (p *peer) OutgoingBandwidth() uint32 {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	return p.remoteOutBW
}

// RoundTripTime implements transport.Peer. The fabric measures it once,
// over the connect handshake.
func (p *peer) RoundTripTime() time.Duration {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	return p.rtt
}

// Send implements transport.Peer, queueing the packet for the next Flush
// or Service. The engine owns pkt afterwards.
func (p *peer) Send(channel uint8, pkt transport.Packet) transport.Status {
	mp := pkt.(*packet)

	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	if p.state != transport.PeerConnected {
		return -1
	}
	if int(channel) >= p.channelCount {
		return -1
	}
	m := &message{
		kind:    msgData,
		from:    p,
		to:      p.remote,
		channel: channel,
		flags:   mp.flags,
		payload: mp.data,
	}
	if mp.flags&transport.FlagReliable == 0 && mp.flags&transport.FlagUnsequenced == 0 {
		if p.sendSeq == nil {
			p.sendSeq = make(map[uint8]uint32)
		}
		p.sendSeq[channel]++
		m.seq = p.sendSeq[channel]
	}
	p.h.outbox = append(p.h.outbox, m)
	return 0
}

// Receive implements transport.Peer.
func (p *peer) Receive() (transport.Packet, uint8, bool) {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	if len(p.rxQueue) == 0 {
		return nil, 0, false
	}
	item := p.rxQueue[0]
	p.rxQueue = p.rxQueue[1:]
	return item.pkt, item.channel, true
}

// Disconnect implements transport.Peer: request a graceful close, with the
// Disconnect event arriving once the remote acknowledges.
func (p *peer) Disconnect(data uint32) {
	p.h.mu.Lock()
	if p.state != transport.PeerConnected && p.state != transport.PeerDisconnectLater {
		p.teardownLocked()
		p.h.mu.Unlock()
		return
	}
	p.state = transport.PeerDisconnecting
	m := &message{kind: msgDisconnect, from: p, to: p.remote, data: data}
	dst := p.remote.h
	p.h.mu.Unlock()

	p.h.dispatch([]outItem{{dst: dst, m: m, at: p.h.net.clk.Now().Add(p.h.net.impairmentDelay())}})
}

// DisconnectLater implements transport.Peer: the close request goes out
// after queued outgoing packets are flushed.
func (p *peer) DisconnectLater(data uint32) {
	p.h.mu.Lock()
	if p.state != transport.PeerConnected {
		p.h.mu.Unlock()
		p.Disconnect(data)
		return
	}
	p.state = transport.PeerDisconnectLater
	p.laterData = data
	p.h.mu.Unlock()
}

// DisconnectNow implements transport.Peer: one best-effort notification,
// no local event, immediate teardown.
func (p *peer) DisconnectNow(data uint32) {
	p.h.mu.Lock()
	var m *message
	var dst *host
	if p.remote != nil {
		m = &message{kind: msgDisconnectNotify, from: p, to: p.remote, data: data}
		dst = p.remote.h
	}
	p.teardownLocked()
	p.h.mu.Unlock()

	if m != nil {
		p.h.dispatch([]outItem{{dst: dst, m: m, at: p.h.net.clk.Now().Add(p.h.net.impairmentDelay())}})
	}
}

// Reset implements transport.Peer: silent teardown, nothing is sent.
func (p *peer) Reset() {
	p.h.mu.Lock()
	p.teardownLocked()
	p.h.mu.Unlock()
}
