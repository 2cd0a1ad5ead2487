package quictransport

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/ternnet/tern/internal/recovery"
	"github.com/ternnet/tern/transport"
)

// streamOpenTimeout bounds lazily opening a channel stream from Send.
const streamOpenTimeout = 5 * time.Second

type rxItem struct {
	pkt     *packet
	channel uint8
}

// peer implements transport.Peer. Peers are allocated once per host slot
// and reused across connections; connection identity is the quic.Connection
// pointer, which reader goroutines compare against before touching state.
type peer struct {
	h     *host
	index int

	// Guarded by h.mu.
	state        transport.PeerState
	conn         quic.Connection
	control      quic.Stream
	remoteAddr   transport.WireAddress
	channelCount int
	remoteInBW   uint32
	remoteOutBW  uint32
	rtt          time.Duration
	laterData    uint32
	rxQueue      []rxItem
	recvSeq      map[uint8]uint32

	// Guarded by sendMu. sendConn tracks which connection the cached
	// streams belong to.
	sendMu      sync.Mutex
	sendConn    quic.Connection
	sendStreams map[uint8]quic.Stream
	sendSeq     map[uint8]uint32
}

// attachLocked binds a handshaken connection to the slot.
func (p *peer) attachLocked(conn quic.Connection, control quic.Stream, channels int, inBW, outBW uint32) {
	p.conn = conn
	p.control = control
	p.channelCount = channels
	p.remoteInBW = inBW
	p.remoteOutBW = outBW
	p.remoteAddr = wireFromUDP(conn.RemoteAddr())
}

// teardownLocked returns the slot to its disconnected state. Reader
// goroutines notice through the connection identity check.
func (p *peer) teardownLocked() {
	p.state = transport.PeerDisconnected
	p.conn = nil
	p.control = nil
	p.remoteAddr = transport.WireAddress{}
	p.channelCount = 0
	p.remoteInBW = 0
	p.remoteOutBW = 0
	p.rtt = 0
	p.laterData = 0
	p.rxQueue = nil
	p.recvSeq = nil
}

// startLoops launches the reader goroutines for a live connection.
func (p *peer) startLoops(conn quic.Connection) {
	go p.acceptStreams(conn)
	go p.readDatagrams(conn)
	go p.monitor(conn)
}

// acceptStreams admits the remote's channel streams.
func (p *peer) acceptStreams(conn quic.Connection) {
	defer recovery.RecoverWithLog(p.h.eng.logger, "quictransport.acceptStreams")

	for {
		stream, err := conn.AcceptStream(p.h.ctx)
		if err != nil {
			return
		}
		go p.readChannelStream(conn, stream)
	}
}

// readChannelStream drains one reliable channel stream into the receive
// queue.
func (p *peer) readChannelStream(conn quic.Connection, stream quic.Stream) {
	defer recovery.RecoverWithLog(p.h.eng.logger, "quictransport.readChannelStream")

	var header [2]byte
	if _, err := io.ReadFull(stream, header[:]); err != nil {
		return
	}
	if header[0] != streamTypeData {
		stream.CancelRead(0)
		return
	}
	channel := header[1]

	for {
		payload, err := readFrame(stream)
		if err != nil {
			return
		}
		p.enqueue(conn, channel, transport.FlagReliable, 0, payload)
	}
}

// readDatagrams drains unreliable traffic into the receive queue.
func (p *peer) readDatagrams(conn quic.Connection) {
	defer recovery.RecoverWithLog(p.h.eng.logger, "quictransport.readDatagrams")

	for {
		buf, err := conn.ReceiveDatagram(p.h.ctx)
		if err != nil {
			return
		}
		channel, flags, seq, payload, ok := decodeDatagram(buf)
		if !ok {
			continue
		}
		p.enqueue(conn, channel, flags, seq, payload)
	}
}

// enqueue appends a received payload to the peer's queue, dropping stale
// sequenced datagrams and anything from a superseded connection.
func (p *peer) enqueue(conn quic.Connection, channel uint8, flags transport.PacketFlags, seq uint32, payload []byte) {
	h := p.h

	h.mu.Lock()
	if p.conn != conn {
		h.mu.Unlock()
		return
	}
	if p.state != transport.PeerConnected && p.state != transport.PeerDisconnectLater {
		h.mu.Unlock()
		return
	}
	if int(channel) >= p.channelCount {
		h.mu.Unlock()
		return
	}
	sequenced := flags&transport.FlagReliable == 0 && flags&transport.FlagUnsequenced == 0
	if sequenced {
		if p.recvSeq == nil {
			p.recvSeq = make(map[uint8]uint32)
		}
		if seq <= p.recvSeq[channel] {
			h.mu.Unlock()
			return
		}
		p.recvSeq[channel] = seq
	}
	p.rxQueue = append(p.rxQueue, rxItem{
		pkt:     &packet{data: payload, flags: flags},
		channel: channel,
	})
	h.mu.Unlock()
	h.signal()
}

// monitor waits for the connection to close and surfaces the Disconnect
// event with the application error code as its data.
func (p *peer) monitor(conn quic.Connection) {
	defer recovery.RecoverWithLog(p.h.eng.logger, "quictransport.monitor")

	<-conn.Context().Done()
	data := appErrorData(context.Cause(conn.Context()))

	h := p.h
	h.mu.Lock()
	if p.conn != conn {
		h.mu.Unlock()
		return
	}
	h.flushReceivesLocked(p)
	h.pushEventLocked(transport.RawEvent{
		Type: transport.EventDisconnect,
		Peer: p,
		Data: data,
	})
	p.teardownLocked()
	h.mu.Unlock()
	h.signal()
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

// RoundTripTime implements transport.Peer, measured over the connection
// handshake.
func (p *peer) RoundTripTime() time.Duration {
	p.h.mu.Lock()
	defer p.h.mu.Unlock()
	return p.rtt
}

// Send implements transport.Peer. Reliable packets ride the channel's
// stream; everything else goes out as a datagram. The engine owns pkt
// afterwards.
func (p *peer) Send(channel uint8, pkt transport.Packet) transport.Status {
	qp := pkt.(*packet)

	p.h.mu.Lock()
	if p.state != transport.PeerConnected {
		p.h.mu.Unlock()
		return -1
	}
	if int(channel) >= p.channelCount {
		p.h.mu.Unlock()
		return -1
	}
	conn := p.conn
	p.h.mu.Unlock()

	if qp.flags&transport.FlagReliable != 0 {
		return p.sendReliable(conn, channel, qp.data)
	}
	return p.sendDatagram(conn, channel, qp.flags, qp.data)
}

// sendReliable writes one frame on the channel's stream, opening it on
// first use.
func (p *peer) sendReliable(conn quic.Connection, channel uint8, payload []byte) transport.Status {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	if p.sendConn != conn {
		p.sendStreams = nil
		p.sendSeq = nil
		p.sendConn = conn
	}
	stream := p.sendStreams[channel]
	if stream == nil {
		ctx, cancel := context.WithTimeout(p.h.ctx, streamOpenTimeout)
		s, err := conn.OpenStreamSync(ctx)
		cancel()
		if err != nil {
			return -1
		}
		if err := writeStreamHeader(s, channel); err != nil {
			s.CancelWrite(0)
			return -1
		}
		if p.sendStreams == nil {
			p.sendStreams = make(map[uint8]quic.Stream)
		}
		p.sendStreams[channel] = s
		stream = s
	}
	if err := writeFrame(stream, payload); err != nil {
		return -1
	}
	return 0
}

// sendDatagram sends one unreliable packet, tagging sequenced traffic with
// a per-channel sequence number.
func (p *peer) sendDatagram(conn quic.Connection, channel uint8, flags transport.PacketFlags, payload []byte) transport.Status {
	var seq uint32
	if flags&transport.FlagUnsequenced == 0 {
		p.sendMu.Lock()
		if p.sendConn != conn {
			p.sendStreams = nil
			p.sendSeq = nil
			p.sendConn = conn
		}
		if p.sendSeq == nil {
			p.sendSeq = make(map[uint8]uint32)
		}
		p.sendSeq[channel]++
		seq = p.sendSeq[channel]
		p.sendMu.Unlock()
	}
	if err := conn.SendDatagram(encodeDatagram(channel, flags, seq, payload)); err != nil {
		return -1
	}
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

// Disconnect implements transport.Peer: close the connection carrying data
// as the application error code; both sides observe the Disconnect event.
func (p *peer) Disconnect(data uint32) {
	p.h.mu.Lock()
	if p.state != transport.PeerConnected && p.state != transport.PeerDisconnectLater {
		p.teardownLocked()
		p.h.mu.Unlock()
		return
	}
	p.state = transport.PeerDisconnecting
	conn := p.conn
	p.h.mu.Unlock()

	conn.CloseWithError(quic.ApplicationErrorCode(data), "disconnect")
}

// DisconnectLater implements transport.Peer: the close happens at the next
// Flush or Service, after pending sends.
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

// DisconnectNow implements transport.Peer: immediate teardown with one
// best-effort notification and no local event.
func (p *peer) DisconnectNow(data uint32) {
	p.h.mu.Lock()
	conn := p.conn
	p.teardownLocked()
	p.h.mu.Unlock()

	if conn != nil {
		conn.CloseWithError(quic.ApplicationErrorCode(data), "disconnect")
	}
}

// Reset implements transport.Peer: silent teardown. QUIC still closes the
// connection underneath, but no event is queued locally.
func (p *peer) Reset() {
	p.h.mu.Lock()
	conn := p.conn
	p.teardownLocked()
	p.h.mu.Unlock()

	if conn != nil {
		conn.CloseWithError(0, "reset")
	}
}
