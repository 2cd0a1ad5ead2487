package quictransport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/ternnet/tern/internal/logging"
	"github.com/ternnet/tern/internal/recovery"
	"github.com/ternnet/tern/transport"
)

// host implements transport.Host. Connection goroutines feed the event
// queue and per-peer receive queues; Service and CheckEvents drain them.
// All mutable state is guarded by mu, which is never held across a QUIC
// call.
type host struct {
	eng      *Engine
	udp      *net.UDPConn
	tr       *quic.Transport
	listener *quic.Listener
	bound    bool
	ctx      context.Context
	cancel   context.CancelFunc

	mu           sync.Mutex
	wake         chan struct{}
	events       []transport.RawEvent
	peers        []*peer
	channelLimit int
	inBW, outBW  uint32
	closed       bool
}

func newHost(e *Engine, udp *net.UDPConn, bound bool, peerCount, channelLimit int, inBW, outBW uint32) *host {
	ctx, cancel := context.WithCancel(context.Background())
	h := &host{
		eng:          e,
		udp:          udp,
		tr:           &quic.Transport{Conn: udp},
		bound:        bound,
		ctx:          ctx,
		cancel:       cancel,
		wake:         make(chan struct{}, 1),
		channelLimit: channelLimit,
		inBW:         inBW,
		outBW:        outBW,
	}
	h.peers = make([]*peer, peerCount)
	for i := range h.peers {
		h.peers[i] = &peer{h: h, index: i, state: transport.PeerDisconnected}
	}

	if bound {
		listener, err := h.tr.Listen(e.tlsServer, e.quicConfig())
		if err != nil {
			cancel()
			e.logger.Error("QUIC listen failed",
				logging.KeyComponent, "quictransport",
				logging.KeyError, err)
			return nil
		}
		h.listener = listener
		go h.acceptLoop()
	}
	return h
}

// acceptLoop admits inbound connections until the host is destroyed.
func (h *host) acceptLoop() {
	defer recovery.RecoverWithLog(h.eng.logger, "quictransport.acceptLoop")

	for {
		conn, err := h.listener.Accept(h.ctx)
		if err != nil {
			return
		}
		go h.handleInbound(conn)
	}
}

// handleInbound runs the server side of the connection handshake.
func (h *host) handleInbound(conn quic.Connection) {
	defer recovery.RecoverWithLog(h.eng.logger, "quictransport.handleInbound")

	ctx, cancel := context.WithTimeout(h.ctx, handshakeTimeout)
	defer cancel()

	control, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "handshake failed")
		return
	}
	hel, err := readHello(control)
	if err != nil {
		h.eng.logger.Debug("rejecting connection with bad hello",
			logging.KeyComponent, "quictransport",
			logging.KeyRemoteAddr, conn.RemoteAddr().String(),
			logging.KeyError, err)
		conn.CloseWithError(0, "bad hello")
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.CloseWithError(0, "host closed")
		return
	}
	channels := hel.channelCount
	if channels > h.channelLimit {
		channels = h.channelLimit
	}
	if channels < 1 {
		channels = 1
	}
	p := h.freeSlotLocked()
	if p == nil {
		h.mu.Unlock()
		conn.CloseWithError(errorCodeFull, "no free peer slots")
		return
	}
	p.attachLocked(conn, control, channels, hel.inBW, hel.outBW)
	p.state = transport.PeerConnected
	ack := helloAck{channelCount: channels, inBW: h.inBW, outBW: h.outBW}
	h.pushEventLocked(transport.RawEvent{
		Type: transport.EventConnect,
		Peer: p,
		Data: hel.userData,
	})
	h.mu.Unlock()
	h.signal()

	// Loops first: if the ack write fails the monitor sees the close and
	// releases the slot.
	p.startLoops(conn)
	if err := writeHelloAck(control, ack); err != nil {
		conn.CloseWithError(0, "handshake failed")
	}
}

// Connect implements transport.Host. The dial runs in the background; the
// outcome arrives as a Connect or Disconnect event.
func (h *host) Connect(addr transport.WireAddress, channelCount int, data uint32) transport.Peer {
	if channelCount <= 0 || channelCount > maxChannels {
		channelCount = maxChannels
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	p := h.freeSlotLocked()
	if p == nil {
		h.mu.Unlock()
		return nil
	}
	p.state = transport.PeerConnecting
	p.remoteAddr = addr
	p.channelCount = channelCount
	h.mu.Unlock()

	go h.dial(p, addr, channelCount, data)
	return p
}

// dial runs the client side of the connection handshake.
func (h *host) dial(p *peer, addr transport.WireAddress, channelCount int, data uint32) {
	defer recovery.RecoverWithLog(h.eng.logger, "quictransport.dial")

	ctx, cancel := context.WithTimeout(h.ctx, handshakeTimeout)
	defer cancel()

	udpAddr := &net.UDPAddr{
		IP:   net.IPv4(addr.Host[0], addr.Host[1], addr.Host[2], addr.Host[3]),
		Port: int(addr.Port),
	}
	conn, err := h.tr.Dial(ctx, udpAddr, h.eng.tlsClient, h.eng.quicConfig())
	if err != nil {
		h.dialFailed(p, err)
		return
	}

	start := time.Now()
	control, err := conn.OpenStreamSync(ctx)
	if err == nil {
		err = writeHello(control, hello{
			channelCount: channelCount,
			inBW:         h.inBW,
			outBW:        h.outBW,
			userData:     data,
		})
	}
	var ack helloAck
	if err == nil {
		ack, err = readHelloAck(control)
	}
	if err != nil {
		conn.CloseWithError(0, "handshake failed")
		h.dialFailed(p, err)
		return
	}
	rtt := time.Since(start)

	h.mu.Lock()
	if h.closed || p.state != transport.PeerConnecting {
		h.mu.Unlock()
		conn.CloseWithError(0, "connection abandoned")
		return
	}
	p.attachLocked(conn, control, ack.channelCount, ack.inBW, ack.outBW)
	p.state = transport.PeerConnected
	p.rtt = rtt
	h.pushEventLocked(transport.RawEvent{Type: transport.EventConnect, Peer: p})
	h.mu.Unlock()
	h.signal()

	p.startLoops(conn)
}

// dialFailed surfaces a failed connection attempt as a Disconnect event.
func (h *host) dialFailed(p *peer, err error) {
	h.eng.logger.Debug("dial failed",
		logging.KeyComponent, "quictransport",
		logging.KeyError, err)

	h.mu.Lock()
	if h.closed || p.state != transport.PeerConnecting {
		h.mu.Unlock()
		return
	}
	p.teardownLocked()
	h.pushEventLocked(transport.RawEvent{Type: transport.EventDisconnect, Peer: p})
	h.mu.Unlock()
	h.signal()
}

func (h *host) freeSlotLocked() *peer {
	for _, p := range h.peers {
		if p.state == transport.PeerDisconnected {
			return p
		}
	}
	return nil
}

func (h *host) pushEventLocked(ev transport.RawEvent) {
	h.events = append(h.events, ev)
}

// signal wakes a blocked Service call.
func (h *host) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Service implements transport.Host.
func (h *host) Service(timeout time.Duration, ev *transport.RawEvent) transport.Status {
	h.Flush()

	deadline := time.Now().Add(timeout)
	for {
		if st := h.CheckEvents(ev); st != 0 {
			return st
		}
		remaining := time.Until(deadline)
		if timeout <= 0 || remaining <= 0 {
			return 0
		}
		timer := time.NewTimer(remaining)
		select {
		case <-h.wake:
			timer.Stop()
		case <-timer.C:
			return 0
		}
	}
}

// CheckEvents implements transport.Host.
func (h *host) CheckEvents(ev *transport.RawEvent) transport.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return -1
	}
	if len(h.events) > 0 {
		*ev = h.events[0]
		h.events = h.events[1:]
		return 1
	}
	for _, p := range h.peers {
		if len(p.rxQueue) > 0 {
			item := p.rxQueue[0]
			p.rxQueue = p.rxQueue[1:]
			*ev = transport.RawEvent{
				Type:      transport.EventReceive,
				Peer:      p,
				ChannelID: item.channel,
				Packet:    item.pkt,
			}
			return 1
		}
	}
	return 0
}

// Flush implements transport.Host. QUIC handles transmission internally;
// the only queued work is turning disconnect-later peers into closes once
// their streams have been written, which happens synchronously in Send.
func (h *host) Flush() {
	type closing struct {
		conn quic.Connection
		data uint32
	}
	var toClose []closing

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	for _, p := range h.peers {
		if p.state == transport.PeerDisconnectLater {
			p.state = transport.PeerDisconnecting
			toClose = append(toClose, closing{conn: p.conn, data: p.laterData})
		}
	}
	h.mu.Unlock()

	for _, c := range toClose {
		c.conn.CloseWithError(quic.ApplicationErrorCode(c.data), "disconnect")
	}
}

// Destroy implements transport.Host.
func (h *host) Destroy() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	conns := make([]quic.Connection, 0, len(h.peers))
	for _, p := range h.peers {
		if p.conn != nil {
			conns = append(conns, p.conn)
		}
		p.teardownLocked()
	}
	h.events = nil
	h.mu.Unlock()

	h.cancel()
	for _, conn := range conns {
		conn.CloseWithError(0, "host destroyed")
	}
	if h.listener != nil {
		h.listener.Close()
	}
	h.tr.Close()
	h.udp.Close()
}

// SetBandwidthLimit implements transport.Host. Limits are advertised to
// new peers; existing connections keep what they negotiated.
func (h *host) SetBandwidthLimit(incoming, outgoing uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inBW = incoming
	h.outBW = outgoing
}

// SetChannelLimit implements transport.Host.
func (h *host) SetChannelLimit(limit int) {
	if limit <= 0 || limit > maxChannels {
		limit = maxChannels
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.channelLimit = limit
}

// ChannelLimit implements transport.Host.
func (h *host) ChannelLimit() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channelLimit
}

// IncomingBandwidth implements transport.Host.
func (h *host) IncomingBandwidth() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inBW
}

// OutgoingBandwidth implements transport.Host.
func (h *host) OutgoingBandwidth() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outBW
}

// Address implements transport.Host, reporting the zero value for
// outbound-only hosts.
func (h *host) Address() transport.WireAddress {
	if !h.bound {
		return transport.WireAddress{}
	}
	return wireFromUDP(h.udp.LocalAddr())
}

// PeerCount implements transport.Host.
func (h *host) PeerCount() int {
	return len(h.peers)
}

// Peer implements transport.Host.
func (h *host) Peer(index int) transport.Peer {
	return h.peers[index]
}

// flushReceivesLocked promotes a peer's queued packets into events so that
// data delivered before a disconnect is observed before the disconnect.
func (h *host) flushReceivesLocked(p *peer) {
	for _, item := range p.rxQueue {
		h.events = append(h.events, transport.RawEvent{
			Type:      transport.EventReceive,
			Peer:      p,
			ChannelID: item.channel,
			Packet:    item.pkt,
		})
	}
	p.rxQueue = nil
}

// appErrorData extracts the application error code from a connection
// close cause.
func appErrorData(err error) uint32 {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return uint32(appErr.ErrorCode)
	}
	return 0
}
