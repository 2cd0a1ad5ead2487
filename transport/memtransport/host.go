package memtransport

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ternnet/tern/transport"
)

type msgKind uint8

const (
	msgConnectRequest msgKind = iota
	msgConnectAck
	msgData
	msgDisconnect
	msgDisconnectAck
	msgDisconnectNotify
)

// message is one unit crossing the fabric. Control messages (everything but
// msgData) are delivered with latency but never lost or rate limited.
type message struct {
	kind    msgKind
	from    *peer
	to      *peer
	channel uint8
	flags   transport.PacketFlags
	payload []byte
	seq     uint32
	data    uint32

	// Connect negotiation.
	channelCount int
	fromAddr     transport.WireAddress
	inBW, outBW  uint32
	sentAt       time.Time
}

type rxItem struct {
	pkt     *packet
	channel uint8
}

// outItem is a scheduled delivery.
type outItem struct {
	dst *host
	m   *message
	at  time.Time
}

// host implements transport.Host. All mutable state is guarded by mu; the
// lock is never held while delivering into another host, which keeps
// cross-host delivery deadlock free.
type host struct {
	net *Network

	mu           sync.Mutex
	wake         chan struct{}
	intake       []*message
	events       []transport.RawEvent
	outbox       []*message
	peers        []*peer
	bound        bool
	addr         transport.WireAddress
	channelLimit int
	inBW, outBW  uint32
	outLimiter   *rate.Limiter
	destroyed    bool
}

// deliver places a message in the host's mailbox and wakes a blocked
// Service call.
func (h *host) deliver(m *message) {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	h.intake = append(h.intake, m)
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Service implements transport.Host: flush queued traffic, then drain one
// event, blocking up to timeout for one to arrive.
func (h *host) Service(timeout time.Duration, ev *transport.RawEvent) transport.Status {
	h.Flush()

	clk := h.net.clk
	deadline := clk.Now().Add(timeout)
	for {
		if st := h.CheckEvents(ev); st != 0 {
			return st
		}
		now := clk.Now()
		if timeout <= 0 || !now.Before(deadline) {
			return 0
		}
		timer := clk.Timer(deadline.Sub(now))
		select {
		case <-h.wake:
			timer.Stop()
		case <-timer.C:
			return 0
		}
	}
}

// CheckEvents implements transport.Host: process the mailbox and pop one
// queued event without blocking or flushing.
func (h *host) CheckEvents(ev *transport.RawEvent) transport.Status {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return -1
	}
	replies := h.processIntakeLocked()

	status := transport.Status(0)
	if len(h.events) > 0 {
		*ev = h.events[0]
		h.events = h.events[1:]
		status = 1
	} else {
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
				status = 1
				break
			}
		}
	}
	h.mu.Unlock()

	h.dispatch(replies)
	return status
}

// processIntakeLocked applies every queued message to peer state, queueing
// events as needed, and returns the control replies to send once the lock
// is released.
func (h *host) processIntakeLocked() []outItem {
	var replies []outItem
	now := h.net.clk.Now()

	for _, m := range h.intake {
		switch m.kind {
		case msgConnectRequest:
			p := h.freeSlotLocked()
			if p == nil {
				continue
			}
			channels := m.channelCount
			if channels > h.channelLimit {
				channels = h.channelLimit
			}
			p.state = transport.PeerConnected
			p.remote = m.from
			p.remoteAddr = m.fromAddr
			p.channelCount = channels
			p.remoteInBW = m.inBW
			p.remoteOutBW = m.outBW
			h.events = append(h.events, transport.RawEvent{
				Type: transport.EventConnect,
				Peer: p,
				Data: m.data,
			})
			replies = append(replies, outItem{
				dst: m.from.h,
				m: &message{
					kind:         msgConnectAck,
					from:         p,
					to:           m.from,
					channelCount: channels,
					fromAddr:     h.addr,
					inBW:         h.inBW,
					outBW:        h.outBW,
					sentAt:       m.sentAt,
				},
				at: now.Add(h.net.impairmentDelay()),
			})

		case msgConnectAck:
			p := m.to
			if p.state != transport.PeerConnecting {
				continue
			}
			p.state = transport.PeerConnected
			p.remote = m.from
			p.channelCount = m.channelCount
			p.remoteInBW = m.inBW
			p.remoteOutBW = m.outBW
			p.rtt = now.Sub(m.sentAt)
			h.events = append(h.events, transport.RawEvent{
				Type: transport.EventConnect,
				Peer: p,
			})

		case msgData:
			p := m.to
			if p.remote != m.from {
				continue
			}
			if p.state != transport.PeerConnected && p.state != transport.PeerDisconnectLater {
				continue
			}
			sequenced := m.flags&transport.FlagReliable == 0 &&
				m.flags&transport.FlagUnsequenced == 0
			if sequenced {
				if p.recvSeq == nil {
					p.recvSeq = make(map[uint8]uint32)
				}
				if m.seq <= p.recvSeq[m.channel] {
					continue
				}
				p.recvSeq[m.channel] = m.seq
			}
			p.rxQueue = append(p.rxQueue, rxItem{
				pkt:     &packet{data: m.payload, flags: m.flags},
				channel: m.channel,
			})

		case msgDisconnect:
			p := m.to
			if p.remote != m.from {
				continue
			}
			h.flushReceivesLocked(p)
			h.events = append(h.events, transport.RawEvent{
				Type: transport.EventDisconnect,
				Peer: p,
				Data: m.data,
			})
			replies = append(replies, outItem{
				dst: m.from.h,
				m:   &message{kind: msgDisconnectAck, from: p, to: m.from, data: m.data},
				at:  now.Add(h.net.impairmentDelay()),
			})
			p.teardownLocked()

		case msgDisconnectAck:
			p := m.to
			if p.state != transport.PeerDisconnecting {
				continue
			}
			h.events = append(h.events, transport.RawEvent{
				Type: transport.EventDisconnect,
				Peer: p,
				Data: m.data,
			})
			p.teardownLocked()

		case msgDisconnectNotify:
			p := m.to
			if p.remote != m.from {
				continue
			}
			h.flushReceivesLocked(p)
			h.events = append(h.events, transport.RawEvent{
				Type: transport.EventDisconnect,
				Peer: p,
				Data: m.data,
			})
			p.teardownLocked()
		}
	}
	h.intake = nil
	return replies
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

// freeSlotLocked returns the lowest disconnected slot, or nil.
func (h *host) freeSlotLocked() *peer {
	for _, p := range h.peers {
		if p.state == transport.PeerDisconnected {
			return p
		}
	}
	return nil
}

// dispatch schedules deliveries outside the host lock.
func (h *host) dispatch(items []outItem) {
	clk := h.net.clk
	for _, it := range items {
		d := it.at.Sub(clk.Now())
		if d <= 0 {
			it.dst.deliver(it.m)
			continue
		}
		dst, m := it.dst, it.m
		clk.AfterFunc(d, func() {
			dst.deliver(m)
		})
	}
}

// Connect implements transport.Host.
func (h *host) Connect(addr transport.WireAddress, channelCount int, data uint32) transport.Peer {
	if channelCount <= 0 || channelCount > maxChannels {
		channelCount = maxChannels
	}

	h.mu.Lock()
	if h.destroyed {
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

	if dst := h.net.lookup(addr); dst != nil {
		h.dispatch([]outItem{{
			dst: dst,
			m: &message{
				kind:         msgConnectRequest,
				from:         p,
				channelCount: channelCount,
				data:         data,
				fromAddr:     h.addr,
				inBW:         h.inBW,
				outBW:        h.outBW,
				sentAt:       h.net.clk.Now(),
			},
			at: h.net.clk.Now().Add(h.net.impairmentDelay()),
		}})
	}
	// With nobody listening the attempt stays pending; the fabric has no
	// connection timeouts.
	return p
}

// Flush implements transport.Host: drain the outbox, turning any
// disconnect-later peers into disconnect requests once their packets are
// out.
func (h *host) Flush() {
	clk := h.net.clk

	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	batch := h.outbox
	h.outbox = nil
	for _, p := range h.peers {
		if p.state == transport.PeerDisconnectLater {
			p.state = transport.PeerDisconnecting
			batch = append(batch, &message{
				kind: msgDisconnect,
				from: p,
				to:   p.remote,
				data: p.laterData,
			})
		}
	}

	var items []outItem
	now := clk.Now()
	for _, m := range batch {
		if m.to == nil {
			continue
		}
		reliable := m.kind != msgData || m.flags&transport.FlagReliable != 0
		if !reliable && h.net.dropUnreliable() {
			continue
		}
		delay := h.net.impairmentDelay()
		if m.kind == msgData && h.outLimiter != nil && len(m.payload) > 0 {
			tokens := len(m.payload)
			if burst := h.outLimiter.Burst(); tokens > burst {
				tokens = burst
			}
			delay += h.outLimiter.ReserveN(now, tokens).DelayFrom(now)
		}
		at := now.Add(delay)
		if reliable {
			// Reliable delivery must not reorder.
			if at.Before(m.from.nextReliableAt) {
				at = m.from.nextReliableAt
			}
			m.from.nextReliableAt = at
		}
		items = append(items, outItem{dst: m.to.h, m: m, at: at})
	}
	h.mu.Unlock()

	h.dispatch(items)
}

// Destroy implements transport.Host.
func (h *host) Destroy() {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		return
	}
	h.destroyed = true
	for _, p := range h.peers {
		p.teardownLocked()
	}
	h.intake = nil
	h.events = nil
	h.outbox = nil
	h.mu.Unlock()

	h.net.unregister(h)
}

// SetBandwidthLimit implements transport.Host.
func (h *host) SetBandwidthLimit(incoming, outgoing uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inBW = incoming
	h.outBW = outgoing
	h.outLimiter = nil
	if outgoing > 0 {
		h.outLimiter = rate.NewLimiter(rate.Limit(outgoing), int(outgoing))
	}
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
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.bound {
		return transport.WireAddress{}
	}
	return h.addr
}

// PeerCount implements transport.Host.
func (h *host) PeerCount() int {
	return len(h.peers)
}

// Peer implements transport.Host.
func (h *host) Peer(index int) transport.Peer {
	return h.peers[index]
}
