package tern

import (
	"testing"
	"time"

	"github.com/ternnet/tern/transport"
)

// fakeEngine is a scriptable engine for exercising the wrapper without a
// network.
type fakeEngine struct {
	initStatus    transport.Status
	initCalls     int
	deinitCalls   int
	failCreate    bool
	failPacket    bool
	resolve       map[string]transport.WireAddress
	lastHost      *fakeHost
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		resolve: map[string]transport.WireAddress{
			"localhost": {Host: [4]byte{127, 0, 0, 1}},
		},
	}
}

func (e *fakeEngine) Initialize() transport.Status {
	e.initCalls++
	return e.initStatus
}

func (e *fakeEngine) Deinitialize() {
	e.deinitCalls++
}

func (e *fakeEngine) LinkedVersion() transport.Version {
	return transport.Version{Major: 1, Minor: 3, Patch: 17}
}

func (e *fakeEngine) CreateHost(bind *transport.WireAddress, peerCount, channelLimit int, in, out uint32) transport.Host {
	if e.failCreate {
		return nil
	}
	h := &fakeHost{
		channelLimit: channelLimit,
		inBW:         in,
		outBW:        out,
	}
	if bind != nil {
		h.addr = *bind
	}
	h.peers = make([]*fakePeer, peerCount)
	for i := range h.peers {
		h.peers[i] = &fakePeer{host: h, index: i, state: transport.PeerDisconnected}
	}
	e.lastHost = h
	return h
}

func (e *fakeEngine) CreatePacket(data []byte, flags transport.PacketFlags) transport.Packet {
	if e.failPacket {
		return nil
	}
	return &fakePacket{data: data, flags: flags}
}

func (e *fakeEngine) ResolveHost(name string) (transport.WireAddress, transport.Status) {
	if w, ok := e.resolve[name]; ok {
		return w, 0
	}
	return transport.WireAddress{}, -1
}

type fakeHost struct {
	peers        []*fakePeer
	queue        []transport.RawEvent
	addr         transport.WireAddress
	channelLimit int
	inBW, outBW  uint32
	flushes      int
	destroyed    bool
}

// push queues a raw event for the next Service or CheckEvents call.
func (h *fakeHost) push(ev transport.RawEvent) {
	h.queue = append(h.queue, ev)
}

func (h *fakeHost) pop(ev *transport.RawEvent) transport.Status {
	if len(h.queue) == 0 {
		return 0
	}
	*ev = h.queue[0]
	h.queue = h.queue[1:]
	// A delivered disconnect returns the engine slot to the free pool,
	// the way a real engine tears the peer down with the event.
	if ev.Type == transport.EventDisconnect {
		if p, ok := ev.Peer.(*fakePeer); ok {
			p.state = transport.PeerDisconnected
		}
	}
	return 1
}

func (h *fakeHost) Service(timeout time.Duration, ev *transport.RawEvent) transport.Status {
	return h.pop(ev)
}

func (h *fakeHost) CheckEvents(ev *transport.RawEvent) transport.Status {
	return h.pop(ev)
}

func (h *fakeHost) Connect(addr transport.WireAddress, channelCount int, data uint32) transport.Peer {
	for _, p := range h.peers {
		if p.state == transport.PeerDisconnected {
			p.state = transport.PeerConnecting
			p.addr = addr
			p.channelCount = channelCount
			return p
		}
	}
	return nil
}

func (h *fakeHost) Flush()                                 { h.flushes++ }
func (h *fakeHost) Destroy()                               { h.destroyed = true }
func (h *fakeHost) SetBandwidthLimit(in, out uint32)       { h.inBW, h.outBW = in, out }
func (h *fakeHost) SetChannelLimit(limit int)              { h.channelLimit = limit }
func (h *fakeHost) ChannelLimit() int                      { return h.channelLimit }
func (h *fakeHost) IncomingBandwidth() uint32              { return h.inBW }
func (h *fakeHost) OutgoingBandwidth() uint32              { return h.outBW }
func (h *fakeHost) Address() transport.WireAddress         { return h.addr }
func (h *fakeHost) PeerCount() int                         { return len(h.peers) }
func (h *fakeHost) Peer(index int) transport.Peer          { return h.peers[index] }

type sentPacket struct {
	channel uint8
	packet  transport.Packet
}

type fakePeer struct {
	host         *fakeHost
	index        int
	state        transport.PeerState
	addr         transport.WireAddress
	channelCount int
	rtt          time.Duration

	sendStatus  transport.Status
	sent        []sentPacket
	rx          []sentPacket
	disconnects []uint32
	resets      int
}

func (p *fakePeer) Index() int                       { return p.index }
func (p *fakePeer) State() transport.PeerState       { return p.state }
func (p *fakePeer) Address() transport.WireAddress   { return p.addr }
func (p *fakePeer) ChannelCount() int                { return p.channelCount }
func (p *fakePeer) IncomingBandwidth() uint32        { return 0 }
func (p *fakePeer) OutgoingBandwidth() uint32        { return 0 }
func (p *fakePeer) RoundTripTime() time.Duration     { return p.rtt }

func (p *fakePeer) Send(channel uint8, pkt transport.Packet) transport.Status {
	if p.sendStatus < 0 {
		return p.sendStatus
	}
	p.sent = append(p.sent, sentPacket{channel: channel, packet: pkt})
	return p.sendStatus
}

func (p *fakePeer) Receive() (transport.Packet, uint8, bool) {
	if len(p.rx) == 0 {
		return nil, 0, false
	}
	item := p.rx[0]
	p.rx = p.rx[1:]
	return item.packet, item.channel, true
}

func (p *fakePeer) Disconnect(data uint32)      { p.disconnects = append(p.disconnects, data) }
func (p *fakePeer) DisconnectLater(data uint32) { p.disconnects = append(p.disconnects, data) }
func (p *fakePeer) DisconnectNow(data uint32) {
	p.disconnects = append(p.disconnects, data)
	p.state = transport.PeerDisconnected
}
func (p *fakePeer) Reset() {
	p.resets++
	p.state = transport.PeerDisconnected
}

type fakePacket struct {
	data      []byte
	flags     transport.PacketFlags
	destroyed bool
}

func (p *fakePacket) Data() []byte                 { return p.data }
func (p *fakePacket) Flags() transport.PacketFlags { return p.flags }
func (p *fakePacket) Destroy()                     { p.destroyed = true }

// newTestLibrary resets the process lifecycle guard and initializes a fresh
// library around the given engine.
func newTestLibrary(t *testing.T, engine transport.Engine) *Library {
	t.Helper()
	resetLibraryState()
	t.Cleanup(resetLibraryState)

	lib, err := Init(engine)
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	return lib
}
