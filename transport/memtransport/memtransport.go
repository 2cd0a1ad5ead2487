// Package memtransport implements the transport.Engine contract entirely in
// process memory. Hosts created from the same Network exchange packets
// through mailboxes keyed by wire address, with optional loss, latency and
// bandwidth impairments.
//
// The engine honors packet modes the way a real reliable-UDP engine would:
// reliable packets are always delivered in order, sequenced-unreliable
// packets drop stale sequence numbers and are subject to loss, unsequenced
// packets carry no ordering at all. With no impairments configured, all
// delivery is synchronous and deterministic, which is what the package is
// for: tests and examples that need real connect/disconnect/receive event
// flows without touching the network.
//
// Limitations, by design: there are no connection or idle timeouts (a
// connect to an address nobody listens on stays pending forever), and the
// incoming bandwidth limit is reported but not enforced; only the outgoing
// limit paces traffic.
package memtransport

import (
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/ternnet/tern/internal/logging"
	"github.com/ternnet/tern/transport"
)

// maxChannels is the per-connection channel ceiling, matching the protocol
// limit of the engines this package stands in for.
const maxChannels = 255

// ephemeralPortStart is where automatic port assignment begins.
const ephemeralPortStart = 49152

// Impairments configures fault injection for a Network.
type Impairments struct {
	// Loss is the probability in [0, 1] that an unreliable packet is
	// dropped. Reliable packets are never dropped.
	Loss float64

	// Latency is added to every delivery.
	Latency time.Duration

	// Jitter adds a uniformly random extra delay in [0, Jitter).
	Jitter time.Duration
}

// Options configures a Network.
type Options struct {
	Impairments Impairments

	// Clock drives delivery scheduling and timeouts. Nil means the real
	// clock; inject a mock for deterministic impairment tests.
	Clock clock.Clock

	// Logger receives debug traces. Nil discards them.
	Logger *slog.Logger

	// Seed fixes the RNG used for loss and jitter. Zero seeds from the
	// current time.
	Seed int64
}

// Network is an in-process fabric connecting memtransport hosts. It
// implements transport.Engine.
type Network struct {
	clk    clock.Clock
	logger *slog.Logger
	imp    Impairments

	mu       sync.Mutex
	rng      *rand.Rand
	hosts    map[transport.WireAddress]*host
	nextPort uint16
}

// NewNetwork creates a Network with default options: no impairments, real
// clock, no logging.
func NewNetwork() *Network {
	return NewNetworkWithOptions(Options{})
}

// NewNetworkWithOptions creates a Network with explicit options.
func NewNetworkWithOptions(opts Options) *Network {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Network{
		clk:      clk,
		logger:   logger,
		imp:      opts.Impairments,
		rng:      rand.New(rand.NewSource(seed)),
		hosts:    make(map[transport.WireAddress]*host),
		nextPort: ephemeralPortStart,
	}
}

// Initialize implements transport.Engine.
func (n *Network) Initialize() transport.Status {
	return 0
}

// Deinitialize implements transport.Engine.
func (n *Network) Deinitialize() {}

// LinkedVersion implements transport.Engine.
func (n *Network) LinkedVersion() transport.Version {
	return transport.Version{Major: 1, Minor: 0, Patch: 0}
}

// CreateHost implements transport.Engine. A nil bind address creates an
// outbound-only host that is not reachable through the fabric.
func (n *Network) CreateHost(bind *transport.WireAddress, peerCount, channelLimit int, incomingBandwidth, outgoingBandwidth uint32) transport.Host {
	if peerCount <= 0 {
		return nil
	}
	if channelLimit <= 0 || channelLimit > maxChannels {
		channelLimit = maxChannels
	}

	h := &host{
		net:          n,
		channelLimit: channelLimit,
		inBW:         incomingBandwidth,
		outBW:        outgoingBandwidth,
		wake:         make(chan struct{}, 1),
	}
	h.peers = make([]*peer, peerCount)
	for i := range h.peers {
		h.peers[i] = &peer{h: h, index: i, state: transport.PeerDisconnected}
	}
	if outgoingBandwidth > 0 {
		h.outLimiter = rate.NewLimiter(rate.Limit(outgoingBandwidth), int(outgoingBandwidth))
	}

	if bind != nil {
		n.mu.Lock()
		addr := *bind
		if addr.Port == 0 {
			addr.Port = n.allocPortLocked()
			if addr.Port == 0 {
				n.mu.Unlock()
				return nil
			}
		}
		if _, taken := n.hosts[addr]; taken {
			n.mu.Unlock()
			return nil
		}
		h.addr = addr
		h.bound = true
		n.hosts[addr] = h
		n.mu.Unlock()
	}

	n.logger.Debug("host created",
		logging.KeyComponent, "memtransport",
		logging.KeyLocalAddr, wireString(h.addr),
		"peers", peerCount)
	return h
}

// allocPortLocked assigns the next free ephemeral port on 0.0.0.0.
func (n *Network) allocPortLocked() uint16 {
	for i := 0; i < 1<<14; i++ {
		port := n.nextPort
		n.nextPort++
		if n.nextPort == 0 {
			n.nextPort = ephemeralPortStart
		}
		taken := false
		for addr := range n.hosts {
			if addr.Port == port {
				taken = true
				break
			}
		}
		if !taken {
			return port
		}
	}
	return 0
}

// CreatePacket implements transport.Engine, taking ownership of data.
func (n *Network) CreatePacket(data []byte, flags transport.PacketFlags) transport.Packet {
	return &packet{data: data, flags: flags}
}

// ResolveHost implements transport.Engine. IP literals resolve without
// blocking; anything else goes through the system resolver.
func (n *Network) ResolveHost(name string) (transport.WireAddress, transport.Status) {
	if name == "" {
		return transport.WireAddress{}, -1
	}
	if ip := net.ParseIP(name); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			var w transport.WireAddress
			copy(w.Host[:], v4)
			return w, 0
		}
		return transport.WireAddress{}, -1
	}
	ips, err := net.LookupIP(name)
	if err != nil {
		return transport.WireAddress{}, -1
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			var w transport.WireAddress
			copy(w.Host[:], v4)
			return w, 0
		}
	}
	return transport.WireAddress{}, -1
}

// lookup finds the host bound to addr, or nil.
func (n *Network) lookup(addr transport.WireAddress) *host {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hosts[addr]
}

// unregister removes a destroyed host from the fabric.
func (n *Network) unregister(h *host) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if h.bound {
		delete(n.hosts, h.addr)
	}
}

// dropUnreliable decides whether an unreliable delivery is lost.
func (n *Network) dropUnreliable() bool {
	if n.imp.Loss <= 0 {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rng.Float64() < n.imp.Loss
}

// impairmentDelay returns the latency plus a jitter sample.
func (n *Network) impairmentDelay() time.Duration {
	d := n.imp.Latency
	if n.imp.Jitter > 0 {
		n.mu.Lock()
		d += time.Duration(n.rng.Int63n(int64(n.imp.Jitter)))
		n.mu.Unlock()
	}
	return d
}

func wireString(w transport.WireAddress) string {
	return net.JoinHostPort(
		net.IPv4(w.Host[0], w.Host[1], w.Host[2], w.Host[3]).String(),
		strconv.Itoa(int(w.Port)))
}
