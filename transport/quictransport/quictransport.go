// Package quictransport implements the transport.Engine contract over QUIC
// using a single UDP socket per host.
//
// Reliable-sequenced traffic rides one QUIC stream per channel, opened
// lazily, carrying length-prefixed frames. Unreliable traffic rides QUIC
// datagrams with a small header; the receiver drops stale sequence numbers
// for sequenced delivery. Disconnect data travels as the QUIC application
// error code, so both sides observe it.
//
// Bandwidth limits are carried in the connection handshake and reported
// through the peer accessors; actual pacing is left to QUIC congestion
// control.
package quictransport

import (
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/ternnet/tern/internal/certutil"
	"github.com/ternnet/tern/internal/logging"
	"github.com/ternnet/tern/transport"
)

const (
	// ALPNProtocol identifies the wire protocol during the TLS handshake.
	ALPNProtocol = "tern/1"

	maxChannels = 255

	defaultMaxIdleTimeout  = 60 * time.Second
	defaultKeepAlivePeriod = 30 * time.Second

	// handshakeTimeout bounds connection establishment; a peer that does
	// not complete it surfaces as a Disconnect event.
	handshakeTimeout = 10 * time.Second
)

// errorCodeFull is sent when an inbound connection finds no free peer slot.
const errorCodeFull quic.ApplicationErrorCode = 0x7e17

// Options configures an Engine.
type Options struct {
	// TLSConfig is used for both dialing and listening. Nil mints a
	// self-signed ECDSA certificate at Initialize time.
	TLSConfig *tls.Config

	// StrictVerify enables certificate verification on outgoing
	// connections. Off by default: deployments using the self-signed
	// default have nothing to verify against.
	StrictVerify bool

	// Logger receives debug traces. Nil discards them.
	Logger *slog.Logger
}

// Engine implements transport.Engine over QUIC.
type Engine struct {
	opts   Options
	logger *slog.Logger

	tlsServer *tls.Config
	tlsClient *tls.Config
}

// New creates a QUIC engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Engine{opts: opts, logger: logger}
}

// Initialize implements transport.Engine, preparing TLS material.
func (e *Engine) Initialize() transport.Status {
	base := e.opts.TLSConfig
	if base == nil {
		cert, err := certutil.GeneratePeerCert("tern", 0)
		if err != nil {
			e.logger.Error("certificate generation failed", logging.KeyError, err)
			return -1
		}
		tlsCert, err := cert.TLSCertificate()
		if err != nil {
			e.logger.Error("certificate load failed", logging.KeyError, err)
			return -1
		}
		base = &tls.Config{
			Certificates: []tls.Certificate{tlsCert},
			MinVersion:   tls.VersionTLS13,
		}
		e.logger.Debug("using self-signed certificate",
			logging.KeyComponent, "quictransport",
			"fingerprint", cert.Fingerprint())
	}

	server := base.Clone()
	server.NextProtos = []string{ALPNProtocol}

	client := base.Clone()
	client.NextProtos = []string{ALPNProtocol}
	client.InsecureSkipVerify = !e.opts.StrictVerify

	e.tlsServer = server
	e.tlsClient = client
	return 0
}

// Deinitialize implements transport.Engine.
func (e *Engine) Deinitialize() {
	e.tlsServer = nil
	e.tlsClient = nil
}

// LinkedVersion implements transport.Engine.
func (e *Engine) LinkedVersion() transport.Version {
	return transport.Version{Major: 1, Minor: 0, Patch: 0}
}

// CreateHost implements transport.Engine. Every host owns one UDP socket;
// bound hosts also accept inbound connections on it.
func (e *Engine) CreateHost(bind *transport.WireAddress, peerCount, channelLimit int, incomingBandwidth, outgoingBandwidth uint32) transport.Host {
	if e.tlsServer == nil || peerCount <= 0 {
		return nil
	}
	if channelLimit <= 0 || channelLimit > maxChannels {
		channelLimit = maxChannels
	}

	var udpAddr *net.UDPAddr
	if bind != nil {
		udpAddr = &net.UDPAddr{
			IP:   net.IPv4(bind.Host[0], bind.Host[1], bind.Host[2], bind.Host[3]),
			Port: int(bind.Port),
		}
	} else {
		udpAddr = &net.UDPAddr{IP: net.IPv4zero, Port: 0}
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		e.logger.Error("UDP bind failed",
			logging.KeyComponent, "quictransport",
			logging.KeyError, err)
		return nil
	}

	h := newHost(e, conn, bind != nil, peerCount, channelLimit, incomingBandwidth, outgoingBandwidth)
	if h == nil {
		conn.Close()
		return nil
	}
	e.logger.Debug("host created",
		logging.KeyComponent, "quictransport",
		logging.KeyLocalAddr, conn.LocalAddr().String(),
		"peers", peerCount)
	return h
}

// CreatePacket implements transport.Engine, taking ownership of data.
func (e *Engine) CreatePacket(data []byte, flags transport.PacketFlags) transport.Packet {
	return &packet{data: data, flags: flags}
}

// ResolveHost implements transport.Engine. IP literals resolve without
// blocking; anything else goes through the system resolver.
func (e *Engine) ResolveHost(name string) (transport.WireAddress, transport.Status) {
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

// quicConfig returns the QUIC settings shared by dial and listen.
func (e *Engine) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:        defaultMaxIdleTimeout,
		KeepAlivePeriod:       defaultKeepAlivePeriod,
		MaxIncomingStreams:    maxChannels + 1,
		MaxIncomingUniStreams: 0,
		EnableDatagrams:       true,
	}
}

// wireFromUDP converts a UDP address to the wire form; non-IPv4 addresses
// yield the zero value.
func wireFromUDP(addr net.Addr) transport.WireAddress {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return transport.WireAddress{}
	}
	v4 := udp.IP.To4()
	if v4 == nil {
		return transport.WireAddress{}
	}
	var w transport.WireAddress
	copy(w.Host[:], v4)
	w.Port = uint16(udp.Port)
	return w
}
