package tern

import (
	"fmt"
	"net/netip"

	"github.com/ternnet/tern/transport"
)

// Address is an immutable IPv4 endpoint usable with a Host.
//
// The four address bytes are stored in network byte order, exactly as the
// engine carries them on the wire; conversion to and from the wire record
// is a plain copy with no endian adjustment.
type Address struct {
	ip   [4]byte
	port uint16
}

// NewAddress builds an Address from an IPv4 address and port.
// It panics if ip is not an IPv4 (or IPv4-mapped) address.
func NewAddress(ip netip.Addr, port uint16) Address {
	return Address{ip: ip.Unmap().As4(), port: port}
}

// ParseAddress parses "ip:port" into an Address.
func ParseAddress(s string) (Address, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("tern: parse address %q: %w", s, err)
	}
	if !ap.Addr().Unmap().Is4() {
		return Address{}, fmt.Errorf("tern: address %q is not IPv4", s)
	}
	return NewAddress(ap.Addr(), ap.Port()), nil
}

// IP returns the IPv4 address.
func (a Address) IP() netip.Addr {
	return netip.AddrFrom4(a.ip)
}

// Port returns the port.
func (a Address) Port() uint16 {
	return a.port
}

// String formats the address as "ip:port".
func (a Address) String() string {
	return netip.AddrPortFrom(a.IP(), a.port).String()
}

func (a Address) toWire() transport.WireAddress {
	return transport.WireAddress{Host: a.ip, Port: a.port}
}

func addressFromWire(w transport.WireAddress) Address {
	return Address{ip: w.Host, port: w.Port}
}
