package quictransport

import "github.com/ternnet/tern/transport"

// packet implements transport.Packet.
type packet struct {
	data  []byte
	flags transport.PacketFlags
}

// Data implements transport.Packet.
func (p *packet) Data() []byte {
	return p.data
}

// Flags implements transport.Packet.
func (p *packet) Flags() transport.PacketFlags {
	return p.flags
}

// Destroy implements transport.Packet. Safe to call more than once.
func (p *packet) Destroy() {
	p.data = nil
}
