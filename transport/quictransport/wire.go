package quictransport

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ternnet/tern/transport"
)

// Stream type bytes, written once when a stream is opened.
const (
	streamTypeControl = 0x01
	streamTypeData    = 0x02
)

// protocolVersion is the hello frame version.
const protocolVersion = 1

// maxFramePayload bounds a single reliable frame.
const maxFramePayload = 16 << 20

// hello opens every connection: the dialer sends it on the control stream
// and the listener answers with an ack carrying its own limits.
type hello struct {
	channelCount int
	inBW, outBW  uint32
	userData     uint32
}

func writeHello(w io.Writer, h hello) error {
	var buf [15]byte
	buf[0] = streamTypeControl
	buf[1] = protocolVersion
	buf[2] = uint8(h.channelCount)
	binary.BigEndian.PutUint32(buf[3:7], h.inBW)
	binary.BigEndian.PutUint32(buf[7:11], h.outBW)
	binary.BigEndian.PutUint32(buf[11:15], h.userData)
	_, err := w.Write(buf[:])
	return err
}

func readHello(r io.Reader) (hello, error) {
	var buf [15]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return hello{}, err
	}
	if buf[0] != streamTypeControl {
		return hello{}, fmt.Errorf("unexpected stream type 0x%02x", buf[0])
	}
	if buf[1] != protocolVersion {
		return hello{}, fmt.Errorf("unsupported protocol version %d", buf[1])
	}
	return hello{
		channelCount: int(buf[2]),
		inBW:         binary.BigEndian.Uint32(buf[3:7]),
		outBW:        binary.BigEndian.Uint32(buf[7:11]),
		userData:     binary.BigEndian.Uint32(buf[11:15]),
	}, nil
}

// helloAck is the listener's reply, fixing the negotiated channel count.
type helloAck struct {
	channelCount int
	inBW, outBW  uint32
}

func writeHelloAck(w io.Writer, a helloAck) error {
	var buf [9]byte
	buf[0] = uint8(a.channelCount)
	binary.BigEndian.PutUint32(buf[1:5], a.inBW)
	binary.BigEndian.PutUint32(buf[5:9], a.outBW)
	_, err := w.Write(buf[:])
	return err
}

func readHelloAck(r io.Reader) (helloAck, error) {
	var buf [9]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return helloAck{}, err
	}
	return helloAck{
		channelCount: int(buf[0]),
		inBW:         binary.BigEndian.Uint32(buf[1:5]),
		outBW:        binary.BigEndian.Uint32(buf[5:9]),
	}, nil
}

// writeStreamHeader opens a data stream for a channel.
func writeStreamHeader(w io.Writer, channel uint8) error {
	_, err := w.Write([]byte{streamTypeData, channel})
	return err
}

// writeFrame sends one length-prefixed payload on a data stream.
func writeFrame(w io.Writer, payload []byte) error {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := w.Write(length[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed payload from a data stream.
func readFrame(r io.Reader) ([]byte, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(length[:])
	if size > maxFramePayload {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// datagramHeaderSize is the fixed prefix on every unreliable datagram.
const datagramHeaderSize = 6

// encodeDatagram prefixes a payload with {channel, flags, sequence}.
func encodeDatagram(channel uint8, flags transport.PacketFlags, seq uint32, payload []byte) []byte {
	buf := make([]byte, datagramHeaderSize+len(payload))
	buf[0] = channel
	buf[1] = uint8(flags)
	binary.BigEndian.PutUint32(buf[2:6], seq)
	copy(buf[datagramHeaderSize:], payload)
	return buf
}

// decodeDatagram splits a datagram into its header and payload.
func decodeDatagram(buf []byte) (channel uint8, flags transport.PacketFlags, seq uint32, payload []byte, ok bool) {
	if len(buf) < datagramHeaderSize {
		return 0, 0, 0, nil, false
	}
	return buf[0], transport.PacketFlags(buf[1]), binary.BigEndian.Uint32(buf[2:6]), buf[datagramHeaderSize:], true
}
