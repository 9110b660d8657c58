package mysql

import (
	"io"
	"net"

	"github.com/joeycumines/go-asyncrt/eventloop"
)

const maxPacketPayload = 1<<24 - 1 // 0xffffff: a single physical packet's payload limit

// packetIO frames MySQL's wire packets (3-byte length + 1-byte sequence id)
// over a net.Conn, grounded on the read/write helpers of a reference MySQL
// connection-pool client in the retrieval pack (plain io.ReadFull/io.Writer
// calls, no buffering layer), extended here to split/reassemble payloads
// larger than one physical packet and to track byte counters for Stats.
//
// A packetIO is used only from inside a single dedicated goroutine per
// round trip (see conn.go's roundTrip), so it needs no internal locking;
// cross-round-trip exclusion is the job of asyncMutex.
type packetIO struct {
	conn net.Conn
	seq  uint8

	bytesSent uint64
	bytesRecv uint64
}

func newPacketIO(conn net.Conn) *packetIO {
	return &packetIO{conn: conn}
}

// resetSequence must be called at the start of every command round trip
// (spec Q1): the sequence id always restarts at 0 for a new command and
// increments once per physical packet within that command.
func (p *packetIO) resetSequence() {
	p.seq = 0
}

// readPacket reads one logical packet, transparently reassembling a
// payload that was split across multiple maxPacketPayload-sized physical
// packets.
func (p *packetIO) readPacket() ([]byte, error) {
	var out []byte
	for {
		hdr := make([]byte, 4)
		if _, err := io.ReadFull(p.conn, hdr); err != nil {
			return nil, &eventloop.ConnectionClosed{Message: "reading packet header", Cause: err}
		}
		length := int(hdr[0]) | int(hdr[1])<<8 | int(hdr[2])<<16
		seq := hdr[3]
		if seq != p.seq {
			return nil, &eventloop.ProtocolError{Message: "unexpected packet sequence id"}
		}
		p.seq++

		var payload []byte
		if length > 0 {
			payload = make([]byte, length)
			if _, err := io.ReadFull(p.conn, payload); err != nil {
				return nil, &eventloop.ConnectionClosed{Message: "reading packet payload", Cause: err}
			}
		}
		p.bytesRecv += uint64(4 + length)
		out = append(out, payload...)

		if length < maxPacketPayload {
			return out, nil
		}
		// length == maxPacketPayload: more physical packets follow.
	}
}

// writePacket writes payload as one or more physical packets, splitting at
// maxPacketPayload boundaries (a payload that is an exact multiple of
// maxPacketPayload, including zero, is terminated by a zero-length packet
// per the wire protocol).
func (p *packetIO) writePacket(payload []byte) error {
	for {
		chunk := payload
		if len(chunk) > maxPacketPayload {
			chunk = chunk[:maxPacketPayload]
		}

		hdr := [4]byte{byte(len(chunk)), byte(len(chunk) >> 8), byte(len(chunk) >> 16), p.seq}
		p.seq++

		if _, err := p.conn.Write(hdr[:]); err != nil {
			return &eventloop.ConnectionClosed{Message: "writing packet header", Cause: err}
		}
		if len(chunk) > 0 {
			if _, err := p.conn.Write(chunk); err != nil {
				return &eventloop.ConnectionClosed{Message: "writing packet payload", Cause: err}
			}
		}
		p.bytesSent += uint64(4 + len(chunk))

		payload = payload[len(chunk):]
		if len(chunk) < maxPacketPayload {
			return nil
		}
		if len(payload) == 0 {
			// exact multiple: terminate with an explicit zero-length packet.
			hdr := [4]byte{0, 0, 0, p.seq}
			p.seq++
			if _, err := p.conn.Write(hdr[:]); err != nil {
				return &eventloop.ConnectionClosed{Message: "writing packet terminator", Cause: err}
			}
			p.bytesSent += 4
			return nil
		}
	}
}
