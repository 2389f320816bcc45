// Package xrdmsg implements the core's wire Message: a contiguous byte
// buffer with a read/write cursor, used for both outbound requests and
// inbound responses (spec §4, "Message" data-model entity). The header
// layout is fixed at 8 bytes — streamid[2] | opcode/status[2] | dlen[4],
// big-endian — identical across request and response framing; bodies are
// opaque to this package beyond matching dlen.
//
// The cursor/partial-I/O shape (roff/woff offsets, a done flag, explicit
// short-read vs. error outcomes) is grounded on the teacher's transport/pdu.go
// pdu/spdu/rpdu cursor pattern, generalized from aistore's variable-size
// object/PDU body framing to XRootD's fixed 8-byte header plus dlen-sized
// body.
package xrdmsg

import (
	"encoding/binary"

	"github.com/xrootd-go/xrdcl/xrderr"
)

// HeaderSize is the fixed wire header length.
const HeaderSize = 8

// MaxBodySize bounds dlen to guard against a corrupt or hostile length
// field driving an unbounded allocation.
const MaxBodySize = 64 * 1024 * 1024

// Message is a framed wire buffer: an 8-byte header followed by a body of
// length header.DataLen. It owns its backing buffer and a pair of cursors
// tracking how much of the header and body have been read or written so
// far, so a handler can re-enter after a short read/write without losing
// progress.
type Message struct {
	hdr  [HeaderSize]byte
	body []byte

	hoff int // header bytes transferred so far
	boff int // body bytes transferred so far
}

// NewOutgoing builds a Message ready to send: streamID and opcode stamped
// into the header, dlen set from len(body).
func NewOutgoing(streamID [2]byte, opcode uint16, body []byte) *Message {
	m := &Message{body: body}
	m.hdr[0], m.hdr[1] = streamID[0], streamID[1]
	binary.BigEndian.PutUint16(m.hdr[2:4], opcode)
	binary.BigEndian.PutUint32(m.hdr[4:8], uint32(len(body)))
	return m
}

// NewIncoming allocates an empty Message ready to receive a header; the
// body buffer is allocated once the header has been fully read and dlen is
// known (see ReadHeader).
func NewIncoming() *Message { return &Message{} }

func (m *Message) StreamID() [2]byte { return [2]byte{m.hdr[0], m.hdr[1]} }

func (m *Message) SetStreamID(id [2]byte) { m.hdr[0], m.hdr[1] = id[0], id[1] }

// Opcode is the request-id on outgoing messages, or the response code on
// incoming ones — the header overlays the two per spec.
func (m *Message) Opcode() uint16 { return binary.BigEndian.Uint16(m.hdr[2:4]) }

// Status is only meaningful on a received Message; it overlays the same
// bytes Opcode reads on an outgoing one.
func (m *Message) Status() uint16 { return binary.BigEndian.Uint16(m.hdr[2:4]) }

func (m *Message) DataLen() uint32 { return binary.BigEndian.Uint32(m.hdr[4:8]) }

func (m *Message) Body() []byte { return m.body }

// HeaderBytes exposes the raw 8 wire bytes, e.g. for stamping after
// allocation or for tests asserting on wire content.
func (m *Message) HeaderBytes() [HeaderSize]byte { return m.hdr }

// Done reports whether the full header and full body have been
// transferred (read or written, depending on which side this Message is
// being used from).
func (m *Message) Done() bool {
	return m.hoff == HeaderSize && m.boff == len(m.body)
}

// WriteHeaderTo copies as much of the remaining header as b can hold,
// advancing the write cursor. Returns the number of bytes copied.
func (m *Message) WriteHeaderTo(b []byte) int {
	n := copy(b, m.hdr[m.hoff:])
	m.hoff += n
	return n
}

// WriteBodyTo copies as much of the remaining body as b can hold,
// advancing the write cursor.
func (m *Message) WriteBodyTo(b []byte) int {
	n := copy(b, m.body[m.boff:])
	m.boff += n
	return n
}

// ReadHeader consumes up to len(b) bytes from b into the header cursor.
// Once the header is fully populated it allocates the body buffer sized
// from dlen, validating it against MaxBodySize. Returns the number of
// bytes consumed from b and whether the header is now complete.
func (m *Message) ReadHeader(b []byte) (n int, complete bool, st *xrderr.Status) {
	n = copy(m.hdr[m.hoff:], b)
	m.hoff += n
	if m.hoff < HeaderSize {
		return n, false, nil
	}
	dlen := m.DataLen()
	if dlen > MaxBodySize {
		return n, false, xrderr.Wrapf(xrderr.InvalidResponse, "dlen %d exceeds maximum body size", dlen)
	}
	if m.body == nil {
		m.body = make([]byte, dlen)
	}
	return n, true, nil
}

// ReadBody consumes up to len(b) bytes from b into the body cursor.
// ReadHeader must have completed first. Returns bytes consumed and
// whether the body is now fully received.
func (m *Message) ReadBody(b []byte) (n int, complete bool) {
	n = copy(m.body[m.boff:], b)
	m.boff += n
	return n, m.boff == len(m.body)
}

// HeaderRemaining is the number of header bytes not yet transferred.
func (m *Message) HeaderRemaining() int { return HeaderSize - m.hoff }

// BodyRemaining is the number of body bytes not yet transferred.
func (m *Message) BodyRemaining() int { return len(m.body) - m.boff }

// Reset rewinds both cursors so the Message can be retransmitted from
// scratch, e.g. after a substream reconnect requeues an in-flight
// outgoing message.
func (m *Message) Reset() {
	m.hoff, m.boff = 0, 0
}
