// Package transport implements the pluggable framing/handshake layer
// (spec §4.6): the XRootD wire protocol. It is channel-scoped — one
// ChannelData instance tracks server version, negotiated protocol flags,
// session auth state, and per-logical-stream bookkeeping for the
// lifetime of a Channel.
//
// The byte-pumping shape (header-then-body, explicit short-read
// handling) is grounded on the teacher's transport/pdu.go cursor pattern,
// carried here through the shared xrdmsg.Message cursor rather than a
// bespoke pdu type, since XRootD framing is fixed-header-plus-dlen rather
// than pdu.go's variable chunked object stream.
package transport

import (
	"net"
	"time"

	"github.com/xrootd-go/xrdcl/anyobj"
	"github.com/xrootd-go/xrdcl/xrdmsg"
	"github.com/xrootd-go/xrdcl/xrderr"
)

// Query names a value a caller can ask a Transport for via QueryTransport
// (spec §4.10/§4.11), answered out of the ChannelData the handshake
// already populated rather than a fresh round trip.
type Query int

const (
	QueryServerVersion Query = iota
	QueryServerType
	QueryAuthDone
)

// PathID names which substream a message should be sent on (Up) and
// which substream its reply should be routed to (Down).
type PathID struct {
	Up, Down int
}

// ServerType identifies what kind of peer the server handshake reported.
type ServerType int

const (
	ServerUnknown ServerType = iota
	DataServer
	LoadBalancer
)

// StreamInfo is the per-logical-stream bookkeeping a Transport keeps in
// ChannelData, one entry per stream the channel owns.
type StreamInfo struct {
	SubStreams int
}

// ChannelData is the channel-scoped scratch a Transport owns: server
// version, negotiated flags, auth state, and per-stream info. Created by
// InitializeChannel, freed by FinalizeChannel.
type ChannelData struct {
	ServerVersion int32
	ServerType    ServerType
	AuthDone      bool
	Streams       []StreamInfo
}

// HandshakeData carries one round trip of the multi-step handshake: In is
// what was just read off the wire (empty on the very first step), Out is
// what the caller (the socket handler) must write next. Step tracks
// progress across InitializeChannel's caller.
type HandshakeData struct {
	In   []byte
	Out  []byte
	Step int
}

// Transport is the framing/handshake plug-in contract. One instance is
// shared process-wide (it is stateless itself; all session state lives
// in the ChannelData passed to every call).
type Transport interface {
	InitializeChannel(cd *ChannelData)
	FinalizeChannel(cd *ChannelData)

	// HandShake consumes hd.In and produces hd.Out for the next round.
	// Returns Continue while more rounds remain, Success on completion,
	// or a fatal Status (HandshakeFailed/LoginFailed/AuthFailed).
	HandShake(hd *HandshakeData, cd *ChannelData) *xrderr.Status

	// GetHeader/GetBody pump bytes for one message off conn into msg,
	// returning Retry on a short read (caller must re-enter once the
	// socket is readable again) and a fatal Status on hard errors.
	GetHeader(msg *xrdmsg.Message, conn net.Conn) *xrderr.Status
	GetBody(msg *xrdmsg.Message, conn net.Conn) *xrderr.Status

	Multiplex(msg *xrdmsg.Message, cd *ChannelData, hint *PathID) PathID
	MultiplexSubStream(msg *xrdmsg.Message, cd *ChannelData, hint *PathID) PathID

	StreamNumber(cd *ChannelData) int
	SubStreamNumber(cd *ChannelData) int

	IsStreamTTLElapsed(inactive time.Duration, cd *ChannelData) bool

	NeedControlConnection() bool

	// QueryTransport answers a Query out of cd into result, without
	// touching the wire. Unsupported queries return Unsupported.
	QueryTransport(q Query, cd *ChannelData, result *anyobj.Object) *xrderr.Status
}
