package transport

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/xrootd-go/xrdcl/anyobj"
	"github.com/xrootd-go/xrdcl/xrdauth"
	"github.com/xrootd-go/xrdcl/xrdmsg"
	"github.com/xrootd-go/xrdcl/xrderr"
)

// Wire opcodes used during the handshake's post-initial rounds. Values
// are this module's own assignment (the retrieval pack did not carry the
// upstream protocol header), documented here rather than claimed as
// bit-exact with any deployed XRootD server.
const (
	opProtocol uint16 = 3001
	opLogin    uint16 = 3002
	opAuth     uint16 = 3003
)

// clientHandshakeMagic is the final 4 bytes of the 20-byte client
// handshake: all preceding bytes are zero (spec §6). Encodes protocol
// version 3.0.0 as major/minor/patch bytes, padded to 4.
var clientHandshakeMagic = [4]byte{0, 3, 0, 0}

const (
	clientHandshakeSize = 20

	// ServerHandshakeSize is the raw, unframed reply to the initial
	// client handshake (spec §6) — the only handshake round that
	// precedes the standard 8-byte message header; every later round
	// (kXR_protocol/kXR_login/kXR_auth) is a normally framed message.
	ServerHandshakeSize = 16
)

const (
	kXR_DataServer   int32 = 1
	kXR_LoadBalancer int32 = 2
)

// XRootD is the Transport implementation for the XRootD wire protocol
// (spec §4.6). It is stateless; everything session-specific lives in the
// ChannelData passed to each call, so one XRootD value is shared by every
// channel the Post-Master manages.
type XRootD struct {
	auth                 xrdauth.Authenticator
	dataServerTTL        time.Duration
	managerTTL           time.Duration
	subStreamsPerChannel int
}

// New builds an XRootD transport. auth is consulted during the
// handshake's auth sub-protocol rounds; pass xrdauth.NoOp{} when the
// deployment requires no authentication.
func New(auth xrdauth.Authenticator, dataServerTTL, managerTTL time.Duration, subStreamsPerChannel int) *XRootD {
	if auth == nil {
		auth = xrdauth.NoOp{}
	}
	if subStreamsPerChannel < 1 {
		subStreamsPerChannel = 1
	}
	return &XRootD{
		auth:                 auth,
		dataServerTTL:        dataServerTTL,
		managerTTL:           managerTTL,
		subStreamsPerChannel: subStreamsPerChannel,
	}
}

func (x *XRootD) InitializeChannel(cd *ChannelData) {
	cd.Streams = []StreamInfo{{SubStreams: x.subStreamsPerChannel}}
}

func (*XRootD) FinalizeChannel(cd *ChannelData) {
	cd.Streams = nil
}

// HandShake drives the handshake state machine purely off hd.Step; it
// never touches the socket itself (the async socket handler owns I/O),
// only transforms In into Out. See spec §4.6 for the five named rounds.
func (x *XRootD) HandShake(hd *HandshakeData, cd *ChannelData) *xrderr.Status {
	switch hd.Step {
	case 0:
		out := make([]byte, clientHandshakeSize)
		copy(out[clientHandshakeSize-4:], clientHandshakeMagic[:])
		hd.Out = out
		hd.Step = 1
		return xrderr.New(xrderr.Continue)

	case 1:
		if len(hd.In) < ServerHandshakeSize {
			return xrderr.Wrapf(xrderr.HandshakeFailed, "server handshake too short: %d bytes", len(hd.In))
		}
		length := binary.BigEndian.Uint32(hd.In[4:8])
		if length < 8 {
			return xrderr.Wrapf(xrderr.HandshakeFailed, "invalid server handshake length %d", length)
		}
		cd.ServerVersion = int32(binary.BigEndian.Uint32(hd.In[8:12]))
		switch st := int32(binary.BigEndian.Uint32(hd.In[12:16])); st {
		case kXR_DataServer:
			cd.ServerType = DataServer
		case kXR_LoadBalancer:
			cd.ServerType = LoadBalancer
		default:
			cd.ServerType = ServerUnknown
		}
		hd.Out = newHandshakeMsg(opProtocol, nil)
		hd.Step = 2
		return xrderr.New(xrderr.Continue)

	case 2:
		// Protocol response accepted as-is; proceed to login.
		hd.Out = newHandshakeMsg(opLogin, nil)
		hd.Step = 3
		return xrderr.New(xrderr.Continue)

	case 3:
		authRequired := len(hd.In) > 0 && hd.In[0] == 1
		if !authRequired {
			return nil
		}
		var challenge []byte
		if len(hd.In) > 1 {
			challenge = hd.In[1:]
		}
		resp, st := x.auth.Step(challenge)
		if st != nil && !st.OK() {
			return xrderr.Wrap(xrderr.AuthFailed, st)
		}
		hd.Out = newHandshakeMsg(opAuth, resp)
		hd.Step = 4
		return xrderr.New(xrderr.Continue)

	default:
		// The server signals acceptance by sending no further challenge;
		// an authenticator's response is otherwise always a new round.
		if len(hd.In) == 0 {
			cd.AuthDone = true
			return nil
		}
		resp, st := x.auth.Step(hd.In)
		if st != nil && !st.OK() {
			return xrderr.Wrap(xrderr.AuthFailed, st)
		}
		hd.Out = newHandshakeMsg(opAuth, resp)
		hd.Step++
		return xrderr.New(xrderr.Continue)
	}
}

func newHandshakeMsg(opcode uint16, body []byte) []byte {
	m := xrdmsg.NewOutgoing([2]byte{0, 0}, opcode, body)
	wire := make([]byte, xrdmsg.HeaderSize+len(body))
	n := m.WriteHeaderTo(wire)
	m.WriteBodyTo(wire[n:])
	return wire
}

// GetHeader reads exactly as many header bytes as are currently
// available without blocking, reporting Retry on a short read so the
// caller re-enters once the socket is readable again.
func (*XRootD) GetHeader(msg *xrdmsg.Message, conn net.Conn) *xrderr.Status {
	return pump(msg.HeaderRemaining, func(b []byte) (int, bool, *xrderr.Status) {
		n, complete, st := msg.ReadHeader(b)
		return n, complete, st
	}, conn)
}

// GetBody reads the body once the header (and therefore dlen) is known.
func (*XRootD) GetBody(msg *xrdmsg.Message, conn net.Conn) *xrderr.Status {
	return pump(msg.BodyRemaining, func(b []byte) (int, bool, *xrderr.Status) {
		n, complete := msg.ReadBody(b)
		return n, complete, nil
	}, conn)
}

// pump performs one non-blocking read attempt sized to the remaining
// bytes and feeds it to step; EAGAIN/EWOULDBLOCK and partial reads both
// surface as Retry, never as an error (spec §4.7 edge cases).
func pump(remaining func() int, step func([]byte) (int, bool, *xrderr.Status), conn net.Conn) *xrderr.Status {
	need := remaining()
	if need <= 0 {
		return nil
	}
	buf := make([]byte, need)
	n, err := conn.Read(buf)
	if n > 0 {
		_, complete, st := step(buf[:n])
		if st != nil {
			return st
		}
		if complete {
			return nil
		}
	}
	if err != nil {
		if err == io.EOF {
			return xrderr.New(xrderr.SocketDisconnected)
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return xrderr.New(xrderr.Retry)
		}
		return xrderr.Wrap(xrderr.SocketError, err)
	}
	return xrderr.New(xrderr.Retry)
}

// Multiplex and MultiplexSubStream both route to substream 0 absent a
// hint: spec §4.6 describes a single logical stream with one or more
// substreams for XRootD, with no load-based routing policy mandated.
func (*XRootD) Multiplex(msg *xrdmsg.Message, cd *ChannelData, hint *PathID) PathID {
	return routeWithHint(cd, hint)
}

func (*XRootD) MultiplexSubStream(msg *xrdmsg.Message, cd *ChannelData, hint *PathID) PathID {
	return routeWithHint(cd, hint)
}

func routeWithHint(cd *ChannelData, hint *PathID) PathID {
	if hint != nil {
		return *hint
	}
	return PathID{Up: 0, Down: 0}
}

func (*XRootD) StreamNumber(cd *ChannelData) int {
	return len(cd.Streams)
}

func (*XRootD) SubStreamNumber(cd *ChannelData) int {
	if len(cd.Streams) == 0 {
		return 1
	}
	return cd.Streams[0].SubStreams
}

func (x *XRootD) IsStreamTTLElapsed(inactive time.Duration, cd *ChannelData) bool {
	ttl := x.dataServerTTL
	if cd.ServerType == LoadBalancer {
		ttl = x.managerTTL
	}
	return inactive >= ttl
}

func (*XRootD) NeedControlConnection() bool { return true }

// QueryTransport answers out of the already-populated ChannelData; none
// of the three recognised queries need a wire round trip.
func (*XRootD) QueryTransport(q Query, cd *ChannelData, result *anyobj.Object) *xrderr.Status {
	switch q {
	case QueryServerVersion:
		result.Set(cd.ServerVersion, false)
	case QueryServerType:
		result.Set(cd.ServerType, false)
	case QueryAuthDone:
		result.Set(cd.AuthDone, false)
	default:
		return xrderr.New(xrderr.Unsupported)
	}
	return nil
}
