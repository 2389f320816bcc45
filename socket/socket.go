// Package socket implements the Async Socket Handler state machine
// (spec §4.7): one non-blocking socket per substream, driven entirely by
// events the Poller delivers. It owns exactly one connect → handshake →
// operational lifecycle at a time and never blocks a caller goroutine.
//
// Go's net.Dial already performs a non-blocking connect internally via
// the runtime netpoller, collapsing the C original's explicit
// Connecting/ReadyToWrite/SO_ERROR dance into one cancellable call — but
// spec §4.7's table is explicit that the state machine observes
// SO_ERROR after a write-ready wakeup, so Connect here drives the
// connect itself with golang.org/x/sys/unix (non-blocking socket,
// EINPROGRESS connect, SO_ERROR via getsockopt on write-ready) rather
// than delegating to net.Dial. The fd is wrapped in a net.Conn as soon as
// the connect is in flight; SO_ERROR is then read through that conn on
// the first write-ready event.
package socket

import (
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xrootd-go/xrdcl/cmn/xlog"
	"github.com/xrootd-go/xrdcl/poller"
	"github.com/xrootd-go/xrdcl/transport"
	"github.com/xrootd-go/xrdcl/xrdmsg"
	"github.com/xrootd-go/xrdcl/xrderr"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Handshaking
	HandshakeDone
	Broken
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Handshaking:
		return "Handshaking"
	case HandshakeDone:
		return "HandshakeDone"
	case Broken:
		return "Broken"
	default:
		return "Unknown"
	}
}

// Sink is how a Handler talks to the Stream that owns it: asking for the
// next queued outgoing message, handing off a fully-received one, and
// reporting lifecycle events. Kept as an interface (rather than a direct
// import of package stream) to avoid a socket<->stream import cycle,
// matching the teacher's own habit of depending on small local interfaces
// across package boundaries instead of the concrete type.
type Sink interface {
	NextOutgoing() (*xrdmsg.Message, bool)
	Dispatch(msg *xrdmsg.Message)
	HandleFault(st *xrderr.Status)
	HandleConnected()
}

// Handler is one substream's socket state machine.
type Handler struct {
	addr      string
	transport transport.Transport
	cd        *transport.ChannelData
	poller    poller.Poller
	sink      Sink

	mu    sync.Mutex
	state State
	conn  net.Conn

	hd        transport.HandshakeData
	pIncoming *xrdmsg.Message
	pOutgoing *xrdmsg.Message
	rawHS     []byte // partial-read cursor for the unframed server handshake reply

	lastIO time.Time

	connectDeadline time.Time
}

func NewHandler(addr string, tr transport.Transport, cd *transport.ChannelData, p poller.Poller, sink Sink) *Handler {
	return &Handler{addr: addr, transport: tr, cd: cd, poller: p, sink: sink, state: Disconnected}
}

func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handler) setState(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Idle is how long it has been since the last byte was read or written
// on this handler's socket, for the owning Stream's TTL/Tick check.
func (h *Handler) Idle() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Since(h.lastIO)
}

// EnableWrite asks the Poller to notify this handler on write
// readiness, e.g. once the owning Stream has queued a new outgoing
// message on an already-operational substream.
func (h *Handler) EnableWrite(on bool, timeoutRes time.Duration) {
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if conn == nil {
		return
	}
	h.poller.EnableWriteNotification(conn, on, timeoutRes)
}

// Connect drives a non-blocking connect to addr, registering the
// resulting socket with the Poller for write-readiness once the connect
// is in flight. timeout bounds the whole connect attempt.
func (h *Handler) Connect(timeout time.Duration) *xrderr.Status {
	h.setState(Connecting)
	h.connectDeadline = time.Now().Add(timeout)

	conn, st := dialNonBlocking(h.addr)
	if st != nil {
		h.setState(Disconnected)
		return st
	}
	h.mu.Lock()
	h.conn = conn
	h.lastIO = time.Now()
	h.mu.Unlock()

	if err := h.poller.AddSocket(conn, h); err != nil {
		h.setState(Disconnected)
		return xrderr.Wrap(xrderr.PollerError, err)
	}
	h.poller.EnableWriteNotification(conn, true, timeout)
	return nil
}

// Event implements poller.SocketHandler; every transition in spec
// §4.7's table is dispatched from here.
func (h *Handler) Event(evt poller.EventType, conn net.Conn) {
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()

	switch state {
	case Connecting:
		h.onConnecting(evt)
	case Handshaking:
		h.onHandshaking(evt)
	case HandshakeDone:
		h.onHandshakeDone(evt)
	default:
		xlog.Debugf(xlog.XRootDTransportMsg, "event %v ignored in state %v", evt, state)
	}
}

func (h *Handler) onConnecting(evt poller.EventType) {
	switch evt {
	case poller.ReadyToWrite:
		if err := checkSOError(h.conn); err != nil {
			h.fault(xrderr.Wrap(xrderr.ConnectionError, err))
			return
		}
		h.setState(Handshaking)
		h.hd = transport.HandshakeData{}
		h.transport.InitializeChannel(h.cd)
		st := h.transport.HandShake(&h.hd, h.cd)
		if st != nil && st.IsFatal() {
			h.fault(st)
			return
		}
		if st == nil {
			// Zero-round handshake: nothing left to exchange.
			h.setState(HandshakeDone)
			h.poller.EnableReadNotification(h.conn, true, 0)
			h.sink.HandleConnected()
			return
		}
		// Every later round is driven by the server's replies.
		h.poller.EnableReadNotification(h.conn, true, 0)
		h.flushHandshakeOut()
	case poller.WriteTimeOut:
		if remaining := time.Until(h.connectDeadline); remaining > 0 {
			// The poller's per-iteration resolution elapsed before the
			// overall connect window (connectDeadline) did; keep waiting
			// for the real deadline instead of giving up early.
			h.poller.EnableWriteNotification(h.conn, true, remaining)
			return
		}
		h.fault(xrderr.New(xrderr.SocketTimeout))
	}
}

func (h *Handler) onHandshaking(evt poller.EventType) {
	switch evt {
	case poller.ReadyToWrite:
		h.flushHandshakeOut()
	case poller.ReadyToRead:
		// Step 1 waits on the server's raw, unframed 16-byte initial
		// handshake reply; every later round is a normally framed
		// message (spec §6: only the very first round precedes the
		// standard 8-byte header).
		if h.hd.Step == 1 {
			if !h.readRawHandshakeReply() {
				return
			}
		} else {
			if h.pIncoming == nil {
				h.pIncoming = xrdmsg.NewIncoming()
			}
			if h.pIncoming.HeaderRemaining() > 0 {
				if st := h.transport.GetHeader(h.pIncoming, h.conn); st != nil {
					if st.Is(xrderr.Retry) {
						return
					}
					h.fault(st)
					return
				}
			}
			if h.pIncoming.BodyRemaining() > 0 {
				if st := h.transport.GetBody(h.pIncoming, h.conn); st != nil {
					if st.Is(xrderr.Retry) {
						return
					}
					h.fault(st)
					return
				}
			}
			if !h.pIncoming.Done() {
				return
			}
			msg := h.pIncoming
			h.pIncoming = nil
			h.hd.In = msg.Body()
		}
		h.touch()
		st := h.transport.HandShake(&h.hd, h.cd)
		if st == nil {
			h.setState(HandshakeDone)
			h.poller.EnableReadNotification(h.conn, true, 0)
			h.sink.HandleConnected()
			return
		}
		if st.Is(xrderr.Continue) {
			h.flushHandshakeOut()
			return
		}
		h.fault(st)
	case poller.ReadTimeOut, poller.WriteTimeOut:
		h.fault(xrderr.New(xrderr.SocketTimeout))
	}
}

func (h *Handler) onHandshakeDone(evt poller.EventType) {
	switch evt {
	case poller.ReadyToWrite:
		if h.pOutgoing == nil {
			msg, ok := h.sink.NextOutgoing()
			if !ok {
				return
			}
			h.pOutgoing = msg
		}
		n := h.pOutgoing.HeaderRemaining()
		if n > 0 {
			buf := make([]byte, n)
			wn := h.pOutgoing.WriteHeaderTo(buf)
			if _, err := h.conn.Write(buf[:wn]); err != nil {
				h.fault(xrderr.Wrap(xrderr.SocketError, err))
				return
			}
		} else if n := h.pOutgoing.BodyRemaining(); n > 0 {
			buf := make([]byte, n)
			wn := h.pOutgoing.WriteBodyTo(buf)
			if _, err := h.conn.Write(buf[:wn]); err != nil {
				h.fault(xrderr.Wrap(xrderr.SocketError, err))
				return
			}
		}
		h.touch()
		if h.pOutgoing.Done() {
			h.pOutgoing = nil
		}
	case poller.ReadyToRead:
		if h.pIncoming == nil {
			h.pIncoming = xrdmsg.NewIncoming()
		}
		if h.pIncoming.HeaderRemaining() > 0 {
			if st := h.transport.GetHeader(h.pIncoming, h.conn); st != nil {
				if st.Is(xrderr.Retry) {
					return
				}
				h.fault(st)
				return
			}
		}
		if h.pIncoming.BodyRemaining() > 0 {
			if st := h.transport.GetBody(h.pIncoming, h.conn); st != nil {
				if st.Is(xrderr.Retry) {
					return
				}
				h.fault(st)
				return
			}
		}
		h.touch()
		if h.pIncoming.Done() {
			msg := h.pIncoming
			h.pIncoming = nil
			h.sink.Dispatch(msg)
		}
	case poller.WriteTimeOut:
		if h.pOutgoing != nil {
			return // an in-flight write, not idle
		}
		inactive := time.Since(h.lastIO)
		if h.transport.IsStreamTTLElapsed(inactive, h.cd) {
			h.Close()
		}
	case poller.ReadTimeOut:
		// Per-request deadline expiry is the Stream's responsibility
		// (it walks its deadline map on Tick); the handler itself has
		// nothing request-specific to check here.
	}
}

// readRawHandshakeReply pumps bytes into h.rawHS until the full
// unframed server handshake has arrived, tolerating short reads.
// Returns true once h.hd.In holds the complete reply.
func (h *Handler) readRawHandshakeReply() bool {
	if h.rawHS == nil {
		h.rawHS = make([]byte, 0, transport.ServerHandshakeSize)
	}
	need := transport.ServerHandshakeSize - len(h.rawHS)
	buf := make([]byte, need)
	n, err := h.conn.Read(buf)
	if n > 0 {
		h.rawHS = append(h.rawHS, buf[:n]...)
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false
		}
		h.fault(xrderr.Wrap(xrderr.SocketError, err))
		return false
	}
	if len(h.rawHS) < transport.ServerHandshakeSize {
		return false
	}
	h.hd.In = h.rawHS
	h.rawHS = nil
	return true
}

func (h *Handler) flushHandshakeOut() {
	if len(h.hd.Out) == 0 {
		return
	}
	n, err := h.conn.Write(h.hd.Out)
	if err != nil {
		h.fault(xrderr.Wrap(xrderr.SocketError, err))
		return
	}
	h.hd.Out = h.hd.Out[n:]
	h.touch()
}

func (h *Handler) touch() {
	h.mu.Lock()
	h.lastIO = time.Now()
	h.mu.Unlock()
}

func (h *Handler) fault(st *xrderr.Status) {
	h.setState(Broken)
	if h.conn != nil {
		h.poller.RemoveSocket(h.conn)
		h.conn.Close()
	}
	h.setState(Disconnected)
	h.sink.HandleFault(st)
}

// Close tears the socket down deliberately (idle TTL elapsed, or caller
// requested shutdown), transitioning straight to Disconnected without
// reporting a fault.
func (h *Handler) Close() {
	h.mu.Lock()
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()
	if conn != nil {
		h.poller.RemoveSocket(conn)
		conn.Close()
	}
	h.setState(Disconnected)
}

// dialNonBlocking performs the connect → register-for-write-readiness
// half of spec §4.7's Connecting state directly over a unix socket fd, so
// checkSOError below has something real to call getsockopt on.
func dialNonBlocking(addr string) (net.Conn, *xrderr.Status) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, xrderr.Wrap(xrderr.InvalidArgument, err)
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return nil, xrderr.Wrap(xrderr.ConnectionError, err)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return nil, xrderr.Wrap(xrderr.InvalidArgument, err)
	}

	ip4 := ips[0].To4()
	domain := unix.AF_INET6
	var sa unix.Sockaddr
	if ip4 != nil {
		domain = unix.AF_INET
		var a [4]byte
		copy(a[:], ip4)
		sa = &unix.SockaddrInet4{Port: port, Addr: a}
	} else {
		var a [16]byte
		copy(a[:], ips[0].To16())
		sa = &unix.SockaddrInet6{Port: port, Addr: a}
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, xrderr.Wrap(xrderr.SocketError, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, xrderr.Wrap(xrderr.SocketError, err)
	}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, xrderr.Wrap(xrderr.ConnectionError, err)
	}

	f := os.NewFile(uintptr(fd), addr)
	conn, cerr := net.FileConn(f)
	f.Close() // FileConn dup'd the fd; close our handle to it
	if cerr != nil {
		unix.Close(fd)
		return nil, xrderr.Wrap(xrderr.SocketError, cerr)
	}
	return conn, nil
}

// checkSOError reads SO_ERROR off the underlying fd once the poller
// reports write-readiness on a connecting socket, exactly as spec
// §4.7's "Connecting, ReadyToWrite: check SO_ERROR" row describes.
func checkSOError(conn net.Conn) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	var soErr error
	cerr := raw.Control(func(fd uintptr) {
		errno, gerr := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
		if gerr != nil {
			soErr = gerr
			return
		}
		if errno != 0 {
			soErr = unix.Errno(errno)
		}
	})
	if cerr != nil {
		return cerr
	}
	return soErr
}
