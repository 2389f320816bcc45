package socket_test

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/xrootd-go/xrdcl/poller"
	"github.com/xrootd-go/xrdcl/socket"
	"github.com/xrootd-go/xrdcl/transport"
	"github.com/xrootd-go/xrdcl/xrdauth"
	"github.com/xrootd-go/xrdcl/xrdmsg"
	"github.com/xrootd-go/xrdcl/xrderr"
)

type fakeSink struct {
	mu        sync.Mutex
	connected bool
	faults    []*xrderr.Status
	dispatch  []*xrdmsg.Message
	outgoing  []*xrdmsg.Message
}

func (s *fakeSink) NextOutgoing() (*xrdmsg.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outgoing) == 0 {
		return nil, false
	}
	m := s.outgoing[0]
	s.outgoing = s.outgoing[1:]
	return m, true
}

func (s *fakeSink) Dispatch(msg *xrdmsg.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch = append(s.dispatch, msg)
}

func (s *fakeSink) HandleFault(st *xrderr.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, st)
}

func (s *fakeSink) HandleConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
}

func (s *fakeSink) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSink) faultCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.faults)
}

func (s *fakeSink) dispatched() []*xrdmsg.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*xrdmsg.Message(nil), s.dispatch...)
}

// fakeServer plays the other end of the XRootD handshake over a real TCP
// listener: reads the 20-byte client hs, writes a 16-byte server hs,
// then answers kXR_protocol with an empty body and kXR_login with a
// one-byte body whose 0 means no authentication is required.
func fakeServer(ln net.Listener, done chan<- struct{}) {
	conn, err := ln.Accept()
	if err != nil {
		close(done)
		return
	}
	defer conn.Close()

	buf := make([]byte, 20)
	if _, err := readFull(conn, buf); err != nil {
		close(done)
		return
	}

	srvHS := make([]byte, 16)
	binary.BigEndian.PutUint32(srvHS[4:8], 8)
	binary.BigEndian.PutUint32(srvHS[8:12], 0x00050000)
	binary.BigEndian.PutUint32(srvHS[12:16], 1) // DataServer
	conn.Write(srvHS)

	// kXR_protocol request.
	hdr := make([]byte, 8)
	if _, err := readFull(conn, hdr); err != nil {
		close(done)
		return
	}
	dlen := binary.BigEndian.Uint32(hdr[4:8])
	if dlen > 0 {
		readFull(conn, make([]byte, dlen))
	}
	replyProtocol := make([]byte, 8)
	conn.Write(replyProtocol)

	// kXR_login request.
	if _, err := readFull(conn, hdr); err != nil {
		close(done)
		return
	}
	dlen = binary.BigEndian.Uint32(hdr[4:8])
	if dlen > 0 {
		readFull(conn, make([]byte, dlen))
	}
	replyLogin := make([]byte, 9) // body[0] = 0 -> no auth required
	binary.BigEndian.PutUint32(replyLogin[4:8], 1)
	conn.Write(replyLogin)

	close(done)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

var _ = Describe("Handler", func() {
	var (
		p  poller.Poller
		ln net.Listener
	)

	BeforeEach(func() {
		pp, st := poller.New("built-in")
		Expect(st).To(BeNil())
		p = pp
		Expect(p.Start()).To(Succeed())

		var err error
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		p.Stop()
		ln.Close()
	})

	It("completes a no-auth handshake and reaches HandshakeDone", func() {
		done := make(chan struct{})
		go fakeServer(ln, done)

		tr := transport.New(xrdauth.NoOp{}, 300*time.Second, 3600*time.Second, 1)
		var cd transport.ChannelData
		sink := &fakeSink{}
		h := socket.NewHandler(ln.Addr().String(), tr, &cd, p, sink)

		Expect(h.Connect(5 * time.Second)).To(BeNil())

		Eventually(sink.isConnected, 3*time.Second, 10*time.Millisecond).Should(BeTrue())
		Expect(h.State()).To(Equal(socket.HandshakeDone))
		Eventually(done, 3*time.Second).Should(BeClosed())
	})

	It("reports a fault through the sink when the peer is unreachable", func() {
		closedAddr := ln.Addr().String()
		ln.Close() // nothing listening now

		tr := transport.New(xrdauth.NoOp{}, 300*time.Second, 3600*time.Second, 1)
		var cd transport.ChannelData
		sink := &fakeSink{}
		h := socket.NewHandler(closedAddr, tr, &cd, p, sink)

		st := h.Connect(2 * time.Second)
		if st != nil {
			Expect(st.OK()).To(BeFalse())
			return
		}
		Eventually(sink.faultCount, 3*time.Second, 10*time.Millisecond).Should(BeNumerically(">=", 1))
	})
})
