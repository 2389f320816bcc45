package channel_test

import (
	"encoding/binary"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xrootd-go/xrdcl/channel"
	"github.com/xrootd-go/xrdcl/hk"
	"github.com/xrootd-go/xrdcl/metrics"
	"github.com/xrootd-go/xrdcl/poller"
	"github.com/xrootd-go/xrdcl/sid"
	"github.com/xrootd-go/xrdcl/stream"
	"github.com/xrootd-go/xrdcl/transport"
	"github.com/xrootd-go/xrdcl/xrdauth"
	"github.com/xrootd-go/xrdcl/xrdmsg"
)

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

// fakeServer completes the handshake, then echoes one request with its
// stream id preserved.
func fakeServer(ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	buf := make([]byte, 20)
	if _, err := readFull(conn, buf); err != nil {
		return
	}

	srvHS := make([]byte, 16)
	binary.BigEndian.PutUint32(srvHS[4:8], 8)
	binary.BigEndian.PutUint32(srvHS[8:12], 0x00050000)
	binary.BigEndian.PutUint32(srvHS[12:16], 1) // DataServer
	conn.Write(srvHS)

	hdr := make([]byte, 8)
	for i := 0; i < 2; i++ { // kXR_protocol, kXR_login
		if _, err := readFull(conn, hdr); err != nil {
			return
		}
		dlen := binary.BigEndian.Uint32(hdr[4:8])
		if dlen > 0 {
			readFull(conn, make([]byte, dlen))
		}
		reply := make([]byte, 8)
		if i == 1 {
			reply = make([]byte, 9)                   // login reply: no auth required
			binary.BigEndian.PutUint32(reply[4:8], 1) // dlen 1: body[0] = 0
		}
		conn.Write(reply)
	}

	if _, err := readFull(conn, hdr); err != nil {
		return
	}
	dlen := binary.BigEndian.Uint32(hdr[4:8])
	if dlen > 0 {
		readFull(conn, make([]byte, dlen))
	}
	reply := make([]byte, 8)
	reply[0], reply[1] = hdr[0], hdr[1]
	conn.Write(reply)
}

var _ = Describe("Channel", func() {
	var (
		p      poller.Poller
		ln     net.Listener
		hkMgr  *hk.Manager
		policy stream.Policy
	)

	BeforeEach(func() {
		pp, st := poller.New("built-in")
		Expect(st).To(BeNil())
		p = pp
		Expect(p.Start()).To(Succeed())

		var err error
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())

		hkMgr = hk.NewManager()
		go hkMgr.Run()
		hkMgr.WaitStarted()

		policy = stream.Policy{
			ConnectionWindow:  5 * time.Second,
			ConnectionRetry:   3,
			StreamErrorWindow: 30 * time.Second,
			RequestTimeout:    5 * time.Second,
		}
	})

	AfterEach(func() {
		hkMgr.Stop()
		p.Stop()
		ln.Close()
	})

	It("completes a synchronous send against a live peer", func() {
		go fakeServer(ln)

		tr := transport.New(xrdauth.NoOp{}, 300*time.Second, 3600*time.Second, 1)
		sids := sid.NewManager()
		m := metrics.New(prometheus.NewRegistry())
		c := channel.New("test", ln.Addr().String(), tr, p, sids, hkMgr, policy, 50*time.Millisecond, m)
		defer c.Finalize()

		// Send is queued immediately regardless of whether the substream
		// has finished connecting yet (spec §4.8: drain on becoming
		// operational), so one call suffices — no need to retry.
		msg := xrdmsg.NewOutgoing([2]byte{}, 1, nil)
		st := c.SendSync(msg, 3*time.Second)
		Expect(st).To(BeNil())
	})

	It("delivers the matching reply to a blocking Receive", func() {
		go fakeServer(ln)

		tr := transport.New(xrdauth.NoOp{}, 300*time.Second, 3600*time.Second, 1)
		sids := sid.NewManager()
		m := metrics.New(prometheus.NewRegistry())
		c := channel.New("test2", ln.Addr().String(), tr, p, sids, hkMgr, policy, 50*time.Millisecond, m)
		defer c.Finalize()

		msg := xrdmsg.NewOutgoing([2]byte{}, 1, nil)
		Expect(c.Send(msg, nil, 3*time.Second)).To(BeNil())
		key := msg.StreamID()
		msg, st := c.Receive(&key, func(m *xrdmsg.Message) bool { return m.StreamID() == key }, 3*time.Second)
		Expect(st).To(BeNil())
		Expect(msg).NotTo(BeNil())
		Expect(msg.StreamID()).To(Equal(key))
	})
})
