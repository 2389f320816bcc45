package postmaster_test

import (
	"encoding/binary"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xrootd-go/xrdcl/postmaster"
	"github.com/xrootd-go/xrdcl/xrdauth"
	"github.com/xrootd-go/xrdcl/xrdcfg"
	"github.com/xrootd-go/xrdcl/xrdmsg"
	"github.com/xrootd-go/xrdcl/xrdurl"
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

// fakeServer completes the handshake, then replies to every request it
// sees with that request's stream id preserved, indefinitely — several
// tests share one listener across several requests.
func fakeServer(ln net.Listener, stop <-chan struct{}) {
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
			reply = make([]byte, 9)
			binary.BigEndian.PutUint32(reply[4:8], 1) // dlen 1: body[0] = 0, no auth required
		}
		conn.Write(reply)
	}

	for {
		select {
		case <-stop:
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if _, err := readFull(conn, hdr); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
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
}

var _ = Describe("PostMaster", func() {
	var (
		ln   net.Listener
		stop chan struct{}
		pm   *postmaster.PostMaster
		u    xrdurl.URL
	)

	BeforeEach(func() {
		var err error
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		stop = make(chan struct{})
		go fakeServer(ln, stop)

		cfg := xrdcfg.Default()
		cfg.ConnectionWindow = 5
		cfg.RequestTimeout = 5
		cfg.TimeoutResolution = 1

		pm = postmaster.New(cfg, xrdauth.NoOp{})
		Expect(pm.Initialize()).To(BeNil())
		Expect(pm.Start()).To(Succeed())

		_, port, _ := net.SplitHostPort(ln.Addr().String())
		u = xrdurl.Parse("root://127.0.0.1:" + port + "/test/path")
		Expect(u.IsValid()).To(BeTrue())
	})

	AfterEach(func() {
		pm.Finalize()
		pm.Stop()
		close(stop)
		ln.Close()
	})

	It("lazily creates one channel per endpoint and forwards SendSync", func() {
		msg := xrdmsg.NewOutgoing([2]byte{}, 1, nil)
		st := pm.SendSync(u, msg, 3*time.Second)
		Expect(st).To(BeNil())
	})

	It("routes Receive to the channel that owns the matching reply", func() {
		msg := xrdmsg.NewOutgoing([2]byte{}, 1, nil)
		Expect(pm.Send(u, msg, nil, 3*time.Second)).To(BeNil())
		key := msg.StreamID()

		got, st := pm.Receive(u, &key, func(m *xrdmsg.Message) bool { return m.StreamID() == key }, 3*time.Second)
		Expect(st).To(BeNil())
		Expect(got.StreamID()).To(Equal(key))
	})

	It("tracks one opened channel in the channels_open gauge", func() {
		msg := xrdmsg.NewOutgoing([2]byte{}, 1, nil)
		Expect(pm.SendSync(u, msg, 3*time.Second)).To(BeNil())
		Expect(testutil.ToFloat64(pm.Metrics().ChannelsOpen)).To(Equal(float64(1)))
	})
})
