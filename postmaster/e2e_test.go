package postmaster_test

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/xrootd-go/xrdcl/postmaster"
	"github.com/xrootd-go/xrdcl/xrdauth"
	"github.com/xrootd-go/xrdcl/xrdcfg"
	"github.com/xrootd-go/xrdcl/xrdmsg"
	"github.com/xrootd-go/xrdcl/xrderr"
	"github.com/xrootd-go/xrdcl/xrdurl"
)

// serveOneConn runs the handshake then echoes every request back with its
// stream id preserved until the peer goes away or stop fires.
func serveOneConn(conn net.Conn, stop <-chan struct{}) {
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
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
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

// multiConnServer accepts connections one after another for as long as
// stop is open, handing each off to serveOneConn — scenario 2 needs a
// fresh TCP connection once the first is idle-TTL torn down.
func multiConnServer(ln net.Listener, stop <-chan struct{}) {
	tl, ok := ln.(*net.TCPListener)
	for {
		select {
		case <-stop:
			return
		default:
		}
		if ok {
			tl.SetDeadline(time.Now().Add(100 * time.Millisecond))
		}
		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		go serveOneConn(conn, stop)
	}
}

// These scenarios realize the literal walkthroughs the core's behavior is
// validated against: a single request/reply round, an idle-TTL
// reconnect, a receive-only stream teardown, an unreachable endpoint, a
// burst of concurrent traffic on one channel, and FIFO ordering among
// several outstanding Receive filters.
var _ = Describe("end-to-end scenarios", func() {
	var (
		ln   net.Listener
		stop chan struct{}
		pm   *postmaster.PostMaster
		u    xrdurl.URL
	)

	newListener := func() {
		var err error
		ln, err = net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		_, port, _ := net.SplitHostPort(ln.Addr().String())
		u = xrdurl.Parse("root://127.0.0.1:" + port + "/test/path")
		Expect(u.IsValid()).To(BeTrue())
	}

	AfterEach(func() {
		if pm != nil {
			pm.Finalize()
			pm.Stop()
		}
		if stop != nil {
			close(stop)
		}
		if ln != nil {
			ln.Close()
		}
	})

	It("completes a single request/reply round with the streamid round-tripped", func() {
		newListener()
		stop = make(chan struct{})
		go multiConnServer(ln, stop)

		cfg := xrdcfg.Default()
		cfg.ConnectionWindow = 5
		cfg.RequestTimeout = 5
		cfg.TimeoutResolution = 1

		pm = postmaster.New(cfg, xrdauth.NoOp{})
		Expect(pm.Initialize()).To(BeNil())
		Expect(pm.Start()).To(Succeed())

		msg := xrdmsg.NewOutgoing([2]byte{}, 1, nil)
		key := msg.StreamID()
		Expect(pm.Send(u, msg, nil, 3*time.Second)).To(BeNil())

		got, st := pm.Receive(u, &key, func(m *xrdmsg.Message) bool { return m.StreamID() == key }, 3*time.Second)
		Expect(st).To(BeNil())
		Expect(got.StreamID()).To(Equal(key))
	})

	It("transparently reconnects after the substream idles past its TTL", func() {
		newListener()
		stop = make(chan struct{})
		go multiConnServer(ln, stop)

		cfg := xrdcfg.Default()
		cfg.ConnectionWindow = 5
		cfg.ConnectionRetry = 3
		cfg.RequestTimeout = 5
		cfg.StreamErrorWindow = 30
		cfg.TimeoutResolution = 1
		cfg.DataServerTTL = 1

		pm = postmaster.New(cfg, xrdauth.NoOp{})
		Expect(pm.Initialize()).To(BeNil())
		Expect(pm.Start()).To(Succeed())

		first := xrdmsg.NewOutgoing([2]byte{}, 1, nil)
		Expect(pm.SendSync(u, first, 3*time.Second)).To(BeNil())

		// Outlast DataServerTTL=1s so Tick closes the idle substream, then
		// send again: the second request should reopen a fresh connection
		// without the caller ever noticing.
		time.Sleep(2500 * time.Millisecond)

		second := xrdmsg.NewOutgoing([2]byte{}, 1, nil)
		Eventually(func() *xrderr.Status {
			return pm.SendSync(u, second, 3*time.Second)
		}, 5*time.Second, 50*time.Millisecond).Should(BeNil())
	})

	It("fails a pending Receive with StreamDisconnect once the idle stream is torn down", func() {
		newListener()
		stop = make(chan struct{})
		go func() { serveOneConn(mustAccept(ln), stop) }()

		cfg := xrdcfg.Default()
		cfg.ConnectionWindow = 5
		cfg.RequestTimeout = 5
		cfg.TimeoutResolution = 1
		cfg.DataServerTTL = 1

		pm = postmaster.New(cfg, xrdauth.NoOp{})
		Expect(pm.Initialize()).To(BeNil())
		Expect(pm.Start()).To(Succeed())

		key := [2]byte{9, 9}
		_, st := pm.Receive(u, &key, func(m *xrdmsg.Message) bool { return true }, 5*time.Second)
		Expect(st).NotTo(BeNil())
		Expect(st.Is(xrderr.StreamDisconnect)).To(BeTrue())
	})

	It("reports a connection fault against an endpoint nothing is listening on", func() {
		ln2, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		_, port, _ := net.SplitHostPort(ln2.Addr().String())
		ln2.Close() // nothing accepts on this port once closed
		u = xrdurl.Parse("root://127.0.0.1:" + port + "/test/path")
		Expect(u.IsValid()).To(BeTrue())

		cfg := xrdcfg.Default()
		cfg.ConnectionWindow = 1
		cfg.ConnectionRetry = 1
		cfg.StreamErrorWindow = 5
		cfg.RequestTimeout = 5
		cfg.TimeoutResolution = 1

		pm = postmaster.New(cfg, xrdauth.NoOp{})
		Expect(pm.Initialize()).To(BeNil())
		Expect(pm.Start()).To(Succeed())

		msg := xrdmsg.NewOutgoing([2]byte{}, 1, nil)
		st := pm.SendSync(u, msg, 5*time.Second)
		Expect(st).NotTo(BeNil())
	})

	It("completes a burst of concurrent requests against one channel", func() {
		newListener()
		stop = make(chan struct{})
		go multiConnServer(ln, stop)

		cfg := xrdcfg.Default()
		cfg.ConnectionWindow = 5
		cfg.RequestTimeout = 5
		cfg.TimeoutResolution = 1

		pm = postmaster.New(cfg, xrdauth.NoOp{})
		Expect(pm.Initialize()).To(BeNil())
		Expect(pm.Start()).To(Succeed())

		const workers = 20
		const perWorker = 5
		var wg sync.WaitGroup
		var mu sync.Mutex
		var failures []*xrderr.Status
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < perWorker; j++ {
					msg := xrdmsg.NewOutgoing([2]byte{}, 1, nil)
					if st := pm.SendSync(u, msg, 5*time.Second); st != nil {
						mu.Lock()
						failures = append(failures, st)
						mu.Unlock()
					}
				}
			}()
		}
		wg.Wait()
		Expect(failures).To(BeEmpty())
	})

	It("delivers replies to two outstanding Receive filters in registration order", func() {
		newListener()
		stop = make(chan struct{})
		go multiConnServer(ln, stop)

		cfg := xrdcfg.Default()
		cfg.ConnectionWindow = 5
		cfg.RequestTimeout = 5
		cfg.TimeoutResolution = 1

		pm = postmaster.New(cfg, xrdauth.NoOp{})
		Expect(pm.Initialize()).To(BeNil())
		Expect(pm.Start()).To(Succeed())

		// Warm up the channel so both filters are registered before either
		// request is sent, and both predicates match any reply.
		warm := xrdmsg.NewOutgoing([2]byte{}, 1, nil)
		Expect(pm.SendSync(u, warm, 3*time.Second)).To(BeNil())

		type result struct {
			order int
			msg   *xrdmsg.Message
			st    *xrderr.Status
		}
		results := make(chan result, 2)
		anyMsg := func(*xrdmsg.Message) bool { return true }

		go func() {
			msg, st := pm.Receive(u, nil, anyMsg, 3*time.Second)
			results <- result{order: 1, msg: msg, st: st}
		}()
		time.Sleep(50 * time.Millisecond) // ensure filter 1 registers first
		go func() {
			msg, st := pm.Receive(u, nil, anyMsg, 3*time.Second)
			results <- result{order: 2, msg: msg, st: st}
		}()
		time.Sleep(50 * time.Millisecond)

		first := xrdmsg.NewOutgoing([2]byte{}, 1, nil)
		Expect(pm.Send(u, first, nil, 3*time.Second)).To(BeNil())
		r1 := <-results
		Expect(r1.st).To(BeNil())
		Expect(r1.order).To(Equal(1))

		second := xrdmsg.NewOutgoing([2]byte{}, 1, nil)
		Expect(pm.Send(u, second, nil, 3*time.Second)).To(BeNil())
		r2 := <-results
		Expect(r2.st).To(BeNil())
		Expect(r2.order).To(Equal(2))
	})
})

// mustAccept blocks for exactly one inbound connection, for scenarios that
// intentionally never offer a second one.
func mustAccept(ln net.Listener) net.Conn {
	conn, err := ln.Accept()
	Expect(err).NotTo(HaveOccurred())
	return conn
}
