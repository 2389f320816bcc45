// Package stream implements the logical Stream (spec §4.8): a fixed
// number of physical substreams, each a socket.Handler, with its own FIFO
// outbound queue. Substream selection (delegated to Transport.Multiplex)
// and backoff-bounded reconnect are grounded on the teacher's transport/bundle/stream_bundle.go
// multi-connection fan-out idiom (consulted while surveying the teacher's
// transport layer before this package's rewrite superseded it) — the
// same shape of "several parallel connections, pick one to write on, keep
// per-connection health state" generalized from aistore's intra-cluster
// object shipping to XRootD's substream multiplexing.
package stream

import (
	"math/rand"
	"sync"
	"time"

	"github.com/xrootd-go/xrdcl/cmn/xlog"
	"github.com/xrootd-go/xrdcl/poller"
	"github.com/xrootd-go/xrdcl/sid"
	"github.com/xrootd-go/xrdcl/socket"
	"github.com/xrootd-go/xrdcl/transport"
	"github.com/xrootd-go/xrdcl/xrdmsg"
	"github.com/xrootd-go/xrdcl/xrderr"
)

// StatusHandler is notified exactly once per request: when its message
// is written to the wire, when it times out, or when its substream
// suffers a fatal fault.
type StatusHandler interface {
	HandleStatus(st *xrderr.Status)
}

// MessageSink receives fully-framed inbound messages — the Channel's
// Incoming Queue, in production use — and is told when a substream gives
// up reconnecting so the Channel can, in turn, fail every Incoming Queue
// subscriber still waiting on this Stream (spec §4.9: "the queue... [is]
// responsible for raising HandleFault(status)... when the owning stream
// reports a fatal fault").
type MessageSink interface {
	Offer(msg *xrdmsg.Message)
	HandleStreamFault(st *xrderr.Status)
}

// Policy bundles the reconnect/timeout knobs spec §4.8 and §6 name.
type Policy struct {
	ConnectionWindow  time.Duration
	ConnectionRetry   int
	StreamErrorWindow time.Duration
	RequestTimeout    time.Duration
}

type outboundItem struct {
	msg     *xrdmsg.Message
	handler StatusHandler
}

type pendingRequest struct {
	deadline time.Time
	subIdx   int
	handler  StatusHandler
}

type subStream struct {
	idx     int
	addr    string
	handler *socket.Handler

	mu              sync.Mutex
	queue           []outboundItem
	operational     bool
	connecting      bool // a connect attempt (initial, retry, or idle-wake) is in flight
	errWindowStart  time.Time
	connectAttempts int
}

// Stream owns N substreams and routes requests onto them via the
// configured Transport's Multiplex.
type Stream struct {
	addr      string
	transport transport.Transport
	cd        *transport.ChannelData
	poller    poller.Poller
	sids      *sid.Manager
	sink      MessageSink
	policy    Policy

	mu      sync.Mutex
	subs    []*subStream
	pending map[[2]byte]*pendingRequest
}

// New creates a Stream with the number of substreams Transport.SubStreamNumber
// reports, and connects the first one immediately (spec §4.6's
// NeedControlConnection: the first substream must be fully up before the
// others start).
func New(addr string, tr transport.Transport, cd *transport.ChannelData, p poller.Poller, sids *sid.Manager, sink MessageSink, policy Policy) *Stream {
	n := tr.SubStreamNumber(cd)
	if n < 1 {
		n = 1
	}
	s := &Stream{
		addr:      addr,
		transport: tr,
		cd:        cd,
		poller:    p,
		sids:      sids,
		sink:      sink,
		policy:    policy,
		pending:   map[[2]byte]*pendingRequest{},
	}
	s.subs = make([]*subStream, n)
	for i := 0; i < n; i++ {
		s.subs[i] = &subStream{idx: i, addr: addr, connecting: true}
	}
	s.connectSubStream(0)
	if !tr.NeedControlConnection() {
		for i := 1; i < n; i++ {
			s.connectSubStream(i)
		}
	}
	return s
}

// maybeReconnect kicks off a fresh connect for substream i if it has gone
// idle-Disconnected (e.g. torn down by Tick's TTL check) and nothing else
// is already reconnecting it. Send calls this so a request queued against
// a dormant substream transparently reopens it, per spec §4.8's "the Stream
// transparently reconnects" idle-TTL behavior, rather than sitting queued
// forever.
func (s *Stream) maybeReconnect(i int) {
	sub := s.subs[i]
	sub.mu.Lock()
	if sub.operational || sub.connecting || sub.handler == nil || sub.handler.State() != socket.Disconnected {
		sub.mu.Unlock()
		return
	}
	sub.connecting = true
	sub.mu.Unlock()
	s.connectSubStream(i)
}

func (s *Stream) connectSubStream(i int) {
	sub := s.subs[i]
	sub.handler = socket.NewHandler(s.addr, s.transport, s.cd, s.poller, &subSink{s: s, idx: i})
	sub.mu.Lock()
	if sub.connectAttempts == 0 {
		// Window starts counting from the first attempt of a fresh
		// failure streak, not from each individual retry.
		sub.errWindowStart = time.Now()
	}
	sub.connectAttempts++
	sub.mu.Unlock()
	if st := sub.handler.Connect(s.policy.ConnectionWindow); st != nil {
		// A synchronous dial failure (e.g. ECONNREFUSED arriving before
		// the non-blocking connect ever goes EINPROGRESS) never reaches
		// the socket handler's own fault path, since no poller event
		// will ever fire for it — drive the same reconnect/giveup
		// policy directly.
		xlog.Warningf(xlog.XRootDTransportMsg, "substream %d connect failed: %v", i, st)
		s.handleSubStreamFault(i, st)
	}
}

// Send computes (up, down) via Transport.Multiplex, allocates a stream
// id, stamps msg, and enqueues it on substream up's outbound queue.
func (s *Stream) Send(msg *xrdmsg.Message, handler StatusHandler, timeout time.Duration) *xrderr.Status {
	var id [2]byte
	if st := s.sids.AllocateSID(&id); st != nil {
		return st
	}
	path := s.transport.Multiplex(msg, s.cd, nil)
	msg.SetStreamID(id)

	s.mu.Lock()
	s.pending[id] = &pendingRequest{deadline: time.Now().Add(timeout), subIdx: path.Up, handler: handler}
	s.mu.Unlock()

	if path.Up < 0 || path.Up >= len(s.subs) {
		return xrderr.Wrapf(xrderr.InvalidArgument, "multiplex returned out-of-range substream %d", path.Up)
	}
	sub := s.subs[path.Up]
	sub.mu.Lock()
	sub.queue = append(sub.queue, outboundItem{msg: msg, handler: handler})
	operational := sub.operational
	sub.mu.Unlock()

	if operational {
		sub.handler.EnableWrite(true, s.policy.RequestTimeout)
	} else {
		s.maybeReconnect(path.Up)
	}
	return nil
}

// Tick walks outstanding deadlines, reporting SocketTimeout for any that
// have expired, then asks the transport whether each substream's idle
// time warrants tearing it down (spec §4.8).
func (s *Stream) Tick(now time.Time) {
	var expired []*pendingRequest
	s.mu.Lock()
	for id, pr := range s.pending {
		if now.After(pr.deadline) {
			expired = append(expired, pr)
			delete(s.pending, id)
			s.sids.ReleaseSID(id)
		}
	}
	s.mu.Unlock()
	for _, pr := range expired {
		if pr.handler != nil {
			pr.handler.HandleStatus(xrderr.New(xrderr.SocketTimeout))
		}
	}

	for _, sub := range s.subs {
		sub.mu.Lock()
		operational := sub.operational
		sub.mu.Unlock()
		if !operational {
			continue
		}
		if s.transport.IsStreamTTLElapsed(sub.handler.Idle(), s.cd) {
			sub.handler.Close()
			sub.mu.Lock()
			sub.operational = false
			sub.mu.Unlock()
			// A deliberate idle-TTL close, not a fault: a later Send still
			// transparently reconnects via maybeReconnect. But anyone
			// already blocked in Receive against this Channel has nothing
			// left to wait for on this connection, so tell them now rather
			// than leaving them to their own filter deadline.
			s.sink.HandleStreamFault(xrderr.New(xrderr.StreamDisconnect))
		}
	}
}

// subSink adapts one substream's events back onto the Stream, per
// socket.Sink.
type subSink struct {
	s   *Stream
	idx int
}

func (a *subSink) NextOutgoing() (*xrdmsg.Message, bool) {
	sub := a.s.subs[a.idx]
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if len(sub.queue) == 0 {
		return nil, false
	}
	item := sub.queue[0]
	sub.queue = sub.queue[1:]
	// The write acknowledgement is the request's one status: detach the
	// handler from its pending entry so a later deadline sweep or
	// substream fault does not report it again. An entry already swept
	// has had its status reported, so it gets no acknowledgement.
	a.s.mu.Lock()
	pr, ok := a.s.pending[item.msg.StreamID()]
	if ok {
		pr.handler = nil
	}
	a.s.mu.Unlock()
	if ok && item.handler != nil {
		item.handler.HandleStatus(nil) // acknowledged on the wire
	}
	return item.msg, true
}

func (a *subSink) Dispatch(msg *xrdmsg.Message) {
	a.s.mu.Lock()
	if pr, ok := a.s.pending[msg.StreamID()]; ok {
		delete(a.s.pending, msg.StreamID())
		a.s.sids.ReleaseSID(msg.StreamID())
		_ = pr
	}
	a.s.mu.Unlock()
	a.s.sink.Offer(msg)
}

func (a *subSink) HandleConnected() {
	sub := a.s.subs[a.idx]
	sub.mu.Lock()
	sub.operational = true
	sub.connecting = false
	sub.connectAttempts = 0 // healthy again: the next fault starts a fresh window
	hasWork := len(sub.queue) > 0
	sub.mu.Unlock()
	if hasWork {
		sub.handler.EnableWrite(true, a.s.policy.RequestTimeout)
	}
	if a.idx == 0 && a.s.transport.NeedControlConnection() {
		for i := 1; i < len(a.s.subs); i++ {
			if a.s.subs[i].handler == nil {
				a.s.connectSubStream(i)
			}
		}
	}
}

func (a *subSink) HandleFault(st *xrderr.Status) {
	a.s.handleSubStreamFault(a.idx, st)
}

// handleSubStreamFault implements spec §4.8's reconnect-or-give-up policy,
// shared by both an async fault reported through the Sink and a
// synchronous dial failure that never reaches the poller at all.
func (s *Stream) handleSubStreamFault(idx int, st *xrderr.Status) {
	sub := s.subs[idx]
	sub.mu.Lock()
	sub.operational = false
	withinWindow := time.Since(sub.errWindowStart) < s.policy.StreamErrorWindow
	attemptsLeft := sub.connectAttempts < s.policy.ConnectionRetry
	sub.mu.Unlock()

	if withinWindow && attemptsLeft {
		backoff := reconnectBackoff(sub.connectAttempts)
		xlog.Warningf(xlog.XRootDTransportMsg, "substream %d fault (%v), reconnecting in %v", idx, st, backoff)
		time.AfterFunc(backoff, func() { s.connectSubStream(idx) })
		return
	}

	sub.mu.Lock()
	sub.connecting = false
	sub.mu.Unlock()
	xlog.Errorf(xlog.XRootDTransportMsg, "substream %d exhausted reconnect attempts: %v", idx, st)
	disconnect := xrderr.New(xrderr.StreamDisconnect)
	s.failPendingOnSubStream(idx, disconnect)
	s.sink.HandleStreamFault(disconnect)
}

// failPendingOnSubStream reports StreamDisconnect to every request still
// pinned to subIdx with a future deadline, per spec §4.8.
func (s *Stream) failPendingOnSubStream(subIdx int, st *xrderr.Status) {
	now := time.Now()
	var toFail []*pendingRequest
	s.mu.Lock()
	for id, pr := range s.pending {
		if pr.subIdx == subIdx && pr.deadline.After(now) {
			toFail = append(toFail, pr)
			delete(s.pending, id)
			s.sids.ReleaseSID(id)
		}
	}
	s.mu.Unlock()
	for _, pr := range toFail {
		if pr.handler != nil {
			pr.handler.HandleStatus(st)
		}
	}
}

// reconnectBackoff is a small exponential backoff whose base is capped at
// 30s, plus up to 25% jitter (so at most 37.5s),
// grounded on the teacher's retry-with-jitter convention used throughout
// its cluster-membership reconnect logic.
func reconnectBackoff(attempt int) time.Duration {
	base := time.Second << uint(attempt)
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base) / 4))
	return base + jitter
}
