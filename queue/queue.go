// Package queue implements the Incoming Queue (spec §4.9): the place
// every fully-framed inbound Message lands before a caller ever sees it.
// Two lists are kept — one-shot Filters and persistent Handlers — and a
// message is dropped, logged, only if neither claims it.
//
// Filters are tried in strict registration order regardless of whether
// they're key-addressed (spec.md: "the incoming queue's filter list is
// FIFO by registration order", no carve-out for keyed filters). An
// earlier revision kept a github.com/cespare/xxhash/v2-keyed bucket
// index to skip straight to same-streamid filters, grounded on the
// teacher's content-addressed dispatch idiom used throughout cluster/
// for shard/target lookup — but routing through that bucket ahead of
// the full scan let a later-registered keyed filter win against an
// earlier key-less one that also matched, a real FIFO violation, so it
// was removed; see DESIGN.md.
package queue

import (
	"sync"
	"time"

	"github.com/xrootd-go/xrdcl/cmn/xlog"
	"github.com/xrootd-go/xrdcl/xrderr"
	"github.com/xrootd-go/xrdcl/xrdmsg"
)

// Action is the bitmask a Handler's HandleMessage returns.
type Action int

const (
	Ignore        Action = 0
	Take          Action = 1 << 0
	RemoveHandler Action = 1 << 1
)

// Predicate reports whether msg is the one a Filter is waiting for.
type Predicate func(msg *xrdmsg.Message) bool

// FilterHandler is invoked exactly once, when a Filter's predicate
// matches or its deadline elapses.
type FilterHandler interface {
	HandleMessage(msg *xrdmsg.Message)
	HandleFault(st *xrderr.Status)
}

// MessageHandler is a persistent subscriber.
type MessageHandler interface {
	HandleMessage(msg *xrdmsg.Message) Action
	HandleFault(st *xrderr.Status)
}

type filterEntry struct {
	key       *[2]byte
	predicate Predicate
	handler   FilterHandler
	deadline  time.Time
}

type handlerEntry struct {
	handler  MessageHandler
	deadline time.Time
}

// Queue is the Incoming Queue for one Channel.
type Queue struct {
	mu       sync.Mutex
	filters  []*filterEntry // FIFO order, source of truth
	handlers []*handlerEntry
}

func New() *Queue {
	return &Queue{}
}

// AddFilter registers a one-shot filter. key, if non-nil, pre-filters by
// expected reply stream id; predicate is consulted either way and must
// still return true for the filter to consume the message (key narrows,
// it never reorders — see takeMatchingFilter).
func (q *Queue) AddFilter(key *[2]byte, predicate Predicate, handler FilterHandler, deadline time.Time) {
	e := &filterEntry{key: key, predicate: predicate, handler: handler, deadline: deadline}
	q.mu.Lock()
	q.filters = append(q.filters, e)
	q.mu.Unlock()
}

// AddHandler registers a persistent handler.
func (q *Queue) AddHandler(handler MessageHandler, deadline time.Time) {
	q.mu.Lock()
	q.handlers = append(q.handlers, &handlerEntry{handler: handler, deadline: deadline})
	q.mu.Unlock()
}

// RemoveHandler detaches handler if still registered.
func (q *Queue) RemoveHandler(handler MessageHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, he := range q.handlers {
		if he.handler == handler {
			q.handlers = append(q.handlers[:i], q.handlers[i+1:]...)
			return
		}
	}
}

// Offer delivers an arrived message: filters are tried first, in strict
// registration order, then persistent handlers in registration order. A
// message nothing claims is dropped and logged (spec §4.9).
func (q *Queue) Offer(msg *xrdmsg.Message) {
	if fe := q.takeMatchingFilter(msg); fe != nil {
		fe.handler.HandleMessage(msg)
		return
	}

	q.mu.Lock()
	handlers := append([]*handlerEntry(nil), q.handlers...)
	q.mu.Unlock()

	for _, he := range handlers {
		action := he.handler.HandleMessage(msg)
		if action&RemoveHandler != 0 {
			q.RemoveHandler(he.handler)
		}
		if action&Take != 0 {
			return
		}
	}

	xlog.Warningf(xlog.XRootDMsg, "dropped unclaimed message, stream id %v opcode %d", msg.StreamID(), msg.Opcode())
}

// takeMatchingFilter removes and returns the first filter, in
// registration order, whose key (if any) and predicate both match msg. A
// keyed mismatch is rejected before the predicate runs — cheap pruning —
// but never skips ahead of an earlier-registered filter to get there.
func (q *Queue) takeMatchingFilter(msg *xrdmsg.Message) *filterEntry {
	id := msg.StreamID()
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, fe := range q.filters {
		if fe.key != nil && *fe.key != id {
			continue
		}
		if !fe.predicate(msg) {
			continue
		}
		q.removeFilterLocked(fe)
		return fe
	}
	return nil
}

func (q *Queue) removeFilterLocked(target *filterEntry) {
	for i, fe := range q.filters {
		if fe == target {
			q.filters = append(q.filters[:i], q.filters[i+1:]...)
			break
		}
	}
}

// Tick raises HandleFault(SocketTimeout) on every filter and handler
// whose deadline has elapsed, removing filters (one-shot) and handlers
// alike.
func (q *Queue) Tick(now time.Time) {
	var expiredFilters []*filterEntry
	var expiredHandlers []*handlerEntry

	q.mu.Lock()
	remaining := q.filters[:0:0]
	for _, fe := range q.filters {
		if !fe.deadline.IsZero() && now.After(fe.deadline) {
			expiredFilters = append(expiredFilters, fe)
			continue
		}
		remaining = append(remaining, fe)
	}
	q.filters = remaining

	keptHandlers := q.handlers[:0:0]
	for _, he := range q.handlers {
		if !he.deadline.IsZero() && now.After(he.deadline) {
			expiredHandlers = append(expiredHandlers, he)
			continue
		}
		keptHandlers = append(keptHandlers, he)
	}
	q.handlers = keptHandlers
	q.mu.Unlock()

	for _, fe := range expiredFilters {
		fe.handler.HandleFault(xrderr.New(xrderr.SocketTimeout))
	}
	for _, he := range expiredHandlers {
		he.handler.HandleFault(xrderr.New(xrderr.SocketTimeout))
	}
}

// HandleFault is raised by the owning Stream on a fatal substream fault:
// every outstanding filter and handler is notified and cleared, per
// spec §4.9.
func (q *Queue) HandleFault(st *xrderr.Status) {
	q.mu.Lock()
	filters := q.filters
	handlers := q.handlers
	q.filters = nil
	q.handlers = nil
	q.mu.Unlock()

	for _, fe := range filters {
		fe.handler.HandleFault(st)
	}
	for _, he := range handlers {
		he.handler.HandleFault(st)
	}
}
