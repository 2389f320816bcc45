// Package postmaster implements the Post-Master (spec §4.11): the
// process-wide registry mapping a canonical endpoint to its Channel, and
// the lifecycle owner of the shared Poller, Task Manager, and Transport
// every Channel is built from.
//
// Lazy-create-under-a-single-flight is grounded on the teacher's own
// dedup-the-concurrent-first-caller idiom (used for bucket metadata
// fetch races in other packages of the corpus) via
// golang.org/x/sync/singleflight, so two goroutines racing to send on
// the same not-yet-open endpoint construct exactly one Channel between
// them. Finalize, fanning out across every open Channel, uses
// golang.org/x/sync/errgroup, the teacher's standard fan-out-then-join
// shape for exactly this kind of "do N independent things, report the
// first error" operation.
package postmaster

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xrootd-go/xrdcl/anyobj"
	"github.com/xrootd-go/xrdcl/channel"
	"github.com/xrootd-go/xrdcl/cmn/xlog"
	"github.com/xrootd-go/xrdcl/hk"
	"github.com/xrootd-go/xrdcl/metrics"
	"github.com/xrootd-go/xrdcl/poller"
	"github.com/xrootd-go/xrdcl/queue"
	"github.com/xrootd-go/xrdcl/sid"
	"github.com/xrootd-go/xrdcl/stream"
	"github.com/xrootd-go/xrdcl/transport"
	"github.com/xrootd-go/xrdcl/xrdauth"
	"github.com/xrootd-go/xrdcl/xrdcfg"
	"github.com/xrootd-go/xrdcl/xrdmsg"
	"github.com/xrootd-go/xrdcl/xrderr"
	"github.com/xrootd-go/xrdcl/xrdurl"
)

// PostMaster is the thread-safe endpoint-to-Channel registry.
type PostMaster struct {
	cfg  xrdcfg.Config
	auth xrdauth.Authenticator

	mu       sync.RWMutex
	channels map[string]*channel.Channel
	sf       singleflight.Group

	p     poller.Poller
	hkMgr *hk.Manager
	tr    transport.Transport

	policy  stream.Policy
	tickRes time.Duration

	metrics *metrics.Metrics
}

// New builds an uninitialized PostMaster from cfg. auth is consulted by
// the shared XRootD transport's handshake rounds; pass xrdauth.NoOp{}
// for deployments requiring no authentication.
func New(cfg xrdcfg.Config, auth xrdauth.Authenticator) *PostMaster {
	return &PostMaster{
		cfg:      cfg,
		auth:     auth,
		channels: map[string]*channel.Channel{},
	}
}

// UseMetrics overrides the default per-instance registry with m, letting a
// process that runs one Post-Master fold its instruments into an
// application-wide /metrics endpoint (e.g. metrics.New(prometheus.
// DefaultRegisterer)). Call before Initialize; a no-op otherwise.
func (pm *PostMaster) UseMetrics(m *metrics.Metrics) {
	if pm.hkMgr == nil {
		pm.metrics = m
	}
}

// Metrics returns the Post-Master's instrument set, created by Initialize
// if UseMetrics was never called.
func (pm *PostMaster) Metrics() *metrics.Metrics { return pm.metrics }

// Initialize creates the shared Poller, Task Manager, and XRootD
// transport (spec §4.11). Channels are still created lazily by Send/
// Receive/QueryTransport.
func (pm *PostMaster) Initialize() *xrderr.Status {
	p, st := poller.New(pm.cfg.PollerPreference)
	if st != nil {
		return st
	}
	pm.p = p
	if pm.metrics == nil {
		// A fresh registry per instance: two Post-Masters in one process
		// (as in tests) must not collide registering the same metric
		// names against prometheus.DefaultRegisterer.
		pm.metrics = metrics.New(prometheus.NewRegistry())
	}
	pm.hkMgr = hk.NewManager()
	pm.tr = transport.New(pm.auth, pm.cfg.DataServerTTLDuration(), pm.cfg.ManagerTTLDuration(), pm.cfg.SubStreamsPerChannel)
	pm.policy = stream.Policy{
		ConnectionWindow:  pm.cfg.ConnectionWindowDuration(),
		ConnectionRetry:   pm.cfg.ConnectionRetry,
		StreamErrorWindow: pm.cfg.StreamErrorWindowDuration(),
		RequestTimeout:    pm.cfg.RequestTimeoutDuration(),
	}
	pm.tickRes = pm.cfg.TimeoutResolutionDuration()
	return nil
}

// Start brings the Poller and Task Manager up.
func (pm *PostMaster) Start() error {
	if err := pm.p.Start(); err != nil {
		return err
	}
	go pm.hkMgr.Run()
	pm.hkMgr.WaitStarted()
	return nil
}

// Stop halts the Task Manager and Poller, in reverse order of Start.
func (pm *PostMaster) Stop() {
	pm.hkMgr.Stop()
	pm.p.Stop()
}

// Finalize drains every open channel with a Cancelled status and empties
// the registry. Safe to call more than once.
func (pm *PostMaster) Finalize() {
	pm.mu.Lock()
	channels := pm.channels
	pm.channels = map[string]*channel.Channel{}
	pm.mu.Unlock()

	var g errgroup.Group
	for _, c := range channels {
		c := c
		g.Go(func() error {
			c.Finalize()
			pm.metrics.ChannelsOpen.Dec()
			pm.metrics.ChannelsClosedTotal.Inc()
			return nil
		})
	}
	_ = g.Wait()
}

// getOrCreate looks up the channel for url, creating it on first use.
// singleflight collapses concurrent first callers for the same endpoint
// into one construction.
func (pm *PostMaster) getOrCreate(u xrdurl.URL) (*channel.Channel, *xrderr.Status) {
	id := u.ChannelId()

	pm.mu.RLock()
	c, ok := pm.channels[id]
	pm.mu.RUnlock()
	if ok {
		return c, nil
	}

	v, err, _ := pm.sf.Do(id, func() (any, error) {
		pm.mu.RLock()
		if existing, ok := pm.channels[id]; ok {
			pm.mu.RUnlock()
			return existing, nil
		}
		pm.mu.RUnlock()

		sids := sid.NewManager()
		c := channel.New(id, u.HostPort(), pm.tr, pm.p, sids, pm.hkMgr, pm.policy, pm.tickRes, pm.metrics)

		pm.mu.Lock()
		pm.channels[id] = c
		pm.mu.Unlock()

		pm.metrics.ChannelsOpen.Inc()
		pm.metrics.ChannelsOpenedTotal.Inc()
		xlog.Infof(xlog.PostMasterMsg, "opened channel %s", id)
		return c, nil
	})
	if err != nil {
		return nil, xrderr.Wrap(xrderr.ConnectionError, err)
	}
	return v.(*channel.Channel), nil
}

// Send performs lookup-or-create on url's channel, then forwards.
func (pm *PostMaster) Send(u xrdurl.URL, msg *xrdmsg.Message, handler stream.StatusHandler, timeout time.Duration) *xrderr.Status {
	c, st := pm.getOrCreate(u)
	if st != nil {
		return st
	}
	return c.Send(msg, handler, timeout)
}

// SendSync is the synchronous counterpart of Send.
func (pm *PostMaster) SendSync(u xrdurl.URL, msg *xrdmsg.Message, timeout time.Duration) *xrderr.Status {
	c, st := pm.getOrCreate(u)
	if st != nil {
		return st
	}
	return c.SendSync(msg, timeout)
}

// Receive performs lookup-or-create on url's channel, then blocks for a
// matching reply.
func (pm *PostMaster) Receive(u xrdurl.URL, key *[2]byte, predicate queue.Predicate, timeout time.Duration) (*xrdmsg.Message, *xrderr.Status) {
	c, st := pm.getOrCreate(u)
	if st != nil {
		return nil, st
	}
	return c.Receive(key, predicate, timeout)
}

// QueryTransport forwards to url's channel's transport.
func (pm *PostMaster) QueryTransport(u xrdurl.URL, q transport.Query) (anyobj.Object, *xrderr.Status) {
	c, st := pm.getOrCreate(u)
	if st != nil {
		return anyobj.Object{}, st
	}
	return c.QueryTransport(q)
}
