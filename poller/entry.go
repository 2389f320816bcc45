package poller

import (
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	idlePoll          = 20 * time.Millisecond
	defaultResolution = 15 * time.Second
)

func (e *entry) run() {
	defer close(e.done)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); e.loop(true) }()
	go func() { defer wg.Done(); e.loop(false) }()
	wg.Wait()
}

func (e *entry) loop(forRead bool) {
	rc, hasRaw := rawConn(e.conn)
	for {
		select {
		case <-e.stop:
			return
		default:
		}

		e.mu.Lock()
		on := e.readOn
		res := e.readRes
		if !forRead {
			on, res = e.writeOn, e.writeRes
		}
		e.mu.Unlock()

		if !on {
			select {
			case <-e.stop:
				return
			case <-time.After(idlePoll):
			}
			continue
		}
		if res <= 0 {
			res = defaultResolution
		}

		ready, timedOut := e.wait(rc, hasRaw, forRead, res)

		select {
		case <-e.stop:
			return
		default:
		}

		e.callMu.Lock()
		switch {
		case timedOut && forRead:
			e.handler.Event(ReadTimeOut, e.conn)
		case timedOut:
			e.handler.Event(WriteTimeOut, e.conn)
		case ready && forRead:
			e.lastReadIO = time.Now()
			e.handler.Event(ReadyToRead, e.conn)
		case ready:
			e.lastWriteIO = time.Now()
			e.handler.Event(ReadyToWrite, e.conn)
		}
		e.callMu.Unlock()
	}
}

// wait blocks until the socket is ready for the requested direction, or
// res elapses. It never consumes application bytes: syscall.RawConn's
// notification callback (backed by the Go runtime's netpoller, i.e.
// epoll/kqueue under the hood) fires speculatively whenever the runtime
// thinks the fd might be ready, and pollReady below confirms that with a
// real zero-timeout poll(2) on the fd before reporting readiness —
// returning false instead just tells the runtime to keep waiting.
func (e *entry) wait(rc syscall.RawConn, hasRaw, forRead bool, res time.Duration) (ready, timedOut bool) {
	deadline := time.Now().Add(res)
	if forRead {
		_ = e.conn.SetReadDeadline(deadline)
		defer e.conn.SetReadDeadline(time.Time{})
	} else {
		_ = e.conn.SetWriteDeadline(deadline)
		defer e.conn.SetWriteDeadline(time.Time{})
	}

	if !hasRaw {
		// Conn without fd-level readiness (e.g. net.Pipe in tests): we
		// cannot peek without consuming, so fall back to a bounded idle
		// wait and report readiness optimistically; the handler's own
		// (deadline-bounded) Read/Write discovers the real state.
		select {
		case <-e.stop:
			return false, false
		case <-time.After(minDuration(res, idlePoll)):
		}
		return true, false
	}

	var err error
	if forRead {
		err = rc.Read(func(fd uintptr) bool { return pollReady(fd, unix.POLLIN) })
	} else {
		err = rc.Write(func(fd uintptr) bool { return pollReady(fd, unix.POLLOUT) })
	}
	if err == nil {
		return true, false
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return false, true
	}
	// Any other error (closed fd, reset) still surfaces as "ready": the
	// handler's subsequent real Read/Write will observe and report it.
	return true, false
}

// pollReady issues a zero-timeout poll(2) on fd for event, returning
// whether the fd is actually ready — the real non-blocking readiness
// check RawConn's callback contract expects (return true only once the
// operation would genuinely succeed, false to keep the runtime waiting).
// A hangup or error on the fd is also reported ready, so the caller's
// subsequent real read/write surfaces it as the fault it is.
func pollReady(fd uintptr, event int16) bool {
	fds := []unix.PollFd{{Fd: int32(fd), Events: event}}
	for {
		n, err := unix.Poll(fds, 0)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			return false
		}
		return fds[0].Revents&(event|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0
	}
}

func rawConn(c net.Conn) (syscall.RawConn, bool) {
	type syscallConner interface {
		SyscallConn() (syscall.RawConn, error)
	}
	sc, ok := c.(syscallConner)
	if !ok {
		return nil, false
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, false
	}
	return rc, true
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
