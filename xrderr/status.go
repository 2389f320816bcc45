// Package xrderr implements the closed error taxonomy (spec §7) shared
// uniformly by every layer of the core: URL, SID allocator, poller, task
// manager, transport, socket handler, stream, incoming queue, channel,
// and post-master all report failure as a *Status.
//
// Grounded on cmn/cos/err.go's typed-error + dedup-aggregator style
// (ErrNotFound, Errs), generalized into one closed Code enum per spec §7,
// with causes wrapped by github.com/pkg/errors (Wrap, Wrapf) so the cause
// returned by Unwrap carries a stack trace under %+v during development,
// the way the teacher's dsort package does. A *Status itself formats
// through Error(), without the stack.
package xrderr

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

type Code int

const (
	Success Code = iota
	Retry
	Continue

	InvalidArgument
	InvalidOperation

	SocketError
	SocketTimeout
	SocketDisconnected

	HandshakeFailed
	LoginFailed
	AuthFailed

	StreamDisconnect
	StreamConnect

	ConnectionError

	PollerError

	NoMoreFreeSIDs

	InvalidResponse
	NotFound
	Cancelled
	Unsupported
)

var codeNames = [...]string{
	"Success", "Retry", "Continue",
	"InvalidArgument", "InvalidOperation",
	"SocketError", "SocketTimeout", "SocketDisconnected",
	"HandshakeFailed", "LoginFailed", "AuthFailed",
	"StreamDisconnect", "StreamConnect",
	"ConnectionError",
	"PollerError",
	"NoMoreFreeSIDs",
	"InvalidResponse", "NotFound", "Cancelled", "Unsupported",
}

func (c Code) String() string {
	if int(c) < 0 || int(c) >= len(codeNames) {
		return fmt.Sprintf("Code(%d)", int(c))
	}
	return codeNames[c]
}

// Severity buckets codes for callers that only care about "did this
// work", without hardcoding the full enum.
type Severity int

const (
	SevOK Severity = iota
	SevInfo          // Retry / Continue: not an error, more work pending
	SevError
	SevFatal // fatal to the substream/stream the error occurred on
)

func (c Code) Severity() Severity {
	switch c {
	case Success:
		return SevOK
	case Retry, Continue:
		return SevInfo
	case StreamDisconnect, StreamConnect, ConnectionError, HandshakeFailed:
		return SevFatal
	default:
		return SevError
	}
}

// Status is the uniform error/outcome carrier every component returns.
type Status struct {
	Code  Code
	cause error
}

func New(code Code) *Status { return &Status{Code: code} }

func Wrap(code Code, cause error) *Status {
	if cause == nil {
		return New(code)
	}
	return &Status{Code: code, cause: errors.WithStack(cause)}
}

func Wrapf(code Code, format string, args ...any) *Status {
	return &Status{Code: code, cause: errors.Errorf(format, args...)}
}

func (s *Status) Error() string {
	if s == nil {
		return Success.String()
	}
	if s.cause != nil {
		return fmt.Sprintf("%s: %v", s.Code, s.cause)
	}
	return s.Code.String()
}

func (s *Status) Unwrap() error {
	if s == nil {
		return nil
	}
	return s.cause
}

func (s *Status) OK() bool { return s == nil || s.Code == Success }

func (s *Status) IsFatal() bool { return s != nil && s.Code.Severity() == SevFatal }

func (s *Status) Is(code Code) bool { return s != nil && s.Code == code }

// Errs is a deduplicating, bounded aggregator, for call sites (e.g.
// Finalize draining many channels) that need to join several terminal
// errors into one.
type Errs struct {
	mu   sync.Mutex
	errs []*Status
}

const maxErrs = 8

func (e *Errs) Add(s *Status) {
	if s.OK() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, have := range e.errs {
		if have.Error() == s.Error() {
			return
		}
	}
	if len(e.errs) < maxErrs {
		e.errs = append(e.errs, s)
	}
}

func (e *Errs) Cnt() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.errs)
}

func (e *Errs) Join() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) == 0 {
		return nil
	}
	plain := make([]error, len(e.errs))
	for i, s := range e.errs {
		plain[i] = s
	}
	return errors.Wrap(joinAll(plain), "aggregated status errors")
}

func joinAll(errs []error) error {
	var msg string
	for i, e := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += e.Error()
	}
	return errors.New(msg)
}
