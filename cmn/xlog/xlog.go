// Package xlog layers the spec's topic-bitmask Logger contract on top of
// cmn/nlog's plain severity sink, the way the teacher layers glog-style
// verbosity gating (cmn.Rom.FastV) on top of a three-severity logger: a
// mask is parsed once, and every call site pays only an atomic load to
// decide whether it is live.
package xlog

import (
	"strings"
	"sync/atomic"

	"github.com/xrootd-go/xrdcl/cmn/nlog"
)

type Topic uint32

const (
	AppMsg Topic = 1 << iota
	UtilityMsg
	PostMasterMsg
	PollerMsg
	XRootDTransportMsg
	XRootDMsg
	TaskMgrMsg
	FileMsg
	QueryMsg

	allTopics = AppMsg | UtilityMsg | PostMasterMsg | PollerMsg | XRootDTransportMsg |
		XRootDMsg | TaskMgrMsg | FileMsg | QueryMsg
)

var names = map[string]Topic{
	"AppMsg":             AppMsg,
	"UtilityMsg":         UtilityMsg,
	"PostMasterMsg":      PostMasterMsg,
	"PollerMsg":          PollerMsg,
	"XRootDTransportMsg": XRootDTransportMsg,
	"XRootDMsg":          XRootDMsg,
	"TaskMgrMsg":         TaskMgrMsg,
	"FileMsg":            FileMsg,
	"QueryMsg":           QueryMsg,
}

type Level int

const (
	Error Level = iota
	Warning
	Info
	Debug
	Dump
)

var (
	mask  atomic.Uint32
	level atomic.Int32
)

func init() {
	mask.Store(uint32(allTopics))
	level.Store(int32(Info))
}

// SetLevel sets the minimum level emitted, regardless of topic mask.
func SetLevel(l Level) { level.Store(int32(l)) }

// SetTopics parses a '|'-separated topic expression. A leading '^'
// negates: the topic is removed from (rather than added to) the mask.
// The sentinels "All" and "None" reset the mask wholesale.
func SetTopics(expr string) {
	if expr == "" {
		return
	}
	m := Topic(mask.Load())
	for _, tok := range strings.Split(expr, "|") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		switch tok {
		case "All":
			m = allTopics
			continue
		case "None":
			m = 0
			continue
		}
		neg := false
		if strings.HasPrefix(tok, "^") {
			neg = true
			tok = tok[1:]
		}
		t, ok := names[tok]
		if !ok {
			continue
		}
		if neg {
			m &^= t
		} else {
			m |= t
		}
	}
	mask.Store(uint32(m))
}

func enabled(t Topic, l Level) bool {
	if Level(level.Load()) < l {
		return false
	}
	return Topic(mask.Load())&t != 0
}

func Errorf(t Topic, format string, args ...any) {
	if enabled(t, Error) {
		nlog.Errorf(format, args...)
	}
}

func Warningf(t Topic, format string, args ...any) {
	if enabled(t, Warning) {
		nlog.Warningf(format, args...)
	}
}

func Infof(t Topic, format string, args ...any) {
	if enabled(t, Info) {
		nlog.Infof(format, args...)
	}
}

func Debugf(t Topic, format string, args ...any) {
	if enabled(t, Debug) {
		nlog.Infof(format, args...)
	}
}

func Dumpf(t Topic, format string, args ...any) {
	if enabled(t, Dump) {
		nlog.Infof(format, args...)
	}
}
