// Package mono provides a cheap monotonic nanosecond clock for deadline
// arithmetic (TTL checks, request timeouts, task scheduling). Built on
// time.Now()'s monotonic reading rather than a runtime.nanotime linkname
// trick, so it stays portable across Go versions.
package mono

import "time"

var start = time.Now()

// NanoTime returns nanoseconds elapsed since package init. Only ever
// compare two NanoTime() values to each other; the absolute number is
// meaningless.
func NanoTime() int64 { return time.Since(start).Nanoseconds() }

// Since returns the duration elapsed since a NanoTime() reading.
func Since(t int64) time.Duration { return time.Duration(NanoTime() - t) }
