// Package anyobj implements the type-erased single-slot carrier (spec
// §4.3, "Any-Object") used as per-channel transport scratch space and as
// the result slot for typed query operations.
//
// Design Notes §9 calls out exactly this pattern ("Type-erased carrier")
// and prescribes the strategy actually used here: an opaque slot typed
// by an interface with a destructor hook, never a raw unchecked cast.
// Go's `any` plus a type switch on Get gives us the "null if wrong type"
// behavior without unsafe.Pointer games.
package anyobj

import "io"

// Closer is implemented by values that need explicit teardown when the
// carrier that owns them is discarded.
type Closer interface {
	Close() error
}

// Object is a single-slot, type-erased carrier with an explicit
// ownership flag.
type Object struct {
	val  any
	owns bool
}

// Set stores val in the slot, replacing (and, if owned, closing) any
// previous occupant. owns determines whether Close() tears val down.
func (o *Object) Set(val any, owns bool) {
	o.release()
	o.val, o.owns = val, owns
}

// Get type-asserts the stored value into *out. If the stored value's
// dynamic type does not match T, *out is left at its zero value and ok
// is false.
func Get[T any](o *Object, out *T) (ok bool) {
	if o == nil || o.val == nil {
		return false
	}
	v, ok := o.val.(T)
	if !ok {
		return false
	}
	*out = v
	return true
}

// Empty reports whether the slot holds nothing.
func (o *Object) Empty() bool { return o == nil || o.val == nil }

func (o *Object) release() {
	if o.owns && o.val != nil {
		switch v := o.val.(type) {
		case Closer:
			_ = v.Close()
		case io.Closer:
			_ = v.Close()
		}
	}
	o.val, o.owns = nil, false
}

// Close tears down the carrier, destroying the occupant if owned. Safe
// to call on a zero-value Object.
func (o *Object) Close() error {
	o.release()
	return nil
}
