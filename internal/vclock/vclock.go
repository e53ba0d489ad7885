// Package vclock implements vector clocks for distributed session and
// todo synchronization.
//
// A clock maps replica IDs to monotonic counters. Comparison is a strict
// partial order: two clocks that each carry updates the other has not seen
// compare as Concurrent, which is the signal for conflict detection.
package vclock

import "maps"

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

// String returns the wire name of an ordering.
func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

// Clock maps replica IDs to counters. The zero value (nil) is a valid
// empty clock for reads; call New or Tick on a non-nil map to mutate.
type Clock map[string]uint64

// New returns an empty clock.
func New() Clock {
	return make(Clock)
}

// Tick increments the counter for replica and returns the clock.
func (c Clock) Tick(replica string) Clock {
	c[replica]++
	return c
}

// Copy returns an independent copy of the clock.
func (c Clock) Copy() Clock {
	out := make(Clock, len(c))
	maps.Copy(out, c)
	return out
}

// Sum returns the total of all counters. Used as a deterministic tiebreak
// when two clocks are concurrent.
func (c Clock) Sum() uint64 {
	var total uint64
	for _, v := range c {
		total += v
	}
	return total
}

// Merge returns a new clock holding the component-wise maximum of a and b.
func Merge(a, b Clock) Clock {
	out := a.Copy()
	for k, v := range b {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Compare returns the ordering of a relative to b.
func Compare(a, b Clock) Ordering {
	aAhead := false // a has a component greater than b's
	bAhead := false
	for k, av := range a {
		bv := b[k]
		if av > bv {
			aAhead = true
		} else if av < bv {
			bAhead = true
		}
	}
	for k, bv := range b {
		if _, seen := a[k]; seen {
			continue
		}
		if bv > 0 {
			bAhead = true
		}
	}
	switch {
	case aAhead && bAhead:
		return Concurrent
	case aAhead:
		return After
	case bAhead:
		return Before
	default:
		return Equal
	}
}

// Dominates reports whether every component of c is at least the
// corresponding component of other. Equal clocks dominate each other.
func (c Clock) Dominates(other Clock) bool {
	ord := Compare(c, other)
	return ord == After || ord == Equal
}
