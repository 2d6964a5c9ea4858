// Package hostplatform models the host-overridable facade spec.md section 6
// calls the "host platform interface": allocator, mutex primitive, and
// monotonic clock. Go's GC and sync primitives make most of the original
// C struct of function pointers unnecessary, but the clock override is a
// genuine embedding point (hosts running simulated-time tests supply their
// own), so it is kept as a narrow interface rather than collapsed away.
package hostplatform

import "github.com/nbtaylor/polifence/clockwork"

// Interface is the set of host-suppliable primitives a Context is built
// with. A nil Interface (or a zero-value one with Clock == nil) means "use
// defaults", matching spec.md's "NULL HPI means use defaults".
type Interface struct {
	// Clock overrides the monotonic microsecond time source used for route
	// hit timestamps and lock-timeout deadlines.
	Clock clockwork.Source
}

// Default returns the built-in host platform interface.
func Default() *Interface {
	return &Interface{Clock: clockwork.Default}
}

// Resolve fills in defaults for any unset fields of hpi, or returns Default()
// if hpi is nil.
func Resolve(hpi *Interface) *Interface {
	if hpi == nil {
		return Default()
	}
	resolved := *hpi
	if resolved.Clock == nil {
		resolved.Clock = clockwork.Default
	}
	return &resolved
}
