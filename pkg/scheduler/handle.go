package scheduler

import "fmt"

// Handle is an opaque, generation-checked reference to a registered
// subscriber. A handle is revoked by Unregister; using a revoked handle is a
// safe no-op (or returns ErrStaleHandle) even after its slot is reused.
type Handle struct {
	slot uint32
	gen  uint32
}

// IsZero reports whether h was never issued.
func (h Handle) IsZero() bool { return h.gen == 0 }

// String returns a compact form for logs.
func (h Handle) String() string {
	if h.IsZero() {
		return "sub-none"
	}
	return fmt.Sprintf("sub-%d.%d", h.slot, h.gen)
}

// slot is one position in the registry. gen is bumped on every revocation.
type slot struct {
	gen   uint32
	entry *entry
}
