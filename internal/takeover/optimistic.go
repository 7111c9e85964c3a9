package takeover

// Optimistic holds a value the server has confirmed and, while a mutation is
// in flight, the value that mutation proposes. Rollback is structural: the
// confirmed value is never overwritten by a proposal.
//
// Each proposal, and again its confirmation or rollback, is stamped with the
// coordinator's mutation epoch. A poll issued before the mutation resolved
// cannot tell whether it saw the server before or after the change, so its
// observation is ignored. Polls issued after resolution are authoritative.
type Optimistic[T comparable] struct {
	confirmed T
	pending   T
	inFlight  bool
	since     uint64
}

// NewOptimistic returns an Optimistic confirmed at v.
func NewOptimistic[T comparable](v T) *Optimistic[T] {
	return &Optimistic[T]{confirmed: v}
}

// Value returns the pending value while a mutation is in flight, otherwise
// the confirmed value.
func (o *Optimistic[T]) Value() T {
	if o.inFlight {
		return o.pending
	}
	return o.confirmed
}

// Confirmed returns the last server-confirmed value.
func (o *Optimistic[T]) Confirmed() T { return o.confirmed }

// Pending reports whether a mutation is in flight.
func (o *Optimistic[T]) Pending() bool { return o.inFlight }

// Propose records an in-flight mutation to v made at mutation epoch epoch.
func (o *Optimistic[T]) Propose(v T, epoch uint64) {
	o.pending = v
	o.inFlight = true
	o.since = epoch
}

// Confirm promotes the pending value after the mutation succeeded. epoch is
// the mutation epoch at resolution; earlier polls no longer apply.
func (o *Optimistic[T]) Confirm(epoch uint64) {
	if !o.inFlight {
		return
	}
	o.confirmed = o.pending
	o.inFlight = false
	o.since = epoch
}

// Rollback drops the pending value after the mutation failed.
func (o *Optimistic[T]) Rollback(epoch uint64) {
	if !o.inFlight {
		return
	}
	o.inFlight = false
	o.since = epoch
}

// Observe applies a polled server value. pollEpoch is the mutation epoch at
// the moment the poll was issued. It reports whether the observation was
// applied.
func (o *Optimistic[T]) Observe(server T, pollEpoch uint64) bool {
	if pollEpoch < o.since {
		return false
	}
	o.confirmed = server
	return true
}
