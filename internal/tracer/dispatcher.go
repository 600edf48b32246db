package tracer

import (
	"sync"

	"github.com/guestrace/guestrace/internal/hypervisor"
	"github.com/guestrace/guestrace/internal/trap"
)

// EntryFunc is invoked on syscall entry (spec.md §4.7). It receives the
// introspector, the firing vCPU, the breakpoint record that fired, and
// the resolved (pid, tid) of the guest thread. Its return value is
// opaque per-invocation state threaded through to the matching
// ReturnFunc.
type EntryFunc func(hv hypervisor.Introspector, vcpu int, bp *trap.Breakpoint, pid, tid uint32) any

// ReturnFunc is invoked on syscall return with the same context plus the
// state the matching EntryFunc returned. It must release any resources
// associated with that state (spec.md §4.7).
type ReturnFunc func(hv hypervisor.Introspector, vcpu int, bp *trap.Breakpoint, state any)

// IdentityResolver resolves the (pid, tid) of whichever guest thread is
// executing on vcpu right now (spec.md §4.9, internal/syscallabi's
// concrete implementation).
type IdentityResolver func(hv hypervisor.Introspector, vcpu int) (pid, tid uint32, err error)

type pendingKey struct {
	VCPU int
	TID  trap.ThreadID
}

// Dispatcher invokes user-supplied entry/return callbacks and threads
// per-invocation opaque state between them, keyed by (vCPU, thread) per
// spec.md §9 rather than by any raw pointer the user owns.
type Dispatcher struct {
	mu       sync.Mutex
	pending  map[pendingKey]any
	entry    EntryFunc
	ret      ReturnFunc
	identity IdentityResolver
}

// NewDispatcher constructs a Dispatcher. entry/ret may be nil, in which
// case syscall entry/return events still drive the coherence protocol
// but invoke no user callback.
func NewDispatcher(entry EntryFunc, ret ReturnFunc, identity IdentityResolver) *Dispatcher {
	return &Dispatcher{
		pending:  make(map[pendingKey]any),
		entry:    entry,
		ret:      ret,
		identity: identity,
	}
}

// DispatchEntry resolves the firing thread's identity, invokes the entry
// callback, and stores its returned state keyed by (vcpu, tid) for the
// matching DispatchReturn. Mirrors spec.md §4.6's entry-record steps 1-2.
func (d *Dispatcher) DispatchEntry(hv hypervisor.Introspector, vcpu int, bp *trap.Breakpoint) {
	pid, tid, err := d.resolveIdentity(hv, vcpu)
	if err != nil {
		return
	}

	var state any
	if d.entry != nil {
		state = d.entry(hv, vcpu, bp, pid, tid)
	}

	d.mu.Lock()
	d.pending[pendingKey{VCPU: vcpu, TID: trap.ThreadID(tid)}] = state
	d.mu.Unlock()
}

// DispatchReturn resolves the firing thread's identity, retrieves the
// opaque state stashed by the matching DispatchEntry, invokes the return
// callback, and clears that state. Mirrors spec.md §4.6's return-record
// steps 1-2.
func (d *Dispatcher) DispatchReturn(hv hypervisor.Introspector, vcpu int, bp *trap.Breakpoint) {
	_, tid, err := d.resolveIdentity(hv, vcpu)
	if err != nil {
		return
	}

	key := pendingKey{VCPU: vcpu, TID: trap.ThreadID(tid)}
	d.mu.Lock()
	state, ok := d.pending[key]
	delete(d.pending, key)
	d.mu.Unlock()
	if !ok {
		return
	}

	if d.ret != nil {
		d.ret(hv, vcpu, bp, state)
	}
}

func (d *Dispatcher) resolveIdentity(hv hypervisor.Introspector, vcpu int) (pid, tid uint32, err error) {
	if d.identity == nil {
		return 0, uint32(vcpu), nil
	}
	return d.identity(hv, vcpu)
}
