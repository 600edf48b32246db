package tracer

import (
	"github.com/sirupsen/logrus"

	"github.com/guestrace/guestrace/internal/hypervisor"
	"github.com/guestrace/guestrace/internal/trap"
)

// Router is the event router of spec.md §4.4: it receives INT3 events
// from the hypervisor and dispatches them to the correct BreakpointRecord,
// driving the callback dispatcher (§4.6) and the single-step-plus-rearm
// sequence. The page read/write/execute coherence protocol (§4.5) is
// already fully implemented by internal/trap.Table's memCallbackRW/X,
// registered when breakpoints are installed; Router only owns the INT3
// side of the event space.
type Router struct {
	hv         hypervisor.Introspector
	table      *trap.Table
	dispatcher *Dispatcher
	returnSite *trap.Breakpoint

	log *logrus.Entry
}

// NewRouter constructs a Router. returnSite must be the BreakpointRecord
// Install created with trap.SentinelIdentifier (spec.md §3's
// SyscallReturnRecord), left disabled.
func NewRouter(hv hypervisor.Introspector, table *trap.Table, dispatcher *Dispatcher, returnSite *trap.Breakpoint, log *logrus.Entry) *Router {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Router{hv: hv, table: table, dispatcher: dispatcher, returnSite: returnSite, log: log}
}

// Register arms the guest-wide INT3 trap with the hypervisor. Call once
// during initialization, after every configured breakpoint has been
// installed (spec.md §5's init ordering).
func (r *Router) Register() (hypervisor.EventHandle, error) {
	return r.hv.RegisterInterrupt(r.onInterrupt)
}

// onInterrupt is the INT3 handler spec.md §4.4 specifies: resolve the
// firing address to a BreakpointRecord (or reinject if unrecognized),
// restore the original byte so the real instruction can execute, then
// branch on whether this is the syscall-return record.
func (r *Router) onInterrupt(vcpu int, gla hypervisor.GuestVA) hypervisor.Response {
	bp, err := r.table.LookupVA(gla)
	if err != nil || bp == nil {
		// Not our breakpoint: reinject so the guest handles its own INT3.
		return hypervisor.ResponseEmulate
	}

	if err := r.table.RestoreOriginalByte(bp); err != nil {
		r.log.WithError(err).Error("restore original byte")
		return hypervisor.ResponseNone
	}

	if !bp.Enabled() {
		// Disabled record: physically patched but inert, per spec.md §3.
		return hypervisor.ResponseNone
	}

	if bp.IsReturnSite() {
		r.handleSyscallReturn(vcpu, bp)
	} else {
		r.handleSyscallEntry(vcpu, bp)
	}
	return hypervisor.ResponseNone
}

// handleSyscallEntry implements spec.md §4.6's entry-record sequence:
// dispatch the entry callback, enable the return-site trap, then
// single-step past the now-original instruction and re-emplace this
// record's breakpoint byte once that step retires.
func (r *Router) handleSyscallEntry(vcpu int, bp *trap.Breakpoint) {
	r.dispatcher.DispatchEntry(r.hv, vcpu, bp)

	if err := r.table.Enable(r.returnSite); err != nil {
		r.log.WithError(err).Error("enable return-site trap")
	}

	if err := r.hv.SingleStep(vcpu, func() error {
		return r.table.ReemplaceBreakpointByte(bp)
	}); err != nil {
		r.log.WithError(err).Error("request single-step after syscall entry")
	}
}

// handleSyscallReturn implements spec.md §4.6's return-record sequence:
// dispatch the return callback and disable the return-site trap until
// the next syscall entry re-enables it. No single-step is requested.
func (r *Router) handleSyscallReturn(vcpu int, bp *trap.Breakpoint) {
	r.dispatcher.DispatchReturn(r.hv, vcpu, bp)

	if err := r.table.Disable(r.returnSite); err != nil {
		r.log.WithError(err).Error("disable return-site trap")
	}
}
