package hypervisor

import (
	"context"
	"time"
)

// Introspector is the hypervisor introspection facility spec.md §6
// describes as consumed, not owned, by the core. *KVM is the only
// production implementation; internal/trap and internal/tracer tests run
// against the in-memory *Fake implementation instead.
type Introspector interface {
	// ResolveSymbol translates a kernel symbol name to a guest virtual
	// address. Returns ErrTranslationFailed if the symbol is absent.
	ResolveSymbol(name string) (GuestVA, error)

	// TranslateV2P translates a guest virtual address to a guest physical
	// address through the guest's own page tables. Returns
	// ErrTranslationFailed if translation yields zero.
	TranslateV2P(va GuestVA) (GuestPA, error)

	// ReadVCPURegister reads one register/MSR from the given vCPU.
	ReadVCPURegister(vcpu int, reg Register) (uint64, error)

	// ReadPhys reads len(buf) bytes of guest physical memory starting at
	// pa into buf.
	ReadPhys(pa GuestPA, buf []byte) error

	// WritePhys writes buf into guest physical memory starting at pa.
	WritePhys(pa GuestPA, buf []byte) error

	// RegisterInterrupt arms a guest-wide INT3 (software breakpoint) trap.
	// cb fires once per INT3, on whichever vCPU raised it.
	RegisterInterrupt(cb InterruptFunc) (EventHandle, error)

	// RegisterMemEvent arms a memory-access trap on the page containing
	// frame. cb fires once per matching access.
	RegisterMemEvent(frame PageFrame, access MemAccess, cb MemFunc) (EventHandle, error)

	// ClearEvent disarms a previously registered event. cont, if non-nil,
	// runs once the clear has taken effect — the only place it is safe to
	// register a new event against the same page (spec.md §4.5's
	// "atomically via the hypervisor's clear-then-register sequence").
	ClearEvent(h EventHandle, cont ClearContinuation) error

	// SingleStep requests that vcpu execute exactly one instruction and
	// then trap; cont runs once that step has retired.
	SingleStep(vcpu int, cont StepContinuation) error

	// Pause halts all vCPUs.
	Pause() error

	// Resume resumes all vCPUs.
	Resume() error

	// Listen blocks until a hypervisor event is available, ctx is
	// cancelled, or timeout elapses, whichever comes first. It is the
	// sole suspension point of the core event loop (spec.md §5).
	Listen(ctx context.Context, timeout time.Duration) error

	// Close releases the hypervisor handle. Safe to call once, after
	// Pause and after every record has been restored.
	Close() error
}
