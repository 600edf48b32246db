// Package tracer implements the entry-point locator, event router,
// coherence protocol, and callback dispatcher spec.md §4 describes as
// the core's hard part, tying internal/trap's data model to an
// internal/hypervisor.Introspector.
package tracer

import (
	"fmt"

	"github.com/guestrace/guestrace/internal/disasm"
	"github.com/guestrace/guestrace/internal/hypervisor"
)

// scanWindow is how many bytes of the fast-syscall dispatcher to
// disassemble looking for CALL R10 (spec.md §4.1: "read up to 4 KiB").
const scanWindow = 4096

// Locator resolves configured syscall names to kernel virtual addresses
// and finds the fast-syscall dispatcher's universal return site.
// Direct translation of spec.md §4.1.
type Locator struct {
	hv hypervisor.Introspector
}

// NewLocator constructs a Locator bound to hv.
func NewLocator(hv hypervisor.Introspector) *Locator {
	return &Locator{hv: hv}
}

// ResolveSyscall looks up name via the hypervisor's symbol-translation
// facility.
func (l *Locator) ResolveSyscall(name string) (hypervisor.GuestVA, error) {
	va, err := l.hv.ResolveSymbol(name)
	if err != nil {
		return 0, fmt.Errorf("tracer: resolve syscall %q: %w", name, err)
	}
	return va, nil
}

// FindReturnSite reads up to scanWindow bytes of kernel instructions
// starting at dispatcherVA, disassembles them linearly in 64-bit x86
// mode, and returns the address immediately following the first
// CALL R10 instruction found. dispatcherVA is ordinarily the guest's
// MSR_LSTAR value (the fast-syscall entry point), read by the caller via
// Introspector.ReadVCPURegister(vcpu, hypervisor.RegLSTAR).
func (l *Locator) FindReturnSite(dispatcherVA hypervisor.GuestVA) (hypervisor.GuestVA, error) {
	pa, err := l.hv.TranslateV2P(dispatcherVA)
	if err != nil {
		return 0, fmt.Errorf("tracer: translate dispatcher va %v: %w", dispatcherVA, err)
	}

	code := make([]byte, scanWindow)
	if err := l.hv.ReadPhys(pa, code); err != nil {
		return 0, fmt.Errorf("tracer: read dispatcher code at %v: %w", pa, err)
	}

	insts, err := disasm.Disassemble(code, uint64(dispatcherVA))
	if err != nil {
		return 0, fmt.Errorf("tracer: disassemble dispatcher at %v: %w", dispatcherVA, err)
	}

	for _, inst := range insts {
		if disasm.IsCallIndirectReg(inst, "R10") {
			return hypervisor.GuestVA(disasm.NextInstructionAddr(inst)), nil
		}
	}
	return 0, fmt.Errorf("tracer: find return site from %v: %w", dispatcherVA, disasm.ErrNoMatch)
}
