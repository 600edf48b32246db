// Package syscallabi is the syscall-argument decoding/printing external
// collaborator spec.md §1 lists as out of scope for the core, given a
// concrete default implementation so cmd/guestrace is runnable end to
// end without every caller needing to supply their own decoder. Grounded
// on the role functions-linux.c and trace_syscalls.c's print_syscall/
// print_sysret play in the original guestrace source, reimplemented
// against the Linux x86-64 syscall calling convention directly rather
// than the Windows NT-specific argument counts the original carried.
package syscallabi

import (
	"context"
	"fmt"

	"github.com/guestrace/guestrace/internal/hypervisor"
)

// ArgKind hints how to render a decoded argument.
type ArgKind int

const (
	// ArgInt renders the register value as a plain signed/unsigned integer.
	ArgInt ArgKind = iota
	// ArgPointer renders the register value as a guest virtual address.
	ArgPointer
	// ArgString reads a NUL-terminated string from guest memory at the
	// address in the register, up to maxStringLen bytes.
	ArgString
)

// maxStringLen bounds how much guest memory a single ArgString argument
// may pull in, so a hostile or corrupt guest cannot force an unbounded
// read through the tracer (spec.md §4.7: callbacks "must not modify
// guest state", and by extension must not be used as a guest-controlled
// amplifier against the host).
const maxStringLen = 256

// Signature describes one syscall's fixed argument shape: how many
// arguments it takes and how to render each one. Keyed by the same
// Identifier BreakpointRecord carries (spec.md §3's "16-bit tag").
type Signature struct {
	Name string
	Args []ArgKind
}

// linuxArgRegisters is the Linux x86-64 syscall argument-register order:
// rdi, rsi, rdx, r10, r8, r9. (r10 replaces rcx because the SYSCALL
// instruction clobbers rcx with the return address.)
var linuxArgRegisters = [6]hypervisor.Register{
	hypervisor.RegRDI,
	hypervisor.RegRSI,
	hypervisor.RegRDX,
	hypervisor.RegR10,
	hypervisor.RegR8,
	hypervisor.RegR9,
}

// Arg is one decoded syscall argument.
type Arg struct {
	Kind  ArgKind
	Value uint64
	Str   string // populated only for ArgString
}

// Decode reads sig's arguments for vcpu out of the Linux x86-64 syscall
// argument registers, via hv's register-read and guest-memory-read
// operations (the two external collaborators spec.md §6 specifies).
func Decode(hv hypervisor.Introspector, vcpu int, sig Signature) ([]Arg, error) {
	if len(sig.Args) > len(linuxArgRegisters) {
		return nil, fmt.Errorf("syscallabi: signature %q wants %d args, max is %d", sig.Name, len(sig.Args), len(linuxArgRegisters))
	}

	args := make([]Arg, len(sig.Args))
	for i, kind := range sig.Args {
		v, err := hv.ReadVCPURegister(vcpu, linuxArgRegisters[i])
		if err != nil {
			return nil, fmt.Errorf("syscallabi: read arg %d of %q: %w", i, sig.Name, err)
		}
		args[i] = Arg{Kind: kind, Value: v}
		if kind == ArgString {
			s, err := readCString(hv, hypervisor.GuestVA(v))
			if err == nil {
				args[i].Str = s
			}
		}
	}
	return args, nil
}

// DecodeReturn reads the return value (RAX) of a completed syscall.
func DecodeReturn(hv hypervisor.Introspector, vcpu int) (uint64, error) {
	v, err := hv.ReadVCPURegister(vcpu, hypervisor.RegRAX)
	if err != nil {
		return 0, fmt.Errorf("syscallabi: read return value: %w", err)
	}
	return v, nil
}

func readCString(hv hypervisor.Introspector, va hypervisor.GuestVA) (string, error) {
	pa, err := hv.TranslateV2P(va)
	if err != nil {
		return "", err
	}
	buf := make([]byte, maxStringLen)
	if err := hv.ReadPhys(pa, buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), nil
		}
	}
	return string(buf) + "...", nil
}

// String renders args as a parenthesized, comma-separated argument list
// matching the style of the original source's print_syscall.
func String(sig Signature, args []Arg) string {
	s := sig.Name + "("
	for i, a := range args {
		if i > 0 {
			s += ", "
		}
		switch a.Kind {
		case ArgString:
			if a.Str != "" {
				s += fmt.Sprintf("%q", a.Str)
				continue
			}
			s += fmt.Sprintf("0x%x", a.Value)
		case ArgPointer:
			s += fmt.Sprintf("0x%x", a.Value)
		default:
			s += fmt.Sprintf("%d", a.Value)
		}
	}
	return s + ")"
}

// LinuxIdentity resolves a guest thread's PID/TID by reading the
// percpu "current" task pointer off MSR_GS_BASE, the same mechanism the
// Linux kernel itself uses to resolve "current" (spec.md §4.9's
// guest-OS-specific identification, out of scope for the core proper but
// needed by cmd/guestrace's default callbacks). Struct offsets are not
// ABI-stable across kernel versions, so they are supplied by the caller
// (internal/config) rather than hardcoded.
type LinuxIdentity struct {
	// PIDOffset/TIDOffset are byte offsets from the task_struct base
	// (itself reached via a fixed offset from the percpu "current_task"
	// pointer at GS_BASE) to the pid_t/tgid fields.
	CurrentTaskOffset uint64
	PIDOffset         uint64
	TIDOffset         uint64
}

// Resolve reads (pid, tid) for vcpu's currently executing thread.
func (li LinuxIdentity) Resolve(ctx context.Context, hv hypervisor.Introspector, vcpu int) (pid, tid uint32, err error) {
	gsBase, err := hv.ReadVCPURegister(vcpu, hypervisor.RegGSBase)
	if err != nil {
		return 0, 0, fmt.Errorf("syscallabi: read gs_base: %w", err)
	}

	taskPtrPA, err := hv.TranslateV2P(hypervisor.GuestVA(gsBase + li.CurrentTaskOffset))
	if err != nil {
		return 0, 0, fmt.Errorf("syscallabi: translate current_task pointer: %w", err)
	}
	var ptrBuf [8]byte
	if err := hv.ReadPhys(taskPtrPA, ptrBuf[:]); err != nil {
		return 0, 0, fmt.Errorf("syscallabi: read current_task pointer: %w", err)
	}
	taskVA := hypervisor.GuestVA(leUint64(ptrBuf[:]))

	pid, err = li.readU32Field(hv, taskVA, li.PIDOffset)
	if err != nil {
		return 0, 0, err
	}
	tid, err = li.readU32Field(hv, taskVA, li.TIDOffset)
	if err != nil {
		return 0, 0, err
	}
	return pid, tid, nil
}

func (li LinuxIdentity) readU32Field(hv hypervisor.Introspector, taskVA hypervisor.GuestVA, offset uint64) (uint32, error) {
	pa, err := hv.TranslateV2P(taskVA + hypervisor.GuestVA(offset))
	if err != nil {
		return 0, err
	}
	var buf [4]byte
	if err := hv.ReadPhys(pa, buf[:]); err != nil {
		return 0, err
	}
	return uint32(leUint32(buf[:])), nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func leUint32(b []byte) uint32 {
	var v uint32
	for i := 3; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v
}
