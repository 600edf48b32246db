// Package disasm wraps golang.org/x/arch/x86/x86asm to answer the one
// question the tracer core needs of a raw instruction stream: where does
// the instruction at this address end, and is it (or is it near) the
// universal syscall-return site the fast-syscall dispatcher funnels
// through (spec.md §4.1). Grounded on the disassembler choice a reference
// KVM-based Go VMM in this pack wires up the same library for.
package disasm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// ErrNoMatch is returned by Find when no instruction in a scanned window
// matches the predicate.
var ErrNoMatch = fmt.Errorf("disasm: no matching instruction found")

// Instruction is one decoded x86-64 instruction, addressed absolutely.
type Instruction struct {
	Addr   uint64
	Len    int
	Mnemonic string
	OpStr  string
	inst   x86asm.Inst
}

// Raw exposes the underlying x86asm.Inst for callers that need structured
// operand access (e.g. CallTarget below).
func (i Instruction) Raw() x86asm.Inst { return i.inst }

// Decode decodes exactly one instruction at the front of code, which is
// assumed to begin at guest virtual address addr.
func Decode(code []byte, addr uint64) (Instruction, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return Instruction{}, fmt.Errorf("disasm: decode at %#x: %w", addr, err)
	}
	return Instruction{
		Addr:     addr,
		Len:      inst.Len,
		Mnemonic: inst.Op.String(),
		OpStr:    x86asm.GNUSyntax(inst, addr, nil),
		inst:     inst,
	}, nil
}

// Disassemble decodes code as a contiguous run of instructions starting at
// addr. It is the disassembler contract SPEC_FULL.md §6 names directly;
// DecodeAll is its implementation.
func Disassemble(code []byte, addr uint64) ([]Instruction, error) {
	return DecodeAll(code, addr)
}

// DecodeAll decodes code as a contiguous run of instructions starting at
// addr, stopping at the first decode error or once code is exhausted.
// Used to walk forward from a kernel entry point looking for a landmark
// instruction (e.g. the fast-syscall dispatcher's CALL *%r10 in
// internal/tracer's Locator).
func DecodeAll(code []byte, addr uint64) ([]Instruction, error) {
	var out []Instruction
	off := 0
	for off < len(code) {
		inst, err := Decode(code[off:], addr+uint64(off))
		if err != nil {
			if off == 0 {
				return nil, err
			}
			break
		}
		out = append(out, inst)
		off += inst.Len
	}
	return out, nil
}

// IsCallIndirectReg reports whether inst is a CALL through the named
// 64-bit general register (e.g. "R10"), the landmark the fast-syscall
// dispatcher's CALL *%r10 provides for locating the universal
// syscall-return site (spec.md §4.1, resolve_syscall's GT_GADDR_RVA
// lookup in the original source).
func IsCallIndirectReg(inst Instruction, regName string) bool {
	if inst.inst.Op != x86asm.CALL {
		return false
	}
	if len(inst.inst.Args) == 0 {
		return false
	}
	reg, ok := inst.inst.Args[0].(x86asm.Reg)
	if !ok {
		return false
	}
	return reg.String() == regName
}

// Find scans code starting at addr for the first instruction matching
// match, returning its address. ErrNoMatch if none matches before code is
// exhausted.
func Find(code []byte, addr uint64, match func(Instruction) bool) (uint64, error) {
	insts, err := DecodeAll(code, addr)
	if err != nil {
		return 0, err
	}
	for _, inst := range insts {
		if match(inst) {
			return inst.Addr, nil
		}
	}
	return 0, ErrNoMatch
}

// NextInstructionAddr returns the address immediately following inst,
// i.e. the return site a CALL at inst.Addr resumes at. This is exactly
// the address the tracer's Locator needs after matching CALL *%r10: the
// single code location every syscall return passes through, regardless
// of which syscall was invoked (spec.md §4.1).
func NextInstructionAddr(inst Instruction) uint64 {
	return inst.Addr + uint64(inst.Len)
}
