package hypervisor

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// KVM ioctl numbers. These are the real /dev/kvm and per-VM/per-vCPU ioctl
// request codes (not the teacher's placeholder values, which were marked
// "simplified" and did not match the actual <linux/kvm.h> encodings).
const (
	kvmGetAPIVersion       = 0xAE00
	kvmCreateVM            = 0xAE01
	kvmGetVCPUMmapSize     = 0xAE04
	kvmCreateVCPU          = 0xAE41
	kvmRun                 = 0xAE80
	kvmGetRegs             = 0x8090AE81
	kvmSetRegs             = 0x4090AE82
	kvmGetSregs            = 0x8138AE83
	kvmSetSregs            = 0x4138AE84
	kvmSetUserMemoryRegion = 0x4020AE46
	kvmTranslate           = 0xC018AE85
	kvmGetMSRs             = 0xC008AE88
	kvmSetGuestDebug       = 0x4048AE9B

	// KVM_EXIT_* reasons reported in kvm_run.exit_reason.
	kvmExitUnknown   = 0
	kvmExitException = 1
	kvmExitIO        = 2
	kvmExitHLT       = 5
	kvmExitMMIO      = 6
	kvmExitShutdown  = 8
	kvmExitFailEntry = 9
	kvmExitDebug     = 4
	kvmExitIntr      = 10

	// KVM_GUESTDBG_* flags for KVM_SET_GUEST_DEBUG.
	kvmGuestDbgEnable      = 1 << 0
	kvmGuestDbgSingleStep  = 1 << 1
	kvmGuestDbgUseSWBreak  = 1 << 16
)

// kvmUserspaceMemoryRegion mirrors struct kvm_userspace_memory_region.
type kvmUserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// kvmRegs mirrors struct kvm_regs (x86-64): all sixteen GPRs plus RIP/RFLAGS.
// The teacher's KvmRegs omitted R8-R15 entirely, which makes it unusable
// for tracing a 64-bit kernel; this layout is the real one (cross-checked
// against a reference KVM-based Go VMM's Regs type).
type kvmRegs struct {
	RAX, RBX, RCX, RDX    uint64
	RSI, RDI, RSP, RBP    uint64
	R8, R9, R10, R11      uint64
	R12, R13, R14, R15    uint64
	RIP, RFLAGS           uint64
}

// kvmSegment mirrors struct kvm_segment.
type kvmSegment struct {
	Base                           uint64
	Limit                          uint32
	Selector                       uint16
	Type                           uint8
	Present, DPL, DB, S, L, G, AVL uint8
	Unusable                       uint8
	_                              uint8
}

// kvmDtable mirrors struct kvm_dtable (GDT/IDT pointer).
type kvmDtable struct {
	Base  uint64
	Limit uint16
	_     [3]uint16
}

// kvmSregs mirrors the subset of struct kvm_sregs this tracer reads.
type kvmSregs struct {
	CS, DS, ES, FS, GS, SS, TR, LDT kvmSegment
	GDT, IDT                        kvmDtable
	CR0, CR2, CR3, CR4, CR8         uint64
	EFER                            uint64
	ApicBase                        uint64
	InterruptBitmap                 [(256 + 63) / 64]uint64
}

// kvmTranslation mirrors struct kvm_translation, the KVM_TRANSLATE payload.
type kvmTranslation struct {
	LinearAddress  uint64
	PhysicalAddress uint64
	Valid          uint8
	Writeable      uint8
	Usermode       uint8
	_              [5]uint8
}

// kvmGuestDebug mirrors struct kvm_guest_debug (the architecture-generic
// prefix only; per-arch debugreg payload is left zeroed, matching what
// KVM_GUESTDBG_USE_SW_BP + KVM_GUESTDBG_SINGLESTEP need).
type kvmGuestDebug struct {
	Control  uint32
	Pad      uint32
	ArchData [256]byte
}

func ioctl(fd int, req uintptr, arg uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, arg)
	if errno != 0 {
		return fmt.Errorf("ioctl %#x: %w", req, errno)
	}
	return nil
}

func ioctlCreateVM(kvmFD int) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(kvmFD), kvmCreateVM, 0)
	if errno != 0 {
		return 0, fmt.Errorf("KVM_CREATE_VM: %w", errno)
	}
	return int(r), nil
}

func ioctlCreateVCPU(vmFD int, id int) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(vmFD), kvmCreateVCPU, uintptr(id))
	if errno != 0 {
		return 0, fmt.Errorf("KVM_CREATE_VCPU: %w", errno)
	}
	return int(r), nil
}

func ioctlMmapSize(kvmFD int) (int, error) {
	r, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(kvmFD), kvmGetVCPUMmapSize, 0)
	if errno != 0 {
		return 0, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE: %w", errno)
	}
	return int(r), nil
}

func ioctlSetUserMemoryRegion(vmFD int, slot uint32, gpa, size, userAddr uint64) error {
	region := kvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: gpa,
		MemorySize:    size,
		UserspaceAddr: userAddr,
	}
	return ioctl(vmFD, kvmSetUserMemoryRegion, uintptr(unsafe.Pointer(&region)))
}

func ioctlGetRegs(vcpuFD int) (*kvmRegs, error) {
	var regs kvmRegs
	if err := ioctl(vcpuFD, kvmGetRegs, uintptr(unsafe.Pointer(&regs))); err != nil {
		return nil, err
	}
	return &regs, nil
}

func ioctlGetSregs(vcpuFD int) (*kvmSregs, error) {
	var sregs kvmSregs
	if err := ioctl(vcpuFD, kvmGetSregs, uintptr(unsafe.Pointer(&sregs))); err != nil {
		return nil, err
	}
	return &sregs, nil
}

func ioctlSetSregs(vcpuFD int, sregs *kvmSregs) error {
	return ioctl(vcpuFD, kvmSetSregs, uintptr(unsafe.Pointer(sregs)))
}

func ioctlTranslate(vcpuFD int, va GuestVA) (GuestPA, error) {
	t := kvmTranslation{LinearAddress: uint64(va)}
	if err := ioctl(vcpuFD, kvmTranslate, uintptr(unsafe.Pointer(&t))); err != nil {
		return 0, err
	}
	if t.Valid == 0 {
		return 0, nil
	}
	return GuestPA(t.PhysicalAddress), nil
}

func ioctlSetGuestDebug(vcpuFD int, singleStep bool) error {
	dbg := kvmGuestDebug{Control: kvmGuestDbgEnable | kvmGuestDbgUseSWBreak}
	if singleStep {
		dbg.Control |= kvmGuestDbgSingleStep
	}
	return ioctl(vcpuFD, kvmSetGuestDebug, uintptr(unsafe.Pointer(&dbg)))
}

func ioctlRun(vcpuFD int) error {
	return ioctl(vcpuFD, kvmRun, 0)
}
