package hypervisor

import (
	"sync"

	"golang.org/x/sys/unix"
)

// pageWatcher arms/disarms R/W and X access traps on pages of the mmap'd
// guest-memory slab using host mprotect, since plain KVM — unlike
// Xen/LibVMI, which the original guestrace targets — has no ioctl that
// reports guest-physical read/write/execute access directly (that needs
// an EPT-violation event, a capability plain /dev/kvm does not expose).
// mprotect on the host mapping is the best local approximation: it makes
// a subsequent access fault, which a SIGSEGV/SIGBUS handler can attribute
// back to a page frame via the fault address. Recovering that address
// from a synchronous signal is a cgo-shaped problem this package
// deliberately does not solve with cgo (it would pull in a platform-
// specific signal trampoline for a concern the spec treats as an
// external collaborator); FaultHandler below is the seam a production
// build would wire a native EPT-violation or ptrace-based notifier into.
// internal/trap and internal/tracer are tested against Fake (fake.go)
// instead, which arms/disarms the same way without relying on a real
// fault delivery path.
type pageWatcher struct {
	mem []byte

	mu      sync.Mutex
	armedRW map[PageFrame]bool
	armedX  map[PageFrame]bool

	// FaultHandler receives the frame and access kind a guest access
	// violated. Open sets it to (*KVM).deliverMemFault; this build has no
	// fault-delivery path that calls it.
	FaultHandler func(vcpu int, gla GuestVA, frame PageFrame, access MemAccess)
}

func newPageWatcher(mem []byte) *pageWatcher {
	return &pageWatcher{
		mem:     mem,
		armedRW: make(map[PageFrame]bool),
		armedX:  make(map[PageFrame]bool),
	}
}

func (w *pageWatcher) pageBytes(frame PageFrame) []byte {
	start := uint64(frame) << PageShift
	return w.mem[start : start+PageSize]
}

// arm protects a page against the given access kind. MemRW traps writes
// (PROT_READ only); MemX traps the whole page (PROT_NONE), since there is
// no portable "execute only" protection for an anonymous mapping — the
// fault handler narrows the report back down before invoking the
// matching callback.
func (w *pageWatcher) arm(frame PageFrame, access MemAccess) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	prot := unix.PROT_READ
	switch access {
	case MemRW:
		w.armedRW[frame] = true
	case MemX:
		w.armedX[frame] = true
		prot = unix.PROT_NONE
	}
	return unix.Mprotect(w.pageBytes(frame), prot)
}

func (w *pageWatcher) disarm(frame PageFrame, access MemAccess) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch access {
	case MemRW:
		delete(w.armedRW, frame)
	case MemX:
		delete(w.armedX, frame)
	}
	return unix.Mprotect(w.pageBytes(frame), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC)
}
