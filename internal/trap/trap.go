// Package trap models the two-level breakpoint bookkeeping structure the
// original guestrace source calls vf_page_record/vf_paddr_record: one page
// record per guest page carrying a breakpoint, each owning a set of
// per-address records for the individual 0xCC patches installed within it.
// The coherence protocol's "all original bytes" vs. "all instrumented
// bytes" page states and the rollback-on-partial-failure install semantics
// live here; the hypervisor plumbing they drive lives in internal/hypervisor.
package trap

import (
	"fmt"
	"sync"

	"github.com/guestrace/guestrace/internal/hypervisor"
)

// breakpointInst is the Intel INT3 opcode.
const breakpointInst = 0xCC

// ErrUnknownInterrupt names the case of an INT3 that fired at an address
// this table did not instrument — the guest's own breakpoint, which must
// be reinjected rather than handled here. Lookup and LookupVA report that
// case with a nil record rather than this error, and internal/tracer's
// Router reinjects on a nil record or a lookup error without using it.
var ErrUnknownInterrupt = fmt.Errorf("trap: interrupt at unrecognized address")

// SentinelIdentifier marks the one BreakpointRecord that represents the
// syscall-return trap rather than a syscall-entry trap (spec.md §3's
// "one reserved sentinel value (all-ones)").
const SentinelIdentifier uint16 = 0xFFFF

// ThreadID identifies a guest thread of execution, as resolved by
// internal/syscallabi. Used by internal/tracer to key per-invocation
// opaque state from entry to return (spec.md §9).
type ThreadID uint64

// IsReturnSite reports whether bp is the distinguished syscall-return
// record (spec.md's SyscallReturnRecord).
func (bp *Breakpoint) IsReturnSite() bool { return bp.Identifier == SentinelIdentifier }

// Breakpoint is one installed software breakpoint: a single patched byte
// at a guest physical address, together with the data needed to restore
// or re-apply it. Direct translation of vf_paddr_record.
type Breakpoint struct {
	VA       hypervisor.GuestVA
	PA       hypervisor.GuestPA
	orig     byte
	enabled  bool
	// Identifier distinguishes which logical breakpoint this is once RAX
	// (or any other syscall-identifying register) may already have been
	// clobbered by the time a return-site trap fires — the same problem
	// vf_paddr_record.identifier solves.
	Identifier uint16

	page *Page
}

// Page is the set of breakpoints sharing a guest physical page, along with
// the two hypervisor memory events (R/W and X) that together implement the
// coherence protocol: at most one of mem_event_rw/mem_event_x is ever
// armed for a given page, alternating on every read/write or execute
// access fault the page takes. Direct translation of vf_page_record.
type Page struct {
	Frame hypervisor.PageFrame

	children map[hypervisor.GuestPA]*Breakpoint

	rwHandle hypervisor.EventHandle
	xHandle  hypervisor.EventHandle
	// armedRW is true when the rw-event is the one currently registered
	// (i.e. the page holds its instrumented bytes and traps on any
	// read/write access, since a read here likely means kernel
	// patch-protection scanning for tampering; the rw handler then puts
	// the original bytes back). When false, the x-event is registered
	// instead (i.e. the page holds all-original bytes and traps on
	// execution, at which point the breakpoints are re-emplaced).
	armedRW bool
}

// Table is the top-level breakpoint registry, keyed by page frame, mapping
// to Table.Lookup's ability to resolve a faulting physical address back to
// its Breakpoint in O(1) — the same two-hop hash lookup
// vf_paddr_record_from_pa performs via vf_page_record_collection.
type Table struct {
	hv hypervisor.Introspector

	mu    sync.Mutex
	pages map[hypervisor.PageFrame]*Page
}

// NewTable constructs an empty breakpoint table bound to hv.
func NewTable(hv hypervisor.Introspector) *Table {
	return &Table{
		hv:    hv,
		pages: make(map[hypervisor.PageFrame]*Page),
	}
}

// Install places a software breakpoint at va. If another breakpoint
// already shares va's page, the existing page record is reused; otherwise
// a new page record is created and its rw memory event registered (the x
// event is registered later, by the rw handler). If a breakpoint already
// exists at va's physical address, Install returns that record unchanged
// and writes nothing. If any step fails, Install rolls back everything it
// already did for this call, leaving the table exactly as it was before
// (spec.md's install-rollback requirement).
func (t *Table) Install(va hypervisor.GuestVA, identifier uint16, enabled bool) (*Breakpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pa, err := t.hv.TranslateV2P(va)
	if err != nil {
		return nil, fmt.Errorf("trap: install %v: %w", va, err)
	}

	frame := hypervisor.FrameOf(pa)
	page, existed := t.pages[frame]
	if existed {
		if bp, ok := page.children[pa]; ok {
			return bp, nil
		}
	} else {
		page = &Page{Frame: frame, children: make(map[hypervisor.GuestPA]*Breakpoint), armedRW: true}
		handle, err := t.hv.RegisterMemEvent(frame, hypervisor.MemRW, t.memCallbackRW(page))
		if err != nil {
			return nil, fmt.Errorf("trap: arm rw event on frame %v: %w", frame, err)
		}
		page.rwHandle = handle
	}

	var orig [1]byte
	if err := t.hv.ReadPhys(pa, orig[:]); err != nil {
		t.rollbackNewPage(page, existed)
		return nil, fmt.Errorf("trap: read original byte at %v: %w", pa, err)
	}

	bp := &Breakpoint{VA: va, PA: pa, orig: orig[0], Identifier: identifier, page: page}

	if enabled {
		if err := t.hv.WritePhys(pa, []byte{breakpointInst}); err != nil {
			t.rollbackNewPage(page, existed)
			return nil, fmt.Errorf("trap: write breakpoint at %v: %w", pa, err)
		}
		bp.enabled = true
	}

	page.children[pa] = bp
	t.pages[frame] = page
	return bp, nil
}

// rollbackNewPage undoes a freshly registered page's rw event if Install
// failed before the page could be committed. existed indicates whether
// the page record predates this Install call (in which case there is
// nothing to roll back, since the page was not created by this call).
func (t *Table) rollbackNewPage(page *Page, existed bool) {
	if existed {
		return
	}
	if page.rwHandle != 0 {
		t.hv.ClearEvent(page.rwHandle, nil)
	}
}

// Close tears down every page and breakpoint record in the table,
// restoring each breakpoint's original byte to guest memory. It attempts
// every restoration even if some fail, returning the first error
// encountered (spec.md §5: "the implementation must attempt restoration
// for every record even if some fail").
func (t *Table) Close() error {
	t.mu.Lock()
	pages := make([]*Page, 0, len(t.pages))
	for _, page := range t.pages {
		pages = append(pages, page)
	}
	t.mu.Unlock()

	var firstErr error
	for _, page := range pages {
		t.mu.Lock()
		children := make([]*Breakpoint, 0, len(page.children))
		for _, bp := range page.children {
			children = append(children, bp)
		}
		t.mu.Unlock()

		for _, bp := range children {
			if err := t.Remove(bp); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Lookup resolves a faulting guest physical address back to its
// Breakpoint, or nil if this table owns no breakpoint there. Mirrors
// vf_paddr_record_from_pa.
func (t *Table) Lookup(pa hypervisor.GuestPA) *Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	page, ok := t.pages[hypervisor.FrameOf(pa)]
	if !ok {
		return nil
	}
	return page.children[pa]
}

// LookupVA translates va and resolves the breakpoint at the resulting
// physical address, mirroring vf_paddr_record_from_va.
func (t *Table) LookupVA(va hypervisor.GuestVA) (*Breakpoint, error) {
	pa, err := t.hv.TranslateV2P(va)
	if err != nil {
		return nil, fmt.Errorf("trap: lookup %v: %w", va, err)
	}
	return t.Lookup(pa), nil
}

// Enable writes the 0xCC opcode at bp's address and marks bp enabled, if
// bp is not already enabled. Mirrors vf_enable_breakpoint.
func (t *Table) Enable(bp *Breakpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if bp.enabled {
		return nil
	}
	if err := t.hv.WritePhys(bp.PA, []byte{breakpointInst}); err != nil {
		return fmt.Errorf("trap: enable %v: %w", bp.VA, err)
	}
	bp.enabled = true
	return nil
}

// Disable restores the original byte at bp's address. Mirrors
// vf_disable_breakpoint.
func (t *Table) Disable(bp *Breakpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !bp.enabled {
		return nil
	}
	if err := t.hv.WritePhys(bp.PA, []byte{bp.orig}); err != nil {
		return fmt.Errorf("trap: disable %v: %w", bp.VA, err)
	}
	bp.enabled = false
	return nil
}

// RestoreOriginalByte writes bp's original byte back into guest memory
// without altering bp.Enabled(). Used by the event router to make the
// real instruction executable for exactly one single-step after an INT3
// fires, independent of the record's steady-state enabled/disabled
// status (spec.md §4.4: "Restore original_byte ... so the following
// single-step executes the real instruction").
func (t *Table) RestoreOriginalByte(bp *Breakpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.hv.WritePhys(bp.PA, []byte{bp.orig}); err != nil {
		return fmt.Errorf("trap: restore original byte at %v: %w", bp.VA, err)
	}
	return nil
}

// ReemplaceBreakpointByte writes the 0xCC opcode back into guest memory
// without altering bp.Enabled(), the counterpart to RestoreOriginalByte
// used by the single-step continuation to re-arm a record after its
// original instruction has executed exactly once (spec.md §4.4's
// "single-step completion ... re-arms the trap").
func (t *Table) ReemplaceBreakpointByte(bp *Breakpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.hv.WritePhys(bp.PA, []byte{breakpointInst}); err != nil {
		return fmt.Errorf("trap: reemplace breakpoint at %v: %w", bp.VA, err)
	}
	return nil
}

// Enabled reports bp's enabled flag, set by Enable (or an enabled Install)
// and cleared by Disable. RestoreOriginalByte and the rw-event handler put
// the original byte back without clearing it, so an enabled record can
// transiently hold its original byte in guest memory.
func (bp *Breakpoint) Enabled() bool { return bp.enabled }

// Remove deletes bp from its page record, writing back the original byte
// first. If bp was the page's last breakpoint, the page record and its
// memory events are torn down entirely. Mirrors destroy_trap and
// vf_destroy_page_record/destroy_page_record.
func (t *Table) Remove(bp *Breakpoint) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.hv.WritePhys(bp.PA, []byte{bp.orig}); err != nil {
		return fmt.Errorf("trap: restore original byte at %v: %w", bp.VA, err)
	}

	page := bp.page
	delete(page.children, bp.PA)
	if len(page.children) > 0 {
		return nil
	}

	delete(t.pages, page.Frame)
	var firstErr error
	if page.rwHandle != 0 {
		if err := t.hv.ClearEvent(page.rwHandle, nil); err != nil {
			firstErr = err
		}
	}
	if page.xHandle != 0 {
		if err := t.hv.ClearEvent(page.xHandle, nil); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// memCallbackRW builds the rw-event callback for page: a read or write
// anywhere on the page restores every child breakpoint's original byte,
// then atomically swaps the rw event for the x event, so execution can
// proceed over original code while the hypervisor watches for the guest
// re-executing the page (at which point the breakpoints must be
// re-emplaced). Mirrors trap_mem_callback_rw / trap_mem_callback_rw_reset.
func (t *Table) memCallbackRW(page *Page) hypervisor.MemFunc {
	return func(vcpu int, gla hypervisor.GuestVA, frame hypervisor.PageFrame) hypervisor.Response {
		t.mu.Lock()
		for _, bp := range page.children {
			if bp.enabled {
				t.hv.WritePhys(bp.PA, []byte{bp.orig})
			}
		}
		handle := page.rwHandle
		t.mu.Unlock()

		t.hv.ClearEvent(handle, func() error {
			t.mu.Lock()
			defer t.mu.Unlock()
			h, err := t.hv.RegisterMemEvent(frame, hypervisor.MemX, t.memCallbackX(page))
			if err != nil {
				return err
			}
			page.xHandle = h
			page.rwHandle = 0
			page.armedRW = false
			return nil
		})
		return hypervisor.ResponseNone
	}
}

// memCallbackX builds the x-event callback for page: execution on the
// page means the guest is about to run code we hid the breakpoints from;
// re-emplace every enabled child's 0xCC, then swap the x event back for
// the rw event so the next patch-protection read is caught again.
// Mirrors trap_mem_callback_x / trap_mem_callback_x_reset.
func (t *Table) memCallbackX(page *Page) hypervisor.MemFunc {
	return func(vcpu int, gla hypervisor.GuestVA, frame hypervisor.PageFrame) hypervisor.Response {
		t.mu.Lock()
		for _, bp := range page.children {
			if bp.enabled {
				t.hv.WritePhys(bp.PA, []byte{breakpointInst})
			}
		}
		handle := page.xHandle
		t.mu.Unlock()

		t.hv.ClearEvent(handle, func() error {
			t.mu.Lock()
			defer t.mu.Unlock()
			h, err := t.hv.RegisterMemEvent(frame, hypervisor.MemRW, t.memCallbackRW(page))
			if err != nil {
				return err
			}
			page.rwHandle = h
			page.xHandle = 0
			page.armedRW = true
			return nil
		})
		return hypervisor.ResponseNone
	}
}
