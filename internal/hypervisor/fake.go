package hypervisor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Fake is an in-memory Introspector for tests. It implements the same
// callback-registration/Listen-dispatch contract as *KVM without needing
// a real hypervisor, so internal/trap and internal/tracer can be tested
// deterministically by calling Trigger* methods instead of waiting on a
// live guest (see SPEC_FULL.md §8's Fake-introspector testing approach).
type Fake struct {
	mu sync.Mutex

	symbols map[string]GuestVA
	v2p     map[GuestVA]GuestPA
	mem     map[GuestPA]byte
	regs    []map[Register]uint64

	queue chan func()

	interrupt struct {
		handle EventHandle
		cb     InterruptFunc
		active bool
	}
	memEvents map[EventHandle]*fakeMemEvent
	nextEvent EventHandle

	paused bool
	closed bool

	// WriteLog records every WritePhys call in order, letting tests assert
	// on the exact byte patches a component made (e.g. trap.Table install
	// writing 0xCC, or a clear continuation restoring the original byte).
	WriteLog []FakeWrite
}

// FakeWrite is one recorded WritePhys call.
type FakeWrite struct {
	PA   GuestPA
	Data []byte
}

type fakeMemEvent struct {
	frame  PageFrame
	access MemAccess
	cb     MemFunc
}

// NewFake constructs an empty Fake with the given number of vCPUs.
func NewFake(numVCPUs int) *Fake {
	f := &Fake{
		symbols:   make(map[string]GuestVA),
		v2p:       make(map[GuestVA]GuestPA),
		mem:       make(map[GuestPA]byte),
		regs:      make([]map[Register]uint64, numVCPUs),
		queue:     make(chan func(), 256),
		memEvents: make(map[EventHandle]*fakeMemEvent),
	}
	for i := range f.regs {
		f.regs[i] = make(map[Register]uint64)
	}
	return f
}

// SetSymbol configures a symbol's guest virtual address for ResolveSymbol.
func (f *Fake) SetSymbol(name string, va GuestVA) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbols[name] = va
}

// SetTranslation configures va's physical address for TranslateV2P.
func (f *Fake) SetTranslation(va GuestVA, pa GuestPA) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.v2p[va] = pa
}

// SetRegister configures vcpu's value for reg, read back by
// ReadVCPURegister.
func (f *Fake) SetRegister(vcpu int, reg Register, v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs[vcpu][reg] = v
}

func (f *Fake) ResolveSymbol(name string) (GuestVA, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	va, ok := f.symbols[name]
	if !ok {
		return 0, fmt.Errorf("%w: symbol %q", ErrTranslationFailed, name)
	}
	return va, nil
}

func (f *Fake) TranslateV2P(va GuestVA) (GuestPA, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pa, ok := f.v2p[va]
	if !ok {
		return 0, fmt.Errorf("%w: va %v", ErrTranslationFailed, va)
	}
	return pa, nil
}

func (f *Fake) ReadVCPURegister(vcpu int, reg Register) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if vcpu < 0 || vcpu >= len(f.regs) {
		return 0, fmt.Errorf("%w: vcpu %d out of range", ErrIOFailed, vcpu)
	}
	return f.regs[vcpu][reg], nil
}

func (f *Fake) ReadPhys(pa GuestPA, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range buf {
		buf[i] = f.mem[pa+GuestPA(i)]
	}
	return nil
}

func (f *Fake) WritePhys(pa GuestPA, buf []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	f.WriteLog = append(f.WriteLog, FakeWrite{PA: pa, Data: cp})
	for i, b := range buf {
		f.mem[pa+GuestPA(i)] = b
	}
	return nil
}

func (f *Fake) RegisterInterrupt(cb InterruptFunc) (EventHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextEvent++
	f.interrupt.handle = f.nextEvent
	f.interrupt.cb = cb
	f.interrupt.active = true
	return f.interrupt.handle, nil
}

func (f *Fake) RegisterMemEvent(frame PageFrame, access MemAccess, cb MemFunc) (EventHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextEvent++
	h := f.nextEvent
	f.memEvents[h] = &fakeMemEvent{frame: frame, access: access, cb: cb}
	return h, nil
}

func (f *Fake) ClearEvent(h EventHandle, cont ClearContinuation) error {
	f.mu.Lock()
	if h == f.interrupt.handle && f.interrupt.active {
		f.interrupt.active = false
		f.mu.Unlock()
		if cont != nil {
			return cont()
		}
		return nil
	}
	_, ok := f.memEvents[h]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("%w: unknown event handle", ErrIOFailed)
	}
	delete(f.memEvents, h)
	f.mu.Unlock()
	if cont != nil {
		return cont()
	}
	return nil
}

func (f *Fake) SingleStep(vcpu int, cont StepContinuation) error {
	if cont != nil {
		return cont()
	}
	return nil
}

func (f *Fake) Pause() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
	return nil
}

func (f *Fake) Resume() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
	return nil
}

// Listen runs at most one queued Trigger* callback per call (KVM's Listen
// runs one, plus a second if it is already queued). Returns nil once
// timeout elapses with nothing queued, or if ctx is cancelled first.
func (f *Fake) Listen(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
		return nil
	case run := <-f.queue:
		run()
		return nil
	}
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// TriggerInterrupt simulates a breakpoint exception on vcpu at gla,
// invoking the currently registered interrupt callback on the next
// Listen call. It is a no-op if no interrupt callback is registered.
func (f *Fake) TriggerInterrupt(vcpu int, gla GuestVA) {
	f.mu.Lock()
	cb := f.interrupt.cb
	active := f.interrupt.active
	f.mu.Unlock()
	if !active || cb == nil {
		return
	}
	f.queue <- func() { cb(vcpu, gla) }
}

// TriggerMemFault simulates a guest access to frame of the given kind,
// invoking whichever registered mem-event callback matches.
func (f *Fake) TriggerMemFault(vcpu int, gla GuestVA, frame PageFrame, access MemAccess) {
	f.mu.Lock()
	var cb MemFunc
	for _, st := range f.memEvents {
		if st.frame == frame && st.access == access {
			cb = st.cb
			break
		}
	}
	f.mu.Unlock()
	if cb == nil {
		return
	}
	f.queue <- func() { cb(vcpu, gla, frame) }
}
