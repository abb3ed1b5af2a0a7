//go:build !tinygo

package hal

import (
	"fmt"
	"sync"
	"time"
)

// HostCPU is a simulated single-core Cortex-M used by the host build and the
// kernel tests.
//
// Task bodies run on goroutines, but at most one task context executes at a
// time: a context runs from the moment the scheduler switches to it until it
// parks (blocking switch, WaitForInterrupt, or kill). Interrupts (Tick,
// RaiseIRQ) are injected only while every context is parked, so every
// interleaving the kernel observes is one a real core could produce at an
// instruction boundary, and tests are deterministic.
//
// The port takes over the mask/pend/SVC mechanics the hardware provides:
// DisableIRQ counts the mask, RequestSwitch pends the switch, and the pended
// switch is taken when the mask fully unwinds, on SVC exit, or on interrupt
// return, mirroring PendSV.
type HostCPU struct {
	mu   sync.Mutex
	cond *sync.Cond

	sw Switcher

	maskCount    int
	pendingSwc   bool
	inSwitch     bool
	isrDepth     int
	isrForbidden int
	svcDepth     int
	intGen       uint64

	current *hostContext
	busy    int
	started bool

	nextCtxID uint32

	tickRate uint32

	mpuOn     bool
	mineCtx   TaskContext
	mineGuard uint32
	mineOn    bool

	epoch time.Time
}

// Simulated core clock, used for the cycle counter and tick-rate limits.
const hostCPUFreq = 100_000_000

// NewHostCPU returns a simulated CPU port.
func NewHostCPU() *HostCPU {
	p := &HostCPU{epoch: time.Now(), tickRate: 1000}
	p.cond = sync.NewCond(&p.mu)
	return p
}

type hostContext struct {
	cpu *HostCPU
	id  uint32
	run func()

	sp         uint32
	privileged bool

	runnable bool
	active   bool
	killed   bool
	dead     bool
}

// FrameWords returns synthetic flash/stack handles standing in for the entry
// PC, exit LR and R0 argument of the task's first frame.
func (c *hostContext) FrameWords() (pc, lr, r0 uint32) {
	base := 0x0800_0000 + c.id*0x40
	return base | 1, (base + 0x20) | 1, 0x2000_0000 + c.id*0x100
}

func (p *HostCPU) Configure(sw Switcher) {
	p.mu.Lock()
	p.sw = sw
	p.mu.Unlock()
}

func (p *HostCPU) DisableIRQ() PrevMask {
	p.mu.Lock()
	prev := PrevMask(p.maskCount)
	p.maskCount++
	p.mu.Unlock()
	return prev
}

func (p *HostCPU) EnableIRQ(prev PrevMask) {
	p.mu.Lock()
	p.maskCount = int(prev)
	take := p.maskCount == 0 && p.pendingSwc && !p.inSwitch &&
		p.isrDepth == 0 && p.svcDepth == 0 && p.started
	cur := p.current
	p.mu.Unlock()
	if take && cur != nil {
		p.pendSV(cur)
	}
}

func (p *HostCPU) InInterrupt() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isrDepth > 0 || p.svcDepth > 0
}

func (p *HostCPU) InPrivileged() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isrDepth > 0 || p.svcDepth > 0 || p.current == nil {
		return true
	}
	return p.current.privileged
}

func (p *HostCPU) InSysCall() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.svcDepth > 0
}

func (p *HostCPU) SyscallAllowed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isrForbidden == 0
}

func (p *HostCPU) RequestSwitch() {
	p.mu.Lock()
	p.pendingSwc = true
	p.mu.Unlock()
}

// SwitchNow performs the synchronous switch used when the current task has
// deleted itself. It never returns: the dying context sleeps until process
// exit, so no deferred mask restores of the unwound call chain can race the
// successor.
func (p *HostCPU) SwitchNow() {
	p.mu.Lock()
	p.inSwitch = true
	p.mu.Unlock()
	frame := p.sw.SwitchContext(0)
	p.mu.Lock()
	p.inSwitch = false
	p.pendingSwc = false
	// Exception return restores the incoming context's execution state; the
	// dying context's mask nesting and SVC frame die with it.
	p.maskCount = 0
	p.svcDepth = 0
	next := frame.Ctx.(*hostContext)
	next.sp, next.privileged = frame.SP, frame.Privileged
	prev := p.current
	p.current = next
	if prev != nil && prev.active {
		prev.active = false
		p.busy--
	}
	p.unparkLocked(next)
	p.cond.Broadcast()
	for {
		p.cond.Wait()
	}
}

func (p *HostCPU) FirstSwitchTo(f TaskFrame) {
	p.mu.Lock()
	ctx := f.Ctx.(*hostContext)
	ctx.sp, ctx.privileged = f.SP, f.Privileged
	p.current = ctx
	p.started = true
	p.pendingSwc = false
	p.unparkLocked(ctx)
	p.mu.Unlock()
}

func (p *HostCPU) NewTaskContext(run func()) TaskContext {
	p.mu.Lock()
	p.nextCtxID++
	c := &hostContext{cpu: p, id: p.nextCtxID, run: run}
	p.mu.Unlock()

	go func() {
		p.mu.Lock()
		for !c.runnable {
			if c.killed {
				c.dead = true
				p.cond.Broadcast()
				p.mu.Unlock()
				return
			}
			p.cond.Wait()
		}
		p.mu.Unlock()

		c.run()

		// The task body always exits through the kernel's removal
		// trampoline, which does not return. Getting here means the
		// context escaped; retire it.
		p.mu.Lock()
		if c.active {
			c.active = false
			p.busy--
		}
		c.dead = true
		p.cond.Broadcast()
		p.mu.Unlock()
	}()
	return c
}

func (p *HostCPU) KillContext(ctx TaskContext) {
	c := ctx.(*hostContext)
	p.mu.Lock()
	c.killed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

// WaitForInterrupt parks the current context until the next injected
// interrupt, or until the scheduler switches back to it.
func (p *HostCPU) WaitForInterrupt() {
	p.mu.Lock()
	c := p.current
	if c == nil {
		p.mu.Unlock()
		return
	}
	gen := p.intGen
	c.runnable = false
	c.active = false
	p.busy--
	p.cond.Broadcast()
	for {
		if c.runnable {
			break
		}
		if !c.killed && p.current == c && p.intGen != gen {
			c.runnable = true
			c.active = true
			p.busy++
			break
		}
		p.cond.Wait()
	}
	p.mu.Unlock()
}

func (p *HostCPU) SetTickRate(hz uint32) bool {
	if hz == 0 {
		return false
	}
	reload := uint32(hostCPUFreq) / hz
	if reload == 0 || reload > 0x0100_0000 {
		return false
	}
	p.mu.Lock()
	p.tickRate = hz
	p.mu.Unlock()
	return true
}

func (p *HostCPU) TickRate() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tickRate
}

// CycleCount simulates the DWT cycle counter at the nominal core clock.
func (p *HostCPU) CycleCount() uint32 {
	ns := time.Since(p.epoch).Nanoseconds()
	return uint32(ns / (1_000_000_000 / hostCPUFreq))
}

func (p *HostCPU) Svc(op uint32, frame any) {
	p.mu.Lock()
	p.svcDepth++
	p.mu.Unlock()

	p.sw.Svc(op, frame)

	p.mu.Lock()
	p.svcDepth--
	take := p.pendingSwc && !p.inSwitch && p.maskCount == 0 &&
		p.isrDepth == 0 && p.svcDepth == 0 && p.started
	cur := p.current
	p.mu.Unlock()
	if take && cur != nil {
		p.pendSV(cur)
	}
}

func (p *HostCPU) InitMPU() {
	p.mu.Lock()
	p.mpuOn = true
	p.mu.Unlock()
}

func (p *HostCPU) SetStackMine(ctx TaskContext, guard uint32) {
	p.mu.Lock()
	p.mineCtx, p.mineGuard, p.mineOn = ctx, guard, true
	p.mu.Unlock()
}

func (p *HostCPU) RemoveStackMine() {
	p.mu.Lock()
	p.mineOn = false
	p.mu.Unlock()
}

// StackMine reports the armed process-stack mine. Test helper.
func (p *HostCPU) StackMine() (TaskContext, uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mineCtx, p.mineGuard, p.mineOn
}

func (p *HostCPU) Crash(reason uint32) {
	panic(fmt.Sprintf("macs: fatal alarm %d", reason))
}

// Tick injects one SysTick interrupt at the next instruction boundary.
func (p *HostCPU) Tick() {
	p.runISR(true, func() {
		if p.sw.SysTick() {
			p.RequestSwitch()
		}
	})
}

// TickN injects n consecutive SysTick interrupts.
func (p *HostCPU) TickN(n int) {
	for i := 0; i < n; i++ {
		p.Tick()
	}
}

// RaiseIRQ injects device interrupt irq at a priority below the syscall
// ceiling, so the handler may call into the kernel.
func (p *HostCPU) RaiseIRQ(irq int) {
	p.runISR(true, func() {
		p.sw.IrqRaised(irq)
	})
}

// RunAsISR executes f in interrupt context. With allowed false the interrupt
// priority is above the syscall ceiling and kernel calls are rejected.
func (p *HostCPU) RunAsISR(allowed bool, f func()) {
	p.runISR(allowed, f)
}

// Settle blocks until every task context is parked. After Settle the
// simulated core is idle and kernel state can be inspected or an interrupt
// injected without racing task code.
func (p *HostCPU) Settle() {
	p.mu.Lock()
	for p.busy > 0 || p.isrDepth > 0 {
		p.cond.Wait()
	}
	p.mu.Unlock()
}

func (p *HostCPU) runISR(allowed bool, f func()) {
	p.mu.Lock()
	for p.busy > 0 || p.isrDepth > 0 {
		p.cond.Wait()
	}
	p.isrDepth++
	if !allowed {
		p.isrForbidden++
	}
	p.mu.Unlock()

	f()

	p.mu.Lock()
	if !allowed {
		p.isrForbidden--
	}
	p.isrDepth--
	take := p.pendingSwc && p.started && p.maskCount == 0
	p.mu.Unlock()

	if take {
		p.isrSwitchTail()
	}

	p.mu.Lock()
	p.intGen++
	// A current context parked in WaitForInterrupt resumes; count it busy
	// here, under the same lock, so Settle waits for it.
	if c := p.current; c != nil && !c.runnable && !c.killed {
		c.runnable = true
		c.active = true
		p.busy++
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// isrSwitchTail runs the pended switch on interrupt return, the way PendSV
// tail-chains after SysTick. The interrupted context is parked already
// (quiescence), so the switch runs on the injector's goroutine.
func (p *HostCPU) isrSwitchTail() {
	p.mu.Lock()
	p.pendingSwc = false
	p.inSwitch = true
	var sp uint32
	if p.current != nil {
		sp = p.current.sp
	}
	p.mu.Unlock()

	frame := p.sw.SwitchContext(sp)

	p.mu.Lock()
	p.inSwitch = false
	next := frame.Ctx.(*hostContext)
	next.sp, next.privileged = frame.SP, frame.Privileged
	prev := p.current
	p.current = next
	if next != prev {
		p.unparkLocked(next)
	}
	p.mu.Unlock()
}

// pendSV runs the pended switch on the outgoing context's own goroutine: the
// kernel picks the successor, the successor is resumed, and the outgoing
// context parks until it is scheduled again.
func (p *HostCPU) pendSV(out *hostContext) {
	p.mu.Lock()
	if !p.pendingSwc || p.inSwitch {
		p.mu.Unlock()
		return
	}
	p.pendingSwc = false
	p.inSwitch = true
	sp := out.sp
	// Whether the caller runs on the outgoing context's own goroutine. An
	// embedder thread can trigger the switch with the context parked; then
	// there is nothing to park here.
	onOutgoing := out.active
	p.mu.Unlock()

	frame := p.sw.SwitchContext(sp)

	p.mu.Lock()
	p.inSwitch = false
	next := frame.Ctx.(*hostContext)
	next.sp, next.privileged = frame.SP, frame.Privileged
	p.current = next
	if next != out {
		p.unparkLocked(next)
		if onOutgoing {
			p.parkLocked(out)
		}
	}
	p.mu.Unlock()
}

func (p *HostCPU) unparkLocked(c *hostContext) {
	if c.runnable || c.killed || c.dead {
		return
	}
	c.runnable = true
	c.active = true
	p.busy++
	p.cond.Broadcast()
}

// parkLocked retires the context until the scheduler switches back to it. A
// context killed while parked sleeps until process exit: letting it unwind
// would run deferred mask restores concurrently with the successor.
func (p *HostCPU) parkLocked(c *hostContext) {
	c.runnable = false
	c.active = false
	p.busy--
	p.cond.Broadcast()
	for !c.runnable {
		p.cond.Wait()
	}
	c.active = true
}
