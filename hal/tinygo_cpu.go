//go:build tinygo && baremetal

package hal

import (
	"runtime/volatile"
	"sync"
	"unsafe"

	"device/arm"
	"machine"
)

// Cortex-M system blocks the port touches directly. Registers the TinyGo
// device package does not export are mapped here.
type systemControlSpace struct {
	CPUID volatile.Register32
	ICSR  volatile.Register32
	VTOR  volatile.Register32
	AIRCR volatile.Register32
	SCR   volatile.Register32
	CCR   volatile.Register32
	SHPR1 volatile.Register32
	SHPR2 volatile.Register32
	SHPR3 volatile.Register32
	SHCSR volatile.Register32
}

type sysTickBlock struct {
	CSR   volatile.Register32
	RVR   volatile.Register32
	CVR   volatile.Register32
	CALIB volatile.Register32
}

type mpuBlock struct {
	TYPE volatile.Register32
	CTRL volatile.Register32
	RNR  volatile.Register32
	RBAR volatile.Register32
	RASR volatile.Register32
}

type dwtBlock struct {
	CTRL   volatile.Register32
	CYCCNT volatile.Register32
}

var (
	scs = (*systemControlSpace)(unsafe.Pointer(uintptr(0xE000ED00)))
	syt = (*sysTickBlock)(unsafe.Pointer(uintptr(0xE000E010)))
	mpu = (*mpuBlock)(unsafe.Pointer(uintptr(0xE000ED90)))
	dwt = (*dwtBlock)(unsafe.Pointer(uintptr(0xE0001000)))
)

const (
	icsrPendSVSet = 1 << 28

	mpuCtrlEnable     = 1 << 0
	mpuCtrlPrivDefEna = 1 << 2
	mpuRegionEnable   = 1 << 0
	// Minimum-size (32-byte) region, no access from any mode.
	mpuRasrMine = mpuRegionEnable | (4 << 1)

	mpuRegionNullPage  = 0
	mpuRegionMainStack = 1
	mpuRegionProcStack = 2

	dwtCtrlCycCntEna = 1 << 0
)

// CortexMCPU is the bare-metal port: the interrupt mask is PRIMASK, the
// deferred switch is the real PendSV pend bit, the tick comes from a
// goroutine sleeping on the TinyGo timer, and the MPU mines are hardware
// regions. Task bodies run on TinyGo
// goroutines gated the same way as on the host port, so the scheduler
// semantics match across ports.
type CortexMCPU struct {
	mu   sync.Mutex
	cond *sync.Cond

	sw Switcher

	maskCount    int
	primask      uintptr
	inSwitch     bool
	isrDepth     int
	isrForbidden int
	svcDepth     int
	intGen       uint64

	current   *cortexMContext
	busy      int
	started   bool
	nextCtxID uint32

	tickRate uint32
}

// NewCortexMCPU returns the bare-metal CPU port.
func NewCortexMCPU() *CortexMCPU {
	p := &CortexMCPU{tickRate: 1000}
	p.cond = sync.NewCond(&p.mu)
	return p
}

type cortexMContext struct {
	cpu *CortexMCPU
	id  uint32
	run func()

	sp         uint32
	privileged bool

	runnable bool
	active   bool
	killed   bool
	dead     bool
}

func (c *cortexMContext) FrameWords() (pc, lr, r0 uint32) {
	base := 0x0800_0000 + c.id*0x40
	return base | 1, (base + 0x20) | 1, 0x2000_0000 + c.id*0x100
}

func (p *CortexMCPU) Configure(sw Switcher) {
	p.mu.Lock()
	p.sw = sw
	p.mu.Unlock()

	dwt.CTRL.SetBits(dwtCtrlCycCntEna)
}

func (p *CortexMCPU) DisableIRQ() PrevMask {
	primask := arm.DisableInterrupts()
	p.mu.Lock()
	prev := PrevMask(p.maskCount)
	if p.maskCount == 0 {
		p.primask = primask
	}
	p.maskCount++
	p.mu.Unlock()
	return prev
}

func (p *CortexMCPU) EnableIRQ(prev PrevMask) {
	p.mu.Lock()
	p.maskCount = int(prev)
	release := p.maskCount == 0
	primask := p.primask
	take := release && p.pendSVPending() && !p.inSwitch &&
		p.isrDepth == 0 && p.svcDepth == 0 && p.started
	cur := p.current
	p.mu.Unlock()

	if release {
		arm.EnableInterrupts(primask)
	}
	if take && cur != nil {
		p.pendSV(cur)
	}
}

func (p *CortexMCPU) pendSVPending() bool {
	return scs.ICSR.HasBits(icsrPendSVSet)
}

func (p *CortexMCPU) InInterrupt() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isrDepth > 0 || p.svcDepth > 0
}

func (p *CortexMCPU) InPrivileged() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isrDepth > 0 || p.svcDepth > 0 || p.current == nil {
		return true
	}
	return p.current.privileged
}

func (p *CortexMCPU) InSysCall() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.svcDepth > 0
}

func (p *CortexMCPU) SyscallAllowed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isrForbidden == 0
}

func (p *CortexMCPU) RequestSwitch() {
	scs.ICSR.SetBits(icsrPendSVSet)
}

func (p *CortexMCPU) SwitchNow() {
	p.mu.Lock()
	p.inSwitch = true
	p.mu.Unlock()
	frame := p.sw.SwitchContext(0)
	p.mu.Lock()
	p.inSwitch = false
	scs.ICSR.ClearBits(icsrPendSVSet)
	p.maskCount = 0
	p.svcDepth = 0
	next := frame.Ctx.(*cortexMContext)
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

func (p *CortexMCPU) FirstSwitchTo(f TaskFrame) {
	p.mu.Lock()
	ctx := f.Ctx.(*cortexMContext)
	ctx.sp, ctx.privileged = f.SP, f.Privileged
	p.current = ctx
	p.started = true
	scs.ICSR.ClearBits(icsrPendSVSet)
	p.unparkLocked(ctx)
	p.mu.Unlock()

	go p.tickPump()
}

// tickPump turns the TinyGo timer stream into kernel SysTicks. The timer is
// itself interrupt-driven, so cadence follows the hardware clock.
func (p *CortexMCPU) tickPump() {
	for {
		waitTick(p.tickRate)
		p.runISR(true, func() {
			if p.sw.SysTick() {
				p.RequestSwitch()
			}
		})
	}
}

func (p *CortexMCPU) NewTaskContext(run func()) TaskContext {
	p.mu.Lock()
	p.nextCtxID++
	c := &cortexMContext{cpu: p, id: p.nextCtxID, run: run}
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

func (p *CortexMCPU) KillContext(ctx TaskContext) {
	c := ctx.(*cortexMContext)
	p.mu.Lock()
	c.killed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *CortexMCPU) WaitForInterrupt() {
	p.mu.Lock()
	c := p.current
	if c == nil {
		p.mu.Unlock()
		arm.Asm("wfi")
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

func (p *CortexMCPU) SetTickRate(hz uint32) bool {
	if hz == 0 {
		return false
	}
	reload := machine.CPUFrequency() / hz
	if reload == 0 || reload > 0x0100_0000 {
		return false
	}
	syt.RVR.Set(reload - 1)
	syt.CVR.Set(0)
	p.mu.Lock()
	p.tickRate = hz
	p.mu.Unlock()
	return true
}

func (p *CortexMCPU) TickRate() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tickRate
}

func (p *CortexMCPU) CycleCount() uint32 {
	return dwt.CYCCNT.Get()
}

func (p *CortexMCPU) Svc(op uint32, frame any) {
	p.mu.Lock()
	p.svcDepth++
	p.mu.Unlock()

	p.sw.Svc(op, frame)

	p.mu.Lock()
	p.svcDepth--
	take := p.pendSVPending() && !p.inSwitch && p.maskCount == 0 &&
		p.isrDepth == 0 && p.svcDepth == 0 && p.started
	cur := p.current
	p.mu.Unlock()
	if take && cur != nil {
		p.pendSV(cur)
	}
}

func (p *CortexMCPU) InitMPU() {
	if mpu.TYPE.Get()>>8&0xFF == 0 {
		return // no MPU on this core
	}
	// Region 0: the null-page mine, denying the zero address.
	mpu.RNR.Set(mpuRegionNullPage)
	mpu.RBAR.Set(0)
	mpu.RASR.Set(mpuRasrMine)
	// Region 1: the main-stack mine, just below the scheduler stack.
	mpu.RNR.Set(mpuRegionMainStack)
	mpu.RBAR.Set(mainStackBottom() &^ 0x1F)
	mpu.RASR.Set(mpuRasrMine)
	mpu.CTRL.Set(mpuCtrlEnable | mpuCtrlPrivDefEna)
}

func (p *CortexMCPU) SetStackMine(ctx TaskContext, guard uint32) {
	if mpu.TYPE.Get()>>8&0xFF == 0 {
		return
	}
	c := ctx.(*cortexMContext)
	addr := (0x2000_0000 + c.id*0x100 + guard*4) &^ 0x1F
	mpu.RNR.Set(mpuRegionProcStack)
	mpu.RBAR.Set(addr)
	mpu.RASR.Set(mpuRasrMine)
}

func (p *CortexMCPU) RemoveStackMine() {
	if mpu.TYPE.Get()>>8&0xFF == 0 {
		return
	}
	mpu.RNR.Set(mpuRegionProcStack)
	mpu.RASR.Set(0)
}

func (p *CortexMCPU) Crash(reason uint32) {
	arm.DisableInterrupts()
	for {
		arm.Asm("bkpt")
	}
}

func (p *CortexMCPU) runISR(allowed bool, f func()) {
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
	take := p.pendSVPending() && p.started && p.maskCount == 0
	p.mu.Unlock()

	if take {
		p.isrSwitchTail()
	}

	p.mu.Lock()
	p.intGen++
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *CortexMCPU) isrSwitchTail() {
	p.mu.Lock()
	scs.ICSR.ClearBits(icsrPendSVSet)
	p.inSwitch = true
	var sp uint32
	if p.current != nil {
		sp = p.current.sp
	}
	p.mu.Unlock()

	frame := p.sw.SwitchContext(sp)

	p.mu.Lock()
	p.inSwitch = false
	next := frame.Ctx.(*cortexMContext)
	next.sp, next.privileged = frame.SP, frame.Privileged
	prev := p.current
	p.current = next
	if next != prev {
		p.unparkLocked(next)
	}
	p.mu.Unlock()
}

func (p *CortexMCPU) pendSV(out *cortexMContext) {
	p.mu.Lock()
	if !p.pendSVPending() || p.inSwitch {
		p.mu.Unlock()
		return
	}
	scs.ICSR.ClearBits(icsrPendSVSet)
	p.inSwitch = true
	sp := out.sp
	onOutgoing := out.active
	p.mu.Unlock()

	frame := p.sw.SwitchContext(sp)

	p.mu.Lock()
	p.inSwitch = false
	next := frame.Ctx.(*cortexMContext)
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

func (p *CortexMCPU) unparkLocked(c *cortexMContext) {
	if c.runnable || c.killed || c.dead {
		return
	}
	c.runnable = true
	c.active = true
	p.busy++
	p.cond.Broadcast()
}

func (p *CortexMCPU) parkLocked(c *cortexMContext) {
	c.runnable = false
	c.active = false
	p.busy--
	p.cond.Broadcast()
	for !c.runnable {
		p.cond.Wait()
	}
	c.active = true
}
