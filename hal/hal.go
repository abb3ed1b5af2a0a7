package hal

import "errors"

// Logger writes newline-delimited log lines.
type Logger interface {
	WriteLineString(s string)
	WriteLineBytes(b []byte)
}

// LED is a minimal output pin abstraction.
type LED interface {
	High()
	Low()
}

var ErrNotImplemented = errors.New("not implemented")

// PrevMask is the saved interrupt-mask state returned by CPU.DisableIRQ and
// restored by CPU.EnableIRQ. Critical sections nest by saving and restoring it.
type PrevMask uint32

// TaskContext is an opaque per-port execution context for one task.
type TaskContext interface {
	// FrameWords returns the code-reference words placed into the task's
	// initial exception frame: the entry PC, the exit-trampoline LR and the
	// R0 argument word.
	FrameWords() (pc, lr, r0 uint32)
}

// TaskFrame describes the task a CPU port switches to.
//
// SP and Guard are word offsets from the task's stack base; a hardware port
// translates them to addresses, the host port keeps them as indices.
type TaskFrame struct {
	Ctx        TaskContext
	SP         uint32
	Guard      uint32
	Privileged bool
}

// Switcher is the kernel side of the CPU contract. The port invokes it from
// the SysTick handler, the PendSV-style switch handler, the SVC handler and
// device interrupts routed to IRQ tasks.
type Switcher interface {
	// SysTick advances kernel time. It reports whether a context switch
	// should be performed on return from the tick interrupt.
	SysTick() bool

	// SwitchContext saves curSP into the outgoing task and returns the frame
	// of the next task to run. Called with interrupts masked.
	SwitchContext(curSP uint32) TaskFrame

	// Svc dispatches a trapped system call in privileged mode.
	Svc(op uint32, frame any)

	// IrqRaised marks IRQ-handler tasks bound to irq as pending.
	IrqRaised(irq int)
}

// CPU is the platform port the kernel runs on: interrupt masking up to the
// syscall ceiling, deferred context switching, SVC-gated privileged entry,
// the system tick, MPU stack mines and the cycle counter.
type CPU interface {
	// Configure registers the kernel with the port. Must be called before
	// any other method.
	Configure(sw Switcher)

	// DisableIRQ masks interrupts at or below the syscall ceiling and
	// returns the previous mask so critical sections can nest.
	DisableIRQ() PrevMask
	EnableIRQ(prev PrevMask)

	InInterrupt() bool
	InPrivileged() bool
	InSysCall() bool

	// SyscallAllowed reports whether kernel calls are permitted: thread
	// mode, the SVC handler, or an interrupt at or below the ceiling.
	SyscallAllowed() bool

	// RequestSwitch pends a context switch that is taken once every
	// critical section has unwound.
	RequestSwitch()

	// SwitchNow switches synchronously. Only used when the current task has
	// deleted itself and its stack is about to be freed.
	SwitchNow()

	// FirstSwitchTo enters the first task from the startup stack.
	FirstSwitchTo(f TaskFrame)

	// NewTaskContext creates the execution context for a task body.
	NewTaskContext(run func()) TaskContext
	KillContext(ctx TaskContext)

	// WaitForInterrupt idles the core until the next interrupt.
	WaitForInterrupt()

	// SetTickRate programs the system tick. It reports false when the rate
	// is unrepresentable on this core.
	SetTickRate(hz uint32) bool
	TickRate() uint32

	// CycleCount returns the free-running CPU cycle counter, or 0 on cores
	// without one.
	CycleCount() uint32

	// Svc traps into the port's supervisor call handler, which calls back
	// Switcher.Svc in privileged mode.
	Svc(op uint32, frame any)

	// InitMPU arms the null-page mine and the main-stack mine.
	InitMPU()
	// SetStackMine re-arms the process-stack mine just below the stack
	// margin of the incoming task. guard is a word offset, as in TaskFrame.
	SetStackMine(ctx TaskContext, guard uint32)
	RemoveStackMine()

	// Crash halts the system. reason is a kernel alarm code.
	Crash(reason uint32)
}

// Allocator is the heap collaborator contract. Implementations must be safe
// to call with the scheduler paused and wipe freed blocks when configured to.
type Allocator interface {
	Allocate(size int) []byte
	Deallocate(b []byte)
}

// Serial is a byte-stream port (UART on hardware, stdio on the host).
type Serial interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// PixelFormat defines the framebuffer pixel encoding.
type PixelFormat uint8

const (
	// PixelFormatRGB565 is 16bpp: rrrrrggggggbbbbb.
	PixelFormatRGB565 PixelFormat = iota + 1
)

// Framebuffer is a simple pixel buffer plus a "present" hook.
type Framebuffer interface {
	Width() int
	Height() int
	Format() PixelFormat
	StrideBytes() int
	Buffer() []byte
	ClearRGB(r, g, b uint8)
	Present() error
}

// KeyCode is a minimal key identifier.
type KeyCode uint16

const (
	KeyUnknown KeyCode = iota
	KeyUp
	KeyDown
	KeyLeft
	KeyRight
	KeyEnter
	KeyEscape
	KeyBackspace
	KeyTab
)

// KeyEvent is a keyboard event.
type KeyEvent struct {
	Code  KeyCode
	Press bool
	Rune  rune
}

// Keyboard provides key events (best-effort on each platform).
type Keyboard interface {
	Events() <-chan KeyEvent
}

// Display provides access to the framebuffer (if available).
type Display interface {
	Framebuffer() Framebuffer
}

// Input provides access to input devices (if available).
type Input interface {
	Keyboard() Keyboard
}

// Time provides the base tick stream that drives the kernel SysTick on ports
// without a hardware timer interrupt of their own.
type Time interface {
	Ticks() <-chan uint64
}

// HAL provides the only contact point between the kernel and the board.
type HAL interface {
	CPU() CPU
	Logger() Logger
	LED() LED
	Display() Display
	Input() Input
	Serial() Serial
	Time() Time
	Alloc() Allocator
}
