package kernel

// Build-time tunables. The defaults match the reference configuration; a
// port changes them here rather than scattering magic numbers.

const (
	// InitTickRateHz is the SysTick frequency programmed at Initialize.
	InitTickRateHz = 1000

	// MaxTaskPriority is the numerical priority ceiling.
	MaxTaskPriority = 100

	// IrqFastSwitch activates pending IRQ tasks inside the context switch
	// instead of waiting for the next tick.
	IrqFastSwitch = false

	// SleepOnIdle makes the idle task enter the low-power wait on every
	// iteration.
	SleepOnIdle = true
)

var (
	// UsePriorityInheritance enables raising a mutex owner's priority to the
	// highest-priority waiter on any of its owned mutexes.
	UsePriorityInheritance = true

	// WatchStack fills a task's free stack with the guard pattern when the
	// task is added, enabling watermark usage measurement.
	WatchStack = true

	// AutoStackGrow enlarges a task's stack and retries when an overflow is
	// detected at a context switch.
	AutoStackGrow = false

	// ProfilingEnabled forces every task privileged so cycle-count
	// instrumentation can read the hardware counters directly.
	ProfilingEnabled = false
)
