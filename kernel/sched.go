package kernel

import "macs/hal"

// Kernel is the scheduler instance: it owns the ready and sleep queues, the
// IRQ-task list, the tick counter and the context-switch machinery for one
// CPU port. Initialize may run long before Start so the tick counter is
// usable during early driver setup.
type Kernel struct {
	port hal.CPU

	curTask    *Task
	workTasks  taskList // ready queue, priority ordered
	sleepTasks taskList // timed-blocked queue, wakeup ordered
	irqTasks   irqRoom

	tickCount uint32

	initialized bool
	started     bool

	pauseFlg   bool
	pauseCnt   uint32
	pendingSwc bool

	usePreemption bool

	clock Clock
	log   eventLog

	svcTable [svcCount]func(*svcFrame) Result
}

// New creates a kernel bound to a CPU port. Call Initialize and Start before
// adding load-bearing tasks, or add them in between: tasks added before
// Start are dispatched when the scheduler starts.
func New(port hal.CPU) *Kernel {
	k := &Kernel{
		port:          port,
		workTasks:     newTaskList(linkSched, priorPreceding),
		sleepTasks:    newTaskList(linkSched, wakeupPreceding),
		usePreemption: true,
	}
	k.initSvcTable()
	return k
}

// Initialize prepares the kernel: it registers with the CPU port, arms the
// MPU mines, programs the tick and adds the idle task. The idle task is the
// safety net keeping the ready queue non-empty.
func (k *Kernel) Initialize() Result {
	if k.port.InInterrupt() {
		return ResultErrorInterruptNotSupported
	}
	if k.initialized {
		return ResultErrorInvalidState
	}

	k.port.Configure(k)
	k.port.InitMPU()

	k.tickCount = 0
	if !k.port.SetTickRate(InitTickRateHz) {
		return ResultErrorInvalidState
	}

	idle := NewTask("IDLE", func(t *Task) {
		for {
			if SleepOnIdle {
				t.k.port.WaitForInterrupt()
			}
		}
	})
	if res := k.AddTask(idle, PriorityIdle, ModePrivileged, MinStackSize); res != ResultOk {
		return res
	}

	k.initialized = true
	return ResultOk
}

// Start dispatches the first task. use_preemption false selects cooperative
// mode: the tick still advances time, but never forces a switch.
//
// On both ports control comes back to the embedder once the first task is
// dispatched; the tasks keep running, and time advances as the port's tick
// source fires.
func (k *Kernel) Start(usePreemption bool) Result {
	if k.port.InInterrupt() {
		return ResultErrorInterruptNotSupported
	}
	if !k.initialized || k.started {
		return ResultErrorInvalidState
	}
	if !k.port.InPrivileged() {
		return ResultErrorInvalidState
	}

	k.usePreemption = usePreemption

	k.selectNextTask()
	k.started = true
	k.curTask.switchCPUTick = k.port.CycleCount()

	k.port.FirstSwitchTo(hal.TaskFrame{
		Ctx:        k.curTask.ctx,
		SP:         k.curTask.stack.top,
		Guard:      k.curTask.stack.margin,
		Privileged: k.curTask.mode == ModePrivileged,
	})
	return ResultOk
}

// IsStarted reports whether the scheduler has dispatched its first task.
func (k *Kernel) IsStarted() bool { return k.started }

// TickCount returns the number of SysTick interrupts since Initialize.
func (k *Kernel) TickCount() uint32 { return k.tickCount }

// WallClock returns the wall-clock accounting service.
func (k *Kernel) WallClock() *Clock { return &k.clock }

// Pause suppresses preemption without masking interrupts. Calls nest; a
// switch requested while paused is taken when the last pause lifts.
func (k *Kernel) Pause(on bool) Result {
	if !k.started {
		return ResultErrorInvalidState
	}

	if !on {
		// Counter updates are safe here: only the paused task can resume.
		if k.pauseCnt == 0 {
			k.alarm(AlarmSchedNotOnPause)
			return ResultErrorInvalidState
		}
		k.pauseCnt--
		if k.pauseCnt == 0 && k.pendingSwc {
			k.clock.OnTick(k.tickCount, k.port.TickRate())
			k.yield()
		}
		return ResultOk
	}

	k.pauseFlg = true // paused by the flag while the counter updates
	k.pauseCnt++
	if k.pauseCnt == 0 {
		k.alarm(AlarmCounterOverflow)
	}
	k.pauseFlg = false
	return ResultOk
}

// CurrentTask returns the running task, or nil before Start.
func (k *Kernel) CurrentTask() *Task {
	return k.curTask
}

// Delay blocks the current task for timeoutMs milliseconds. InfiniteTimeout
// blocks until the task is unblocked explicitly. An elapsed delay returns Ok;
// the task's UnblockReason then reads Timeout.
func (k *Kernel) Delay(timeoutMs uint32) Result {
	if res := k.BlockCurrentTask(timeoutMs, nil); res != ResultTimeout {
		return res
	}
	return ResultOk
}

// CPUDelay burns time without entering the blocked state: the task stays
// Running and keeps its slot against lower-priority tasks. For spots where a
// context switch is unwanted, such as cooperative mode or debugging.
func (k *Kernel) CPUDelay(timeoutMs uint32) {
	ticks := k.msToTicks(timeoutMs)
	start := k.tickCount
	for k.tickCount-start < ticks {
		k.port.WaitForInterrupt()
	}
}

// Yield hands the remainder of the time slice to the next ready task.
func (k *Kernel) Yield() Result {
	if !k.started {
		return ResultErrorInvalidState
	}
	if k.port.InInterrupt() && !k.port.InSysCall() {
		return ResultErrorInterruptNotSupported
	}
	f := &svcFrame{}
	return k.execPrivileged(svcYield, f)
}

func yieldPriv(k *Kernel, _ *svcFrame) Result {
	mask := k.port.DisableIRQ()
	defer k.port.EnableIRQ(mask)

	if k.isContextSwitchRequired() {
		k.tryContextSwitch()
	}
	return ResultOk
}

// yield is the internal variant used where the caller is already privileged.
func (k *Kernel) yield() {
	if !k.started {
		return
	}
	yieldPriv(k, nil)
}

// AddTask activates a task: Inactive becomes Ready, the stack frame is laid
// down, and with preemption on the new task may run immediately if it
// outranks the current one.
func (k *Kernel) AddTask(task *Task, priority Priority, mode Mode, stackLen uint32) Result {
	if k.port.InInterrupt() && !k.port.InSysCall() {
		return ResultErrorInterruptNotSupported
	}
	if task == nil || !isPriorityValid(priority) {
		return ResultErrorInvalidArgs
	}
	if task.state != StateInactive {
		return ResultErrorInvalidState
	}
	if task.alienMem != nil && uint32(len(task.alienMem)) < MinStackSize+stackGuardSize {
		return ResultErrorInvalidArgs
	}

	task.k = k
	task.ctx = k.port.NewTaskContext(func() { k.runTask(task) })
	task.initializeStack(stackLen)
	task.priority = priority
	task.state = StateReady
	task.mode = mode
	if ProfilingEnabled {
		task.mode = ModePrivileged
	}

	return k.execPrivileged(svcAddTask, &svcFrame{task: task})
}

func addTaskPriv(k *Kernel, f *svcFrame) Result {
	mask := k.port.DisableIRQ()
	defer k.port.EnableIRQ(mask)

	k.workTasks.insert(f.task)
	k.logEvent(EventTaskAdded, f.task.name, AlarmNone)

	if k.usePreemption && (k.curTask == nil || f.task.priority > k.curTask.priority) {
		k.yield()
	}
	return ResultOk
}

// AddIrqTask activates an IRQ-handler task: it becomes Blocked and joins the
// IRQ-task list; each occurrence of irqNum runs its handler once.
func (k *Kernel) AddIrqTask(task *IrqTask, irqNum int, priority Priority, mode Mode, stackLen uint32) Result {
	if k.port.InInterrupt() && !k.port.InSysCall() {
		return ResultErrorInterruptNotSupported
	}
	if task == nil || !isPriorityValid(priority) {
		return ResultErrorInvalidArgs
	}
	if task.state != StateInactive {
		return ResultErrorInvalidState
	}

	task.k = k
	task.ctx = k.port.NewTaskContext(func() { k.runTask(&task.Task) })
	task.initializeStack(stackLen)
	k.kassert(task.irqNum == -1)
	task.irqNum = irqNum
	task.priority = priority
	task.state = StateBlocked
	task.mode = mode
	if ProfilingEnabled {
		task.mode = ModePrivileged
	}

	return k.execPrivileged(svcAddTaskIrq, &svcFrame{irqTask: task})
}

func addTaskIrqPriv(k *Kernel, f *svcFrame) Result {
	mask := k.port.DisableIRQ()
	defer k.port.EnableIRQ(mask)

	k.irqTasks.add(f.irqTask)
	return ResultOk
}

// runTask is the body every task context executes: the task function, then
// the exit trampoline that removes the task from the scheduler.
func (k *Kernel) runTask(t *Task) {
	t.execute(t)
	k.RemoveTask(t)
}

// RemoveTask deactivates a task: it leaves whichever queue holds it, detaches
// from every sync object (unlocking owned mutexes) and becomes Inactive.
// A task removing itself triggers an immediate synchronous switch, since its
// stack is about to be reclaimed.
func (k *Kernel) RemoveTask(task *Task) Result {
	if k.port.InInterrupt() && !k.port.InSysCall() {
		return ResultErrorInterruptNotSupported
	}
	if task == nil {
		return ResultErrorInvalidArgs
	}

	// Never run the removal on the victim's own stack once the scheduler is
	// live; the trap handler borrows the main stack instead.
	if k.started {
		f := &svcFrame{task: task}
		k.port.Svc(uint32(svcDeleteTask), f)
		return f.res
	}
	return deleteTaskPriv(k, &svcFrame{task: task})
}

func deleteTaskPriv(k *Kernel, f *svcFrame) Result {
	mask := k.port.DisableIRQ()
	defer k.port.EnableIRQ(mask)

	task := f.task
	if task.state == StateInactive {
		return ResultErrorInvalidState
	}

	suicide := task == k.curTask

	if !suicide {
		k.sleepTasks.remove(task)
		if task.isRunnable() {
			k.workTasks.remove(task)
		}
	}

	task.detachFromSync()

	k.irqTasks.delByTask(task)

	if suicide {
		k.port.RemoveStackMine()
	}

	task.state = StateInactive
	k.logEvent(EventTaskRemoved, task.name, AlarmNone)
	k.port.KillContext(task.ctx)

	if suicide {
		// The outgoing stack may be freed; switch without waiting for the
		// deferred path.
		k.curTask = nil
		k.port.SwitchNow()
	}
	return ResultOk
}

// BlockCurrentTask blocks the running task until unblocked or until the
// timeout elapses. functor, when non-nil, is notified on wake so the owning
// sync object can drop the task from its waiter list.
func (k *Kernel) BlockCurrentTask(timeoutMs uint32, functor UnblockFunctor) Result {
	f := &svcFrame{functor: functor, arg: timeoutMs}
	res := k.execPrivileged(svcBlockCurrentTask, f)
	if res != ResultOk {
		return res
	}
	if k.curTask.unblockReason == UnblockReasonTimeout {
		return ResultTimeout
	}
	return ResultOk
}

func blockCurrentTaskPriv(k *Kernel, f *svcFrame) Result {
	if !k.started {
		return ResultErrorInvalidState
	}
	if k.port.InInterrupt() && !k.port.InSysCall() {
		return ResultErrorInterruptNotSupported
	}

	mask := k.port.DisableIRQ()
	defer k.port.EnableIRQ(mask)

	if !k.curTask.isRunnable() {
		return ResultErrorInvalidState
	}

	// The state check must precede the probe: a bad state is InvalidState,
	// not Timeout.
	timeoutMs := f.arg
	if timeoutMs == 0 {
		if f.functor != nil {
			f.functor.OnUnblockTask(k.curTask, UnblockReasonTimeout)
		}
		return ResultTimeout
	}

	cur := k.curTask
	cur.state = StateBlocked
	cur.unblockReason = UnblockReasonNone
	cur.unblockFunc = f.functor

	if timeoutMs != InfiniteTimeout {
		cur.dreamTicks = k.msToTicks(timeoutMs)
	} else {
		cur.dreamTicks = dreamInfinite
	}
	k.sleepTasks.insert(cur)

	k.tryContextSwitch()
	return ResultOk
}

// UnblockTask releases a blocked task with reason Request. Permitted from
// interrupts at or below the syscall ceiling.
func (k *Kernel) UnblockTask(task *Task) Result {
	if !k.started {
		return ResultErrorInvalidState
	}
	if !k.port.SyscallAllowed() {
		return ResultErrorSysCallNotAllowed
	}
	if task == nil {
		return ResultErrorInvalidArgs
	}
	return k.execPrivileged(svcUnblockTask, &svcFrame{task: task})
}

func unblockTaskPriv(k *Kernel, f *svcFrame) Result {
	mask := k.port.DisableIRQ()
	defer k.port.EnableIRQ(mask)

	// A task unblocked before its timeout may still sit in the sleep queue.
	k.sleepTasks.remove(f.task)

	if !k.unblockTaskInternal(f.task, UnblockReasonRequest) {
		return ResultErrorInvalidState
	}

	if !k.usePreemption {
		return ResultOk
	}
	if k.curTask != nil && k.curTask.priority < f.task.priority {
		k.tryContextSwitch()
	}
	return ResultOk
}

func (k *Kernel) unblockTaskInternal(task *Task, reason UnblockReason) bool {
	if task.state != StateBlocked {
		return false
	}

	task.unblockReason = reason
	task.state = StateReady
	if task != k.curTask {
		k.workTasks.insert(task)
	}

	if task.unblockFunc != nil {
		task.unblockFunc.OnUnblockTask(task, reason)
		task.unblockFunc = nil
	}
	return true
}

// SetTaskPriority changes a task's priority. A ready task is re-inserted to
// keep the queue ordered; with priority inheritance on, the original
// priorities recorded in the task's owned mutexes follow the new value.
func (k *Kernel) SetTaskPriority(task *Task, priority Priority) Result {
	if !k.started {
		return ResultErrorInvalidState
	}
	if k.port.InInterrupt() && !k.port.InSysCall() {
		return ResultErrorInterruptNotSupported
	}
	if task == nil || !isPriorityValid(priority) {
		return ResultErrorInvalidArgs
	}
	return k.execPrivileged(svcSetTaskPriority, &svcFrame{task: task, arg: uint32(priority)})
}

func setTaskPriorityPriv(k *Kernel, f *svcFrame) Result {
	return k.setTaskPriority(f.task, Priority(f.arg), false)
}

// setTaskPriority with internal set skips refreshing the owned mutexes'
// original priorities: the inheritance machinery adjusts the live priority
// without touching what the user asked for.
func (k *Kernel) setTaskPriority(task *Task, priority Priority, internal bool) Result {
	mask := k.port.DisableIRQ()
	defer k.port.EnableIRQ(mask)

	if task.state == StateInactive {
		return ResultErrorInvalidState
	}
	if task.priority == priority {
		return ResultOk
	}

	task.priority = priority

	if task.state == StateReady && task != k.curTask {
		// Remove and re-insert to land at the right position.
		k.workTasks.remove(task)
		k.workTasks.insert(task)
	}

	if UsePriorityInheritance && !internal {
		for m := task.ownedObjs.head; m != nil; m = m.nextOwned {
			m.ownerOriginalPriority = priority
		}
	}

	if k.usePreemption {
		k.yield()
	}
	return ResultOk
}

// ReadCPUTick returns the free-running cycle counter via the privileged
// gate, so unprivileged tasks can use it too.
func (k *Kernel) ReadCPUTick() uint32 {
	f := &svcFrame{}
	k.execPrivileged(svcReadCPUTick, f)
	return f.val
}

func readCPUTickPriv(k *Kernel, f *svcFrame) Result {
	f.val = k.port.CycleCount()
	return ResultOk
}

// GetTasksQty returns the number of tasks in the ready and sleep queues plus
// the running task. An IRQ task that sits in no queue is not counted.
func (k *Kernel) GetTasksQty() int {
	n := k.workTasks.qty() + k.sleepTasks.qty()
	if k.curTask != nil {
		n++
	}
	return n
}

func isPriorityValid(p Priority) bool {
	return p <= PriorityMax
}

func (k *Kernel) msToTicks(ms uint32) uint32 {
	ticks := uint32(uint64(ms) * uint64(k.port.TickRate()) / 1000)
	if ticks == 0 {
		ticks = 1
	}
	return ticks
}

// tryContextSwitch pends the deferred switch; it is taken once every
// critical section unwinds.
func (k *Kernel) tryContextSwitch() {
	k.port.RequestSwitch()
}

// isContextSwitchRequired decides whether switching away from the current
// task would change anything.
func (k *Kernel) isContextSwitchRequired() bool {
	if k.pendingSwc {
		return true
	}
	if k.curTask == nil || k.curTask.state != StateRunning {
		return true
	}
	if cand := k.workTasks.first(); cand != nil && k.curTask.priority <= cand.priority {
		return true
	}
	return false
}

// selectNextTask demotes a still-running current task back to the ready
// queue and promotes the queue front. Only call inside a critical section.
func (k *Kernel) selectNextTask() {
	if k.curTask != nil {
		if k.curTask.state == StateRunning {
			k.curTask.state = StateReady
		}
		if k.curTask.state == StateReady {
			k.workTasks.insert(k.curTask)
		}
	}

	k.curTask = k.workTasks.fetch()
	k.curTask.state = StateRunning
}

// SysTick is the tick interrupt handler. It advances time, wakes expired
// sleepers and reports whether a context switch should follow.
func (k *Kernel) SysTick() bool {
	mask := k.port.DisableIRQ()
	defer k.port.EnableIRQ(mask)

	k.tickCount++

	if k.pauseCnt == 0 {
		k.clock.OnTick(k.tickCount, k.port.TickRate())
	}

	if !k.started {
		return false
	}

	k.sleepTasks.tick()
	for {
		awake := k.sleepTasks.first()
		if awake == nil || awake.dreamTicks != 0 {
			break
		}
		k.sleepTasks.fetch()
		k.unblockTaskInternal(awake, UnblockReasonTimeout)
	}

	if !IrqFastSwitch && k.irqTasks.needActivate() {
		k.irqTasks.activate(k)
	}

	if k.pauseFlg || k.pauseCnt != 0 {
		k.pendingSwc = true
		return false
	}

	if !k.usePreemption {
		return false
	}

	return k.isContextSwitchRequired()
}

// SwitchContext is the deferred-switch handler: it banks the outgoing task's
// stack pointer and CPU time, verifies its stack, selects the successor and
// returns the frame the port restores.
func (k *Kernel) SwitchContext(curSP uint32) hal.TaskFrame {
	mask := k.port.DisableIRQ()
	defer k.port.EnableIRQ(mask)
	k.kassert(!k.pauseFlg && k.pauseCnt == 0)

	k.pendingSwc = false

	if k.curTask != nil {
		k.curTask.runDuration += uint64(k.port.CycleCount() - k.curTask.switchCPUTick)
		k.curTask.stack.top = curSP
		k.checkTaskStack(k.curTask)
	}

	if IrqFastSwitch && k.irqTasks.needActivate() {
		k.irqTasks.activate(k)
	}

	k.selectNextTask()

	k.port.SetStackMine(k.curTask.ctx, k.curTask.stack.margin)
	k.curTask.switchCPUTick = k.port.CycleCount()

	return hal.TaskFrame{
		Ctx:        k.curTask.ctx,
		SP:         k.curTask.stack.top,
		Guard:      k.curTask.stack.margin,
		Privileged: k.curTask.mode == ModePrivileged,
	}
}

// checkTaskStack verifies the outgoing stack and applies the fault policy:
// auto-grow on overflow when configured, otherwise the alarm handler decides
// between killing the task and halting.
func (k *Kernel) checkTaskStack(t *Task) {
	verdict := t.stack.check()
	if verdict == StackOK {
		return
	}

	if verdict == StackOverflow && AutoStackGrow && t.stack.grow() {
		k.alarm(AlarmStackEnlarged)
		return
	}

	var reason AlarmReason
	switch verdict {
	case StackOverflow:
		reason = AlarmStackOverflow
	case StackUnderflow:
		reason = AlarmStackUnderflow
	default:
		reason = AlarmStackCorrupted
	}

	if k.alarm(reason) == ActionKillTask {
		k.sleepTasks.remove(t)
		k.workTasks.remove(t)
		t.detachFromSync()
		t.state = StateInactive
		k.logEvent(EventTaskRemoved, t.name, AlarmNone)
		k.port.KillContext(t.ctx)
		k.curTask = nil
	}
}

// IrqRaised marks the IRQ tasks bound to irq pending. Called by the port
// from the interrupt dispatcher, inside the syscall ceiling.
func (k *Kernel) IrqRaised(irq int) {
	mask := k.port.DisableIRQ()
	defer k.port.EnableIRQ(mask)
	k.irqTasks.proceedIrq(k, irq)
}

// irqRoom holds the IRQ-handler tasks and their pending flags.
type irqRoom struct {
	list  *IrqTask
	event bool
}

func (r *irqRoom) add(t *IrqTask) {
	t.nextIrq = r.list
	r.list = t
}

// delByTask unlinks the IRQ task embedding t, if any.
func (r *irqRoom) delByTask(t *Task) {
	pos := &r.list
	for *pos != nil {
		if &(*pos).Task == t {
			it := *pos
			*pos = it.nextIrq
			it.nextIrq = nil
			return
		}
		pos = &(*pos).nextIrq
	}
}

func (r *irqRoom) needActivate() bool { return r.event }

func (r *irqRoom) proceedIrq(k *Kernel, irq int) {
	for t := r.list; t != nil; t = t.nextIrq {
		if t.irqNum != irq {
			continue
		}
		if t.state == StateBlocked && t.unblockFunc == nil {
			r.event = true
		}
		t.irqUp = true
	}
	if IrqFastSwitch && r.event && k.started {
		k.pendingSwc = true
		k.yield()
	}
}

// activate unblocks every pending IRQ task with reason Irq. Tasks blocked on
// a sync object are skipped until they reach their plain wait.
func (r *irqRoom) activate(k *Kernel) {
	for t := r.list; t != nil; t = t.nextIrq {
		if t.irqUp && t.state == StateBlocked && t.unblockFunc == nil {
			k.sleepTasks.remove(&t.Task)
			k.unblockTaskInternal(&t.Task, UnblockReasonIrq)
			t.irqUp = false
		}
	}
	r.event = false
}
