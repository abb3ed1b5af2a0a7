package kernel

// Wall-clock accounting: the tick handler forwards every tick here unless
// the scheduler is paused, and the per-task CPU time is banked in cycles at
// every context switch.

// Clock accumulates wall time from system ticks.
type Clock struct {
	seconds     uint32
	fracTicks   uint32
	lastSeen    uint32
	initialized bool
}

// OnTick folds one or more elapsed ticks into the wall clock.
func (c *Clock) OnTick(tick uint32, rateHz uint32) {
	if rateHz == 0 {
		return
	}
	if !c.initialized {
		c.lastSeen = tick
		c.initialized = true
		return
	}
	c.fracTicks += tick - c.lastSeen
	c.lastSeen = tick
	for c.fracTicks >= rateHz {
		c.fracTicks -= rateHz
		c.seconds++
	}
}

// Now returns the wall time since start: whole seconds and the millisecond
// remainder.
func (c *Clock) Now(rateHz uint32) (seconds uint32, millis uint32) {
	if rateHz == 0 {
		return c.seconds, 0
	}
	return c.seconds, uint32(uint64(c.fracTicks) * 1000 / uint64(rateHz))
}

// TaskInfo is one row of the task monitor snapshot.
type TaskInfo struct {
	Name       string
	Priority   Priority
	CPUCycles  uint64
	StackLen   uint32
	StackUsage uint32
}

// GetTasksInfo snapshots the running task and the tasks in the ready and
// sleep queues under a scheduler pause, so the lists cannot shift while they
// are walked. An IRQ task that sits in no queue is not listed.
func (k *Kernel) GetTasksInfo() []TaskInfo {
	if k.started {
		k.Pause(true)
		defer k.Pause(false)
	}

	info := make([]TaskInfo, 0, k.GetTasksQty())
	if k.curTask != nil {
		info = append(info, taskInfoOf(k.curTask))
	}
	for t := k.workTasks.first(); t != nil; t = t.nextSched {
		info = append(info, taskInfoOf(t))
	}
	for t := k.sleepTasks.first(); t != nil; t = t.nextSched {
		info = append(info, taskInfoOf(t))
	}
	return info
}

func taskInfoOf(t *Task) TaskInfo {
	return TaskInfo{
		Name:       t.name,
		Priority:   t.priority,
		CPUCycles:  t.runDuration,
		StackLen:   t.stack.Len(),
		StackUsage: t.stack.usage(),
	}
}
