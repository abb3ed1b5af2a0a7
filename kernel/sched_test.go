package kernel

import (
	"testing"

	"macs/hal"
)

func startedKernel(t *testing.T) (*Kernel, *hal.HostCPU) {
	t.Helper()
	cpu := hal.NewHostCPU()
	k := New(cpu)
	if res := k.Initialize(); res != ResultOk {
		t.Fatalf("Initialize: %s", res)
	}
	return k, cpu
}

func mustAdd(t *testing.T, k *Kernel, task *Task, prio Priority) {
	t.Helper()
	if res := k.AddTask(task, prio, ModePrivileged, EnoughStackSize); res != ResultOk {
		t.Fatalf("AddTask(%s): %s", task.Name(), res)
	}
}

func mustStart(t *testing.T, k *Kernel, cpu *hal.HostCPU) {
	t.Helper()
	if res := k.Start(true); res != ResultOk {
		t.Fatalf("Start: %s", res)
	}
	cpu.Settle()
}

func TestInitializeAddsIdleTask(t *testing.T) {
	k, _ := startedKernel(t)
	if n := k.GetTasksQty(); n != 1 {
		t.Fatalf("expected only the idle task, got %d", n)
	}
	if got := k.workTasks.first(); got == nil || got.Name() != "IDLE" {
		t.Fatal("idle task missing from the ready queue")
	}
	if res := k.Initialize(); res != ResultErrorInvalidState {
		t.Fatalf("second Initialize: %s", res)
	}
}

func TestStartDispatchesHighestPriority(t *testing.T) {
	k, cpu := startedKernel(t)

	var ran []string
	lo := NewTask("lo", func(task *Task) {
		ran = append(ran, "lo")
		k.Delay(InfiniteTimeout)
	})
	hi := NewTask("hi", func(task *Task) {
		ran = append(ran, "hi")
		k.Delay(InfiniteTimeout)
	})
	mustAdd(t, k, lo, PriorityLow)
	mustAdd(t, k, hi, PriorityHigh)
	mustStart(t, k, cpu)

	if len(ran) != 2 || ran[0] != "hi" || ran[1] != "lo" {
		t.Fatalf("dispatch order: %v", ran)
	}
	if cur := k.CurrentTask(); cur == nil || cur.Name() != "IDLE" {
		t.Fatal("idle task should run once all tasks block")
	}
}

func TestExactlyOneTaskRunning(t *testing.T) {
	k, cpu := startedKernel(t)

	a := NewTask("a", func(task *Task) {
		for {
			k.Delay(10)
		}
	})
	b := NewTask("b", func(task *Task) {
		for {
			k.Delay(20)
		}
	})
	mustAdd(t, k, a, PriorityNormal)
	mustAdd(t, k, b, PriorityNormal)
	mustStart(t, k, cpu)

	for i := 0; i < 50; i++ {
		cpu.Tick()
		cpu.Settle()

		if cur := k.CurrentTask(); cur == nil || cur.State() != StateRunning {
			t.Fatalf("tick %d: current task not running", i)
		}
		running := 0
		if a.State() == StateRunning {
			running++
		}
		if b.State() == StateRunning {
			running++
		}
		if running > 1 {
			t.Fatalf("tick %d: both tasks running", i)
		}
	}
}

func TestDelayWakeOrdering(t *testing.T) {
	k, cpu := startedKernel(t)

	var woke []string
	delay := func(name string, ms uint32) *Task {
		return NewTask(name, func(task *Task) {
			if res := k.Delay(ms); res != ResultOk {
				t.Errorf("%s: Delay: %s", name, res)
			}
			woke = append(woke, name)
			k.Delay(InfiniteTimeout)
		})
	}

	// Issued in this order, but the wake order follows the deadlines.
	mustAdd(t, k, delay("first", 100), PriorityNormal)
	mustAdd(t, k, delay("second", 50), PriorityNormal)
	mustAdd(t, k, delay("third", 75), PriorityNormal)
	mustStart(t, k, cpu)

	cpu.TickN(120)
	cpu.Settle()

	if len(woke) != 3 || woke[0] != "second" || woke[1] != "third" || woke[2] != "first" {
		t.Fatalf("wake order: %v", woke)
	}
}

func TestDelayWakesWithTimeoutReason(t *testing.T) {
	k, cpu := startedKernel(t)

	var reason UnblockReason
	task := NewTask("sleeper", func(task *Task) {
		k.Delay(10)
		reason = task.UnblockReason()
		k.Delay(InfiniteTimeout)
	})
	mustAdd(t, k, task, PriorityNormal)
	mustStart(t, k, cpu)

	cpu.TickN(11)
	cpu.Settle()

	if reason != UnblockReasonTimeout {
		t.Fatalf("unblock reason: %d", reason)
	}
}

func TestRoundRobinOnTicks(t *testing.T) {
	k, cpu := startedKernel(t)

	counts := map[string]int{}
	spinner := func(name string) *Task {
		return NewTask(name, func(task *Task) {
			for {
				counts[name]++
				cpu.WaitForInterrupt()
			}
		})
	}
	mustAdd(t, k, spinner("a"), PriorityNormal)
	mustAdd(t, k, spinner("b"), PriorityNormal)
	mustStart(t, k, cpu)

	cpu.TickN(20)
	cpu.Settle()

	if counts["a"] == 0 || counts["b"] == 0 {
		t.Fatalf("equal-priority tasks did not share the CPU: %v", counts)
	}
}

func TestYieldMovesEqualPriorityTaskBehindPeers(t *testing.T) {
	k, cpu := startedKernel(t)

	var order []string
	a := NewTask("a", func(task *Task) {
		order = append(order, "a1")
		k.Yield()
		order = append(order, "a2")
		k.Delay(InfiniteTimeout)
	})
	b := NewTask("b", func(task *Task) {
		order = append(order, "b")
		k.Delay(InfiniteTimeout)
	})
	mustAdd(t, k, a, PriorityNormal)
	mustAdd(t, k, b, PriorityNormal)
	mustStart(t, k, cpu)

	want := []string{"a1", "b", "a2"}
	if len(order) != len(want) {
		t.Fatalf("order: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order: %v", order)
		}
	}
}

func TestSetPriorityReordersReadyQueue(t *testing.T) {
	k, cpu := startedKernel(t)

	var order []string
	note := func(name string) *Task {
		return NewTask(name, func(task *Task) {
			order = append(order, name)
			k.Delay(InfiniteTimeout)
		})
	}
	a := note("a")
	b := note("b")

	boss := NewTask("boss", func(task *Task) {
		if res := k.SetTaskPriority(b, PriorityAboveNormal); res != ResultOk {
			t.Errorf("SetTaskPriority: %s", res)
		}
		k.Delay(InfiniteTimeout)
	})
	mustAdd(t, k, a, PriorityNormal)
	mustAdd(t, k, b, PriorityNormal)
	mustAdd(t, k, boss, PriorityHigh)
	mustStart(t, k, cpu)

	if len(order) != 2 || order[0] != "b" || order[1] != "a" {
		t.Fatalf("order after priority change: %v", order)
	}
}

func TestSetPrioritySameValueIsNoOp(t *testing.T) {
	k, cpu := startedKernel(t)

	task := NewTask("t", func(task *Task) {
		k.Delay(InfiniteTimeout)
	})
	mustAdd(t, k, task, PriorityNormal)
	mustStart(t, k, cpu)

	if res := k.SetTaskPriority(task, PriorityNormal); res != ResultOk {
		t.Fatalf("SetTaskPriority: %s", res)
	}
	if task.GetPriority() != PriorityNormal {
		t.Fatalf("priority changed: %d", task.GetPriority())
	}
}

func TestPauseDefersPreemption(t *testing.T) {
	k, cpu := startedKernel(t)

	var order []string
	lo := NewTask("lo", func(task *Task) {
		k.Pause(true)
		order = append(order, "paused")
		// The tick injected below wakes hi, but must not preempt us while
		// the pause holds.
		cpu.WaitForInterrupt()
		order = append(order, "still-lo")
		k.Pause(false)
		order = append(order, "resumed")
		k.Delay(InfiniteTimeout)
	})
	hi := NewTask("hi", func(task *Task) {
		if res := k.Delay(1); res != ResultOk {
			t.Errorf("Delay: %s", res)
		}
		order = append(order, "hi")
		k.Delay(InfiniteTimeout)
	})
	mustAdd(t, k, lo, PriorityLow)
	mustAdd(t, k, hi, PriorityHigh)
	mustStart(t, k, cpu)

	cpu.Tick()
	cpu.Settle()

	want := []string{"paused", "still-lo", "hi", "resumed"}
	if len(order) != len(want) {
		t.Fatalf("order: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order: %v", order)
		}
	}
}

func TestPauseResumeWithoutPause(t *testing.T) {
	k, cpu := startedKernel(t)

	restore := quietAlarms()
	defer restore()

	var res Result
	task := NewTask("t", func(task *Task) {
		res = k.Pause(false)
		k.Delay(InfiniteTimeout)
	})
	mustAdd(t, k, task, PriorityNormal)
	mustStart(t, k, cpu)

	if res != ResultErrorInvalidState {
		t.Fatalf("resume without pause: %s", res)
	}
	if !sawAlarm(AlarmSchedNotOnPause) {
		t.Fatal("expected SchedNotOnPause alarm")
	}
}

func TestRemoveSelfSwitchesImmediately(t *testing.T) {
	k, cpu := startedKernel(t)

	var after []string
	quit := NewTask("quit", func(task *Task) {
		after = append(after, "quit")
		// Returning removes the task via the exit trampoline.
	})
	witness := NewTask("witness", func(task *Task) {
		after = append(after, "witness")
		k.Delay(InfiniteTimeout)
	})
	mustAdd(t, k, quit, PriorityHigh)
	mustAdd(t, k, witness, PriorityNormal)
	mustStart(t, k, cpu)

	if quit.State() != StateInactive {
		t.Fatalf("exited task state: %d", quit.State())
	}
	if len(after) != 2 || after[0] != "quit" || after[1] != "witness" {
		t.Fatalf("order: %v", after)
	}
	if n := k.GetTasksQty(); n != 2 { // witness + idle
		t.Fatalf("task count after exit: %d", n)
	}
}

func TestRemoveOtherTaskDetachesEverywhere(t *testing.T) {
	k, cpu := startedKernel(t)

	sem := k.NewSemaphore(0, 1)
	victim := NewTask("victim", func(task *Task) {
		sem.Wait(InfiniteTimeout)
	})
	killer := NewTask("killer", func(task *Task) {
		k.Delay(5)
		if res := k.RemoveTask(victim); res != ResultOk {
			t.Errorf("RemoveTask: %s", res)
		}
		k.Delay(InfiniteTimeout)
	})
	mustAdd(t, k, victim, PriorityNormal)
	mustAdd(t, k, killer, PriorityHigh)
	mustStart(t, k, cpu)

	cpu.TickN(6)
	cpu.Settle()

	if victim.State() != StateInactive {
		t.Fatalf("victim state: %d", victim.State())
	}
	if sem.isHolding() {
		t.Fatal("victim still on the semaphore waiter list")
	}
	if k.sleepTasks.contains(victim) || k.workTasks.contains(victim) {
		t.Fatal("victim still in a scheduler queue")
	}
	if res := k.RemoveTask(victim); res != ResultErrorInvalidState {
		t.Fatalf("double remove: %s", res)
	}
}

func TestIrqTaskRunsOncePerInterrupt(t *testing.T) {
	k, cpu := startedKernel(t)

	const irqNum = 7
	fired := 0
	it := NewIrqTask("uart", func(task *IrqTask) {
		fired++
	})
	if res := k.AddIrqTask(it, irqNum, PriorityHigh, ModePrivileged, EnoughStackSize); res != ResultOk {
		t.Fatalf("AddIrqTask: %s", res)
	}
	mustStart(t, k, cpu)

	if it.State() != StateBlocked {
		t.Fatalf("irq task initial state: %d", it.State())
	}
	if it.IrqNum() != irqNum {
		t.Fatalf("irq number: %d", it.IrqNum())
	}

	cpu.RaiseIRQ(irqNum)
	cpu.Tick() // activation happens at the next tick
	cpu.Settle()
	if fired != 1 {
		t.Fatalf("handler runs after first irq: %d", fired)
	}

	cpu.Tick()
	cpu.Settle()
	if fired != 1 {
		t.Fatalf("handler must not rerun without an irq: %d", fired)
	}

	cpu.RaiseIRQ(irqNum)
	cpu.Tick()
	cpu.Settle()
	if fired != 2 {
		t.Fatalf("handler runs per irq: %d", fired)
	}
}

// Cooperative mode: the tick keeps time but never forces a switch; control
// moves only on explicit yields and blocking calls.
func TestCooperativeModeSwitchesOnYieldOnly(t *testing.T) {
	k, cpu := startedKernel(t)

	var order []string
	a := NewTask("a", func(task *Task) {
		for i := 0; i < 3; i++ {
			order = append(order, "a")
			cpu.WaitForInterrupt()
		}
		k.Yield()
		order = append(order, "a-after-yield")
		k.Delay(InfiniteTimeout)
	})
	b := NewTask("b", func(task *Task) {
		order = append(order, "b")
		k.Delay(InfiniteTimeout)
	})
	mustAdd(t, k, a, PriorityNormal)
	mustAdd(t, k, b, PriorityNormal)

	if res := k.Start(false); res != ResultOk {
		t.Fatalf("Start: %s", res)
	}
	cpu.Settle()

	// Three ticks wake a's waits, but must never hand the CPU to b.
	cpu.TickN(3)
	cpu.Settle()

	want := []string{"a", "a", "a", "b", "a-after-yield"}
	if len(order) != len(want) {
		t.Fatalf("order: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order: %v, want %v", order, want)
		}
	}
}

func TestTickCountAdvancesBeforeStart(t *testing.T) {
	k, cpu := startedKernel(t)

	cpu.TickN(5)
	if k.TickCount() != 5 {
		t.Fatalf("tick count: %d", k.TickCount())
	}
}

func TestMsToTicksTruncatesAndClamps(t *testing.T) {
	k, _ := startedKernel(t)

	if got := k.msToTicks(100); got != 100 { // 1000 Hz
		t.Fatalf("100ms: %d ticks", got)
	}
	if got := k.msToTicks(0); got != 1 {
		t.Fatalf("0ms must clamp to one tick, got %d", got)
	}
}

func TestGetTasksInfoSnapshot(t *testing.T) {
	k, cpu := startedKernel(t)

	worker := NewTask("worker", func(task *Task) {
		for {
			k.Delay(10)
		}
	})
	mustAdd(t, k, worker, PriorityNormal)
	mustStart(t, k, cpu)
	cpu.TickN(15)
	cpu.Settle()

	info := k.GetTasksInfo()
	if len(info) != 2 {
		t.Fatalf("rows: %d", len(info))
	}
	found := false
	for _, row := range info {
		if row.Name == "worker" {
			found = true
			if row.StackLen == 0 || row.StackUsage == 0 {
				t.Fatalf("stack columns empty: %+v", row)
			}
		}
	}
	if !found {
		t.Fatal("worker missing from snapshot")
	}
}

func TestStackOverflowKillsTaskWhenHandlerSaysSo(t *testing.T) {
	k, cpu := startedKernel(t)

	restore := quietAlarms()
	defer restore()
	SetAlarmHandler(func(reason AlarmReason) AlarmAction {
		recordAlarm(reason)
		if reason == AlarmStackCorrupted || reason == AlarmStackOverflow {
			return ActionKillTask
		}
		return ActionContinue
	})

	hog := NewTask("hog", func(task *Task) {
		// Scribble over the guard word, as runaway stack growth would.
		task.stack.mem[task.stack.margin] = 0
		for {
			k.Delay(1)
		}
	})
	mustAdd(t, k, hog, PriorityNormal)
	mustStart(t, k, cpu)

	cpu.TickN(3)
	cpu.Settle()

	if hog.State() != StateInactive {
		t.Fatalf("hog state after corruption: %d", hog.State())
	}
	if !sawAlarm(AlarmStackCorrupted) {
		t.Fatal("expected StackCorrupted alarm")
	}
	// The scheduler keeps running on the idle task.
	cpu.Tick()
	cpu.Settle()
	if cur := k.CurrentTask(); cur == nil || cur.Name() != "IDLE" {
		t.Fatal("scheduler did not recover onto the idle task")
	}
}
