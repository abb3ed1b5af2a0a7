package kernel

import "testing"

func TestMutexLockUnlockRoundTrip(t *testing.T) {
	k, cpu := startedKernel(t)

	m := k.NewMutex(false)
	done := false
	task := NewTask("t", func(task *Task) {
		if res := m.Lock(InfiniteTimeout); res != ResultOk {
			t.Errorf("Lock: %s", res)
		}
		if m.Owner() != task {
			t.Error("owner not set")
		}
		if res := m.Unlock(); res != ResultOk {
			t.Errorf("Unlock: %s", res)
		}
		done = true
		k.Delay(InfiniteTimeout)
	})
	mustAdd(t, k, task, PriorityNormal)
	mustStart(t, k, cpu)

	if !done {
		t.Fatal("task did not finish")
	}
	if m.Owner() != nil {
		t.Fatal("owner survives unlock")
	}
	if task.GetPriority() != PriorityNormal {
		t.Fatalf("priority changed by lock cycle: %d", task.GetPriority())
	}
}

// The classic inversion: L owns the mutex, M preempts L, H blocks on the
// mutex. H's priority must flow to L so L finishes its critical section
// ahead of M, and must revert on unlock.
func TestMutexPriorityInheritance(t *testing.T) {
	k, cpu := startedKernel(t)

	m := k.NewMutex(false)
	var order []string

	l := NewTask("L", func(task *Task) {
		m.Lock(InfiniteTimeout)
		order = append(order, "L:locked")
		// Wait for M and H to pile up.
		cpu.WaitForInterrupt()
		if task.GetPriority() != PriorityHigh {
			t.Errorf("L priority while contended: %d", task.GetPriority())
		}
		order = append(order, "L:critical-done")
		m.Unlock()
		if task.GetPriority() != PriorityLow {
			t.Errorf("L priority after unlock: %d", task.GetPriority())
		}
		order = append(order, "L:after-unlock")
		k.Delay(InfiniteTimeout)
	})
	mid := NewTask("M", func(task *Task) {
		k.Delay(2)
		order = append(order, "M:ran")
		k.Delay(InfiniteTimeout)
	})
	h := NewTask("H", func(task *Task) {
		k.Delay(1)
		order = append(order, "H:locking")
		if res := m.Lock(InfiniteTimeout); res != ResultOk {
			t.Errorf("H Lock: %s", res)
		}
		order = append(order, "H:locked")
		m.Unlock()
		k.Delay(InfiniteTimeout)
	})

	mustAdd(t, k, l, PriorityLow)
	mustAdd(t, k, mid, PriorityBelowNormal)
	mustAdd(t, k, h, PriorityHigh)
	mustStart(t, k, cpu)

	// Tick 1: H wakes, blocks on the mutex, boosts L past M's wake at tick 2.
	cpu.TickN(3)
	cpu.Settle()

	want := []string{
		"L:locked",
		"H:locking",
		"L:critical-done",
		"H:locked",
		"L:after-unlock",
		"M:ran",
	}
	if len(order) != len(want) {
		t.Fatalf("order: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order: %v, want %v", order, want)
		}
	}
	if m.Owner() != nil {
		t.Fatal("mutex still owned")
	}
}

func TestMutexRecursive(t *testing.T) {
	k, cpu := startedKernel(t)

	m := k.NewMutex(true)
	task := NewTask("t", func(task *Task) {
		for i := 0; i < 3; i++ {
			if res := m.Lock(InfiniteTimeout); res != ResultOk {
				t.Errorf("Lock %d: %s", i, res)
			}
		}
		if m.LockCount() != 3 {
			t.Errorf("lock count: %d", m.LockCount())
		}
		if !task.ownedObjs.contains(m) {
			t.Error("owned list misses the mutex")
		}
		if task.ownedObjs.head.nextOwned != nil {
			t.Error("owned list holds more than one entry")
		}

		m.Unlock()
		m.Unlock()
		if m.Owner() != task {
			t.Error("owner dropped before the final unlock")
		}
		m.Unlock()
		if m.Owner() != nil {
			t.Error("owner survives the final unlock")
		}
		k.Delay(InfiniteTimeout)
	})
	mustAdd(t, k, task, PriorityNormal)
	mustStart(t, k, cpu)
}

func TestMutexNestedNonRecursiveLock(t *testing.T) {
	k, cpu := startedKernel(t)

	restore := quietAlarms()
	defer restore()

	m := k.NewMutex(false)
	var res Result
	task := NewTask("t", func(task *Task) {
		m.Lock(InfiniteTimeout)
		res = m.Lock(InfiniteTimeout)
		m.Unlock()
		k.Delay(InfiniteTimeout)
	})
	mustAdd(t, k, task, PriorityNormal)
	mustStart(t, k, cpu)

	if res != ResultErrorInvalidState {
		t.Fatalf("nested lock: %s", res)
	}
	if !sawAlarm(AlarmNestedMutexLock) {
		t.Fatal("expected NestedMutexLock alarm")
	}
}

func TestMutexLockProbeDoesNotTouchPriorities(t *testing.T) {
	k, cpu := startedKernel(t)

	m := k.NewMutex(false)
	var probe Result
	owner := NewTask("owner", func(task *Task) {
		m.Lock(InfiniteTimeout)
		k.Delay(InfiniteTimeout)
	})
	prober := NewTask("prober", func(task *Task) {
		k.Delay(1)
		probe = m.Lock(0)
		k.Delay(InfiniteTimeout)
	})
	mustAdd(t, k, owner, PriorityLow)
	mustAdd(t, k, prober, PriorityHigh)
	mustStart(t, k, cpu)

	cpu.TickN(2)
	cpu.Settle()

	if probe != ResultTimeout {
		t.Fatalf("probe: %s", probe)
	}
	if owner.GetPriority() != PriorityLow {
		t.Fatalf("owner priority after probe: %d", owner.GetPriority())
	}
	if m.isHolding() {
		t.Fatal("probe left a waiter behind")
	}
}

func TestMutexUnlockByNonOwner(t *testing.T) {
	k, cpu := startedKernel(t)

	m := k.NewMutex(false)
	var res Result
	owner := NewTask("owner", func(task *Task) {
		m.Lock(InfiniteTimeout)
		k.Delay(InfiniteTimeout)
	})
	thief := NewTask("thief", func(task *Task) {
		k.Delay(1)
		res = m.Unlock()
		k.Delay(InfiniteTimeout)
	})
	mustAdd(t, k, owner, PriorityNormal)
	mustAdd(t, k, thief, PriorityHigh)
	mustStart(t, k, cpu)

	cpu.TickN(2)
	cpu.Settle()

	if res != ResultErrorInvalidState {
		t.Fatalf("unlock by non-owner: %s", res)
	}
	if m.Owner() != owner {
		t.Fatal("ownership changed")
	}
}

func TestMutexLockTimeoutRevertsPriority(t *testing.T) {
	k, cpu := startedKernel(t)

	m := k.NewMutex(false)
	var res Result
	owner := NewTask("owner", func(task *Task) {
		m.Lock(InfiniteTimeout)
		k.Delay(InfiniteTimeout)
	})
	waiter := NewTask("waiter", func(task *Task) {
		k.Delay(1)
		res = m.Lock(5)
		k.Delay(InfiniteTimeout)
	})
	mustAdd(t, k, owner, PriorityLow)
	mustAdd(t, k, waiter, PriorityHigh)
	mustStart(t, k, cpu)

	cpu.TickN(2)
	cpu.Settle()
	// While the waiter blocks, the owner runs boosted.
	if owner.GetPriority() != PriorityHigh {
		t.Fatalf("owner priority under contention: %d", owner.GetPriority())
	}

	cpu.TickN(6)
	cpu.Settle()

	if res != ResultTimeout {
		t.Fatalf("timed lock: %s", res)
	}
	if owner.GetPriority() != PriorityLow {
		t.Fatalf("owner priority after timeout: %d", owner.GetPriority())
	}
	if m.isHolding() {
		t.Fatal("timed-out waiter still queued")
	}
}

func TestMutexCloseWhileOwned(t *testing.T) {
	k, cpu := startedKernel(t)

	restore := quietAlarms()
	defer restore()

	m := k.NewMutex(false)
	task := NewTask("t", func(task *Task) {
		m.Lock(InfiniteTimeout)
		m.Close()
		if task.ownedObjs.contains(m) {
			t.Error("owned list still references the closed mutex")
		}
		k.Delay(InfiniteTimeout)
	})
	mustAdd(t, k, task, PriorityNormal)
	mustStart(t, k, cpu)

	if !sawAlarm(AlarmOwnedMutexDestroyed) {
		t.Fatal("expected OwnedMutexDestroyed alarm")
	}
	if m.Owner() != nil {
		t.Fatal("owner not detached")
	}
}

func TestMutexOwnerDeletionPassesOwnership(t *testing.T) {
	k, cpu := startedKernel(t)

	m := k.NewMutex(false)
	var locked bool
	owner := NewTask("owner", func(task *Task) {
		m.Lock(InfiniteTimeout)
		k.Delay(InfiniteTimeout)
	})
	waiter := NewTask("waiter", func(task *Task) {
		k.Delay(1)
		if res := m.Lock(InfiniteTimeout); res != ResultOk {
			t.Errorf("Lock after owner deletion: %s", res)
		}
		locked = true
		k.Delay(InfiniteTimeout)
	})
	killer := NewTask("killer", func(task *Task) {
		k.Delay(2)
		if res := k.RemoveTask(owner); res != ResultOk {
			t.Errorf("RemoveTask: %s", res)
		}
		k.Delay(InfiniteTimeout)
	})
	mustAdd(t, k, owner, PriorityNormal)
	mustAdd(t, k, waiter, PriorityBelowNormal)
	mustAdd(t, k, killer, PriorityHigh)
	mustStart(t, k, cpu)

	cpu.TickN(3)
	cpu.Settle()

	if !locked {
		t.Fatal("waiter never acquired the mutex")
	}
	if m.Owner() != waiter {
		t.Fatal("ownership did not pass to the waiter")
	}
}
