package kernel

// Mutex is a sync object with exactly one owner at a time. Tasks that fail
// to take it block until it is released; releasing with waiters present
// hands ownership straight to the highest-priority one. With priority
// inheritance enabled a waiting task raises the owner's live priority, so a
// low-priority owner cannot be starved out of its critical section by
// middle-priority tasks.
type Mutex struct {
	syncObject

	owner     *Task
	lockCnt   uint8
	recursive bool

	// ownerOriginalPriority is what the owner's priority reverts to once it
	// releases its mutexes; inheritance adjusts the live priority only.
	ownerOriginalPriority Priority

	nextOwned *Mutex // link in the owner's owned-mutex list
}

// NewMutex creates an unowned mutex. A recursive mutex may be re-locked by
// its owner, with a matching number of unlocks.
func (k *Kernel) NewMutex(recursive bool) *Mutex {
	m := &Mutex{recursive: recursive}
	m.init(k)
	return m
}

// Owner returns the owning task, or nil.
func (m *Mutex) Owner() *Task { return m.owner }

// LockCount returns the recursion depth of the current ownership.
func (m *Mutex) LockCount() int { return int(m.lockCnt) }

// Close ends the mutex's lifetime. Destroying an owned or contended mutex is
// a diagnostic; the owner and all waiters are force-detached.
func (m *Mutex) Close() {
	if m.owner != nil {
		m.k.alarm(AlarmOwnedMutexDestroyed)
		m.owner.removeOwnedSync(m)
		m.owner = nil
	}
	if m.isHolding() {
		m.k.alarm(AlarmBlockingMutexDestroyed)
		m.dropLinks()
	}
}

// Lock acquires the mutex, blocking up to timeoutMs milliseconds when it is
// owned by another task. timeoutMs 0 probes without blocking.
func (m *Mutex) Lock(timeoutMs uint32) Result {
	if m.k.port.InInterrupt() {
		return ResultErrorInterruptNotSupported
	}

	res := m.k.execPrivileged(svcMutexLock, &svcFrame{obj: m, arg: timeoutMs})
	if res != ResultOk {
		return res
	}
	if m.k.CurrentTask().unblockReason == UnblockReasonTimeout {
		return ResultTimeout
	}
	return ResultOk
}

func mutexLockPriv(m *Mutex, timeoutMs uint32) Result {
	k := m.k
	mask := k.port.DisableIRQ()
	defer k.port.EnableIRQ(mask)

	curTask := k.CurrentTask()
	if m.owner == curTask {
		if curTask == nil { // lock attempt outside any task context
			return ResultErrorInvalidState
		}
		if !m.recursive {
			k.alarm(AlarmNestedMutexLock)
			return ResultErrorInvalidState
		}

		k.kassert(m.lockCnt > 0)
		if m.lockCnt == ^uint8(0) {
			k.alarm(AlarmCounterOverflow)
			return ResultErrorInvalidState
		}
		m.lockCnt++
		curTask.unblockReason = UnblockReasonNone
		return ResultOk
	}

	if m.owner == nil {
		m.owner = curTask
		if UsePriorityInheritance {
			// A task that already owns mutexes may be running boosted; the
			// head of its owned list remembers what to revert to.
			if head := curTask.ownedObjs.head; head != nil {
				m.ownerOriginalPriority = head.ownerOriginalPriority
			} else {
				m.ownerOriginalPriority = curTask.priority
			}
		}
		curTask.addOwnedSync(m)

		k.kassert(m.lockCnt == 0)
		m.lockCnt = 1

		// The caller judges the outcome by this field; clear it.
		curTask.unblockReason = UnblockReasonNone
		return ResultOk
	}

	// Owned by another task.
	if timeoutMs == 0 {
		return ResultTimeout
	}
	return m.blockOnOwner(timeoutMs)
}

// blockOnOwner queues the current task behind the owner and, with priority
// inheritance on, boosts the owner to the front waiter's priority before the
// pended switch is taken.
func (m *Mutex) blockOnOwner(timeoutMs uint32) Result {
	res := m.blockCurTask(timeoutMs, m)
	if UsePriorityInheritance {
		m.updateOwnerPriority()
	}
	return res
}

// Unlock releases one level of ownership. Only the owner may call it; the
// final unlock reverts any inherited boost and passes the mutex to the
// highest-priority waiter, if any.
func (m *Mutex) Unlock() Result {
	if m.k.port.InInterrupt() {
		return ResultErrorInterruptNotSupported
	}
	return m.k.execPrivileged(svcMutexUnlock, &svcFrame{obj: m})
}

func mutexUnlockPriv(m *Mutex) Result {
	k := m.k
	mask := k.port.DisableIRQ()
	defer k.port.EnableIRQ(mask)

	curTask := k.CurrentTask()
	if curTask == nil || m.owner != curTask {
		return ResultErrorInvalidState
	}

	k.kassert(m.lockCnt > 0)
	m.lockCnt--
	if m.lockCnt > 0 {
		return ResultOk
	}

	if UsePriorityInheritance {
		inherited := m.removeFromOwner()
		if m.owner.priority != inherited {
			k.setTaskPriority(m.owner, inherited, true)
		}
	} else {
		m.removeFromOwner()
	}

	if m.isHolding() {
		return m.passToWaiter()
	}
	m.owner = nil
	return ResultOk
}

// removeFromOwner unlinks the mutex from its owner's owned list and returns
// the priority the owner should run at afterwards: the maximum of its
// original priority and the front-waiter priority of every mutex it still
// owns.
func (m *Mutex) removeFromOwner() Priority {
	m.owner.removeOwnedSync(m)

	prior := m.ownerOriginalPriority
	if !UsePriorityInheritance {
		return prior
	}
	for o := m.owner.ownedObjs.head; o != nil; o = o.nextOwned {
		if w := o.blockedTasks.first(); w != nil && w.priority > prior {
			prior = w.priority
		}
	}
	return prior
}

// updateOwnerPriority recomputes the owner's inherited priority after the
// waiter list changed. Inheritance is one hop: a waiter is blocked, so its
// own mutexes cannot pick up higher-priority waiters meanwhile.
func (m *Mutex) updateOwnerPriority() {
	maxPriority := m.ownerOriginalPriority
	for o := m.owner.ownedObjs.head; o != nil; o = o.nextOwned {
		if w := o.blockedTasks.first(); w != nil && w.priority > maxPriority {
			maxPriority = w.priority
		}
	}

	if m.owner.priority != maxPriority {
		m.k.setTaskPriority(m.owner, maxPriority, true)
	}
}

// unlockInternal is the forced release used when the owner is deleted.
func (m *Mutex) unlockInternal() Result {
	if UsePriorityInheritance {
		inherited := m.removeFromOwner()
		if m.owner.priority != inherited {
			m.k.setTaskPriority(m.owner, inherited, true)
		}
	} else {
		m.removeFromOwner()
	}
	if m.isHolding() {
		return m.passToWaiter()
	}
	m.owner = nil
	return ResultOk
}

// passToWaiter transfers ownership to the highest-priority waiter and wakes
// it with reason Request.
func (m *Mutex) passToWaiter() Result {
	k := m.k
	k.kassert(m.isHolding())
	m.owner = m.blockedTasks.fetch()
	m.owner.dropBlockSync()
	k.kassert(m.lockCnt == 0)
	m.lockCnt = 1
	m.owner.addOwnedSync(m)
	if UsePriorityInheritance {
		m.ownerOriginalPriority = m.owner.priority
	}
	return unblockTaskPriv(k, &svcFrame{task: m.owner})
}

// OnUnblockTask drops a timed-out waiter and re-derives the owner's boost.
func (m *Mutex) OnUnblockTask(task *Task, reason UnblockReason) {
	if reason == UnblockReasonTimeout {
		m.blockedTasks.remove(task)
		if UsePriorityInheritance {
			m.updateOwnerPriority()
		}
	}
}

// OnDeleteTask resolves the mutex when a waiter or the owner is removed from
// the scheduler.
func (m *Mutex) OnDeleteTask(task *Task) {
	if m.owner == nil {
		return
	}

	if task != m.owner {
		m.syncObject.OnDeleteTask(task)
		if UsePriorityInheritance {
			m.updateOwnerPriority()
		}
		return
	}

	m.lockCnt = 0
	m.unlockInternal()
}
