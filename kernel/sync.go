package kernel

// syncObject is the common base of every primitive that can block tasks: a
// priority-ordered waiter list plus the unblock-functor protocol. Waiters are
// queued highest priority first, so waking the front waiter always picks the
// most urgent one; equal priorities wake in arrival order.
type syncObject struct {
	k            *Kernel
	blockedTasks taskList
}

func (s *syncObject) init(k *Kernel) {
	s.k = k
	s.blockedTasks = newTaskList(linkSync, priorPreceding)
}

// isHolding reports whether any task waits on the object.
func (s *syncObject) isHolding() bool {
	return s.blockedTasks.first() != nil
}

// blockCurTask queues the current task on the waiter list and blocks it.
// self is the concrete primitive, registered as the task's unblock functor
// so a timed wake can detach the task without scanning every object.
func (s *syncObject) blockCurTask(timeoutMs uint32, self UnblockFunctor) Result {
	cur := s.k.CurrentTask()
	s.blockedTasks.insert(cur)
	cur.setBlockSync(self)
	return blockCurrentTaskPriv(s.k, &svcFrame{functor: self, arg: timeoutMs})
}

// unblockTask wakes the front waiter with reason Request.
func (s *syncObject) unblockTask() Result {
	s.k.kassert(s.isHolding())
	task := s.blockedTasks.fetch()
	task.dropBlockSync()
	return unblockTaskPriv(s.k, &svcFrame{task: task})
}

// dropLinks force-detaches every waiter, used when the object's lifetime
// ends while tasks still wait on it.
func (s *syncObject) dropLinks() {
	for s.isHolding() {
		task := s.blockedTasks.fetch()
		task.dropBlockSync()
	}
}

// OnUnblockTask implements the unblock-functor protocol: a timed wake leaves
// the waiter list through here.
func (s *syncObject) OnUnblockTask(task *Task, reason UnblockReason) {
	if reason == UnblockReasonTimeout {
		s.blockedTasks.remove(task)
		task.dropBlockSync()
	}
}

// OnDeleteTask detaches a task that is being removed from the scheduler.
func (s *syncObject) OnDeleteTask(task *Task) {
	s.blockedTasks.remove(task)
}
