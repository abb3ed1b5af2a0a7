package kernel

// The privileged gate. Public operations execute their implementation
// directly when the caller is already privileged or in an interrupt;
// otherwise they trap with an operation selector and the handler dispatches
// through the table below in privileged mode.

type svcOp uint32

const (
	svcReadCPUTick svcOp = iota
	svcBlockCurrentTask
	svcAddTask
	svcAddTaskIrq
	svcYield
	svcDeleteTask
	svcUnblockTask
	svcSetTaskPriority
	svcEventRaise
	svcEventWait
	svcMutexLock
	svcMutexUnlock
	svcSemaphoreWait
	svcSemaphoreSignal

	svcCount
)

// svcFrame carries the argument words of one trapped operation: the target
// object, a task pointer, an unblock functor and one scalar. The result
// travels back the same way.
type svcFrame struct {
	obj     any
	task    *Task
	irqTask *IrqTask
	functor UnblockFunctor
	arg     uint32
	val     uint32
	res     Result
}

func (k *Kernel) initSvcTable() {
	k.svcTable = [svcCount]func(*svcFrame) Result{
		svcReadCPUTick:      func(f *svcFrame) Result { return readCPUTickPriv(k, f) },
		svcBlockCurrentTask: func(f *svcFrame) Result { return blockCurrentTaskPriv(k, f) },
		svcAddTask:          func(f *svcFrame) Result { return addTaskPriv(k, f) },
		svcAddTaskIrq:       func(f *svcFrame) Result { return addTaskIrqPriv(k, f) },
		svcYield:            func(f *svcFrame) Result { return yieldPriv(k, f) },
		svcDeleteTask:       func(f *svcFrame) Result { return deleteTaskPriv(k, f) },
		svcUnblockTask:      func(f *svcFrame) Result { return unblockTaskPriv(k, f) },
		svcSetTaskPriority:  func(f *svcFrame) Result { return setTaskPriorityPriv(k, f) },
		svcEventRaise:       func(f *svcFrame) Result { return eventRaisePriv(f.obj.(*Event)) },
		svcEventWait:        func(f *svcFrame) Result { return eventWaitPriv(f.obj.(*Event), f.arg) },
		svcMutexLock:        func(f *svcFrame) Result { return mutexLockPriv(f.obj.(*Mutex), f.arg) },
		svcMutexUnlock:      func(f *svcFrame) Result { return mutexUnlockPriv(f.obj.(*Mutex)) },
		svcSemaphoreWait:    func(f *svcFrame) Result { return semaphoreWaitPriv(f.obj.(*Semaphore), f.arg) },
		svcSemaphoreSignal:  func(f *svcFrame) Result { return semaphoreSignalPriv(f.obj.(*Semaphore)) },
	}
}

// execPrivileged runs op directly when allowed, or through the trap.
func (k *Kernel) execPrivileged(op svcOp, f *svcFrame) Result {
	if k.port.InPrivileged() || k.port.InInterrupt() {
		return k.svcTable[op](f)
	}
	k.port.Svc(uint32(op), f)
	return f.res
}

// Svc is the trap handler entry. Invoked by the CPU port in privileged mode.
func (k *Kernel) Svc(op uint32, frame any) {
	f, ok := frame.(*svcFrame)
	if !ok || op >= uint32(svcCount) {
		k.alarm(AlarmBadSvcNumber)
		if ok {
			f.res = ResultErrorNotSupported
		}
		return
	}
	f.res = k.svcTable[op](f)
}
