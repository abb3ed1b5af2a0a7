package kernel

// Event blocks tasks until some condition is raised. It keeps no state: a
// raise with nobody waiting is lost. A broadcast event wakes every waiter in
// priority order; a unicast event wakes only the front one.
type Event struct {
	syncObject

	broadcast bool
}

// NewEvent creates an event. broadcast selects whether Raise wakes all
// waiters or just the highest-priority one.
func (k *Kernel) NewEvent(broadcast bool) *Event {
	e := &Event{broadcast: broadcast}
	e.init(k)
	return e
}

// Close ends the event's lifetime, force-detaching any waiters.
func (e *Event) Close() { e.dropLinks() }

// Raise wakes the waiter(s). Permitted from interrupts at or below the
// syscall ceiling.
func (e *Event) Raise() Result {
	if !e.k.started {
		return ResultErrorInvalidState
	}
	if !e.k.port.SyscallAllowed() {
		return ResultErrorSysCallNotAllowed
	}
	return e.k.execPrivileged(svcEventRaise, &svcFrame{obj: e})
}

func eventRaisePriv(e *Event) Result {
	k := e.k
	mask := k.port.DisableIRQ()
	defer k.port.EnableIRQ(mask)

	for e.isHolding() {
		e.unblockTask()
		if !e.broadcast {
			break
		}
	}
	return ResultOk
}

// Wait blocks until the event is raised or timeoutMs milliseconds pass.
// timeoutMs 0 probes and, the event being non-sticky, always times out.
func (e *Event) Wait(timeoutMs uint32) Result {
	if !e.k.started {
		return ResultErrorInvalidState
	}
	if e.k.port.InInterrupt() {
		return ResultErrorInterruptNotSupported
	}

	res := e.k.execPrivileged(svcEventWait, &svcFrame{obj: e, arg: timeoutMs})
	if res != ResultOk {
		return res
	}
	if e.k.CurrentTask().unblockReason == UnblockReasonTimeout {
		return ResultTimeout
	}
	return ResultOk
}

func eventWaitPriv(e *Event, timeoutMs uint32) Result {
	k := e.k
	mask := k.port.DisableIRQ()
	defer k.port.EnableIRQ(mask)

	if timeoutMs == 0 {
		return ResultTimeout
	}
	return e.blockCurTask(timeoutMs, e)
}
