package kernel

// Semaphore is a counting semaphore bounded by a maximum. It tracks only the
// number of available resources; a waiting task is released by whichever
// signal comes first. A signal with waiters present transfers the token to
// the front waiter directly instead of bumping the counter, so a waiting
// high-priority task cannot lose the race to a later arrival.
type Semaphore struct {
	syncObject

	count    uint32
	maxCount uint32
}

// NewSemaphore creates a semaphore with startCount of maxCount resources
// available.
func (k *Kernel) NewSemaphore(startCount, maxCount uint32) *Semaphore {
	if startCount > maxCount {
		startCount = maxCount
	}
	s := &Semaphore{count: startCount, maxCount: maxCount}
	s.init(k)
	return s
}

// NewBinarySemaphore is the max-count-one convenience.
func (k *Kernel) NewBinarySemaphore(raised bool) *Semaphore {
	var start uint32
	if raised {
		start = 1
	}
	return k.NewSemaphore(start, 1)
}

// Count returns the currently available resources.
func (s *Semaphore) Count() uint32 { return s.count }

// Close ends the semaphore's lifetime, force-detaching any waiters.
func (s *Semaphore) Close() { s.dropLinks() }

// Wait takes one resource, blocking up to timeoutMs milliseconds when none
// is available. timeoutMs 0 probes without blocking.
func (s *Semaphore) Wait(timeoutMs uint32) Result {
	if !s.k.started {
		return ResultErrorInvalidState
	}
	if timeoutMs == 0 {
		if !s.k.port.SyscallAllowed() {
			return ResultErrorSysCallNotAllowed
		}
	} else if s.k.port.InInterrupt() {
		return ResultErrorInterruptNotSupported
	}

	res := s.k.execPrivileged(svcSemaphoreWait, &svcFrame{obj: s, arg: timeoutMs})
	if res != ResultOk {
		return res
	}
	if s.k.CurrentTask().unblockReason == UnblockReasonTimeout {
		return ResultTimeout
	}
	return ResultOk
}

func semaphoreWaitPriv(s *Semaphore, timeoutMs uint32) Result {
	k := s.k
	mask := k.port.DisableIRQ()
	defer k.port.EnableIRQ(mask)

	if s.count > 0 {
		s.count--
		// The caller judges the outcome by this field; clear it.
		k.CurrentTask().unblockReason = UnblockReasonNone
		return ResultOk
	}

	if timeoutMs == 0 {
		return ResultTimeout
	}
	return s.blockCurTask(timeoutMs, s)
}

// Signal releases one resource. Signaling a full semaphore is an error.
// Permitted from interrupts at or below the syscall ceiling.
func (s *Semaphore) Signal() Result {
	if !s.k.started {
		return ResultErrorInvalidState
	}
	if !s.k.port.SyscallAllowed() {
		return ResultErrorSysCallNotAllowed
	}
	return s.k.execPrivileged(svcSemaphoreSignal, &svcFrame{obj: s})
}

func semaphoreSignalPriv(s *Semaphore) Result {
	k := s.k
	mask := k.port.DisableIRQ()
	defer k.port.EnableIRQ(mask)

	if s.count == s.maxCount {
		return ResultErrorInvalidState
	}

	if s.isHolding() {
		// Token transfer: the woken waiter consumes the signal, the counter
		// stays put.
		return s.unblockTask()
	}

	s.count++
	return ResultOk
}
