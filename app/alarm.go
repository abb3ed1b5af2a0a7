package app

import (
	"fmt"

	"macs/hal"
	"macs/kernel"
)

// installAlarmHandler logs every kernel alarm and applies the demo policy:
// a task that overruns its stack is killed, everything else follows the
// default severity.
func installAlarmHandler(h hal.HAL) {
	kernel.SetAlarmHandler(func(reason kernel.AlarmReason) kernel.AlarmAction {
		if l := h.Logger(); l != nil {
			l.WriteLineString(fmt.Sprintf("MACS alarm: %s", reason))
		}
		switch reason {
		case kernel.AlarmStackOverflow, kernel.AlarmStackCorrupted:
			return kernel.ActionKillTask
		case kernel.AlarmStackEnlarged, kernel.AlarmSchedNotOnPause,
			kernel.AlarmNestedMutexLock, kernel.AlarmCounterOverflow,
			kernel.AlarmOwnedMutexDestroyed, kernel.AlarmBlockingMutexDestroyed:
			return kernel.ActionContinue
		default:
			return kernel.ActionCrash
		}
	})
}
