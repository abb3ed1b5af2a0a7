// Package app assembles the demo system: the kernel on the board's CPU port
// plus a small set of tasks exercising the scheduler, the sync primitives
// and the console.
package app

import (
	"fmt"

	"macs/hal"
	"macs/internal/buildinfo"
	"macs/kernel"
	"macs/term"
)

// Config selects optional demo components.
type Config struct {
	// Console renders the task monitor on the framebuffer terminal.
	Console bool
}

type system struct {
	h       hal.HAL
	k       *kernel.Kernel
	console *term.Console
}

// New initializes and starts the system with the default config.
func New(h hal.HAL) func() error {
	return NewWithConfig(h, Config{Console: true})
}

// Run starts the system and blocks forever (TinyGo entrypoint).
func Run(h hal.HAL) {
	_ = New(h)
	select {}
}

// NewWithConfig initializes and starts the system. The returned step hook is
// called once per runner frame, after the frame's ticks were injected.
func NewWithConfig(h hal.HAL, cfg Config) func() error {
	s := newSystem(h, cfg)
	return func() error {
		if s.console != nil {
			s.console.Flush()
		}
		return nil
	}
}

func newSystem(h hal.HAL, cfg Config) *system {
	s := &system{h: h, k: kernel.New(h.CPU())}
	installAlarmHandler(h)

	if res := s.k.Initialize(); res != kernel.ResultOk {
		h.Logger().WriteLineString("kernel init failed: " + res.String())
		return s
	}
	s.k.RegisterOsEvents(kernel.EventTaskAdded | kernel.EventTaskRemoved | kernel.EventAlarm)

	if cfg.Console {
		s.console = term.New(h.Display())
	}

	s.addBlinker()
	s.addPipeline()
	s.addMonitor()

	if res := s.k.Start(true); res != kernel.ResultOk {
		h.Logger().WriteLineString("kernel start failed: " + res.String())
	}
	return s
}

// addBlinker toggles the LED twice a second, the smallest possible proof of
// life for the tick machinery.
func (s *system) addBlinker() {
	led := s.h.LED()
	task := kernel.NewTask("BLINK", func(t *kernel.Task) {
		on := false
		for {
			if on {
				led.Low()
			} else {
				led.High()
			}
			on = !on
			s.k.Delay(500)
		}
	})
	s.k.AddTask(task, kernel.PriorityLow, kernel.ModeUnprivileged, kernel.MinStackSize)
}

// addPipeline runs a producer/consumer pair over a bounded queue, reporting
// throughput once a second.
func (s *system) addPipeline() {
	q := kernel.NewMessageQueue[uint32](s.k, 8)
	var delivered uint32

	producer := kernel.NewTask("PROD", func(t *kernel.Task) {
		var seq uint32
		for {
			seq++
			q.Push(seq, kernel.InfiniteTimeout)
			s.k.Delay(20)
		}
	})
	consumer := kernel.NewTask("CONS", func(t *kernel.Task) {
		for {
			if _, res := q.Pop(kernel.InfiniteTimeout); res == kernel.ResultOk {
				delivered++
			}
		}
	})
	reporter := kernel.NewTask("REPORT", func(t *kernel.Task) {
		var last uint32
		for {
			s.k.Delay(1000)
			s.print(fmt.Sprintf("pipeline: %d msg/s, queued %d", delivered-last, q.Count()))
			last = delivered
		}
	})

	s.k.AddTask(producer, kernel.PriorityNormal, kernel.ModeUnprivileged, kernel.EnoughStackSize)
	s.k.AddTask(consumer, kernel.PriorityBelowNormal, kernel.ModeUnprivileged, kernel.EnoughStackSize)
	s.k.AddTask(reporter, kernel.PriorityAboveNormal, kernel.ModeUnprivileged, kernel.EnoughStackSize)
}

// addMonitor prints the task table every two seconds.
func (s *system) addMonitor() {
	task := kernel.NewTask("MONITOR", func(t *kernel.Task) {
		s.print("MACS " + buildinfo.Short())
		for {
			s.k.Delay(2000)
			sec, ms := s.k.WallClock().Now(kernel.InitTickRateHz)
			s.print(fmt.Sprintf("-- up %d.%03ds, tick %d --", sec, ms, s.k.TickCount()))
			s.print("        Task  Pr   Cpu.cyc  Stck a/u")
			for _, row := range s.k.GetTasksInfo() {
				s.print(fmt.Sprintf("%12.12s  %2d  %8d  %d/%d",
					row.Name, row.Priority, row.CPUCycles, row.StackLen, row.StackUsage))
			}
		}
	})
	s.k.AddTask(task, kernel.PriorityHigh, kernel.ModePrivileged, kernel.EnoughStackSize)
}

func (s *system) print(line string) {
	if s.console != nil {
		s.console.WriteLine(line)
		return
	}
	s.h.Logger().WriteLineString(line)
}
