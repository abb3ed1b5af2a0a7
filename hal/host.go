//go:build !tinygo

package hal

import (
	"fmt"
	"os"
	"sync"
)

type hostHAL struct {
	cpu    *HostCPU
	logger *hostLogger
	led    *hostLED
	fb     *hostFramebuffer
	kbd    *hostKeyboard
	t      *hostTime
	serial *hostSerial
	alloc  *hostAllocator
}

// New returns a host HAL implementation around a simulated CPU.
func New() HAL {
	logger := &hostLogger{w: os.Stdout}
	cpu := NewHostCPU()
	return &hostHAL{
		cpu:    cpu,
		logger: logger,
		led:    &hostLED{logger: logger},
		fb:     newHostFramebuffer(320, 320),
		kbd:    newHostKeyboard(),
		t:      newHostTime(cpu),
		serial: &hostSerial{r: os.Stdin, w: os.Stdout},
		alloc:  &hostAllocator{wipe: true},
	}
}

func (h *hostHAL) CPU() CPU         { return h.cpu }
func (h *hostHAL) Logger() Logger   { return h.logger }
func (h *hostHAL) LED() LED         { return h.led }
func (h *hostHAL) Display() Display { return hostDisplay{fb: h.fb} }
func (h *hostHAL) Input() Input     { return hostInput{kbd: h.kbd} }
func (h *hostHAL) Serial() Serial   { return h.serial }
func (h *hostHAL) Time() Time       { return h.t }
func (h *hostHAL) Alloc() Allocator { return h.alloc }

type hostDisplay struct {
	fb *hostFramebuffer
}

func (d hostDisplay) Framebuffer() Framebuffer { return d.fb }

type hostInput struct {
	kbd *hostKeyboard
}

func (in hostInput) Keyboard() Keyboard { return in.kbd }

type hostLogger struct {
	mu sync.Mutex
	w  *os.File
}

func (l *hostLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(b)
	l.w.Write([]byte{'\n'})
}

type hostLED struct {
	mu     sync.Mutex
	on     bool
	logger *hostLogger
}

func (l *hostLED) High() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.on {
		l.on = true
		l.logger.WriteLineString("led: HIGH")
	}
}

func (l *hostLED) Low() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.on {
		l.on = false
		l.logger.WriteLineString("led: LOW")
	}
}

// hostAllocator satisfies the heap collaborator contract on the host, where
// the Go allocator does the actual work.
type hostAllocator struct {
	wipe bool
}

func (a *hostAllocator) Allocate(size int) []byte {
	if size <= 0 {
		return nil
	}
	return make([]byte, size)
}

func (a *hostAllocator) Deallocate(b []byte) {
	if a.wipe {
		for i := range b {
			b[i] = 0
		}
	}
}
