//go:build tinygo && baremetal

package hal

import (
	"time"

	"machine"
)

type tinyGoHAL struct {
	cpu    *CortexMCPU
	logger *uartLogger
	led    *pinLED
	fb     Framebuffer
	kbd    Keyboard
	t      *tinyGoTime
	serial *uartSerial
	alloc  *tinyGoAllocator
}

// New returns the bare-metal HAL.
//
// UART: UART0 on GP0 (TX) / GP1 (RX), 115200 8N1.
func New() HAL {
	uart := machine.UART0
	uart.Configure(machine.UARTConfig{
		BaudRate: 115200,
		TX:       machine.GP0,
		RX:       machine.GP1,
	})

	ledPin := machine.LED
	ledPin.Configure(machine.PinConfig{Mode: machine.PinOutput})

	return &tinyGoHAL{
		cpu:    NewCortexMCPU(),
		logger: &uartLogger{uart: uart},
		led:    &pinLED{pin: ledPin},
		fb:     &stubFramebuffer{w: 320, h: 320, format: PixelFormatRGB565},
		kbd:    &stubKeyboard{},
		t:      newTinyGoTime(),
		serial: &uartSerial{uart: uart},
		alloc:  &tinyGoAllocator{},
	}
}

func (h *tinyGoHAL) CPU() CPU         { return h.cpu }
func (h *tinyGoHAL) Logger() Logger   { return h.logger }
func (h *tinyGoHAL) LED() LED         { return h.led }
func (h *tinyGoHAL) Display() Display { return tinyGoDisplay{fb: h.fb} }
func (h *tinyGoHAL) Input() Input     { return tinyGoInput{kbd: h.kbd} }
func (h *tinyGoHAL) Serial() Serial   { return h.serial }
func (h *tinyGoHAL) Time() Time       { return h.t }
func (h *tinyGoHAL) Alloc() Allocator { return h.alloc }

type tinyGoDisplay struct {
	fb Framebuffer
}

func (d tinyGoDisplay) Framebuffer() Framebuffer { return d.fb }

type tinyGoInput struct {
	kbd Keyboard
}

func (in tinyGoInput) Keyboard() Keyboard { return in.kbd }

// waitTick blocks for one kernel tick period using the hardware timer.
func waitTick(rateHz uint32) {
	if rateHz == 0 {
		rateHz = 1000
	}
	time.Sleep(time.Second / time.Duration(rateHz))
}

// mainStackBottom approximates the bottom of the startup stack for the
// main-stack MPU mine. RAM base plus the reserved region works for the
// supported RP2 boards.
func mainStackBottom() uint32 {
	return 0x2000_0000
}

type tinyGoTime struct {
	ch  chan uint64
	seq uint64
}

func newTinyGoTime() *tinyGoTime {
	t := &tinyGoTime{ch: make(chan uint64, 16)}
	go func() {
		ticker := time.NewTicker(1 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			t.seq++
			select {
			case t.ch <- t.seq:
			default:
			}
		}
	}()
	return t
}

func (t *tinyGoTime) Ticks() <-chan uint64 { return t.ch }

type uartLogger struct {
	uart *machine.UART
}

func (l *uartLogger) WriteLineString(s string) {
	for i := 0; i < len(s); i++ {
		l.uart.WriteByte(s[i])
	}
	l.uart.WriteByte('\r')
	l.uart.WriteByte('\n')
}

func (l *uartLogger) WriteLineBytes(b []byte) {
	for i := 0; i < len(b); i++ {
		l.uart.WriteByte(b[i])
	}
	l.uart.WriteByte('\r')
	l.uart.WriteByte('\n')
}

type pinLED struct {
	pin machine.Pin
}

func (l *pinLED) High() { l.pin.High() }
func (l *pinLED) Low()  { l.pin.Low() }

type uartSerial struct {
	uart *machine.UART
}

func (s *uartSerial) Read(p []byte) (int, error) {
	if s.uart == nil {
		return 0, ErrNotImplemented
	}
	return s.uart.Read(p)
}

func (s *uartSerial) Write(p []byte) (int, error) {
	if s.uart == nil {
		return 0, ErrNotImplemented
	}
	return s.uart.Write(p)
}

type stubFramebuffer struct {
	w      int
	h      int
	format PixelFormat
}

func (f *stubFramebuffer) Width() int          { return f.w }
func (f *stubFramebuffer) Height() int         { return f.h }
func (f *stubFramebuffer) Format() PixelFormat { return f.format }
func (f *stubFramebuffer) StrideBytes() int    { return f.w * 2 }
func (f *stubFramebuffer) Buffer() []byte      { return nil }
func (f *stubFramebuffer) ClearRGB(r, g, b uint8) {
}
func (f *stubFramebuffer) Present() error { return ErrNotImplemented }

type stubKeyboard struct{}

func (k *stubKeyboard) Events() <-chan KeyEvent { return nil }

type tinyGoAllocator struct{}

func (a *tinyGoAllocator) Allocate(size int) []byte {
	if size <= 0 {
		return nil
	}
	return make([]byte, size)
}

func (a *tinyGoAllocator) Deallocate(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
