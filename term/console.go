package term

import (
	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyterm"

	"macs/hal"
)

// Console is the kernel console: a VT100 terminal over the framebuffer.
// Writers may be kernel tasks; Flush presents the dirty screen and is meant
// to be called on a display cadence.
type Console struct {
	fb    *fbDisplay
	t     *tinyterm.Terminal
	dirty bool
}

// New builds a console on the display's framebuffer. Returns nil when the
// platform has no usable framebuffer.
func New(disp hal.Display) *Console {
	if disp == nil {
		return nil
	}
	fb := disp.Framebuffer()
	if fb == nil || fb.Buffer() == nil {
		return nil
	}
	c := &Console{fb: newFBDisplay(fb)}
	c.reset()
	return c
}

func (c *Console) reset() {
	c.t = tinyterm.NewTerminal(c.fb)
	c.t.Configure(&tinyterm.Config{
		Font:              &tinyfont.TomThumb,
		FontHeight:        8,
		FontOffset:        6,
		UseSoftwareScroll: true,
	})
	c.fb.fb.ClearRGB(0, 0, 0)
	_ = c.fb.fb.Present()
}

// Write feeds raw bytes (including VT100 escapes) to the terminal.
func (c *Console) Write(p []byte) (int, error) {
	n, err := c.t.Write(p)
	c.dirty = true
	return n, err
}

// WriteLine prints one line.
func (c *Console) WriteLine(s string) {
	c.Write([]byte(s))
	c.Write([]byte("\r\n"))
}

// Clear resets the terminal state and blanks the screen.
func (c *Console) Clear() {
	c.reset()
	c.dirty = true
}

// Flush presents pending output. Cheap when nothing changed.
func (c *Console) Flush() {
	if !c.dirty {
		return
	}
	c.t.Display()
	c.dirty = false
}
