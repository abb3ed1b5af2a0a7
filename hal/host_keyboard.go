//go:build !tinygo && cgo

package hal

import (
	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
)

type hostKeyboard struct {
	ch chan KeyEvent
}

func newHostKeyboard() *hostKeyboard {
	return &hostKeyboard{ch: make(chan KeyEvent, 64)}
}

func (k *hostKeyboard) Events() <-chan KeyEvent { return k.ch }

func (k *hostKeyboard) poll() {
	emit := func(code KeyCode, press bool) {
		select {
		case k.ch <- KeyEvent{Code: code, Press: press}:
		default:
		}
	}

	for _, r := range ebiten.AppendInputChars(nil) {
		select {
		case k.ch <- KeyEvent{Press: true, Rune: r}:
		default:
		}
	}

	keys := []struct {
		key  ebiten.Key
		code KeyCode
	}{
		{ebiten.KeyArrowUp, KeyUp},
		{ebiten.KeyArrowDown, KeyDown},
		{ebiten.KeyArrowLeft, KeyLeft},
		{ebiten.KeyArrowRight, KeyRight},
		{ebiten.KeyEnter, KeyEnter},
		{ebiten.KeyEscape, KeyEscape},
		{ebiten.KeyBackspace, KeyBackspace},
		{ebiten.KeyTab, KeyTab},
	}
	for _, m := range keys {
		if inpututil.IsKeyJustPressed(m.key) {
			emit(m.code, true)
		}
		if inpututil.IsKeyJustReleased(m.key) {
			emit(m.code, false)
		}
	}
}
