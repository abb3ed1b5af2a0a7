//go:build tinygo

package main

import (
	"macs/app"
	"macs/hal"
)

func main() {
	app.Run(hal.New())
}
