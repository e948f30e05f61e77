//go:build !linux

package memory

import (
	"errors"
	"fmt"
	"runtime"
)

const DefaultDevicePath = "/dev/mem"

var ErrUnsupported = errors.New("physical memory mapping is not supported on " + runtime.GOOS)

type Mapped struct {
	window Window
}

func OpenMapped(devicePath string, window Window) (*Mapped, error) {
	return nil, fmt.Errorf("%s: %w", devicePath, ErrUnsupported)
}

func (m *Mapped) Window() Window             { return m.window }
func (m *Mapped) Read64(addr uint64) uint64  { return 0 }
func (m *Mapped) Write64(addr, value uint64) {}
func (m *Mapped) Close() error               { return nil }
