//go:build linux

package memory

import (
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"mmiotest/utils"
)

const DefaultDevicePath = "/dev/mem"

// Mapped is a window of physical memory mapped through a memory device.
// Every access is a single 64-bit atomic load or store on the mapping, so
// the compiler never elides, merges or caches it.
type Mapped struct {
	window   Window
	pageBase uint64
	dev      *os.File
	region   []byte
}

func OpenMapped(devicePath string, window Window) (*Mapped, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}
	if window.Base%WordSize != 0 {
		return nil, fmt.Errorf("window base %s: %w", utils.Hex(window.Base), ErrUnaligned)
	}
	if window.End() > math.MaxInt64 {
		return nil, fmt.Errorf("window %v: %w", window, ErrOffsetRange)
	}

	dev, err := os.OpenFile(devicePath, os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory device: %w", err)
	}

	// mmap offsets must be page aligned, so map the pages covering the window
	pageSize := uint64(unix.Getpagesize())
	pageBase := window.Base &^ (pageSize - 1)
	length := (window.End() - pageBase + pageSize - 1) &^ (pageSize - 1)

	region, err := unix.Mmap(int(dev.Fd()), int64(pageBase), int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("mmap of %v failed: %w", window, err)
	}

	return &Mapped{
		window:   window,
		pageBase: pageBase,
		dev:      dev,
		region:   region,
	}, nil
}

func (m *Mapped) Window() Window {
	return m.window
}

func (m *Mapped) word(addr uint64) *uint64 {
	if !m.window.ContainsWord(addr) {
		panic(fmt.Sprintf("%v: %s not in %v", ErrOutOfWindow, utils.Hex(addr), m.window))
	}
	if addr%WordSize != 0 {
		panic(fmt.Sprintf("%v: %s", ErrUnaligned, utils.Hex(addr)))
	}
	return (*uint64)(unsafe.Pointer(&m.region[addr-m.pageBase]))
}

func (m *Mapped) Read64(addr uint64) uint64 {
	return atomic.LoadUint64(m.word(addr))
}

func (m *Mapped) Write64(addr uint64, value uint64) {
	atomic.StoreUint64(m.word(addr), value)
}

func (m *Mapped) Close() error {
	var err error
	if m.region != nil {
		err = unix.Munmap(m.region)
		m.region = nil
	}
	if m.dev != nil {
		if cerr := m.dev.Close(); err == nil {
			err = cerr
		}
		m.dev = nil
	}
	return err
}
