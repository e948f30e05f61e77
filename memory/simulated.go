package memory

import (
	"encoding/binary"
	"fmt"

	"mmiotest/utils"
)

// Simulated backs a window with ordinary process memory. It stands in for a
// device when no hardware is available and behaves like faithful storage.
// Any address inside the window holds a full word: the buffer carries
// WordSize-1 bytes of tail past the window end, so strides below 8 work.
type Simulated struct {
	window Window
	buf    []byte
}

func NewSimulated(window Window) (*Simulated, error) {
	if err := window.Validate(); err != nil {
		return nil, err
	}

	return &Simulated{
		window: window,
		buf:    make([]byte, window.Size+WordSize-1),
	}, nil
}

func (s *Simulated) Window() Window {
	return s.window
}

func (s *Simulated) offset(addr uint64) uint64 {
	if !s.window.Contains(addr) {
		panic(fmt.Sprintf("%v: %s not in %v", ErrOutOfWindow, utils.Hex(addr), s.window))
	}
	return addr - s.window.Base
}

func (s *Simulated) Read64(addr uint64) uint64 {
	off := s.offset(addr)
	return binary.LittleEndian.Uint64(s.buf[off : off+WordSize])
}

func (s *Simulated) Write64(addr uint64, value uint64) {
	off := s.offset(addr)
	binary.LittleEndian.PutUint64(s.buf[off:off+WordSize], value)
}
