package memory

import (
	"errors"
	"fmt"

	"mmiotest/utils"
)

var (
	ErrEmptyWindow   = errors.New("window size must be positive")
	ErrWindowOverrun = errors.New("window end overflows the address space")
	ErrOutOfWindow   = errors.New("address outside of window")
	ErrUnaligned     = errors.New("address not aligned to 8 bytes")
	ErrOffsetRange   = errors.New("address beyond the largest device offset")
)

// WordSize is the width in bytes of every access the validator performs.
const WordSize = 8

// Window is a contiguous range of addressable memory [Base, Base+Size).
type Window struct {
	Base uint64
	Size uint64
}

func (w Window) End() uint64 {
	return w.Base + w.Size
}

func (w Window) Contains(addr uint64) bool {
	return addr >= w.Base && addr-w.Base < w.Size
}

// ContainsWord reports whether a full 8 byte word at addr lies inside the window.
func (w Window) ContainsWord(addr uint64) bool {
	return w.Contains(addr) && w.Size-(addr-w.Base) >= WordSize
}

func (w Window) Validate() error {
	if w.Size == 0 {
		return ErrEmptyWindow
	}
	if w.Base+w.Size < w.Base {
		return ErrWindowOverrun
	}
	return nil
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", utils.Hex(w.Base), utils.Hex(w.End()))
}

// Accessor performs single 64-bit loads and stores against a window.
// Addresses are absolute, not offsets into the window.
type Accessor interface {
	Read64(addr uint64) uint64
	Write64(addr uint64, value uint64)
}
