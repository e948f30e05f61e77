package memory

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"mmiotest/utils"
)

var ErrInvalidFault = errors.New("invalid fault")

// CorruptNthWrite stores value^Mask on the N-th write (1-based) and passes
// every other access through unchanged.
type CorruptNthWrite struct {
	Inner  Accessor
	N      int
	Mask   uint64
	writes int
}

func (c *CorruptNthWrite) Read64(addr uint64) uint64 {
	return c.Inner.Read64(addr)
}

func (c *CorruptNthWrite) Write64(addr uint64, value uint64) {
	c.writes++
	if c.writes == c.N {
		value ^= c.Mask
	}
	c.Inner.Write64(addr, value)
}

// ZeroReads drops every load on the floor and returns 0, like an unbacked bus.
type ZeroReads struct {
	Inner Accessor
}

func (z ZeroReads) Read64(addr uint64) uint64 {
	return 0
}

func (z ZeroReads) Write64(addr uint64, value uint64) {
	z.Inner.Write64(addr, value)
}

// StuckBits forces the bits in Mask to read back as one (High) or zero.
type StuckBits struct {
	Inner Accessor
	Mask  uint64
	High  bool
}

func (s StuckBits) Read64(addr uint64) uint64 {
	v := s.Inner.Read64(addr)
	if s.High {
		return v | s.Mask
	}
	return v &^ s.Mask
}

func (s StuckBits) Write64(addr uint64, value uint64) {
	s.Inner.Write64(addr, value)
}

// ParseFault wraps inner in the fault named by desc:
//
//	corrupt:N[:MASK]   corrupt the N-th write (default mask flips bit 0)
//	zero               every read returns 0
//	stuck-high:MASK    bits in MASK always read as 1
//	stuck-low:MASK     bits in MASK always read as 0
//
// An empty desc returns inner unchanged.
func ParseFault(desc string, inner Accessor) (Accessor, error) {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return inner, nil
	}

	kind, arg, _ := strings.Cut(desc, ":")
	switch kind {
	case "zero":
		if arg != "" {
			return nil, fmt.Errorf("%w %q: zero takes no argument", ErrInvalidFault, desc)
		}
		return ZeroReads{Inner: inner}, nil
	case "corrupt":
		nStr, maskStr, hasMask := strings.Cut(arg, ":")
		n, err := strconv.Atoi(nStr)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w %q: write number must be positive", ErrInvalidFault, desc)
		}
		mask := utils.Bit(0)
		if hasMask {
			mask, err = utils.ParseUint(maskStr)
			if err != nil || mask == 0 {
				return nil, fmt.Errorf("%w %q: mask must be a non-zero number", ErrInvalidFault, desc)
			}
		}
		return &CorruptNthWrite{Inner: inner, N: n, Mask: mask}, nil
	case "stuck-high", "stuck-low":
		mask, err := utils.ParseUint(arg)
		if err != nil || mask == 0 {
			return nil, fmt.Errorf("%w %q: mask must be a non-zero number", ErrInvalidFault, desc)
		}
		return StuckBits{Inner: inner, Mask: mask, High: kind == "stuck-high"}, nil
	}

	return nil, fmt.Errorf("%w %q", ErrInvalidFault, desc)
}
