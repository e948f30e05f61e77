package utils

import (
	"strconv"
	"strings"
	"testing"
)

func Bit(nr uint) uint64 { return 1 << nr }

// IsPowerOfTwo reports whether v is a positive power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// Hex formats an address or a register value the way every trace line prints it.
func Hex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

// ParseUint accepts decimal, 0x hex, 0o octal and 0b binary, with optional underscores.
func ParseUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 0, 64)
}

func AssertEqual(t *testing.T, expected, actual uint64, msg string) {
	t.Helper()
	if expected != actual {
		t.Errorf("%s: expected %s, got %s", msg, Hex(expected), Hex(actual))
	}
}

func AssertInRange(t *testing.T, value, min, max uint64, name string) {
	t.Helper()
	if value < min || value > max {
		t.Errorf("%s (%s) not in range [%s, %s]", name, Hex(value), Hex(min), Hex(max))
	}
}
