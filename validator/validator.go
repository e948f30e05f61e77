package validator

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"time"

	"mmiotest/memory"
	"mmiotest/utils"
)

var (
	ErrMismatch        = errors.New("validation mismatch")
	ErrBadStride       = errors.New("stride must be a positive power of two")
	ErrSizeNotMultiple = errors.New("window size must be a positive multiple of the stride")
	ErrNoIterations    = errors.New("iteration count must be positive")
)

// Trial is a single write/read round trip. Index is 1-based.
type Trial struct {
	Index   int
	Address uint64
	Written uint64
	Read    uint64
}

func (t Trial) Passed() bool {
	return Validate(t.Written, t.Read)
}

// MismatchError names the first trial whose read back value differed.
type MismatchError struct {
	Trial Trial
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%v at %s: wrote %s, read %s",
		ErrMismatch, utils.Hex(e.Trial.Address), utils.Hex(e.Trial.Written), utils.Hex(e.Trial.Read))
}

func (e *MismatchError) Unwrap() error {
	return ErrMismatch
}

// Outcome is the terminal result of a run: either every trial passed or the
// run stopped at Failed.
type Outcome struct {
	Trials int    // trials attempted, including the failing one
	Failed *Trial // nil when all trials passed
}

func (o Outcome) AllPassed() bool {
	return o.Failed == nil
}

func (o Outcome) Err() error {
	if o.Failed == nil {
		return nil
	}
	return &MismatchError{Trial: *o.Failed}
}

// Observer is told about every completed trial, the failing one included.
type Observer interface {
	Observe(Trial)
}

type Params struct {
	Window     memory.Window
	Stride     uint64
	Iterations int
}

func (p Params) Validate() error {
	if err := p.Window.Validate(); err != nil {
		return err
	}
	if !utils.IsPowerOfTwo(p.Stride) {
		return ErrBadStride
	}
	if p.Window.Size%p.Stride != 0 {
		return ErrSizeNotMultiple
	}
	if p.Iterations <= 0 {
		return ErrNoIterations
	}
	return nil
}

// Slots is the number of stride aligned addresses in the window.
func (p Params) Slots() uint64 {
	return p.Window.Size / p.Stride
}

type Validator struct {
	params    Params
	mem       memory.Accessor
	rng       *rand.Rand
	trace     io.Writer
	observers []Observer
}

// NewSeed picks a non-deterministic seed from the wall clock.
func NewSeed() uint64 {
	return uint64(time.Now().UnixNano())
}

// NewSource returns the generator a run uses for a given seed. The same seed
// always yields the same address and value sequence.
func NewSource(seed uint64) rand.Source {
	return rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
}

// New builds a validator over mem. src is consumed by the validator alone and
// is never reseeded. A nil trace disables the per trial trace.
func New(params Params, mem memory.Accessor, src rand.Source, trace io.Writer, observers ...Observer) (*Validator, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if trace == nil {
		trace = io.Discard
	}

	return &Validator{
		params:    params,
		mem:       mem,
		rng:       rand.New(src),
		trace:     trace,
		observers: observers,
	}, nil
}

func (v *Validator) Params() Params {
	return v.params
}

func (v *Validator) GenerateAddress() uint64 {
	k := v.rng.Uint64N(v.params.Slots())
	return v.params.Window.Base + k*v.params.Stride
}

// GenerateValue composes two independent 32-bit draws into the high and low halves.
func (v *Validator) GenerateValue() uint64 {
	hi := uint64(v.rng.Uint32())
	lo := uint64(v.rng.Uint32())
	return hi<<32 | lo
}

func Validate(written, read uint64) bool {
	return written == read
}

// Run performs the configured number of round trips and stops at the first
// mismatch. The last value written is left in place.
func (v *Validator) Run() Outcome {
	for i := 1; i <= v.params.Iterations; i++ {
		addr := v.GenerateAddress()
		value := v.GenerateValue()

		v.mem.Write64(addr, value)
		observed := v.mem.Read64(addr)

		trial := Trial{Index: i, Address: addr, Written: value, Read: observed}
		v.printTrial(trial)
		for _, o := range v.observers {
			o.Observe(trial)
		}

		if !Validate(value, observed) {
			return Outcome{Trials: i, Failed: &trial}
		}
	}

	return Outcome{Trials: v.params.Iterations}
}

func (v *Validator) printTrial(t Trial) {
	fmt.Fprintf(v.trace, "[TRIAL]: #%d address=%s wrote=%s read=%s\n",
		t.Index, utils.Hex(t.Address), utils.Hex(t.Written), utils.Hex(t.Read))
}
