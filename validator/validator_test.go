package validator

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mmiotest/memory"
	"mmiotest/utils"
)

const testSeed = 0x5eed

var referenceParams = Params{
	Window:     memory.Window{Base: 0x100000000, Size: 1048576},
	Stride:     65536,
	Iterations: 10,
}

type recorder struct {
	trials []Trial
}

func (r *recorder) Observe(t Trial) {
	r.trials = append(r.trials, t)
}

// fixedSource replays a fixed sequence of raw 64-bit draws.
type fixedSource struct {
	draws []uint64
	next  int
}

func (f *fixedSource) Uint64() uint64 {
	v := f.draws[f.next%len(f.draws)]
	f.next++
	return v
}

func newSimulated(t *testing.T, w memory.Window) *memory.Simulated {
	t.Helper()
	sim, err := memory.NewSimulated(w)
	require.NoError(t, err)
	return sim
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  Params
		wantErr error
	}{
		{"reference", referenceParams, nil},
		{"stride equals size", Params{Window: memory.Window{Base: 0, Size: 4096}, Stride: 4096, Iterations: 1}, nil},
		{"zero stride", Params{Window: referenceParams.Window, Stride: 0, Iterations: 1}, ErrBadStride},
		{"stride not power of two", Params{Window: memory.Window{Base: 0, Size: 96}, Stride: 24, Iterations: 1}, ErrBadStride},
		{"size not multiple", Params{Window: memory.Window{Base: 0, Size: 100}, Stride: 64, Iterations: 1}, ErrSizeNotMultiple},
		{"stride larger than size", Params{Window: memory.Window{Base: 0, Size: 64}, Stride: 128, Iterations: 1}, ErrSizeNotMultiple},
		{"zero iterations", Params{Window: referenceParams.Window, Stride: 65536}, ErrNoIterations},
		{"empty window", Params{Window: memory.Window{Base: 0x1000}, Stride: 8, Iterations: 1}, memory.ErrEmptyWindow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGenerateAddressAlignedAndInBounds(t *testing.T) {
	windows := []Params{
		referenceParams,
		{Window: memory.Window{Base: 0x1000, Size: 0x1000}, Stride: 8, Iterations: 1},
		{Window: memory.Window{Base: 0xfee00000, Size: 0x10000}, Stride: 0x10000, Iterations: 1},
	}

	for _, p := range windows {
		v, err := New(p, newSimulated(t, p.Window), NewSource(testSeed), nil)
		require.NoError(t, err)

		seen := map[uint64]bool{}
		for i := 0; i < 20000; i++ {
			a := v.GenerateAddress()
			utils.AssertInRange(t, a, p.Window.Base, p.Window.End()-1, "address")
			utils.AssertEqual(t, 0, (a-p.Window.Base)%p.Stride, "alignment")
			seen[a] = true
		}

		// a uniform draw over at most 512 slots touches every one of them in 20000 tries
		if p.Slots() <= 512 {
			assert.Len(t, seen, int(p.Slots()), "every slot of %v should be reachable", p.Window)
		}
	}
}

func TestGenerateValueComposesHalves(t *testing.T) {
	src := &fixedSource{draws: []uint64{0xaaaaaaaa_00000000, 0xbbbbbbbb_00000000}}
	v, err := New(referenceParams, newSimulated(t, referenceParams.Window), src, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(0xaaaaaaaabbbbbbbb), v.GenerateValue())
}

func TestGenerateValueCoversAllBits(t *testing.T) {
	v, err := New(referenceParams, newSimulated(t, referenceParams.Window), NewSource(testSeed), nil)
	require.NoError(t, err)

	var ones, zeros uint64
	for i := 0; i < 256; i++ {
		x := v.GenerateValue()
		ones |= x
		zeros |= ^x
	}
	assert.Equal(t, ^uint64(0), ones, "every bit should be set at least once")
	assert.Equal(t, ^uint64(0), zeros, "every bit should be cleared at least once")
}

func TestValidate(t *testing.T) {
	assert.True(t, Validate(0, 0))
	assert.True(t, Validate(0xdeadbeef, 0xdeadbeef))
	assert.False(t, Validate(1, 0))
}

func TestRunAllPassed(t *testing.T) {
	var trace bytes.Buffer
	rec := &recorder{}
	sim := newSimulated(t, referenceParams.Window)

	v, err := New(referenceParams, sim, NewSource(testSeed), &trace, rec)
	require.NoError(t, err)

	outcome := v.Run()
	require.True(t, outcome.AllPassed())
	assert.NoError(t, outcome.Err())
	assert.Equal(t, 10, outcome.Trials)

	lines := strings.Split(strings.TrimSpace(trace.String()), "\n")
	require.Len(t, lines, 10)
	require.Len(t, rec.trials, 10)

	for i, tr := range rec.trials {
		assert.Equal(t, i+1, tr.Index)
		assert.True(t, tr.Passed())
		assert.True(t, strings.HasPrefix(lines[i], "[TRIAL]: #"), lines[i])
		assert.Contains(t, lines[i], "address="+utils.Hex(tr.Address))
		assert.Contains(t, lines[i], "wrote="+utils.Hex(tr.Written))
	}

	// no cleanup: the final trial's value is still in place
	last := rec.trials[len(rec.trials)-1]
	assert.Equal(t, last.Written, sim.Read64(last.Address))
}

func TestRunStopsAtCorruptedWrite(t *testing.T) {
	for _, n := range []int{1, 4, 10} {
		var trace bytes.Buffer
		rec := &recorder{}
		faulty := &memory.CorruptNthWrite{Inner: newSimulated(t, referenceParams.Window), N: n, Mask: 0x1}

		v, err := New(referenceParams, faulty, NewSource(testSeed), &trace, rec)
		require.NoError(t, err)

		outcome := v.Run()
		require.False(t, outcome.AllPassed(), "corrupt write %d", n)
		assert.Equal(t, n, outcome.Trials)
		require.Len(t, rec.trials, n, "no trial may run after the corruption")
		assert.Equal(t, n, outcome.Failed.Index)
		assert.Equal(t, outcome.Failed.Written^1, outcome.Failed.Read)
		assert.Equal(t, *outcome.Failed, rec.trials[n-1])
		assert.Len(t, strings.Split(strings.TrimSpace(trace.String()), "\n"), n)

		var mismatch *MismatchError
		require.ErrorAs(t, outcome.Err(), &mismatch)
		assert.ErrorIs(t, outcome.Err(), ErrMismatch)
		assert.Equal(t, *outcome.Failed, mismatch.Trial)
	}
}

func TestRunZeroReadsFailsOnFirstTrial(t *testing.T) {
	rec := &recorder{}
	faulty := memory.ZeroReads{Inner: newSimulated(t, referenceParams.Window)}

	v, err := New(referenceParams, faulty, NewSource(testSeed), nil, rec)
	require.NoError(t, err)

	outcome := v.Run()
	require.False(t, outcome.AllPassed())
	require.NotZero(t, outcome.Failed.Written)
	assert.Equal(t, 1, outcome.Trials)
	assert.Equal(t, 1, outcome.Failed.Index)
	assert.Equal(t, uint64(0), outcome.Failed.Read)
	assert.Len(t, rec.trials, 1)

	msg := outcome.Err().Error()
	assert.Contains(t, msg, utils.Hex(outcome.Failed.Address))
	assert.Contains(t, msg, utils.Hex(outcome.Failed.Written))
}

func TestRunDeterministicForSeed(t *testing.T) {
	run := func(seed uint64) []Trial {
		rec := &recorder{}
		v, err := New(referenceParams, newSimulated(t, referenceParams.Window), NewSource(seed), nil, rec)
		require.NoError(t, err)
		require.True(t, v.Run().AllPassed())
		return rec.trials
	}

	first := run(testSeed)
	if diff := cmp.Diff(first, run(testSeed)); diff != "" {
		t.Errorf("same seed produced a different sequence (-first +second):\n%s", diff)
	}
	assert.NotEqual(t, first, run(testSeed+1))
}

func TestRunSubWordStrides(t *testing.T) {
	for _, stride := range []uint64{1, 2, 4} {
		p := Params{Window: memory.Window{Base: 0x100000000, Size: 16}, Stride: stride, Iterations: 2000}
		v, err := New(p, newSimulated(t, p.Window), NewSource(3), nil)
		require.NoError(t, err)

		var outcome Outcome
		require.NotPanics(t, func() { outcome = v.Run() }, "stride %d", stride)
		assert.Equal(t, 2000, outcome.Trials)
		assert.True(t, outcome.AllPassed(), "stride %d", stride)
	}
}

func TestNewRejectsInvalidParams(t *testing.T) {
	p := referenceParams
	p.Stride = 3
	_, err := New(p, newSimulated(t, p.Window), NewSource(testSeed), nil)
	assert.ErrorIs(t, err, ErrBadStride)
}
