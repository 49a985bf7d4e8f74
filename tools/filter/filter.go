package filter

import (
	"fmt"
	"math/cmplx"

	"github.com/google-research/walkerssl/tools/audio"
)

// Design describes a filter by its gain, poles and zeros in the z-plane. Complex poles and zeros
// must come in conjugate pairs for the filter to map real signals to real signals.
type Design struct {
	Gain  float64
	Poles []complex128
	Zeros []complex128
}

// DCBlocker returns a first order high pass with a zero at DC and a pole at radius, normalized to
// unity gain at the Nyquist frequency. Radius must be in [0, 1), radii close to 1 give narrow notches.
func DCBlocker(radius float64) Design {
	return Design{
		Gain:  (1 + radius) / 2,
		Poles: []complex128{complex(radius, 0)},
		Zeros: []complex128{1},
	}
}

func (d Design) Stable() bool {
	for _, pole := range d.Poles {
		if cmplx.Abs(pole) >= 1.0 {
			return false
		}
	}
	return true
}

func (d Design) Causal() bool {
	return len(d.Poles) >= len(d.Zeros)
}

// Make returns a filter running the design, or an error if it is anti-causal or unstable.
func (d Design) Make() (*Filter, error) {
	if !d.Causal() {
		return nil, fmt.Errorf("anti-causal filter with %v poles and %v zeros", len(d.Poles), len(d.Zeros))
	}
	if !d.Stable() {
		return nil, fmt.Errorf("unstable filter with poles %v", d.Poles)
	}
	order := len(d.Poles)
	f := &Filter{
		b: make([]complex128, order+1),
		a: expand(d.Poles),
		x: make([]complex128, order+1),
		y: make([]complex128, order+1),
	}
	// Fewer zeros than poles delay the numerator.
	delay := order - len(d.Zeros)
	for idx, c := range expand(d.Zeros) {
		f.b[idx+delay] = complex(d.Gain, 0) * c
	}
	return f, nil
}

// Filter evaluates y[n] = sum(b[k] * x[n-k]) - sum(a[k] * y[n-k]), k >= 1 for a, with a[0] = 1.
type Filter struct {
	b, a []complex128
	// x and y hold the recent inputs and outputs, newest first.
	x, y []complex128
}

// Y pushes x and returns the next output.
func (f *Filter) Y(x complex128) complex128 {
	copy(f.x[1:], f.x)
	f.x[0] = x
	copy(f.y[1:], f.y)
	res := complex128(0)
	for k, b := range f.b {
		res += b * f.x[k]
	}
	for k := 1; k < len(f.a); k++ {
		res -= f.a[k] * f.y[k]
	}
	f.y[0] = res
	return res
}

// Apply filters w into a new waveform, continuing from the state left by earlier calls.
func (f *Filter) Apply(w audio.Waveform) audio.Waveform {
	res := make(audio.Waveform, len(w))
	for idx, x := range w {
		res[idx] = real(f.Y(complex(x, 0)))
	}
	return res
}

// expand multiplies out (1 - r1 * z^-1) * (1 - r2 * z^-1) * ... into the coefficients of
// 1, z^-1, z^-2, ...
func expand(roots []complex128) []complex128 {
	res := []complex128{1}
	for _, root := range roots {
		next := make([]complex128, len(res)+1)
		for idx, c := range res {
			next[idx] += c
			next[idx+1] -= root * c
		}
		res = next
	}
	return res
}
