/* Package audio contains the waveform type shared by all pipeline stages, along with level math and window functions.
 *
 * Copyright 2020 Google LLC
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     https://www.apache.org/licenses/LICENSE-2.0
 *
 *     Unless required by applicable law or agreed to in writing, software
 *     distributed under the License is distributed on an "AS IS" BASIS,
 *     WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *     See the License for the specific language governing permissions and
 *     limitations under the License.
 */
package audio

import (
	"fmt"
	"math"
	"strings"

	"github.com/mjibson/go-dsp/window"
)

// Eps is added to denominators to avoid division by zero for silent clips.
const Eps = 2.220446049250313e-16

// DB is a level expressed on a logarithmic scale.
type DB float64

// Gain returns the amplitude gain of this Decibel level.
func (d DB) Gain() float64 {
	return math.Pow(10, float64(d)/20)
}

// Waveform represents a single channel sound buffer of floats, nominally between -1 and 1.
type Waveform []float64

// Copy returns a copy of the waveform.
func (w Waveform) Copy() Waveform {
	result := make(Waveform, len(w))
	copy(result, w)
	return result
}

// EqTol returns whether the other waveform is equal to this one,
// within the given tolerance.
func (w Waveform) EqTol(o Waveform, tol float64) bool {
	if len(w) != len(o) {
		return false
	}
	for idx := range w {
		if math.Abs(w[idx]-o[idx]) > tol {
			return false
		}
	}
	return true
}

// Energy returns the sum of squares of the waveform.
func (w Waveform) Energy() float64 {
	sum := 0.0
	for _, v := range w {
		sum += v * v
	}
	return sum
}

// MeanSquare returns the mean of squares of the waveform, or 0 for an empty one.
func (w Waveform) MeanSquare() float64 {
	if len(w) == 0 {
		return 0
	}
	return w.Energy() / float64(len(w))
}

// RMS returns the root mean square of the waveform.
func (w Waveform) RMS() float64 {
	return math.Sqrt(w.MeanSquare())
}

// Peak returns the largest absolute sample value.
func (w Waveform) Peak() float64 {
	peak := 0.0
	for _, v := range w {
		if a := math.Abs(v); a > peak {
			peak = a
		}
	}
	return peak
}

// Scale multiplies every sample by the scale, in place.
func (w Waveform) Scale(scale float64) {
	for idx := range w {
		w[idx] *= scale
	}
}

// AddLevel adds a number of Decibel to the waveform, in place.
func (w Waveform) AddLevel(d DB) {
	w.Scale(d.Gain())
}

// WindowFunc returns window coefficients for a window of the given length.
type WindowFunc func(int) []float64

var windows = map[string]WindowFunc{
	"hann":        window.Hann,
	"hanning":     window.Hann,
	"hamming":     window.Hamming,
	"blackman":    window.Blackman,
	"bartlett":    window.Bartlett,
	"flattop":     window.FlatTop,
	"rectangular": window.Rectangular,
	"boxcar":      window.Rectangular,
}

// LookupWindow returns the window function with the given name. The empty
// name and "none" return a nil function, meaning no windowing.
func LookupWindow(name string) (WindowFunc, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" || name == "none" {
		return nil, nil
	}
	f, found := windows[name]
	if !found {
		return nil, fmt.Errorf("unknown window function %q", name)
	}
	return f, nil
}

// ApplyWindow multiplies the waveform with the window function, in place.
// A nil window function leaves the waveform untouched.
func (w Waveform) ApplyWindow(f WindowFunc) {
	if f == nil || len(w) == 0 {
		return
	}
	coeffs := f(len(w))
	for idx := range w {
		w[idx] *= coeffs[idx]
	}
}

// NextPowerOf2 returns the smallest power of two greater than or equal to n.
func NextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// ChannelStack holds synchronized waveforms of the same length, one per microphone channel.
type ChannelStack []Waveform

// Samples returns the per-channel sample count, or 0 for an empty stack.
func (c ChannelStack) Samples() int {
	if len(c) == 0 {
		return 0
	}
	return len(c[0])
}

// Validate checks that all channels have the same length.
func (c ChannelStack) Validate() error {
	for idx := range c {
		if len(c[idx]) != c.Samples() {
			return fmt.Errorf("channel %v has %v samples, channel 0 has %v", idx, len(c[idx]), c.Samples())
		}
	}
	return nil
}
