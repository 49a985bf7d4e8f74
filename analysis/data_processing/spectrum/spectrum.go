/*
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
package spectrum

import (
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"github.com/mjibson/go-dsp/spectral"
	"github.com/mjibson/go-dsp/window"
)

// Frames splits buffer into Hann windowed frames of size samples, overlapping by noverlap samples.
// A buffer shorter than size produces a single zero padded frame.
func Frames(buffer []float64, size, noverlap int) [][]float64 {
	var frames [][]float64
	if len(buffer) < size {
		padded := make([]float64, size)
		copy(padded, buffer)
		frames = [][]float64{padded}
	} else {
		for _, frame := range spectral.Segment(buffer, size, noverlap) {
			frames = append(frames, append([]float64{}, frame...))
		}
	}
	coeffs := window.Hann(size)
	for _, frame := range frames {
		for idx := range frame {
			frame[idx] *= coeffs[idx]
		}
	}
	return frames
}

// Magnitude returns the magnitudes of the non negative frequency bins of the FFT of buffer,
// len(buffer)/2+1 values.
func Magnitude(buffer []float64) []float64 {
	coefficients := fft.FFTReal(buffer)
	result := make([]float64, len(buffer)/2+1)
	for bin := range result {
		result[bin] = cmplx.Abs(coefficients[bin])
	}
	return result
}

// Power returns the squared magnitudes of the non negative frequency bins, scaled by 1/len(buffer).
func Power(buffer []float64) []float64 {
	result := Magnitude(buffer)
	invBuffer := 1 / float64(len(buffer))
	for bin := range result {
		result[bin] = result[bin] * result[bin] * invBuffer
	}
	return result
}

// HzToMel converts using the HTK formula.
func HzToMel(hz float64) float64 {
	return 2595 * math.Log10(1+hz/700)
}

// MelToHz is the inverse of HzToMel.
func MelToHz(mel float64) float64 {
	return 700 * (math.Pow(10, mel/2595) - 1)
}

// MelFilterbank returns mels triangular filters over the fftLen/2+1 bins of an FFT at sampleRate,
// spaced evenly on the mel scale between 0 Hz and the Nyquist frequency.
func MelFilterbank(mels, fftLen, sampleRate int) [][]float64 {
	bins := fftLen/2 + 1
	binBandwidth := float64(sampleRate) / float64(fftLen)
	maxMel := HzToMel(float64(sampleRate) / 2)
	edges := make([]float64, mels+2)
	for idx := range edges {
		edges[idx] = MelToHz(maxMel * float64(idx) / float64(mels+1))
	}
	result := make([][]float64, mels)
	for mel := range result {
		lower, center, upper := edges[mel], edges[mel+1], edges[mel+2]
		result[mel] = make([]float64, bins)
		for bin := range result[mel] {
			hz := float64(bin) * binBandwidth
			switch {
			case hz > lower && hz <= center:
				result[mel][bin] = (hz - lower) / (center - lower)
			case hz > center && hz < upper:
				result[mel][bin] = (upper - hz) / (upper - center)
			}
		}
	}
	return result
}

// Apply returns the filterbank energies of a power spectrum.
func Apply(filterbank [][]float64, power []float64) []float64 {
	result := make([]float64, len(filterbank))
	for idx, filter := range filterbank {
		for bin, weight := range filter {
			if bin < len(power) {
				result[idx] += weight * power[bin]
			}
		}
	}
	return result
}
